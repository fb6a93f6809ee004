package utils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithPipelineContextStoresNormalizedValues(t *testing.T) {
	accessor := NewCommandContextAccessor()
	enriched := accessor.WithPipelineContext(context.Background(), PipelineContext{Path: " .circleci/config.yml ", Workflow: " build "})

	pipelineContext, exists := accessor.PipelineContext(enriched)
	require.True(t, exists)
	require.Equal(t, ".circleci/config.yml", pipelineContext.Path)
	require.Equal(t, "build", pipelineContext.Workflow)
}

func TestWithPipelineContextSkipsEmptyValues(t *testing.T) {
	accessor := NewCommandContextAccessor()
	enriched := accessor.WithPipelineContext(context.Background(), PipelineContext{Path: "  "})

	_, exists := accessor.PipelineContext(enriched)
	require.False(t, exists)
}

func TestWithRunContextRequiresIdentifier(t *testing.T) {
	accessor := NewCommandContextAccessor()

	withoutIdentifier := accessor.WithRunContext(context.Background(), RunContext{Backend: "docker"})
	_, exists := accessor.RunContext(withoutIdentifier)
	require.False(t, exists)

	withIdentifier := accessor.WithRunContext(context.Background(), RunContext{RunIdentifier: " run-1 ", Backend: "docker"})
	runContext, exists := accessor.RunContext(withIdentifier)
	require.True(t, exists)
	require.Equal(t, RunContext{RunIdentifier: "run-1", Backend: "docker"}, runContext)
}

func TestWithLogLevelSkipsBlankValues(t *testing.T) {
	accessor := NewCommandContextAccessor()

	_, exists := accessor.LogLevel(accessor.WithLogLevel(context.Background(), " "))
	require.False(t, exists)

	logLevel, exists := accessor.LogLevel(accessor.WithLogLevel(context.Background(), " debug "))
	require.True(t, exists)
	require.Equal(t, "debug", logLevel)
}

func TestConfigurationFilePathHandlesMissingContext(t *testing.T) {
	accessor := NewCommandContextAccessor()

	_, exists := accessor.ConfigurationFilePath(context.Background())
	require.False(t, exists)

	path, exists := accessor.ConfigurationFilePath(accessor.WithConfigurationFilePath(context.Background(), "/tmp/config.yaml"))
	require.True(t, exists)
	require.Equal(t, "/tmp/config.yaml", path)
}
