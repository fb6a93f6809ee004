// Package definition provides the commands that inspect and produce pipeline definitions without running them.
package definition

import (
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/pipeline"
	flagutils "github.com/tyemirov/ciflow/internal/utils/flags"
	"github.com/tyemirov/ciflow/internal/validation"
)

// LoggerProvider yields a zap logger for command execution.
type LoggerProvider func() *zap.Logger

// TemplateConfiguration describes the runtime variants rendered from the default job template.
type TemplateConfiguration struct {
	Settings pipeline.TemplateSettings `mapstructure:",squash"`
	Variants []pipeline.RuntimeVariant `mapstructure:"variants"`
}

// CommandConfiguration captures the configuration shared by definition commands.
type CommandConfiguration struct {
	PipelinePath string
	Validation   validation.Policy
	Template     TemplateConfiguration
}

func resolveLogger(provider LoggerProvider) *zap.Logger {
	if provider == nil {
		return zap.NewNop()
	}
	if logger := provider(); logger != nil {
		return logger
	}
	return zap.NewNop()
}

func resolveConfiguration(provider func() CommandConfiguration) CommandConfiguration {
	if provider == nil {
		return CommandConfiguration{Validation: validation.DefaultPolicy()}
	}
	return provider()
}

// resolvePipelinePath prefers the positional argument, then the command context, then configuration.
func resolvePipelinePath(command *cobra.Command, arguments []string, configuration CommandConfiguration) string {
	if pipelineContext := flagutils.ResolvePipelineContext(command, arguments); len(pipelineContext.Path) > 0 {
		return pipelineContext.Path
	}
	if trimmed := strings.TrimSpace(configuration.PipelinePath); len(trimmed) > 0 {
		return trimmed
	}
	return pipeline.DefaultConfigurationPath
}
