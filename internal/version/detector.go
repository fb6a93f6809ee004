// Package version reports the ciflow release identifier.
package version

import (
	"context"
	"runtime/debug"
	"strings"

	"github.com/tyemirov/ciflow/internal/execshell"
)

const (
	unknownVersionConstant   = "unknown"
	develVersionConstant     = "(devel)"
	develVersionBareConstant = "devel"
)

// BuildVersion is set at link time with -ldflags "-X github.com/tyemirov/ciflow/internal/version.BuildVersion=v1.2.3".
var BuildVersion string

// BuildInfoProvider exposes runtime build metadata.
type BuildInfoProvider interface {
	Read() (*debug.BuildInfo, bool)
}

// GitExecutor runs git for tag discovery.
type GitExecutor interface {
	ExecuteGit(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

// Dependencies describes the collaborators used for version detection.
type Dependencies struct {
	LinkedVersion     string
	BuildInfoProvider BuildInfoProvider
	GitExecutor       GitExecutor
	WorkingDirectory  string
}

// Detector resolves the version from, in order: the linked version, module build info, and git tags.
type Detector struct {
	dependencies Dependencies
}

// NewDetector constructs a Detector, defaulting the linked version and build info provider.
func NewDetector(dependencies Dependencies) *Detector {
	if len(strings.TrimSpace(dependencies.LinkedVersion)) == 0 {
		dependencies.LinkedVersion = BuildVersion
	}
	if dependencies.BuildInfoProvider == nil {
		dependencies.BuildInfoProvider = runtimeBuildInfoProvider{}
	}
	return &Detector{dependencies: dependencies}
}

// Version returns the detected version or "unknown".
func (detector *Detector) Version(executionContext context.Context) string {
	if detector == nil {
		return unknownVersionConstant
	}
	if linked := strings.TrimSpace(detector.dependencies.LinkedVersion); len(linked) > 0 {
		return linked
	}
	if moduleVersion := detector.moduleVersion(); len(moduleVersion) > 0 {
		return moduleVersion
	}
	if described := detector.describe(executionContext, "describe", "--tags", "--exact-match"); len(described) > 0 {
		return described
	}
	if described := detector.describe(executionContext, "describe", "--tags", "--long", "--dirty"); len(described) > 0 {
		return described
	}
	return unknownVersionConstant
}

func (detector *Detector) moduleVersion() string {
	buildInfo, available := detector.dependencies.BuildInfoProvider.Read()
	if !available || buildInfo == nil {
		return ""
	}
	moduleVersion := strings.TrimSpace(buildInfo.Main.Version)
	switch moduleVersion {
	case "", develVersionConstant, develVersionBareConstant:
		return ""
	default:
		return moduleVersion
	}
}

func (detector *Detector) describe(executionContext context.Context, arguments ...string) string {
	if detector.dependencies.GitExecutor == nil {
		return ""
	}
	result, describeError := detector.dependencies.GitExecutor.ExecuteGit(executionContext, execshell.CommandDetails{
		Arguments:            arguments,
		WorkingDirectory:     detector.dependencies.WorkingDirectory,
		EnvironmentVariables: map[string]string{"GIT_TERMINAL_PROMPT": "0"},
	})
	if describeError != nil {
		return ""
	}
	return strings.TrimSpace(result.StandardOutput)
}

type runtimeBuildInfoProvider struct{}

func (runtimeBuildInfoProvider) Read() (*debug.BuildInfo, bool) {
	return debug.ReadBuildInfo()
}
