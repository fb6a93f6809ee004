// Package run provides the command that executes a pipeline workflow.
package run

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/validation"
	"github.com/tyemirov/ciflow/internal/workflow"
	"github.com/tyemirov/ciflow/pkg/taskrunner"
)

// Supported execution backends.
const (
	BackendLocal  = "local"
	BackendDocker = "docker"
)

// LoggerProvider yields a zap logger for command execution.
type LoggerProvider func() *zap.Logger

// DockerConfiguration describes the docker engine used by the docker backend.
type DockerConfiguration struct {
	Host       string `mapstructure:"host"`
	PullPolicy string `mapstructure:"pull_policy"`
	User       string `mapstructure:"user"`
}

// CommandConfiguration captures the run settings resolved from configuration files and the environment.
type CommandConfiguration struct {
	PipelinePath   string
	Workflow       string
	Backend        string
	Workers        int
	WorkspaceRoot  string
	KeepWorkspaces bool
	LogDirectory   string
	MetricsFile    string
	StepTimeout    time.Duration
	Shell          []string
	Docker         DockerConfiguration
	Validation     validation.Policy
}

// Dependencies overrides the collaborators a run builds by default.
type Dependencies struct {
	GitExecutor     workflow.GitExecutor
	Checkout        workflow.SourceCheckout
	SessionFactory  workflow.SessionFactory
	ExecutorFactory taskrunner.Factory
	Clock           clockwork.Clock
	RunIdentifier   func() string
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
