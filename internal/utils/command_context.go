package utils

import (
	"context"
	"strings"
)

const (
	configurationFilePathContextKeyConstant = commandContextKey("configurationFilePath")
	pipelineContextKeyConstant              = commandContextKey("pipelineContext")
	runContextKeyConstant                   = commandContextKey("runContext")
	logLevelContextKeyConstant              = commandContextKey("logLevel")
)

type commandContextKey string

// PipelineContext describes the pipeline configuration a command operates on.
type PipelineContext struct {
	Path     string
	Workflow string
}

// RunContext describes a single pipeline run.
type RunContext struct {
	RunIdentifier string
	Backend       string
}

// CommandContextAccessor manages values stored in command execution contexts.
type CommandContextAccessor struct{}

// NewCommandContextAccessor constructs a CommandContextAccessor instance.
func NewCommandContextAccessor() CommandContextAccessor {
	return CommandContextAccessor{}
}

// WithConfigurationFilePath attaches the configuration file path to the provided context.
func (accessor CommandContextAccessor) WithConfigurationFilePath(parentContext context.Context, configurationFilePath string) context.Context {
	if parentContext == nil {
		parentContext = context.Background()
	}
	return context.WithValue(parentContext, configurationFilePathContextKeyConstant, configurationFilePath)
}

// WithPipelineContext attaches pipeline details to the provided context when values are present.
func (accessor CommandContextAccessor) WithPipelineContext(parentContext context.Context, pipelineContext PipelineContext) context.Context {
	if parentContext == nil {
		parentContext = context.Background()
	}
	normalized := PipelineContext{
		Path:     strings.TrimSpace(pipelineContext.Path),
		Workflow: strings.TrimSpace(pipelineContext.Workflow),
	}
	if len(normalized.Path) == 0 && len(normalized.Workflow) == 0 {
		return parentContext
	}
	return context.WithValue(parentContext, pipelineContextKeyConstant, normalized)
}

// WithRunContext attaches run details to the provided context when a run identifier is present.
func (accessor CommandContextAccessor) WithRunContext(parentContext context.Context, runContext RunContext) context.Context {
	if parentContext == nil {
		parentContext = context.Background()
	}
	normalized := RunContext{
		RunIdentifier: strings.TrimSpace(runContext.RunIdentifier),
		Backend:       strings.TrimSpace(runContext.Backend),
	}
	if len(normalized.RunIdentifier) == 0 {
		return parentContext
	}
	return context.WithValue(parentContext, runContextKeyConstant, normalized)
}

// WithLogLevel attaches the effective log level to the provided context.
func (accessor CommandContextAccessor) WithLogLevel(parentContext context.Context, logLevel string) context.Context {
	if parentContext == nil {
		parentContext = context.Background()
	}
	trimmedLogLevel := strings.TrimSpace(logLevel)
	if len(trimmedLogLevel) == 0 {
		return parentContext
	}
	return context.WithValue(parentContext, logLevelContextKeyConstant, trimmedLogLevel)
}

// ConfigurationFilePath extracts the configuration file path from the provided context.
func (accessor CommandContextAccessor) ConfigurationFilePath(executionContext context.Context) (string, bool) {
	if executionContext == nil {
		return "", false
	}
	configurationFilePath, configurationFilePathAvailable := executionContext.Value(configurationFilePathContextKeyConstant).(string)
	if !configurationFilePathAvailable {
		return "", false
	}
	return configurationFilePath, true
}

// PipelineContext extracts pipeline details from the provided execution context.
func (accessor CommandContextAccessor) PipelineContext(executionContext context.Context) (PipelineContext, bool) {
	if executionContext == nil {
		return PipelineContext{}, false
	}
	value, valueAvailable := executionContext.Value(pipelineContextKeyConstant).(PipelineContext)
	if !valueAvailable {
		return PipelineContext{}, false
	}
	return value, true
}

// RunContext extracts run details from the provided execution context.
func (accessor CommandContextAccessor) RunContext(executionContext context.Context) (RunContext, bool) {
	if executionContext == nil {
		return RunContext{}, false
	}
	value, valueAvailable := executionContext.Value(runContextKeyConstant).(RunContext)
	if !valueAvailable {
		return RunContext{}, false
	}
	return value, true
}

// LogLevel extracts the effective log level from the provided context.
func (accessor CommandContextAccessor) LogLevel(executionContext context.Context) (string, bool) {
	if executionContext == nil {
		return "", false
	}
	value, valueAvailable := executionContext.Value(logLevelContextKeyConstant).(string)
	if !valueAvailable {
		return "", false
	}
	return value, true
}
