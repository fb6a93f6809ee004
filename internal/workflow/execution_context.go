package workflow

import (
	"fmt"
	"path"
	"strings"

	"github.com/tyemirov/ciflow/internal/pipeline"
	"github.com/tyemirov/ciflow/internal/validation"
)

const (
	activationLineTemplate          = ". %s/bin/activate\n"
	virtualEnvironmentVariableName  = "VIRTUAL_ENV"
	continuousIntegrationVariable   = "CI"
	circleCompatibilityVariable     = "CIRCLECI"
	jobNameVariable                 = "CIRCLE_JOB"
	revisionVariable                = "CIRCLE_SHA1"
	workingDirectoryVariable        = "CIRCLE_WORKING_DIRECTORY"
	runIdentifierVariable           = "CIRCLE_WORKFLOW_ID"
	enabledEnvironmentValueConstant = "true"
)

// ExecutionContext is the state carried from one step of a job to the next.
// Steps never rely on shell state surviving between invocations; activation is replayed explicitly.
type ExecutionContext struct {
	JobName              string
	RunIdentifier        string
	WorkingDirectory     string
	Environment          map[string]string
	ActivatedEnvironment string
	Revision             string
}

// NewExecutionContext seeds the context of a job running in workingDirectory.
func NewExecutionContext(jobName string, runIdentifier string, workingDirectory string) *ExecutionContext {
	executionContext := &ExecutionContext{
		JobName:          jobName,
		RunIdentifier:    runIdentifier,
		WorkingDirectory: workingDirectory,
		Environment: map[string]string{
			continuousIntegrationVariable: enabledEnvironmentValueConstant,
			circleCompatibilityVariable:   enabledEnvironmentValueConstant,
			jobNameVariable:               jobName,
			workingDirectoryVariable:      workingDirectory,
		},
	}
	if len(runIdentifier) > 0 {
		executionContext.Environment[runIdentifierVariable] = runIdentifier
	}
	return executionContext
}

// RecordRevision stores the checked out revision.
func (executionContext *ExecutionContext) RecordRevision(revision string) {
	trimmed := strings.TrimSpace(revision)
	if len(trimmed) == 0 {
		return
	}
	executionContext.Revision = trimmed
	executionContext.Environment[revisionVariable] = trimmed
}

// Activate marks environmentPath as the isolated environment for the remaining steps.
func (executionContext *ExecutionContext) Activate(environmentPath string) {
	trimmed := strings.TrimSpace(environmentPath)
	if len(trimmed) == 0 {
		return
	}
	executionContext.ActivatedEnvironment = trimmed
	resolved := trimmed
	if !path.IsAbs(resolved) {
		resolved = path.Join(executionContext.WorkingDirectory, resolved)
	}
	executionContext.Environment[virtualEnvironmentVariableName] = resolved
}

// ObserveCompletedStep updates the context after a run step succeeded.
func (executionContext *ExecutionContext) ObserveCompletedStep(step pipeline.Step) {
	if step.Kind != pipeline.StepKindRun {
		return
	}
	if activation, activated := validation.DetectActivation(step.Command); activated {
		executionContext.Activate(activation.EnvironmentPath)
	}
}

// Invocation builds the script invocation of a run step, replaying any recorded activation first.
func (executionContext *ExecutionContext) Invocation(step pipeline.Step) StepInvocation {
	script := step.Command
	if len(executionContext.ActivatedEnvironment) > 0 {
		if _, activatesItself := validation.DetectActivation(step.Command); !activatesItself {
			script = fmt.Sprintf(activationLineTemplate, executionContext.ActivatedEnvironment) + script
		}
	}

	environment := make(map[string]string, len(executionContext.Environment))
	for key, value := range executionContext.Environment {
		environment[key] = value
	}

	return StepInvocation{
		Label:            fmt.Sprintf("%s: %s", executionContext.JobName, step.DisplayName()),
		Script:           script,
		WorkingDirectory: executionContext.WorkingDirectory,
		Environment:      environment,
	}
}
