package workflow

import (
	"errors"
	"fmt"

	"github.com/tyemirov/ciflow/internal/validation"
)

// FailureCategory classifies why a job failed.
type FailureCategory string

// Failure categories reported on job outcomes.
const (
	FailureCategoryNone           FailureCategory = ""
	FailureCategoryCheckout       FailureCategory = "checkout_failure"
	FailureCategoryInstall        FailureCategory = "install_failure"
	FailureCategoryLint           FailureCategory = "lint_failure"
	FailureCategoryTest           FailureCategory = "test_failure"
	FailureCategoryStep           FailureCategory = "step_failure"
	FailureCategoryInfrastructure FailureCategory = "infrastructure_failure"
)

var (
	// ErrWorkflowNotFound indicates the requested workflow is not declared.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrWorkflowSelectionRequired indicates several workflows exist and none was selected.
	ErrWorkflowSelectionRequired = errors.New("workflow selection required")
	// ErrNoJobsSelected indicates the selection resolved to zero jobs.
	ErrNoJobsSelected = errors.New("no jobs selected")
	// ErrJobNotInWorkflow indicates a selected job is not part of the workflow.
	ErrJobNotInWorkflow = errors.New("job not in workflow")
	// ErrJobNotDefined indicates a workflow references a job missing from the configuration.
	ErrJobNotDefined = errors.New("job not defined")
)

// CategoryForRole maps a step role to the failure category of a failing step.
func CategoryForRole(role validation.StepRole) FailureCategory {
	switch role {
	case validation.StepRoleCheckout:
		return FailureCategoryCheckout
	case validation.StepRoleInstall:
		return FailureCategoryInstall
	case validation.StepRoleLint:
		return FailureCategoryLint
	case validation.StepRoleTest:
		return FailureCategoryTest
	default:
		return FailureCategoryStep
	}
}

// StepFailedError reports the step that terminated a job.
type StepFailedError struct {
	Job       string
	Step      string
	StepIndex int
	Role      validation.StepRole
	ExitCode  int
	TimedOut  bool
	Cause     error
}

// Category maps the failing step to its failure category.
func (failure StepFailedError) Category() FailureCategory {
	return CategoryForRole(failure.Role)
}

func (failure StepFailedError) Error() string {
	switch {
	case failure.TimedOut:
		return fmt.Sprintf("job %s: step %d %q timed out (%s)", failure.Job, failure.StepIndex+1, failure.Step, failure.Category())
	case failure.Cause != nil && failure.ExitCode == 0:
		return fmt.Sprintf("job %s: step %d %q failed (%s): %v", failure.Job, failure.StepIndex+1, failure.Step, failure.Category(), failure.Cause)
	default:
		return fmt.Sprintf("job %s: step %d %q exited with code %d (%s)", failure.Job, failure.StepIndex+1, failure.Step, failure.ExitCode, failure.Category())
	}
}

func (failure StepFailedError) Unwrap() error {
	return failure.Cause
}

// InfrastructureError reports a job that failed outside its steps, for example when its session could not open.
type InfrastructureError struct {
	Job   string
	Phase string
	Cause error
}

// Category always reports an infrastructure failure.
func (failure InfrastructureError) Category() FailureCategory {
	return FailureCategoryInfrastructure
}

func (failure InfrastructureError) Error() string {
	return fmt.Sprintf("job %s: %s failed: %v", failure.Job, failure.Phase, failure.Cause)
}

func (failure InfrastructureError) Unwrap() error {
	return failure.Cause
}

type categorizedError interface {
	Category() FailureCategory
}

// FailureCategoryOf extracts the failure category carried by err.
func FailureCategoryOf(err error) FailureCategory {
	if err == nil {
		return FailureCategoryNone
	}
	var categorized categorizedError
	if errors.As(err, &categorized) {
		return categorized.Category()
	}
	return FailureCategoryInfrastructure
}

type jobFailureError struct {
	message string
	cause   error
}

func (failure jobFailureError) Error() string {
	return failure.message
}

func (failure jobFailureError) Unwrap() error {
	return failure.cause
}

func newJobFailureError(failures []JobFailure) error {
	if len(failures) == 0 {
		return nil
	}
	causes := make([]error, 0, len(failures))
	for _, failure := range failures {
		causes = append(causes, failure.Error)
	}
	message := failures[0].Message
	if len(failures) > 1 {
		message = fmt.Sprintf("%s (and %d more failures)", message, len(failures)-1)
	}
	return jobFailureError{message: message, cause: errors.Join(causes...)}
}
