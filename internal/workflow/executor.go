package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/logstore"
	"github.com/tyemirov/ciflow/internal/pipeline"
	"github.com/tyemirov/ciflow/internal/validation"
)

const (
	workflowExecutorDependenciesMessage = "workflow executor requires session, checkout, and step classification dependencies"
	implicitWorkflowName                = "default"
)

// StepClassifier assigns roles to steps.
type StepClassifier interface {
	ClassifyStep(step pipeline.Step) validation.StepRole
}

// StepLogStore persists captured step output.
type StepLogStore interface {
	Save(job string, stepIndex int, stepName string, output string) (logstore.Record, error)
}

// MetricsRecorder observes finished steps and jobs.
type MetricsRecorder interface {
	ObserveStep(job string, role string, category string, duration time.Duration)
	ObserveJob(job string, status string, duration time.Duration)
}

// Dependencies configures shared collaborators for workflow execution.
type Dependencies struct {
	Logger                *zap.Logger
	Sessions              SessionFactory
	Checkout              SourceCheckout
	Classifier            StepClassifier
	LogStore              StepLogStore
	Metrics               MetricsRecorder
	Clock                 clockwork.Clock
	RunIdentifierProvider func() string
}

// RuntimeOptions captures user-provided execution modifiers.
type RuntimeOptions struct {
	Workflow      string
	Jobs          []string
	Workers       int
	Repository    string
	Revision      string
	StepTimeout   time.Duration
	RunIdentifier string
}

// Executor runs the jobs of one workflow.
type Executor struct {
	configuration pipeline.Configuration
	dependencies  Dependencies
}

// NewExecutor constructs an Executor for the configuration.
func NewExecutor(configuration pipeline.Configuration, dependencies Dependencies) *Executor {
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.Clock == nil {
		dependencies.Clock = clockwork.NewRealClock()
	}
	if dependencies.RunIdentifierProvider == nil {
		dependencies.RunIdentifierProvider = uuid.NewString
	}
	return &Executor{configuration: configuration, dependencies: dependencies}
}

// Execute runs the selected workflow stage by stage. Jobs within a stage run concurrently
// on a bounded pool; a failed job only skips the jobs that require it.
func (executor *Executor) Execute(executionContext context.Context, runtimeOptions RuntimeOptions) (ExecutionOutcome, error) {
	runIdentifier := strings.TrimSpace(runtimeOptions.RunIdentifier)
	if len(runIdentifier) == 0 {
		runIdentifier = executor.dependencies.RunIdentifierProvider()
	}
	outcome := ExecutionOutcome{
		RunIdentifier: runIdentifier,
		StartTime:     executor.dependencies.Clock.Now(),
	}

	if executor.dependencies.Sessions == nil || executor.dependencies.Checkout == nil || executor.dependencies.Classifier == nil {
		return outcome, errors.New(workflowExecutorDependenciesMessage)
	}

	workflow, workflowError := executor.selectWorkflow(runtimeOptions.Workflow)
	if workflowError != nil {
		return outcome, workflowError
	}
	outcome.Workflow = workflow.Name

	nodes, selectionError := selectJobNodes(workflow, runtimeOptions.Jobs)
	if selectionError != nil {
		return outcome, selectionError
	}
	for _, node := range nodes {
		if _, defined := executor.configuration.JobByName(node.Name); !defined {
			return outcome, fmt.Errorf("%w: %s", ErrJobNotDefined, node.Name)
		}
	}

	stages, planError := pipeline.PlanJobStages(nodes)
	if planError != nil {
		return outcome, planError
	}

	executor.dependencies.Logger.Info(
		"workflow_run_started",
		zap.String("run_id", runIdentifier),
		zap.String("workflow", workflow.Name),
		zap.Int("jobs", len(nodes)),
		zap.Int("stages", len(stages)),
	)

	stageResults := executor.runJobStages(executionContext, stages, runIdentifier, runtimeOptions)
	outcome.StageOutcomes = stageResults.stageOutcomes
	outcome.JobOutcomes = stageResults.jobOutcomes

	for _, jobOutcome := range outcome.JobOutcomes {
		if jobOutcome.Status != JobStatusFailed {
			continue
		}
		outcome.Failures = append(outcome.Failures, JobFailure{
			Job:      jobOutcome.Name,
			Category: jobOutcome.FailureCategory,
			Message:  jobOutcome.Error.Error(),
			Error:    jobOutcome.Error,
		})
	}

	outcome.EndTime = executor.dependencies.Clock.Now()
	outcome.Duration = outcome.EndTime.Sub(outcome.StartTime)

	executor.dependencies.Logger.Info(
		"workflow_run_finished",
		zap.String("run_id", runIdentifier),
		zap.String("workflow", workflow.Name),
		zap.Int("failures", len(outcome.Failures)),
		zap.Duration("duration", outcome.Duration),
	)

	return outcome, newJobFailureError(outcome.Failures)
}

func (executor *Executor) selectWorkflow(name string) (pipeline.Workflow, error) {
	trimmedName := strings.TrimSpace(name)
	if len(trimmedName) > 0 {
		workflow, found := executor.configuration.WorkflowByName(trimmedName)
		if !found {
			return pipeline.Workflow{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, trimmedName)
		}
		return workflow, nil
	}

	switch len(executor.configuration.Workflows) {
	case 0:
		implicit := pipeline.Workflow{Name: implicitWorkflowName}
		for _, jobName := range executor.configuration.JobNames() {
			implicit.Jobs = append(implicit.Jobs, pipeline.WorkflowJob{Name: jobName})
		}
		return implicit, nil
	case 1:
		return executor.configuration.Workflows[0], nil
	default:
		names := make([]string, 0, len(executor.configuration.Workflows))
		for _, workflow := range executor.configuration.Workflows {
			names = append(names, workflow.Name)
		}
		sort.Strings(names)
		return pipeline.Workflow{}, fmt.Errorf("%w (available: %s)", ErrWorkflowSelectionRequired, strings.Join(names, ", "))
	}
}

func selectJobNodes(workflow pipeline.Workflow, selectedJobs []string) ([]*pipeline.JobNode, error) {
	nodes := pipeline.NodesForWorkflow(workflow)

	selected := make(map[string]struct{}, len(selectedJobs))
	for _, jobName := range selectedJobs {
		if trimmed := strings.TrimSpace(jobName); len(trimmed) > 0 {
			selected[trimmed] = struct{}{}
		}
	}

	if len(selected) == 0 {
		if len(nodes) == 0 {
			return nil, ErrNoJobsSelected
		}
		return nodes, nil
	}

	listed := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		listed[node.Name] = struct{}{}
	}
	for jobName := range selected {
		if _, exists := listed[jobName]; !exists {
			return nil, fmt.Errorf("%w: job %q is not part of workflow %q", ErrJobNotInWorkflow, jobName, workflow.Name)
		}
	}

	filtered := make([]*pipeline.JobNode, 0, len(selected))
	for _, node := range nodes {
		if _, keep := selected[node.Name]; !keep {
			continue
		}
		requires := make([]string, 0, len(node.Requires))
		for _, requirement := range node.Requires {
			if _, kept := selected[strings.TrimSpace(requirement)]; kept {
				requires = append(requires, requirement)
			}
		}
		node.Requires = requires
		filtered = append(filtered, node)
	}
	return filtered, nil
}

func (executor *Executor) workerCount(requested int) int {
	if requested > 0 {
		return requested
	}
	return runtime.NumCPU()
}
