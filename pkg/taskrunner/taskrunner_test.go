package taskrunner

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/ciflow/internal/pipeline"
	"github.com/tyemirov/ciflow/internal/workflow"
)

type fakeExecutor struct {
	outcome workflow.ExecutionOutcome
	err     error
}

func (executor fakeExecutor) Execute(_ context.Context, _ workflow.RuntimeOptions) (workflow.ExecutionOutcome, error) {
	return executor.outcome, executor.err
}

func TestRenderSummaryLineSkipsEmptyRuns(t *testing.T) {
	require.Equal(t, "", RenderSummaryLine(workflow.ExecutionOutcome{RunIdentifier: "run-1"}))
}

func TestRenderSummaryLineFormatsCounts(t *testing.T) {
	outcome := workflow.ExecutionOutcome{
		RunIdentifier: "run-1",
		Workflow:      "build",
		Duration:      1500 * time.Millisecond,
		JobOutcomes: []workflow.JobOutcome{
			{Name: "python2", Status: workflow.JobStatusFailed, FailureCategory: workflow.FailureCategoryLint},
			{Name: "python3", Status: workflow.JobStatusSucceeded},
			{Name: "publish", Status: workflow.JobStatusSkipped},
		},
	}

	require.Equal(
		t,
		"Summary: run=run-1 workflow=build total.jobs=3 succeeded=1 failed=1 skipped=1 lint_failure=1 duration_human=1.5s duration_ms=1500",
		RenderSummaryLine(outcome),
	)
}

func TestSummaryExecutorPrintsSummaryAndPropagatesErrors(t *testing.T) {
	buffer := &bytes.Buffer{}
	runError := errors.New("job python2 failed")
	executor := summaryExecutor{
		delegate: fakeExecutor{
			outcome: workflow.ExecutionOutcome{
				RunIdentifier: "run-1",
				Workflow:      "build",
				JobOutcomes:   []workflow.JobOutcome{{Name: "python2", Status: workflow.JobStatusFailed, FailureCategory: workflow.FailureCategoryTest}},
			},
			err: runError,
		},
		writer: buffer,
	}

	_, err := executor.Execute(context.Background(), workflow.RuntimeOptions{})
	require.ErrorIs(t, err, runError)
	require.Contains(t, buffer.String(), "Summary: run=run-1")
	require.Contains(t, buffer.String(), "test_failure=1")
}

func TestResolveUsesFactoryResult(t *testing.T) {
	buffer := &bytes.Buffer{}
	factoryCalls := 0
	factory := func(configuration pipeline.Configuration, dependencies workflow.Dependencies) Executor {
		factoryCalls++
		return fakeExecutor{outcome: workflow.ExecutionOutcome{RunIdentifier: "run-2", JobOutcomes: []workflow.JobOutcome{{Status: workflow.JobStatusSucceeded}}}}
	}

	executor := Resolve(factory, pipeline.Configuration{}, workflow.Dependencies{}, Options{SummaryWriter: buffer})
	outcome, err := executor.Execute(context.Background(), workflow.RuntimeOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, factoryCalls)
	require.Equal(t, "run-2", outcome.RunIdentifier)
	require.Contains(t, buffer.String(), "succeeded=1")
}

func TestResolveFallsBackToWorkflowExecutor(t *testing.T) {
	executor := Resolve(nil, pipeline.Configuration{}, workflow.Dependencies{}, Options{})
	_, err := executor.Execute(context.Background(), workflow.RuntimeOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "requires session")
}
