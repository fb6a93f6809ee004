package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/execshell"
	"github.com/tyemirov/ciflow/internal/pipeline"
)

const (
	sessionOpenPhase  = "session open"
	jobExecutionPhase = "job execution"
	jobPanicTemplate  = "panic: %v"
)

func (executor *Executor) runJob(executionContext context.Context, job pipeline.Job, runIdentifier string, runtimeOptions RuntimeOptions) (jobOutcome JobOutcome) {
	logger := executor.dependencies.Logger.With(zap.String("job", job.Name))
	jobStart := executor.dependencies.Clock.Now()
	outcome := JobOutcome{
		Name:  job.Name,
		Image: job.Image(),
		Steps: make([]StepOutcome, 0, len(job.Steps)),
	}

	finish := func(jobError error) JobOutcome {
		outcome.Duration = executor.dependencies.Clock.Since(jobStart)
		outcome.Status = JobStatusSucceeded
		if jobError != nil {
			outcome.Status = JobStatusFailed
			outcome.Error = jobError
			outcome.FailureCategory = FailureCategoryOf(jobError)
		}
		if executor.dependencies.Metrics != nil {
			executor.dependencies.Metrics.ObserveJob(job.Name, string(outcome.Status), outcome.Duration)
		}
		fields := []zap.Field{
			zap.String("status", string(outcome.Status)),
			zap.Duration("duration", outcome.Duration),
		}
		if jobError != nil {
			logger.Warn("job_finished", append(fields, zap.String("category", string(outcome.FailureCategory)), zap.Error(jobError))...)
		} else {
			logger.Info("job_finished", fields...)
		}
		return outcome
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			jobOutcome = finish(InfrastructureError{Job: job.Name, Phase: jobExecutionPhase, Cause: fmt.Errorf(jobPanicTemplate, recovered)})
		}
	}()

	logger.Info("job_started", zap.String("image", outcome.Image), zap.Int("steps", len(job.Steps)))

	session, openError := executor.dependencies.Sessions.Open(executionContext, JobSpec{
		Name:          job.Name,
		Image:         outcome.Image,
		RunIdentifier: runIdentifier,
	})
	if openError != nil {
		return finish(InfrastructureError{Job: job.Name, Phase: sessionOpenPhase, Cause: openError})
	}
	defer func() {
		if closeError := session.Close(context.WithoutCancel(executionContext)); closeError != nil {
			logger.Warn("job_session_close_failed", zap.Error(closeError))
		}
	}()

	stepContext := NewExecutionContext(job.Name, runIdentifier, session.Workspace())
	for stepIndex, step := range job.Steps {
		stepOutcome, stepError := executor.runStep(executionContext, session, stepContext, job, stepIndex, step, runtimeOptions)
		outcome.Steps = append(outcome.Steps, stepOutcome)
		outcome.Revision = stepContext.Revision
		if stepError != nil {
			return finish(stepError)
		}
	}

	return finish(nil)
}

func (executor *Executor) runStep(
	executionContext context.Context,
	session Session,
	stepContext *ExecutionContext,
	job pipeline.Job,
	stepIndex int,
	step pipeline.Step,
	runtimeOptions RuntimeOptions,
) (StepOutcome, error) {
	role := executor.dependencies.Classifier.ClassifyStep(step)
	stepOutcome := StepOutcome{Index: stepIndex, Name: step.DisplayName(), Role: role}
	stepLabel := fmt.Sprintf("step %d %q", stepIndex+1, stepOutcome.Name)

	if contextError := executionContext.Err(); contextError != nil {
		stepOutcome.Error = InfrastructureError{Job: job.Name, Phase: stepLabel, Cause: contextError}
		return stepOutcome, stepOutcome.Error
	}

	boundedContext := executionContext
	cancel := func() {}
	if runtimeOptions.StepTimeout > 0 {
		boundedContext, cancel = context.WithTimeout(executionContext, runtimeOptions.StepTimeout)
	}
	defer cancel()

	stepStart := executor.dependencies.Clock.Now()
	var (
		output   string
		exitCode int
		runError error
	)

	switch step.Kind {
	case pipeline.StepKindCheckout:
		checkoutResult, checkoutError := executor.dependencies.Checkout.Checkout(boundedContext, session.HostWorkspace(), CheckoutRequest{
			Repository: runtimeOptions.Repository,
			Revision:   runtimeOptions.Revision,
		})
		output = checkoutResult.Output
		runError = checkoutError
		var commandFailure execshell.CommandFailedError
		if errors.As(checkoutError, &commandFailure) {
			exitCode = commandFailure.Result.ExitCode
		}
		if checkoutError == nil {
			stepContext.RecordRevision(checkoutResult.Revision)
		}
	default:
		executionResult, executionError := session.Execute(boundedContext, stepContext.Invocation(step))
		output = executionResult.CombinedOutput
		exitCode = executionResult.ExitCode
		runError = executionError
	}

	stepOutcome.Duration = executor.dependencies.Clock.Since(stepStart)
	stepOutcome.ExitCode = exitCode
	timedOut := errors.Is(boundedContext.Err(), context.DeadlineExceeded) && executionContext.Err() == nil

	var stepError error
	switch {
	case timedOut:
		stepError = StepFailedError{Job: job.Name, Step: stepOutcome.Name, StepIndex: stepIndex, Role: role, ExitCode: exitCode, TimedOut: true, Cause: context.DeadlineExceeded}
	case runError != nil && executionContext.Err() != nil:
		stepError = InfrastructureError{Job: job.Name, Phase: stepLabel, Cause: errors.Join(executionContext.Err(), runError)}
	case runError != nil && step.Kind == pipeline.StepKindCheckout:
		stepError = StepFailedError{Job: job.Name, Step: stepOutcome.Name, StepIndex: stepIndex, Role: role, ExitCode: exitCode, Cause: runError}
	case runError != nil:
		stepError = InfrastructureError{Job: job.Name, Phase: stepLabel, Cause: runError}
	case exitCode != 0:
		stepError = StepFailedError{Job: job.Name, Step: stepOutcome.Name, StepIndex: stepIndex, Role: role, ExitCode: exitCode}
	}
	stepOutcome.Error = stepError

	if executor.dependencies.LogStore != nil {
		record, saveError := executor.dependencies.LogStore.Save(job.Name, stepIndex, stepOutcome.Name, output)
		if saveError != nil {
			executor.dependencies.Logger.Warn("step_log_save_failed", zap.String("job", job.Name), zap.Int("step_index", stepIndex), zap.Error(saveError))
		} else {
			stepOutcome.LogPath = record.Path
			stepOutcome.LogDigest = record.Digest
		}
	}

	if executor.dependencies.Metrics != nil {
		executor.dependencies.Metrics.ObserveStep(job.Name, string(role), string(FailureCategoryOf(stepError)), stepOutcome.Duration)
	}

	fields := []zap.Field{
		zap.String("job", job.Name),
		zap.Int("step_index", stepIndex),
		zap.String("step", stepOutcome.Name),
		zap.String("role", string(role)),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", stepOutcome.Duration),
		zap.String("log_path", stepOutcome.LogPath),
	}
	if stepError != nil {
		executor.dependencies.Logger.Warn("step_failed", append(fields, zap.Error(stepError))...)
		return stepOutcome, stepError
	}

	stepContext.ObserveCompletedStep(step)
	executor.dependencies.Logger.Info("step_finished", fields...)
	return stepOutcome, nil
}
