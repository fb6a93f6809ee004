package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/pipeline"
)

const jobSchedulingPhase = "job scheduling"

var errJobOutcomeMissing = errors.New("job produced no outcome")

type stageExecutionResult struct {
	stageOutcomes []StageOutcome
	jobOutcomes   []JobOutcome
}

func (executor *Executor) runJobStages(
	executionContext context.Context,
	stages []pipeline.JobStage,
	runIdentifier string,
	runtimeOptions RuntimeOptions,
) stageExecutionResult {
	result := stageExecutionResult{
		stageOutcomes: make([]StageOutcome, 0, len(stages)),
	}

	pool := pond.NewResultPool[JobOutcome](executor.workerCount(runtimeOptions.Workers))
	defer pool.StopAndWait()

	statuses := make(map[string]JobStatus)

	for stageIndex := range stages {
		stage := stages[stageIndex]
		if len(stage.Jobs) == 0 {
			continue
		}

		stageStart := executor.dependencies.Clock.Now()
		stageOutcomes := make([]JobOutcome, len(stage.Jobs))
		submittedIndexes := make([]int, 0, len(stage.Jobs))
		group := pool.NewGroup()

		for jobIndex, node := range stage.Jobs {
			job, _ := executor.configuration.JobByName(node.Name)
			if reason := blockedByRequirement(node, statuses); len(reason) > 0 {
				stageOutcomes[jobIndex] = executor.skipJob(job, reason)
				continue
			}
			submittedIndexes = append(submittedIndexes, jobIndex)
			group.Submit(func() JobOutcome {
				return executor.runJob(executionContext, job, runIdentifier, runtimeOptions)
			})
		}

		if len(submittedIndexes) > 0 {
			jobResults, waitError := group.Wait()
			for resultIndex, jobIndex := range submittedIndexes {
				if resultIndex < len(jobResults) && len(jobResults[resultIndex].Name) > 0 {
					stageOutcomes[jobIndex] = jobResults[resultIndex]
					continue
				}
				job, _ := executor.configuration.JobByName(stage.Jobs[jobIndex].Name)
				stageOutcomes[jobIndex] = executor.abandonJob(job, waitError)
			}
		}

		for _, jobOutcome := range stageOutcomes {
			statuses[jobOutcome.Name] = jobOutcome.Status
		}
		result.jobOutcomes = append(result.jobOutcomes, stageOutcomes...)

		stageDuration := executor.dependencies.Clock.Since(stageStart)
		result.stageOutcomes = append(result.stageOutcomes, StageOutcome{
			Index:    stageIndex,
			Jobs:     stage.Names(),
			Duration: stageDuration,
		})

		executor.dependencies.Logger.Info(
			"workflow_stage_complete",
			zap.Int("stage_index", stageIndex),
			zap.Strings("jobs", stage.Names()),
			zap.Duration("duration", stageDuration),
		)
	}

	return result
}

func blockedByRequirement(node *pipeline.JobNode, statuses map[string]JobStatus) string {
	blocking := make([]string, 0, len(node.Requires))
	for _, requirement := range node.Requires {
		if statuses[strings.TrimSpace(requirement)] != JobStatusSucceeded {
			blocking = append(blocking, strings.TrimSpace(requirement))
		}
	}
	if len(blocking) == 0 {
		return ""
	}
	return fmt.Sprintf("required job %s did not succeed", strings.Join(blocking, ", "))
}

func (executor *Executor) skipJob(job pipeline.Job, reason string) JobOutcome {
	executor.dependencies.Logger.Warn(
		"job_skipped",
		zap.String("job", job.Name),
		zap.String("reason", reason),
	)
	if executor.dependencies.Metrics != nil {
		executor.dependencies.Metrics.ObserveJob(job.Name, string(JobStatusSkipped), 0)
	}
	return JobOutcome{
		Name:       job.Name,
		Image:      job.Image(),
		Status:     JobStatusSkipped,
		SkipReason: reason,
	}
}

func (executor *Executor) abandonJob(job pipeline.Job, waitError error) JobOutcome {
	cause := waitError
	if cause == nil {
		cause = errJobOutcomeMissing
	}
	jobError := InfrastructureError{Job: job.Name, Phase: jobSchedulingPhase, Cause: cause}
	executor.dependencies.Logger.Warn(
		"job_finished",
		zap.String("job", job.Name),
		zap.String("status", string(JobStatusFailed)),
		zap.String("category", string(FailureCategoryInfrastructure)),
		zap.Error(jobError),
	)
	if executor.dependencies.Metrics != nil {
		executor.dependencies.Metrics.ObserveJob(job.Name, string(JobStatusFailed), 0)
	}
	return JobOutcome{
		Name:            job.Name,
		Image:           job.Image(),
		Status:          JobStatusFailed,
		Error:           jobError,
		FailureCategory: FailureCategoryInfrastructure,
	}
}
