package workflow

import (
	"time"

	"github.com/tyemirov/ciflow/internal/validation"
)

// JobStatus is the final state of a job.
type JobStatus string

// Job statuses.
const (
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusSkipped   JobStatus = "skipped"
)

// ExecutionOutcome captures aggregated workflow execution results.
type ExecutionOutcome struct {
	RunIdentifier string
	Workflow      string
	StartTime     time.Time
	EndTime       time.Time
	Duration      time.Duration
	StageOutcomes []StageOutcome
	JobOutcomes   []JobOutcome
	Failures      []JobFailure
}

// Succeeded reports whether every job succeeded.
func (outcome ExecutionOutcome) Succeeded() bool {
	for _, jobOutcome := range outcome.JobOutcomes {
		if jobOutcome.Status != JobStatusSucceeded {
			return false
		}
	}
	return len(outcome.JobOutcomes) > 0
}

// JobOutcome returns the outcome of the named job.
func (outcome ExecutionOutcome) JobOutcome(name string) (JobOutcome, bool) {
	for _, jobOutcome := range outcome.JobOutcomes {
		if jobOutcome.Name == name {
			return jobOutcome, true
		}
	}
	return JobOutcome{}, false
}

// StageOutcome describes the jobs executed within a particular stage.
type StageOutcome struct {
	Index    int
	Jobs     []string
	Duration time.Duration
}

// JobOutcome reports the execution status of a single job.
type JobOutcome struct {
	Name            string
	Image           string
	Status          JobStatus
	Revision        string
	Steps           []StepOutcome
	FailureCategory FailureCategory
	SkipReason      string
	Duration        time.Duration
	Error           error
}

// StepOutcome reports a single executed step.
type StepOutcome struct {
	Index     int
	Name      string
	Role      validation.StepRole
	ExitCode  int
	Duration  time.Duration
	LogPath   string
	LogDigest string
	Error     error
}

// Failed reports whether the step did not complete successfully.
func (outcome StepOutcome) Failed() bool {
	return outcome.Error != nil
}

// JobFailure captures a formatted failure for user-facing reporting.
type JobFailure struct {
	Job      string
	Category FailureCategory
	Message  string
	Error    error
}
