package taskrunner

import (
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/ciflow/internal/workflow"
)

// RenderSummaryLine returns the key=value line printed after a run. Runs that executed no job produce no line.
func RenderSummaryLine(outcome workflow.ExecutionOutcome) string {
	if len(outcome.JobOutcomes) == 0 {
		return ""
	}

	statusCounts := map[workflow.JobStatus]int{}
	categoryCounts := map[workflow.FailureCategory]int{}
	for _, jobOutcome := range outcome.JobOutcomes {
		statusCounts[jobOutcome.Status]++
		if jobOutcome.Status == workflow.JobStatusFailed {
			categoryCounts[jobOutcome.FailureCategory]++
		}
	}

	parts := []string{
		fmt.Sprintf("Summary: run=%s", outcome.RunIdentifier),
		fmt.Sprintf("workflow=%s", outcome.Workflow),
		fmt.Sprintf("total.jobs=%d", len(outcome.JobOutcomes)),
		fmt.Sprintf("%s=%d", workflow.JobStatusSucceeded, statusCounts[workflow.JobStatusSucceeded]),
		fmt.Sprintf("%s=%d", workflow.JobStatusFailed, statusCounts[workflow.JobStatusFailed]),
		fmt.Sprintf("%s=%d", workflow.JobStatusSkipped, statusCounts[workflow.JobStatusSkipped]),
	}

	for _, category := range []workflow.FailureCategory{
		workflow.FailureCategoryCheckout,
		workflow.FailureCategoryInstall,
		workflow.FailureCategoryLint,
		workflow.FailureCategoryTest,
		workflow.FailureCategoryStep,
		workflow.FailureCategoryInfrastructure,
	} {
		if count := categoryCounts[category]; count > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", category, count))
		}
	}

	parts = append(parts, fmt.Sprintf("duration_human=%s", outcome.Duration.Round(time.Millisecond)))
	parts = append(parts, fmt.Sprintf("duration_ms=%d", outcome.Duration.Milliseconds()))

	return strings.Join(parts, " ")
}
