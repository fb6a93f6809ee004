package workflow

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

const (
	summaryHeaderTemplate = "workflow %s (run %s): %s in %s\n"
	summarySucceeded      = "succeeded"
	summaryFailed         = "failed"
	noStepsPlaceholder    = "-"
)

// WriteSummary renders a per-job table of the outcome.
func WriteSummary(writer io.Writer, outcome ExecutionOutcome) {
	if writer == nil {
		return
	}

	status := summarySucceeded
	if !outcome.Succeeded() {
		status = summaryFailed
	}
	fmt.Fprintf(writer, summaryHeaderTemplate, outcome.Workflow, outcome.RunIdentifier, status, outcome.Duration.Round(time.Millisecond))

	table := tablewriter.NewWriter(writer)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(true)
	table.SetHeader([]string{"Job", "Image", "Status", "Steps", "Duration", "Detail"})

	for _, jobOutcome := range outcome.JobOutcomes {
		table.Append([]string{
			jobOutcome.Name,
			jobOutcome.Image,
			string(jobOutcome.Status),
			formatStepProgress(jobOutcome),
			jobOutcome.Duration.Round(time.Millisecond).String(),
			jobDetail(jobOutcome),
		})
	}
	table.Render()
}

func formatStepProgress(jobOutcome JobOutcome) string {
	if len(jobOutcome.Steps) == 0 {
		return noStepsPlaceholder
	}
	passed := 0
	for _, step := range jobOutcome.Steps {
		if !step.Failed() {
			passed++
		}
	}
	return fmt.Sprintf("%d/%d", passed, len(jobOutcome.Steps))
}

func jobDetail(jobOutcome JobOutcome) string {
	switch jobOutcome.Status {
	case JobStatusSkipped:
		return jobOutcome.SkipReason
	case JobStatusFailed:
		detail := string(jobOutcome.FailureCategory)
		for _, step := range jobOutcome.Steps {
			if step.Failed() {
				detail = fmt.Sprintf("%s at %q", detail, step.Name)
				if len(step.LogPath) > 0 {
					detail = fmt.Sprintf("%s (log %s)", detail, step.LogPath)
				}
				break
			}
		}
		return strings.TrimSpace(detail)
	default:
		return ""
	}
}
