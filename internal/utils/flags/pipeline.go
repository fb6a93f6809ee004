// Package flags provides helpers for binding standardized pipeline flags to Cobra commands.
package flags

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/tyemirov/ciflow/internal/utils"
)

const (
	// WorkflowFlagName exposes the shared workflow selection flag name.
	WorkflowFlagName = "workflow"
	// WorkflowFlagShorthand provides the shorthand for the workflow flag.
	WorkflowFlagShorthand = "w"
	// WorkflowFlagUsage describes the shared workflow flag purpose.
	WorkflowFlagUsage = "Workflow to select (defaults to the only workflow when one is declared)"
)

// PipelineFlagDefinition captures configuration for the workflow selection flag.
type PipelineFlagDefinition struct {
	Enabled bool
	Usage   string
}

// PipelineFlagValues stores pipeline flag values.
type PipelineFlagValues struct {
	Workflow string
}

// BindPipelineFlags attaches the workflow selection flag to the provided command.
func BindPipelineFlags(command *cobra.Command, defaults PipelineFlagValues, definition PipelineFlagDefinition) *PipelineFlagValues {
	values := defaults
	if command == nil || !definition.Enabled {
		return &values
	}

	usage := definition.Usage
	if len(usage) == 0 {
		usage = WorkflowFlagUsage
	}
	if command.Flags().Lookup(WorkflowFlagName) == nil {
		command.Flags().StringVarP(&values.Workflow, WorkflowFlagName, WorkflowFlagShorthand, defaults.Workflow, usage)
	}
	return &values
}

// ResolvePipelineContext merges the pipeline path argument and workflow flag over values stored in the command context.
func ResolvePipelineContext(command *cobra.Command, arguments []string) utils.PipelineContext {
	resolved := utils.PipelineContext{}
	if command == nil {
		return resolved
	}

	contextAccessor := utils.NewCommandContextAccessor()
	if stored, available := contextAccessor.PipelineContext(command.Context()); available {
		resolved = stored
	}

	if len(arguments) > 0 && len(strings.TrimSpace(arguments[0])) > 0 {
		resolved.Path = strings.TrimSpace(arguments[0])
	}

	if workflowValue, workflowChanged, workflowError := StringFlag(command, WorkflowFlagName); workflowError == nil {
		if workflowChanged || len(resolved.Workflow) == 0 {
			if trimmed := strings.TrimSpace(workflowValue); len(trimmed) > 0 {
				resolved.Workflow = trimmed
			}
		}
	}

	return resolved
}
