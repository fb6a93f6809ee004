package execshell

import (
	"fmt"
	"strings"
)

const (
	startedMessageTemplateConstant          = "Running %s"
	completedMessageTemplateConstant        = "Completed %s"
	failedMessageTemplateConstant           = "%s failed with exit code %d"
	failedWithDetailMessageTemplateConstant = "%s failed with exit code %d: %s"
	executionFailedMessageTemplateConstant  = "%s failed: %v"
	workingDirectorySuffixTemplateConstant  = "%s (in %s)"
)

// CommandMessageFormatter renders human-readable command lifecycle messages.
type CommandMessageFormatter struct{}

// BuildStartedMessage describes a command about to run.
func (formatter CommandMessageFormatter) BuildStartedMessage(command ShellCommand) string {
	return fmt.Sprintf(startedMessageTemplateConstant, formatter.describe(command))
}

// BuildSuccessMessage describes a command that exited with code zero.
func (formatter CommandMessageFormatter) BuildSuccessMessage(command ShellCommand) string {
	return fmt.Sprintf(completedMessageTemplateConstant, formatter.describe(command))
}

// BuildFailureMessage describes a command that exited with a non-zero code.
func (formatter CommandMessageFormatter) BuildFailureMessage(command ShellCommand, result ExecutionResult) string {
	detail := firstNonEmptyLine(result.StandardError)
	if len(detail) == 0 {
		return fmt.Sprintf(failedMessageTemplateConstant, formatter.describe(command), result.ExitCode)
	}
	return fmt.Sprintf(failedWithDetailMessageTemplateConstant, formatter.describe(command), result.ExitCode, detail)
}

// BuildExecutionFailureMessage describes a command the runner could not execute.
func (formatter CommandMessageFormatter) BuildExecutionFailureMessage(command ShellCommand, executionError error) string {
	return fmt.Sprintf(executionFailedMessageTemplateConstant, formatter.describe(command), executionError)
}

func (formatter CommandMessageFormatter) describe(command ShellCommand) string {
	description := command.Details.Label
	if len(description) == 0 {
		segments := append([]string{string(command.Name)}, command.Details.Arguments...)
		description = strings.Join(segments, " ")
	}
	if len(command.Details.WorkingDirectory) > 0 {
		description = fmt.Sprintf(workingDirectorySuffixTemplateConstant, description, command.Details.WorkingDirectory)
	}
	return description
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); len(trimmed) > 0 {
			return trimmed
		}
	}
	return ""
}
