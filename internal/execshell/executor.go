package execshell

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	gitCommandNameStringConstant              = "git"
	loggerNotConfiguredMessageConstant        = "shell executor logger not configured"
	commandRunnerNotConfiguredMessageConstant = "shell executor command runner not configured"
	commandNameMissingMessageConstant         = "shell command name not provided"
	scriptShellMissingMessageConstant         = "script shell not provided"
	commandStartMessageConstant               = "command execution starting"
	commandSuccessMessageConstant             = "command execution completed"
	commandFailureMessageConstant             = "command returned non-zero status"
	commandRunnerErrorMessageConstant         = "command execution error"
	commandNameFieldNameConstant              = "command"
	commandArgumentsFieldNameConstant         = "arguments"
	commandLabelFieldNameConstant             = "label"
	workingDirectoryFieldNameConstant         = "working_directory"
	exitCodeFieldNameConstant                 = "exit_code"
	standardErrorFieldNameConstant            = "stderr"
)

// CommandName identifies an executable name.
type CommandName string

// CommandGit names the git executable used for checkouts.
const CommandGit CommandName = CommandName(gitCommandNameStringConstant)

// DefaultScriptShell runs step scripts with errexit and pipefail enabled.
var DefaultScriptShell = []string{"/bin/bash", "-eo", "pipefail", "-c"}

// CommandDetails describes command invocation properties.
type CommandDetails struct {
	Arguments            []string
	WorkingDirectory     string
	EnvironmentVariables map[string]string
	StandardInput        []byte
	// Label replaces the argument list in human-readable log messages.
	Label string
}

// ShellCommand represents a fully qualified command invocation.
type ShellCommand struct {
	Name    CommandName
	Details CommandDetails
}

// ExecutionResult captures observable command results.
type ExecutionResult struct {
	StandardOutput string
	StandardError  string
	CombinedOutput string
	ExitCode       int
}

// CommandRunner executes shell commands.
type CommandRunner interface {
	Run(executionContext context.Context, command ShellCommand) (ExecutionResult, error)
}

// ShellExecutor orchestrates running shell commands with logging.
type ShellExecutor struct {
	commandRunner        CommandRunner
	logger               *zap.Logger
	humanReadableLogging bool
	messageFormatter     CommandMessageFormatter
}

var (
	// ErrLoggerNotConfigured indicates the logger dependency was missing.
	ErrLoggerNotConfigured = errors.New(loggerNotConfiguredMessageConstant)
	// ErrCommandRunnerNotConfigured indicates the command runner dependency was missing.
	ErrCommandRunnerNotConfigured = errors.New(commandRunnerNotConfiguredMessageConstant)
	// ErrCommandNameMissing indicates the command name was not provided.
	ErrCommandNameMissing = errors.New(commandNameMissingMessageConstant)
	// ErrScriptShellMissing indicates ExecuteScript received an empty shell invocation.
	ErrScriptShellMissing = errors.New(scriptShellMissingMessageConstant)
)

// CommandFailedError provides details about commands exiting with a non-zero code.
type CommandFailedError struct {
	Command ShellCommand
	Result  ExecutionResult
}

const (
	commandFailureErrorMessageTemplateConstant = "%s command exited with code %d"
	failureDetailLineLimitConstant             = 3
)

// Error describes the failure with the last lines of diagnostic output.
func (commandError CommandFailedError) Error() string {
	baseMessage := fmt.Sprintf(commandFailureErrorMessageTemplateConstant, commandError.Command.Name, commandError.Result.ExitCode)
	if description := commandError.Command.Details.description(); len(description) > 0 {
		baseMessage = fmt.Sprintf("%s (%s)", baseMessage, description)
	}

	detail := strings.TrimSpace(commandError.Result.StandardError)
	if len(detail) == 0 {
		detail = strings.TrimSpace(commandError.Result.StandardOutput)
	}
	if tail := trailingLines(detail, failureDetailLineLimitConstant); len(tail) > 0 {
		baseMessage = fmt.Sprintf("%s: %s", baseMessage, strings.Join(tail, " | "))
	}
	return baseMessage
}

func (details CommandDetails) description() string {
	if len(details.Label) > 0 {
		return details.Label
	}
	return strings.Join(details.Arguments, " ")
}

// trailingLines returns up to limit non-blank lines from the end of text.
func trailingLines(text string, limit int) []string {
	if len(text) == 0 {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	normalized := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); len(trimmed) > 0 {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// CommandExecutionError wraps unexpected execution failures from the runner.
type CommandExecutionError struct {
	Command ShellCommand
	Cause   error
}

const commandExecutionErrorMessageTemplateConstant = "%s command execution failed: %v"

// Error describes the underlying runner failure.
func (executionError CommandExecutionError) Error() string {
	return fmt.Sprintf(commandExecutionErrorMessageTemplateConstant, executionError.Command.Name, executionError.Cause)
}

// Unwrap exposes the underlying error.
func (executionError CommandExecutionError) Unwrap() error {
	return executionError.Cause
}

// NewShellExecutor builds an executor for the provided runner and logger.
func NewShellExecutor(logger *zap.Logger, commandRunner CommandRunner, humanReadableLogging bool) (*ShellExecutor, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if commandRunner == nil {
		return nil, ErrCommandRunnerNotConfigured
	}
	return &ShellExecutor{
		commandRunner:        commandRunner,
		logger:               logger,
		humanReadableLogging: humanReadableLogging,
		messageFormatter:     CommandMessageFormatter{},
	}, nil
}

// Execute runs the provided shell command and logs lifecycle events.
// A non-zero exit returns CommandFailedError carrying the captured result.
func (executor *ShellExecutor) Execute(executionContext context.Context, command ShellCommand) (ExecutionResult, error) {
	if len(command.Name) == 0 {
		return ExecutionResult{}, ErrCommandNameMissing
	}

	executor.logStarted(command)
	executionResult, runnerError := executor.commandRunner.Run(executionContext, command)
	switch {
	case runnerError != nil:
		executor.logRunnerFailure(command, runnerError)
		return executionResult, CommandExecutionError{Command: command, Cause: runnerError}
	case executionResult.ExitCode != 0:
		executor.logNonZeroExit(command, executionResult)
		return executionResult, CommandFailedError{Command: command, Result: executionResult}
	default:
		executor.logCompleted(command, executionResult)
		return executionResult, nil
	}
}

func (executor *ShellExecutor) logStarted(command ShellCommand) {
	if executor.humanReadableLogging {
		executor.logger.Info(executor.messageFormatter.BuildStartedMessage(command))
		return
	}
	executor.logger.Info(commandStartMessageConstant,
		zap.String(commandNameFieldNameConstant, string(command.Name)),
		zap.Strings(commandArgumentsFieldNameConstant, loggedArguments(command)),
		zap.String(commandLabelFieldNameConstant, command.Details.Label),
		zap.String(workingDirectoryFieldNameConstant, command.Details.WorkingDirectory),
	)
}

func (executor *ShellExecutor) logRunnerFailure(command ShellCommand, runnerError error) {
	if executor.humanReadableLogging {
		executor.logger.Error(executor.messageFormatter.BuildExecutionFailureMessage(command, runnerError))
		return
	}
	executor.logger.Error(commandRunnerErrorMessageConstant,
		zap.String(commandNameFieldNameConstant, string(command.Name)),
		zap.String(commandLabelFieldNameConstant, command.Details.Label),
		zap.Error(runnerError),
	)
}

func (executor *ShellExecutor) logNonZeroExit(command ShellCommand, result ExecutionResult) {
	if executor.humanReadableLogging {
		executor.logger.Warn(executor.messageFormatter.BuildFailureMessage(command, result))
		return
	}
	executor.logger.Warn(commandFailureMessageConstant,
		zap.String(commandNameFieldNameConstant, string(command.Name)),
		zap.String(commandLabelFieldNameConstant, command.Details.Label),
		zap.Int(exitCodeFieldNameConstant, result.ExitCode),
		zap.Strings(standardErrorFieldNameConstant, trailingLines(strings.TrimSpace(result.StandardError), failureDetailLineLimitConstant)),
	)
}

func (executor *ShellExecutor) logCompleted(command ShellCommand, result ExecutionResult) {
	if executor.humanReadableLogging {
		executor.logger.Info(executor.messageFormatter.BuildSuccessMessage(command))
		return
	}
	executor.logger.Info(commandSuccessMessageConstant,
		zap.String(commandNameFieldNameConstant, string(command.Name)),
		zap.String(commandLabelFieldNameConstant, command.Details.Label),
		zap.Int(exitCodeFieldNameConstant, result.ExitCode),
	)
}

// ExecuteGit runs the git executable with the provided details.
func (executor *ShellExecutor) ExecuteGit(executionContext context.Context, details CommandDetails) (ExecutionResult, error) {
	return executor.Execute(executionContext, ShellCommand{Name: CommandGit, Details: details})
}

// ExecuteScript runs script through the shell invocation, for example ["/bin/bash", "-eo", "pipefail", "-c"].
// Any arguments already present in details are discarded.
func (executor *ShellExecutor) ExecuteScript(executionContext context.Context, shell []string, script string, details CommandDetails) (ExecutionResult, error) {
	command, commandError := ScriptCommand(shell, script, details)
	if commandError != nil {
		return ExecutionResult{}, commandError
	}
	return executor.Execute(executionContext, command)
}

// ScriptCommand builds the shell command that evaluates script.
func ScriptCommand(shell []string, script string, details CommandDetails) (ShellCommand, error) {
	if len(shell) == 0 || len(strings.TrimSpace(shell[0])) == 0 {
		return ShellCommand{}, ErrScriptShellMissing
	}
	arguments := make([]string, 0, len(shell))
	arguments = append(arguments, shell[1:]...)
	arguments = append(arguments, script)
	details.Arguments = arguments
	return ShellCommand{Name: CommandName(shell[0]), Details: details}, nil
}

func loggedArguments(command ShellCommand) []string {
	if len(command.Details.Label) == 0 {
		return command.Details.Arguments
	}
	return nil
}
