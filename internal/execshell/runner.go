package execshell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

const (
	commandStartErrorTemplateConstant = "unable to start %s: %w"
	processWaitDelayConstant          = 2 * time.Second
)

// OSCommandRunner executes commands as host processes.
type OSCommandRunner struct {
	// OutputWriter receives interleaved stdout and stderr while the command runs.
	OutputWriter io.Writer
	// InheritEnvironment controls whether the host environment is passed to commands.
	InheritEnvironment bool
}

// NewOSCommandRunner constructs a runner that inherits the host environment.
func NewOSCommandRunner(outputWriter io.Writer) OSCommandRunner {
	return OSCommandRunner{OutputWriter: outputWriter, InheritEnvironment: true}
}

// Run executes the command and reports non-zero exits through ExecutionResult.ExitCode.
func (runner OSCommandRunner) Run(executionContext context.Context, command ShellCommand) (ExecutionResult, error) {
	if len(command.Name) == 0 {
		return ExecutionResult{}, ErrCommandNameMissing
	}

	process := exec.CommandContext(executionContext, string(command.Name), command.Details.Arguments...)
	process.Dir = command.Details.WorkingDirectory
	process.Env = runner.environment(command.Details.EnvironmentVariables)
	process.WaitDelay = processWaitDelayConstant
	configureProcessGroup(process)
	if len(command.Details.StandardInput) > 0 {
		process.Stdin = bytes.NewReader(command.Details.StandardInput)
	}

	var standardOutput, standardError bytes.Buffer
	combined := &synchronizedBuffer{}
	combinedDestination := io.Writer(combined)
	if runner.OutputWriter != nil {
		combinedDestination = io.MultiWriter(combined, runner.OutputWriter)
	}
	sharedDestination := &lockedWriter{destination: combinedDestination}
	process.Stdout = io.MultiWriter(&standardOutput, sharedDestination)
	process.Stderr = io.MultiWriter(&standardError, sharedDestination)

	runError := process.Run()
	result := ExecutionResult{
		StandardOutput: standardOutput.String(),
		StandardError:  standardError.String(),
		CombinedOutput: combined.String(),
	}
	if runError == nil {
		return result, nil
	}

	if contextError := executionContext.Err(); contextError != nil {
		result.ExitCode = -1
		return result, contextError
	}

	var exitError *exec.ExitError
	if errors.As(runError, &exitError) {
		result.ExitCode = exitError.ExitCode()
		return result, nil
	}
	return result, fmt.Errorf(commandStartErrorTemplateConstant, command.Name, runError)
}

func (runner OSCommandRunner) environment(overrides map[string]string) []string {
	environment := make([]string, 0, len(overrides))
	if runner.InheritEnvironment {
		environment = append(environment, os.Environ()...)
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		environment = append(environment, key+"="+overrides[key])
	}
	return environment
}

type lockedWriter struct {
	mutex       sync.Mutex
	destination io.Writer
}

func (writer *lockedWriter) Write(data []byte) (int, error) {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	return writer.destination.Write(data)
}

type synchronizedBuffer struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
}

func (buffer *synchronizedBuffer) Write(data []byte) (int, error) {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return buffer.buffer.Write(data)
}

func (buffer *synchronizedBuffer) String() string {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return buffer.buffer.String()
}
