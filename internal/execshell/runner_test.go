package execshell_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/ciflow/internal/execshell"
)

func TestOSCommandRunnerCapturesOutputAndExitCode(testInstance *testing.T) {
	testCases := []struct {
		name             string
		script           string
		environment      map[string]string
		expectedExitCode int
		expectedStdout   string
		expectedStderr   string
	}{
		{
			name:             "success",
			script:           "echo out",
			expectedExitCode: 0,
			expectedStdout:   "out\n",
		},
		{
			name:             "non_zero_exit",
			script:           "echo err 1>&2; exit 3",
			expectedExitCode: 3,
			expectedStderr:   "err\n",
		},
		{
			name:             "environment_override",
			script:           "printf %s \"$CIFLOW_RUNNER_TEST\"",
			environment:      map[string]string{"CIFLOW_RUNNER_TEST": "value"},
			expectedExitCode: 0,
			expectedStdout:   "value",
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			streamed := &bytes.Buffer{}
			runner := execshell.NewOSCommandRunner(streamed)

			command, commandError := execshell.ScriptCommand([]string{"sh", "-c"}, testCase.script, execshell.CommandDetails{
				WorkingDirectory:     testInstance.TempDir(),
				EnvironmentVariables: testCase.environment,
			})
			require.NoError(testInstance, commandError)

			result, runError := runner.Run(context.Background(), command)
			require.NoError(testInstance, runError)
			require.Equal(testInstance, testCase.expectedExitCode, result.ExitCode)
			require.Equal(testInstance, testCase.expectedStdout, result.StandardOutput)
			require.Equal(testInstance, testCase.expectedStderr, result.StandardError)
			require.Equal(testInstance, testCase.expectedStdout+testCase.expectedStderr, result.CombinedOutput)
			require.Equal(testInstance, result.CombinedOutput, streamed.String())
		})
	}
}

func TestOSCommandRunnerReportsMissingExecutable(testInstance *testing.T) {
	runner := execshell.NewOSCommandRunner(nil)
	_, runError := runner.Run(context.Background(), execshell.ShellCommand{Name: "ciflow-missing-executable"})
	require.Error(testInstance, runError)
}

func TestOSCommandRunnerHonorsContextDeadline(testInstance *testing.T) {
	runner := execshell.NewOSCommandRunner(nil)
	executionContext, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, runError := runner.Run(executionContext, execshell.ShellCommand{Name: "sleep", Details: execshell.CommandDetails{Arguments: []string{"5"}}})
	require.ErrorIs(testInstance, runError, context.DeadlineExceeded)
	require.Equal(testInstance, -1, result.ExitCode)
}

func TestOSCommandRunnerDeadlineStopsForkedChildren(testInstance *testing.T) {
	runner := execshell.NewOSCommandRunner(nil)
	executionContext, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	command, commandError := execshell.ScriptCommand([]string{"sh", "-c"}, "sleep 6\ntrue\n", execshell.CommandDetails{WorkingDirectory: testInstance.TempDir()})
	require.NoError(testInstance, commandError)

	startedAt := time.Now()
	result, runError := runner.Run(executionContext, command)
	require.ErrorIs(testInstance, runError, context.DeadlineExceeded)
	require.Equal(testInstance, -1, result.ExitCode)
	require.Less(testInstance, time.Since(startedAt), 3*time.Second)
}
