package workflow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/ciflow/internal/execshell"
	"github.com/tyemirov/ciflow/internal/workflow"
)

type recordingGitExecutor struct {
	calls     []execshell.CommandDetails
	failAfter int
	failure   error
}

func (executor *recordingGitExecutor) ExecuteGit(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error) {
	executor.calls = append(executor.calls, details)
	if executor.failure != nil && len(executor.calls) > executor.failAfter {
		return execshell.ExecutionResult{CombinedOutput: "fatal: bad revision\n", ExitCode: 128}, executor.failure
	}
	if details.Arguments[0] == "rev-parse" {
		return execshell.ExecutionResult{StandardOutput: testRevisionConstant + "\n"}, nil
	}
	return execshell.ExecutionResult{}, nil
}

func TestGitCheckoutClonesAndDetaches(testInstance *testing.T) {
	gitExecutor := &recordingGitExecutor{}
	checkout := workflow.NewGitCheckout(gitExecutor)

	result, checkoutError := checkout.Checkout(context.Background(), "/tmp/work", workflow.CheckoutRequest{Repository: testRepositoryURL, Revision: "main"})
	require.NoError(testInstance, checkoutError)
	require.Equal(testInstance, testRevisionConstant, result.Revision)
	require.Equal(testInstance, "HEAD is now at "+testRevisionConstant+"\n", result.Output)

	require.Len(testInstance, gitExecutor.calls, 3)
	require.Equal(testInstance, []string{"clone", "--quiet", testRepositoryURL, "/tmp/work"}, gitExecutor.calls[0].Arguments)
	require.Equal(testInstance, []string{"checkout", "--quiet", "--detach", "main"}, gitExecutor.calls[1].Arguments)
	require.Equal(testInstance, "/tmp/work", gitExecutor.calls[1].WorkingDirectory)
	require.Equal(testInstance, []string{"rev-parse", "HEAD"}, gitExecutor.calls[2].Arguments)
}

func TestGitCheckoutWithoutRevisionKeepsDefaultBranch(testInstance *testing.T) {
	gitExecutor := &recordingGitExecutor{}
	checkout := workflow.NewGitCheckout(gitExecutor)

	_, checkoutError := checkout.Checkout(context.Background(), "/tmp/work", workflow.CheckoutRequest{Repository: testRepositoryURL})
	require.NoError(testInstance, checkoutError)
	require.Len(testInstance, gitExecutor.calls, 2)
	require.Equal(testInstance, "rev-parse", gitExecutor.calls[1].Arguments[0])
}

func TestGitCheckoutFailures(testInstance *testing.T) {
	commandFailure := execshell.CommandFailedError{Result: execshell.ExecutionResult{ExitCode: 128}}

	testCases := []struct {
		name          string
		request       workflow.CheckoutRequest
		gitExecutor   *recordingGitExecutor
		expectedError error
		expectedCalls int
	}{
		{
			name:          "missing_repository",
			request:       workflow.CheckoutRequest{Repository: "  "},
			gitExecutor:   &recordingGitExecutor{},
			expectedError: workflow.ErrCheckoutRepositoryMissing,
			expectedCalls: 0,
		},
		{
			name:          "clone_failure",
			request:       workflow.CheckoutRequest{Repository: testRepositoryURL},
			gitExecutor:   &recordingGitExecutor{failure: commandFailure},
			expectedCalls: 1,
		},
		{
			name:          "revision_failure",
			request:       workflow.CheckoutRequest{Repository: testRepositoryURL, Revision: "missing"},
			gitExecutor:   &recordingGitExecutor{failure: commandFailure, failAfter: 1},
			expectedCalls: 2,
		},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			result, checkoutError := workflow.NewGitCheckout(testCase.gitExecutor).Checkout(context.Background(), "/tmp/work", testCase.request)
			require.Error(testInstance, checkoutError)
			require.Empty(testInstance, result.Revision)
			require.Len(testInstance, testCase.gitExecutor.calls, testCase.expectedCalls)

			if testCase.expectedError != nil {
				require.ErrorIs(testInstance, checkoutError, testCase.expectedError)
				return
			}
			var failure execshell.CommandFailedError
			require.True(testInstance, errors.As(checkoutError, &failure))
			require.Equal(testInstance, 128, failure.Result.ExitCode)
			require.Contains(testInstance, result.Output, "fatal: bad revision")
		})
	}
}
