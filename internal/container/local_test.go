package container_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/container"
	"github.com/tyemirov/ciflow/internal/execshell"
	"github.com/tyemirov/ciflow/internal/pipeline"
	"github.com/tyemirov/ciflow/internal/workflow"
)

func newLocalFactory(testInstance *testing.T, keepWorkspaces bool) (*container.LocalSessionFactory, string) {
	testInstance.Helper()
	executor, executorError := execshell.NewShellExecutor(zap.NewNop(), execshell.NewOSCommandRunner(nil), false)
	require.NoError(testInstance, executorError)

	workspaceRoot := filepath.Join(testInstance.TempDir(), "workspaces")
	factory, factoryError := container.NewLocalSessionFactory(executor, container.LocalOptions{
		WorkspaceRoot:  workspaceRoot,
		Shell:          []string{"/bin/sh", "-c"},
		KeepWorkspaces: keepWorkspaces,
	}, zap.NewNop())
	require.NoError(testInstance, factoryError)
	return factory, workspaceRoot
}

func TestLocalSessionRunsScriptsInWorkspace(testInstance *testing.T) {
	factory, workspaceRoot := newLocalFactory(testInstance, false)

	session, openError := factory.Open(context.Background(), workflow.JobSpec{Name: "Python 3"})
	require.NoError(testInstance, openError)
	require.Equal(testInstance, session.Workspace(), session.HostWorkspace())
	require.True(testInstance, strings.HasPrefix(session.Workspace(), filepath.Join(workspaceRoot, "ciflow-python-3-")))

	result, executeError := session.Execute(context.Background(), workflow.StepInvocation{
		Script:      "echo \"$GREETING\" > greeting.txt && cat greeting.txt",
		Environment: map[string]string{"GREETING": "hello"},
	})
	require.NoError(testInstance, executeError)
	require.Equal(testInstance, 0, result.ExitCode)
	require.Equal(testInstance, "hello\n", result.StandardOutput)

	contents, readError := os.ReadFile(filepath.Join(session.HostWorkspace(), "greeting.txt"))
	require.NoError(testInstance, readError)
	require.Equal(testInstance, "hello\n", string(contents))

	require.NoError(testInstance, session.Close(context.Background()))
	_, statError := os.Stat(session.HostWorkspace())
	require.True(testInstance, os.IsNotExist(statError))
}

func TestLocalSessionReportsExitCodes(testInstance *testing.T) {
	factory, _ := newLocalFactory(testInstance, false)

	session, openError := factory.Open(context.Background(), workflow.JobSpec{Name: "lint"})
	require.NoError(testInstance, openError)
	defer session.Close(context.Background())

	result, executeError := session.Execute(context.Background(), workflow.StepInvocation{Script: "echo broken >&2; exit 3"})
	require.NoError(testInstance, executeError)
	require.Equal(testInstance, 3, result.ExitCode)
	require.Equal(testInstance, "broken\n", result.StandardError)
}

func TestLocalSessionKeepsWorkspaceWhenRequested(testInstance *testing.T) {
	factory, _ := newLocalFactory(testInstance, true)

	session, openError := factory.Open(context.Background(), workflow.JobSpec{Name: "test"})
	require.NoError(testInstance, openError)
	require.NoError(testInstance, session.Close(context.Background()))

	info, statError := os.Stat(session.HostWorkspace())
	require.NoError(testInstance, statError)
	require.True(testInstance, info.IsDir())
}

func TestNewLocalSessionFactoryRequiresExecutor(testInstance *testing.T) {
	_, factoryError := container.NewLocalSessionFactory(nil, container.LocalOptions{}, nil)
	require.ErrorIs(testInstance, factoryError, container.ErrScriptExecutorMissing)
}

func TestLocalSessionReplayedActivationExtendsPath(testInstance *testing.T) {
	factory, _ := newLocalFactory(testInstance, false)

	session, openError := factory.Open(context.Background(), workflow.JobSpec{Name: "python3"})
	require.NoError(testInstance, openError)
	defer session.Close(context.Background())

	binDirectory := filepath.Join(session.HostWorkspace(), "venv", "bin")
	require.NoError(testInstance, os.MkdirAll(binDirectory, 0o755))
	activateScript := "VIRTUAL_ENV=\"$CIRCLE_WORKING_DIRECTORY/venv\"\nPATH=\"$VIRTUAL_ENV/bin:$PATH\"\nexport VIRTUAL_ENV PATH\n"
	require.NoError(testInstance, os.WriteFile(filepath.Join(binDirectory, "activate"), []byte(activateScript), 0o644))
	require.NoError(testInstance, os.WriteFile(filepath.Join(binDirectory, "venv-linter"), []byte("#!/bin/sh\necho linted\n"), 0o755))

	stepContext := workflow.NewExecutionContext("python3", "run-1", session.Workspace())
	stepContext.ObserveCompletedStep(pipeline.RunStep("Install dependencies", ". venv/bin/activate\npip install -e .\n"))

	result, executeError := session.Execute(context.Background(), stepContext.Invocation(pipeline.RunStep("Run linter", "venv-linter\n")))
	require.NoError(testInstance, executeError)
	require.Equal(testInstance, 0, result.ExitCode)
	require.Equal(testInstance, "linted\n", result.StandardOutput)
}
