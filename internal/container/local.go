// Package container provides the isolated environments job steps run in.
package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/tyemirov/ciflow/internal/execshell"
	"github.com/tyemirov/ciflow/internal/logstore"
	"github.com/tyemirov/ciflow/internal/workflow"
)

const (
	workspacePatternTemplate          = "ciflow-%s-"
	workspaceCreateErrorTemplate      = "unable to create workspace for job %s: %w"
	workspaceRemoveErrorTemplate      = "unable to remove workspace %s: %w"
	localScriptExecutorMissingMessage = "local sessions require a script executor"
)

// ErrScriptExecutorMissing indicates the local backend was built without an executor.
var ErrScriptExecutorMissing = errors.New(localScriptExecutorMissingMessage)

// ScriptExecutor evaluates scripts on the host.
type ScriptExecutor interface {
	ExecuteScript(executionContext context.Context, shell []string, script string, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

// LocalOptions configures host sessions.
type LocalOptions struct {
	WorkspaceRoot  string
	Shell          []string
	KeepWorkspaces bool
}

// LocalSessionFactory runs every job in a fresh temporary directory on the host.
type LocalSessionFactory struct {
	executor ScriptExecutor
	options  LocalOptions
	logger   *zap.Logger
}

// NewLocalSessionFactory constructs a LocalSessionFactory.
func NewLocalSessionFactory(executor ScriptExecutor, options LocalOptions, logger *zap.Logger) (*LocalSessionFactory, error) {
	if executor == nil {
		return nil, ErrScriptExecutorMissing
	}
	if len(options.Shell) == 0 {
		options.Shell = execshell.DefaultScriptShell
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalSessionFactory{executor: executor, options: options, logger: logger}, nil
}

// Open creates the job workspace.
func (factory *LocalSessionFactory) Open(executionContext context.Context, job workflow.JobSpec) (workflow.Session, error) {
	workspace, workspaceError := createWorkspace(factory.options.WorkspaceRoot, job.Name)
	if workspaceError != nil {
		return nil, workspaceError
	}
	factory.logger.Debug("local_session_opened", zap.String("job", job.Name), zap.String("workspace", workspace))
	return &localSession{factory: factory, job: job, workspace: workspace}, nil
}

type localSession struct {
	factory   *LocalSessionFactory
	job       workflow.JobSpec
	workspace string
}

func (session *localSession) Workspace() string {
	return session.workspace
}

func (session *localSession) HostWorkspace() string {
	return session.workspace
}

func (session *localSession) Execute(executionContext context.Context, invocation workflow.StepInvocation) (execshell.ExecutionResult, error) {
	workingDirectory := invocation.WorkingDirectory
	if len(workingDirectory) == 0 {
		workingDirectory = session.workspace
	}
	result, executionError := session.factory.executor.ExecuteScript(executionContext, session.factory.options.Shell, invocation.Script, execshell.CommandDetails{
		WorkingDirectory:     workingDirectory,
		EnvironmentVariables: invocation.Environment,
		Label:                invocation.Label,
	})
	var commandFailure execshell.CommandFailedError
	if errors.As(executionError, &commandFailure) {
		return result, nil
	}
	return result, executionError
}

func (session *localSession) Close(executionContext context.Context) error {
	if session.factory.options.KeepWorkspaces {
		session.factory.logger.Info("workspace_kept", zap.String("job", session.job.Name), zap.String("workspace", session.workspace))
		return nil
	}
	return removeWorkspace(session.workspace)
}

func createWorkspace(root string, jobName string) (string, error) {
	root = strings.TrimSpace(root)
	if len(root) > 0 {
		if mkdirError := os.MkdirAll(root, 0o755); mkdirError != nil {
			return "", fmt.Errorf(workspaceCreateErrorTemplate, jobName, mkdirError)
		}
	}
	workspace, workspaceError := os.MkdirTemp(root, fmt.Sprintf(workspacePatternTemplate, logstore.SanitizeSegment(jobName)))
	if workspaceError != nil {
		return "", fmt.Errorf(workspaceCreateErrorTemplate, jobName, workspaceError)
	}
	return workspace, nil
}

func removeWorkspace(workspace string) error {
	if removeError := os.RemoveAll(workspace); removeError != nil {
		return fmt.Errorf(workspaceRemoveErrorTemplate, workspace, removeError)
	}
	return nil
}
