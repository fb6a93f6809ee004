package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/ciflow/internal/execshell"
)

const (
	gitStatusSubcommandConstant               = "status"
	gitStatusPorcelainFlagConstant            = "--porcelain"
	gitRevParseSubcommandConstant             = "rev-parse"
	gitShowTopLevelFlagConstant               = "--show-toplevel"
	gitHeadReferenceConstant                  = "HEAD"
	gitBranchSubcommandConstant               = "branch"
	gitShowCurrentFlagConstant                = "--show-current"
	repositoryPathFieldNameConstant           = "repository_path"
	requiredValueMessageConstant              = "value required"
	executorNotConfiguredMessageConstant      = "git executor not configured"
	repositoryOperationErrorTemplateConstant  = "%s operation failed"
	repositoryOperationErrorWithCauseConstant = "%s operation failed: %s"
	invalidRepositoryInputTemplateConstant    = "%s: %s"
	topLevelOperationNameConstant             = RepositoryOperationName("TopLevel")
	headRevisionOperationNameConstant         = RepositoryOperationName("HeadRevision")
	currentBranchOperationNameConstant        = RepositoryOperationName("CurrentBranch")
	worktreeStatusOperationNameConstant       = RepositoryOperationName("WorktreeStatus")
)

// GitCommandExecutor exposes the subset of execshell functionality required by RepositoryManager.
type GitCommandExecutor interface {
	ExecuteGit(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

// RepositoryManager inspects local repositories through execshell.
type RepositoryManager struct {
	executor GitCommandExecutor
}

var (
	// ErrGitExecutorNotConfigured indicates the RepositoryManager was constructed without a git executor.
	ErrGitExecutorNotConfigured = errors.New(executorNotConfiguredMessageConstant)
)

// InvalidRepositoryInputError indicates validation failures for repository operations.
type InvalidRepositoryInputError struct {
	FieldName string
	Message   string
}

// Error describes the validation failure.
func (inputError InvalidRepositoryInputError) Error() string {
	return fmt.Sprintf(invalidRepositoryInputTemplateConstant, inputError.FieldName, inputError.Message)
}

// RepositoryOperationName captures descriptive names for repository operations.
type RepositoryOperationName string

// RepositoryOperationError wraps execution failures for git operations.
type RepositoryOperationError struct {
	Operation RepositoryOperationName
	Cause     error
}

// Error describes the repository operation failure.
func (operationError RepositoryOperationError) Error() string {
	if operationError.Cause == nil {
		return fmt.Sprintf(repositoryOperationErrorTemplateConstant, operationError.Operation)
	}
	return fmt.Sprintf(repositoryOperationErrorWithCauseConstant, operationError.Operation, operationError.Cause)
}

// Unwrap exposes the underlying error.
func (operationError RepositoryOperationError) Unwrap() error {
	return operationError.Cause
}

// LocalSource describes the working copy a run builds when no repository is configured.
type LocalSource struct {
	Repository     string
	Revision       string
	Branch         string
	PendingChanges []string
}

// Clean reports whether the working copy has no staged or unstaged changes.
func (source LocalSource) Clean() bool {
	return len(source.PendingChanges) == 0
}

// NewRepositoryManager constructs a RepositoryManager for the provided executor.
func NewRepositoryManager(executor GitCommandExecutor) (*RepositoryManager, error) {
	if executor == nil {
		return nil, ErrGitExecutorNotConfigured
	}
	return &RepositoryManager{executor: executor}, nil
}

// DetectLocalSource resolves the repository enclosing directory together with its HEAD revision,
// the checked out branch and the uncommitted changes a clone of HEAD would not contain.
func (manager *RepositoryManager) DetectLocalSource(executionContext context.Context, directory string) (LocalSource, error) {
	topLevel, topLevelError := manager.TopLevel(executionContext, directory)
	if topLevelError != nil {
		return LocalSource{}, topLevelError
	}
	revision, revisionError := manager.HeadRevision(executionContext, topLevel)
	if revisionError != nil {
		return LocalSource{}, revisionError
	}
	branch, branchError := manager.CurrentBranch(executionContext, topLevel)
	if branchError != nil {
		return LocalSource{}, branchError
	}
	pendingChanges, statusError := manager.WorktreeStatus(executionContext, topLevel)
	if statusError != nil {
		return LocalSource{}, statusError
	}
	return LocalSource{
		Repository:     topLevel,
		Revision:       revision,
		Branch:         branch,
		PendingChanges: pendingChanges,
	}, nil
}

// TopLevel returns the root directory of the repository containing repositoryPath.
func (manager *RepositoryManager) TopLevel(executionContext context.Context, repositoryPath string) (string, error) {
	return manager.singleLine(executionContext, repositoryPath, topLevelOperationNameConstant, gitRevParseSubcommandConstant, gitShowTopLevelFlagConstant)
}

// HeadRevision resolves the commit HEAD points at.
func (manager *RepositoryManager) HeadRevision(executionContext context.Context, repositoryPath string) (string, error) {
	return manager.singleLine(executionContext, repositoryPath, headRevisionOperationNameConstant, gitRevParseSubcommandConstant, gitHeadReferenceConstant)
}

// CurrentBranch resolves the checked out branch name. A detached HEAD yields an empty name.
func (manager *RepositoryManager) CurrentBranch(executionContext context.Context, repositoryPath string) (string, error) {
	return manager.singleLine(executionContext, repositoryPath, currentBranchOperationNameConstant, gitBranchSubcommandConstant, gitShowCurrentFlagConstant)
}

// WorktreeStatus returns the porcelain status entries for the repository.
func (manager *RepositoryManager) WorktreeStatus(executionContext context.Context, repositoryPath string) ([]string, error) {
	trimmedPath := strings.TrimSpace(repositoryPath)
	if len(trimmedPath) == 0 {
		return nil, InvalidRepositoryInputError{FieldName: repositoryPathFieldNameConstant, Message: requiredValueMessageConstant}
	}

	commandDetails := execshell.CommandDetails{
		Arguments:        []string{gitStatusSubcommandConstant, gitStatusPorcelainFlagConstant},
		WorkingDirectory: trimmedPath,
	}

	executionResult, executionError := manager.executor.ExecuteGit(executionContext, commandDetails)
	if executionError != nil {
		return nil, RepositoryOperationError{Operation: worktreeStatusOperationNameConstant, Cause: executionError}
	}

	trimmedOutput := strings.TrimSpace(executionResult.StandardOutput)
	if len(trimmedOutput) == 0 {
		return nil, nil
	}

	lines := strings.Split(trimmedOutput, "\n")
	entries := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); len(trimmed) > 0 {
			entries = append(entries, trimmed)
		}
	}
	return entries, nil
}

func (manager *RepositoryManager) singleLine(executionContext context.Context, repositoryPath string, operation RepositoryOperationName, arguments ...string) (string, error) {
	trimmedPath := strings.TrimSpace(repositoryPath)
	if len(trimmedPath) == 0 {
		return "", InvalidRepositoryInputError{FieldName: repositoryPathFieldNameConstant, Message: requiredValueMessageConstant}
	}

	commandDetails := execshell.CommandDetails{
		Arguments:        arguments,
		WorkingDirectory: trimmedPath,
	}

	executionResult, executionError := manager.executor.ExecuteGit(executionContext, commandDetails)
	if executionError != nil {
		return "", RepositoryOperationError{Operation: operation, Cause: executionError}
	}
	return strings.TrimSpace(executionResult.StandardOutput), nil
}
