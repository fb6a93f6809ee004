package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/ciflow/internal/execshell"
)

const (
	checkoutRepositoryMissingMessage = "checkout requires a repository"
	checkoutCloneErrorTemplate       = "unable to clone %s: %w"
	checkoutRevisionErrorTemplate    = "unable to check out revision %s: %w"
	checkoutResolveErrorTemplate     = "unable to resolve checked out revision: %w"
)

// ErrCheckoutRepositoryMissing indicates the checkout step had no repository to clone.
var ErrCheckoutRepositoryMissing = errors.New(checkoutRepositoryMissingMessage)

// GitExecutor exposes git command execution.
type GitExecutor interface {
	ExecuteGit(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

type gitCheckout struct {
	gitExecutor GitExecutor
}

// NewGitCheckout clones repositories with git and detaches at the requested revision.
func NewGitCheckout(gitExecutor GitExecutor) SourceCheckout {
	return gitCheckout{gitExecutor: gitExecutor}
}

func (checkout gitCheckout) Checkout(executionContext context.Context, destination string, request CheckoutRequest) (CheckoutResult, error) {
	repository := strings.TrimSpace(request.Repository)
	if len(repository) == 0 {
		return CheckoutResult{}, ErrCheckoutRepositoryMissing
	}

	var output strings.Builder

	cloneResult, cloneError := checkout.gitExecutor.ExecuteGit(executionContext, execshell.CommandDetails{
		Arguments: []string{"clone", "--quiet", repository, destination},
	})
	output.WriteString(cloneResult.CombinedOutput)
	if cloneError != nil {
		return CheckoutResult{Output: output.String()}, fmt.Errorf(checkoutCloneErrorTemplate, repository, cloneError)
	}

	revision := strings.TrimSpace(request.Revision)
	if len(revision) > 0 {
		checkoutResult, checkoutError := checkout.gitExecutor.ExecuteGit(executionContext, execshell.CommandDetails{
			Arguments:        []string{"checkout", "--quiet", "--detach", revision},
			WorkingDirectory: destination,
		})
		output.WriteString(checkoutResult.CombinedOutput)
		if checkoutError != nil {
			return CheckoutResult{Output: output.String()}, fmt.Errorf(checkoutRevisionErrorTemplate, revision, checkoutError)
		}
	}

	headResult, headError := checkout.gitExecutor.ExecuteGit(executionContext, execshell.CommandDetails{
		Arguments:        []string{"rev-parse", "HEAD"},
		WorkingDirectory: destination,
	})
	if headError != nil {
		return CheckoutResult{Output: output.String()}, fmt.Errorf(checkoutResolveErrorTemplate, headError)
	}

	resolvedRevision := strings.TrimSpace(headResult.StandardOutput)
	fmt.Fprintf(&output, "HEAD is now at %s\n", resolvedRevision)
	return CheckoutResult{Revision: resolvedRevision, Output: output.String()}, nil
}
