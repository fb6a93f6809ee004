package workflow

import (
	"context"

	"github.com/tyemirov/ciflow/internal/execshell"
)

// JobSpec identifies the job a session is opened for.
type JobSpec struct {
	Name          string
	Image         string
	RunIdentifier string
}

// StepInvocation describes one script evaluated inside a session.
type StepInvocation struct {
	Label            string
	Script           string
	WorkingDirectory string
	Environment      map[string]string
}

// Session is the isolated environment a single job runs in.
// Execute reports non-zero exits through ExecutionResult.ExitCode and returns errors only for infrastructure failures.
type Session interface {
	// Workspace is the job working directory as seen by step scripts.
	Workspace() string
	// HostWorkspace is the same directory as seen by the host, where sources are checked out.
	HostWorkspace() string
	Execute(executionContext context.Context, invocation StepInvocation) (execshell.ExecutionResult, error)
	Close(executionContext context.Context) error
}

// SessionFactory opens job sessions.
type SessionFactory interface {
	Open(executionContext context.Context, job JobSpec) (Session, error)
}

// CheckoutRequest selects the sources placed into a job workspace.
type CheckoutRequest struct {
	Repository string
	Revision   string
}

// CheckoutResult reports the resolved revision and the captured git output.
type CheckoutResult struct {
	Revision string
	Output   string
}

// SourceCheckout places repository sources into a destination directory.
type SourceCheckout interface {
	Checkout(executionContext context.Context, destination string, request CheckoutRequest) (CheckoutResult, error)
}
