package taskrunner

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tyemirov/ciflow/internal/pipeline"
	"github.com/tyemirov/ciflow/internal/workflow"
)

// Executor runs the jobs of one pipeline workflow.
type Executor interface {
	Execute(ctx context.Context, options workflow.RuntimeOptions) (workflow.ExecutionOutcome, error)
}

// Factory constructs an Executor for a configuration and its workflow dependencies.
type Factory func(configuration pipeline.Configuration, dependencies workflow.Dependencies) Executor

// Options controls the decorations applied around the resolved executor.
type Options struct {
	// SummaryWriter receives one summary line after every run. Nil disables the summary.
	SummaryWriter io.Writer
}

// Resolve returns either the provided factory result or the default workflow executor,
// wrapped so a summary line is printed after each run.
func Resolve(factory Factory, configuration pipeline.Configuration, dependencies workflow.Dependencies, options Options) Executor {
	var base Executor
	if factory != nil {
		base = factory(configuration, dependencies)
	}
	if base == nil {
		base = workflow.NewExecutor(configuration, dependencies)
	}
	return summaryExecutor{delegate: base, writer: options.SummaryWriter}
}

type summaryExecutor struct {
	delegate Executor
	writer   io.Writer
}

func (executor summaryExecutor) Execute(ctx context.Context, options workflow.RuntimeOptions) (workflow.ExecutionOutcome, error) {
	outcome, err := executor.delegate.Execute(ctx, options)
	executor.printSummary(outcome)
	return outcome, err
}

func (executor summaryExecutor) printSummary(outcome workflow.ExecutionOutcome) {
	if executor.writer == nil {
		return
	}
	summary := RenderSummaryLine(outcome)
	if len(strings.TrimSpace(summary)) == 0 {
		return
	}
	fmt.Fprintln(executor.writer, summary)
}
