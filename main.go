package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tyemirov/ciflow/cmd/cli"
)

const (
	exitErrorTemplateConstant   = "%v\n"
	interruptedMessageConstant  = "interrupted"
	interruptedExitCodeConstant = 130
	failureExitCodeConstant     = 1
)

// main executes the ciflow command-line application.
func main() {
	signalContext, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	executionError := cli.ExecuteContext(signalContext)
	if executionError == nil {
		return
	}
	fmt.Fprintf(os.Stderr, exitErrorTemplateConstant, executionError)
	if errors.Is(signalContext.Err(), context.Canceled) {
		fmt.Fprintln(os.Stderr, interruptedMessageConstant)
		stop()
		os.Exit(interruptedExitCodeConstant)
	}
	os.Exit(failureExitCodeConstant)
}
