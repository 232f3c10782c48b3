// Command pilot runs the browser-automation job scheduler: a worker process
// claiming jobs from the shared queue, plus the operator-facing maintenance
// and status commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.4.0"

// Exit codes for all subcommands.
const (
	exitOK        = 0
	exitConfig    = 1
	exitRunFailed = 2
)

// runtimeError marks a failure that happened after configuration was
// accepted, so main can distinguish exit code 2 from 1.
type runtimeError struct{ err error }

func (e runtimeError) Error() string { return e.err.Error() }
func (e runtimeError) Unwrap() error { return e.err }

func runFailure(err error) error { return runtimeError{err: err} }

func main() {
	os.Exit(run())
}

func run() int {
	// Signal handling is per-command: the worker drains on the first signal
	// and aborts on the second, the others just stop.
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var rerr runtimeError
		if errors.As(err, &rerr) {
			return exitRunFailed
		}
		// Flag, argument, and configuration errors all mean the invocation
		// itself was wrong.
		return exitConfig
	}
	return exitOK
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pilot",
		Short:         "Distributed browser-automation job scheduler",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newWorkerCmd(),
		newMigrateCmd(),
		newReleaseStuckCmd(),
		newStatusAPICmd(),
	)
	return root
}
