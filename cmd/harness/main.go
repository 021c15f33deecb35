// Command harness is the CLI entrypoint for the harness gateway: a
// per-workspace daemon that hosts PTY-backed AI agent sessions behind
// a line-delimited JSON TCP protocol.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dcosson-labs/harness/internal/cmd"
)

// usageError marks an error as originating from cobra's own flag
// parsing rather than from command logic, so main can exit 2
// instead of 1 for it.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

func main() {
	os.Exit(run())
}

func run() int {
	root := cmd.NewRootCmd()
	root.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return usageError{err}
	})
	err := root.Execute()
	if err == nil {
		return 0
	}

	fmt.Fprintf(os.Stderr, "harness: %v\n", err)

	var usageErr usageError
	if errors.As(err, &usageErr) {
		return 2
	}
	return 1
}
