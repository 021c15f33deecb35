package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dcosson-labs/harness/internal/config"
)

type rcContextKey struct{}

// NewRootCmd creates the root cobra command with all subcommands. It
// mirrors h2's internal/cmd/root.go shape: a single persistent flag
// resolved once in PersistentPreRunE, stashed on the command's context
// so every RunE reads it by value instead of re-touching the
// environment (see DESIGN.md's note on eliminating global mutable
// process state).
func NewRootCmd() *cobra.Command {
	var sessionName string

	rootCmd := &cobra.Command{
		Use:   "harness",
		Short: "Terminal multiplexer gateway for AI coding agents",
		Long: `Harness manages a per-workspace gateway daemon that hosts one or more
PTY-backed agent sessions behind a line-delimited JSON TCP protocol.
No TUI renderer is bundled in this build: run with no subcommand on a
terminal to be told so, or non-interactively to print the gateway's
status summary. Use "gateway" to control the daemon directly.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch cmd.Name() {
			case "version", "help", "completion":
				return nil
			}
			if err := config.ValidateSessionName(sessionName); err != nil {
				return err
			}
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getwd: %w", err)
			}
			rc, err := config.Resolve(cwd, sessionName)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), rcContextKey{}, rc))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBareInvocation(cmd, args)
		},
	}

	rootCmd.PersistentFlags().StringVar(&sessionName, "session", "", "named session under the current workspace (default: the workspace's unnamed gateway)")

	rootCmd.AddCommand(
		newGatewayCmd(),
		newHandleHookCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

// rcFromCmd retrieves the RuntimeConfig PersistentPreRunE resolved for
// this invocation. Only called from subcommands reachable from the
// root's PersistentPreRunE (i.e. not "version"/"help"/"completion").
func rcFromCmd(cmd *cobra.Command) (config.RuntimeConfig, error) {
	rc, ok := cmd.Context().Value(rcContextKey{}).(config.RuntimeConfig)
	if !ok {
		return config.RuntimeConfig{}, fmt.Errorf("internal error: runtime config not resolved")
	}
	return rc, nil
}

// runBareInvocation implements "harness [mux-args...]" with no
// subcommand: the TUI renderer itself is out of scope (spec.md §1), so
// this only decides, via isatty, whether to report that the renderer
// would attach or to print a status summary for non-interactive
// callers (CI, pipes).
func runBareInvocation(cmd *cobra.Command, args []string) error {
	rc, err := rcFromCmd(cmd)
	if err != nil {
		return err
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return printStatusSummary(cmd, rc)
	}
	msg := "harness: no TUI renderer bundled in this build; use \"harness gateway\" to control the daemon directly."
	if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		msg += fmt.Sprintf(" (detected a %dx%d terminal)", cols, rows)
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}
