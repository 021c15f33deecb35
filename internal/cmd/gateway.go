package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dcosson-labs/harness/internal/config"
	"github.com/dcosson-labs/harness/internal/gateway"
	"github.com/dcosson-labs/harness/internal/orphan"
)

// orphanLabel renders an orphan.Class the way gateway stop's output
// names it, matching the shorter names operators actually use (e.g.
// "sqlite" rather than "sqlite-helper").
func orphanLabel(c orphan.Class) string {
	switch c {
	case orphan.ClassGatewayDaemon:
		return "gateway daemon"
	case orphan.ClassSQLiteHelper:
		return "sqlite"
	case orphan.ClassPTYHelper:
		return "pty helper"
	case orphan.ClassNotificationRelay:
		return "notification relay"
	default:
		return string(c)
	}
}

// newGatewayCmd builds the "gateway" command group: start, run, stop,
// restart, status, call, gc (spec §6 external interface).
func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Control the per-workspace gateway daemon",
	}
	cmd.AddCommand(
		newGatewayStartCmd(),
		newGatewayRunCmd(),
		newGatewayStopCmd(),
		newGatewayRestartCmd(),
		newGatewayStatusCmd(),
		newGatewayCallCmd(),
		newGatewayGCCmd(),
	)
	return cmd
}

func addStartFlags(cmd *cobra.Command, host *string, port *int, authToken, stateDBPath *string) {
	cmd.Flags().StringVar(host, "host", "", "listen host (default 127.0.0.1)")
	cmd.Flags().IntVar(port, "port", 0, "listen port (0 picks an ephemeral port)")
	cmd.Flags().StringVar(authToken, "auth-token", "", "auth token required of connecting clients")
	cmd.Flags().StringVar(stateDBPath, "state-db-path", "", "override the control-plane sqlite path")
}

func applyStartFlags(rc *config.RuntimeConfig, host string, port int, authToken, stateDBPath string) {
	if host != "" {
		rc.Host = host
	}
	if port != 0 {
		rc.Port = port
	}
	if authToken != "" {
		rc.AuthToken = authToken
	}
	if stateDBPath != "" {
		rc.StateDBPath = stateDBPath
	}
}

func newGatewayStartCmd() *cobra.Command {
	var host, authToken, stateDBPath string
	var port int

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway daemon if it is not already running",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := rcFromCmd(cmd)
			if err != nil {
				return err
			}
			applyStartFlags(&rc, host, port, authToken, stateDBPath)

			result, err := gateway.Start(rc, gateway.StartOpts{})
			if err != nil {
				return err
			}
			if result.AlreadyRunning {
				fmt.Fprintln(cmd.OutOrStdout(), "gateway already running")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gateway started: pid=%d host=%s port=%d\n", result.Record.PID, result.Record.Host, result.Record.Port)
			return nil
		},
	}
	addStartFlags(cmd, &host, &port, &authToken, &stateDBPath)
	return cmd
}

func newGatewayRunCmd() *cobra.Command {
	var host, authToken, stateDBPath string
	var port int

	cmd := &cobra.Command{
		Use:    "run",
		Short:  "Run the gateway daemon in the foreground (internal, used by `gateway start`'s re-exec)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := rcFromCmd(cmd)
			if err != nil {
				return err
			}
			applyStartFlags(&rc, host, port, authToken, stateDBPath)
			return gateway.Run(rc)
		},
	}
	addStartFlags(cmd, &host, &port, &authToken, &stateDBPath)
	return cmd
}

func newGatewayStopCmd() *cobra.Command {
	var force bool
	var timeoutMS int
	var cleanupOrphans bool
	var noCleanupOrphans bool

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := rcFromCmd(cmd)
			if err != nil {
				return err
			}
			opts := gateway.StopOpts{
				Force:          force,
				TimeoutMS:      timeoutMS,
				CleanupOrphans: !noCleanupOrphans,
			}
			if cleanupOrphans {
				opts.CleanupOrphans = true
			}

			result, err := gateway.Stop(rc, opts)
			if err != nil {
				return err
			}
			if !result.WasRunning {
				fmt.Fprintln(cmd.OutOrStdout(), "gateway not running")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "gateway stopped")
			}
			for _, s := range result.Orphans {
				if len(s.Matched) == 0 {
					continue
				}
				line := fmt.Sprintf("orphan %s cleanup: terminated %d process(es)", orphanLabel(s.Class), len(s.Terminated))
				if len(s.Failed) > 0 {
					line += fmt.Sprintf(", failed %d", len(s.Failed))
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "escalate to SIGKILL if the daemon ignores SIGTERM")
	cmd.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "milliseconds to wait for graceful exit before SIGKILL (0 = gateway's default)")
	cmd.Flags().BoolVar(&cleanupOrphans, "cleanup-orphans", false, "run orphan cleanup after stopping (default)")
	cmd.Flags().BoolVar(&noCleanupOrphans, "no-cleanup-orphans", false, "skip orphan cleanup after stopping")
	return cmd
}

func newGatewayRestartCmd() *cobra.Command {
	var host, authToken, stateDBPath string
	var port int

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Force-stop then start the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := rcFromCmd(cmd)
			if err != nil {
				return err
			}
			applyStartFlags(&rc, host, port, authToken, stateDBPath)

			result, err := gateway.Restart(rc, gateway.StartOpts{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gateway restarted: pid=%d host=%s port=%d\n", result.Record.PID, result.Record.Host, result.Record.Port)
			return nil
		},
	}
	addStartFlags(cmd, &host, &port, &authToken, &stateDBPath)
	return cmd
}

func newGatewayStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the gateway daemon is running and reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := rcFromCmd(cmd)
			if err != nil {
				return err
			}
			return printStatusSummary(cmd, rc)
		},
	}
	return cmd
}

func newGatewayCallCmd() *cobra.Command {
	var jsonCommand string
	var timeoutMS int

	cmd := &cobra.Command{
		Use:   "call --json '<stream command>'",
		Short: "Issue a single stream-protocol command against the running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonCommand == "" {
				return fmt.Errorf("--json is required")
			}
			rc, err := rcFromCmd(cmd)
			if err != nil {
				return err
			}

			var req struct {
				Type string `json:"type"`
			}
			payload := map[string]any{}
			if err := json.Unmarshal([]byte(jsonCommand), &payload); err != nil {
				return fmt.Errorf("parse --json: %w", err)
			}
			if err := json.Unmarshal([]byte(jsonCommand), &req); err != nil || req.Type == "" {
				return fmt.Errorf("--json must include a \"type\" field")
			}

			timeout := time.Duration(timeoutMS) * time.Millisecond
			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			raw, err := gateway.Call(rc, req.Type, payload, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return nil
		},
	}
	cmd.Flags().StringVar(&jsonCommand, "json", "", "JSON-encoded stream command, e.g. '{\"type\":\"session.list\"}'")
	cmd.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "call timeout in milliseconds (default 5000)")
	return cmd
}

func newGatewayGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reap stale session directories with no live gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := rcFromCmd(cmd)
			if err != nil {
				return err
			}
			result, err := gateway.GC(rc)
			if err != nil {
				return err
			}
			for _, name := range result.Removed {
				fmt.Fprintf(cmd.OutOrStdout(), "removed session %q\n", name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gc: removed=%d skipped=%d\n", len(result.Removed), result.Skipped)
			return nil
		},
	}
	return cmd
}
