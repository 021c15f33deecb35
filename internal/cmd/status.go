package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dcosson-labs/harness/internal/config"
	"github.com/dcosson-labs/harness/internal/gateway"
)

// printStatusSummary prints gateway.Status's result in the shape both
// `harness gateway status` and a non-interactive bare `harness`
// invocation use.
func printStatusSummary(cmd *cobra.Command, rc config.RuntimeConfig) error {
	result, err := gateway.Status(rc)
	if err != nil {
		return err
	}
	if !result.HasRecord {
		fmt.Fprintln(cmd.OutOrStdout(), "gateway not running")
		return nil
	}
	if !result.PIDAlive {
		fmt.Fprintf(cmd.OutOrStdout(), "gateway record present but pid %d is not alive\n", result.PID)
		return nil
	}
	if !result.Reachable {
		if result.CountsStale {
			fmt.Fprintf(cmd.OutOrStdout(), "gateway pid %d alive but not reachable at %s:%d (last known: sessions=%d live=%d)\n",
				result.PID, result.Host, result.Port, result.SessionCount, result.LiveCount)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "gateway pid %d alive but not reachable at %s:%d\n", result.PID, result.Host, result.Port)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "gateway running: pid=%d host=%s port=%d sessions=%d live=%d\n",
		result.PID, result.Host, result.Port, result.SessionCount, result.LiveCount)
	return nil
}
