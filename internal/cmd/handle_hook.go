package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dcosson-labs/harness/internal/gateway"
	"github.com/dcosson-labs/harness/internal/protocol"
)

// newHandleHookCmd mirrors h2's handle_hook relay: read a JSON hook
// payload from stdin, forward it to the owning session as a
// session.notify command, and always print a JSON acknowledgement on
// stdout so the calling agent CLI's hook dispatch never blocks on a
// relay failure.
func newHandleHookCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:           "handle-hook",
		Short:         "Relay an agent hook event into its session",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				sessionID = os.Getenv("HARNESS_PTY_SESSION_ID")
			}
			if sessionID == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "{}")
				return nil
			}

			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "{}")
				return nil
			}

			var envelope struct {
				HookEventName string `json:"hook_event_name"`
			}
			if err := json.Unmarshal(data, &envelope); err != nil || envelope.HookEventName == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "{}")
				return nil
			}

			rc, err := rcFromCmd(cmd)
			if err == nil {
				payload := map[string]any{
					"sessionId":     sessionID,
					"hookEventName": envelope.HookEventName,
					"data":          json.RawMessage(data),
				}
				gateway.Call(rc, protocol.CmdSessionNotify, payload, 2*time.Second) // best-effort
			}

			fmt.Fprintln(cmd.OutOrStdout(), "{}")
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session-id", "", "PTY session id to notify (defaults to $HARNESS_PTY_SESSION_ID)")
	return cmd
}
