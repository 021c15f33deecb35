package cmd

import (
	"strings"
	"testing"
)

func TestHandleHookWithNoSessionIDAcksWithoutError(t *testing.T) {
	withWorkspace(t)
	cmd := NewRootCmd()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`{"hook_event_name":"Stop"}`))
	cmd.SetArgs([]string{"handle-hook"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("handle-hook: %v", err)
	}
	if strings.TrimSpace(out.String()) != "{}" {
		t.Fatalf("output = %q, want {}", out.String())
	}
}

func TestHandleHookWithMalformedPayloadStillAcks(t *testing.T) {
	withWorkspace(t)
	cmd := NewRootCmd()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`not json`))
	cmd.SetArgs([]string{"handle-hook", "--session-id", "s1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("handle-hook: %v", err)
	}
	if strings.TrimSpace(out.String()) != "{}" {
		t.Fatalf("output = %q, want {}", out.String())
	}
}

func TestHandleHookBestEffortNotifyDoesNotFailWithoutAGateway(t *testing.T) {
	withWorkspace(t)
	cmd := NewRootCmd()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`{"hook_event_name":"PreToolUse"}`))
	cmd.SetArgs([]string{"handle-hook", "--session-id", "s1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("handle-hook: %v", err)
	}
	if strings.TrimSpace(out.String()) != "{}" {
		t.Fatalf("output = %q, want {}", out.String())
	}
}
