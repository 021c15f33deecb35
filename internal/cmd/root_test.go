package cmd

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

// withWorkspace points the process at a fresh temp directory for the
// duration of the test, both as HOME/XDG_CONFIG_HOME (so no real
// ~/.harness is ever touched) and as the current working directory
// (so config.Resolve sees a clean workspace root).
func withWorkspace(t *testing.T) string {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	ws := t.TempDir()

	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(ws); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(old) })
	return ws
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootRejectsInvalidSessionNameBeforeTouchingDisk(t *testing.T) {
	withWorkspace(t)
	_, err := runCmd(t, "--session", "../escape", "gateway", "status")
	if err == nil {
		t.Fatal("expected an error for an invalid --session name")
	}
	if !strings.Contains(err.Error(), "invalid --session name") {
		t.Fatalf("error = %q, want it to mention the invalid session name", err.Error())
	}
}

func TestVersionCommandNeedsNoWorkspace(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/nonexistent-harness-config-dir")
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out), "v") {
		t.Fatalf("version output = %q, want it to start with 'v'", out)
	}
}

func TestGatewayStatusWithNoRecordReportsNotRunning(t *testing.T) {
	withWorkspace(t)
	out, err := runCmd(t, "gateway", "status")
	if err != nil {
		t.Fatalf("gateway status: %v", err)
	}
	if !strings.Contains(out, "gateway not running") {
		t.Fatalf("output = %q, want it to report not running", out)
	}
}

func TestGatewayGCOnEmptyWorkspaceReportsNothingToDo(t *testing.T) {
	withWorkspace(t)
	out, err := runCmd(t, "gateway", "gc")
	if err != nil {
		t.Fatalf("gateway gc: %v", err)
	}
	if !strings.Contains(out, "removed=0 skipped=0") {
		t.Fatalf("output = %q, want removed=0 skipped=0", out)
	}
}

func TestGatewayCallFailsCleanlyWithNoGatewayRunning(t *testing.T) {
	withWorkspace(t)
	_, err := runCmd(t, "gateway", "call", "--json", `{"type":"session.list"}`)
	if err == nil {
		t.Fatal("expected an error calling a gateway with no record")
	}
}

func TestGatewayCallRejectsMissingJSONFlag(t *testing.T) {
	withWorkspace(t)
	_, err := runCmd(t, "gateway", "call")
	if err == nil || !strings.Contains(err.Error(), "--json is required") {
		t.Fatalf("err = %v, want a complaint about the missing --json flag", err)
	}
}
