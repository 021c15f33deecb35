package activitylog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

func TestHookEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	l := New(true, path, "sess-123", "claude")
	defer l.Close()

	l.HookEvent("PreToolUse", "ran Bash")

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	var e struct {
		SessionID string `json:"session_id"`
		AgentType string `json:"agent_type"`
		Event     string `json:"event"`
		HookEvent string `json:"hook_event"`
		Summary   string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.SessionID != "sess-123" || e.AgentType != "claude" {
		t.Errorf("session_id/agent_type = %q/%q", e.SessionID, e.AgentType)
	}
	if e.Event != "hook_event" || e.HookEvent != "PreToolUse" || e.Summary != "ran Bash" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestHookEventOmitsEmptySummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	l := New(true, path, "sess", "codex")
	defer l.Close()

	l.HookEvent("SessionStart", "")

	lines := readLines(t, path)
	if strings.Contains(lines[0], "summary") {
		t.Error("expected summary to be omitted when empty")
	}
}

func TestStatusChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	l := New(true, path, "sess", "claude")
	defer l.Close()

	l.StatusChange("running", "needs-input")

	lines := readLines(t, path)
	var e struct {
		Event string `json:"event"`
		From  string `json:"from"`
		To    string `json:"to"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Event != "status_change" || e.From != "running" || e.To != "needs-input" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestControllerChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	l := New(true, path, "sess", "claude")
	defer l.Close()

	l.ControllerChange("conn-42", "cli")

	lines := readLines(t, path)
	var e struct {
		Event          string `json:"event"`
		ControllerID   string `json:"controller_id"`
		ControllerType string `json:"controller_type"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Event != "controller_change" || e.ControllerID != "conn-42" || e.ControllerType != "cli" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestDisabledLoggerIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	l := New(false, path, "sess", "claude")
	defer l.Close()

	l.HookEvent("PreToolUse", "x")
	l.StatusChange("running", "completed")
	l.ControllerChange("c", "cli")

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected no file to be created when disabled")
	}
}

func TestNopLoggerIsNoop(t *testing.T) {
	l := Nop()
	l.HookEvent("PreToolUse", "x")
	l.StatusChange("running", "completed")
	l.ControllerChange("c", "cli")
	l.Close()
}

func TestMultipleEntriesAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	l := New(true, path, "sess", "claude")
	defer l.Close()

	l.HookEvent("SessionStart", "")
	l.HookEvent("PreToolUse", "ran Bash")
	l.StatusChange("running", "needs-input")

	lines := readLines(t, path)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
}

func TestTimestampPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	l := New(true, path, "sess", "claude")
	defer l.Close()

	l.StatusChange("running", "completed")

	lines := readLines(t, path)
	var e struct {
		Timestamp string `json:"ts"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Timestamp == "" {
		t.Error("expected ts field to be present")
	}
}
