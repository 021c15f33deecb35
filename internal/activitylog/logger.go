// Package activitylog is an optional per-session diagnostic sink: a JSONL
// file of hook events, status transitions, and controller changes a
// session runtime writes as they happen. It never participates in status
// derivation and is never read back by Harness itself (spec §4.3's status
// machine and eventstore's audit trail are authoritative); it exists
// purely so an operator can `tail -f` one file per session while
// debugging, the same side-channel role h2's internal/activitylog played
// for permission decisions and hook events.
package activitylog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Logger appends JSON lines to a per-session activity log file. The zero
// value is not usable; construct with New or Nop.
type Logger struct {
	enabled   bool
	sessionID string
	agentType string

	mu   sync.Mutex
	file *os.File
}

// New opens (creating and appending to) path for sessionID/agentType's
// activity log. When enabled is false, every method is a no-op and no
// file is ever created — callers don't need a separate code path for the
// disabled case.
func New(enabled bool, path, sessionID, agentType string) *Logger {
	l := &Logger{enabled: enabled, sessionID: sessionID, agentType: agentType}
	if !enabled {
		return l
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		// A diagnostic sink that can't open its file degrades to silent
		// no-op rather than failing session startup over it.
		l.enabled = false
		return l
	}
	l.file = f
	return l
}

// Nop returns a Logger that discards every call, for sessions started
// without activity logging configured.
func Nop() *Logger {
	return &Logger{enabled: false}
}

func (l *Logger) write(event string, fields map[string]any) {
	if !l.enabled {
		return
	}
	entry := map[string]any{
		"ts":         time.Now().Format(time.RFC3339Nano),
		"session_id": l.sessionID,
		"agent_type": l.agentType,
		"event":      event,
	}
	for k, v := range fields {
		entry[k] = v
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Write(line)
	}
}

// HookEvent records a raw agent notify/hook delivery (ptyhost.NotifyEvent)
// before the AgentNotifyMapper's interpretation is applied, plus the
// mapped summary once known.
func (l *Logger) HookEvent(hookEventName, summary string) {
	fields := map[string]any{"hook_event": hookEventName}
	if summary != "" {
		fields["summary"] = summary
	}
	l.write("hook_event", fields)
}

// StatusChange records a session status transition (spec §4.3's status
// machine), independent of and never consulted by that machine.
func (l *Logger) StatusChange(from, to string) {
	l.write("status_change", map[string]any{"from": from, "to": to})
}

// ControllerChange records a successful session.claim.
func (l *Logger) ControllerChange(controllerID, controllerType string) {
	l.write("controller_change", map[string]any{
		"controller_id": controllerID, "controller_type": controllerType,
	})
}

// Close closes the underlying file, if one was opened. Safe to call on a
// disabled or Nop Logger.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
