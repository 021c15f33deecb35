// Package protocol implements the Harness control-plane wire format: one
// UTF-8 JSON object per line, newline-terminated, over a TCP connection
// (spec §4.2, §6). Parsing is defensive throughout — a malformed envelope
// never panics, it parses to nil and the caller decides what to do with it.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Signal values accepted by a pty.signal command.
const (
	SignalInterrupt = "interrupt"
	SignalEOF       = "eof"
	SignalTerminate = "terminate"
)

var validSignals = map[string]bool{
	SignalInterrupt: true,
	SignalEOF:       true,
	SignalTerminate: true,
}

// ClientEnvelope is the outer shape of every client→server message.
// Kind selects which of the optional fields is populated.
type ClientEnvelope struct {
	Kind string `json:"kind"`

	// kind == "auth"
	Token string `json:"token,omitempty"`

	// kind == "command"
	CommandID string          `json:"commandId,omitempty"`
	Command   json.RawMessage `json:"command,omitempty"`

	// kind == "pty.input"
	SessionID  string `json:"sessionId,omitempty"`
	DataBase64 string `json:"dataBase64,omitempty"`

	// kind == "pty.resize"
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// kind == "pty.signal"
	Signal string `json:"signal,omitempty"`
}

const (
	ClientKindAuth      = "auth"
	ClientKindCommand   = "command"
	ClientKindPTYInput  = "pty.input"
	ClientKindPTYResize = "pty.resize"
	ClientKindPTYSignal = "pty.signal"
)

// ParseClient decodes and validates one client envelope line. It returns
// (nil, nil) for a structurally invalid line — the Stream Server logs and
// skips it rather than treating it as fatal (spec §4.2 "Parsing discipline").
func ParseClient(line []byte) (*ClientEnvelope, error) {
	var env ClientEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, nil
	}
	switch env.Kind {
	case ClientKindAuth:
		return &env, nil
	case ClientKindCommand:
		if env.CommandID == "" || len(env.Command) == 0 {
			return nil, nil
		}
		return &env, nil
	case ClientKindPTYInput:
		if env.SessionID == "" {
			return nil, nil
		}
		return &env, nil
	case ClientKindPTYResize:
		if env.SessionID == "" || env.Cols <= 0 || env.Rows <= 0 {
			return nil, nil
		}
		return &env, nil
	case ClientKindPTYSignal:
		if env.SessionID == "" || !validSignals[env.Signal] {
			return nil, nil
		}
		return &env, nil
	default:
		return nil, nil
	}
}

// ServerEnvelope is the outer shape of every server→client message.
type ServerEnvelope struct {
	Kind string `json:"kind"`

	// kind == "auth.ok" has no extra fields.
	// kind == "auth.error"
	Error string `json:"error,omitempty"`

	// kind == "command.accepted" | "command.completed" | "command.failed"
	CommandID string          `json:"commandId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`

	// kind == "pty.output"
	SessionID  string `json:"sessionId,omitempty"`
	Cursor     int64  `json:"cursor,omitempty"`
	ChunkBase64 string `json:"chunkBase64,omitempty"`

	// kind == "pty.event"
	Event json.RawMessage `json:"event,omitempty"`

	// kind == "pty.exit"
	Exit *ExitInfo `json:"exit,omitempty"`

	// kind == "stream.event"
	StreamEvent json.RawMessage `json:"streamEvent,omitempty"`
}

// ExitInfo describes how a PTY child process terminated.
type ExitInfo struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

const (
	ServerKindAuthOK           = "auth.ok"
	ServerKindAuthError        = "auth.error"
	ServerKindCommandAccepted  = "command.accepted"
	ServerKindCommandCompleted = "command.completed"
	ServerKindCommandFailed    = "command.failed"
	ServerKindPTYOutput        = "pty.output"
	ServerKindPTYEvent         = "pty.event"
	ServerKindPTYExit          = "pty.exit"
	ServerKindStreamEvent      = "stream.event"
)

// Encode marshals env into a single newline-terminated JSON line.
func Encode(env any) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return append(data, '\n'), nil
}

// ParseServer decodes one server envelope line (used by the stream
// client). Like ParseClient, malformed lines decode to (nil, nil).
func ParseServer(line []byte) (*ServerEnvelope, error) {
	var env ServerEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, nil
	}
	if env.Kind == "" {
		return nil, nil
	}
	return &env, nil
}
