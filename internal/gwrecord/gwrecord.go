// Package gwrecord defines the on-disk GatewayRecord: the file that
// records a believed-alive gateway daemon's coordinates so later CLI
// invocations in the same workspace can find and reuse it.
package gwrecord

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/dcosson-labs/harness/internal/atomicfile"
)

const schemaVersion = 1

// Record is the JSON body of gateway.json (spec §3, §6).
type Record struct {
	Version       int    `json:"version"`
	PID           int    `json:"pid"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	AuthToken     string `json:"authToken,omitempty"`
	StateDBPath   string `json:"stateDbPath"`
	StartedAt     string `json:"startedAt"`
	WorkspaceRoot string `json:"workspaceRoot"`
}

// Validate enforces the record-level invariant from spec §6: a
// non-loopback host requires a non-empty auth token.
func (r Record) Validate() error {
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("invalid port %d", r.Port)
	}
	if r.Host != "127.0.0.1" && r.Host != "localhost" && r.Host != "::1" && r.AuthToken == "" {
		return fmt.Errorf("non-loopback host %q requires an auth token", r.Host)
	}
	return nil
}

// New builds a Record for a freshly-started daemon.
func New(pid int, host string, port int, authToken, stateDBPath, workspaceRoot string) Record {
	return Record{
		Version:       schemaVersion,
		PID:           pid,
		Host:          host,
		Port:          port,
		AuthToken:     authToken,
		StateDBPath:   stateDBPath,
		StartedAt:     time.Now().UTC().Format(time.RFC3339),
		WorkspaceRoot: workspaceRoot,
	}
}

// Write atomically persists the record to path (temp file + rename).
func Write(path string, r Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal gateway record: %w", err)
	}
	return atomicfile.Write(path, data, 0o600)
}

// Read loads a record from path. A missing file returns (nil, nil): "no
// record" is not an error condition in the gateway control flow.
func Read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read gateway record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse gateway record %s: %w", path, err)
	}
	return &r, nil
}

// Remove deletes the record file. Removing an absent file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PIDAlive reports whether a process with the given PID exists and can be
// signaled (signal 0). It does not distinguish "exists but owned by
// another user" from "alive" — both count as alive for our purposes.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}
