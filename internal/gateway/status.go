package gateway

import (
	"encoding/json"
	"time"

	"github.com/dcosson-labs/harness/internal/config"
	"github.com/dcosson-labs/harness/internal/gwrecord"
	"github.com/dcosson-labs/harness/internal/protocol"
	"github.com/dcosson-labs/harness/internal/streamclient"
)

// StatusResult is what `gateway status` reports (spec §4.1 "status").
type StatusResult struct {
	HasRecord     bool
	Reachable     bool
	PIDAlive      bool
	PID           int
	Host          string
	Port          int
	SessionCount  int
	LiveCount     int
	CountsStale   bool // SessionCount/LiveCount came from the session-meta sidecar, not a live session.list
}

type sessionListResult struct {
	Sessions []struct {
		Live bool `json:"live"`
	} `json:"sessions"`
}

// Status reads the gateway record (if any), probes reachability and
// PID liveness, and — when reachable — queries session.list for
// session counts.
func Status(rc config.RuntimeConfig) (StatusResult, error) {
	p := paths(rc)
	rec, err := gwrecord.Read(p.recordPath)
	if err != nil {
		return StatusResult{}, err
	}
	if rec == nil {
		return StatusResult{}, nil
	}

	result := StatusResult{HasRecord: true, PID: rec.PID, Host: rec.Host, Port: rec.Port}
	result.PIDAlive = gwrecord.PIDAlive(rec.PID)

	cl, dialErr := streamclient.Dial(rec.Host, rec.Port, streamclient.DialOpts{
		AuthToken:   rec.AuthToken,
		RetryWindow: 500 * time.Millisecond,
		RetryDelay:  20 * time.Millisecond,
	})
	if dialErr != nil {
		applyStaleSessionMeta(&result, p.workspaceDir)
		return result, nil
	}
	defer cl.Close()

	raw, err := cl.Call(protocol.CmdSessionList, map[string]any{}, 2*time.Second)
	if err != nil {
		applyStaleSessionMeta(&result, p.workspaceDir)
		return result, nil
	}
	result.Reachable = true

	var parsed sessionListResult
	if err := json.Unmarshal(raw, &parsed); err == nil {
		result.SessionCount = len(parsed.Sessions)
		for _, s := range parsed.Sessions {
			if s.Live {
				result.LiveCount++
			}
		}
	}
	return result, nil
}

// applyStaleSessionMeta fills in result's session counts from the
// session-meta sidecar when the gateway couldn't be reached directly. The
// sidecar is only ever written by the gateway that owns rec.PID, so these
// counts may lag the true state by however long that daemon has been gone.
func applyStaleSessionMeta(result *StatusResult, workspaceDir string) {
	meta, ok, err := config.ReadSessionMeta(workspaceDir)
	if err != nil || !ok {
		return
	}
	result.SessionCount = meta.SessionCount
	result.LiveCount = meta.LiveCount
	result.CountsStale = true
}
