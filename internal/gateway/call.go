package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dcosson-labs/harness/internal/config"
	"github.com/dcosson-labs/harness/internal/gwrecord"
	"github.com/dcosson-labs/harness/internal/streamclient"
)

// Call performs a one-shot RPC against the running gateway and returns
// the raw JSON result (spec §4.1 "call --json"), modeled on h2's
// message.SendRequest/ReadResponse one-shot request/response pairing,
// generalized to the long-lived, multiplexed TCP protocol's
// commandId-correlated Call.
func Call(rc config.RuntimeConfig, cmdType string, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	p := paths(rc)
	rec, err := gwrecord.Read(p.recordPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: read record: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("gateway: not running in this workspace")
	}

	cl, err := streamclient.Dial(rec.Host, rec.Port, streamclient.DialOpts{
		AuthToken:   rec.AuthToken,
		RetryWindow: 2 * time.Second,
		RetryDelay:  40 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: dial: %w", err)
	}
	defer cl.Close()

	return cl.Call(cmdType, payload, timeout)
}
