package gateway

import (
	"fmt"

	"github.com/dcosson-labs/harness/internal/config"
)

// Restart is a forced Stop followed by Start, with no intervening gap
// enforced on the port: Start's own bind will simply fail with a clear
// error if the port could not be reused in time (spec §4.1 "restart").
func Restart(rc config.RuntimeConfig, startOpts StartOpts) (StartResult, error) {
	if _, err := Stop(rc, StopOpts{Force: true, TimeoutMS: 5000}); err != nil {
		return StartResult{}, fmt.Errorf("gateway: restart stop phase: %w", err)
	}
	return Start(rc, startOpts)
}
