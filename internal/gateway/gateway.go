// Package gateway glues together the lock, record, state store, event
// store, hub, session registry, and stream server into the daemon
// lifecycle operations spec §4.1 names: start, stop, restart, status,
// run, gc, and call.
//
// The daemon-spawn/probe/record shape is grounded on h2's
// internal/daemon.ForkDaemon (re-exec os.Executable() with a hidden
// subcommand, detached stdio, poll for readiness) and
// internal/cmd/bridge_cleanup.go's stopExistingBridgeIfRunning
// (graceful-stop-over-socket, poll for exit, escalate). Harness widens
// both from h2's single Unix-socket-per-agent model to one TCP gateway
// daemon per workspace, readiness meaning "answers session.list" rather
// than "socket file exists", and state persisted in the gateway record
// instead of implied by socket presence.
package gateway

import (
	"fmt"
	"os"
	"time"

	"github.com/dcosson-labs/harness/internal/config"
	"github.com/dcosson-labs/harness/internal/eventstore"
	"github.com/dcosson-labs/harness/internal/hub"
	"github.com/dcosson-labs/harness/internal/logging"
	"github.com/dcosson-labs/harness/internal/protocol"
	"github.com/dcosson-labs/harness/internal/scope"
	"github.com/dcosson-labs/harness/internal/statestore"
	"github.com/dcosson-labs/harness/internal/streamclient"
	"github.com/dcosson-labs/harness/internal/streamserver"
)

// Daemon bundles the long-lived components one running gateway process
// owns, so Run (foreground) and the detached child spawned by Start
// construct and tear them down the same way.
type Daemon struct {
	RuntimeConfig config.RuntimeConfig
	Hub           *hub.Hub
	Events        *eventstore.Store
	State         *statestore.Store
	Registry      *streamserver.Registry
	Server        *streamserver.Server
	Log           *logging.Logger
}

// lockPaths bundles the per-workspace filenames every lifecycle
// operation needs, all derived from config.WorkspaceDir.
type lockPaths struct {
	workspaceDir string
	recordPath   string
	lockPath     string
	logPath      string
}

func paths(rc config.RuntimeConfig) lockPaths {
	dir := config.WorkspaceDir(rc.WorkspaceRoot, rc.SessionName)
	return lockPaths{
		workspaceDir: dir,
		recordPath:   config.GatewayRecordPath(dir),
		lockPath:     config.LockPath(dir),
		logPath:      config.LogPath(dir),
	}
}

// scopeFor derives the (tenantId, userId, workspaceId) tuple a gateway
// process serves from its workspace directory. Harness has no remote
// identity provider (spec Non-goals), so tenant/user are fixed to the
// local OS user and workspaceId is the workspace hash.
func scopeFor(rc config.RuntimeConfig) scope.Scope {
	user := os.Getenv("USER")
	if user == "" {
		user = "local"
	}
	return scope.Scope{
		TenantID:    "local",
		UserID:      user,
		WorkspaceID: config.WorkspaceHash(rc.WorkspaceRoot),
	}
}

// probe dials host:port with a short timeout and issues session.list,
// reporting whether a live gateway answered. A dial failure or RPC
// error both count as "not reachable" — the caller distinguishes
// reachability from record/PID bookkeeping separately.
func probe(host string, port int, authToken string, timeout time.Duration) bool {
	cl, err := streamclient.Dial(host, port, streamclient.DialOpts{
		AuthToken:   authToken,
		RetryWindow: timeout,
		RetryDelay:  20 * time.Millisecond,
	})
	if err != nil {
		return false
	}
	defer cl.Close()
	_, err = cl.Call(protocol.CmdSessionList, map[string]any{"limit": 1}, timeout)
	return err == nil
}

func ensureWorkspace(p lockPaths) error {
	if err := config.EnsureWorkspaceDir(p.workspaceDir); err != nil {
		return fmt.Errorf("gateway: create workspace dir: %w", err)
	}
	return nil
}

