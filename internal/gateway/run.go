package gateway

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dcosson-labs/harness/internal/config"
	"github.com/dcosson-labs/harness/internal/eventstore"
	"github.com/dcosson-labs/harness/internal/gwrecord"
	"github.com/dcosson-labs/harness/internal/hub"
	"github.com/dcosson-labs/harness/internal/logging"
	"github.com/dcosson-labs/harness/internal/scope"
	"github.com/dcosson-labs/harness/internal/statestore"
	"github.com/dcosson-labs/harness/internal/streamserver"
)

// build constructs every long-lived component for rc without binding a
// listener, so Run (foreground, owns the listener itself) and tests can
// share the same wiring.
func build(rc config.RuntimeConfig, log *logging.Logger) (*Daemon, error) {
	p := paths(rc)
	if err := ensureWorkspace(p); err != nil {
		return nil, err
	}

	st, err := statestore.Open(rc.StateDBPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: open state store: %w", err)
	}
	ev, err := eventstore.Open(rc.StateDBPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("gateway: open event store: %w", err)
	}

	h := hub.New()
	registry := streamserver.NewRegistry(h, ev, st)
	registry.SetActivityLogDir(filepath.Join(p.workspaceDir, "activity-logs"))
	srv := streamserver.New(streamserver.Config{
		AuthToken:                     rc.AuthToken,
		CloseLiveSessionsOnClientStop: false,
		Scope:                         scopeFor(rc),
	}, registry, h, ev, st)

	return &Daemon{RuntimeConfig: rc, Hub: h, Events: ev, State: st, Registry: registry, Server: srv, Log: log}, nil
}

// Run runs the gateway daemon in the foreground: binds the listener,
// writes the gateway record, and blocks until the process receives
// SIGTERM or SIGINT. On any exit it removes the record if it still points
// to this process (spec §4.1 "run ... on any exit, remove the record
// if it still points to this PID").
func Run(rc config.RuntimeConfig) error {
	p := paths(rc)
	logFile, err := logging.OpenFile(p.logPath)
	if err != nil {
		return fmt.Errorf("gateway: open log file: %w", err)
	}
	defer logFile.Close()
	log := logging.New(logFile, "gateway")

	d, err := build(rc, log)
	if err != nil {
		return err
	}
	defer d.State.Close()
	defer d.Events.Close()

	ln, err := d.Server.Listen(rc.Host, rc.Port)
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	defer ln.Close()

	host, port := rc.Host, listenerPort(ln)

	pid := os.Getpid()
	rec := gwrecord.New(pid, host, port, rc.AuthToken, rc.StateDBPath, rc.WorkspaceRoot)
	if err := gwrecord.Write(p.recordPath, rec); err != nil {
		return fmt.Errorf("gateway: write record: %w", err)
	}
	log.Printf("listening on %s:%d (pid %d)", host, port, pid)

	defer func() {
		if cur, err := gwrecord.Read(p.recordPath); err == nil && cur != nil && cur.PID == pid {
			gwrecord.Remove(p.recordPath)
		}
	}()

	metaStop := startSessionMetaWriter(d, p.workspaceDir, pid, log)
	defer close(metaStop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("received %s, shutting down", sig)
	d.Server.Close()
	return nil
}

// startSessionMetaWriter subscribes to every "session-status" event on d's
// hub and keeps config.SessionMetaPath's sidecar up to date with the
// current session counts, so `gateway status` has a last-known answer to
// fall back to when the daemon itself can't be reached over the wire
// protocol. It writes once immediately so a sidecar exists even for a
// gateway that starts with zero sessions, then again on every session-status
// event until stop is closed.
func startSessionMetaWriter(d *Daemon, workspaceDir string, pid int, log *logging.Logger) chan struct{} {
	stop := make(chan struct{})
	subID, ch := d.Hub.Subscribe(scope.Scope{}, 64)

	writeNow := func() {
		sessions := d.Registry.List()
		meta := config.SessionMeta{UpdatedAt: time.Now(), PID: pid, SessionCount: len(sessions)}
		for _, s := range sessions {
			if s.Live {
				meta.LiveCount++
			}
		}
		if err := config.WriteSessionMeta(workspaceDir, meta); err != nil {
			log.Printf("session meta sidecar: %v", err)
		}
	}
	writeNow()

	go func() {
		for {
			select {
			case ev := <-ch:
				if ev.Type == "session-status" {
					writeNow()
				}
			case <-stop:
				d.Hub.Unsubscribe(subID)
				return
			}
		}
	}()
	return stop
}

// listenerPort extracts the bound TCP port, needed when rc.Port is 0
// (OS-assigned, used by tests and --port 0 callers).
func listenerPort(ln net.Listener) int {
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
