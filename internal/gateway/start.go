package gateway

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/dcosson-labs/harness/internal/config"
	"github.com/dcosson-labs/harness/internal/gwlock"
	"github.com/dcosson-labs/harness/internal/gwrecord"
)

// StartOpts configures Start beyond the resolved RuntimeConfig.
type StartOpts struct {
	RetryWindow time.Duration
	RetryDelay  time.Duration
}

// StartResult reports what Start did, for the CLI to print.
type StartResult struct {
	AlreadyRunning bool
	Record         gwrecord.Record
}

// Start acquires the workspace lock, checks for an existing live or
// stale daemon, and — if none is running — spawns a new detached
// daemon and blocks until it answers session.list or the retry window
// elapses (spec §4.1 "start").
func Start(rc config.RuntimeConfig, opts StartOpts) (StartResult, error) {
	if opts.RetryWindow <= 0 {
		opts.RetryWindow = rc.ConnectRetryWindow
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = rc.ConnectRetryDelay
	}

	p := paths(rc)
	if err := ensureWorkspace(p); err != nil {
		return StartResult{}, err
	}

	var result StartResult
	err := gwlock.WithLock(p.lockPath, opts.RetryWindow, opts.RetryDelay, func() error {
		rec, err := gwrecord.Read(p.recordPath)
		if err != nil {
			return fmt.Errorf("gateway: read record: %w", err)
		}

		if rec != nil {
			if probe(rec.Host, rec.Port, rec.AuthToken, 500*time.Millisecond) {
				result = StartResult{AlreadyRunning: true, Record: *rec}
				return nil
			}
			if gwrecord.PIDAlive(rec.PID) {
				return fmt.Errorf("gateway: recorded daemon (pid %d) is alive but unreachable at %s:%d; use --force to clean up", rec.PID, rec.Host, rec.Port)
			}
			if err := gwrecord.Remove(p.recordPath); err != nil {
				return fmt.Errorf("gateway: remove stale record: %w", err)
			}
		}

		rec2, err := spawnAndWait(rc, p, opts)
		if err != nil {
			return err
		}
		result = StartResult{Record: rec2}
		return nil
	})
	return result, err
}

// spawnAndWait re-execs the current binary into `gateway run`, redirects
// its stdio to the gateway log file, and polls until it answers
// session.list. On readiness failure it SIGTERMs the child before
// returning (spec §4.1 "On readiness failure, send SIGTERM to the
// child and raise").
func spawnAndWait(rc config.RuntimeConfig, p lockPaths, opts StartOpts) (gwrecord.Record, error) {
	exe, err := os.Executable()
	if err != nil {
		return gwrecord.Record{}, fmt.Errorf("gateway: find executable: %w", err)
	}

	logFile, err := logFileForSpawn(p.logPath)
	if err != nil {
		return gwrecord.Record{}, err
	}
	defer logFile.Close()

	args := []string{"gateway", "run",
		"--host", rc.Host,
		"--port", fmt.Sprintf("%d", rc.Port),
		"--state-db-path", rc.StateDBPath,
	}
	if rc.AuthToken != "" {
		args = append(args, "--auth-token", rc.AuthToken)
	}
	if rc.SessionName != "" {
		args = append(args, "--session", rc.SessionName)
	}

	cmd := exec.Command(exe, args...)
	cmd.Dir = rc.WorkspaceRoot
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return gwrecord.Record{}, fmt.Errorf("gateway: start daemon: %w", err)
	}
	go cmd.Wait() // reap; Start does not run under this process's control loop

	deadline := time.Now().Add(opts.RetryWindow)
	for {
		rec, err := gwrecord.Read(p.recordPath)
		if err == nil && rec != nil && probe(rec.Host, rec.Port, rec.AuthToken, opts.RetryDelay) {
			return *rec, nil
		}
		if time.Now().After(deadline) {
			cmd.Process.Signal(syscall.SIGTERM)
			return gwrecord.Record{}, fmt.Errorf("gateway: daemon (pid %d) did not become ready within %s", cmd.Process.Pid, opts.RetryWindow)
		}
		time.Sleep(opts.RetryDelay)
	}
}

func logFileForSpawn(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("gateway: open log file: %w", err)
	}
	return f, nil
}
