package gateway

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/dcosson-labs/harness/internal/config"
	"github.com/dcosson-labs/harness/internal/gwlock"
	"github.com/dcosson-labs/harness/internal/gwrecord"
	"github.com/dcosson-labs/harness/internal/orphan"
)

// StopOpts configures Stop (spec §4.1 "stop").
type StopOpts struct {
	Force           bool
	TimeoutMS       int
	CleanupOrphans  bool
}

// StopResult reports what Stop did, for the CLI to print.
type StopResult struct {
	WasRunning bool
	Orphans    []orphan.ClassSummary
}

// Stop acquires the workspace lock, probes the recorded daemon, and —
// unless it is alive-but-unreachable without --force — terminates it,
// removes the record, and optionally reaps orphaned helper processes.
func Stop(rc config.RuntimeConfig, opts StopOpts) (StopResult, error) {
	p := paths(rc)
	timeout := time.Duration(opts.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var result StopResult
	err := gwlock.WithLock(p.lockPath, rc.ConnectRetryWindow, rc.ConnectRetryDelay, func() error {
		rec, err := gwrecord.Read(p.recordPath)
		if err != nil {
			return fmt.Errorf("gateway: read record: %w", err)
		}
		if rec == nil {
			return maybeCleanupOrphans(rc, opts, &result)
		}

		reachable := probe(rec.Host, rec.Port, rec.AuthToken, 500*time.Millisecond)
		alive := gwrecord.PIDAlive(rec.PID)
		if !reachable && alive && !opts.Force {
			return fmt.Errorf("gateway: daemon (pid %d) is alive but unreachable at %s:%d; use --force", rec.PID, rec.Host, rec.Port)
		}

		result.WasRunning = reachable || alive
		if alive {
			if err := terminateAndWait(rec.PID, timeout, opts.Force); err != nil {
				return err
			}
		}
		if err := gwrecord.Remove(p.recordPath); err != nil {
			return fmt.Errorf("gateway: remove record: %w", err)
		}
		return maybeCleanupOrphans(rc, opts, &result)
	})
	return result, err
}

// terminateAndWait sends SIGTERM to pid's process group and the PID
// itself, polls for exit up to timeout, and escalates to SIGKILL on
// timeout iff force (spec §4.1 "send SIGTERM to the process group and
// the PID (SIGKILL on timeout if --force), wait for exit with a
// polling deadline").
func terminateAndWait(pid int, timeout time.Duration, force bool) error {
	signalGroupAndPID(pid, syscall.SIGTERM)

	deadline := time.Now().Add(timeout)
	for gwrecord.PIDAlive(pid) {
		if time.Now().After(deadline) {
			if !force {
				return fmt.Errorf("gateway: daemon (pid %d) did not exit within %s", pid, timeout)
			}
			signalGroupAndPID(pid, syscall.SIGKILL)
			time.Sleep(100 * time.Millisecond)
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

// signalGroupAndPID signals both the daemon's process group (it was
// started with Setsid, so pid is also its group leader) and the PID
// directly, tolerating either target already being gone.
func signalGroupAndPID(pid int, sig syscall.Signal) {
	syscall.Kill(-pid, sig)
	signalPID(pid, sig)
}

func signalPID(pid int, sig syscall.Signal) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	proc.Signal(sig)
}

func maybeCleanupOrphans(rc config.RuntimeConfig, opts StopOpts, result *StopResult) error {
	if !opts.CleanupOrphans {
		return nil
	}
	workspaceDir := config.WorkspaceDir(rc.WorkspaceRoot, rc.SessionName)
	ws := orphan.WorkspacePaths{
		StateDBPath:   rc.StateDBPath,
		PTYHelperPath: config.PTYHelperPath(workspaceDir),
		ScriptsDir:    config.ScriptsDir(workspaceDir),
	}
	timeout := time.Duration(opts.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	summaries, err := orphan.Clean(ws, timeout, opts.Force)
	if err != nil {
		return fmt.Errorf("gateway: orphan cleanup: %w", err)
	}
	result.Orphans = summaries
	return nil
}
