// Package gwlock implements the per-workspace GatewayControlLock (spec
// §3, §4.1): a file-based advisory lock with bounded-retry acquisition and
// same-process reentrancy, so nested `harness gateway` subcommands within
// one process never deadlock against themselves.
package gwlock

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/dcosson-labs/harness/internal/atomicfile"
)

// processLocks tracks in-process reentrant holders keyed by lock path, so a
// nested WithLock call for a path this process already holds only bumps a
// refcount instead of taking a second OS-level flock on the same inode.
var processLocks = struct {
	mu    sync.Mutex
	held  map[string]*Lock
	count map[string]int
}{held: make(map[string]*Lock), count: make(map[string]int)}

const schemaVersion = 1

// Owner identifies the process that currently holds the lock.
type Owner struct {
	PID       int    `json:"pid"`
	StartedAt string `json:"startedAt"`
}

// lockBody is the JSON payload written alongside the OS-level flock,
// carrying the reentrancy token described in DESIGN NOTES (§9).
type lockBody struct {
	Version       int    `json:"version"`
	Owner         Owner  `json:"owner"`
	AcquiredAt    string `json:"acquiredAt"`
	WorkspaceRoot string `json:"workspaceRoot"`
	Token         string `json:"token"`
}

// Lock wraps an OS-level flock plus the JSON metadata body.
type Lock struct {
	path  string
	flock *flock.Flock
	owner Owner
	token string
}

// processStartedAt is resolved once per process: the same value is used in
// every lockBody.Owner this process ever writes, so a later invocation in
// the same process is recognized as a reentrant owner regardless of which
// workspace lock is involved.
var processStartedAt = time.Now().UTC().Format(time.RFC3339Nano)

// New returns a Lock bound to path, not yet acquired.
func New(path string) *Lock {
	return &Lock{
		path:  path,
		flock: flock.New(path),
		owner: Owner{PID: os.Getpid(), StartedAt: processStartedAt},
		token: uuid.NewString(),
	}
}

// Acquire takes the lock with bounded retry. It returns immediately if this
// process already holds path's lock (reentrant acquisition): a second
// Acquire call with the same (pid, startedAt) owner succeeds without
// blocking, mirroring a recursive mutex.
func (l *Lock) Acquire(retryWindow, retryDelay time.Duration) error {
	if existing, err := readBody(l.path); err == nil && existing != nil {
		if existing.Owner == l.owner {
			l.token = existing.Token
			return nil
		}
	}

	deadline := time.Now().Add(retryWindow)
	var lastErr error
	for {
		ok, err := l.flock.TryLock()
		if err != nil {
			lastErr = err
		} else if ok {
			body := lockBody{
				Version:       schemaVersion,
				Owner:         l.owner,
				AcquiredAt:    time.Now().UTC().Format(time.RFC3339),
				WorkspaceRoot: "",
				Token:         l.token,
			}
			if err := writeBody(l.path+".meta", body); err != nil {
				l.flock.Unlock()
				return fmt.Errorf("write lock metadata: %w", err)
			}
			return nil
		}
		if time.Now().After(deadline) {
			if lastErr != nil {
				return fmt.Errorf("acquire lock %s: %w", l.path, lastErr)
			}
			return fmt.Errorf("acquire lock %s: timed out after %s", l.path, retryWindow)
		}
		time.Sleep(retryDelay)
	}
}

// Release drops the lock. It is a no-op if this Lock never acquired it.
func (l *Lock) Release() error {
	if !l.flock.Locked() {
		return nil
	}
	os.Remove(l.path + ".meta")
	return l.flock.Unlock()
}

// IsStale reports whether the lock file at path refers to a dead owner:
// either the recorded PID is not alive, or a live process with that PID
// has a different start time (PID reuse).
func IsStale(path string, pidAlive func(int) bool, actualStartedAt func(int) (string, bool)) (bool, error) {
	body, err := readBody(path)
	if err != nil {
		return false, err
	}
	if body == nil {
		return false, nil
	}
	if !pidAlive(body.Owner.PID) {
		return true, nil
	}
	if actualStartedAt != nil {
		if started, ok := actualStartedAt(body.Owner.PID); ok && started != body.Owner.StartedAt {
			return true, nil
		}
	}
	return false, nil
}

func readBody(path string) (*lockBody, error) {
	data, err := os.ReadFile(path + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var body lockBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("parse lock metadata: %w", err)
	}
	return &body, nil
}

func writeBody(path string, body lockBody) error {
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(path, data, 0o600)
}

// WithLock acquires path's lock, runs fn, then releases — even if fn
// panics or returns an error. Reentrant: a nested WithLock call for the
// same path from the same process runs fn directly, bumping a refcount
// instead of taking a second OS-level flock on the same inode.
func WithLock(path string, retryWindow, retryDelay time.Duration, fn func() error) error {
	processLocks.mu.Lock()
	if _, ok := processLocks.held[path]; ok {
		processLocks.count[path]++
		processLocks.mu.Unlock()
		defer func() {
			processLocks.mu.Lock()
			processLocks.count[path]--
			processLocks.mu.Unlock()
		}()
		return fn()
	}
	processLocks.mu.Unlock()

	l := New(path)
	if err := l.Acquire(retryWindow, retryDelay); err != nil {
		return err
	}

	processLocks.mu.Lock()
	processLocks.held[path] = l
	processLocks.count[path] = 1
	processLocks.mu.Unlock()

	defer func() {
		processLocks.mu.Lock()
		processLocks.count[path]--
		done := processLocks.count[path] <= 0
		if done {
			delete(processLocks.held, path)
			delete(processLocks.count, path)
		}
		processLocks.mu.Unlock()
		if done {
			l.Release()
		}
	}()
	return fn()
}
