package gateway

import (
	"os"
	"path/filepath"
	"time"

	"github.com/dcosson-labs/harness/internal/config"
	"github.com/dcosson-labs/harness/internal/gwrecord"
)

// gcMaxAge is the staleness threshold below which a named session's
// artifacts are never reaped, even if its record has no live PID
// (spec §4.1 "older than one week").
const gcMaxAge = 7 * 24 * time.Hour

// GCResult reports what `gateway gc` did (spec §4.1 "gc").
type GCResult struct {
	Removed []string
	Skipped int // live sessions left in place
}

// GC scans <workspace>/sessions/ for named session subtrees whose
// record and every artifact are older than gcMaxAge and whose PID is
// not alive, and removes them. Live sessions (by PID or by being too
// recent) are left in place and counted in Skipped.
func GC(rc config.RuntimeConfig) (GCResult, error) {
	workspaceRoot := config.WorkspaceDir(rc.WorkspaceRoot, "")
	sessionsDir := filepath.Join(workspaceRoot, "sessions")

	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return GCResult{}, nil
		}
		return GCResult{}, err
	}

	var result GCResult
	now := time.Now()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sessionDir := filepath.Join(sessionsDir, e.Name())
		stale, err := sessionIsStale(sessionDir, now)
		if err != nil {
			return result, err
		}
		if !stale {
			result.Skipped++
			continue
		}
		if err := os.RemoveAll(sessionDir); err != nil {
			return result, err
		}
		result.Removed = append(result.Removed, e.Name())
	}
	return result, nil
}

// sessionIsStale reports whether every artifact under sessionDir is
// older than gcMaxAge and the session's recorded PID (if any) is not
// alive.
func sessionIsStale(sessionDir string, now time.Time) (bool, error) {
	rec, err := gwrecord.Read(config.GatewayRecordPath(sessionDir))
	if err != nil {
		return false, err
	}
	if rec != nil && gwrecord.PIDAlive(rec.PID) {
		return false, nil
	}

	youngestMod, err := youngestModTime(sessionDir)
	if err != nil {
		return false, err
	}
	return now.Sub(youngestMod) > gcMaxAge, nil
}

func youngestModTime(dir string) (time.Time, error) {
	var youngest time.Time
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(youngest) {
			youngest = info.ModTime()
		}
		return nil
	})
	return youngest, err
}
