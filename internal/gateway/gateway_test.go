package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dcosson-labs/harness/internal/config"
	"github.com/dcosson-labs/harness/internal/gwrecord"
	"github.com/dcosson-labs/harness/internal/logging"
	"github.com/dcosson-labs/harness/internal/protocol"
	"github.com/dcosson-labs/harness/internal/streamclient"
)

func testConfig(t *testing.T) config.RuntimeConfig {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	workspace := t.TempDir()
	rc, err := config.Resolve(workspace, "")
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	return rc
}

func TestStatusWithNoRecordReturnsEmptyResult(t *testing.T) {
	rc := testConfig(t)
	result, err := Status(rc)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if result.HasRecord {
		t.Fatal("expected HasRecord false with no gateway.json present")
	}
}

func TestStopWithNoRecordIsANoop(t *testing.T) {
	rc := testConfig(t)
	result, err := Stop(rc, StopOpts{})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if result.WasRunning {
		t.Fatal("expected WasRunning false with nothing to stop")
	}
}

func TestCallFailsWhenGatewayNotRunning(t *testing.T) {
	rc := testConfig(t)
	_, err := Call(rc, protocol.CmdSessionList, map[string]any{}, time.Second)
	if err == nil {
		t.Fatal("expected an error calling a gateway with no record")
	}
}

func TestBuildWiresAComponentsServingSessionList(t *testing.T) {
	rc := testConfig(t)
	log := logging.New(os.Stderr, "gateway-test")
	d, err := build(rc, log)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer d.State.Close()
	defer d.Events.Close()

	ln, err := d.Server.Listen("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cl, err := streamclient.Dial("127.0.0.1", listenerPort(ln), streamclient.DialOpts{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cl.Close()

	raw, err := cl.Call(protocol.CmdSessionList, map[string]any{}, 2*time.Second)
	if err != nil {
		t.Fatalf("call session.list: %v", err)
	}
	if string(raw) == "" {
		t.Fatal("expected a non-empty session.list result")
	}
}

func TestGCSkipsLiveAndRecentSessionsRemovesStaleOnes(t *testing.T) {
	rc := testConfig(t)
	workspaceDir := config.WorkspaceDir(rc.WorkspaceRoot, "")
	sessionsDir := filepath.Join(workspaceDir, "sessions")

	staleDir := filepath.Join(sessionsDir, "stale")
	recentDir := filepath.Join(sessionsDir, "recent")
	liveDir := filepath.Join(sessionsDir, "live")
	for _, d := range []string{staleDir, recentDir, liveDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}

	oldTime := time.Now().Add(-8 * 24 * time.Hour)
	if err := os.Chtimes(staleDir, oldTime, oldTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	rec := gwrecord.New(os.Getpid(), "127.0.0.1", 9999, "", rc.StateDBPath, rc.WorkspaceRoot)
	if err := gwrecord.Write(config.GatewayRecordPath(liveDir), rec); err != nil {
		t.Fatalf("write live record: %v", err)
	}

	result, err := GC(rc)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}

	if len(result.Removed) != 1 || result.Removed[0] != "stale" {
		t.Fatalf("expected only the stale session removed, got %+v", result.Removed)
	}
	if result.Skipped != 2 {
		t.Fatalf("expected 2 skipped sessions (recent + live), got %d", result.Skipped)
	}
	if _, err := os.Stat(recentDir); err != nil {
		t.Fatalf("expected recent session dir to survive: %v", err)
	}
	if _, err := os.Stat(liveDir); err != nil {
		t.Fatalf("expected live session dir to survive: %v", err)
	}
}
