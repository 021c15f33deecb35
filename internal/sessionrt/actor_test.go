package sessionrt

import (
	"testing"
	"time"

	"github.com/dcosson-labs/harness/internal/activitylog"
	"github.com/dcosson-labs/harness/internal/broker"
	"github.com/dcosson-labs/harness/internal/hub"
	"github.com/dcosson-labs/harness/internal/ptyhost"
	"github.com/dcosson-labs/harness/internal/scope"
)

func newTestActor(t *testing.T) (*Actor, *ptyhost.Host) {
	t.Helper()
	host, err := ptyhost.Start(ptyhost.StartOpts{Command: "/bin/sh", Args: []string{"-c", "cat"}})
	if err != nil {
		t.Fatalf("ptyhost.Start: %v", err)
	}
	t.Cleanup(func() { host.Close() })
	br := broker.New(4096)
	h := hub.New()
	sc := scope.Scope{TenantID: "t1", UserID: "u1", WorkspaceID: "w1"}
	a := New("s1", sc, "claude", host, br, h, nil, activitylog.Nop())
	return a, host
}

func TestClaimThenRespondClearsNeedsInput(t *testing.T) {
	a, host := newTestActor(t)
	defer func() { host.Signal("terminate"); a.Close() }()

	if action := a.Claim("ctrl-a", "human", "me", false); action != ClaimClaimed {
		t.Fatalf("expected claim, got %s", action)
	}
	if action := a.Claim("ctrl-b", "human", "other", false); action != ClaimTakeoverDeclined {
		t.Fatalf("expected takeover-declined, got %s", action)
	}
	if action := a.Claim("ctrl-b", "human", "other", true); action != ClaimClaimed {
		t.Fatalf("expected takeover claimed, got %s", action)
	}

	host.DeliverNotify("Notification", []byte(`{"notification_type":"permission_request"}`))
	time.Sleep(50 * time.Millisecond)
	snap := a.Snapshot()
	if snap.Status != StatusNeedsInput {
		t.Fatalf("expected needs-input after permission request, got %+v", snap)
	}

	if err := a.Respond("ctrl-b", []byte("y\n")); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	snap = a.Snapshot()
	if snap.Status != StatusRunning {
		t.Fatalf("expected running after controller input, got %+v", snap)
	}
}

func TestNonControllerRespondIsNoop(t *testing.T) {
	a, host := newTestActor(t)
	defer func() { host.Signal("terminate"); a.Close() }()

	a.Claim("ctrl-a", "human", "me", false)
	if err := a.Respond("someone-else", []byte("hi\n")); err != nil {
		t.Fatalf("expected nil error for non-controller respond, got %v", err)
	}
}

func TestExitCoalescesToExitedOnce(t *testing.T) {
	host, err := ptyhost.Start(ptyhost.StartOpts{Command: "/bin/sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("ptyhost.Start: %v", err)
	}
	br := broker.New(64)
	sc := scope.Scope{TenantID: "t1", UserID: "u1", WorkspaceID: "w1"}
	a := New("s2", sc, "claude", host, br, nil, nil, activitylog.Nop())

	select {
	case <-a.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for actor to observe exit")
	}

	snap := a.Snapshot()
	if snap.Status != StatusExited || snap.Live {
		t.Fatalf("expected exited/not-live snapshot, got %+v", snap)
	}
}
