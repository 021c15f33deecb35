package hub

import (
	"testing"

	"github.com/dcosson-labs/harness/internal/scope"
)

func TestPublishDeliversToMatchingScope(t *testing.T) {
	h := New()
	sc := scope.Scope{TenantID: "t1", UserID: "u1", WorkspaceID: "w1"}
	other := scope.Scope{TenantID: "t1", UserID: "u1", WorkspaceID: "w2"}

	_, ch := h.Subscribe(sc, 4)
	h.Publish(other, "session-status", nil)
	select {
	case ev := <-ch:
		t.Fatalf("expected no delivery for mismatched scope, got %+v", ev)
	default:
	}

	ev := h.Publish(sc, "session-status", map[string]string{"status": "running"})
	got := <-ch
	if got.Cursor != ev.Cursor || got.Type != "session-status" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestCursorMonotonicAcrossPublishes(t *testing.T) {
	h := New()
	sc := scope.Scope{TenantID: "t1", UserID: "u1", WorkspaceID: "w1"}
	e1 := h.Publish(sc, "task-created", nil)
	e2 := h.Publish(sc, "task-updated", nil)
	if e2.Cursor <= e1.Cursor {
		t.Fatalf("expected strictly increasing cursors, got %d then %d", e1.Cursor, e2.Cursor)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	// Unsubscribe never closes the channel (a concurrent Publish may
	// still be sending to it), so the contract under test is that no
	// further event reaches it, not that it becomes closed.
	h := New()
	sc := scope.Scope{TenantID: "t1", UserID: "u1", WorkspaceID: "w1"}
	id, ch := h.Subscribe(sc, 1)
	h.Unsubscribe(id)
	h.Publish(sc, "session-status", nil)
	select {
	case ev := <-ch:
		t.Fatalf("expected no delivery after unsubscribe, got %+v", ev)
	default:
	}
}

func TestWildcardScopeMatchesAll(t *testing.T) {
	h := New()
	_, ch := h.Subscribe(scope.Scope{}, 4)
	h.Publish(scope.Scope{TenantID: "t9", UserID: "u9", WorkspaceID: "w9"}, "x", nil)
	if _, ok := <-ch; !ok {
		t.Fatal("expected wildcard subscriber to receive event from any scope")
	}
}
