package statestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dcosson-labs/harness/internal/scope"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDirectoryUpsertAndList(t *testing.T) {
	s := openTestStore(t)
	sc := scope.Scope{TenantID: "t1", UserID: "u1", WorkspaceID: "w1"}

	if err := s.UpsertDirectory(Directory{ID: "d1", Scope: sc, Path: "/repo", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertDirectory: %v", err)
	}
	got, err := s.ListDirectories(sc, false)
	if err != nil {
		t.Fatalf("ListDirectories: %v", err)
	}
	if len(got) != 1 || got[0].Path != "/repo" {
		t.Fatalf("unexpected directories: %+v", got)
	}

	if err := s.ArchiveDirectory("d1", time.Now()); err != nil {
		t.Fatalf("ArchiveDirectory: %v", err)
	}
	got, err = s.ListDirectories(sc, false)
	if err != nil {
		t.Fatalf("ListDirectories: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected archived directory excluded, got %+v", got)
	}
}

func TestConversationLifecycle(t *testing.T) {
	s := openTestStore(t)
	sc := scope.Scope{TenantID: "t1", UserID: "u1", WorkspaceID: "w1"}
	if err := s.UpsertDirectory(Directory{ID: "d1", Scope: sc, Path: "/repo", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertDirectory: %v", err)
	}

	c := Conversation{
		ID: "c1", DirectoryID: "d1", Scope: sc, Title: "fix bug", AgentType: "claude",
		CreatedAt: time.Now(), Status: StatusRunning, Live: true,
	}
	if err := s.CreateConversation(c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	got, err := s.GetConversation("c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got == nil || got.Status != StatusRunning || !got.Live {
		t.Fatalf("unexpected conversation: %+v", got)
	}

	c.Status = StatusNeedsInput
	c.Live = false
	if err := s.UpdateRuntime(c); err != nil {
		t.Fatalf("UpdateRuntime: %v", err)
	}
	got, err = s.GetConversation("c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Status != StatusNeedsInput || got.Live {
		t.Fatalf("expected runtime update applied, got %+v", got)
	}
}

func TestTaskClaimAndReorder(t *testing.T) {
	s := openTestStore(t)
	sc := scope.Scope{TenantID: "t1", UserID: "u1", WorkspaceID: "w1"}
	now := time.Now()

	for i, id := range []string{"task-a", "task-b", "task-c"} {
		if err := s.CreateTask(Task{
			ID: id, Scope: sc, ScopeKind: "repository", RepositoryID: "r1",
			Title: id, Status: TaskReady, OrderIndex: i, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("CreateTask(%s): %v", id, err)
		}
	}

	if err := s.ReorderTasks([]string{"task-c", "task-a", "task-b"}); err != nil {
		t.Fatalf("ReorderTasks: %v", err)
	}
	list, err := s.ListTasks(sc, "r1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(list) != 3 || list[0].ID != "task-c" || list[2].ID != "task-b" {
		t.Fatalf("unexpected order after reorder: %+v", list)
	}

	claimed := list[0]
	claimed.Status = TaskClaimed
	claimed.ClaimedByControllerID = "ctrl-1"
	claimed.ClaimedAt = &now
	claimed.UpdatedAt = now
	if err := s.UpdateTask(claimed); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	got, err := s.GetTask(claimed.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != TaskClaimed || got.ClaimedByControllerID != "ctrl-1" {
		t.Fatalf("unexpected claimed task: %+v", got)
	}
}

func TestObservedEventAuditLog(t *testing.T) {
	s := openTestStore(t)
	sc := scope.Scope{TenantID: "t1", UserID: "u1", WorkspaceID: "w1"}

	for i := int64(1); i <= 3; i++ {
		if err := s.RecordObservedEvent(ObservedEventRecord{
			Cursor: i, Scope: sc, Type: "session-status", Payload: `{"ok":true}`, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("RecordObservedEvent: %v", err)
		}
	}
	got, err := s.ListObservedEvents(sc, 2)
	if err != nil {
		t.Fatalf("ListObservedEvents: %v", err)
	}
	if len(got) != 2 || got[0].Cursor != 3 {
		t.Fatalf("expected newest-first limited list, got %+v", got)
	}
}
