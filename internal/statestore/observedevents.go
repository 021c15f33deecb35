package statestore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dcosson-labs/harness/internal/scope"
)

// ObservedEventRecord is the durable audit copy of a hub-published
// observed event (spec §2 "State Store ... persists ... the
// observed-event log with a monotonic cursor"). The hub's in-memory
// cursor is authoritative for live subscription/resume and does not
// persist across restarts (spec §3); this table is a write-only audit
// trail, not a resume source. Only streamserver.Registry.ObserveEvent
// writes to it; events published straight to the hub are not recorded.
type ObservedEventRecord struct {
	Cursor    int64
	Scope     scope.Scope
	Type      string
	Payload   string // opaque JSON
	CreatedAt time.Time
}

func (s *Store) RecordObservedEvent(r ObservedEventRecord) error {
	_, err := s.db.Exec(`INSERT INTO observed_events (cursor, tenant_id, user_id, workspace_id, worktree_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Cursor, r.Scope.TenantID, r.Scope.UserID, r.Scope.WorkspaceID, nullableString(r.Scope.WorktreeID),
		r.Type, nullableString(r.Payload), r.CreatedAt.UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("statestore: record observed event: %w", err)
	}
	return nil
}

func (s *Store) ListObservedEvents(sc scope.Scope, limit int) ([]ObservedEventRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`SELECT cursor, tenant_id, user_id, workspace_id, worktree_id, type, payload, created_at
		FROM observed_events WHERE tenant_id = ? AND user_id = ? AND workspace_id = ? ORDER BY cursor DESC LIMIT ?`,
		sc.TenantID, sc.UserID, sc.WorkspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("statestore: list observed events: %w", err)
	}
	defer rows.Close()

	var out []ObservedEventRecord
	for rows.Next() {
		var r ObservedEventRecord
		var worktreeID, payload sql.NullString
		var createdAt string
		if err := rows.Scan(&r.Cursor, &r.Scope.TenantID, &r.Scope.UserID, &r.Scope.WorkspaceID, &worktreeID, &r.Type, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("statestore: scan observed event: %w", err)
		}
		r.Scope.WorktreeID = worktreeID.String
		r.Payload = payload.String
		r.CreatedAt, _ = time.Parse(timeFmt, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
