package statestore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dcosson-labs/harness/internal/scope"
)

// Directory is a workspace-relative path tracked by the gateway.
type Directory struct {
	ID         string
	Scope      scope.Scope
	Path       string
	CreatedAt  time.Time
	ArchivedAt *time.Time
}

func (s *Store) UpsertDirectory(d Directory) error {
	_, err := s.db.Exec(`INSERT INTO directories (id, tenant_id, user_id, workspace_id, path, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET path = excluded.path, archived_at = excluded.archived_at`,
		d.ID, d.Scope.TenantID, d.Scope.UserID, d.Scope.WorkspaceID, d.Path,
		d.CreatedAt.UTC().Format(timeFmt), formatTimePtr(d.ArchivedAt))
	if err != nil {
		return fmt.Errorf("statestore: upsert directory: %w", err)
	}
	return nil
}

func (s *Store) ArchiveDirectory(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE directories SET archived_at = ? WHERE id = ?`, at.UTC().Format(timeFmt), id)
	if err != nil {
		return fmt.Errorf("statestore: archive directory: %w", err)
	}
	return nil
}

func (s *Store) ListDirectories(sc scope.Scope, includeArchived bool) ([]Directory, error) {
	q := `SELECT id, tenant_id, user_id, workspace_id, path, created_at, archived_at
		FROM directories WHERE tenant_id = ? AND user_id = ? AND workspace_id = ?`
	if !includeArchived {
		q += ` AND archived_at IS NULL`
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.Query(q, sc.TenantID, sc.UserID, sc.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("statestore: list directories: %w", err)
	}
	defer rows.Close()

	var out []Directory
	for rows.Next() {
		var d Directory
		var createdAt string
		var archivedAt sql.NullString
		if err := rows.Scan(&d.ID, &d.Scope.TenantID, &d.Scope.UserID, &d.Scope.WorkspaceID, &d.Path, &createdAt, &archivedAt); err != nil {
			return nil, fmt.Errorf("statestore: scan directory: %w", err)
		}
		d.CreatedAt, _ = time.Parse(timeFmt, createdAt)
		if archivedAt.Valid {
			t, _ := time.Parse(timeFmt, archivedAt.String)
			d.ArchivedAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFmt)
}
