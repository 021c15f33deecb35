package statestore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dcosson-labs/harness/internal/scope"
)

// Repository is a tracked git repository (directory.git-* observed events
// report on these).
type Repository struct {
	ID            string
	Scope         scope.Scope
	Name          string
	RemoteURL     string
	DefaultBranch string
	Metadata      string // opaque JSON blob
	CreatedAt     time.Time
	ArchivedAt    *time.Time
}

func (s *Store) UpsertRepository(r Repository) error {
	_, err := s.db.Exec(`INSERT INTO repositories (id, tenant_id, user_id, workspace_id, name, remote_url, default_branch, metadata, created_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, remote_url = excluded.remote_url,
			default_branch = excluded.default_branch, metadata = excluded.metadata`,
		r.ID, r.Scope.TenantID, r.Scope.UserID, r.Scope.WorkspaceID, r.Name, nullableString(r.RemoteURL),
		nullableString(r.DefaultBranch), nullableString(r.Metadata), r.CreatedAt.UTC().Format(timeFmt), formatTimePtr(r.ArchivedAt))
	if err != nil {
		return fmt.Errorf("statestore: upsert repository: %w", err)
	}
	return nil
}

func (s *Store) UpdateRepository(r Repository) error {
	_, err := s.db.Exec(`UPDATE repositories SET name = ?, remote_url = ?, default_branch = ?, metadata = ? WHERE id = ?`,
		r.Name, nullableString(r.RemoteURL), nullableString(r.DefaultBranch), nullableString(r.Metadata), r.ID)
	if err != nil {
		return fmt.Errorf("statestore: update repository: %w", err)
	}
	return nil
}

func (s *Store) ArchiveRepository(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE repositories SET archived_at = ? WHERE id = ?`, at.UTC().Format(timeFmt), id)
	if err != nil {
		return fmt.Errorf("statestore: archive repository: %w", err)
	}
	return nil
}

func (s *Store) ListRepositories(sc scope.Scope, includeArchived bool) ([]Repository, error) {
	q := `SELECT id, tenant_id, user_id, workspace_id, name, remote_url, default_branch, metadata, created_at, archived_at
		FROM repositories WHERE tenant_id = ? AND user_id = ? AND workspace_id = ?`
	if !includeArchived {
		q += ` AND archived_at IS NULL`
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.Query(q, sc.TenantID, sc.UserID, sc.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("statestore: list repositories: %w", err)
	}
	defer rows.Close()

	var out []Repository
	for rows.Next() {
		var r Repository
		var remoteURL, defaultBranch, metadata sql.NullString
		var createdAt string
		var archivedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.Scope.TenantID, &r.Scope.UserID, &r.Scope.WorkspaceID, &r.Name,
			&remoteURL, &defaultBranch, &metadata, &createdAt, &archivedAt); err != nil {
			return nil, fmt.Errorf("statestore: scan repository: %w", err)
		}
		r.RemoteURL = remoteURL.String
		r.DefaultBranch = defaultBranch.String
		r.Metadata = metadata.String
		r.CreatedAt, _ = time.Parse(timeFmt, createdAt)
		if archivedAt.Valid {
			t, _ := time.Parse(timeFmt, archivedAt.String)
			r.ArchivedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
