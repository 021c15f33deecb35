package statestore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dcosson-labs/harness/internal/scope"
)

// TaskStatus is a task's lifecycle state (spec §3 "Task").
type TaskStatus string

const (
	TaskDraft     TaskStatus = "draft"
	TaskReady     TaskStatus = "ready"
	TaskClaimed   TaskStatus = "claimed"
	TaskCompleted TaskStatus = "completed"
)

// Task is the persisted backlog-item record.
type Task struct {
	ID         string
	Scope      scope.Scope
	ScopeKind  string // "repository" | "project"
	RepositoryID string
	ProjectID    string
	Title      string
	Body       string
	Status     TaskStatus
	OrderIndex int

	ClaimedByControllerID string
	ClaimedByProjectID    string
	BranchName            string
	BaseBranch            string
	ClaimedAt             *time.Time

	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (s *Store) CreateTask(t Task) error {
	if t.Status == "" {
		t.Status = TaskDraft
	}
	_, err := s.db.Exec(`INSERT INTO tasks
		(id, tenant_id, user_id, workspace_id, scope_kind, repository_id, project_id, title, body, status, order_index,
		 claimed_by_controller_id, claimed_by_project_id, branch_name, base_branch, claimed_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Scope.TenantID, t.Scope.UserID, t.Scope.WorkspaceID, t.ScopeKind, nullableString(t.RepositoryID), nullableString(t.ProjectID),
		t.Title, nullableString(t.Body), string(t.Status), t.OrderIndex,
		nullableString(t.ClaimedByControllerID), nullableString(t.ClaimedByProjectID), nullableString(t.BranchName), nullableString(t.BaseBranch),
		formatTimePtr(t.ClaimedAt), formatTimePtr(t.CompletedAt), t.CreatedAt.UTC().Format(timeFmt), t.UpdatedAt.UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("statestore: create task: %w", err)
	}
	return nil
}

func (s *Store) UpdateTask(t Task) error {
	_, err := s.db.Exec(`UPDATE tasks SET title = ?, body = ?, status = ?, order_index = ?,
		claimed_by_controller_id = ?, claimed_by_project_id = ?, branch_name = ?, base_branch = ?, claimed_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		t.Title, nullableString(t.Body), string(t.Status), t.OrderIndex,
		nullableString(t.ClaimedByControllerID), nullableString(t.ClaimedByProjectID), nullableString(t.BranchName), nullableString(t.BaseBranch),
		formatTimePtr(t.ClaimedAt), formatTimePtr(t.CompletedAt), t.UpdatedAt.UTC().Format(timeFmt), t.ID)
	if err != nil {
		return fmt.Errorf("statestore: update task: %w", err)
	}
	return nil
}

func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("statestore: delete task: %w", err)
	}
	return nil
}

// Reorder rewrites order_index for a set of task IDs to match their
// position in the slice (task.reorder command).
func (s *Store) ReorderTasks(ids []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statestore: begin reorder: %w", err)
	}
	stmt, err := tx.Prepare(`UPDATE tasks SET order_index = ? WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("statestore: prepare reorder: %w", err)
	}
	defer stmt.Close()
	for i, id := range ids {
		if _, err := stmt.Exec(i, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("statestore: reorder exec: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *Store) ListTasks(sc scope.Scope, repositoryID string) ([]Task, error) {
	rows, err := s.db.Query(taskSelect+` WHERE tenant_id = ? AND user_id = ? AND workspace_id = ? AND repository_id = ? ORDER BY order_index`,
		sc.TenantID, sc.UserID, sc.WorkspaceID, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("statestore: list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

const taskSelect = `SELECT id, tenant_id, user_id, workspace_id, scope_kind, repository_id, project_id, title, body, status, order_index,
	claimed_by_controller_id, claimed_by_project_id, branch_name, base_branch, claimed_at, completed_at, created_at, updated_at FROM tasks`

func scanTaskRow(row scanner) (*Task, error) {
	var t Task
	var repositoryID, projectID, body, claimedByController, claimedByProject, branchName, baseBranch sql.NullString
	var claimedAt, completedAt sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&t.ID, &t.Scope.TenantID, &t.Scope.UserID, &t.Scope.WorkspaceID, &t.ScopeKind, &repositoryID, &projectID,
		&t.Title, &body, (*string)(&t.Status), &t.OrderIndex,
		&claimedByController, &claimedByProject, &branchName, &baseBranch, &claimedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("statestore: scan task: %w", err)
	}
	t.RepositoryID = repositoryID.String
	t.ProjectID = projectID.String
	t.Body = body.String
	t.ClaimedByControllerID = claimedByController.String
	t.ClaimedByProjectID = claimedByProject.String
	t.BranchName = branchName.String
	t.BaseBranch = baseBranch.String
	t.CreatedAt, _ = time.Parse(timeFmt, createdAt)
	t.UpdatedAt, _ = time.Parse(timeFmt, updatedAt)
	if claimedAt.Valid {
		tm, _ := time.Parse(timeFmt, claimedAt.String)
		t.ClaimedAt = &tm
	}
	if completedAt.Valid {
		tm, _ := time.Parse(timeFmt, completedAt.String)
		t.CompletedAt = &tm
	}
	return &t, nil
}
