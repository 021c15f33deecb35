package statestore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dcosson-labs/harness/internal/scope"
)

// Status is a conversation's top-level lifecycle state (spec §1).
type Status string

const (
	StatusRunning     Status = "running"
	StatusNeedsInput  Status = "needs-input"
	StatusCompleted   Status = "completed"
	StatusExited      Status = "exited"
)

// Conversation is the persisted Thread record (spec §3 "Conversation
// (Thread)"), including its embedded runtime snapshot and controller
// claim.
type Conversation struct {
	ID           string
	DirectoryID  string
	Scope        scope.Scope
	Title        string
	AgentType    string
	AdapterState string // opaque JSON map
	CreatedAt    time.Time
	ArchivedAt   *time.Time

	Status          Status
	StatusModel     string
	Live            bool
	AttentionReason string
	ProcessID       *int
	LastEventAt     *time.Time
	LastExit        string // opaque JSON

	ControllerID      string
	ControllerType    string
	ControllerLabel   string
	ControllerClaimedAt *time.Time
}

func (s *Store) CreateConversation(c Conversation) error {
	_, err := s.db.Exec(`INSERT INTO conversations
		(id, directory_id, tenant_id, user_id, workspace_id, worktree_id, title, agent_type, adapter_state, created_at, archived_at,
		 status, status_model, live, attention_reason, process_id, last_event_at, last_exit,
		 controller_id, controller_type, controller_label, controller_claimed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DirectoryID, c.Scope.TenantID, c.Scope.UserID, c.Scope.WorkspaceID, nullableString(c.Scope.WorktreeID),
		nullableString(c.Title), c.AgentType, nullableString(c.AdapterState), c.CreatedAt.UTC().Format(timeFmt), formatTimePtr(c.ArchivedAt),
		string(c.Status), nullableString(c.StatusModel), boolToInt(c.Live), nullableString(c.AttentionReason),
		intPtrOrNil(c.ProcessID), formatTimePtr(c.LastEventAt), nullableString(c.LastExit),
		nullableString(c.ControllerID), nullableString(c.ControllerType), nullableString(c.ControllerLabel), formatTimePtr(c.ControllerClaimedAt))
	if err != nil {
		return fmt.Errorf("statestore: create conversation: %w", err)
	}
	return nil
}

// UpdateRuntime persists a runtime status snapshot mutation (spec §3
// "Session runtime (in-memory) ... written only under the server's
// single goroutine or lock discipline"). The session runtime does not
// call it: a live session's status and controller changes are not
// written back to its conversation row.
func (s *Store) UpdateRuntime(c Conversation) error {
	_, err := s.db.Exec(`UPDATE conversations SET
		status = ?, status_model = ?, live = ?, attention_reason = ?, process_id = ?, last_event_at = ?, last_exit = ?,
		controller_id = ?, controller_type = ?, controller_label = ?, controller_claimed_at = ?
		WHERE id = ?`,
		string(c.Status), nullableString(c.StatusModel), boolToInt(c.Live), nullableString(c.AttentionReason),
		intPtrOrNil(c.ProcessID), formatTimePtr(c.LastEventAt), nullableString(c.LastExit),
		nullableString(c.ControllerID), nullableString(c.ControllerType), nullableString(c.ControllerLabel), formatTimePtr(c.ControllerClaimedAt),
		c.ID)
	if err != nil {
		return fmt.Errorf("statestore: update runtime: %w", err)
	}
	return nil
}

func (s *Store) UpdateConversationTitle(id, title string) error {
	_, err := s.db.Exec(`UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("statestore: update conversation title: %w", err)
	}
	return nil
}

func (s *Store) ArchiveConversation(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE conversations SET archived_at = ? WHERE id = ?`, at.UTC().Format(timeFmt), id)
	if err != nil {
		return fmt.Errorf("statestore: archive conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(id string) (*Conversation, error) {
	row := s.db.QueryRow(conversationSelect+` WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *Store) ListConversations(sc scope.Scope, includeArchived bool) ([]Conversation, error) {
	q := conversationSelect + ` WHERE tenant_id = ? AND user_id = ? AND workspace_id = ?`
	if !includeArchived {
		q += ` AND archived_at IS NULL`
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.Query(q, sc.TenantID, sc.UserID, sc.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("statestore: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

const conversationSelect = `SELECT id, directory_id, tenant_id, user_id, workspace_id, worktree_id, title, agent_type, adapter_state, created_at, archived_at,
	status, status_model, live, attention_reason, process_id, last_event_at, last_exit,
	controller_id, controller_type, controller_label, controller_claimed_at FROM conversations`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	c, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func scanConversationRow(row scanner) (*Conversation, error) {
	var c Conversation
	var worktreeID, title, adapterState, statusModel, attentionReason, lastExit sql.NullString
	var controllerID, controllerType, controllerLabel sql.NullString
	var processID sql.NullInt64
	var createdAt string
	var archivedAt, lastEventAt, controllerClaimedAt sql.NullString
	var liveInt int

	if err := row.Scan(&c.ID, &c.DirectoryID, &c.Scope.TenantID, &c.Scope.UserID, &c.Scope.WorkspaceID, &worktreeID,
		&title, &c.AgentType, &adapterState, &createdAt, &archivedAt,
		(*string)(&c.Status), &statusModel, &liveInt, &attentionReason, &processID, &lastEventAt, &lastExit,
		&controllerID, &controllerType, &controllerLabel, &controllerClaimedAt); err != nil {
		return nil, fmt.Errorf("statestore: scan conversation: %w", err)
	}

	c.Scope.WorktreeID = worktreeID.String
	c.Title = title.String
	c.AdapterState = adapterState.String
	c.StatusModel = statusModel.String
	c.AttentionReason = attentionReason.String
	c.LastExit = lastExit.String
	c.ControllerID = controllerID.String
	c.ControllerType = controllerType.String
	c.ControllerLabel = controllerLabel.String
	c.Live = liveInt != 0
	c.CreatedAt, _ = time.Parse(timeFmt, createdAt)
	if archivedAt.Valid {
		t, _ := time.Parse(timeFmt, archivedAt.String)
		c.ArchivedAt = &t
	}
	if lastEventAt.Valid {
		t, _ := time.Parse(timeFmt, lastEventAt.String)
		c.LastEventAt = &t
	}
	if controllerClaimedAt.Valid {
		t, _ := time.Parse(timeFmt, controllerClaimedAt.String)
		c.ControllerClaimedAt = &t
	}
	if processID.Valid {
		pid := int(processID.Int64)
		c.ProcessID = &pid
	}
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intPtrOrNil(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
