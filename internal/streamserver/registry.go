// Package streamserver is the Stream Server (spec §2, §4.2): a TCP
// listener speaking the line-JSON control-plane protocol, with
// per-connection auth, a command dispatcher, and a subscription manager
// for PTY output, PTY events, and the observed-event stream.
package streamserver

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dcosson-labs/harness/internal/activitylog"
	"github.com/dcosson-labs/harness/internal/broker"
	"github.com/dcosson-labs/harness/internal/eventstore"
	"github.com/dcosson-labs/harness/internal/hub"
	"github.com/dcosson-labs/harness/internal/protocol"
	"github.com/dcosson-labs/harness/internal/ptyhost"
	"github.com/dcosson-labs/harness/internal/scope"
	"github.com/dcosson-labs/harness/internal/sessionrt"
	"github.com/dcosson-labs/harness/internal/statestore"
)

// errKind stable strings the client recognizes to decide whether to
// recover or surface an error (spec §7 "Session-not-found / not-live /
// not-controller").
const (
	errSessionNotFound = "session-not-found"
	errSessionNotLive  = "session-not-live"
)

// dispatchError carries a stable error kind alongside a human message,
// so command.failed{error} can report both.
type dispatchError struct {
	kind string
	msg  string
}

func (e *dispatchError) Error() string { return e.msg }

func notFound(sessionID string) error {
	return &dispatchError{kind: errSessionNotFound, msg: fmt.Sprintf("session %q not found", sessionID)}
}

func notLive(sessionID string) error {
	return &dispatchError{kind: errSessionNotLive, msg: fmt.Sprintf("session %q is not live", sessionID)}
}

// TailBudget is the default per-session broker retention, in bytes
// (spec §4.3 "Session broker — tail backlog policy").
const TailBudget = 1 << 20

// sessionEntry is everything the registry keeps about one live session.
type sessionEntry struct {
	actor       *sessionrt.Actor
	host        *ptyhost.Host
	directoryID string
	threadID    string
	agentType   string
	createdAt   time.Time
}

// Registry owns every live session's PTY/broker/actor and forwards
// directory/repository/task/conversation CRUD to the state store. It is
// the collaborator the command dispatcher calls into (spec §9: "Brokers,
// event store, and the hub become plain collaborator objects with
// explicit methods").
type Registry struct {
	hub    *hub.Hub
	events *eventstore.Store
	state  *statestore.Store

	// activityLogDir, when non-empty, is the directory each new
	// session's activitylog.Logger writes <sessionID>.log under. Left
	// empty (the default for tests), StartSession gives every session a
	// Nop logger.
	activityLogDir string

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// NewRegistry wires a Registry around the gateway's shared collaborators.
func NewRegistry(h *hub.Hub, ev *eventstore.Store, st *statestore.Store) *Registry {
	return &Registry{hub: h, events: ev, state: st, sessions: make(map[string]*sessionEntry)}
}

// SetActivityLogDir configures where StartSession's activity logs are
// written. Called once during gateway startup, before any session exists.
func (r *Registry) SetActivityLogDir(dir string) {
	r.activityLogDir = dir
}

// StartSession spawns a PTY, wraps it in a broker-backed Session Runtime
// actor, and records it under a new session id (pty.start).
func (r *Registry) StartSession(sc scope.Scope, p protocol.PTYStartPayload) (string, error) {
	sessionID := uuid.NewString()

	env := make(map[string]string, len(p.Env)+1)
	for k, v := range p.Env {
		env[k] = v
	}
	// Lets a `harness handle-hook` relay invoked from inside this child
	// process's tree address the right PTY session with session.notify,
	// without hardcoding a single-agent-per-workspace assumption.
	env["HARNESS_PTY_SESSION_ID"] = sessionID

	host, err := ptyhost.Start(ptyhost.StartOpts{
		Command: p.Command,
		Args:    p.Args,
		Env:     env,
		Rows:    p.Rows,
		Cols:    p.Cols,
	})
	if err != nil {
		return "", fmt.Errorf("streamserver: start pty: %w", err)
	}

	var alog *activitylog.Logger
	if r.activityLogDir != "" {
		alog = activitylog.New(true, filepath.Join(r.activityLogDir, sessionID+".log"), sessionID, p.AgentType)
	} else {
		alog = activitylog.Nop()
	}

	br := broker.New(TailBudget)
	actor := sessionrt.New(sessionID, sc, p.AgentType, host, br, r.hub, r.events, alog)

	r.mu.Lock()
	r.sessions[sessionID] = &sessionEntry{
		actor: actor, host: host, directoryID: p.DirectoryID,
		threadID: p.ThreadID, agentType: p.AgentType, createdAt: time.Now(),
	}
	r.mu.Unlock()

	if r.hub != nil {
		r.hub.Publish(sc, "session-status", map[string]any{"sessionId": sessionID, "status": string(sessionrt.StatusRunning)})
	}
	return sessionID, nil
}

// Get returns the live actor for sessionID, or nil if it isn't tracked
// (either never started, closed, or reaped).
func (r *Registry) Get(sessionID string) *sessionrt.Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	return e.actor
}

// Remove closes a session's PTY and drops it from the registry
// (session.remove / pty.close).
func (r *Registry) Remove(sessionID string) error {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return notFound(sessionID)
	}
	e.actor.Close()
	return nil
}

// sessionSummary is the JSON shape returned by session.list/status and
// attention.list.
type sessionSummary struct {
	SessionID       string  `json:"sessionId"`
	DirectoryID     string  `json:"directoryId,omitempty"`
	ThreadID        string  `json:"threadId,omitempty"`
	AgentType       string  `json:"agentType"`
	Status          string  `json:"status"`
	AttentionReason string  `json:"attentionReason,omitempty"`
	Live            bool    `json:"live"`
	Cursor          int64   `json:"cursor"`
	ControllerID    *string `json:"controllerId,omitempty"`
}

func (r *Registry) summarize(id string, e *sessionEntry) sessionSummary {
	snap := e.actor.Snapshot()
	s := sessionSummary{
		SessionID: id, DirectoryID: e.directoryID, ThreadID: e.threadID,
		AgentType: e.agentType, Status: string(snap.Status), AttentionReason: snap.AttentionReason,
		Live: snap.Live, Cursor: snap.Cursor,
	}
	if snap.Controller != nil {
		s.ControllerID = &snap.Controller.ControllerID
	}
	return s
}

// List returns a summary for every tracked session (session.list).
func (r *Registry) List() []sessionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]sessionSummary, 0, len(r.sessions))
	for id, e := range r.sessions {
		out = append(out, r.summarize(id, e))
	}
	return out
}

// AttentionList returns only sessions currently in needs-input
// (attention.list).
func (r *Registry) AttentionList() []sessionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []sessionSummary
	for id, e := range r.sessions {
		s := r.summarize(id, e)
		if s.Status == string(sessionrt.StatusNeedsInput) {
			out = append(out, s)
		}
	}
	return out
}

// Status returns one session's summary (session.status).
func (r *Registry) Status(sessionID string) (sessionSummary, error) {
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return sessionSummary{}, notFound(sessionID)
	}
	return r.summarize(sessionID, e), nil
}

// Snapshot returns a full Session Runtime snapshot (session.snapshot).
func (r *Registry) Snapshot(sessionID string) (sessionrt.Snapshot, error) {
	a := r.Get(sessionID)
	if a == nil {
		return sessionrt.Snapshot{}, notFound(sessionID)
	}
	return a.Snapshot(), nil
}

// --- Directory / repository / task / conversation passthrough to the
// state store. No separate "manager" component is named in the system
// for these (spec §2's component table has no entry besides State
// Store), so the Stream Server's registry is where request validation
// and id/timestamp assignment happen before persistence.

func (r *Registry) UpsertDirectory(d statestore.Directory) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	return r.state.UpsertDirectory(d)
}

func (r *Registry) ListDirectories(sc scope.Scope, includeArchived bool) ([]statestore.Directory, error) {
	return r.state.ListDirectories(sc, includeArchived)
}

func (r *Registry) ArchiveDirectory(id string) error {
	return r.state.ArchiveDirectory(id, time.Now())
}

func (r *Registry) UpsertRepository(rp statestore.Repository) error {
	if rp.ID == "" {
		rp.ID = uuid.NewString()
	}
	if rp.CreatedAt.IsZero() {
		rp.CreatedAt = time.Now()
	}
	return r.state.UpsertRepository(rp)
}

func (r *Registry) UpdateRepository(rp statestore.Repository) error {
	return r.state.UpdateRepository(rp)
}

func (r *Registry) ListRepositories(sc scope.Scope, includeArchived bool) ([]statestore.Repository, error) {
	return r.state.ListRepositories(sc, includeArchived)
}

func (r *Registry) ArchiveRepository(id string) error {
	return r.state.ArchiveRepository(id, time.Now())
}

func (r *Registry) CreateTask(t statestore.Task) (statestore.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	if err := r.state.CreateTask(t); err != nil {
		return statestore.Task{}, err
	}
	return t, nil
}

func (r *Registry) UpdateTask(t statestore.Task) error {
	t.UpdatedAt = time.Now()
	return r.state.UpdateTask(t)
}

func (r *Registry) DeleteTask(id string) error { return r.state.DeleteTask(id) }

func (r *Registry) ListTasks(sc scope.Scope, repositoryID string) ([]statestore.Task, error) {
	return r.state.ListTasks(sc, repositoryID)
}

func (r *Registry) ReorderTasks(ids []string) error { return r.state.ReorderTasks(ids) }

// UpdateTaskFields patches a task's title/body, leaving an empty field
// unchanged, and persists the result (task.update).
func (r *Registry) UpdateTaskFields(id, title, body string) (*statestore.Task, error) {
	t, err := r.state.GetTask(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task %q not found", id)
	}
	if title != "" {
		t.Title = title
	}
	if body != "" {
		t.Body = body
	}
	if err := r.UpdateTask(*t); err != nil {
		return nil, err
	}
	return t, nil
}

// setTaskStatus loads, transitions, and persists a task's status; used
// by task.ready / task.draft / task.complete / task.claim.
func (r *Registry) setTaskStatus(id string, status statestore.TaskStatus, mutate func(*statestore.Task)) (*statestore.Task, error) {
	t, err := r.state.GetTask(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task %q not found", id)
	}
	t.Status = status
	if mutate != nil {
		mutate(t)
	}
	if err := r.UpdateTask(*t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Registry) TaskReady(id string) (*statestore.Task, error) {
	return r.setTaskStatus(id, statestore.TaskReady, nil)
}

func (r *Registry) TaskDraft(id string) (*statestore.Task, error) {
	return r.setTaskStatus(id, statestore.TaskDraft, nil)
}

func (r *Registry) TaskComplete(id string) (*statestore.Task, error) {
	now := time.Now()
	return r.setTaskStatus(id, statestore.TaskCompleted, func(t *statestore.Task) { t.CompletedAt = &now })
}

// TaskClaim is a compare-and-swap on a task's claim, mirroring session
// controller claims: a task already claimed by a different controller
// fails unless takeover is set.
func (r *Registry) TaskClaim(id, controllerID, projectID string, takeover bool) (*statestore.Task, error) {
	t, err := r.state.GetTask(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task %q not found", id)
	}
	if t.Status == statestore.TaskClaimed && t.ClaimedByControllerID != "" && t.ClaimedByControllerID != controllerID && !takeover {
		return nil, fmt.Errorf("task %q already claimed", id)
	}
	now := time.Now()
	t.Status = statestore.TaskClaimed
	t.ClaimedByControllerID = controllerID
	t.ClaimedByProjectID = projectID
	t.ClaimedAt = &now
	if err := r.UpdateTask(*t); err != nil {
		return nil, err
	}
	return t, nil
}

// TaskPull returns the highest-priority ready task for a scope/repository
// without claiming it, so a controller can inspect before claiming.
func (r *Registry) TaskPull(sc scope.Scope, repositoryID string) (*statestore.Task, error) {
	tasks, err := r.state.ListTasks(sc, repositoryID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status == statestore.TaskReady {
			out := t
			return &out, nil
		}
	}
	return nil, nil
}

func (r *Registry) CreateConversation(c statestore.Conversation) (statestore.Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if err := r.state.CreateConversation(c); err != nil {
		return statestore.Conversation{}, err
	}
	return c, nil
}

func (r *Registry) UpdateConversationTitle(id, title string) error {
	return r.state.UpdateConversationTitle(id, title)
}

func (r *Registry) ListConversations(sc scope.Scope, includeArchived bool) ([]statestore.Conversation, error) {
	return r.state.ListConversations(sc, includeArchived)
}

func (r *Registry) ArchiveConversation(id string) error {
	return r.state.ArchiveConversation(id, time.Now())
}

// ObserveEvent records an observed event to the audit trail and
// publishes it on the hub in one step. Nothing in the gateway calls it:
// session actors and StartSession publish straight to the hub, so their
// events are not recorded.
func (r *Registry) ObserveEvent(sc scope.Scope, typ string, payload map[string]any) {
	ev := r.hub.Publish(sc, typ, payload)
	if r.state == nil {
		return
	}
	data, _ := json.Marshal(payload)
	r.state.RecordObservedEvent(statestore.ObservedEventRecord{
		Cursor: ev.Cursor, Scope: sc, Type: typ, Payload: string(data), CreatedAt: time.Now(),
	})
}
