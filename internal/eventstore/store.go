// Package eventstore is the append-only local database of normalized
// agent-hook event envelopes (spec §2 "Event Store", §6 "Shared
// resources"): "the event store uses batched inserts (delay ≤ 12 ms or
// batch ≥ 64 entries) from a single flusher."
//
// h2 persists the same kind of normalized AgentEvent, but as one JSONL
// file per session (internal/session/agent/shared/eventstore). Harness
// keeps h2's append-only, normalized-envelope idea but moves it into the
// SQL-backed store the spec calls for, grounded on
// ehrlich-b-wingthing's embed.FS migration runner, which is the pack's
// only embedded-sqlite precedent.
package eventstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dcosson-labs/harness/internal/scope"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	flushDelay = 12 * time.Millisecond
	flushBatch = 64
	queueDepth = 4096
)

// Record is one normalized event envelope appended to the store.
type Record struct {
	ID         string
	Scope      scope.Scope
	SessionID  string
	AgentType  string
	EventName  string
	StatusHint string
	Summary    string
	RawPayload json.RawMessage
	CreatedAt  time.Time
}

// Store owns the sqlite connection and the background flusher.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	queue  []Record
	notify chan struct{}

	closing chan struct{}
	closed  chan struct{}
}

// Open creates or opens the sqlite database at dsn and starts the
// background flusher.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: set WAL mode: %w", err)
	}
	s := &Store{
		db:      db,
		notify:  make(chan struct{}, 1),
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	go s.flushLoop()
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("eventstore: create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("eventstore: read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		// Prefixed because the gateway opens this store on the same
		// database file as statestore, whose migrations share the
		// schema_migrations table and file names.
		version := "eventstore/" + f
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&applied); err != nil {
			return fmt.Errorf("eventstore: check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("eventstore: read migration %s: %w", f, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("eventstore: begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("eventstore: exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("eventstore: record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("eventstore: commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Append queues a record for the next batch flush. It never blocks on I/O;
// a full queue drops the oldest entry rather than stalling the session
// runtime's ingestion path (spec §9: "event-store flush errors are logged
// and the batch is discarded (never blocks ingestion)").
func (s *Store) Append(r Record) {
	s.mu.Lock()
	if len(s.queue) >= queueDepth {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, r)
	shouldSignal := len(s.queue) == 1 || len(s.queue) >= flushBatch
	s.mu.Unlock()

	if shouldSignal {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

func (s *Store) flushLoop() {
	defer close(s.closed)
	timer := time.NewTimer(flushDelay)
	if !timer.Stop() {
		<-timer.C
	}
	timerActive := false

	for {
		select {
		case <-s.closing:
			s.flush()
			return
		case <-s.notify:
			if !timerActive {
				timer.Reset(flushDelay)
				timerActive = true
			}
			s.mu.Lock()
			n := len(s.queue)
			s.mu.Unlock()
			if n >= flushBatch {
				if timerActive && !timer.Stop() {
					<-timer.C
				}
				timerActive = false
				s.flush()
			}
		case <-timer.C:
			timerActive = false
			s.flush()
		}
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	if err := s.insertBatch(batch); err != nil {
		// Logged, then the batch is discarded rather than retried so a
		// flusher outage cannot back up ingestion indefinitely.
		log.Printf("eventstore: flush: %v", err)
		return
	}
}

func (s *Store) insertBatch(batch []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("eventstore: begin flush tx: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO events
		(id, tenant_id, user_id, workspace_id, worktree_id, session_id, agent_type, event_name, status_hint, summary, raw_payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("eventstore: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range batch {
		if _, err := stmt.Exec(
			r.ID, r.Scope.TenantID, r.Scope.UserID, r.Scope.WorkspaceID, nullableString(r.Scope.WorktreeID),
			r.SessionID, r.AgentType, r.EventName, nullableString(r.StatusHint), nullableString(r.Summary),
			string(r.RawPayload), r.CreatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("eventstore: insert: %w", err)
		}
	}
	return tx.Commit()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ForSession returns every persisted event for a session, oldest first.
func (s *Store) ForSession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, user_id, workspace_id, worktree_id, session_id,
		agent_type, event_name, status_hint, summary, raw_payload, created_at
		FROM events WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: query session: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var worktreeID, statusHint, summary, rawPayload *string
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Scope.TenantID, &r.Scope.UserID, &r.Scope.WorkspaceID, &worktreeID,
			&r.SessionID, &r.AgentType, &r.EventName, &statusHint, &summary, &rawPayload, &createdAt); err != nil {
			return nil, fmt.Errorf("eventstore: scan: %w", err)
		}
		if worktreeID != nil {
			r.Scope.WorktreeID = *worktreeID
		}
		if statusHint != nil {
			r.StatusHint = *statusHint
		}
		if summary != nil {
			r.Summary = *summary
		}
		if rawPayload != nil {
			r.RawPayload = json.RawMessage(*rawPayload)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Flush forces any queued records to be written immediately; used in
// tests and during graceful shutdown.
func (s *Store) Flush() {
	s.flush()
}

// Close stops the flusher (flushing anything queued) and closes the db.
func (s *Store) Close() error {
	close(s.closing)
	<-s.closed
	return s.db.Close()
}
