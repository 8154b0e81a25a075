// Package eventstore is the append-only backing store for C7: a single
// primary table plus two relation tables, written through
// github.com/ncruces/go-sqlite3 (a CGo-free driver that runs SQLite
// compiled to WASM via tetratelabs/wazero). Grounded on the teacher's
// internal/storage/sqlite (database/sql usage, migrations.go's
// BEGIN EXCLUSIVE-guarded schema setup, external_deps.go's sql.Open
// pattern) generalized from an issue database to an append-only event
// log (spec.md §4.7).
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Sentinel errors matching spec.md §7's StoreUnavailable / schema_mismatch
// taxonomy.
var (
	ErrUnavailable    = errors.New("eventstore: unavailable")
	ErrSchemaMismatch = errors.New("eventstore: schema mismatch")
)

// OperationKind mirrors repair.OpKind without importing the repair
// package, keeping the store's vocabulary self-contained.
type OperationKind string

const (
	OpRelink          OperationKind = "relink"
	OpInsertSynthetic OperationKind = "insert_synthetic_result"
	OpDrop            OperationKind = "drop"
	OpRevert          OperationKind = "revert"

	// OpBaseline marks a record's initial parent linkage as observed at
	// import time, written once per record by `logrepair sync` before any
	// repair event exists for that session (spec.md §6).
	OpBaseline OperationKind = "baseline"
)

// timestampLayout is RFC 3339 in UTC with a fixed nine-digit fraction, so
// the stored text sorts in time order for ORDER BY timestamp and
// MAX(timestamp).
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Event is one row of repairs_events (spec.md §4.7).
type Event struct {
	EventID         string
	SessionID       string
	RecordUUID      string
	OperationKind   OperationKind
	OldParent       string // empty means NULL
	NewParent       string // empty means NULL
	Payload         []byte // opaque, operation-specific
	Operator        string
	Reason          string
	Timestamp       time.Time
	SimilarityScore *float64 // nil means NULL

	// IsReverted mirrors the physical is_reverted column, which is always
	// false: per spec.md §3/§4.7 the flag is derived virtually at replay
	// time from later OpRevert events, never written back onto this row.
	// Callers that need the real, as-of-now reverted state must compute it
	// the way materializer.rebuild does, from OpRevert/RevertsEventID.
	IsReverted bool

	// RevertsEventID is set only for OpRevert events: the event_id this
	// revert cancels.
	RevertsEventID string
}

// Store is the append-only event store handle.
type Store struct {
	db *sql.DB

	// mu guards sessionLocks; sessionLocks serializes Append per session_id
	// so the max(timestamp)-based monotonicity check below is race-free
	// (spec.md §5: "the event store enforces this by reading max(timestamp)
	// under the session lock").
	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// Open opens (creating if absent) the SQLite-backed event store at path
// and ensures its schema, matching the teacher's RunMigrations-at-open
// pattern. The DSN carries a busy_timeout pragma, grounded on the
// teacher's own internal/storage/sqlite/freshness_test.go
// `?_pragma=busy_timeout(5000)` DSN style, so concurrent writers (e.g.
// `logrepair sync`'s bounded fan-out) block and retry under contention
// instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s := &Store{db: db, sessionLocks: make(map[string]*sync.Mutex)}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.sessionLocks[sessionID] = l
	}
	return l
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// migrate creates the schema if absent, under an exclusive transaction so
// concurrent openers don't race on CREATE TABLE (teacher's migrations.go
// BEGIN EXCLUSIVE pattern).
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("%w: acquiring exclusive lock: %v", ErrSchemaMismatch, err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = s.db.ExecContext(ctx, "ROLLBACK")
		}
	}()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS repairs_events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			record_uuid TEXT NOT NULL,
			operation_kind TEXT NOT NULL,
			old_parent TEXT,
			new_parent TEXT,
			payload BLOB,
			operator TEXT NOT NULL,
			reason TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			similarity_score REAL,
			is_reverted INTEGER NOT NULL DEFAULT 0,
			reverts_event_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_repairs_events_session_ts ON repairs_events(session_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_repairs_events_record ON repairs_events(record_uuid)`,
		`CREATE TABLE IF NOT EXISTS repairs_events_by_session (
			session_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			PRIMARY KEY (session_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS repairs_events_by_record (
			record_uuid TEXT NOT NULL,
			event_id TEXT NOT NULL,
			PRIMARY KEY (record_uuid, event_id)
		)`,
		// INSERT-only discipline: UPDATE/DELETE are prevented at the
		// schema level where the backend supports it (spec.md §4.7).
		// is_reverted is included: a revert is recorded by appending a new
		// OpRevert event, never by mutating the target row. The target's
		// is_reverted flag is derived virtually at replay time (spec.md §3),
		// so every column of repairs_events is immutable after insert.
		`CREATE TRIGGER IF NOT EXISTS repairs_events_no_update
			BEFORE UPDATE ON repairs_events
		BEGIN
			SELECT RAISE(ABORT, 'repairs_events rows are immutable');
		END`,
		`CREATE TRIGGER IF NOT EXISTS repairs_events_no_delete
			BEFORE DELETE ON repairs_events
		BEGIN
			SELECT RAISE(ABORT, 'repairs_events rows are append-only');
		END`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
	}

	if _, err := s.db.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("%w: committing schema: %v", ErrSchemaMismatch, err)
	}
	committed = true
	return nil
}

// Append inserts event and its two relation rows in one transaction.
// Writes are strictly INSERT (spec.md §4.7). Event timestamps are made
// strictly monotonic per session_id by reading max(timestamp) under the
// session's lock and bumping forward if needed (spec.md §5), so a
// wall-clock regression between two Append calls for the same session
// can't produce an out-of-order event.
func (s *Store) Append(ctx context.Context, ev Event) error {
	lock := s.sessionLock(ev.SessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	var maxTS sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM repairs_events WHERE session_id = ?`, ev.SessionID,
	).Scan(&maxTS); err != nil {
		return fmt.Errorf("%w: reading session max timestamp: %v", ErrUnavailable, err)
	}
	if maxTS.Valid {
		if prev, err := time.Parse(time.RFC3339Nano, maxTS.String); err == nil && !ev.Timestamp.After(prev) {
			ev.Timestamp = prev.Add(time.Nanosecond)
		}
	}

	var oldParent, newParent any
	if ev.OldParent != "" {
		oldParent = ev.OldParent
	}
	if ev.NewParent != "" {
		newParent = ev.NewParent
	}
	var score any
	if ev.SimilarityScore != nil {
		score = *ev.SimilarityScore
	}
	var revertsID any
	if ev.RevertsEventID != "" {
		revertsID = ev.RevertsEventID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO repairs_events
			(event_id, session_id, record_uuid, operation_kind, old_parent,
			 new_parent, payload, operator, reason, timestamp,
			 similarity_score, is_reverted, reverts_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		ev.EventID, ev.SessionID, ev.RecordUUID, string(ev.OperationKind),
		oldParent, newParent, ev.Payload, ev.Operator, ev.Reason,
		ev.Timestamp.UTC().Format(timestampLayout), score, revertsID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO repairs_events_by_session (session_id, event_id) VALUES (?, ?)`,
		ev.SessionID, ev.EventID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO repairs_events_by_record (record_uuid, event_id) VALUES (?, ?)`,
		ev.RecordUUID, ev.EventID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// QueryForSession returns events for sessionID in timestamp order,
// optionally bounded to atMost rows (0 means unbounded).
func (s *Store) QueryForSession(ctx context.Context, sessionID string, atMost int) ([]Event, error) {
	query := `SELECT event_id, session_id, record_uuid, operation_kind, old_parent,
		new_parent, payload, operator, reason, timestamp, similarity_score,
		is_reverted, reverts_event_id
		FROM repairs_events WHERE session_id = ? ORDER BY timestamp ASC`
	args := []any{sessionID}
	if atMost > 0 {
		query += " LIMIT ?"
		args = append(args, atMost)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// QueryForRecord returns every event whose record_uuid is uuid, oldest
// first.
func (s *Store) QueryForRecord(ctx context.Context, uuid string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id, session_id, record_uuid, operation_kind,
		old_parent, new_parent, payload, operator, reason, timestamp,
		similarity_score, is_reverted, reverts_event_id
		FROM repairs_events WHERE record_uuid = ? ORDER BY timestamp ASC`, uuid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// HealthProbe reports whether the store is reachable within ctx's
// deadline (spec.md §4.7 "health probe").
func (s *Store) HealthProbe(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var (
			ev                          Event
			opKind                      string
			oldParent, newParent        sql.NullString
			score                       sql.NullFloat64
			isReverted                  int
			revertsID                   sql.NullString
			tsRaw                       string
		)
		if err := rows.Scan(&ev.EventID, &ev.SessionID, &ev.RecordUUID, &opKind,
			&oldParent, &newParent, &ev.Payload, &ev.Operator, &ev.Reason,
			&tsRaw, &score, &isReverted, &revertsID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		ev.OperationKind = OperationKind(opKind)
		ev.OldParent = oldParent.String
		ev.NewParent = newParent.String
		ev.IsReverted = isReverted != 0
		ev.RevertsEventID = revertsID.String
		if score.Valid {
			v := score.Float64
			ev.SimilarityScore = &v
		}
		if ts, err := time.Parse(time.RFC3339Nano, tsRaw); err == nil {
			ev.Timestamp = ts
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}
