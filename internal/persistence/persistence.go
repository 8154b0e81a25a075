// Package persistence defines the single contract other components
// depend on for writing repairs back out, grounded on the teacher's
// cmd/bd/doctor/fix family (backup-then-mutate-then-rollback-on-failure)
// generalized into a pluggable two-backend interface (spec.md §4.6).
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/logrepair/core/internal/record"
	"github.com/logrepair/core/internal/repair"
)

// Sentinel errors from the spec.md §7 taxonomy that persistence backends
// may surface.
var (
	ErrLockContention = errors.New("persistence: lock contention")
	ErrRenameFailed    = errors.New("persistence: atomic rename failed")
	ErrBackupNotFound  = errors.New("persistence: backup not found")
	ErrUnavailable     = errors.New("persistence: store unavailable")
)

// UndoPoint is one entry in a backend's undo history (spec.md §4.6
// show_undo_history).
type UndoPoint struct {
	ID        string
	Timestamp time.Time
	Label     string
}

// Backend is the only contract other components depend on. Two
// implementations exist: fileatomic.Backend (A) and eventsourced.Backend
// (B). Mixing backends within one session is forbidden by the caller's
// configuration, not by this interface.
type Backend interface {
	// CreateBackup must produce a restorable marker without observably
	// modifying the log.
	CreateBackup(ctx context.Context, sessionID string, records []*record.Record) (backupID string, err error)

	// ApplyRepair must be atomic with respect to external readers and
	// returns true on success.
	ApplyRepair(ctx context.Context, sessionID string, records []*record.Record, plan *repair.Plan) (bool, error)

	// RollbackToBackup must restore bytes-identical content to the state
	// at CreateBackup time.
	RollbackToBackup(ctx context.Context, sessionID string, backupID string) (bool, error)

	// ShowUndoHistory returns undo points time-ordered, newest first,
	// bounded.
	ShowUndoHistory(ctx context.Context, sessionID string) ([]UndoPoint, error)

	// BackendName identifies which backend is in effect.
	BackendName() string
}
