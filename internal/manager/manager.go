// Package manager is the façade (C10): a state machine that composes
// Scanner, Repair Engine, and a chosen Persistence backend into
// load/scan/preview/confirm/undo operations, grounded on the teacher's
// cmd/bd/doctor orchestration (read-only diagnose, then an explicit,
// separately-confirmed fix step) generalized to this domain's
// preview-then-confirm contract (spec.md §4.10).
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/logrepair/core/internal/dag"
	"github.com/logrepair/core/internal/persistence"
	"github.com/logrepair/core/internal/record"
	"github.com/logrepair/core/internal/repair"
	"github.com/logrepair/core/internal/scanner"
)

// State is one node of the manager's state machine (spec.md §4.10).
type State string

const (
	StateIdle       State = "idle"
	StateLoaded     State = "loaded"
	StateScanned    State = "scanned"
	StatePreviewing State = "previewing"
	StateApplying   State = "applying"
	StateApplied    State = "applied"
)

// Errors surfaced by the manager's state transitions.
var (
	ErrWrongState     = fmt.Errorf("manager: operation not valid in current state")
	ErrCycleDetected  = fmt.Errorf("manager: cycle detected, load aborted for this session")
	ErrAlreadyReverted = fmt.Errorf("manager: already_reverted")
)

// Session is one session's worth of manager state. The manager is safe
// for concurrent use across distinct sessions; operations on the same
// session are serialized (spec.md §5).
type Session struct {
	ID    string
	state State

	records []*record.Record
	graph   *dag.Graph
	report  *scanner.Report
	plan    *repair.Plan

	lastBackupID string
}

// State returns the session's current state machine node.
func (s *Session) State() State { return s.state }

// Manager is the backend-agnostic façade. One Manager instance serves
// many sessions; it is parameterized by a single backend at construction
// (spec.md §4.10: "Backend selection is a configuration choice, not a
// runtime decision").
type Manager struct {
	Backend          persistence.Backend
	ScannerOOMThreshold int
	RepairPolicy     repair.Policy

	mu       sync.Mutex
	sessions map[string]*Session
	// locks serializes per-session operations without pulling in a
	// dependency that has no direct-usage precedent in the retrieved
	// corpus (golang.org/x/sync/singleflight appears only in a test
	// comment, never imported); a stdlib per-key mutex is the grounded
	// choice here, justified per the "no suitable library" exception.
	locks map[string]*sync.Mutex
}

// New constructs a Manager bound to backend.
func New(backend persistence.Backend, policy repair.Policy, oomThreshold int) *Manager {
	return &Manager{
		Backend:             backend,
		ScannerOOMThreshold: oomThreshold,
		RepairPolicy:        policy,
		sessions:            make(map[string]*Session),
		locks:               make(map[string]*sync.Mutex),
	}
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

func (m *Manager) session(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &Session{ID: sessionID, state: StateIdle}
		m.sessions[sessionID] = s
	}
	return s
}

// Load transitions Idle -> Loaded, parsing each line and building the
// DAG. Parse errors are reported and the affected lines skipped; a cycle
// aborts the load for this session entirely (spec.md §4.10 failure
// semantics).
func (m *Manager) Load(ctx context.Context, sessionID string, lines [][]byte) (*Session, []*record.LineError, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess := m.session(sessionID)

	var records []*record.Record
	var lineErrors []*record.LineError
	for i, line := range lines {
		r, lerr := record.ParseLine(line, i+1)
		if lerr != nil {
			lineErrors = append(lineErrors, lerr)
			continue
		}
		records = append(records, r)
	}

	g, err := dag.Build(records)
	if err != nil {
		return sess, lineErrors, ErrCycleDetected
	}

	sess.records = records
	sess.graph = g
	sess.state = StateLoaded
	return sess, lineErrors, nil
}

// Scan transitions Loaded -> Scanned.
func (m *Manager) Scan(ctx context.Context, sessionID string) (*scanner.Report, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess := m.session(sessionID)
	if sess.state != StateLoaded && sess.state != StateScanned {
		return nil, ErrWrongState
	}

	report := scanner.Scan(sess.records, sess.graph, m.ScannerOOMThreshold)
	sess.report = report
	sess.state = StateScanned
	return report, nil
}

// Preview builds the repair engine's operation list from the session's
// loaded records and its last scan report. It computes no diff against a
// materialized view. It never touches persistence (spec.md §4.10).
func (m *Manager) Preview(ctx context.Context, sessionID string) (*repair.Plan, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess := m.session(sessionID)
	if sess.state != StateScanned && sess.state != StatePreviewing {
		return nil, ErrWrongState
	}

	plan, err := repair.Build(ctx, sess.records, sess.graph, sess.report, m.RepairPolicy)
	if err != nil {
		return nil, err
	}
	sess.plan = plan
	sess.state = StatePreviewing
	return plan, nil
}

// Cancel returns from Previewing to Scanned, free of cost.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess := m.session(sessionID)
	if sess.state != StatePreviewing {
		return ErrWrongState
	}
	sess.plan = nil
	sess.state = StateScanned
	return nil
}

// ConfirmResult summarizes a confirm call for the caller (spec.md §7
// "user-visible behavior").
type ConfirmResult struct {
	BackupID        string
	OperationsApplied int
	Success         bool
}

// Confirm is the only state transition that may write. It creates a
// backup, applies every operation in the previewed plan, and on any
// failure halts and returns the backup id with the backend's error. The
// ConfirmResult of a failed apply does not say which operations
// succeeded: OperationsApplied is 0 and the session returns to Scanned.
func (m *Manager) Confirm(ctx context.Context, sessionID string) (*ConfirmResult, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess := m.session(sessionID)
	if sess.state != StatePreviewing {
		return nil, ErrWrongState
	}
	sess.state = StateApplying

	backupID, err := m.Backend.CreateBackup(ctx, sessionID, sess.records)
	if err != nil {
		sess.state = StateScanned
		return nil, fmt.Errorf("creating backup: %w", err)
	}

	ok, err := m.Backend.ApplyRepair(ctx, sessionID, sess.records, sess.plan)
	if err != nil || !ok {
		sess.state = StateScanned
		return &ConfirmResult{BackupID: backupID, Success: false}, fmt.Errorf("applying repair: %w", err)
	}

	sess.lastBackupID = backupID
	sess.state = StateApplied
	return &ConfirmResult{BackupID: backupID, OperationsApplied: len(sess.plan.Operations), Success: true}, nil
}

// Undo transitions Applied -> Applying -> Applied via the backend's
// revert path. When the backend finds nothing left to revert
// (RollbackToBackup returns false with no error), Undo returns
// ErrAlreadyReverted and the session stays Applied (spec.md §4.10).
func (m *Manager) Undo(ctx context.Context, sessionID string, backupID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess := m.session(sessionID)
	if sess.state != StateApplied {
		return ErrWrongState
	}
	sess.state = StateApplying

	ok, err := m.Backend.RollbackToBackup(ctx, sessionID, backupID)
	if err != nil {
		sess.state = StateApplied
		return err
	}
	if !ok {
		sess.state = StateApplied
		return ErrAlreadyReverted
	}

	sess.state = StateApplied
	return nil
}
