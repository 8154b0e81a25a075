// Package eventsourced implements persistence Backend B: repairs are
// recorded as RepairEvents in the event store rather than written back to
// the log file. Grounded on the teacher's internal/audit (an append-only,
// replayable activity log) generalized to the event-store contract of
// spec.md §4.6/§4.7.
package eventsourced

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/logrepair/core/internal/eventstore"
	"github.com/logrepair/core/internal/persistence"
	"github.com/logrepair/core/internal/record"
	"github.com/logrepair/core/internal/repair"
)

// Backend is persistence Backend B, scoped to one event store.
type Backend struct {
	Store    *eventstore.Store
	Operator string
}

// New returns a Backend writing events to store.
func New(store *eventstore.Store, operator string) *Backend {
	return &Backend{Store: store, Operator: operator}
}

func (b *Backend) BackendName() string { return "event-sourced" }

// CreateBackup is conceptually a no-op: the event log is the backup. It
// returns the latest event id at capture time, or "genesis" if the session
// has no events yet (spec.md §4.6).
func (b *Backend) CreateBackup(ctx context.Context, sessionID string, records []*record.Record) (string, error) {
	events, err := b.Store.QueryForSession(ctx, sessionID, 0)
	if err != nil {
		return "", fmt.Errorf("%w: %v", persistence.ErrUnavailable, err)
	}
	if len(events) == 0 {
		return "genesis", nil
	}
	return events[len(events)-1].EventID, nil
}

// ApplyRepair appends one RepairEvent per operation in plan, in order.
// The log file on disk is never modified.
func (b *Backend) ApplyRepair(ctx context.Context, sessionID string, records []*record.Record, plan *repair.Plan) (bool, error) {
	now := time.Now().UTC()
	for i, op := range plan.Operations {
		ev := operationToEvent(sessionID, op, b.Operator, now.Add(time.Duration(i)*time.Nanosecond))
		if err := b.Store.Append(ctx, ev); err != nil {
			return false, fmt.Errorf("%w: applying operation %d: %v", persistence.ErrUnavailable, i, err)
		}
	}
	return true, nil
}

// systemRevertOperator is the fixed operator label spec.md §3 requires on
// every revert event: "operator = \"system-revert\"".
const systemRevertOperator = "system-revert"

// revertedSet computes, purely from the event stream itself, which event
// ids are cancelled by a later OpRevert event — the same virtual-replay
// derivation materializer.rebuild performs (spec.md §3: "virtually at
// replay time … the database row is never mutated"). No column on
// repairs_events is ever updated to record this.
func revertedSet(events []eventstore.Event) map[string]bool {
	reverted := make(map[string]bool, len(events))
	for _, ev := range events {
		if ev.OperationKind == eventstore.OpRevert && ev.RevertsEventID != "" {
			reverted[ev.RevertsEventID] = true
		}
	}
	return reverted
}

// RollbackToBackup appends a revert event for every non-revert event newer
// than backupID that is not already reverted, in reverse order. It returns
// false with a nil error when events newer than backupID exist but none
// was left to revert. Original data is never altered (spec.md §4.6).
func (b *Backend) RollbackToBackup(ctx context.Context, sessionID string, backupID string) (bool, error) {
	events, err := b.Store.QueryForSession(ctx, sessionID, 0)
	if err != nil {
		return false, fmt.Errorf("%w: %v", persistence.ErrUnavailable, err)
	}

	cutoff := -1
	if backupID != "genesis" {
		for i, ev := range events {
			if ev.EventID == backupID {
				cutoff = i
				break
			}
		}
		if cutoff == -1 {
			return false, persistence.ErrBackupNotFound
		}
	}

	reverted := revertedSet(events)
	toRevert := events[cutoff+1:]
	appended := 0
	for i := len(toRevert) - 1; i >= 0; i-- {
		target := toRevert[i]
		if reverted[target.EventID] || target.OperationKind == eventstore.OpRevert {
			// Revert of an already-reverted event is a no-op (spec.md §4.10),
			// and revert events themselves are never reverted.
			continue
		}
		revertID := uuid.NewString()
		revert := eventstore.Event{
			EventID:        revertID,
			SessionID:      sessionID,
			RecordUUID:     target.RecordUUID,
			OperationKind:  eventstore.OpRevert,
			Operator:       systemRevertOperator,
			Reason:         "rollback to " + backupID,
			Timestamp:      time.Now().UTC(),
			RevertsEventID: target.EventID,
		}
		if err := b.Store.Append(ctx, revert); err != nil {
			return false, fmt.Errorf("%w: %v", persistence.ErrUnavailable, err)
		}
		reverted[target.EventID] = true
		appended++
	}
	if appended == 0 && len(toRevert) > 0 {
		return false, nil
	}
	return true, nil
}

// ShowUndoHistory returns the event stream filtered to non-reverted
// events, newest first. "Reverted" is derived virtually from OpRevert
// events, never from a mutated column (spec.md §4.6 "Undo history is the
// event stream filtered to non-reverted events").
func (b *Backend) ShowUndoHistory(ctx context.Context, sessionID string) ([]persistence.UndoPoint, error) {
	events, err := b.Store.QueryForSession(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrUnavailable, err)
	}
	reverted := revertedSet(events)
	var points []persistence.UndoPoint
	for _, ev := range events {
		if reverted[ev.EventID] || ev.OperationKind == eventstore.OpRevert {
			continue
		}
		points = append(points, persistence.UndoPoint{
			ID:        ev.EventID,
			Timestamp: ev.Timestamp,
			Label:     string(ev.OperationKind) + " on " + ev.RecordUUID,
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.After(points[j].Timestamp) })
	return points, nil
}

// insertSyntheticPayload is the wire shape of an InsertSynthetic
// operation's event payload: enough to replay either "add a block to an
// existing record" or "materialize a brand-new trailing record" (spec.md
// §4.4/§9).
type insertSyntheticPayload struct {
	Block       record.Block `json:"block"`
	InsertIndex int          `json:"insert_index"`
	NewRecord   bool         `json:"new_record"`
	SessionID   string       `json:"session_id"`
	Timestamp   time.Time    `json:"timestamp"`
}

func operationToEvent(sessionID string, op repair.Operation, operator string, ts time.Time) eventstore.Event {
	ev := eventstore.Event{
		EventID:    uuid.NewString(),
		SessionID:  sessionID,
		RecordUUID: op.RecordUUID,
		Operator:   operator,
		Reason:     op.Reason,
		Timestamp:  ts,
	}
	switch op.Kind {
	case repair.OpRelink:
		ev.OperationKind = eventstore.OpRelink
		ev.OldParent = op.OldParentUUID
		ev.NewParent = op.NewParentUUID
		score := op.SimilarityScore
		ev.SimilarityScore = &score
	case repair.OpInsertSynthetic:
		ev.OperationKind = eventstore.OpInsertSynthetic
		ev.NewParent = op.NewRecordParentUUID
		ev.Payload, _ = json.Marshal(insertSyntheticPayload{
			Block:       op.Block,
			InsertIndex: op.InsertIndex,
			NewRecord:   op.NewRecord,
			SessionID:   op.NewRecordSessionID,
			Timestamp:   op.NewRecordTimestamp,
		})
	case repair.OpDrop:
		ev.OperationKind = eventstore.OpDrop
		ev.Payload, _ = json.Marshal(map[string]int{"drop_index": op.DropIndex})
	}
	return ev
}
