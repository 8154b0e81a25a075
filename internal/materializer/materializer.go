// Package materializer replays event-store events onto an in-memory DAG
// to produce a consistent view of a session's log under persistence
// Backend B, grounded on the teacher's internal/audit (a generic
// append-only entry log read back sequentially) generalized from "replay
// interactions for display" to "replay repair events onto a record set"
// (spec.md §4.8).
package materializer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/logrepair/core/internal/dag"
	"github.com/logrepair/core/internal/eventstore"
	"github.com/logrepair/core/internal/record"
)

// SourceReader loads the original, unmodified records for a session. The
// materializer never mutates what this returns; it copies before
// replaying events onto it.
type SourceReader interface {
	ReadSession(ctx context.Context, sessionID string) ([]*record.Record, error)
}

// MaterializedLog is the consistent view produced by Materialize:
// identical to what Backend A would have produced had the same sequence
// of operations been applied to the file (spec.md §4.8).
type MaterializedLog struct {
	SessionID string
	Records   []*record.Record
	Graph     *dag.Graph
	// AppliedEvents is every non-reverted event folded into this view, in
	// replay order.
	AppliedEvents []eventstore.Event
}

type cacheEntry struct {
	view      *MaterializedLog
	expiresAt time.Time
}

// Materializer owns the process-local bounded cache described in spec.md
// §4.8. No suitable third-party typed-cache library was found in the
// retrieved corpus (VictoriaMetrics/fastcache in go-ethereum is
// byte-slice-oriented and would add a serialization layer for no
// benefit) so the cache is a stdlib sync.RWMutex-guarded map, justified
// per the "no suitable library" exception.
type Materializer struct {
	source SourceReader
	store  *eventstore.Store
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New returns a Materializer. ttl defaults to 300 seconds if zero or
// negative (spec.md §4.8/§6 default materializer.ttl_seconds).
func New(source SourceReader, store *eventstore.Store, ttl time.Duration) *Materializer {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Materializer{
		source: source,
		store:  store,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
	}
}

// Materialize returns the consistent view for sessionID, serving from
// cache when fresh. Concurrent readers may see either the old or the new
// view, never a partial one: cache entries are replaced atomically under
// the write lock.
func (m *Materializer) Materialize(ctx context.Context, sessionID string) (*MaterializedLog, error) {
	if view, ok := m.cached(sessionID); ok {
		return view, nil
	}

	view, err := m.rebuild(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[sessionID] = cacheEntry{view: view, expiresAt: time.Now().Add(m.ttl)}
	m.mu.Unlock()

	return view, nil
}

func (m *Materializer) cached(sessionID string) (*MaterializedLog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.cache[sessionID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.view, true
}

// Invalidate drops sessionID's cached view, forcing the next Materialize
// to rebuild (spec.md §4.8 explicit invalidate(session_id)).
func (m *Materializer) Invalidate(sessionID string) {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()
}

// InvalidateOnAppend must be called after every successful event-store
// append for sessionID (spec.md §4.8 trigger (a)).
func (m *Materializer) InvalidateOnAppend(sessionID string) { m.Invalidate(sessionID) }

func (m *Materializer) rebuild(ctx context.Context, sessionID string) (*MaterializedLog, error) {
	original, err := m.source.ReadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	records := cloneRecords(original)
	byUUID := make(map[string]*record.Record, len(records))
	for _, r := range records {
		byUUID[r.UUID] = r
	}

	events, err := m.store.QueryForSession(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}

	reverted := make(map[string]bool, len(events))
	for _, ev := range events {
		if ev.OperationKind == eventstore.OpRevert && ev.RevertsEventID != "" {
			reverted[ev.RevertsEventID] = true
		}
	}

	var applied []eventstore.Event
	for _, ev := range events {
		if ev.OperationKind == eventstore.OpRevert || reverted[ev.EventID] {
			continue
		}
		records = applyEvent(records, byUUID, ev)
		applied = append(applied, ev)
	}

	g, err := dag.Build(records)
	if err != nil {
		// A cycle introduced by replay still yields a usable view for
		// inspection; the graph is simply nil and callers must re-scan.
		return &MaterializedLog{SessionID: sessionID, Records: records, AppliedEvents: applied}, nil
	}

	return &MaterializedLog{SessionID: sessionID, Records: records, Graph: g, AppliedEvents: applied}, nil
}

// insertSyntheticPayload mirrors eventsourced.insertSyntheticPayload; kept
// as a private mirror rather than a shared import so the materializer
// depends only on the event-store's wire shape, not the persistence
// package that writes it.
type insertSyntheticPayload struct {
	Block       record.Block `json:"block"`
	InsertIndex int          `json:"insert_index"`
	NewRecord   bool         `json:"new_record"`
	SessionID   string       `json:"session_id"`
	Timestamp   time.Time    `json:"timestamp"`
}

func applyEvent(records []*record.Record, byUUID map[string]*record.Record, ev eventstore.Event) []*record.Record {
	switch ev.OperationKind {
	case eventstore.OpRelink:
		if r, ok := byUUID[ev.RecordUUID]; ok {
			r.SetParentUUID(ev.NewParent)
		}
	case eventstore.OpDrop:
		var payload struct {
			DropIndex int `json:"drop_index"`
		}
		if r, ok := byUUID[ev.RecordUUID]; ok {
			if err := json.Unmarshal(ev.Payload, &payload); err == nil {
				r.DropBlock(payload.DropIndex)
			}
		}
	case eventstore.OpInsertSynthetic:
		var payload insertSyntheticPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return records
		}
		if payload.NewRecord {
			nr := record.NewSyntheticUserRecord(ev.RecordUUID, ev.NewParent, payload.SessionID, payload.Timestamp, payload.Block)
			byUUID[nr.UUID] = nr
			return insertRecordAfter(records, ev.NewParent, nr)
		}
		if r, ok := byUUID[ev.RecordUUID]; ok {
			r.InsertBlock(payload.InsertIndex, payload.Block)
		}
	}
	return records
}

// insertRecordAfter mirrors repair.insertRecordAfter for the same reason
// applyEvent's payload type does: replay must not import the engine that
// produced the event, only the event-store's wire shape.
func insertRecordAfter(records []*record.Record, afterUUID string, nr *record.Record) []*record.Record {
	for i, r := range records {
		if r.UUID == afterUUID {
			out := make([]*record.Record, 0, len(records)+1)
			out = append(out, records[:i+1]...)
			out = append(out, nr)
			out = append(out, records[i+1:]...)
			return out
		}
	}
	return append(records, nr)
}

func cloneRecords(records []*record.Record) []*record.Record {
	out := make([]*record.Record, len(records))
	for i, r := range records {
		cp := *r
		cp.Content = append([]record.Block(nil), r.Content...)
		out[i] = &cp
	}
	return out
}
