package eventstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndQueryForSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	score := 0.9
	ev := Event{
		EventID:         "e1",
		SessionID:       "s1",
		RecordUUID:      "r1",
		OperationKind:   OpRelink,
		OldParent:       "old",
		NewParent:       "new",
		Operator:        "test",
		Reason:          "relink",
		Timestamp:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		SimilarityScore: &score,
	}
	if err := s.Append(ctx, ev); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	events, err := s.QueryForSession(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventID != "e1" || events[0].NewParent != "new" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].SimilarityScore == nil || *events[0].SimilarityScore != 0.9 {
		t.Fatalf("expected similarity score 0.9, got %+v", events[0].SimilarityScore)
	}
}

func TestQueryForRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"e1", "e2"} {
		ev := Event{
			EventID:       id,
			SessionID:     "s1",
			RecordUUID:    "r1",
			OperationKind: OpDrop,
			Operator:      "test",
			Reason:        "drop",
			Timestamp:     time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC),
		}
		if err := s.Append(ctx, ev); err != nil {
			t.Fatalf("unexpected: %v", err)
		}
	}

	events, err := s.QueryForRecord(ctx, "r1")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestNoUpdateTrigger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := Event{
		EventID:       "e1",
		SessionID:     "s1",
		RecordUUID:    "r1",
		OperationKind: OpDrop,
		Operator:      "test",
		Reason:        "drop",
		Timestamp:     time.Now(),
	}
	if err := s.Append(ctx, ev); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE repairs_events SET is_reverted = 1 WHERE event_id = ?`, "e1"); err == nil {
		t.Fatal("expected UPDATE against repairs_events to be rejected by the no-update trigger")
	}

	events, err := s.QueryForSession(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if events[0].IsReverted {
		t.Fatal("is_reverted must never be set by a physical UPDATE")
	}
}

func TestAppendEnforcesMonotonicTimestampPerSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := s.Append(ctx, Event{
		EventID:       "e1",
		SessionID:     "s1",
		RecordUUID:    "r1",
		OperationKind: OpDrop,
		Operator:      "test",
		Reason:        "drop",
		Timestamp:     early,
	}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	// A second append with an equal (or earlier) timestamp must still land
	// strictly after the first once stored, per spec.md §5.
	if err := s.Append(ctx, Event{
		EventID:       "e2",
		SessionID:     "s1",
		RecordUUID:    "r1",
		OperationKind: OpDrop,
		Operator:      "test",
		Reason:        "drop",
		Timestamp:     early,
	}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	events, err := s.QueryForSession(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if !events[1].Timestamp.After(events[0].Timestamp) {
		t.Fatalf("expected strictly increasing timestamps, got %v then %v", events[0].Timestamp, events[1].Timestamp)
	}
}

func TestHealthProbe(t *testing.T) {
	s := openTestStore(t)
	if err := s.HealthProbe(context.Background()); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}
