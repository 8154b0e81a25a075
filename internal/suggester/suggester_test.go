package suggester

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/logrepair/core/internal/dag"
	"github.com/logrepair/core/internal/record"
)

func rec(uuid, parent, session string, ts time.Time) *record.Record {
	return &record.Record{UUID: uuid, ParentUUID: parent, SessionID: session, Timestamp: ts}
}

func textBlock(text string) record.Block {
	raw, _ := json.Marshal(text)
	return record.Block{Type: "text", Fields: map[string]json.RawMessage{"text": raw}}
}

// Scenario 3: orphan relink candidates.
func TestSuggest_RanksBySimilarity(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{
		rec("A", "", "s1", base),
		rec("B", "A", "s1", base.Add(time.Minute)),
		rec("C", "X", "s1", base.Add(2*time.Minute)),
	}
	// A shares most of C's text, B shares little; with empty content every
	// candidate would score below the floor.
	recs[0].Content = []record.Block{textBlock("list the files in the repo")}
	recs[1].Content = []record.Block{textBlock("what is the weather")}
	recs[2].Content = []record.Block{textBlock("list the files in the repo please")}
	g, err := dag.Build(recs)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	res, err := Suggest(context.Background(), g, "C", DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(res.Candidates) == 0 {
		t.Fatal("expected at least one candidate")
	}
	if res.Candidates[0].UUID != "A" {
		t.Fatalf("expected the most similar record A to rank first, got %+v", res.Candidates)
	}
	for _, c := range res.Candidates {
		if c.Score < DefaultConfig().Floor {
			t.Fatalf("candidate below floor leaked through: %+v", c)
		}
	}
}

func TestSuggest_EmptyBelowFloor(t *testing.T) {
	// Far apart in time, different sessions, no shared text: should fall
	// below the default floor and report "below_threshold".
	far := time.Unix(0, 0)
	recs := []*record.Record{
		rec("A", "", "s1", far),
		rec("C", "X", "s2", far.Add(365*24*time.Hour)),
	}
	g, err := dag.Build(recs)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	res, err := Suggest(context.Background(), g, "C", DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(res.Candidates) != 0 {
		t.Fatalf("expected no candidates, got %+v", res.Candidates)
	}
	if res.Reason != "below_threshold" {
		t.Fatalf("expected below_threshold reason, got %q", res.Reason)
	}
}

func TestSuggest_TopKRespected(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{rec("child", "missing", "s1", base.Add(10 * time.Minute))}
	for i := 0; i < 10; i++ {
		recs = append(recs, rec(string(rune('a'+i)), "", "s1", base.Add(10*time.Minute)))
	}
	g, err := dag.Build(recs)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	cfg := DefaultConfig()
	cfg.TopK = 3
	res, err := Suggest(context.Background(), g, "child", cfg)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(res.Candidates) > 3 {
		t.Fatalf("expected at most 3 candidates, got %d", len(res.Candidates))
	}
}
