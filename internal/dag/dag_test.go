package dag

import (
	"testing"
	"time"

	"github.com/logrepair/core/internal/record"
)

func rec(uuid, parent string, ts time.Time) *record.Record {
	return &record.Record{UUID: uuid, ParentUUID: parent, Timestamp: ts}
}

func TestBuild_Classification(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{
		rec("root", "", base),
		rec("mid", "root", base.Add(time.Second)),
		rec("leaf", "mid", base.Add(2*time.Second)),
		rec("orphan", "missing", base.Add(3*time.Second)),
	}
	g, err := Build(recs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Node("root").Kind != KindRoot {
		t.Errorf("expected root, got %s", g.Node("root").Kind)
	}
	if g.Node("mid").Kind != KindInternal {
		t.Errorf("expected internal, got %s", g.Node("mid").Kind)
	}
	if g.Node("leaf").Kind != KindLeaf {
		t.Errorf("expected leaf, got %s", g.Node("leaf").Kind)
	}
	if g.Node("orphan").Kind != KindOrphan {
		t.Errorf("expected orphan, got %s", g.Node("orphan").Kind)
	}
}

func TestBuild_SelfCycle(t *testing.T) {
	recs := []*record.Record{rec("a", "a", time.Unix(0, 0))}
	_, err := Build(recs)
	if err == nil {
		t.Fatal("expected cycle error for self-parent")
	}
	var cycErr *CycleError
	if !asCycleError(err, &cycErr) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
}

func TestBuild_TwoCycle(t *testing.T) {
	recs := []*record.Record{
		rec("a", "b", time.Unix(0, 0)),
		rec("b", "a", time.Unix(1, 0)),
	}
	_, err := Build(recs)
	if err == nil {
		t.Fatal("expected cycle error for two-node cycle")
	}
}

func TestAncestorsAndDescendants(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{
		rec("root", "", base),
		rec("mid", "root", base.Add(time.Second)),
		rec("leaf", "mid", base.Add(2*time.Second)),
	}
	g, err := Build(recs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	anc := g.Ancestors("leaf", 0)
	if len(anc) != 2 || anc[0] != "mid" || anc[1] != "root" {
		t.Fatalf("unexpected ancestors: %v", anc)
	}
	desc := g.Descendants("root", 0)
	if len(desc) != 2 {
		t.Fatalf("unexpected descendants: %v", desc)
	}
}

func TestPreOrder_TieBreakByInsertion(t *testing.T) {
	same := time.Unix(5, 0)
	recs := []*record.Record{
		rec("b", "", same),
		rec("a", "", same),
	}
	g, err := Build(recs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	order := g.PreOrder()
	if order[0] != "b" || order[1] != "a" {
		t.Fatalf("expected insertion-order tie-break, got %v", order)
	}
}

func asCycleError(err error, target **CycleError) bool {
	ce, ok := err.(*CycleError)
	if ok {
		*target = ce
	}
	return ok
}
