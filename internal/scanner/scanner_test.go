package scanner

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/logrepair/core/internal/dag"
	"github.com/logrepair/core/internal/record"
)

func mkRecord(kind record.Kind, uuid, parent string, ts time.Time, blocks ...record.Block) *record.Record {
	return &record.Record{Kind: kind, UUID: uuid, ParentUUID: parent, Timestamp: ts, Content: blocks}
}

func toolUse(id string) record.Block {
	return record.Block{Type: record.BlockToolUse, ID: id}
}

func toolResult(id string) record.Block {
	return record.Block{Type: record.BlockToolResult, ToolUseID: id, Fields: map[string]json.RawMessage{}}
}

// Scenario 1: interrupted tool call.
func TestScan_MissingToolResult(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{
		mkRecord(record.KindAssistant, "a", "", base, toolUse("T1")),
		mkRecord(record.KindUser, "u", "a", base.Add(time.Second)),
	}
	g, err := dag.Build(recs)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	report := Scan(recs, g, 0)
	if len(report.Defects) != 1 || report.Defects[0].Kind != MissingToolResult {
		t.Fatalf("expected one MissingToolResult, got %+v", report.Defects)
	}
	if report.Defects[0].ToolUseID != "T1" {
		t.Fatalf("unexpected tool_use_id: %s", report.Defects[0].ToolUseID)
	}
}

// Scenario 2: duplicate tool-result.
func TestScan_DuplicateToolResult(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{
		mkRecord(record.KindUser, "u", "", base, toolResult("T2"), toolResult("T2")),
	}
	g, _ := dag.Build(recs)
	report := Scan(recs, g, 0)
	if len(report.Defects) != 1 || report.Defects[0].Kind != DuplicateToolResult {
		t.Fatalf("expected one DuplicateToolResult, got %+v", report.Defects)
	}
	d := report.Defects[0]
	if d.KeepIndex != 0 || len(d.DropIndexes) != 1 || d.DropIndexes[0] != 1 {
		t.Fatalf("unexpected keep/drop indexes: keep=%d drop=%v", d.KeepIndex, d.DropIndexes)
	}
}

// Scenario 5: explosion guard.
func TestScan_OOMRiskFlag(t *testing.T) {
	base := time.Unix(0, 0)
	blocks := make([]record.Block, 0, 250)
	for i := 0; i < 250; i++ {
		blocks = append(blocks, toolResult("T9"))
	}
	recs := []*record.Record{mkRecord(record.KindUser, "u", "", base, blocks...)}
	g, _ := dag.Build(recs)
	report := Scan(recs, g, 100)
	if len(report.Defects) != 1 {
		t.Fatalf("expected one defect, got %d", len(report.Defects))
	}
	d := report.Defects[0]
	if !d.OOMRisk {
		t.Fatal("expected OOMRisk flag")
	}
	if len(d.DropIndexes) != 249 {
		t.Fatalf("expected 249 drop indexes, got %d", len(d.DropIndexes))
	}
}

// Scenario 3 precursor: orphan parent.
func TestScan_OrphanParent(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{
		mkRecord(record.KindUser, "A", "", base),
		mkRecord(record.KindUser, "B", "A", base.Add(time.Second)),
		mkRecord(record.KindUser, "C", "X", base.Add(2*time.Second)),
	}
	g, err := dag.Build(recs)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	report := Scan(recs, g, 0)
	if len(report.Defects) != 1 || report.Defects[0].Kind != OrphanParent {
		t.Fatalf("expected one OrphanParent, got %+v", report.Defects)
	}
	if report.Defects[0].ChildUUID != "C" || report.Defects[0].OldParentUUID != "X" {
		t.Fatalf("unexpected orphan defect: %+v", report.Defects[0])
	}
}

func TestScan_InvalidDuplicatesOmittedFromDropSet(t *testing.T) {
	base := time.Unix(0, 0)
	invalid := record.Block{Type: record.BlockToolResult, ToolUseID: ""}
	recs := []*record.Record{
		mkRecord(record.KindUser, "u", "", base, toolResult("T1"), invalid),
	}
	g, _ := dag.Build(recs)
	report := Scan(recs, g, 0)
	// Only one well-formed occurrence of T1 (the invalid one is excluded
	// from the drop set by policy, spec.md §9), so no duplicate is reported.
	if len(report.Defects) != 0 {
		t.Fatalf("expected no defects, got %+v", report.Defects)
	}
}

func TestScan_CleanLogHasNoDefects(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{
		mkRecord(record.KindAssistant, "a", "", base, toolUse("T1")),
		mkRecord(record.KindUser, "u", "a", base.Add(time.Second), toolResult("T1")),
	}
	g, _ := dag.Build(recs)
	report := Scan(recs, g, 0)
	if !report.Clean() {
		t.Fatalf("expected clean report, got %+v", report.Defects)
	}
}
