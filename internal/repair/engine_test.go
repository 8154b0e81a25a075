package repair

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/logrepair/core/internal/dag"
	"github.com/logrepair/core/internal/record"
	"github.com/logrepair/core/internal/scanner"
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

func TestBuild_MissingToolResultSynthCancel(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{
		mkRecord(record.KindAssistant, "a", "", base, toolUse("T1")),
		mkRecord(record.KindUser, "u", "a", base.Add(time.Second), record.Block{Type: "text"}),
	}
	g, err := dag.Build(recs)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	report := scanner.Scan(recs, g, 0)
	plan, err := Build(context.Background(), recs, g, report, DefaultPolicy())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(plan.Operations) != 1 || plan.Operations[0].Kind != OpInsertSynthetic {
		t.Fatalf("expected one insert op, got %+v", plan.Operations)
	}
	if plan.Operations[0].RecordUUID != "u" {
		t.Fatalf("expected the insert to target the next user record, got %q", plan.Operations[0].RecordUUID)
	}

	byUUID := map[string]*record.Record{"a": recs[0], "u": recs[1]}
	recs = Apply(recs, byUUID, plan)
	if recs[0].IsDirty() {
		t.Fatal("expected the assistant record to be untouched")
	}
	if len(recs) != 2 {
		t.Fatalf("expected no new records for the non-trailing case, got %d", len(recs))
	}
	if len(recs[1].Content) != 2 || recs[1].Content[0].Type != record.BlockToolResult || recs[1].Content[0].ToolUseID != "T1" {
		t.Fatalf("expected the synthetic tool_result prepended to the user record, got %+v", recs[1].Content)
	}
}

func TestBuild_MissingToolResultSynthCancel_TrailingCreatesRecord(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{
		mkRecord(record.KindAssistant, "a", "", base, toolUse("T1")),
	}
	recs[0].SessionID = "s1"
	g, err := dag.Build(recs)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	report := scanner.Scan(recs, g, 0)
	plan, err := Build(context.Background(), recs, g, report, DefaultPolicy())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(plan.Operations) != 1 || !plan.Operations[0].NewRecord {
		t.Fatalf("expected one new-record insert op, got %+v", plan.Operations)
	}

	byUUID := map[string]*record.Record{"a": recs[0]}
	recs = Apply(recs, byUUID, plan)
	if len(recs) != 2 {
		t.Fatalf("expected the synthetic trailing user record to be appended, got %d records", len(recs))
	}
	if recs[1].Kind != record.KindUser || recs[1].ParentUUID != "a" || recs[1].SessionID != "s1" {
		t.Fatalf("expected a synthetic user record parented to the assistant, got %+v", recs[1])
	}
	if len(recs[1].Content) != 1 || recs[1].Content[0].ToolUseID != "T1" {
		t.Fatalf("expected the synthetic tool_result as the record's only content, got %+v", recs[1].Content)
	}
}

func TestBuild_DuplicateKeepFirst(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{
		mkRecord(record.KindUser, "u", "", base, toolResult("T2"), toolResult("T2")),
	}
	g, _ := dag.Build(recs)
	report := scanner.Scan(recs, g, 0)
	plan, err := Build(context.Background(), recs, g, report, DefaultPolicy())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(plan.Operations) != 1 || plan.Operations[0].Kind != OpDrop || plan.Operations[0].DropIndex != 1 {
		t.Fatalf("expected one drop at index 1, got %+v", plan.Operations)
	}

	byUUID := map[string]*record.Record{"u": recs[0]}
	recs = Apply(recs, byUUID, plan)
	if len(recs[0].Content) != 1 {
		t.Fatalf("expected one block remaining, got %d", len(recs[0].Content))
	}
}

func TestBuild_OrphanLeavePolicyProducesNoOp(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{
		mkRecord(record.KindUser, "A", "", base),
		mkRecord(record.KindUser, "C", "X", base.Add(time.Second)),
	}
	g, err := dag.Build(recs)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	report := scanner.Scan(recs, g, 0)
	policy := DefaultPolicy()
	policy.Orphan = LeaveOrphan
	plan, err := Build(context.Background(), recs, g, report, policy)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(plan.Operations) != 0 {
		t.Fatalf("expected no operations under leave policy, got %+v", plan.Operations)
	}
}

func TestBuild_OrphanDropSubtree(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{
		mkRecord(record.KindUser, "A", "", base),
		mkRecord(record.KindUser, "C", "X", base.Add(time.Second)),
	}
	g, err := dag.Build(recs)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	report := scanner.Scan(recs, g, 0)
	policy := DefaultPolicy()
	policy.Orphan = DropSubtree
	plan, err := Build(context.Background(), recs, g, report, policy)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(plan.Operations) != 1 || plan.Operations[0].Kind != OpDrop || plan.Operations[0].RecordUUID != "C" {
		t.Fatalf("expected one drop op for C, got %+v", plan.Operations)
	}
}

func TestBuild_StaleDefectOmittedNotPartial(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{
		mkRecord(record.KindUser, "u", "", base, toolResult("T2"), toolResult("T2")),
	}
	g, _ := dag.Build(recs)
	report := scanner.Scan(recs, g, 0)

	// Simulate a concurrent edit: the record referenced by the defect is
	// gone from the slice passed to Build.
	plan, err := Build(context.Background(), nil, g, report, DefaultPolicy())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(plan.Operations) != 0 {
		t.Fatalf("expected no operations when the record is stale, got %+v", plan.Operations)
	}
	if len(plan.Stale) != 1 {
		t.Fatalf("expected one stale defect, got %+v", plan.Stale)
	}
}

func TestBuild_OrderingOrphansBeforeDuplicatesBeforeInsertions(t *testing.T) {
	base := time.Unix(0, 0)
	recs := []*record.Record{
		mkRecord(record.KindUser, "root", "", base),
		mkRecord(record.KindAssistant, "a", "root", base.Add(time.Second), toolUse("T1")),
		mkRecord(record.KindUser, "dup", "a", base.Add(2*time.Second), toolResult("T2"), toolResult("T2")),
		mkRecord(record.KindUser, "orphan", "ghost", base.Add(3*time.Second)),
	}
	g, err := dag.Build(recs)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	report := scanner.Scan(recs, g, 0)
	policy := DefaultPolicy()
	plan, err := Build(context.Background(), recs, g, report, policy)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	var sawDup, sawInsert bool
	for _, op := range plan.Operations {
		if op.Kind == OpRelink && (sawDup || sawInsert) {
			t.Fatal("relink must come before drop/insert operations")
		}
		if op.RecordUUID == "dup" {
			sawDup = true
		}
		if op.Kind == OpInsertSynthetic {
			if !sawDup && hasDupOp(plan.Operations) {
				t.Fatal("insertions must come after duplicate drops")
			}
			sawInsert = true
		}
	}
}

func hasDupOp(ops []Operation) bool {
	for _, op := range ops {
		if op.RecordUUID == "dup" {
			return true
		}
	}
	return false
}
