// Package repair turns a scanner.Report into an ordered, idempotent list
// of RepairOperations, grounded on the teacher's cmd/bd/doctor/fix family
// of policy-driven fix functions (FixOrphans, FixDuplicates, FixMissing),
// generalized from the issue-tracker's repair policies to this domain's
// three defect classes.
package repair

import (
	"context"
	"sort"
	"time"

	"github.com/logrepair/core/internal/dag"
	"github.com/logrepair/core/internal/record"
	"github.com/logrepair/core/internal/scanner"
	"github.com/logrepair/core/internal/suggester"
)

// OpKind discriminates the operation variants an engine run can produce.
type OpKind string

const (
	OpRelink           OpKind = "relink"
	OpInsertSynthetic  OpKind = "insert_synthetic_result"
	OpDrop             OpKind = "drop"
)

// DuplicatePolicy selects how duplicate tool_result blocks are resolved.
type DuplicatePolicy string

const (
	KeepFirst   DuplicatePolicy = "keep_first"
	KeepLast    DuplicatePolicy = "keep_last"
	DropInvalid DuplicatePolicy = "drop_invalid"
)

// MissingPolicy selects how unanswered tool_use blocks are resolved.
type MissingPolicy string

const (
	SynthCancel MissingPolicy = "synth_cancel"
	LeaveAsIs   MissingPolicy = "leave"
)

// OrphanPolicy selects how unresolved parent references are resolved.
type OrphanPolicy string

const (
	RelinkBest  OrphanPolicy = "relink_best"
	DropSubtree OrphanPolicy = "drop_subtree"
	LeaveOrphan OrphanPolicy = "leave"
)

// Policy bundles the three independent per-defect-class policies.
type Policy struct {
	Duplicate DuplicatePolicy
	Missing   MissingPolicy
	Orphan    OrphanPolicy

	// SuggesterConfig parameterizes candidate ranking when Orphan ==
	// RelinkBest. Zero value uses suggester.DefaultConfig().
	SuggesterConfig suggester.Config
}

// DefaultPolicy matches spec.md §4.5's implied safe defaults: never drop
// silently, prefer the least destructive resolution for each class.
func DefaultPolicy() Policy {
	return Policy{
		Duplicate: KeepFirst,
		Missing:   SynthCancel,
		Orphan:    RelinkBest,
	}
}

// Operation is one atomic, idempotent repair step. Only the fields
// relevant to Kind are populated.
type Operation struct {
	Kind OpKind

	// Common
	RecordUUID string

	// Relink
	OldParentUUID   string
	NewParentUUID   string
	SimilarityScore float64

	// InsertSyntheticResult. RecordUUID names the record receiving Block.
	// InsertIndex is the content position (0 = first, matching spec.md §8
	// scenario 1's "[tool_result, text \"next\"]"). When NewRecord is true,
	// RecordUUID/NewRecordParentUUID/NewRecordSessionID/NewRecordTimestamp
	// describe a brand-new synthetic user record to create and insert
	// immediately after NewRecordParentUUID in log order — used only for
	// the trailing, no-following-user-record case (spec.md §4.4/§9).
	ToolUseID           string
	Block               record.Block
	InsertIndex         int
	NewRecord           bool
	NewRecordParentUUID string
	NewRecordSessionID  string
	NewRecordTimestamp  time.Time

	// Drop
	DropIndex int

	// Reason is a short human-readable justification, surfaced in preview.
	Reason string
}

// Plan is the ordered output of Build: the operations to apply, plus any
// defects that could not be planned (stale or policy-excluded).
type Plan struct {
	Operations []Operation
	Stale      []StaleDefect
}

// StaleDefect records a defect that referred to a record no longer present
// in the log at plan time (spec.md §4.5 "concurrent edit" failure mode).
type StaleDefect struct {
	Kind   scanner.DefectKind
	Detail string
}

// Build converts a scanner.Report into a Plan, ordered so that orphans
// resolve before duplicates before insertions (spec.md §4.5: relinking may
// change parent chains inspected by downstream validators).
func Build(ctx context.Context, records []*record.Record, g *dag.Graph, report *scanner.Report, policy Policy) (*Plan, error) {
	byUUID := make(map[string]*record.Record, len(records))
	for _, r := range records {
		byUUID[r.UUID] = r
	}

	plan := &Plan{}

	var orphanOps, dupOps, insertOps []Operation

	for _, d := range report.Defects {
		switch d.Kind {
		case scanner.OrphanParent:
			op, stale, err := planOrphan(ctx, byUUID, g, d, policy)
			if err != nil {
				return nil, err
			}
			if stale != nil {
				plan.Stale = append(plan.Stale, *stale)
				continue
			}
			if op != nil {
				orphanOps = append(orphanOps, *op)
			}

		case scanner.DuplicateToolResult:
			ops, stale := planDuplicate(byUUID, d, policy)
			if stale != nil {
				plan.Stale = append(plan.Stale, *stale)
				continue
			}
			dupOps = append(dupOps, ops...)

		case scanner.MissingToolResult:
			op, stale := planMissing(byUUID, d, policy)
			if stale != nil {
				plan.Stale = append(plan.Stale, *stale)
				continue
			}
			if op != nil {
				insertOps = append(insertOps, *op)
			}
		}
	}

	sortRelinks(orphanOps)
	sortDrops(dupOps)

	plan.Operations = append(plan.Operations, orphanOps...)
	plan.Operations = append(plan.Operations, dupOps...)
	plan.Operations = append(plan.Operations, insertOps...)

	return plan, nil
}

func planOrphan(ctx context.Context, byUUID map[string]*record.Record, g *dag.Graph, d scanner.Defect, policy Policy) (*Operation, *StaleDefect, error) {
	if _, ok := byUUID[d.ChildUUID]; !ok {
		return nil, &StaleDefect{Kind: scanner.OrphanParent, Detail: "record " + d.ChildUUID + " no longer present"}, nil
	}

	switch policy.Orphan {
	case LeaveOrphan, "":
		return nil, nil, nil

	case DropSubtree:
		return &Operation{
			Kind:          OpDrop,
			RecordUUID:    d.ChildUUID,
			OldParentUUID: d.OldParentUUID,
			Reason:        "orphan subtree dropped: parent_uuid " + d.OldParentUUID + " does not resolve",
		}, nil, nil

	case RelinkBest:
		cfg := policy.SuggesterConfig
		if cfg.TopK == 0 && cfg.Floor == 0 && cfg.Scorer == nil {
			cfg = suggester.DefaultConfig()
		}
		res, err := suggester.Suggest(ctx, g, d.ChildUUID, cfg)
		if err != nil {
			return nil, nil, err
		}
		if len(res.Candidates) == 0 {
			// No confident candidate: leave it, do not guess.
			return nil, nil, nil
		}
		best := res.Candidates[0]
		return &Operation{
			Kind:            OpRelink,
			RecordUUID:      d.ChildUUID,
			OldParentUUID:   d.OldParentUUID,
			NewParentUUID:   best.UUID,
			SimilarityScore: best.Score,
			Reason:          "relinked to best-scoring candidate parent",
		}, nil, nil

	default:
		return nil, nil, nil
	}
}

func planDuplicate(byUUID map[string]*record.Record, d scanner.Defect, policy Policy) ([]Operation, *StaleDefect) {
	r, ok := byUUID[d.UserUUID]
	if !ok {
		return nil, &StaleDefect{Kind: scanner.DuplicateToolResult, Detail: "record " + d.UserUUID + " no longer present"}
	}
	if d.KeepIndex >= len(r.Content) {
		return nil, &StaleDefect{Kind: scanner.DuplicateToolResult, Detail: "content shrank since scan for " + d.UserUUID}
	}

	var keep int
	switch policy.Duplicate {
	case KeepLast:
		keep = d.KeepIndex
		if len(d.DropIndexes) > 0 {
			keep = d.DropIndexes[len(d.DropIndexes)-1]
		}
	case KeepFirst, DropInvalid, "":
		keep = d.KeepIndex
	default:
		keep = d.KeepIndex
	}

	var ops []Operation
	all := append([]int{d.KeepIndex}, d.DropIndexes...)
	for _, idx := range all {
		if idx == keep {
			continue
		}
		ops = append(ops, Operation{
			Kind:       OpDrop,
			RecordUUID: d.UserUUID,
			ToolUseID:  d.ToolUseID,
			DropIndex:  idx,
			Reason:     "duplicate tool_result for " + d.ToolUseID + " dropped",
		})
	}
	return ops, nil
}

func planMissing(byUUID map[string]*record.Record, d scanner.Defect, policy Policy) (*Operation, *StaleDefect) {
	assistant, ok := byUUID[d.AssistantUUID]
	if !ok {
		return nil, &StaleDefect{Kind: scanner.MissingToolResult, Detail: "record " + d.AssistantUUID + " no longer present"}
	}

	switch policy.Missing {
	case LeaveAsIs, "":
		return nil, nil
	case SynthCancel:
		block := record.SyntheticCancelResult(d.ToolUseID)
		reason := "synthetic cancellation result inserted for interrupted tool call " + d.ToolUseID

		if d.NextUserUUID != "" {
			if _, ok := byUUID[d.NextUserUUID]; !ok {
				return nil, &StaleDefect{Kind: scanner.MissingToolResult, Detail: "record " + d.NextUserUUID + " no longer present"}
			}
			return &Operation{
				Kind:        OpInsertSynthetic,
				RecordUUID:  d.NextUserUUID,
				ToolUseID:   d.ToolUseID,
				Block:       block,
				InsertIndex: 0,
				Reason:      reason,
			}, nil
		}

		// No following user record exists at all: materialize the virtual
		// trailing slot the scanner identified as a brand-new record.
		return &Operation{
			Kind:                OpInsertSynthetic,
			RecordUUID:          d.SyntheticUserUUID,
			ToolUseID:           d.ToolUseID,
			Block:               block,
			InsertIndex:         0,
			NewRecord:           true,
			NewRecordParentUUID: d.AssistantUUID,
			NewRecordSessionID:  assistant.SessionID,
			NewRecordTimestamp:  assistant.Timestamp.Add(time.Nanosecond),
			Reason:              reason,
		}, nil
	default:
		return nil, nil
	}
}

// sortRelinks orders relink operations by similarity score descending,
// ties broken by older timestamp then lexicographic uuid — but since
// Operation carries no timestamp, we fall back to uuid for determinism
// given equal scores (spec.md §4.5 numeric semantics).
func sortRelinks(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].SimilarityScore != ops[j].SimilarityScore {
			return ops[i].SimilarityScore > ops[j].SimilarityScore
		}
		return ops[i].RecordUUID < ops[j].RecordUUID
	})
}

func sortDrops(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].RecordUUID != ops[j].RecordUUID {
			return ops[i].RecordUUID < ops[j].RecordUUID
		}
		return ops[i].DropIndex > ops[j].DropIndex
	})
}

// Apply mutates records in-place according to plan, in order, and returns
// the (possibly lengthened) record slice: an InsertSynthetic operation
// with NewRecord set materializes a brand-new record rather than mutating
// an existing one, and that record must take its place in log order. It
// is the in-memory half of persistence backend A's apply_repair: callers
// that need atomicity/durability wrap this with their own backend
// semantics. Drop operations within a record are applied from the
// numerically largest index down so earlier indexes remain valid.
func Apply(records []*record.Record, byUUID map[string]*record.Record, plan *Plan) []*record.Record {
	for _, op := range plan.Operations {
		switch op.Kind {
		case OpRelink:
			if r, ok := byUUID[op.RecordUUID]; ok {
				r.SetParentUUID(op.NewParentUUID)
			}
		case OpDrop:
			if r, ok := byUUID[op.RecordUUID]; ok {
				r.DropBlock(op.DropIndex)
			}
		case OpInsertSynthetic:
			if op.NewRecord {
				nr := record.NewSyntheticUserRecord(op.RecordUUID, op.NewRecordParentUUID, op.NewRecordSessionID, op.NewRecordTimestamp, op.Block)
				byUUID[nr.UUID] = nr
				records = insertRecordAfter(records, op.NewRecordParentUUID, nr)
			} else if r, ok := byUUID[op.RecordUUID]; ok {
				r.InsertBlock(op.InsertIndex, op.Block)
			}
		}
	}
	return records
}

// insertRecordAfter places nr immediately after the record named afterUUID
// in records, preserving log order for the newly materialized trailing
// record; it appends to the end if afterUUID isn't found.
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
