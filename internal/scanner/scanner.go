// Package scanner classifies the three structural defect classes in a
// parsed log without mutating it, grounded on the teacher's
// cmd/bd/doctor read-only check pattern (DoctorCheck: a pure function from
// log state to a report, never a repair).
package scanner

import (
	"github.com/logrepair/core/internal/dag"
	"github.com/logrepair/core/internal/record"
)

// DefectKind discriminates the three defect classes from spec.md §3.
type DefectKind string

const (
	MissingToolResult  DefectKind = "missing_tool_result"
	DuplicateToolResult DefectKind = "duplicate_tool_result"
	OrphanParent       DefectKind = "orphan_parent"
)

// Context is a bounded, human-readable pointer to where a defect was found.
type Context struct {
	RecordUUID   string
	LineNo       int
	Snippet      string
	OperatorHint string
}

// Defect is one structural flaw found by the scanner. Only the fields
// relevant to Kind are populated; the rest are zero.
type Defect struct {
	Kind DefectKind

	// MissingToolResult
	AssistantUUID      string
	ToolUseID          string
	NextUserUUID       string // the following user record's uuid, when one exists
	SyntheticUserUUID  string // set when no following user record exists at all

	// DuplicateToolResult
	UserUUID    string
	KeepIndex   int
	DropIndexes []int
	OOMRisk     bool

	// OrphanParent
	ChildUUID     string
	OldParentUUID string

	Context Context
}

// Counters is the scanner's observability contract (spec.md §4.4).
type Counters struct {
	BlocksExamined  int
	BlocksValid     int
	BlocksInvalid   int
	DefectsByKind   map[DefectKind]int
	CyclesDetected  int
}

// Report is the scanner's full output for one log.
type Report struct {
	Defects  []Defect
	Counters Counters
}

// Clean reports whether the log has no defects.
func (r *Report) Clean() bool { return len(r.Defects) == 0 }

const maxContextEntries = 500

// Scan walks records in log order and the pre-built graph to produce a
// DefectReport. oomThreshold is the duplicate-id count above which a
// DuplicateToolResult is additionally flagged OOMRisk (spec.md §4.4,
// default 100, configurable via scanner.oom_threshold).
func Scan(records []*record.Record, graph *dag.Graph, oomThreshold int) *Report {
	if oomThreshold <= 0 {
		oomThreshold = 100
	}
	report := &Report{Counters: Counters{DefectsByKind: map[DefectKind]int{}}}

	byUUID := make(map[string]*record.Record, len(records))
	for _, r := range records {
		byUUID[r.UUID] = r
	}

	scanMissingToolResults(records, report)
	scanDuplicateToolResults(records, oomThreshold, report)
	scanOrphans(records, graph, report)
	countBlocks(records, report)

	return report
}

func scanMissingToolResults(records []*record.Record, report *Report) {
	for i, r := range records {
		if r.Kind != record.KindAssistant {
			continue
		}
		ids := r.ToolUseIDs()
		if len(ids) == 0 {
			continue
		}

		var next *record.Record
		for j := i + 1; j < len(records); j++ {
			if records[j].Kind == record.KindUser {
				next = records[j]
				break
			}
		}

		answered := map[string]bool{}
		if next != nil {
			for _, b := range next.Content {
				if b.Type == record.BlockToolResult {
					answered[b.ToolUseID] = true
				}
			}
		}

		for _, id := range ids {
			if answered[id] {
				continue
			}
			d := Defect{
				Kind:          MissingToolResult,
				AssistantUUID: r.UUID,
				ToolUseID:     id,
				Context: Context{
					RecordUUID:   r.UUID,
					LineNo:       r.LineNo,
					OperatorHint: "interrupted tool call: no matching tool_result in the next user record",
				},
			}
			if next != nil {
				d.NextUserUUID = next.UUID
			} else {
				// spec.md §4.4: the scanner synthesizes a virtual trailing
				// user record slot; the repair engine may materialize it.
				d.SyntheticUserUUID = "synthetic:" + r.UUID + ":" + id
			}
			addDefect(report, d)
		}
	}
}

func scanDuplicateToolResults(records []*record.Record, oomThreshold int, report *Report) {
	for _, r := range records {
		if r.Kind != record.KindUser {
			continue
		}
		seen := map[string][]int{}
		for i, b := range r.Content {
			if b.Type != record.BlockToolResult || b.ToolUseID == "" {
				continue
			}
			seen[b.ToolUseID] = append(seen[b.ToolUseID], i)
		}
		for id, positions := range seen {
			if len(positions) <= 1 {
				continue
			}
			var validPositions []int
			for _, p := range positions {
				if record.ValidateBlock(r.Content[p], p).Valid() {
					validPositions = append(validPositions, p)
				}
			}
			if len(validPositions) <= 1 {
				// Policy: invalid duplicates are omitted from the drop set,
				// but the occurrence still influenced detection (spec.md §9
				// asymmetry, preserved as-is).
				continue
			}
			d := Defect{
				Kind:        DuplicateToolResult,
				UserUUID:    r.UUID,
				ToolUseID:   id,
				KeepIndex:   validPositions[0],
				DropIndexes: append([]int(nil), validPositions[1:]...),
				OOMRisk:     len(positions) > oomThreshold,
				Context: Context{
					RecordUUID:   r.UUID,
					LineNo:       r.LineNo,
					OperatorHint: "replay duplication: tool_use_id repeated within one user record",
				},
			}
			addDefect(report, d)
		}
	}
}

func scanOrphans(records []*record.Record, graph *dag.Graph, report *Report) {
	for _, r := range records {
		if r.ParentUUID == "" {
			continue
		}
		if graph != nil && graph.Resolves(r.ParentUUID) {
			continue
		}
		addDefect(report, Defect{
			Kind:          OrphanParent,
			ChildUUID:     r.UUID,
			OldParentUUID: r.ParentUUID,
			Context: Context{
				RecordUUID:   r.UUID,
				LineNo:       r.LineNo,
				OperatorHint: "parentage corruption: parent_uuid does not resolve in this log",
			},
		})
	}
}

func countBlocks(records []*record.Record, report *Report) {
	for _, r := range records {
		for i, b := range r.Content {
			report.Counters.BlocksExamined++
			if record.ValidateBlock(b, i).Valid() {
				report.Counters.BlocksValid++
			} else {
				report.Counters.BlocksInvalid++
			}
		}
	}
}

func addDefect(report *Report, d Defect) {
	if len(report.Defects) >= maxContextEntries {
		// Context is bounded per spec.md §4.4; drop the snippet/hint but
		// keep counting so defects_by_kind still reflects the true total.
		d.Context = Context{}
	}
	report.Defects = append(report.Defects, d)
	report.Counters.DefectsByKind[d.Kind]++
}
