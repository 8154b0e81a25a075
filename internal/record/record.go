// Package record implements the codec and data model for one line of a
// conversation log: parsing tolerant of malformed input, and deterministic
// serialization for well-formed records.
package record

import (
	"encoding/json"
	"time"
)

// Kind discriminates the top-level record types.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindSystem    Kind = "system"
	KindSummary   Kind = "summary"
	KindOther     Kind = "other"
)

// BlockType discriminates content block types. Only tool_use and
// tool_result are interpreted by the core; every other type is opaque.
type BlockType string

const (
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one element of a record's content list. Fields holds every JSON
// field of the block other than type, id, tool_use_id and is_error (which
// live in the named fields below), so that opaque block fields round-trip
// unchanged.
type Block struct {
	Type BlockType

	// ID is the tool_use block's own identifier.
	ID string
	// ToolUseID is the tool_result block's reference to a tool_use's ID.
	ToolUseID string
	// IsError marks a tool_result as an error response (used by synthetic
	// cancellation results).
	IsError bool

	Fields map[string]json.RawMessage
}

// Record is the unit of the log: one parsed JSON line.
type Record struct {
	Kind       Kind
	UUID       string
	ParentUUID string
	Timestamp  time.Time
	SessionID  string
	Content    []Block

	// Extra carries unrecognized top-level fields so the open field set
	// round-trips unchanged.
	Extra map[string]json.RawMessage

	// LineNo is the 1-based source line number, 0 for synthetic records.
	LineNo int

	// raw is the exact original line (without trailing newline). Non-nil
	// only for records parsed from input and never mutated since.
	raw []byte

	// seq is the insertion order within the log, used to break ties when
	// timestamps are equal.
	seq int
}

// Seq returns the record's insertion-order position within its log.
func (r *Record) Seq() int { return r.seq }

// SetSeq assigns the insertion-order position. Called by the DAG builder
// while constructing pre-order traversal order.
func (r *Record) SetSeq(n int) { r.seq = n }

// Touch marks the record as modified, forcing Serialize to re-derive bytes
// from the structured fields instead of echoing the original line.
func (r *Record) Touch() { r.raw = nil }

// IsDirty reports whether the record has been modified since it was parsed
// (or was never parsed from raw bytes at all, e.g. a synthetic record).
func (r *Record) IsDirty() bool { return r.raw == nil }

// ToolUseIDs returns the IDs of every tool_use block in the record's
// content, in content order.
func (r *Record) ToolUseIDs() []string {
	var ids []string
	for _, b := range r.Content {
		if b.Type == BlockToolUse && b.ID != "" {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

// ToolResultIndexes returns the content indexes of every tool_result block
// whose ToolUseID matches id, in ascending order.
func (r *Record) ToolResultIndexes(toolUseID string) []int {
	var idx []int
	for i, b := range r.Content {
		if b.Type == BlockToolResult && b.ToolUseID == toolUseID {
			idx = append(idx, i)
		}
	}
	return idx
}

// DropBlock removes the block at position i from Content and marks the
// record dirty. It is a no-op if i is out of range.
func (r *Record) DropBlock(i int) {
	if i < 0 || i >= len(r.Content) {
		return
	}
	r.Content = append(r.Content[:i:i], r.Content[i+1:]...)
	r.Touch()
}

// InsertBlock inserts b at position i (clamped to [0, len(Content)]) and
// marks the record dirty.
func (r *Record) InsertBlock(i int, b Block) {
	if i < 0 {
		i = 0
	}
	if i > len(r.Content) {
		i = len(r.Content)
	}
	r.Content = append(r.Content[:i:i], append([]Block{b}, r.Content[i:]...)...)
	r.Touch()
}

// SetParentUUID relinks the record to a new parent and marks it dirty.
func (r *Record) SetParentUUID(parent string) {
	r.ParentUUID = parent
	r.Touch()
}

// SyntheticCancelResult builds the tool_result block emitted by the
// synth_cancel repair policy for an unanswered tool_use.
func SyntheticCancelResult(toolUseID string) Block {
	return Block{
		Type:      BlockToolResult,
		ToolUseID: toolUseID,
		IsError:   true,
		// Fields carries only what isn't already represented by the named
		// struct fields above (Type/ToolUseID/IsError); serializeBlock
		// writes both and would duplicate JSON keys otherwise.
		Fields: map[string]json.RawMessage{
			"content": mustRaw("cancelled"),
		},
	}
}

// NewSyntheticUserRecord builds the virtual trailing user record the
// repair engine materializes when an assistant record's last tool_use has
// no following user record at all (spec.md §4.4/§9 "append synthetic").
func NewSyntheticUserRecord(uuid, parentUUID, sessionID string, ts time.Time, block Block) *Record {
	return &Record{
		Kind:       KindUser,
		UUID:       uuid,
		ParentUUID: parentUUID,
		SessionID:  sessionID,
		Timestamp:  ts,
		Content:    []Block{block},
	}
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only ever called with trivially-marshalable literals above.
		panic(err)
	}
	return json.RawMessage(b)
}
