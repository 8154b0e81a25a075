package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// LineError describes a line that could not be parsed into a Record. It
// carries the raw bytes so the caller can choose to skip or abort, and so
// the file-atomic backend can preserve the line verbatim on rewrite.
type LineError struct {
	LineNo     int
	Raw        []byte
	Diagnostic string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.LineNo, e.Diagnostic)
}

// wireRecord mirrors the on-disk JSON shape of a Record for decoding via
// encoding/json, before the raw blocks are interpreted into typed Blocks.
type wireRecord struct {
	Kind       string      `json:"kind"`
	UUID       string      `json:"uuid"`
	ParentUUID string      `json:"parent_uuid,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	SessionID  string      `json:"session_id"`
	Content    []wireBlock `json:"content"`
}

type wireBlock struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

var knownRecordKeys = map[string]bool{
	"kind": true, "uuid": true, "parent_uuid": true, "timestamp": true,
	"session_id": true, "content": true,
}

var knownBlockKeys = map[string]bool{
	"type": true, "id": true, "tool_use_id": true, "is_error": true,
}

// ParseLine parses one log line into a Record. Parsing is tolerant: a line
// that fails JSON decoding or lacks kind/uuid is reported as a LineError
// carrying the raw bytes, the line number, and a diagnostic; it never
// panics and never partially mutates caller state.
func ParseLine(line []byte, lineNo int) (*Record, *LineError) {
	trimmed := bytes.TrimRight(line, "\r\n")

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &LineError{LineNo: lineNo, Raw: append([]byte(nil), trimmed...), Diagnostic: "invalid JSON: " + err.Error()}
	}

	var wr wireRecord
	if err := json.Unmarshal(trimmed, &wr); err != nil {
		return nil, &LineError{LineNo: lineNo, Raw: append([]byte(nil), trimmed...), Diagnostic: "schema mismatch: " + err.Error()}
	}
	if wr.Kind == "" {
		return nil, &LineError{LineNo: lineNo, Raw: append([]byte(nil), trimmed...), Diagnostic: "missing required field: kind"}
	}
	if wr.UUID == "" {
		return nil, &LineError{LineNo: lineNo, Raw: append([]byte(nil), trimmed...), Diagnostic: "missing required field: uuid"}
	}

	extra := map[string]json.RawMessage{}
	for k, v := range fields {
		if !knownRecordKeys[k] {
			extra[k] = v
		}
	}

	blocks, err := decodeBlocks(trimmed, wr.Content)
	if err != nil {
		return nil, &LineError{LineNo: lineNo, Raw: append([]byte(nil), trimmed...), Diagnostic: err.Error()}
	}

	return &Record{
		Kind:       Kind(wr.Kind),
		UUID:       wr.UUID,
		ParentUUID: wr.ParentUUID,
		Timestamp:  wr.Timestamp,
		SessionID:  wr.SessionID,
		Content:    blocks,
		Extra:      extra,
		LineNo:     lineNo,
		raw:        append([]byte(nil), trimmed...),
	}, nil
}

// decodeBlocks re-decodes the raw "content" array so each block keeps its
// full field set for opaque round-tripping.
func decodeBlocks(line []byte, typed []wireBlock) ([]Block, error) {
	var rawContent struct {
		Content []map[string]json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(line, &rawContent); err != nil {
		return nil, fmt.Errorf("failed to re-decode content blocks: %w", err)
	}
	if len(rawContent.Content) != len(typed) {
		return nil, fmt.Errorf("content block count mismatch")
	}

	blocks := make([]Block, len(typed))
	for i, t := range typed {
		fields := map[string]json.RawMessage{}
		for k, v := range rawContent.Content[i] {
			if !knownBlockKeys[k] {
				fields[k] = v
			}
		}
		blocks[i] = Block{
			Type:      BlockType(t.Type),
			ID:        t.ID,
			ToolUseID: t.ToolUseID,
			IsError:   t.IsError,
			Fields:    fields,
		}
	}
	return blocks, nil
}

// Serialize renders r as one JSON line, LF-terminated, no trailing
// whitespace. If r has not been modified since it was parsed, the original
// bytes are echoed verbatim, guaranteeing the byte-identical round-trip
// invariant. Key ordering for freshly-built or modified records is stable:
// known fields first in a fixed order, then extra/unknown fields sorted by
// key.
func Serialize(r *Record) ([]byte, error) {
	if !r.IsDirty() {
		out := make([]byte, 0, len(r.raw)+1)
		out = append(out, r.raw...)
		out = append(out, '\n')
		return out, nil
	}

	var buf bytes.Buffer
	buf.WriteByte('{')

	fieldsWritten := 0
	writeField := func(key string, val any) error {
		if fieldsWritten > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(key)
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := marshalNoHTMLEscape(val)
		if err != nil {
			return err
		}
		buf.Write(vb)
		fieldsWritten++
		return nil
	}

	if err := writeField("kind", string(r.Kind)); err != nil {
		return nil, err
	}
	if err := writeField("uuid", r.UUID); err != nil {
		return nil, err
	}
	if r.ParentUUID != "" {
		if err := writeField("parent_uuid", r.ParentUUID); err != nil {
			return nil, err
		}
	}
	if err := writeField("timestamp", r.Timestamp); err != nil {
		return nil, err
	}
	if err := writeField("session_id", r.SessionID); err != nil {
		return nil, err
	}

	contentBytes, err := serializeBlocks(r.Content)
	if err != nil {
		return nil, err
	}
	if fieldsWritten > 0 {
		buf.WriteByte(',')
	}
	buf.WriteString(`"content":`)
	buf.Write(contentBytes)
	fieldsWritten++

	extraKeys := sortedKeys(r.Extra)
	for _, k := range extraKeys {
		if fieldsWritten > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(r.Extra[k])
		fieldsWritten++
	}

	buf.WriteByte('}')
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func serializeBlocks(blocks []Block) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, b := range blocks {
		if i > 0 {
			buf.WriteByte(',')
		}
		bb, err := serializeBlock(b)
		if err != nil {
			return nil, err
		}
		buf.Write(bb)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func serializeBlock(b Block) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	n := 0
	write := func(key string, val any) error {
		if n > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(key)
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := marshalNoHTMLEscape(val)
		if err != nil {
			return err
		}
		buf.Write(vb)
		n++
		return nil
	}
	if err := write("type", string(b.Type)); err != nil {
		return nil, err
	}
	if b.ID != "" {
		if err := write("id", b.ID); err != nil {
			return nil, err
		}
	}
	if b.ToolUseID != "" {
		if err := write("tool_use_id", b.ToolUseID); err != nil {
			return nil, err
		}
	}
	if b.IsError {
		if err := write("is_error", b.IsError); err != nil {
			return nil, err
		}
	}
	for _, k := range sortedKeys(b.Fields) {
		if n > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(b.Fields[k])
		n++
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalNoHTMLEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Small maps; insertion sort keeps this dependency-free and is plenty
	// fast for a handful of extra fields per record/block.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
