package record

import "testing"

func TestParseLine_WellFormed(t *testing.T) {
	line := []byte(`{"kind":"user","uuid":"u1","session_id":"s1","timestamp":"2024-01-01T00:00:00Z","content":[{"type":"text","text":"hi"}]}`)
	r, lerr := ParseLine(line, 1)
	if lerr != nil {
		t.Fatalf("unexpected error: %v", lerr)
	}
	if r.Kind != KindUser || r.UUID != "u1" || r.SessionID != "s1" {
		t.Fatalf("unexpected record: %+v", r)
	}
	if len(r.Content) != 1 || r.Content[0].Fields["text"] == nil {
		t.Fatalf("expected opaque text field to round-trip, got %+v", r.Content)
	}
}

func TestParseLine_MissingUUID(t *testing.T) {
	line := []byte(`{"kind":"user","session_id":"s1","timestamp":"2024-01-01T00:00:00Z","content":[]}`)
	_, lerr := ParseLine(line, 5)
	if lerr == nil {
		t.Fatal("expected LineError for missing uuid")
	}
	if lerr.LineNo != 5 {
		t.Fatalf("expected line number preserved, got %d", lerr.LineNo)
	}
}

func TestParseLine_InvalidJSON(t *testing.T) {
	line := []byte(`not json at all`)
	_, lerr := ParseLine(line, 2)
	if lerr == nil {
		t.Fatal("expected LineError for invalid JSON")
	}
	if string(lerr.Raw) != "not json at all" {
		t.Fatalf("expected raw bytes preserved, got %q", lerr.Raw)
	}
}

func TestSerialize_RoundTripByteIdentical(t *testing.T) {
	line := []byte(`{"kind":"assistant","uuid":"a1","parent_uuid":"root","session_id":"s1","timestamp":"2024-01-01T00:00:00Z","content":[{"type":"tool_use","id":"T1"}]}`)
	r, lerr := ParseLine(line, 1)
	if lerr != nil {
		t.Fatalf("unexpected error: %v", lerr)
	}
	out, err := Serialize(r)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	want := string(line) + "\n"
	if string(out) != want {
		t.Fatalf("round-trip not byte-identical:\n got: %q\nwant: %q", out, want)
	}
}

func TestSerialize_DirtyRecordIsCanonical(t *testing.T) {
	line := []byte(`{"kind":"user","uuid":"u1","session_id":"s1","timestamp":"2024-01-01T00:00:00Z","content":[]}`)
	r, lerr := ParseLine(line, 1)
	if lerr != nil {
		t.Fatalf("unexpected error: %v", lerr)
	}
	r.InsertBlock(0, SyntheticCancelResult("T1"))
	if !r.IsDirty() {
		t.Fatal("expected record to be dirty after mutation")
	}
	out, err := Serialize(r)
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if out[len(out)-1] != '\n' {
		t.Fatal("expected LF terminator")
	}
}

func TestDropBlock_OutOfRangeIsNoOp(t *testing.T) {
	r := &Record{Content: []Block{{Type: "text"}}}
	r.raw = []byte(`{}`)
	r.DropBlock(5)
	if len(r.Content) != 1 {
		t.Fatalf("expected no change, got %d blocks", len(r.Content))
	}
	if r.IsDirty() {
		t.Fatal("expected record to remain clean on no-op drop")
	}
}
