package eventlog

import (
	"strings"
	"testing"

	"github.com/bonesdb/bones/internal/types"
)

func sampleEvent() types.Event {
	return types.Event{
		WallTimeUS: 1700000000000000,
		Agent:      "alice",
		ITC:        "1|0",
		Parents:    []string{"blake3:bb", "blake3:aa"},
		Type:       types.EventCreate,
		ItemID:     "bn-a7x",
		Data: map[string]any{
			"title": "Fix login bug",
			"size":  "m",
		},
	}
}

func TestEncodeLineSortsParentsAndProducesEightFields(t *testing.T) {
	line, err := EncodeLine(sampleEvent())
	if err != nil {
		t.Fatalf("EncodeLine: %v", err)
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("line must be newline-terminated")
	}
	fields := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	if len(fields) != fieldCount {
		t.Fatalf("expected %d fields, got %d: %q", fieldCount, len(fields), line)
	}
	if fields[3] != "blake3:aa,blake3:bb" {
		t.Fatalf("parents not sorted: %q", fields[3])
	}
}

func TestEncodeThenParseRoundTrips(t *testing.T) {
	line, err := EncodeLine(sampleEvent())
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseLine(strings.TrimSuffix(line, "\n"))
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if got.ItemID != "bn-a7x" || got.Agent != "alice" || got.Type != types.EventCreate {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if got.Data["title"] != "Fix login bug" {
		t.Fatalf("round trip lost data: %+v", got.Data)
	}
}

func TestParseLineRejectsTamperedHash(t *testing.T) {
	line, err := EncodeLine(sampleEvent())
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(strings.TrimSuffix(line, "\n"), "bn-a7x", "bn-zzz", 1)
	if _, err := ParseLine(tampered); err == nil {
		t.Fatalf("expected hash mismatch error after tampering with item_id")
	}
}

func TestParseLineRejectsWrongFieldCount(t *testing.T) {
	if _, err := ParseLine("only\tthree\tfields"); err == nil {
		t.Fatalf("expected field count error")
	}
}

func TestCanonicalJSONSortsKeysRecursively(t *testing.T) {
	data := map[string]any{
		"z": 1,
		"a": map[string]any{"y": 2, "b": 3},
	}
	got, err := canonicalJSON(data)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":{"b":3,"y":2},"z":1}`
	if got != want {
		t.Fatalf("canonicalJSON = %q, want %q", got, want)
	}
}

func TestCanonicalJSONEmitsLiteralNonASCII(t *testing.T) {
	data := map[string]any{"title": "café <ok> & co"}
	got, err := canonicalJSON(data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "café") {
		t.Fatalf("expected literal UTF-8 café, got %q", got)
	}
	if !strings.Contains(got, "<ok>") || !strings.Contains(got, "&") {
		t.Fatalf("expected literal unescaped HTML characters, got %q", got)
	}
}

func TestEncodeLineIsDeterministic(t *testing.T) {
	a, err := EncodeLine(sampleEvent())
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncodeLine(sampleEvent())
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("expected deterministic encoding, got %q vs %q", a, b)
	}
}
