package columnar

import (
	"bytes"
	"testing"

	"github.com/bonesdb/bones/internal/types"
)

func sampleEvents() []types.Event {
	return []types.Event{
		{
			WallTimeUS: 1000, Agent: "alice", ITC: "(1,0)", Parents: nil,
			Type: types.EventCreate, ItemID: "bn-a7x",
			Data:      map[string]any{"title": "first"},
			EventHash: "blake3:aaaa",
		},
		{
			WallTimeUS: 1500, Agent: "bob", ITC: "(0,1)", Parents: []string{"blake3:aaaa"},
			Type: types.EventUpdate, ItemID: "bn-a7x",
			Data:      map[string]any{"title": "second"},
			EventHash: "blake3:bbbb",
		},
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	events := sampleEvents()
	buf := &bytes.Buffer{}
	if err := Write(buf, events, 12345); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(got))
	}
	for i, e := range events {
		if got[i].WallTimeUS != e.WallTimeUS || got[i].Agent != e.Agent || got[i].ITC != e.ITC ||
			got[i].Type != e.Type || got[i].ItemID != e.ItemID || got[i].EventHash != e.EventHash {
			t.Fatalf("row %d mismatch: got %+v, want %+v", i, got[i], e)
		}
		if len(got[i].Parents) != len(e.Parents) {
			t.Fatalf("row %d parents mismatch: got %v, want %v", i, got[i].Parents, e.Parents)
		}
		for j, p := range e.Parents {
			if got[i].Parents[j] != p {
				t.Fatalf("row %d parent %d mismatch: got %s, want %s", i, j, got[i].Parents[j], p)
			}
		}
		if got[i].Data["title"] != e.Data["title"] {
			t.Fatalf("row %d data mismatch: got %+v, want %+v", i, got[i].Data, e.Data)
		}
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("not a cache file at all, too short")))
	if err == nil {
		t.Fatalf("expected an error for bad magic")
	}
}

func TestReadRejectsCorruptedChecksum(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Write(buf, sampleEvents(), 1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF // flip a bit deep in the row section

	_, err := Read(bytes.NewReader(corrupted))
	if err == nil {
		t.Fatalf("expected a checksum mismatch error")
	}
}

func TestCreatedAtReadsHeaderOnly(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Write(buf, sampleEvents(), 98765); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := CreatedAt(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("CreatedAt: %v", err)
	}
	if got != 98765 {
		t.Fatalf("expected created_at 98765, got %d", got)
	}
}

func TestEmptyEventsRoundTrips(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Write(buf, nil, 1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected zero events, got %d", len(got))
	}
}
