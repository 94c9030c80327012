package replay

import (
	"testing"

	"github.com/bonesdb/bones/internal/eventlog"
	"github.com/bonesdb/bones/internal/itc"
	"github.com/bonesdb/bones/internal/types"
)

func buildEvent(t *testing.T, stamp itc.Stamp, wallTS int64, typ types.EventType, itemID string, parents []string, data map[string]any) types.Event {
	t.Helper()
	e := types.Event{
		WallTimeUS: wallTS,
		Agent:      "alice",
		ITC:        itc.Encode(stamp),
		Parents:    parents,
		Type:       typ,
		ItemID:     itemID,
		Data:       data,
	}
	line, err := eventlog.EncodeLine(e)
	if err != nil {
		t.Fatalf("EncodeLine: %v", err)
	}
	parsed, err := eventlog.ParseLine(line[:len(line)-1])
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	return parsed
}

func TestIngestOutOfOrderStillAppliesInTopologicalOrder(t *testing.T) {
	seed := itc.Seed()
	s1 := itc.Event(seed)
	s2 := itc.Event(s1)

	create := buildEvent(t, s1, 1, types.EventCreate, "bn-a7x", nil, map[string]any{"title": "first"})
	update := buildEvent(t, s2, 2, types.EventUpdate, "bn-a7x", []string{create.EventHash}, map[string]any{"title": "second"})

	r := New()
	// Ingest the child before the parent has arrived.
	if err := r.Ingest(update); err != nil {
		t.Fatal(err)
	}
	if r.Buffered() != 1 {
		t.Fatalf("expected update to be buffered, Buffered() = %d", r.Buffered())
	}
	state, ok := r.ItemState("bn-a7x")
	if ok && state.Title.Value == "second" {
		t.Fatalf("update must not apply before its parent arrives")
	}

	if err := r.Ingest(create); err != nil {
		t.Fatal(err)
	}
	if r.Buffered() != 0 {
		t.Fatalf("expected everything drained, Buffered() = %d", r.Buffered())
	}
	state, ok = r.ItemState("bn-a7x")
	if !ok || state.Title.Value != "second" {
		t.Fatalf("expected final title 'second', got %+v", state)
	}
}

func TestFrontierIsLeavesOfDAG(t *testing.T) {
	seed := itc.Seed()
	s1 := itc.Event(seed)
	s2 := itc.Event(s1)

	create := buildEvent(t, s1, 1, types.EventCreate, "bn-a7x", nil, map[string]any{"title": "first"})
	update := buildEvent(t, s2, 2, types.EventUpdate, "bn-a7x", []string{create.EventHash}, map[string]any{"title": "second"})

	r := New()
	_ = r.Ingest(create)
	_ = r.Ingest(update)

	frontier := r.Frontier()
	if len(frontier) != 1 || frontier[0] != update.EventHash {
		t.Fatalf("expected frontier = [%s], got %v", update.EventHash, frontier)
	}
}

func TestUnknownEventTypeIsNoOpWarning(t *testing.T) {
	seed := itc.Seed()
	s1 := itc.Event(seed)
	weird := buildEvent(t, s1, 1, types.EventType("item.mystery"), "bn-a7x", nil, map[string]any{})

	r := New()
	if err := r.Ingest(weird); err != nil {
		t.Fatal(err)
	}
	if r.Buffered() != 0 {
		t.Fatalf("unknown-type event must still advance the cursor (not stay buffered)")
	}
	warnings := r.Warnings()
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %d", len(warnings))
	}
}

func TestDuplicateIngestIsIdempotent(t *testing.T) {
	seed := itc.Seed()
	s1 := itc.Event(seed)
	create := buildEvent(t, s1, 1, types.EventCreate, "bn-a7x", nil, map[string]any{"title": "first"})

	r := New()
	if err := r.Ingest(create); err != nil {
		t.Fatal(err)
	}
	if err := r.Ingest(create); err != nil {
		t.Fatal(err)
	}
	if r.Buffered() != 0 {
		t.Fatalf("duplicate ingest must not leave anything buffered")
	}
}
