package projection

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bonesdb/bones/internal/lattice"
)

func mustOpenStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "projection.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleState(id string) lattice.ItemState {
	ref := lattice.Ref{Hash: "h1", WallTimeUS: 1, Agent: "alice"}
	s := lattice.NewItemState(id)
	s.Title = s.Title.Observe(ref, "fix the thing")
	s.Description = s.Description.Observe(ref, "it is broken")
	s.Kind = s.Kind.Observe(ref, "bug")
	s.State = lattice.State{Epoch: 0, Phase: lattice.PhaseOpen}
	s.Labels.Add("urgent", ref)
	s.Assignees.Add("alice", ref)
	return s
}

func TestOpenCreatesSchemaAndSeedsCursor(t *testing.T) {
	s := mustOpenStore(t)
	ctx := context.Background()

	c, err := s.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if c.ShardName != "" || c.ByteOffset != 0 || c.LastEventHash != "" {
		t.Fatalf("expected zero-value cursor on fresh db, got %+v", c)
	}
}

func TestAdvanceUpsertsItemAndMemberships(t *testing.T) {
	s := mustOpenStore(t)
	ctx := context.Background()

	state := sampleState("bn-a7x")
	err := s.Advance(ctx, map[string]lattice.ItemState{"bn-a7x": state}, Cursor{
		ShardName: "2026-07.events", ByteOffset: 42, LastEventHash: "h1",
	})
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	item, err := s.GetItem(ctx, "bn-a7x")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item.Title != "fix the thing" || item.Kind != "bug" {
		t.Fatalf("unexpected projected item: %+v", item)
	}

	c, err := s.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if c.ShardName != "2026-07.events" || c.ByteOffset != 42 || c.LastEventHash != "h1" {
		t.Fatalf("cursor not advanced: %+v", c)
	}
}

func TestAdvanceIsAtomicAcrossMultipleItems(t *testing.T) {
	s := mustOpenStore(t)
	ctx := context.Background()

	items := map[string]lattice.ItemState{
		"bn-a7x": sampleState("bn-a7x"),
		"bn-b2y": sampleState("bn-b2y"),
	}
	if err := s.Advance(ctx, items, Cursor{ShardName: "2026-07.events", ByteOffset: 1, LastEventHash: "h1"}); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	for id := range items {
		if _, err := s.GetItem(ctx, id); err != nil {
			t.Fatalf("GetItem(%s): %v", id, err)
		}
	}
}

func TestSearchFindsByTitle(t *testing.T) {
	s := mustOpenStore(t)
	ctx := context.Background()

	state := sampleState("bn-a7x")
	if err := s.Advance(ctx, map[string]lattice.ItemState{"bn-a7x": state}, Cursor{LastEventHash: "h1"}); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	ids, err := s.Search(ctx, "fix")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(ids) != 1 || ids[0] != "bn-a7x" {
		t.Fatalf("expected [bn-a7x], got %v", ids)
	}
}

func TestVerifyCursorDetectsStaleHash(t *testing.T) {
	s := mustOpenStore(t)
	ctx := context.Background()

	if err := s.Advance(ctx, nil, Cursor{LastEventHash: "h1"}); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := s.VerifyCursor(ctx, "h1"); err != nil {
		t.Fatalf("expected matching cursor to verify, got %v", err)
	}
	if err := s.VerifyCursor(ctx, "h2"); err == nil {
		t.Fatalf("expected mismatched cursor to fail verification")
	}
}

func TestResetClearsTablesAndCursor(t *testing.T) {
	s := mustOpenStore(t)
	ctx := context.Background()

	state := sampleState("bn-a7x")
	if err := s.Advance(ctx, map[string]lattice.ItemState{"bn-a7x": state}, Cursor{LastEventHash: "h1"}); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if _, err := s.GetItem(ctx, "bn-a7x"); err == nil {
		t.Fatalf("expected item to be gone after reset")
	}
	c, err := s.Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if c.LastEventHash != "" {
		t.Fatalf("expected cursor cleared after reset, got %+v", c)
	}
}
