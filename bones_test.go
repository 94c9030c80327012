package bones_test

import (
	"context"
	"testing"

	bones "github.com/bonesdb/bones"
)

func TestOpenAppendAndReadItemThroughFacade(t *testing.T) {
	t.Setenv("AGENT", "alice")
	if err := bones.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx := context.Background()
	engine, err := bones.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer engine.Close()

	_, err = engine.AppendEvent(ctx, bones.Intent{
		Type:   bones.EventCreate,
		ItemID: "bn-facade",
		Data:   map[string]any{"title": "via facade"},
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	state, ok := engine.ReadItem("bn-facade")
	if !ok || state.Title.Value != "via facade" {
		t.Fatalf("expected item readable through the facade, got %+v ok=%v", state, ok)
	}
}

func TestResolveIdentityThroughFacade(t *testing.T) {
	if err := bones.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	got, err := bones.ResolveIdentity("bob")
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if got != "bob" {
		t.Fatalf("expected 'bob', got %q", got)
	}
}
