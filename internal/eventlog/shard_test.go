package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func mustOpen(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestActiveShardNameCreatesAndPersists(t *testing.T) {
	s := mustOpen(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	name, err := s.ActiveShardName(now)
	if err != nil {
		t.Fatal(err)
	}
	if name != "2026-03.events" {
		t.Fatalf("unexpected shard name %q", name)
	}

	again, err := s.ActiveShardName(now)
	if err != nil {
		t.Fatal(err)
	}
	if again != name {
		t.Fatalf("active pointer did not persist: %q vs %q", again, name)
	}
}

func TestAppendThenReadShardRoundTrips(t *testing.T) {
	s := mustOpen(t)
	name := "2026-03.events"

	e1 := sampleEvent()
	e2 := sampleEvent()
	e2.ItemID = "bn-b8y"
	e2.Parents = nil

	h1, err := s.Append(name, e1, false)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == "" {
		t.Fatalf("expected non-empty hash")
	}
	if _, err := s.Append(name, e2, true); err != nil {
		t.Fatal(err)
	}

	events, err := s.ReadShard(name)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ItemID != "bn-a7x" || events[1].ItemID != "bn-b8y" {
		t.Fatalf("unexpected order/content: %+v", events)
	}
}

func TestRecoverTornTailTruncatesIncompleteLastLine(t *testing.T) {
	s := mustOpen(t)
	name := "2026-03.events"

	if _, err := s.Append(name, sampleEvent(), false); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("garbage-without-trailing-newline"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if err := s.recoverTornTail(name); err != nil {
		t.Fatalf("recoverTornTail: %v", err)
	}

	events, err := s.ReadShard(name)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected torn tail dropped, left %d events", len(events))
	}
}

func TestSealWritesManifestAndRotatesActivePointer(t *testing.T) {
	s := mustOpen(t)
	name := "2026-03.events"
	if _, err := s.Append(name, sampleEvent(), false); err != nil {
		t.Fatal(err)
	}
	if err := s.writeActivePointer(name); err != nil {
		t.Fatal(err)
	}

	sealTime := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if err := s.Seal(name, sealTime); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	m, err := s.ReadManifest(name)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if m.EventCount != 1 {
		t.Fatalf("expected 1 event in manifest, got %d", m.EventCount)
	}

	active, err := s.readActivePointer()
	if err != nil {
		t.Fatal(err)
	}
	if active != "2026-04.events" {
		t.Fatalf("expected active pointer rotated to next month, got %q", active)
	}
}

func TestListShardsSortsChronologically(t *testing.T) {
	s := mustOpen(t)
	for _, n := range []string{"2026-05.events", "2026-01.events", "2026-03.events"} {
		if _, err := s.Append(n, sampleEvent(), false); err != nil {
			t.Fatal(err)
		}
	}
	names, err := s.ListShards()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"2026-01.events", "2026-03.events", "2026-05.events"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("ListShards = %v, want %v", names, want)
		}
	}
}

func TestReadShardRejectsFutureFormatVersion(t *testing.T) {
	s := mustOpen(t)
	name := "2026-03.events"
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte("# bones event log v99\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadShard(name); err == nil {
		t.Fatalf("expected refusal to open a shard declaring a newer format version")
	}
}

