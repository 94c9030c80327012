package integrity

import (
	"testing"
	"time"

	"github.com/bonesdb/bones/internal/eventlog"
	"github.com/bonesdb/bones/internal/itc"
	"github.com/bonesdb/bones/internal/lattice"
	"github.com/bonesdb/bones/internal/types"
)

func mustStore(t *testing.T) *eventlog.Store {
	t.Helper()
	s, err := eventlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	return s
}

func appendEvent(t *testing.T, s *eventlog.Store, shard string, stamp itc.Stamp, wallTS int64, typ types.EventType, itemID string, parents []string, data map[string]any) types.Event {
	t.Helper()
	e := types.Event{
		WallTimeUS: wallTS, Agent: "alice", ITC: itc.Encode(stamp),
		Parents: parents, Type: typ, ItemID: itemID, Data: data,
	}
	hash, err := s.Append(shard, e, false)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	e.EventHash = hash
	return e
}

func TestVerifyCleanLogReportsNoFindings(t *testing.T) {
	s := mustStore(t)
	seed := itc.Seed()
	s1 := itc.Event(seed)

	appendEvent(t, s, "2026-07.events", s1, 1, types.EventCreate, "bn-a7x", nil, map[string]any{"title": "first"})

	report, err := Verify(s)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.OK() {
		t.Fatalf("expected clean report, got findings: %+v", report.Findings)
	}
	if report.EventsChecked != 1 {
		t.Fatalf("expected 1 event checked, got %d", report.EventsChecked)
	}
}

func TestVerifyFlagsUnknownParent(t *testing.T) {
	s := mustStore(t)
	seed := itc.Seed()
	s1 := itc.Event(seed)

	appendEvent(t, s, "2026-07.events", s1, 1, types.EventUpdate, "bn-a7x", []string{"blake3:deadbeef"}, map[string]any{"title": "x"})

	report, err := Verify(s)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.OK() {
		t.Fatalf("expected a finding for the missing parent")
	}
	found := false
	for _, f := range report.Findings {
		if f.Detail != "" && f.Kind == "unknown_parent" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an unknown_parent finding, got %+v", report.Findings)
	}
}

func TestCheckEligibilityRequiresDoneOrArchivedAndMinAge(t *testing.T) {
	state := lattice.NewItemState("bn-a7x")
	state.State = lattice.State{Epoch: 0, Phase: lattice.PhaseDoing}

	cfg := Config{MinAge: 24 * time.Hour}
	ok, reason := CheckEligibility(state, 0, int64(25*time.Hour/time.Microsecond), cfg)
	if ok {
		t.Fatalf("doing-phase item must not be eligible")
	}
	if reason == "" {
		t.Fatalf("expected a reason for ineligibility")
	}

	state.State.Phase = lattice.PhaseDone
	ok, _ = CheckEligibility(state, 0, int64(1*time.Hour/time.Microsecond), cfg)
	if ok {
		t.Fatalf("item settled for only 1h must not be eligible under a 24h threshold")
	}

	ok, reason = CheckEligibility(state, 0, int64(25*time.Hour/time.Microsecond), cfg)
	if !ok {
		t.Fatalf("expected eligibility after 25h in done state, got reason %q", reason)
	}
}

func TestBuildSnapshotCarriesWinningValuesAndMembers(t *testing.T) {
	ref := lattice.Ref{Hash: "h1", WallTimeUS: 1, Agent: "alice"}
	state := lattice.NewItemState("bn-a7x")
	state.Title = state.Title.Observe(ref, "fix it")
	state.Labels.Add("urgent", ref)

	seed := itc.Seed()
	snap, err := BuildSnapshot(state, "alice", itc.Event(seed), 2, []string{"h1"})
	if err != nil {
		t.Fatalf("BuildSnapshot: %v", err)
	}
	if snap.Type != types.EventSnapshot {
		t.Fatalf("expected item.snapshot, got %s", snap.Type)
	}
	if snap.EventHash == "" {
		t.Fatalf("expected a computed event hash")
	}
	title, ok := snap.Data["title"].(map[string]any)
	if !ok || title["value"] != "fix it" {
		t.Fatalf("expected snapshot title value 'fix it', got %+v", snap.Data["title"])
	}
	labels, ok := snap.Data["labels"].([]any)
	if !ok || len(labels) != 1 || labels[0] != "urgent" {
		t.Fatalf("expected labels [urgent], got %+v", snap.Data["labels"])
	}
}

func TestBuildRedactionTargetsCommentHash(t *testing.T) {
	seed := itc.Seed()
	e, err := BuildRedaction("bn-a7x", "blake3:commenthash", "contained a secret", "alice", itc.Event(seed), 3, []string{"blake3:commenthash"})
	if err != nil {
		t.Fatalf("BuildRedaction: %v", err)
	}
	if e.Type != types.EventRedact {
		t.Fatalf("expected item.redact, got %s", e.Type)
	}
	if e.Data["body"] != "[redacted]" {
		t.Fatalf("expected redacted body placeholder, got %+v", e.Data["body"])
	}
	if e.EventHash == "" {
		t.Fatalf("expected a computed event hash")
	}
}
