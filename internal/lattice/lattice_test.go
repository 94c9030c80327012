package lattice

import (
	"testing"

	"github.com/bonesdb/bones/internal/itc"
	"github.com/bonesdb/bones/internal/types"
)

func eventFor(t *testing.T, hash string, stamp itc.Stamp, wallTS int64, data map[string]any, typ types.EventType) types.Event {
	t.Helper()
	return types.Event{
		WallTimeUS: wallTS,
		Agent:      "alice",
		ITC:        itc.Encode(stamp),
		Type:       typ,
		ItemID:     "bn-a7x",
		Data:       data,
		EventHash:  hash,
	}
}

func refAt(t *testing.T, hash string, wallTS int64, agent string, stamp itc.Stamp) Ref {
	t.Helper()
	return Ref{Hash: hash, WallTimeUS: wallTS, Agent: agent, ITC: stamp}
}

func TestJoinLWWIsIdempotentCommutativeAssociative(t *testing.T) {
	seed := itc.Seed()
	a, b := itc.Fork(seed)
	a = itc.Event(a)
	b = itc.Event(b)

	ra := refAt(t, "h1", 100, "alice", a)
	rb := refAt(t, "h2", 200, "bob", b)
	rc := refAt(t, "h3", 150, "carol", itc.Event(itc.Join(a, b)))

	la := LWW[string]{Set: true, Ref: ra, Value: "a"}
	lb := LWW[string]{Set: true, Ref: rb, Value: "b"}
	lc := LWW[string]{Set: true, Ref: rc, Value: "c"}

	if JoinLWW(la, la).Value != la.Value {
		t.Fatalf("join not idempotent")
	}
	if JoinLWW(la, lb).Ref.Hash != JoinLWW(lb, la).Ref.Hash {
		t.Fatalf("join not commutative")
	}
	left := JoinLWW(JoinLWW(la, lb), lc)
	right := JoinLWW(la, JoinLWW(lb, lc))
	if left.Ref.Hash != right.Ref.Hash {
		t.Fatalf("join not associative: %s vs %s", left.Ref.Hash, right.Ref.Hash)
	}
}

func TestCompareUsesITCDominanceBeforeWallClock(t *testing.T) {
	seed := itc.Seed()
	earlier := itc.Event(seed)
	later := itc.Event(earlier)

	a := refAt(t, "h1", 999, "agent", earlier)
	b := refAt(t, "h2", 1, "agent", later) // later wall_ts_us is smaller, but causally after

	if Compare(a, b) >= 0 {
		t.Fatalf("causal dominance must outrank wall_ts_us: Compare(a,b) = %d", Compare(a, b))
	}
}

func TestORSetConcurrentAddRemoveResolvesToAdd(t *testing.T) {
	seed := itc.Seed()
	a, b := itc.Fork(seed)
	a = itc.Event(a) // add, concurrent with b
	b = itc.Event(b) // remove, concurrent with a

	s := NewORSet()
	s.Add("backend", refAt(t, "add1", 1, "alice", a))
	s.Remove("backend", refAt(t, "rm1", 2, "bob", b))

	if !s.Contains("backend") {
		t.Fatalf("concurrent add/remove must resolve to present")
	}
}

func TestORSetRemoveAfterAddWins(t *testing.T) {
	seed := itc.Seed()
	added := itc.Event(seed)
	removed := itc.Event(added) // causally after the add

	s := NewORSet()
	s.Add("backend", refAt(t, "add1", 1, "alice", added))
	s.Remove("backend", refAt(t, "rm1", 2, "alice", removed))

	if s.Contains("backend") {
		t.Fatalf("a remove that causally follows its add must win")
	}
}

func TestJoinORSetUnionIsIdempotentAndCommutative(t *testing.T) {
	seed := itc.Seed()
	a, b := itc.Fork(seed)
	a = itc.Event(a)
	b = itc.Event(b)

	s1 := NewORSet()
	s1.Add("x", refAt(t, "h1", 1, "alice", a))
	s2 := NewORSet()
	s2.Add("y", refAt(t, "h2", 2, "bob", b))

	left := JoinORSet(s1, s2)
	right := JoinORSet(s2, s1)
	if len(left.Members()) != len(right.Members()) {
		t.Fatalf("union not commutative in member count")
	}

	again := JoinORSet(left, left)
	if len(again.Members()) != len(left.Members()) {
		t.Fatalf("union not idempotent")
	}
}

func TestJoinStatePicksMaxEpochThenMaxPhase(t *testing.T) {
	a := State{Epoch: 1, Phase: PhaseDone}
	b := State{Epoch: 2, Phase: PhaseOpen}
	if got := JoinState(a, b); got != (State{Epoch: 2, Phase: PhaseOpen}) {
		t.Fatalf("higher epoch must win regardless of phase: %+v", got)
	}

	c := State{Epoch: 1, Phase: PhaseOpen}
	d := State{Epoch: 1, Phase: PhaseDoing}
	if got := JoinState(c, d); got != (State{Epoch: 1, Phase: PhaseDoing}) {
		t.Fatalf("within an epoch, higher phase rank must win: %+v", got)
	}
}

func TestApplyCreateThenUpdateThenMove(t *testing.T) {
	seed := itc.Seed()
	create := itc.Event(seed)
	update := itc.Event(create)
	move := itc.Event(update)

	state := NewItemState("bn-a7x")

	state, err := Apply(state, eventFor(t, "h1", create, 1, map[string]any{"title": "Fix login"}, "item.create"))
	if err != nil {
		t.Fatal(err)
	}
	state, err = Apply(state, eventFor(t, "h2", update, 2, map[string]any{"title": "Fix login bug"}, "item.update"))
	if err != nil {
		t.Fatal(err)
	}
	state, err = Apply(state, eventFor(t, "h3", move, 3, map[string]any{"phase": "doing"}, "item.move"))
	if err != nil {
		t.Fatal(err)
	}

	if state.Title.Value != "Fix login bug" {
		t.Fatalf("expected latest title to win, got %q", state.Title.Value)
	}
	if state.State.Phase != PhaseDoing {
		t.Fatalf("expected phase doing, got %v", state.State.Phase)
	}
}
