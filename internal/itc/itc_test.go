package itc

import "testing"

func TestSeedEncodeDecodeRoundTrip(t *testing.T) {
	s := Seed()
	text := Encode(s)
	if text != "1|0" {
		t.Fatalf("unexpected seed encoding: %q", text)
	}
	got, err := Decode(text)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !Equal(got, s) {
		t.Fatalf("round trip mismatch: got %s want %s", Encode(got), text)
	}
}

func TestForkProducesConcurrentIndependentOwnership(t *testing.T) {
	s := Seed()
	a, b := Fork(s)

	a = Event(a)
	b = Event(b)

	if !Concurrent(a, b) {
		t.Fatalf("forked stamps advanced independently should be concurrent: a=%s b=%s", Encode(a), Encode(b))
	}
}

func TestEventStrictlyAdvances(t *testing.T) {
	s := Seed()
	s2 := Event(s)
	if !Leq(s, s2) {
		t.Fatalf("s should precede s2")
	}
	if Leq(s2, s) {
		t.Fatalf("s2 should not precede s (must strictly advance)")
	}
}

func TestJoinReclaimsOwnershipAndDominatesBoth(t *testing.T) {
	s := Seed()
	a, b := Fork(s)
	a = Event(a)
	b = Event(b)
	b = Event(b)

	j := Join(a, b)

	if !Leq(a, j) || !Leq(b, j) {
		t.Fatalf("join must dominate both inputs: a=%s b=%s j=%s", Encode(a), Encode(b), Encode(j))
	}
	if !idIsOne(j.ID) {
		t.Fatalf("joining a full fork should reclaim full ownership, got id encoding %q", Encode(Stamp{ID: j.ID, Event: EventLeaf(0)}))
	}
}

func TestJoinIsCommutativeAssociativeIdempotent(t *testing.T) {
	s := Seed()
	a, b := Fork(s)
	a = Event(a)
	c, d := Fork(b)
	c = Event(c)
	d = Event(Event(d))

	// Commutative
	if Encode(Join(a, c)) != Encode(Join(c, a)) {
		t.Fatalf("join not commutative")
	}

	// Associative
	left := Join(Join(a, c), d)
	right := Join(a, Join(c, d))
	if Encode(left) != Encode(right) {
		t.Fatalf("join not associative: %s vs %s", Encode(left), Encode(right))
	}

	// Idempotent
	if Encode(Join(a, a)) != Encode(a) {
		t.Fatalf("join not idempotent: %s vs %s", Encode(Join(a, a)), Encode(a))
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"",
		"1",
		"1|",
		"2|0",
		"1|0 trailing",
		"(1,0|0",
	}
	for _, c := range cases {
		if _, err := Decode(c); err == nil {
			t.Errorf("expected decode error for %q", c)
		}
	}
}

func TestConcurrentEventsNeitherDominates(t *testing.T) {
	s := Seed()
	a, b := Fork(s)
	a = Event(a)
	b = Event(b)
	if Leq(a, b) || Leq(b, a) {
		t.Fatalf("expected a and b to be incomparable")
	}
}
