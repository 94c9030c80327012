package itc

// Event is the causality component of a stamp: a tree of non-negative
// counters. The value reachable at any path is the sum of the node
// values along the path from the root; trees are kept in normal form
// (the maximal common value at any fork is lifted to the parent) so
// structural equality implies semantic equality.
type Event struct {
	leaf bool
	n    int64 // valid when leaf
	base int64 // valid when !leaf: the value lifted to this node
	l, r *Event
}

// EventLeaf builds a leaf event holding the given counter value.
func EventLeaf(n int64) *Event { return &Event{leaf: true, n: n} }

func eventVal(e *Event) int64 {
	if e.leaf {
		return e.n
	}
	return e.base
}

// liftBy returns e with every reachable value shifted by delta (delta
// may be negative; callers never produce a final normalized tree with a
// negative reachable value).
func liftBy(e *Event, delta int64) *Event {
	if delta == 0 {
		return e
	}
	if e.leaf {
		return &Event{leaf: true, n: e.n + delta}
	}
	return &Event{base: e.base + delta, l: e.l, r: e.r}
}

func maxValue(e *Event) int64 {
	if e.leaf {
		return e.n
	}
	return e.base + max64(maxValue(e.l), maxValue(e.r))
}

func minValue(e *Event) int64 {
	if e.leaf {
		return e.n
	}
	return e.base + min64(minValue(e.l), minValue(e.r))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// asNode returns e in (base, left, right) node shape, promoting a leaf
// n into the equivalent node(n, leaf(0), leaf(0)).
func asNode(e *Event) (base int64, l, r *Event) {
	if e.leaf {
		return e.n, EventLeaf(0), EventLeaf(0)
	}
	return e.base, e.l, e.r
}

// mkEvent builds a node, normalizing by lifting the subtrees' common
// minimum to the parent and collapsing to a leaf when both children
// have converged to equal values.
func mkEvent(base int64, l, r *Event) *Event {
	if l.leaf && r.leaf && l.n == r.n {
		return EventLeaf(base + l.n)
	}
	m := min64(minValue(l), minValue(r))
	return &Event{base: base + m, l: liftBy(l, -m), r: liftBy(r, -m)}
}

func eventEqual(a, b *Event) bool {
	return eventVal2(a) == eventVal2(b) && sameShape(a, b)
}

// eventVal2 and sameShape together give a cheap structural-equality
// check without re-deriving the full value function at every node.
func eventVal2(e *Event) int64 { return eventVal(e) }

func sameShape(a, b *Event) bool {
	if a.leaf != b.leaf {
		return false
	}
	if a.leaf {
		return a.n == b.n
	}
	return a.base == b.base && sameShape(a.l, b.l) && sameShape(a.r, b.r)
}

// joinEvent computes the pointwise maximum of two event trees.
func joinEvent(a, b *Event) *Event {
	if a.leaf && b.leaf {
		return EventLeaf(max64(a.n, b.n))
	}
	n1, l1, r1 := asNode(a)
	n2, l2, r2 := asNode(b)
	if n1 >= n2 {
		return mkEvent(n1, joinEvent(l1, liftBy(l2, n2-n1)), joinEvent(r1, liftBy(r2, n2-n1)))
	}
	return mkEvent(n2, joinEvent(liftBy(l1, n1-n2), l2), joinEvent(liftBy(r1, n1-n2), r2))
}

// leqEvent reports whether a is pointwise dominated by b: every value
// reachable in a is <= the corresponding value reachable in b.
func leqEvent(a, b *Event) bool {
	if a.leaf && b.leaf {
		return a.n <= b.n
	}
	n1, l1, r1 := asNode(a)
	n2, l2, r2 := asNode(b)
	if n1 > n2 {
		return false
	}
	return leqEvent(l1, liftBy(l2, n2-n1)) && leqEvent(r1, liftBy(r2, n2-n1))
}

// fillEvent expands e wherever i owns the position (i==1), lifting that
// branch to the max already reachable in its sibling. This is the first
// half of the event-advance operation: it never grows the total value,
// it only redistributes slack the owner already has a right to claim.
func fillEvent(i *ID, e *Event) *Event {
	switch {
	case idIsZero(i):
		return e
	case idIsOne(i):
		return EventLeaf(maxValue(e))
	case e.leaf:
		return e
	default:
		var l2, r2 *Event
		switch {
		case idIsOne(i.l):
			l2 = EventLeaf(max64(maxValue(e.l), maxValue(e.r)))
		case idIsZero(i.l):
			l2 = e.l
		default:
			l2 = fillEvent(i.l, e.l)
		}
		switch {
		case idIsOne(i.r):
			r2 = EventLeaf(max64(maxValue(e.l), maxValue(e.r)))
		case idIsZero(i.r):
			r2 = e.r
		default:
			r2 = fillEvent(i.r, e.r)
		}
		return mkEvent(e.base, l2, r2)
	}
}

// growEvent finds the minimal-cost way to increase the value at some
// position owned by i, returning the grown tree and the structural cost
// of the edit (used to prefer the cheaper of two owned branches).
func growEvent(i *ID, e *Event) (*Event, int64) {
	if idIsOne(i) {
		if e.leaf {
			return EventLeaf(e.n + 1), 0
		}
		// Shouldn't normally occur (full ownership implies a leaf after
		// fill), but handle defensively by growing the left branch.
		g, c := growEvent(idOneLeaf, e.l)
		return mkEvent(e.base, g, e.r), c + 1
	}
	if e.leaf {
		// Expand the leaf into an explicit (unnormalized) node so the two
		// branches can grow independently; mkEvent would immediately
		// collapse (0,0) back into a leaf.
		expanded := &Event{base: e.n, l: EventLeaf(0), r: EventLeaf(0)}
		g, c := growEvent(i, expanded)
		return g, c + 1
	}
	switch {
	case idIsZero(i.l):
		g, c := growEvent(i.r, e.r)
		return mkEvent(e.base, e.l, g), c + 1
	case idIsZero(i.r):
		g, c := growEvent(i.l, e.l)
		return mkEvent(e.base, g, e.r), c + 1
	default:
		gl, cl := growEvent(i.l, e.l)
		gr, cr := growEvent(i.r, e.r)
		if cl <= cr {
			return mkEvent(e.base, gl, e.r), cl + 1
		}
		return mkEvent(e.base, e.l, gr), cr + 1
	}
}
