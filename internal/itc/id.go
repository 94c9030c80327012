// Package itc implements interval tree clocks: causality stamps whose
// size tracks the number of currently active participants rather than
// the full history of the system. See Almeida, Baquero & Fonte,
// "Interval Tree Clocks" (2008) for the algebra this package follows.
package itc

// ID is the ownership component of a stamp: a binary tree of 0/1 leaves
// denoting which slice of the identity space a replica owns. Trees are
// always kept in normal form (no (0,0) or (1,1) pair survives
// construction), so two IDs describing the same ownership compare equal
// by structural equality.
type ID struct {
	leaf bool
	one  bool // valid only when leaf
	l, r *ID
}

var (
	idZeroLeaf = &ID{leaf: true, one: false}
	idOneLeaf  = &ID{leaf: true, one: true}
)

// IDZero is the identity owning nothing.
func IDZero() *ID { return idZeroLeaf }

// IDOne is the identity owning everything; the seed of a fresh lineage.
func IDOne() *ID { return idOneLeaf }

func idIsZero(i *ID) bool { return i.leaf && !i.one }
func idIsOne(i *ID) bool  { return i.leaf && i.one }

// mkID builds a pair node, normalizing (0,0) -> 0 and (1,1) -> 1.
func mkID(l, r *ID) *ID {
	if idIsZero(l) && idIsZero(r) {
		return idZeroLeaf
	}
	if idIsOne(l) && idIsOne(r) {
		return idOneLeaf
	}
	return &ID{l: l, r: r}
}

// split partitions an ID into two disjoint ownership halves whose sum
// equals the original: used by fork.
func split(i *ID) (*ID, *ID) {
	switch {
	case idIsZero(i):
		return idZeroLeaf, idZeroLeaf
	case idIsOne(i):
		return mkID(idOneLeaf, idZeroLeaf), mkID(idZeroLeaf, idOneLeaf)
	case idIsZero(i.l):
		a, b := split(i.r)
		return mkID(idZeroLeaf, a), mkID(idZeroLeaf, b)
	case idIsZero(i.r):
		a, b := split(i.l)
		return mkID(a, idZeroLeaf), mkID(b, idZeroLeaf)
	default:
		return mkID(i.l, idZeroLeaf), mkID(idZeroLeaf, i.r)
	}
}

// sumID merges two disjoint ownerships back into one: used by join.
func sumID(a, b *ID) *ID {
	switch {
	case idIsZero(a):
		return b
	case idIsZero(b):
		return a
	case idIsOne(a) || idIsOne(b):
		return idOneLeaf
	default:
		return mkID(sumID(a.l, b.l), sumID(a.r, b.r))
	}
}

func idEqual(a, b *ID) bool {
	if a.leaf != b.leaf {
		return false
	}
	if a.leaf {
		return a.one == b.one
	}
	return idEqual(a.l, b.l) && idEqual(a.r, b.r)
}
