// Package lattice implements the per-item CRDT state described by the
// data model: LWW registers under the normative 4-tuple comparator,
// observed-remove sets realized by DAG replay, the epoch-phase state
// lattice, a grow-only comment set, and a soft-delete LWW boolean.
//
// Grounded in spirit on internal/merge/merge.go's field-by-field merge
// functions (mergeField, mergeFieldByUpdatedAt, mergeStatus,
// mergeDependencies) — this package replaces that file's git-merge-driver,
// timestamp-string comparator with the normative ITC-first comparator the
// data model requires, and its ad hoc per-field merge funcs with one
// generic, testably associative/commutative/idempotent Join.
package lattice

import (
	"github.com/bonesdb/bones/internal/itc"
	"github.com/bonesdb/bones/internal/types"
)

// Ref identifies the event that produced a value competing for a field,
// carrying everything the LWW comparator needs to rank it.
type Ref struct {
	Hash       string
	WallTimeUS int64
	Agent      string
	ITC        itc.Stamp
}

// RefOf decodes e's embedded ITC stamp and builds the Ref the
// comparator and the OR-set replay logic operate on.
func RefOf(e types.Event) (Ref, error) {
	stamp, err := itc.Decode(e.ITC)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Hash: e.EventHash, WallTimeUS: e.WallTimeUS, Agent: e.Agent, ITC: stamp}, nil
}

// Compare implements the normative LWW comparator (§4.6): ITC dominance
// first, then wall_ts_us, then agent, then event_hash, each a tie-break
// on the previous. Returns -1 if a loses to b, 1 if a beats b, 0 only
// when a and b are the same event.
func Compare(a, b Ref) int {
	aLeqB := itc.Leq(a.ITC, b.ITC)
	bLeqA := itc.Leq(b.ITC, a.ITC)
	if aLeqB && !bLeqA {
		return -1
	}
	if bLeqA && !aLeqB {
		return 1
	}
	if a.WallTimeUS != b.WallTimeUS {
		if a.WallTimeUS < b.WallTimeUS {
			return -1
		}
		return 1
	}
	if a.Agent != b.Agent {
		if a.Agent < b.Agent {
			return -1
		}
		return 1
	}
	if a.EventHash != b.EventHash {
		if a.EventHash < b.EventHash {
			return -1
		}
		return 1
	}
	return 0
}

// Dominates reports whether b strictly beats a under Compare.
func Dominates(a, b Ref) bool {
	return Compare(a, b) < 0
}

// LWW is a last-writer-wins register: the value attached to the
// highest-ranked Ref ever observed for this field. Joining two LWW
// values is exactly max-by-Compare, which is commutative, associative,
// and idempotent by construction (max over a total order).
type LWW[T any] struct {
	Set   bool
	Ref   Ref
	Value T
}

// Observe folds a candidate (ref, value) pair into the register,
// keeping whichever of the current and candidate values wins under
// Compare.
func (l LWW[T]) Observe(ref Ref, value T) LWW[T] {
	if !l.Set || Dominates(l.Ref, ref) {
		return LWW[T]{Set: true, Ref: ref, Value: value}
	}
	return l
}

// Join merges two LWW registers of the same field.
func JoinLWW[T any](a, b LWW[T]) LWW[T] {
	if !a.Set {
		return b
	}
	if !b.Set {
		return a
	}
	if Dominates(a.Ref, b.Ref) {
		return b
	}
	return a
}

// PhaseOpen, PhaseDoing, PhaseDone, and PhaseArchived are the ranked
// phases of the epoch-phase state lattice, in increasing rank order.
type Phase int

const (
	PhaseOpen Phase = iota
	PhaseDoing
	PhaseDone
	PhaseArchived
)

// State is the (epoch, phase) pair described by §4.6: join takes the
// maximum epoch, then within the winning epoch the maximum phase rank.
// This is a lexicographic max over a totally ordered pair, which is
// trivially a commutative, associative, idempotent join. Ref records
// the event that produced the winning (epoch, phase), so callers can
// tell when the item last transitioned rather than only what it
// transitioned to; it is the zero Ref until the first item.move (or
// item.create, which seeds PhaseOpen) is applied.
type State struct {
	Epoch int
	Phase Phase
	Ref   Ref
}

// JoinState returns the lattice join of two state values.
func JoinState(a, b State) State {
	if a.Epoch != b.Epoch {
		if a.Epoch > b.Epoch {
			return a
		}
		return b
	}
	if a.Phase != b.Phase {
		if a.Phase > b.Phase {
			return a
		}
		return b
	}
	switch {
	case a.Ref.ITC.ID == nil:
		return b
	case b.Ref.ITC.ID == nil:
		return a
	case Dominates(a.Ref, b.Ref):
		return b
	default:
		return a
	}
}

// SetMember is one observation of an element's membership: either an
// add or a remove, carrying the ref needed to resolve OR-set
// domination against opposing observations.
type SetMember struct {
	Ref Ref
}

// ORSet is an observed-remove set realized by DAG replay: no
// per-element tombstone is stored, only the full history of add and
// remove refs per element, keyed by event hash to keep the underlying
// representation duplicate-free and join-able by plain map union.
type ORSet struct {
	Adds    map[string]map[string]SetMember
	Removes map[string]map[string]SetMember
}

// NewORSet returns an empty observed-remove set.
func NewORSet() ORSet {
	return ORSet{Adds: map[string]map[string]SetMember{}, Removes: map[string]map[string]SetMember{}}
}

// Add records an add observation of elem by ref.
func (s ORSet) Add(elem string, ref Ref) {
	bucket, ok := s.Adds[elem]
	if !ok {
		bucket = map[string]SetMember{}
		s.Adds[elem] = bucket
	}
	bucket[ref.Hash] = SetMember{Ref: ref}
}

// Remove records a remove observation of elem by ref.
func (s ORSet) Remove(elem string, ref Ref) {
	bucket, ok := s.Removes[elem]
	if !ok {
		bucket = map[string]SetMember{}
		s.Removes[elem] = bucket
	}
	bucket[ref.Hash] = SetMember{Ref: ref}
}

// Contains reports whether elem is a current member: there exists an
// add observation not causally dominated by any remove observation of
// the same element. Concurrent add/remove resolve to present.
func (s ORSet) Contains(elem string) bool {
	adds := s.Adds[elem]
	if len(adds) == 0 {
		return false
	}
	removes := s.Removes[elem]
	for _, add := range adds {
		dominated := false
		for _, rm := range removes {
			if itc.Leq(add.Ref.ITC, rm.Ref.ITC) {
				dominated = true
				break
			}
		}
		if !dominated {
			return true
		}
	}
	return false
}

// Members returns every element currently present, in no particular
// order.
func (s ORSet) Members() []string {
	var out []string
	for elem := range s.Adds {
		if s.Contains(elem) {
			out = append(out, elem)
		}
	}
	return out
}

// JoinORSet merges two observed-remove sets: plain union of their add
// and remove observation sets, deduplicated by event hash. Union is
// commutative, associative, and idempotent.
func JoinORSet(a, b ORSet) ORSet {
	out := NewORSet()
	mergeBuckets(out.Adds, a.Adds)
	mergeBuckets(out.Adds, b.Adds)
	mergeBuckets(out.Removes, a.Removes)
	mergeBuckets(out.Removes, b.Removes)
	return out
}

func mergeBuckets(dst map[string]map[string]SetMember, src map[string]map[string]SetMember) {
	for elem, bucket := range src {
		out, ok := dst[elem]
		if !ok {
			out = map[string]SetMember{}
			dst[elem] = out
		}
		for hash, m := range bucket {
			out[hash] = m
		}
	}
}

// Comment is one entry in an item's grow-only comment set: its body is
// itself an LWW register so a later item.redact event can replace the
// payload content while the comment's presence (keyed by its creating
// event hash) remains permanent.
type Comment struct {
	Body LWW[string]
}

// Comments is the grow-only set of comments on an item, keyed by the
// event hash of the creating item.comment event.
type Comments map[string]Comment

// JoinComments merges two comment sets: union of keys, and for keys
// present in both, JoinLWW of their bodies.
func JoinComments(a, b Comments) Comments {
	out := Comments{}
	for hash, c := range a {
		out[hash] = c
	}
	for hash, c := range b {
		if existing, ok := out[hash]; ok {
			out[hash] = Comment{Body: JoinLWW(existing.Body, c.Body)}
		} else {
			out[hash] = c
		}
	}
	return out
}
