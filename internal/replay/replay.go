// Package replay implements the DAG replayer described by §4.7: it
// consumes an event stream in any order, buffers events whose parents
// have not yet all arrived, and applies ready events to the per-item
// lattice in a deterministic topological order.
//
// Grounded on other_examples' kernel.TotalOrderLog shape (a mutex-guarded
// append-only event index with a Verify pass over hash linkage) —
// adapted here from a single linear hash chain to a content-addressed
// parent-set DAG, and from "append assigns order" to "order is derived
// from parents plus the LWW comparator".
package replay

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bonesdb/bones/internal/lattice"
	"github.com/bonesdb/bones/internal/types"
)

// Warning describes a non-fatal anomaly encountered during replay:
// an unknown event type or malformed data, both of which still advance
// the cursor as deterministic no-ops per §4.7.
type Warning struct {
	EventHash string
	Message   string
}

// Replayer holds the full set of observed events (the buffer doubles
// as storage, per §4.7: "the log is the buffer") and the per-item
// lattice states derived from applying them in topological order.
type Replayer struct {
	mu sync.Mutex

	events  map[string]types.Event
	applied map[string]bool
	items   map[string]lattice.ItemState
	order   []string // event hashes in the order they were applied

	warnings []Warning
}

// New returns an empty Replayer.
func New() *Replayer {
	return &Replayer{
		events:  map[string]types.Event{},
		applied: map[string]bool{},
		items:   map[string]lattice.ItemState{},
	}
}

// Ingest records e in the buffer (if not already present) and applies
// every event, including e, whose parents are now all satisfied. It is
// safe to call Ingest with events in any order, including out of
// causal order or with duplicates.
func (r *Replayer) Ingest(e types.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[e.EventHash]; ok {
		return nil // duplicate, already buffered/applied
	}
	r.events[e.EventHash] = e

	return r.drain()
}

// drain repeatedly finds the set of buffered-but-unapplied events whose
// parents are all applied, orders that ready set by the LWW comparator
// for determinism, and applies them, until no further progress is made.
func (r *Replayer) drain() error {
	for {
		ready := r.readySet()
		if len(ready) == 0 {
			return nil
		}
		for _, hash := range ready {
			if err := r.apply(r.events[hash]); err != nil {
				return err
			}
			r.applied[hash] = true
			r.order = append(r.order, hash)
		}
	}
}

func (r *Replayer) readySet() []string {
	var ready []string
	for hash, e := range r.events {
		if r.applied[hash] {
			continue
		}
		if r.parentsSatisfied(e) {
			ready = append(ready, hash)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return lattice.Compare(refOf(r.events[ready[i]]), refOf(r.events[ready[j]])) < 0
	})
	return ready
}

func (r *Replayer) parentsSatisfied(e types.Event) bool {
	for _, p := range e.Parents {
		if !r.applied[p] {
			return false
		}
	}
	return true
}

func refOf(e types.Event) lattice.Ref {
	// A malformed ITC stamp here degrades gracefully to ranking by
	// wall_ts_us/agent/hash alone, which is still a valid total order;
	// apply() surfaces the decode error itself as a warning when the
	// event is actually applied to the lattice.
	ref, err := lattice.RefOf(e)
	if err != nil {
		return lattice.Ref{Hash: e.EventHash, WallTimeUS: e.WallTimeUS, Agent: e.Agent}
	}
	return ref
}

func (r *Replayer) apply(e types.Event) error {
	if !types.IsKnown(e.Type) {
		r.warnings = append(r.warnings, Warning{EventHash: e.EventHash, Message: fmt.Sprintf("unknown event type %q treated as no-op", e.Type)})
		return nil
	}
	state, ok := r.items[e.ItemID]
	if !ok {
		state = lattice.NewItemState(e.ItemID)
	}
	next, err := lattice.Apply(state, e)
	if err != nil {
		r.warnings = append(r.warnings, Warning{EventHash: e.EventHash, Message: err.Error()})
		return nil
	}
	r.items[e.ItemID] = next
	return nil
}

// ItemState returns the current lattice state for itemID.
func (r *Replayer) ItemState(itemID string) (lattice.ItemState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.items[itemID]
	return s, ok
}

// Frontier returns the set of event hashes that are not a parent of
// any other observed event: the stored event hashes minus the union of
// all parents, per §3's Frontier definition. It includes buffered
// (not-yet-applied) events, since the frontier is a fact about the
// observed DAG shape, independent of application order.
func (r *Replayer) Frontier() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	isParent := map[string]bool{}
	for _, e := range r.events {
		for _, p := range e.Parents {
			isParent[p] = true
		}
	}
	var frontier []string
	for hash := range r.events {
		if !isParent[hash] {
			frontier = append(frontier, hash)
		}
	}
	sort.Strings(frontier)
	return frontier
}

// Items returns a snapshot copy of every item's current lattice state,
// keyed by item ID, for bulk projection rebuilds.
func (r *Replayer) Items() map[string]lattice.ItemState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]lattice.ItemState, len(r.items))
	for id, s := range r.items {
		out[id] = s
	}
	return out
}

// Warnings returns every non-fatal anomaly observed so far.
func (r *Replayer) Warnings() []Warning {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Warning, len(r.warnings))
	copy(out, r.warnings)
	return out
}

// Seen reports whether an event with this hash has already been
// ingested, regardless of whether it has been applied yet, so a caller
// importing another replica's log can skip re-appending events this
// repo already has.
func (r *Replayer) Seen(hash string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.events[hash]
	return ok
}

// Buffered reports how many observed events have not yet been applied
// because at least one parent is still missing.
func (r *Replayer) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events) - len(r.applied)
}
