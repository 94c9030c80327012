// Package bones provides the public API for the CRDT-native issue
// tracker event engine: a content-addressed, causally-linked event log
// with a per-item lattice state and a disposable relational projection,
// safe for concurrent and offline editing across replicas.
//
// Most callers construct one Engine per repository with Open and then
// use AppendEvent, ReadItem, IterItems, Verify, Rebuild, Compact, and
// Redact. The command-line surface and any search/triage subsystem
// built on top of this package are external collaborators, not part of
// it.
package bones

import (
	"context"

	"github.com/bonesdb/bones/internal/config"
	"github.com/bonesdb/bones/internal/core"
	"github.com/bonesdb/bones/internal/integrity"
	"github.com/bonesdb/bones/internal/itc"
	"github.com/bonesdb/bones/internal/lattice"
	"github.com/bonesdb/bones/internal/projection"
	"github.com/bonesdb/bones/internal/types"
)

// Engine is a single repository's live handle.
type Engine = core.Engine

// Intent describes one caller-requested mutation passed to AppendEvent.
type Intent = core.Intent

// Open opens (creating if necessary) the repository rooted at dir and
// brings it up to date from the event log before returning.
func Open(ctx context.Context, dir string) (*Engine, error) {
	return core.Open(ctx, dir)
}

// Watch subscribes to projection updates: the returned channel receives
// a notification whenever a sibling process (or this one) advances the
// event log or projection, so a long-lived reader can re-run IterItems
// instead of polling. Call the returned stop function to release the
// watch.
func Watch(e *Engine) (<-chan struct{}, func() error, error) {
	return e.Watch()
}

// ForkReplica creates a brand-new sibling repository at destDir, cloning
// e's current event history and handing the clone a disjoint slice of
// e's ITC ownership (rather than both independently re-seeding), the
// idiomatic way to bring a new collaborating replica into existence.
func ForkReplica(ctx context.Context, e *Engine, destDir string) (*Engine, error) {
	return e.ForkReplica(ctx, destDir)
}

// ImportReplica folds every event from another repository directory
// into e, reconciling the two repos' ITC ownership so stamps each
// forks afterward stay comparable. Returns the number of events newly
// committed.
func ImportReplica(ctx context.Context, e *Engine, foreignDir string) (int, error) {
	return e.ImportReplica(ctx, foreignDir)
}

// Initialize loads host-visible configuration (project .bones/config.yaml,
// user config dir, or home directory, then BONES_-prefixed environment
// variables), per the configuration surface. Call once before Open.
func Initialize() error {
	return config.Initialize()
}

// Core types from the lower packages, re-exported so callers never
// need to import internal/ packages directly.
type (
	Event      = types.Event
	EventType  = types.EventType
	ItemState  = lattice.ItemState
	Phase      = lattice.Phase
	State      = lattice.State
	Filter     = projection.Filter
	Item       = projection.Item
	Report     = integrity.Report
	Finding    = integrity.Finding
	CompactCfg = integrity.Config
	Stamp      = itc.Stamp
)

// EventType constants, the closed catalog of event kinds a repository
// can contain.
const (
	EventCreate           = types.EventCreate
	EventUpdate           = types.EventUpdate
	EventMove             = types.EventMove
	EventAssign           = types.EventAssign
	EventComment          = types.EventComment
	EventLink             = types.EventLink
	EventUnlink           = types.EventUnlink
	EventDelete           = types.EventDelete
	EventCompact          = types.EventCompact
	EventSnapshot         = types.EventSnapshot
	EventRedact           = types.EventRedact
	EventSystemGoalClose  = types.EventSystemGoalClose
	EventSystemGoalReopen = types.EventSystemGoalReopen
)

// Phase constants, the ranked phases of the epoch-phase state lattice.
const (
	PhaseOpen     = lattice.PhaseOpen
	PhaseDoing    = lattice.PhaseDoing
	PhaseDone     = lattice.PhaseDone
	PhaseArchived = lattice.PhaseArchived
)

// ResolveIdentity implements the agent identity chain: an explicit
// argument, BONES_IDENTITY/BONES_ACTOR, a generic AGENT environment
// variable, the interactive OS username, or a hard failure.
func ResolveIdentity(flagValue string) (string, error) {
	return config.ResolveIdentity(flagValue)
}
