// Package core implements the Engine facade described by §5: the one
// entry point that ties the event log, clock, lattice replayer,
// projection, and integrity operations into the five verbs a caller
// actually needs — append_event, read_item, iter_items, verify, and
// the maintenance trio rebuild/compact/redact.
//
// Grounded on the teacher's root beads.go facade: a thin struct wrapping
// the lower packages, exposing verbs instead of their machinery,
// generalized here from a type-alias re-export to an owning struct
// since this facade also holds the mutable state (lock, clock, replayer)
// those verbs share.
package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bonesdb/bones/internal/boneserr"
	"github.com/bonesdb/bones/internal/clock"
	"github.com/bonesdb/bones/internal/columnar"
	"github.com/bonesdb/bones/internal/config"
	"github.com/bonesdb/bones/internal/debug"
	"github.com/bonesdb/bones/internal/eventlog"
	"github.com/bonesdb/bones/internal/integrity"
	"github.com/bonesdb/bones/internal/itc"
	"github.com/bonesdb/bones/internal/lattice"
	"github.com/bonesdb/bones/internal/projection"
	"github.com/bonesdb/bones/internal/replay"
	"github.com/bonesdb/bones/internal/types"
)

// Engine is a single repository's live handle: the event log, the
// derived columnar cache, the persisted clock and ITC stamp, the
// in-memory lattice replayer, and the relational projection, all
// guarded by one exclusive repo lock for the duration of each mutating
// call.
type Engine struct {
	dir   string
	log   *eventlog.Store
	clk   *clock.Clock
	stamp *stampFile
	proj  *projection.Store
	rep   *replay.Replayer
}

// Intent describes one caller-requested mutation: the event type, the
// target item (empty for a fresh item.create, which mints its own ID
// via internal/idgen at the call site), the event's data payload, an
// optional agent override, and an explicit override to bypass the
// secret guard for a payload a human has already reviewed.
type Intent struct {
	Type         types.EventType
	ItemID       string
	Data         map[string]any
	Agent        string
	AllowSecrets bool
}

// Open opens (creating if necessary) the repository rooted at dir:
// "<dir>/events" for the event log, "<dir>/cache" for the clock, ITC
// stamp, and columnar cache, and "<dir>/projection.db" for the
// relational projection. It replays the full event log into memory and
// brings the projection up to date before returning.
func Open(ctx context.Context, dir string) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { // #nosec G301 -- repo-local state directory
		return nil, fmt.Errorf("core: creating %s: %w", dir, err)
	}
	cacheDir := filepath.Join(dir, "cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil { // #nosec G301 -- repo-local state directory
		return nil, fmt.Errorf("core: creating %s: %w", cacheDir, err)
	}

	log, err := eventlog.Open(filepath.Join(dir, "events"))
	if err != nil {
		return nil, err
	}
	proj, err := projection.Open(filepath.Join(dir, "projection.db"))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dir:   dir,
		log:   log,
		clk:   clock.Open(filepath.Join(cacheDir, "clock")),
		stamp: openStampFile(filepath.Join(cacheDir, "itc")),
		proj:  proj,
	}
	if err := e.coldStart(ctx); err != nil {
		proj.Close()
		return nil, err
	}
	return e, nil
}

// Close releases the projection database handle. The event log and
// cache files need no explicit close.
func (e *Engine) Close() error {
	return e.proj.Close()
}

// Dir returns the repository root directory this Engine was opened
// with, the argument a sibling process's ImportReplica call needs.
func (e *Engine) Dir() string {
	return e.dir
}

func (e *Engine) cachePath() string {
	return filepath.Join(e.dir, "cache", "events.bin")
}

// coldStart rebuilds the in-memory replayer from the columnar cache
// (covering every sealed shard, if the cache is present and readable)
// plus a fresh parse of every shard not yet reflected in it, then syncs
// the projection to match. Reading every shard even when the cache hit
// is a correctness no-op, not a bug: Replayer.Ingest dedups by event
// hash, so replaying an event twice changes nothing.
func (e *Engine) coldStart(ctx context.Context) error {
	r := replay.New()

	if f, err := os.Open(e.cachePath()); err == nil { // #nosec G304 -- repo-local cache file
		cached, err := columnar.Read(f)
		f.Close()
		if err != nil {
			debug.Logf("core: columnar cache unreadable, falling back to shards: %v\n", err)
		} else {
			for _, ev := range cached {
				if err := r.Ingest(ev); err != nil {
					return fmt.Errorf("core: ingesting cached event: %w", err)
				}
			}
		}
	}

	names, err := e.log.ListShards()
	if err != nil {
		return err
	}
	for _, name := range names {
		events, err := e.log.ReadShard(name)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := r.Ingest(ev); err != nil {
				return fmt.Errorf("core: ingesting event from %s: %w", name, err)
			}
		}
	}
	e.rep = r
	return e.syncProjection(ctx)
}

// syncProjection resets the projection and repopulates it from the
// replayer's current items in one pass, leaving the cursor pointing at
// the log's current frontier.
func (e *Engine) syncProjection(ctx context.Context) error {
	if err := e.proj.Reset(ctx); err != nil {
		return err
	}
	items := e.rep.Items()
	if len(items) == 0 {
		return nil
	}
	frontier := e.rep.Frontier()
	var lastHash string
	if len(frontier) > 0 {
		lastHash = frontier[len(frontier)-1]
	}
	active, err := e.log.ActiveShardName(time.Now())
	if err != nil {
		return err
	}
	size, err := e.log.Size(active)
	if err != nil {
		return err
	}
	return e.proj.Advance(ctx, items, projection.Cursor{ShardName: active, ByteOffset: size, LastEventHash: lastHash})
}

// withLock runs fn with the repository's exclusive advisory lock held,
// bounding the wait by the configured lock-timeout (30s by default).
func (e *Engine) withLock(ctx context.Context, fn func() error) error {
	lock := e.log.Lock()
	timeout := config.GetDuration("lock-timeout")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	locked, err := lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil || !locked {
		return boneserr.Wrap(boneserr.LockContention, "core: acquiring repository lock", err)
	}
	defer lock.Unlock() // #nosec G104 -- best-effort unlock, the lock file itself is advisory

	return fn()
}

// AppendEvent resolves the caller's agent, scans the payload for
// probable credentials, allocates a fresh timestamp and ITC stamp, and
// commits one event referencing the current frontier as its parents,
// per §5's data flow. It returns the event's content hash.
func (e *Engine) AppendEvent(ctx context.Context, intent Intent) (string, error) {
	agent, err := config.ResolveIdentity(intent.Agent)
	if err != nil {
		return "", err
	}
	if !intent.AllowSecrets {
		if pattern := scanForSecrets(intent.Data); pattern != "" {
			return "", boneserr.New(boneserr.SecretGuard,
				fmt.Sprintf("core: payload matches a probable credential pattern (%s); pass an explicit override to append anyway", pattern))
		}
	}

	var hash string
	err = e.withLock(ctx, func() error {
		wallTS, err := e.clk.Next()
		if err != nil {
			return err
		}
		stamp, err := e.stamp.Next(agent)
		if err != nil {
			return err
		}
		ev := types.Event{
			WallTimeUS: wallTS,
			Agent:      agent,
			ITC:        itc.Encode(stamp),
			Parents:    e.rep.Frontier(),
			Type:       intent.Type,
			ItemID:     intent.ItemID,
			Data:       intent.Data,
		}
		committed, err := e.commit(ctx, ev)
		if err != nil {
			return err
		}
		hash = committed.EventHash
		return e.maybeAutoCompleteGoal(ctx, committed)
	})
	return hash, err
}

// commit appends ev to the active shard, folds it into the in-memory
// lattice, and advances the projection cursor, all while the caller
// already holds the repo lock. ev is normalized through the line codec
// first, so its Data holds exactly the types replay and the lattice
// expect (JSON numbers as float64, JSON arrays as []any) rather than
// whatever Go-native types the caller happened to build it with — the
// same normalization internal/integrity's stampHash applies to
// snapshot and redaction events.
func (e *Engine) commit(ctx context.Context, ev types.Event) (types.Event, error) {
	normalized, err := normalizeEvent(ev)
	if err != nil {
		return ev, err
	}
	ev = normalized

	shardName, err := e.log.ActiveShardName(time.Now())
	if err != nil {
		return ev, err
	}
	hash, err := e.log.Append(shardName, ev, config.DurableAppend())
	if err != nil {
		return ev, err
	}
	ev.EventHash = hash

	if err := e.rep.Ingest(ev); err != nil {
		return ev, err
	}
	state, _ := e.rep.ItemState(ev.ItemID)
	size, err := e.log.Size(shardName)
	if err != nil {
		return ev, err
	}
	cursor := projection.Cursor{ShardName: shardName, ByteOffset: size, LastEventHash: hash}
	if err := e.proj.Advance(ctx, map[string]lattice.ItemState{ev.ItemID: state}, cursor); err != nil {
		return ev, err
	}
	return ev, nil
}

// maybeAutoCompleteGoal implements the goals.auto_complete behavior
// described in §6's configuration surface: when a move lands an item on
// PhaseDone and every sibling under the same parent is also done, a
// system event closes the parent too; moving an item off PhaseDone
// reopens an already-closed parent. Both are synthesized with agent
// "bones" so the projection and audit trail can tell them apart from
// agent-issued moves. The caller already holds the repo lock.
func (e *Engine) maybeAutoCompleteGoal(ctx context.Context, ev types.Event) error {
	if !config.AutoCompleteGoals() || ev.Type != types.EventMove {
		return nil
	}
	state, ok := e.rep.ItemState(ev.ItemID)
	if !ok || !state.Parent.Set || state.Parent.Value == "" {
		return nil
	}
	return e.syncGoalPhase(ctx, state.Parent.Value)
}

// syncGoalPhase closes parentID when every non-deleted child has
// reached PhaseDone, and reopens it if it was already done but a child
// no longer is, recursing one level since a goal is itself always a
// direct child of at most one further goal.
func (e *Engine) syncGoalPhase(ctx context.Context, parentID string) error {
	items := e.rep.Items()
	allDone := true
	sawChild := false
	for id, st := range items {
		if id == parentID || st.Parent.Value != parentID || !st.Parent.Set {
			continue
		}
		if st.Deleted.Set && st.Deleted.Value {
			continue
		}
		sawChild = true
		if st.State.Phase != lattice.PhaseDone && st.State.Phase != lattice.PhaseArchived {
			allDone = false
			break
		}
	}
	if !sawChild {
		return nil
	}

	parent, ok := items[parentID]
	if !ok {
		return nil
	}
	wantClosed := allDone
	isClosed := parent.State.Phase == lattice.PhaseDone || parent.State.Phase == lattice.PhaseArchived
	if wantClosed == isClosed {
		return nil
	}

	wallTS, err := e.clk.Next()
	if err != nil {
		return err
	}
	stamp, err := e.stamp.Next("bones")
	if err != nil {
		return err
	}
	phase := "open"
	if wantClosed {
		phase = "done"
	}
	evType := types.EventSystemGoalClose
	if !wantClosed {
		evType = types.EventSystemGoalReopen
	}
	ev := types.Event{
		WallTimeUS: wallTS,
		Agent:      "bones",
		ITC:        itc.Encode(stamp),
		Parents:    e.rep.Frontier(),
		Type:       evType,
		ItemID:     parentID,
		Data:       map[string]any{"phase": phase, "epoch": parent.State.Epoch},
	}
	_, err = e.commit(ctx, ev)
	if err != nil {
		return err
	}
	// A goal may itself be another goal's child; propagate one level up.
	grandparent := parent.Parent
	if grandparent.Set && grandparent.Value != "" {
		return e.syncGoalPhase(ctx, grandparent.Value)
	}
	return nil
}

// ReadItem returns the current lattice state for itemID, the
// authoritative in-memory view read_item projects from.
func (e *Engine) ReadItem(itemID string) (lattice.ItemState, bool) {
	return e.rep.ItemState(itemID)
}

// IterItems returns one page of items from the relational projection
// matching filter, for the lazy, restartable iteration iter_items
// describes; callers page through results with Filter.Offset.
func (e *Engine) IterItems(ctx context.Context, filter projection.Filter) ([]projection.Item, error) {
	return e.proj.ListItems(ctx, filter)
}

// Search runs a full-text query over the projection's titles,
// descriptions, and labels.
func (e *Engine) Search(ctx context.Context, query string) ([]string, error) {
	return e.proj.Search(ctx, query)
}

// Verify runs a whole-log integrity pass: hash-chain continuity,
// manifest cross-checks on sealed shards, and unknown-parent detection.
func (e *Engine) Verify() (integrity.Report, error) {
	return integrity.Verify(e.log)
}

// Rebuild discards the in-memory replayer and projection and
// reconstructs both from the event log and columnar cache from
// scratch, per §8's "disposable and reconstructible" requirement. It
// then rewrites the columnar cache over every sealed shard.
func (e *Engine) Rebuild(ctx context.Context) error {
	return e.withLock(ctx, func() error {
		if err := e.coldStart(ctx); err != nil {
			return err
		}
		return e.writeColumnarCache()
	})
}

// writeColumnarCache serializes every event from every sealed shard
// into the derived cache, skipping the still-open active shard so the
// cache always represents a stable, already-sealed prefix of the log.
func (e *Engine) writeColumnarCache() error {
	active, err := e.log.ActiveShardName(time.Now())
	if err != nil {
		return err
	}
	names, err := e.log.ListShards()
	if err != nil {
		return err
	}
	var events []types.Event
	for _, name := range names {
		if name == active {
			continue
		}
		if _, err := e.log.ReadManifest(name); err != nil {
			continue // not sealed; the tail is reparsed fresh on every cold start
		}
		shardEvents, err := e.log.ReadShard(name)
		if err != nil {
			return err
		}
		events = append(events, shardEvents...)
	}

	f, err := os.Create(e.cachePath()) // #nosec G304 -- repo-local cache file
	if err != nil {
		return fmt.Errorf("core: creating columnar cache: %w", err)
	}
	defer f.Close()
	return columnar.Write(f, events, time.Now().UnixMicro())
}

// Compact runs a batch snapshot-compaction pass: every item eligible
// under cfg (done or archived, settled for at least cfg.MinAge) gets a
// single item.snapshot event folding its current lattice state, agent
// "bones", committed through the normal append path. With cfg.DryRun
// it returns the snapshots it would have written without committing
// them.
func (e *Engine) Compact(ctx context.Context, cfg integrity.Config, nowUS int64) ([]types.Event, error) {
	var built []types.Event
	err := e.withLock(ctx, func() error {
		eligible := eligibleStates(e.rep.Items(), nowUS, cfg)
		for _, state := range eligible {
			wallTS, err := e.clk.Next()
			if err != nil {
				return err
			}
			stamp, err := e.stamp.Next("bones")
			if err != nil {
				return err
			}
			ev, err := integrity.BuildSnapshot(state, "bones", stamp, wallTS, e.rep.Frontier())
			if err != nil {
				return err
			}
			if cfg.DryRun {
				built = append(built, ev)
				continue
			}
			committed, err := e.commit(ctx, ev)
			if err != nil {
				return err
			}
			built = append(built, committed)
		}
		return nil
	})
	return built, err
}

// eligibleStates filters items down to those CheckEligibility accepts,
// fanning the (pure, stateless) predicate out across up to
// cfg.Concurrency goroutines, the same work-channel/WaitGroup shape the
// teacher's compactor.go uses for its per-issue compaction pass.
func eligibleStates(items map[string]lattice.ItemState, nowUS int64, cfg integrity.Config) []lattice.ItemState {
	workers := cfg.Concurrency
	if workers <= 0 {
		workers = 1
	}

	workCh := make(chan lattice.ItemState, len(items))
	resultCh := make(chan lattice.ItemState, len(items))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for state := range workCh {
				if ok, _ := integrity.CheckEligibility(state, lastMoveTime(state), nowUS, cfg); ok {
					resultCh <- state
				}
			}
		}()
	}
	for _, state := range items {
		workCh <- state
	}
	close(workCh)
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var eligible []lattice.ItemState
	for state := range resultCh {
		eligible = append(eligible, state)
	}
	return eligible
}

// lastMoveTime is the wall-clock time of the event that produced the
// item's current (epoch, phase), the settled-since timestamp
// CheckEligibility needs. Zero until the item's first item.move (or the
// item.create that seeds PhaseOpen) is applied.
func lastMoveTime(state lattice.ItemState) int64 {
	return state.State.Ref.WallTimeUS
}

// normalizeEvent round-trips ev through the canonical line codec so its
// Data map holds JSON-decoded types throughout, matching what every
// other reader of the log (replay from disk, Verify, a future process)
// will see for the same bytes.
func normalizeEvent(ev types.Event) (types.Event, error) {
	line, err := eventlog.EncodeLine(ev)
	if err != nil {
		return ev, fmt.Errorf("core: encoding event: %w", err)
	}
	parsed, err := eventlog.ParseLine(line[:len(line)-1])
	if err != nil {
		return ev, fmt.Errorf("core: parsing freshly encoded event: %w", err)
	}
	return parsed, nil
}

// ForkReplica creates a brand-new sibling repository at destDir (which
// must not already exist), cloning every event currently in this repo's
// log and handing the clone a stamp pool forked off this repo's own
// pool via itc.Fork. This repo and the new replica hold disjoint ID
// ownership from the moment the replica exists, rather than each
// independently calling itc.Seed() and racing from the same
// full-ownership ID. It returns the newly opened replica Engine; the
// caller is responsible for closing it.
func (e *Engine) ForkReplica(ctx context.Context, destDir string) (*Engine, error) {
	var childPool itc.Stamp
	var events []types.Event
	err := e.withLock(ctx, func() error {
		pool, err := e.stamp.Pool()
		if err != nil {
			return err
		}
		remainder, child := itc.Fork(pool)
		if err := e.stamp.SetPool(remainder); err != nil {
			return err
		}
		childPool = child

		names, err := e.log.ListShards()
		if err != nil {
			return err
		}
		for _, name := range names {
			shardEvents, err := e.log.ReadShard(name)
			if err != nil {
				return err
			}
			events = append(events, shardEvents...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil { // #nosec G301 -- repo-local state directory
		return nil, fmt.Errorf("core: creating replica directory %s: %w", destDir, err)
	}
	destCacheDir := filepath.Join(destDir, "cache")
	if err := os.MkdirAll(destCacheDir, 0o755); err != nil { // #nosec G301 -- repo-local state directory
		return nil, fmt.Errorf("core: creating replica cache directory %s: %w", destCacheDir, err)
	}
	if err := openStampFile(filepath.Join(destCacheDir, "itc")).SetPool(childPool); err != nil {
		return nil, err
	}

	destLog, err := eventlog.Open(filepath.Join(destDir, "events"))
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		shardName, err := destLog.ActiveShardName(time.Now())
		if err != nil {
			return nil, err
		}
		if _, err := destLog.Append(shardName, ev, config.DurableAppend()); err != nil {
			return nil, err
		}
	}

	return Open(ctx, destDir)
}

// ImportReplica folds every event from a foreign repo directory (another
// Engine's dir, e.g. a clone fetched over some external transport) into
// this one, then reconciles ITC ownership: the foreign repo's
// unallocated stamp pool is merged into this repo's via itc.Join, so
// stamps the foreign repo forks after this point stay comparable
// against stamps forked locally. It returns the number of events newly
// committed (events already present, by hash, are a no-op).
func (e *Engine) ImportReplica(ctx context.Context, foreignDir string) (int, error) {
	foreignLog, err := eventlog.Open(filepath.Join(foreignDir, "events"))
	if err != nil {
		return 0, err
	}
	names, err := foreignLog.ListShards()
	if err != nil {
		return 0, err
	}
	var foreign []types.Event
	for _, name := range names {
		events, err := foreignLog.ReadShard(name)
		if err != nil {
			return 0, fmt.Errorf("core: reading foreign shard %s: %w", name, err)
		}
		foreign = append(foreign, events...)
	}

	foreignStamp := openStampFile(filepath.Join(foreignDir, "cache", "itc"))
	foreignPool, err := foreignStamp.Pool()
	if err != nil {
		return 0, err
	}

	imported := 0
	err = e.withLock(ctx, func() error {
		for _, ev := range foreign {
			if e.rep.Seen(ev.EventHash) {
				continue
			}
			shardName, err := e.log.ActiveShardName(time.Now())
			if err != nil {
				return err
			}
			hash, err := e.log.Append(shardName, ev, config.DurableAppend())
			if err != nil {
				return err
			}
			ev.EventHash = hash
			if err := e.rep.Ingest(ev); err != nil {
				return err
			}
			imported++
		}
		if imported > 0 {
			if err := e.syncProjection(ctx); err != nil {
				return err
			}
		}
		return e.stamp.Reclaim(foreignPool)
	})
	return imported, err
}

// Redact builds and commits an item.redact event overwriting one
// comment's body, per §4.9's redaction rule; it is a lattice-preserving
// operation like compaction, not a deletion of prior log lines.
func (e *Engine) Redact(ctx context.Context, itemID, commentHash, reason, agent string) (string, error) {
	resolved, err := config.ResolveIdentity(agent)
	if err != nil {
		return "", err
	}
	var hash string
	err = e.withLock(ctx, func() error {
		wallTS, err := e.clk.Next()
		if err != nil {
			return err
		}
		stamp, err := e.stamp.Next(resolved)
		if err != nil {
			return err
		}
		ev, err := integrity.BuildRedaction(itemID, commentHash, reason, resolved, stamp, wallTS, e.rep.Frontier())
		if err != nil {
			return err
		}
		committed, err := e.commit(ctx, ev)
		if err != nil {
			return err
		}
		hash = committed.EventHash
		return nil
	})
	return hash, err
}
