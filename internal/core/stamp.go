package core

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/bonesdb/bones/internal/itc"
)

// stampFile persists the per-repo ITC allocator: an unallocated pool
// stamp plus one forked-off stamp per distinct agent that has ever
// appended through this repo, across process restarts, with the same
// atomic read/rewrite discipline as internal/clock.Clock.
//
// A brand-new agent's first append forks a disjoint slice of ID
// ownership off the pool (itc.Fork), so two agents writing into the
// same repo hold comparably disjoint stamps instead of both racing from
// itc.Seed()'s full-ownership ID. Reconciling with another replica's
// pool (Engine.ImportReplica) reclaims ownership back into the local
// pool via itc.Join.
type stampFile struct {
	mu     sync.Mutex
	path   string
	pool   itc.Stamp
	agents map[string]itc.Stamp
	loaded bool
}

func openStampFile(path string) *stampFile {
	return &stampFile{path: path, agents: map[string]itc.Stamp{}}
}

// Next returns the next stamp for agent, advancing agent's own causal
// history. An agent appending here for the first time is forked off the
// repo's pool before its first event, so its stamps are disjoint from
// every other agent's and from the pool itself. The caller must hold
// the repo write lock.
func (f *stampFile) Next(agent string) (itc.Stamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		if err := f.load(); err != nil {
			return itc.Stamp{}, err
		}
	}

	s, ok := f.agents[agent]
	if !ok {
		pool, forked := itc.Fork(f.pool)
		f.pool = pool
		s = forked
	}
	next := itc.Event(s)
	f.agents[agent] = next
	if err := f.persist(); err != nil {
		return itc.Stamp{}, err
	}
	return next, nil
}

// Pool returns the repository's current unallocated ownership stamp,
// for a sibling repo's ImportReplica to reconcile against.
func (f *stampFile) Pool() (itc.Stamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		if err := f.load(); err != nil {
			return itc.Stamp{}, err
		}
	}
	return f.pool, nil
}

// SetPool overwrites the stamp file's pool to pool and persists
// immediately, used both to record a forking repo's post-fork remainder
// and to seed a freshly created replica's pool to the forked-off child
// stamp it was handed, instead of itc.Seed()'s full-ownership ID.
func (f *stampFile) SetPool(pool itc.Stamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		if err := f.load(); err != nil {
			return err
		}
	}
	f.pool = pool
	return f.persist()
}

// Reclaim merges a foreign repo's pool into this one's via itc.Join,
// widening the local pool so subsequent local forks draw from the
// combined ownership the two repos collectively held.
func (f *stampFile) Reclaim(foreignPool itc.Stamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		if err := f.load(); err != nil {
			return err
		}
	}
	f.pool = itc.Join(f.pool, foreignPool)
	return f.persist()
}

// load reads the pool stamp from the first line of the file and one
// "<agent>\t<stamp>" line per agent from the rest, or seeds a fresh
// pool if the file does not exist yet.
func (f *stampFile) load() error {
	data, err := os.ReadFile(f.path) // #nosec G304 -- repo-local state
	if err != nil {
		if os.IsNotExist(err) {
			f.pool = itc.Seed()
			f.loaded = true
			return nil
		}
		return fmt.Errorf("core: reading itc stamp %s: %w", f.path, err)
	}

	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		f.pool = itc.Seed()
		f.loaded = true
		return nil
	}

	lines := strings.Split(text, "\n")
	pool, err := itc.Decode(lines[0])
	if err != nil {
		return fmt.Errorf("core: decoding itc pool stamp %s: %w", f.path, err)
	}
	f.pool = pool

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		agent, encoded, found := strings.Cut(line, "\t")
		if !found {
			return fmt.Errorf("core: malformed itc agent line %q in %s", line, f.path)
		}
		s, err := itc.Decode(encoded)
		if err != nil {
			return fmt.Errorf("core: decoding itc stamp for agent %q in %s: %w", agent, f.path, err)
		}
		f.agents[agent] = s
	}
	f.loaded = true
	return nil
}

func (f *stampFile) persist() error {
	var b strings.Builder
	b.WriteString(itc.Encode(f.pool))
	b.WriteByte('\n')
	for agent, s := range f.agents {
		b.WriteString(agent)
		b.WriteByte('\t')
		b.WriteString(itc.Encode(s))
		b.WriteByte('\n')
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil { // #nosec G306 -- repo-local state
		return fmt.Errorf("core: writing itc stamp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("core: renaming itc stamp %s to %s: %w", tmp, f.path, err)
	}
	return nil
}
