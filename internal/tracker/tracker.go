// Package tracker decides which fetched items are new for a source.
//
// Each source has a checkpoint (the newest id of the last poll) and a
// bounded seen-set. The first poll of a source only seeds state.
package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"watchbot/internal/source"
	"watchbot/internal/storage"
	logx "watchbot/pkg/logx"
)

const (
	DefaultMaxSeen = 500
	DefaultSeenTTL = 48 * time.Hour

	// MinSeenTTL keeps ids long enough to cover provider reorderings.
	MinSeenTTL = 24 * time.Hour
)

type Config struct {
	MaxSeen int
	SeenTTL time.Duration
}

func (c Config) normalized() Config {
	if c.MaxSeen <= 0 {
		c.MaxSeen = DefaultMaxSeen
	}
	if c.SeenTTL <= 0 {
		c.SeenTTL = DefaultSeenTTL
	}
	if c.SeenTTL < MinSeenTTL {
		c.SeenTTL = MinSeenTTL
	}
	return c
}

type state struct {
	mu       sync.Mutex
	lastSeen string
	seen     map[string]time.Time
	updated  time.Time
	dirty    bool
}

// Tracker owns the checkpoint and seen-set of every source in the process.
type Tracker struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	mu     sync.Mutex
	states map[string]*state
}

// New returns a tracker. store may be nil (state lives only in memory).
func New(cfg Config, store storage.Store, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		cfg:    cfg.normalized(),
		store:  store,
		log:    log,
		now:    time.Now,
		states: make(map[string]*state),
	}
}

func (t *Tracker) get(key string) *state {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[key]
	if !ok {
		st = &state{seen: make(map[string]time.Time)}
		t.states[key] = st
	}
	return st
}

// FilterNew returns the items of a newest-first batch that were not seen
// before, keeping batch order. It does not change state.
func (t *Tracker) FilterNew(ref source.Ref, items []source.Item) []source.Item {
	st := t.get(ref.Key())
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.filterNew(items)
}

// Advance moves the checkpoint to items[0] and records every id as seen.
// An empty batch leaves state untouched.
func (t *Tracker) Advance(ref source.Ref, items []source.Item) {
	if len(items) == 0 {
		return
	}
	st := t.get(ref.Key())
	st.mu.Lock()
	defer st.mu.Unlock()
	st.advance(items, t.now(), t.cfg)
}

// Observe is FilterNew followed by Advance under the source's lock.
func (t *Tracker) Observe(ref source.Ref, items []source.Item) []source.Item {
	st := t.get(ref.Key())
	st.mu.Lock()
	defer st.mu.Unlock()
	fresh := st.filterNew(items)
	if len(items) > 0 {
		st.advance(items, t.now(), t.cfg)
	}
	return fresh
}

// Checkpoint returns the last seen id; ok is false for never-polled sources.
func (t *Tracker) Checkpoint(ref source.Ref) (string, bool) {
	st := t.get(ref.Key())
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastSeen, st.lastSeen != ""
}

// Seen reports whether id is in the source's seen-set.
func (t *Tracker) Seen(ref source.Ref, id string) bool {
	st := t.get(ref.Key())
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.seen[id]
	return ok
}

func (st *state) filterNew(items []source.Item) []source.Item {
	if st.lastSeen == "" {
		return nil
	}
	// Items past the checkpoint are normally known, but scraped layouts can
	// reorder or edit posts, so the seen-set is consulted on both sides.
	var out []source.Item
	batch := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := batch[it.ID]; dup {
			continue
		}
		batch[it.ID] = struct{}{}
		if it.ID == st.lastSeen {
			continue
		}
		if _, ok := st.seen[it.ID]; ok {
			continue
		}
		out = append(out, it)
	}
	return out
}

func (st *state) advance(items []source.Item, now time.Time, cfg Config) {
	st.lastSeen = items[0].ID
	// Every observation refreshes the timestamp, so age eviction only drops
	// ids the provider has stopped returning.
	for _, it := range items {
		st.seen[it.ID] = now
	}
	st.evict(now, cfg)
	st.updated = now
	st.dirty = true
}

func (st *state) evict(now time.Time, cfg Config) int {
	removed := 0
	cut := now.Add(-cfg.SeenTTL)
	for id, at := range st.seen {
		if at.Before(cut) && id != st.lastSeen {
			delete(st.seen, id)
			removed++
		}
	}
	if over := len(st.seen) - cfg.MaxSeen; over > 0 {
		type aged struct {
			id string
			at time.Time
		}
		all := make([]aged, 0, len(st.seen))
		for id, at := range st.seen {
			if id != st.lastSeen {
				all = append(all, aged{id, at})
			}
		}
		sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
		for i := 0; i < over && i < len(all); i++ {
			delete(st.seen, all[i].id)
			removed++
		}
	}
	return removed
}

// Prune applies the age and count bounds to every source. It returns the
// number of evicted ids.
func (t *Tracker) Prune() int {
	now := t.now()
	total := 0
	for _, st := range t.snapshot() {
		st.mu.Lock()
		if n := st.evict(now, t.cfg); n > 0 {
			st.dirty = true
			total += n
		}
		st.mu.Unlock()
	}
	return total
}

func (t *Tracker) snapshot() map[string]*state {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*state, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// Load replaces in-memory state with the persisted one. Call before any
// polling loop starts.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	states, err := t.store.LoadSources(ctx)
	if err != nil {
		return fmt.Errorf("tracker: load: %w", err)
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ps := range states {
		st := &state{lastSeen: ps.LastSeenID, seen: make(map[string]time.Time, len(ps.Seen)), updated: ps.UpdatedAt}
		for id, at := range ps.Seen {
			st.seen[id] = at
		}
		st.evict(now, t.cfg)
		t.states[ps.Key] = st
	}
	t.log.Debug("tracker state loaded", logx.Int("sources", len(states)))
	return nil
}

// Flush persists sources changed since the last flush.
func (t *Tracker) Flush(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	var batch []storage.SourceState
	var flushed []*state
	for key, st := range t.snapshot() {
		st.mu.Lock()
		if st.dirty {
			ss := storage.SourceState{
				Key:        key,
				LastSeenID: st.lastSeen,
				Seen:       make(map[string]time.Time, len(st.seen)),
				UpdatedAt:  st.updated,
			}
			for id, at := range st.seen {
				ss.Seen[id] = at
			}
			batch = append(batch, ss)
			flushed = append(flushed, st)
			st.dirty = false
		}
		st.mu.Unlock()
	}
	if len(batch) == 0 {
		return nil
	}
	if err := t.store.SaveSources(ctx, batch); err != nil {
		for _, st := range flushed {
			st.mu.Lock()
			st.dirty = true
			st.mu.Unlock()
		}
		return fmt.Errorf("tracker: flush: %w", err)
	}
	t.log.Debug("tracker state flushed", logx.Int("sources", len(batch)))
	return nil
}

// Dirty reports the number of sources with unflushed changes.
func (t *Tracker) Dirty() int {
	n := 0
	for _, st := range t.snapshot() {
		st.mu.Lock()
		if st.dirty {
			n++
		}
		st.mu.Unlock()
	}
	return n
}
