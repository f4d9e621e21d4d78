// Package ledger records which items reached which sinks and tracks sinks
// whose sends keep failing.
//
// An entry is written only after a successful send, so a missing entry
// means "send again next cycle". Entries expire after the retention window.
package ledger

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"watchbot/internal/storage"
	logx "watchbot/pkg/logx"
)

const (
	DefaultRetention     = 72 * time.Hour
	MinRetention         = 24 * time.Hour
	DefaultFlagThreshold = 5

	shardCount = 16
)

type Config struct {
	Retention time.Duration
	// FlagThreshold is the number of consecutive failed sends that flag a sink.
	FlagThreshold int
}

func (c Config) normalized() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Retention < MinRetention {
		c.Retention = MinRetention
	}
	if c.FlagThreshold <= 0 {
		c.FlagThreshold = DefaultFlagThreshold
	}
	return c
}

type shard struct {
	mu      sync.Mutex
	entries map[string]map[string]time.Time // sink -> item -> delivered at
	pending []storage.Delivery
}

type Ledger struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	shards [shardCount]*shard

	fmu        sync.Mutex
	streaks    map[string]int
	flags      map[string]storage.SinkFlag
	flagsDirty bool

	onFlag func(storage.SinkFlag)
}

// New returns a ledger. store may be nil.
func New(cfg Config, store storage.Store, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{
		cfg:     cfg.normalized(),
		store:   store,
		log:     log,
		now:     time.Now,
		streaks: make(map[string]int),
		flags:   make(map[string]storage.SinkFlag),
	}
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[string]map[string]time.Time)}
	}
	return l
}

// OnFlag registers a callback fired when a sink becomes flagged.
func (l *Ledger) OnFlag(fn func(storage.SinkFlag)) { l.onFlag = fn }

func (l *Ledger) shardFor(sink string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sink))
	return l.shards[h.Sum32()%shardCount]
}

// Has reports whether item was already delivered to sink.
func (l *Ledger) Has(sink, item string) bool {
	sh := l.shardFor(sink)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.entries[sink][item]
	return ok
}

// Record marks item as delivered to sink. Call only after the send succeeded.
func (l *Ledger) Record(sink, item string) {
	now := l.now()
	sh := l.shardFor(sink)
	sh.mu.Lock()
	m := sh.entries[sink]
	if m == nil {
		m = make(map[string]time.Time)
		sh.entries[sink] = m
	}
	if _, ok := m[item]; !ok {
		m[item] = now
		sh.pending = append(sh.pending, storage.Delivery{Sink: sink, ItemID: item, DeliveredAt: now})
	}
	sh.mu.Unlock()
}

// Len returns the number of live entries.
func (l *Ledger) Len() int {
	n := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for _, m := range sh.entries {
			n += len(m)
		}
		sh.mu.Unlock()
	}
	return n
}

// SendSucceeded resets the sink's failure streak and clears its flag.
func (l *Ledger) SendSucceeded(sink string) {
	l.fmu.Lock()
	defer l.fmu.Unlock()
	delete(l.streaks, sink)
	if _, ok := l.flags[sink]; ok {
		delete(l.flags, sink)
		l.flagsDirty = true
		l.log.Info("sink recovered", logx.String("sink", sink))
	}
}

// SendFailed extends the sink's failure streak and reports whether the sink
// is flagged afterwards.
func (l *Ledger) SendFailed(sink string) bool {
	l.fmu.Lock()
	l.streaks[sink]++
	n := l.streaks[sink]
	f, flagged := l.flags[sink]
	var fire *storage.SinkFlag
	switch {
	case flagged:
		f.ConsecutiveFailures = n
		l.flags[sink] = f
		l.flagsDirty = true
	case n >= l.cfg.FlagThreshold:
		f = storage.SinkFlag{Sink: sink, ConsecutiveFailures: n, FlaggedAt: l.now()}
		l.flags[sink] = f
		l.flagsDirty = true
		flagged = true
		fire = &f
	}
	cb := l.onFlag
	l.fmu.Unlock()

	if fire != nil {
		l.log.Warn("sink flagged after consecutive send failures",
			logx.String("sink", sink),
			logx.Int("failures", n),
		)
		if cb != nil {
			cb(*fire)
		}
	}
	return flagged
}

// Flagged reports whether sink is currently flagged.
func (l *Ledger) Flagged(sink string) bool {
	l.fmu.Lock()
	defer l.fmu.Unlock()
	_, ok := l.flags[sink]
	return ok
}

// Flags returns the flagged sinks ordered by address.
func (l *Ledger) Flags() []storage.SinkFlag {
	l.fmu.Lock()
	out := make([]storage.SinkFlag, 0, len(l.flags))
	for _, f := range l.flags {
		out = append(out, f)
	}
	l.fmu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Sink < out[j].Sink })
	return out
}

// Prune drops entries older than the retention window.
func (l *Ledger) Prune() int {
	cut := l.now().Add(-l.cfg.Retention)
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for sink, m := range sh.entries {
			for item, at := range m {
				if at.Before(cut) {
					delete(m, item)
					removed++
				}
			}
			if len(m) == 0 {
				delete(sh.entries, sink)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Load reads persisted entries and flags. Expired entries are skipped.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	ds, err := l.store.LoadDeliveries(ctx)
	if err != nil {
		return fmt.Errorf("ledger: load deliveries: %w", err)
	}
	flags, err := l.store.LoadFlags(ctx)
	if err != nil {
		return fmt.Errorf("ledger: load flags: %w", err)
	}

	cut := l.now().Add(-l.cfg.Retention)
	loaded := 0
	for _, d := range ds {
		if d.DeliveredAt.Before(cut) {
			continue
		}
		sh := l.shardFor(d.Sink)
		sh.mu.Lock()
		m := sh.entries[d.Sink]
		if m == nil {
			m = make(map[string]time.Time)
			sh.entries[d.Sink] = m
		}
		m[d.ItemID] = d.DeliveredAt
		sh.mu.Unlock()
		loaded++
	}

	l.fmu.Lock()
	for _, f := range flags {
		l.flags[f.Sink] = f
		l.streaks[f.Sink] = f.ConsecutiveFailures
	}
	l.fmu.Unlock()

	l.log.Debug("ledger loaded", logx.Int("entries", loaded), logx.Int("flags", len(flags)))
	return nil
}

// Flush writes new entries, prunes expired rows and saves changed flags.
func (l *Ledger) Flush(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	var batch []storage.Delivery
	for _, sh := range l.shards {
		sh.mu.Lock()
		batch = append(batch, sh.pending...)
		sh.pending = nil
		sh.mu.Unlock()
	}
	if err := l.store.PutDeliveries(ctx, batch); err != nil {
		l.requeue(batch)
		return fmt.Errorf("ledger: flush deliveries: %w", err)
	}
	if err := l.store.PruneDeliveries(ctx, l.now().Add(-l.cfg.Retention)); err != nil {
		return fmt.Errorf("ledger: prune: %w", err)
	}

	l.fmu.Lock()
	dirty := l.flagsDirty
	l.flagsDirty = false
	l.fmu.Unlock()
	if !dirty {
		return nil
	}
	if err := l.store.ReplaceFlags(ctx, l.Flags()); err != nil {
		l.fmu.Lock()
		l.flagsDirty = true
		l.fmu.Unlock()
		return fmt.Errorf("ledger: flush flags: %w", err)
	}
	return nil
}

func (l *Ledger) requeue(batch []storage.Delivery) {
	for _, d := range batch {
		sh := l.shardFor(d.Sink)
		sh.mu.Lock()
		sh.pending = append(sh.pending, d)
		sh.mu.Unlock()
	}
}
