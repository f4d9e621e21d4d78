// Package watch runs one supervised polling loop per subscribed source.
//
// A loop fetches through the poller chain, asks the tracker which items are
// new, and hands those to the dispatcher. Stopping a loop never interrupts a
// cycle in progress: the cycle runs on a context detached from the loop's
// stop signal and bounded only by the cycle timeout.
package watch

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"watchbot/internal/dispatch"
	"watchbot/internal/eventbus"
	"watchbot/internal/observability/metrics"
	"watchbot/internal/poller"
	rtsup "watchbot/internal/runtime/supervisor"
	"watchbot/internal/source"
	"watchbot/pkg/logx"
)

const (
	DefaultInterval     = 60 * time.Second
	DefaultJitterMin    = 500 * time.Millisecond
	DefaultJitterMax    = 2 * time.Second
	DefaultFetchLimit   = 20
	DefaultCycleTimeout = 2 * time.Minute
)

type Config struct {
	Interval     time.Duration
	JitterMin    time.Duration
	JitterMax    time.Duration
	FetchLimit   int
	CycleTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.JitterMin <= 0 {
		c.JitterMin = DefaultJitterMin
	}
	if c.JitterMax <= 0 {
		c.JitterMax = DefaultJitterMax
	}
	if c.JitterMax < c.JitterMin {
		c.JitterMax = c.JitterMin
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = DefaultFetchLimit
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = DefaultCycleTimeout
	}
	return c
}

type Fetcher interface {
	Fetch(ctx context.Context, src source.Source, limit int) poller.Result
}

// Tracker filters and records novelty in one step.
type Tracker interface {
	Observe(ref source.Ref, items []source.Item) []source.Item
}

// Dispatcher receives new items. Enqueue is tried first; a full or stopped
// queue falls back to a synchronous Dispatch so tracked items are never
// dropped.
type Dispatcher interface {
	Enqueue(ref source.Ref, items []source.Item) (string, error)
	Dispatch(ctx context.Context, ref source.Ref, items []source.Item) dispatch.Report
}

// PollEvent is published after every cycle.
type PollEvent struct {
	Source   string        `json:"source"`
	Strategy string        `json:"strategy,omitempty"`
	Fetched  int           `json:"fetched"`
	New      int           `json:"new"`
	Took     time.Duration `json:"took"`
	OK       bool          `json:"ok"`
}

type Manager struct {
	cfg   Config
	fetch Fetcher
	track Tracker
	out   Dispatcher
	bus   eventbus.Bus
	log   logx.Logger
	sup   *rtsup.Supervisor

	mu    sync.Mutex
	loops map[string]*loop
	// stopping holds the done channels of loops stopped by Sync whose last
	// cycle may still be running.
	stopping map[string]<-chan struct{}
}

type loop struct {
	src    atomic.Pointer[source.Source]
	cancel context.CancelFunc
	done   <-chan struct{}
}

type Option func(*Manager)

func WithBus(b eventbus.Bus) Option   { return func(m *Manager) { m.bus = b } }
func WithLogger(l logx.Logger) Option { return func(m *Manager) { m.log = l } }

func NewManager(parent context.Context, cfg Config, fetch Fetcher, track Tracker, out Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		cfg:   cfg.normalized(),
		fetch: fetch,
		track: track,
		out:   out,
		bus:   eventbus.Nop{},
		log:   logx.Nop(),
		loops:    map[string]*loop{},
		stopping: map[string]<-chan struct{}{},
	}
	for _, o := range opts {
		o(m)
	}
	m.sup = rtsup.New(parent, rtsup.WithLogger(m.log))
	return m
}

// Supervisor exposes loop statistics for the debug endpoint.
func (m *Manager) Supervisor() *rtsup.Supervisor { return m.sup }

// Sync starts loops for sources not yet polled, stops loops for sources
// missing from sources, and updates the strategy order of the rest.
func (m *Manager) Sync(sources []source.Source) (started, stopped []string) {
	want := make(map[string]source.Source, len(sources))
	for _, s := range sources {
		want[s.Ref.Key()] = s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, done := range m.stopping {
		select {
		case <-done:
			delete(m.stopping, key)
		default:
		}
	}
	for key, l := range m.loops {
		if s, ok := want[key]; ok {
			l.src.Store(&s)
			continue
		}
		l.cancel()
		delete(m.loops, key)
		m.stopping[key] = l.done
		stopped = append(stopped, key)
	}
	for key, s := range want {
		if _, ok := m.loops[key]; ok {
			continue
		}
		m.loops[key] = m.start(s)
		started = append(started, key)
	}
	metrics.ActiveSources.Set(float64(len(m.loops)))
	sort.Strings(started)
	sort.Strings(stopped)
	if len(started) > 0 || len(stopped) > 0 {
		m.log.Info("watch loops synced", logx.Strings("started", started), logx.Strings("stopped", stopped), logx.Int("active", len(m.loops)))
	}
	return started, stopped
}

// start launches the loop for s. Callers hold m.mu. A previous loop of the
// same source is awaited first so two cycles of one source never overlap.
func (m *Manager) start(s source.Source) *loop {
	key := s.Ref.Key()
	prev := m.stopping[key]
	delete(m.stopping, key)

	ctx, cancel := context.WithCancel(m.sup.Context())
	l := &loop{cancel: cancel}
	l.src.Store(&s)
	l.done = m.sup.GoRestart("watch:"+key, ctx, func(ctx context.Context) error {
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return nil
			}
		}
		return m.run(ctx, l)
	})
	return l
}

// Active lists polled source keys.
func (m *Manager) Active() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.loops))
	for k := range m.loops {
		out = append(out, k)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

func (m *Manager) run(ctx context.Context, l *loop) error {
	for {
		src := *l.src.Load()
		ok := m.Cycle(ctx, src)
		if err := sleepCtx(ctx, m.nextDelay(ok)); err != nil {
			return nil
		}
	}
}

// nextDelay is interval plus jitter, doubled after a failed cycle.
func (m *Manager) nextDelay(ok bool) time.Duration {
	d := m.cfg.Interval
	if !ok {
		d *= 2
	}
	span := int64(m.cfg.JitterMax - m.cfg.JitterMin)
	jitter := m.cfg.JitterMin
	if span > 0 {
		jitter += time.Duration(rand.Int64N(span + 1))
	}
	return d + jitter
}

// Cycle polls src once and forwards new items. It reports whether some
// strategy succeeded. The cycle ignores cancellation of parent.
func (m *Manager) Cycle(parent context.Context, src source.Source) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), m.cfg.CycleTimeout)
	defer cancel()

	start := time.Now()
	res := m.fetch.Fetch(ctx, src, m.cfg.FetchLimit)
	ev := PollEvent{Source: src.Ref.Key(), Strategy: string(res.Strategy), Fetched: len(res.Items), OK: res.OK()}
	platform := string(src.Ref.Platform)
	log := m.log.With(logx.String("source", ev.Source))

	if !res.OK() {
		metrics.PollsTotal.WithLabelValues(platform, "failed").Inc()
		ev.Took = time.Since(start)
		m.bus.Publish(eventbus.Event{Type: eventbus.SourcePolled, Data: ev})
		log.Warn("poll failed", logx.Int("attempts", len(res.Attempts)), logx.Duration("took", ev.Took))
		return false
	}
	metrics.PollsTotal.WithLabelValues(platform, "ok").Inc()

	fresh := m.track.Observe(src.Ref, res.Items)
	ev.New = len(fresh)
	ev.Took = time.Since(start)
	m.bus.Publish(eventbus.Event{Type: eventbus.SourcePolled, Data: ev})
	log.Debug("polled", logx.String("strategy", ev.Strategy), logx.Int("fetched", ev.Fetched), logx.Int("new", ev.New), logx.Duration("took", ev.Took))
	if len(fresh) == 0 {
		return true
	}

	metrics.NewItemsTotal.WithLabelValues(platform).Add(float64(len(fresh)))
	m.bus.Publish(eventbus.Event{Type: eventbus.ItemsNew, Data: ev})
	batch, err := m.out.Enqueue(src.Ref, fresh)
	switch {
	case err == nil:
		log.Info("new items", logx.Int("count", len(fresh)), logx.String("batch", batch))
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrStopped):
		// The items are already tracked; deliver them here or lose them.
		log.Warn("dispatch queue unavailable, delivering inline", logx.Int("count", len(fresh)), logx.Err(err))
		m.out.Dispatch(ctx, src.Ref, fresh)
	default:
		log.Warn("new items not dispatched", logx.Int("count", len(fresh)), logx.Err(err))
	}
	return true
}

// Stop signals every loop and waits for in-flight cycles, bounded by ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	for key, l := range m.loops {
		l.cancel()
		delete(m.loops, key)
	}
	m.mu.Unlock()
	metrics.ActiveSources.Set(0)
	return m.sup.Stop(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
