package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchbot/internal/dispatch"
	"watchbot/internal/poller"
	"watchbot/internal/source"
	"watchbot/internal/tracker"
	"watchbot/pkg/logx"
)

var (
	chan42  = source.Source{Ref: source.Ref{Platform: source.Discord, Identifier: "channel-42"}}
	someone = source.Source{Ref: source.Ref{Platform: source.Twitter, Identifier: "someone"}}
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	batches map[string][][]source.Item // consumed in order; last one repeats
	fail    bool
	block   chan struct{}
	ctxErr  atomic.Value
	entered atomic.Int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, src source.Source, _ int) poller.Result {
	f.entered.Add(1)
	if f.block != nil {
		<-f.block
		f.ctxErr.Store(ctx.Err() != nil)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	n := f.calls[src.Ref.Key()]
	f.calls[src.Ref.Key()]++
	if f.fail {
		return poller.Result{}
	}
	bs := f.batches[src.Ref.Key()]
	if len(bs) == 0 {
		return poller.Result{Strategy: source.StrategyAPI}
	}
	return poller.Result{Items: bs[min(n, len(bs)-1)], Strategy: source.StrategyAPI}
}

func (f *fakeFetcher) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type fakeDispatcher struct {
	mu       sync.Mutex
	err      error
	enqueued [][]source.Item
	inline   [][]source.Item
}

func (d *fakeDispatcher) Enqueue(_ source.Ref, items []source.Item) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.enqueued = append(d.enqueued, items)
	return "b1", nil
}

func (d *fakeDispatcher) Dispatch(_ context.Context, ref source.Ref, items []source.Item) dispatch.Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inline = append(d.inline, items)
	return dispatch.Report{Source: ref, Items: len(items)}
}

func (d *fakeDispatcher) batches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.enqueued)
}

func msg(id string) source.Item {
	return source.Item{ID: id, Source: chan42.Ref, Text: "text " + id}
}

func fastConfig() Config {
	return Config{Interval: 5 * time.Millisecond, JitterMin: time.Millisecond, JitterMax: 2 * time.Millisecond}
}

func newTracker() *tracker.Tracker { return tracker.New(tracker.Config{}, nil, logx.Nop()) }

func stop(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
}

func TestCycleFirstPollIsSilent(t *testing.T) {
	f := &fakeFetcher{batches: map[string][][]source.Item{
		chan42.Ref.Key(): {
			{msg("m3"), msg("m2"), msg("m1")},
			{msg("m5"), msg("m4"), msg("m3")},
			{msg("m5"), msg("m4"), msg("m3")},
		},
	}}
	d := &fakeDispatcher{}
	m := NewManager(context.Background(), fastConfig(), f, newTracker(), d)

	assert.True(t, m.Cycle(context.Background(), chan42))
	assert.Zero(t, d.batches())

	assert.True(t, m.Cycle(context.Background(), chan42))
	require.Equal(t, 1, d.batches())
	ids := []string{d.enqueued[0][0].ID, d.enqueued[0][1].ID}
	assert.Equal(t, []string{"m5", "m4"}, ids)

	assert.True(t, m.Cycle(context.Background(), chan42))
	assert.Equal(t, 1, d.batches())
}

func TestCycleFailureReportsFalse(t *testing.T) {
	m := NewManager(context.Background(), fastConfig(), &fakeFetcher{fail: true}, newTracker(), &fakeDispatcher{})
	assert.False(t, m.Cycle(context.Background(), chan42))
}

func TestCycleUnavailableQueueDispatchesInline(t *testing.T) {
	for _, qerr := range []error{dispatch.ErrQueueFull, dispatch.ErrStopped} {
		t.Run(qerr.Error(), func(t *testing.T) {
			f := &fakeFetcher{batches: map[string][][]source.Item{
				chan42.Ref.Key(): {{msg("m1")}, {msg("m2"), msg("m1")}},
			}}
			d := &fakeDispatcher{err: qerr}
			m := NewManager(context.Background(), fastConfig(), f, newTracker(), d)

			m.Cycle(context.Background(), chan42)
			m.Cycle(context.Background(), chan42)
			require.Len(t, d.inline, 1)
			assert.Equal(t, "m2", d.inline[0][0].ID)
		})
	}
}

func TestNextDelay(t *testing.T) {
	m := NewManager(context.Background(), Config{Interval: time.Second}, &fakeFetcher{}, newTracker(), &fakeDispatcher{})
	for range 50 {
		d := m.nextDelay(true)
		assert.GreaterOrEqual(t, d, time.Second+DefaultJitterMin)
		assert.LessOrEqual(t, d, time.Second+DefaultJitterMax)

		d = m.nextDelay(false)
		assert.GreaterOrEqual(t, d, 2*time.Second+DefaultJitterMin)
		assert.LessOrEqual(t, d, 2*time.Second+DefaultJitterMax)
	}
}

func TestSyncStartsAndStopsLoops(t *testing.T) {
	f := &fakeFetcher{}
	m := NewManager(context.Background(), fastConfig(), f, newTracker(), &fakeDispatcher{})
	defer stop(t, m)

	started, stopped := m.Sync([]source.Source{chan42, someone})
	assert.Equal(t, []string{"discord:channel-42", "twitter:someone"}, started)
	assert.Empty(t, stopped)
	assert.Equal(t, started, m.Active())

	require.Eventually(t, func() bool { return f.count("twitter:someone") >= 2 }, 2*time.Second, 5*time.Millisecond)

	started, stopped = m.Sync([]source.Source{chan42})
	assert.Empty(t, started)
	assert.Equal(t, []string{"twitter:someone"}, stopped)
	assert.Equal(t, []string{"discord:channel-42"}, m.Active())

	time.Sleep(30 * time.Millisecond)
	n := f.count("twitter:someone")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, f.count("twitter:someone"), "stopped loop kept polling")
	assert.Greater(t, f.count("discord:channel-42"), 1)
}

func TestStopLetsInFlightCycleFinish(t *testing.T) {
	f := &fakeFetcher{block: make(chan struct{})}
	m := NewManager(context.Background(), fastConfig(), f, newTracker(), &fakeDispatcher{})
	m.Sync([]source.Source{chan42})

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stopped <- m.Stop(ctx)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a cycle was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(f.block)
	require.NoError(t, <-stopped)
	assert.Equal(t, 1, f.count(chan42.Ref.Key()))
	assert.Equal(t, false, f.ctxErr.Load(), "cycle context was canceled by stop")
}

func TestResubscribedSourceWaitsForPreviousCycle(t *testing.T) {
	f := &fakeFetcher{block: make(chan struct{})}
	m := NewManager(context.Background(), fastConfig(), f, newTracker(), &fakeDispatcher{})
	defer stop(t, m)

	m.Sync([]source.Source{chan42})
	require.Eventually(t, func() bool { return f.entered.Load() == 1 }, time.Second, time.Millisecond)

	_, stopped := m.Sync(nil)
	assert.Equal(t, []string{chan42.Ref.Key()}, stopped)
	started, _ := m.Sync([]source.Source{chan42})
	assert.Equal(t, []string{chan42.Ref.Key()}, started)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), f.entered.Load(), "new loop overlapped the in-flight cycle")

	close(f.block)
	require.Eventually(t, func() bool { return f.entered.Load() >= 2 }, 2*time.Second, time.Millisecond)
}
