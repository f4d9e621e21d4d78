// Package dispatch fans new items out to every enabled binding of their
// source, consulting the delivery ledger so a sink never sees an item twice.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"watchbot/internal/eventbus"
	"watchbot/internal/ledger"
	"watchbot/internal/observability/metrics"
	rtsup "watchbot/internal/runtime/supervisor"
	"watchbot/internal/source"
	"watchbot/internal/subscription"
	"watchbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatcher stopped")
)

const (
	DefaultQueueSize   = 256
	DefaultRatePerSec  = 20
	DefaultSendTimeout = 15 * time.Second
)

// Sender delivers rendered text to a sink address.
type Sender interface {
	Send(ctx context.Context, sinkAddress, text string) bool
}

type Config struct {
	QueueSize   int
	RatePerSec  int
	SendTimeout time.Duration
	Format      Formatter
}

func (c Config) normalized() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// Batch is one poll cycle's new items for a source, newest first.
type Batch struct {
	ID       string
	Source   source.Ref
	Items    []source.Item
	Enqueued time.Time
}

// Report summarizes one dispatch pass.
type Report struct {
	Batch    string
	Source   source.Ref
	Items    int
	Bindings int
	Sent     int
	Skipped  int // already in the ledger
	Failed   int
}

type SinkEvent struct {
	Sink   string `json:"sink"`
	Source string `json:"source"`
	ItemID string `json:"item_id"`
}

type Dispatcher struct {
	cfg     Config
	subs    subscription.Store
	ledger  *ledger.Ledger
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	accepting bool
	queue     chan Batch
	sup       *rtsup.Supervisor
	enqueueWG sync.WaitGroup
	stopDone  chan struct{}
}

type Option func(*Dispatcher)

func WithBus(b eventbus.Bus) Option      { return func(d *Dispatcher) { d.bus = b } }
func WithLogger(l logx.Logger) Option    { return func(d *Dispatcher) { d.log = l } }
func WithLimiter(l *rate.Limiter) Option { return func(d *Dispatcher) { d.limiter = l } }

func New(cfg Config, subs subscription.Store, led *ledger.Ledger, sender Sender, opts ...Option) *Dispatcher {
	cfg = cfg.normalized()
	d := &Dispatcher{
		cfg:     cfg,
		subs:    subs,
		ledger:  led,
		sender:  sender,
		bus:     eventbus.Nop{},
		log:     logx.Nop(),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch delivers items (newest first, as polled) oldest first. Bindings
// are resolved once per pass. A failed send is not retried in the same pass;
// the item stays out of the ledger so the next pass tries again.
func (d *Dispatcher) Dispatch(ctx context.Context, ref source.Ref, items []source.Item) Report {
	rep := Report{Source: ref, Items: len(items)}
	if len(items) == 0 {
		return rep
	}
	bindings := d.subs.Bindings(ref)
	sinks := make([]string, 0, len(bindings))
	seen := map[string]bool{}
	for _, b := range bindings {
		if !b.Enabled || seen[b.Sink] {
			continue
		}
		seen[b.Sink] = true
		sinks = append(sinks, b.Sink)
	}
	rep.Bindings = len(sinks)

	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		var text string
		for _, sink := range sinks {
			if d.ledger.Has(sink, it.ID) {
				rep.Skipped++
				metrics.LedgerSkipsTotal.Inc()
				continue
			}
			if err := d.limiter.Wait(ctx); err != nil {
				d.log.Debug("dispatch interrupted", logx.String("source", ref.Key()), logx.Err(err))
				return rep
			}
			if text == "" {
				text = d.cfg.Format.Format(it)
			}
			if d.send(ctx, ref, sink, it, text) {
				rep.Sent++
			} else {
				rep.Failed++
			}
		}
	}
	return rep
}

func (d *Dispatcher) send(ctx context.Context, ref source.Ref, sink string, it source.Item, text string) bool {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	ok := d.sender.Send(sctx, sink, text)
	cancel()

	ev := SinkEvent{Sink: sink, Source: ref.Key(), ItemID: it.ID}
	wasFlagged := d.ledger.Flagged(sink)
	if ok {
		d.ledger.Record(sink, it.ID)
		d.ledger.SendSucceeded(sink)
		d.bus.Publish(eventbus.Event{Type: eventbus.DeliverySent, Data: ev})
		if wasFlagged {
			d.bus.Publish(eventbus.Event{Type: eventbus.SinkRecovered, Data: ev})
		}
		return true
	}

	d.bus.Publish(eventbus.Event{Type: eventbus.DeliveryFailed, Data: ev})
	if d.ledger.SendFailed(sink) && !wasFlagged {
		d.bus.Publish(eventbus.Event{Type: eventbus.SinkFlagged, Data: ev})
	}
	return false
}

// Start launches the queue consumer. It is idempotent. Canceling ctx does
// not stop the consumer: queued batches are delivered until Stop closes
// the queue or its deadline passes.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue != nil || d.stopDone != nil {
		return
	}
	d.queue = make(chan Batch, d.cfg.QueueSize)
	d.accepting = true
	d.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(d.log))
	q := d.queue
	// One consumer keeps batches of a source in poll order.
	d.sup.GoRestart("dispatch.consumer", d.sup.Context(), func(c context.Context) error {
		return d.consume(c, q)
	})
}

// consume runs until q is closed and empty. ctx is canceled only when Stop
// gives up waiting; sends in flight then abort.
func (d *Dispatcher) consume(ctx context.Context, q <-chan Batch) error {
	for b := range q {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.QueueDepth.Set(float64(len(q)))
		rep := d.Dispatch(ctx, b.Source, b.Items)
		rep.Batch = b.ID
		if rep.Sent > 0 || rep.Failed > 0 {
			d.log.Info("dispatched",
				logx.String("batch", b.ID),
				logx.String("source", b.Source.Key()),
				logx.Int("items", rep.Items),
				logx.Int("sent", rep.Sent),
				logx.Int("skipped", rep.Skipped),
				logx.Int("failed", rep.Failed),
				logx.Duration("queued", time.Since(b.Enqueued)),
			)
		}
	}
	return nil
}

// Enqueue hands items to the consumer without blocking and returns the batch id.
func (d *Dispatcher) Enqueue(ref source.Ref, items []source.Item) (string, error) {
	if len(items) == 0 {
		return "", nil
	}
	d.mu.Lock()
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return "", ErrStopped
	}
	q := d.queue
	d.enqueueWG.Add(1)
	d.mu.Unlock()
	defer d.enqueueWG.Done()

	b := Batch{ID: uuid.NewString(), Source: ref, Items: items, Enqueued: time.Now()}
	select {
	case q <- b:
		metrics.QueueDepth.Set(float64(len(q)))
		return b.ID, nil
	default:
		return "", fmt.Errorf("%w (%d batches)", ErrQueueFull, cap(q))
	}
}

// Stop refuses new batches and drains the queue until ctx expires, then
// cancels the consumer.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	q := d.queue
	sup := d.sup
	if q == nil {
		d.mu.Unlock()
		return nil
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.enqueueWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.log.Warn("dispatch drain deadline reached; aborting", logx.Int("queued", len(q)))
		sup.Cancel()
		return ctx.Err()
	}
}
