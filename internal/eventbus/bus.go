// Package eventbus is a small in-memory fanout used to tell observers
// (metrics, the debug endpoint, operator alerts) what the pipeline did.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by watchbot components.
const (
	SourcePolled   = "source.polled"
	ItemsNew       = "items.new"
	DeliverySent   = "delivery.sent"
	DeliveryFailed = "delivery.failed"
	SinkFlagged    = "sink.flagged"
	SinkRecovered  = "sink.recovered"
	ConfigReloaded = "config.reloaded"
)

// Event is a non-blocking signal. Data is small and JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Stats counts published events and deliveries dropped on full subscribers.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
}

func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

// MemBus never blocks Publish; slow subscribers lose events.
type MemBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	// Sends happen under the read lock so unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *MemBus) Stats() Stats {
	return Stats{Published: b.published.Load(), Dropped: b.dropped.Load()}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
