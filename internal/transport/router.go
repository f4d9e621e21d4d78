package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"watchbot/internal/observability/metrics"
	"watchbot/pkg/logx"
)

// ErrNoSink is returned for addresses whose scheme has no registered sink.
var ErrNoSink = errors.New("transport: no sink for scheme")

// Message is a rendered notification. HTML bodies use the Telegram subset
// (<b>, <i>, <a>); sinks that cannot render HTML convert it.
type Message struct {
	Text           string
	HTML           bool
	DisablePreview bool
}

// Sink delivers messages for one address scheme.
type Sink interface {
	Scheme() string
	Deliver(ctx context.Context, to Address, msg Message) error
}

// Router dispatches by address scheme. It satisfies the dispatcher's Sender
// (HTML bodies) and the log service's Sender (plain text).
type Router struct {
	log logx.Logger

	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewRouter(log logx.Logger, sinks ...Sink) *Router {
	r := &Router{log: log, sinks: map[string]Sink{}}
	for _, s := range sinks {
		r.Register(s)
	}
	return r
}

// Register adds or replaces the sink for s.Scheme().
func (r *Router) Register(s Sink) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.sinks[s.Scheme()] = s
	r.mu.Unlock()
}

func (r *Router) Deliver(ctx context.Context, address string, msg Message) error {
	to, err := ParseAddress(address)
	if err != nil {
		return err
	}
	r.mu.RLock()
	s, ok := r.sinks[to.Scheme]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrNoSink, to.Scheme)
	}
	if err := s.Deliver(ctx, to, msg); err != nil {
		metrics.SendsTotal.WithLabelValues(to.Scheme, "failed").Inc()
		return fmt.Errorf("%s: %w", to.Scheme, err)
	}
	metrics.SendsTotal.WithLabelValues(to.Scheme, "ok").Inc()
	return nil
}

// Send delivers an HTML notification and reports success.
func (r *Router) Send(ctx context.Context, address, text string) bool {
	err := r.Deliver(ctx, address, Message{Text: text, HTML: true})
	if err != nil {
		r.log.Warn("send failed", logx.String("sink", address), logx.Err(err))
		return false
	}
	return true
}

// SendText delivers plain text without logging failures, so it can back the
// log service's own sink.
func (r *Router) SendText(ctx context.Context, address, text string) error {
	return r.Deliver(ctx, address, Message{Text: text, DisablePreview: true})
}
