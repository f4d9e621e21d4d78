package poller

import (
	"context"
	"time"

	"watchbot/internal/source"
	logx "watchbot/pkg/logx"
)

const (
	DefaultRateLimitMin = 5 * time.Second
	DefaultRateLimitMax = 2 * time.Minute
)

// Strategy fetches recent items for a source, newest first.
type Strategy interface {
	Kind() source.StrategyKind
	Fetch(ctx context.Context, src source.Source, limit int) ([]source.Item, error)
}

// Availability is implemented by strategies that depend on optional inputs
// (credentials, a mirror URL, a browser profile). Unavailable strategies are
// skipped without counting as failures.
type Availability interface {
	Available(src source.Source) bool
}

// Outcome describes one strategy attempt; used for logs and metrics.
type Outcome struct {
	Source   source.Ref
	Strategy source.StrategyKind
	Result   string // ok | auth | parse | transient | rate_limited | unavailable | skipped
	Items    int
	Took     time.Duration
	Err      error
}

// Result is the outcome of one chain run.
type Result struct {
	Items    []source.Item
	Strategy source.StrategyKind // strategy that produced Items; empty when all failed
	Attempts []Outcome
}

// OK reports whether some strategy succeeded.
func (r Result) OK() bool { return r.Strategy != "" }

// Chain runs a platform's strategies in the source's preferred order.
type Chain struct {
	platform   source.Platform
	strategies map[source.StrategyKind]Strategy
	log        logx.Logger

	rateMin time.Duration
	rateMax time.Duration

	// sleep is replaceable in tests.
	sleep     func(ctx context.Context, d time.Duration) error
	onOutcome func(Outcome)
}

type ChainOption func(*Chain)

func WithLogger(log logx.Logger) ChainOption { return func(c *Chain) { c.log = log } }

// WithRateLimitBounds sets the floor used when no retry hint is given and the
// cap applied to advertised hints.
func WithRateLimitBounds(min, max time.Duration) ChainOption {
	return func(c *Chain) {
		if min > 0 {
			c.rateMin = min
		}
		if max > 0 {
			c.rateMax = max
		}
	}
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) ChainOption {
	return func(c *Chain) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// WithOutcomeHook registers a callback invoked after every attempt.
func WithOutcomeHook(fn func(Outcome)) ChainOption { return func(c *Chain) { c.onOutcome = fn } }

func NewChain(platform source.Platform, strategies []Strategy, opts ...ChainOption) *Chain {
	c := &Chain{
		platform:   platform,
		strategies: make(map[source.StrategyKind]Strategy, len(strategies)),
		log:        logx.Nop(),
		rateMin:    DefaultRateLimitMin,
		rateMax:    DefaultRateLimitMax,
		sleep:      sleepCtx,
	}
	for _, s := range strategies {
		if s != nil {
			c.strategies[s.Kind()] = s
		}
	}
	for _, o := range opts {
		o(c)
	}
	if c.rateMax < c.rateMin {
		c.rateMax = c.rateMin
	}
	return c
}

func (c *Chain) Platform() source.Platform { return c.platform }

// FetchRecent returns the first successful strategy's items, or nil.
func (c *Chain) FetchRecent(ctx context.Context, src source.Source, limit int) []source.Item {
	return c.Fetch(ctx, src, limit).Items
}

// Fetch is FetchRecent with attempt diagnostics.
func (c *Chain) Fetch(ctx context.Context, src source.Source, limit int) Result {
	var res Result
	log := c.log.With(logx.String("source", src.Ref.Key()))

	for _, kind := range src.StrategyOrder() {
		if ctx.Err() != nil {
			return res
		}
		st, ok := c.strategies[kind]
		if !ok {
			continue
		}
		if av, ok := st.(Availability); ok && !av.Available(src) {
			c.note(&res, Outcome{Source: src.Ref, Strategy: kind, Result: "skipped"})
			log.Trace("strategy skipped (unavailable)", logx.String("strategy", string(kind)))
			continue
		}

		items, err := c.attempt(ctx, &res, st, src, limit)
		if rl, limited := AsRateLimited(err); limited {
			wait := c.rateWait(rl.After)
			log.Warn("rate limited; waiting before one retry",
				logx.String("strategy", string(kind)),
				logx.Duration("wait", wait),
			)
			if c.sleep(ctx, wait) != nil {
				return res
			}
			items, err = c.attempt(ctx, &res, st, src, limit)
			if _, still := AsRateLimited(err); still {
				// Escalating would sidestep the provider's limit through another channel.
				log.Warn("still rate limited; giving up until next cycle", logx.String("strategy", string(kind)))
				return res
			}
		}
		if err == nil {
			res.Items = items
			res.Strategy = kind
			return res
		}
		if IsContextErr(err) && ctx.Err() != nil {
			return res
		}
		log.Info("strategy failed; falling through",
			logx.String("strategy", string(kind)),
			logx.String("class", Classify(err)),
			logx.Err(err),
		)
	}

	if len(res.Attempts) > 0 {
		log.Debug("all strategies failed", logx.Int("attempts", len(res.Attempts)))
	}
	return res
}

func (c *Chain) attempt(ctx context.Context, res *Result, st Strategy, src source.Source, limit int) ([]source.Item, error) {
	start := time.Now()
	items, err := st.Fetch(ctx, src, limit)
	if err == nil && limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	c.note(res, Outcome{
		Source:   src.Ref,
		Strategy: st.Kind(),
		Result:   Classify(err),
		Items:    len(items),
		Took:     time.Since(start),
		Err:      err,
	})
	return items, err
}

func (c *Chain) note(res *Result, o Outcome) {
	res.Attempts = append(res.Attempts, o)
	if c.onOutcome != nil {
		c.onOutcome(o)
	}
}

func (c *Chain) rateWait(hint time.Duration) time.Duration {
	if hint < c.rateMin {
		hint = c.rateMin
	}
	if hint > c.rateMax {
		hint = c.rateMax
	}
	return hint
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Registry routes sources to their platform chain.
type Registry struct {
	chains map[source.Platform]*Chain
}

func NewRegistry(chains ...*Chain) *Registry {
	r := &Registry{chains: make(map[source.Platform]*Chain, len(chains))}
	for _, c := range chains {
		if c != nil {
			r.chains[c.platform] = c
		}
	}
	return r
}

func (r *Registry) Chain(p source.Platform) (*Chain, bool) {
	c, ok := r.chains[p]
	return c, ok
}

// Fetch runs the chain for src's platform. Unknown platforms yield an empty result.
func (r *Registry) Fetch(ctx context.Context, src source.Source, limit int) Result {
	c, ok := r.chains[src.Ref.Platform]
	if !ok {
		return Result{}
	}
	return c.Fetch(ctx, src, limit)
}

func (r *Registry) FetchRecent(ctx context.Context, src source.Source, limit int) []source.Item {
	return r.Fetch(ctx, src, limit).Items
}
