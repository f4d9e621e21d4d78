package poller

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchbot/internal/source"
)

type fakeStrategy struct {
	kind  source.StrategyKind
	calls int
	// results are consumed per call; the last one repeats.
	results []fakeResult
	avail   *bool
}

type fakeResult struct {
	items []source.Item
	err   error
}

func (f *fakeStrategy) Kind() source.StrategyKind { return f.kind }

func (f *fakeStrategy) Fetch(ctx context.Context, src source.Source, limit int) ([]source.Item, error) {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	r := f.results[i]
	return r.items, r.err
}

func (f *fakeStrategy) Available(source.Source) bool { return f.avail == nil || *f.avail }

var chainSrc = source.Source{Ref: source.Ref{Platform: source.Discord, Identifier: "channel-42"}}

func items(ids ...string) []source.Item {
	out := make([]source.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, source.Item{ID: id, Source: chainSrc.Ref, Text: "text " + id})
	}
	return out
}

func noSleep(sleeps *[]time.Duration) ChainOption {
	return WithSleep(func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	})
}

func TestChainFallsBackOnAuthError(t *testing.T) {
	api := &fakeStrategy{kind: source.StrategyAPI, results: []fakeResult{{err: AuthError("http 401")}}}
	html := &fakeStrategy{kind: source.StrategyHTML, results: []fakeResult{{items: items("b2", "b1")}}}

	c := NewChain(source.Discord, []Strategy{api, html})
	res := c.Fetch(context.Background(), chainSrc, 10)

	require.Len(t, res.Items, 2)
	assert.Equal(t, "b2", res.Items[0].ID)
	assert.Equal(t, "b1", res.Items[1].ID)
	assert.Equal(t, source.StrategyHTML, res.Strategy)
	assert.Equal(t, 1, api.calls)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, "auth", res.Attempts[0].Result)
}

func TestChainFallsBackOnParseAndTransient(t *testing.T) {
	api := &fakeStrategy{kind: source.StrategyAPI, results: []fakeResult{{err: ParseError("shape")}}}
	html := &fakeStrategy{kind: source.StrategyHTML, results: []fakeResult{{err: TransientError("timeout")}}}
	rss := &fakeStrategy{kind: source.StrategyRSS, results: []fakeResult{{items: items("r1")}}}

	got := NewChain(source.Discord, []Strategy{api, html, rss}).FetchRecent(context.Background(), chainSrc, 5)
	assert.Equal(t, items("r1"), got)
}

func TestChainAllFailedReturnsEmpty(t *testing.T) {
	api := &fakeStrategy{kind: source.StrategyAPI, results: []fakeResult{{err: AuthError("x")}}}
	html := &fakeStrategy{kind: source.StrategyHTML, results: []fakeResult{{err: ParseError("y")}}}

	res := NewChain(source.Discord, []Strategy{api, html}).Fetch(context.Background(), chainSrc, 5)
	assert.Empty(t, res.Items)
	assert.False(t, res.OK())
}

func TestChainSkipsUnavailableStrategy(t *testing.T) {
	no := false
	api := &fakeStrategy{kind: source.StrategyAPI, avail: &no, results: []fakeResult{{items: items("a1")}}}
	html := &fakeStrategy{kind: source.StrategyHTML, results: []fakeResult{{items: items("h1")}}}

	res := NewChain(source.Discord, []Strategy{api, html}).Fetch(context.Background(), chainSrc, 5)
	assert.Equal(t, 0, api.calls)
	assert.Equal(t, source.StrategyHTML, res.Strategy)
	assert.Equal(t, "skipped", res.Attempts[0].Result)
}

func TestChainRateLimitRetriesSameStrategyOnce(t *testing.T) {
	var sleeps []time.Duration
	api := &fakeStrategy{kind: source.StrategyAPI, results: []fakeResult{
		{err: RateLimited(nil, 7*time.Second)},
		{items: items("a2", "a1")},
	}}
	html := &fakeStrategy{kind: source.StrategyHTML, results: []fakeResult{{items: items("h1")}}}

	res := NewChain(source.Discord, []Strategy{api, html}, noSleep(&sleeps)).Fetch(context.Background(), chainSrc, 5)
	assert.Equal(t, 2, api.calls)
	assert.Equal(t, 0, html.calls)
	assert.Equal(t, []time.Duration{7 * time.Second}, sleeps)
	assert.Equal(t, items("a2", "a1"), res.Items)
}

func TestChainRateLimitDoesNotEscalate(t *testing.T) {
	var sleeps []time.Duration
	api := &fakeStrategy{kind: source.StrategyAPI, results: []fakeResult{{err: RateLimited(nil, 0)}}}
	html := &fakeStrategy{kind: source.StrategyHTML, results: []fakeResult{{items: items("h1")}}}

	res := NewChain(source.Discord, []Strategy{api, html}, noSleep(&sleeps)).Fetch(context.Background(), chainSrc, 5)
	assert.Equal(t, 2, api.calls)
	assert.Equal(t, 0, html.calls, "html must not be used to bypass the limit")
	assert.Empty(t, res.Items)
	// No hint: the floor applies.
	assert.Equal(t, []time.Duration{DefaultRateLimitMin}, sleeps)
}

func TestChainRateLimitHintIsCapped(t *testing.T) {
	var sleeps []time.Duration
	api := &fakeStrategy{kind: source.StrategyAPI, results: []fakeResult{
		{err: RateLimited(nil, time.Hour)},
		{items: items("a1")},
	}}
	NewChain(source.Discord, []Strategy{api}, noSleep(&sleeps), WithRateLimitBounds(time.Second, 30*time.Second)).
		FetchRecent(context.Background(), chainSrc, 5)
	assert.Equal(t, []time.Duration{30 * time.Second}, sleeps)
}

func TestChainHonorsPreferenceAndLimit(t *testing.T) {
	api := &fakeStrategy{kind: source.StrategyAPI, results: []fakeResult{{items: items("a1")}}}
	html := &fakeStrategy{kind: source.StrategyHTML, results: []fakeResult{{items: items("h3", "h2", "h1")}}}
	src := chainSrc
	src.Strategies = []source.StrategyKind{source.StrategyHTML, source.StrategyAPI}

	got := NewChain(source.Discord, []Strategy{api, html}).FetchRecent(context.Background(), src, 2)
	assert.Equal(t, items("h3", "h2"), got)
	assert.Equal(t, 0, api.calls)
}

func TestRegistryUnknownPlatform(t *testing.T) {
	r := NewRegistry(NewChain(source.Discord, nil))
	got := r.FetchRecent(context.Background(), source.Source{Ref: source.Ref{Platform: source.Twitter, Identifier: "x"}}, 5)
	assert.Empty(t, got)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		header http.Header
		body   string
		want   time.Duration
	}{
		{name: "seconds", header: http.Header{"Retry-After": {"3"}}, want: 3 * time.Second},
		{name: "fractional", header: http.Header{"Retry-After": {"1.5"}}, want: 1500 * time.Millisecond},
		{name: "http date", header: http.Header{"Retry-After": {"Mon, 01 Jan 2024 00:00:10 GMT"}}, want: 10 * time.Second},
		{name: "discord reset header", header: http.Header{"X-Ratelimit-Reset-After": {"2.25"}}, want: 2250 * time.Millisecond},
		{name: "discord body", header: http.Header{}, body: `{"retry_after": 0.5, "global": false}`, want: 500 * time.Millisecond},
		{name: "huge seconds capped", header: http.Header{"Retry-After": {"1e300"}}, want: DefaultRateLimitMax},
		{name: "infinite capped", header: http.Header{"Retry-After": {"+Inf"}}, want: DefaultRateLimitMax},
		{name: "far date capped", header: http.Header{"Retry-After": {"Fri, 01 Jan 2100 00:00:00 GMT"}}, want: DefaultRateLimitMax},
		{name: "huge body capped", header: http.Header{}, body: `{"retry_after": 1e30}`, want: DefaultRateLimitMax},
		{name: "none", header: http.Header{}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRetryAfter(tt.header, []byte(tt.body), now))
		})
	}
}

func TestCheckStatusClassification(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "ok"}, {401, "auth"}, {403, "auth"}, {429, "rate_limited"}, {500, "transient"}, {503, "transient"}, {404, "parse"},
	}
	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.code, Header: http.Header{}}
		assert.Equal(t, tt.want, Classify(CheckStatus(resp, nil)), "status %d", tt.code)
	}
}
