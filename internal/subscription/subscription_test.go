package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchbot/internal/config"
	"watchbot/internal/source"
)

func boolPtr(v bool) *bool { return &v }

func sampleConfig() *config.Config {
	return &config.Config{
		Discord: config.DiscordConfig{Strategies: []string{"html", "api"}},
		Subscriptions: []config.SubscriptionConfig{
			{Subscriber: "alice", Source: "discord:channel-42", Sink: "tg:1"},
			{Subscriber: "bob", Source: "discord:channel-42", Sink: "tg:2", Strategies: []string{"api"}},
			{Subscriber: "alice", Source: "twitter:@someone", Sink: "webhook:https://example.com/h"},
			{Subscriber: "carol", Source: "twitter:paused", Sink: "tg:3", Enabled: boolPtr(false)},
		},
	}
}

func TestFromConfig(t *testing.T) {
	snap, err := FromConfig(sampleConfig())
	require.NoError(t, err)
	store := NewStatic(snap)

	chan42 := source.Ref{Platform: source.Discord, Identifier: "channel-42"}
	assert.Len(t, store.Bindings(chan42), 2)

	sink, ok := store.Sink("alice", chan42)
	assert.True(t, ok)
	assert.Equal(t, "tg:1", sink)

	_, ok = store.Sink("carol", source.Ref{Platform: source.Twitter, Identifier: "paused"})
	assert.False(t, ok, "disabled binding has no sink")

	srcs := store.Sources()
	require.Len(t, srcs, 2, "sources with only disabled bindings are not polled")
	assert.Equal(t, "discord:channel-42", srcs[0].Ref.Key())
	assert.Equal(t, []source.StrategyKind{source.StrategyAPI}, srcs[0].Strategies)
	assert.Equal(t, "twitter:someone", srcs[1].Ref.Key())
	assert.Equal(t, source.DefaultStrategies, srcs[1].StrategyOrder())

	alice := store.SourcesForSubscriber("alice")
	require.Len(t, alice, 2)
	assert.Equal(t, "discord:channel-42", alice[0].Ref.Key())
	assert.Empty(t, store.SourcesForSubscriber("nobody"))
}

func TestPlatformDefaultStrategies(t *testing.T) {
	cfg := sampleConfig()
	cfg.Subscriptions = cfg.Subscriptions[:1]
	snap, err := FromConfig(cfg)
	require.NoError(t, err)
	srcs := snap.Sources()
	require.Len(t, srcs, 1)
	assert.Equal(t, []source.StrategyKind{source.StrategyHTML, source.StrategyAPI}, srcs[0].Strategies)
}

func TestSwap(t *testing.T) {
	snap, err := FromConfig(sampleConfig())
	require.NoError(t, err)
	store := NewStatic(snap)
	require.Len(t, store.Sources(), 2)

	store.Swap(nil)
	assert.Empty(t, store.Sources())
}

func TestFromConfigRejectsBadSource(t *testing.T) {
	_, err := FromConfig(&config.Config{Subscriptions: []config.SubscriptionConfig{{Subscriber: "a", Source: "mastodon:x", Sink: "tg:1"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriptions[0]")
}
