package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

const jsonCfg = `{
  "telegram": {"token": "x"},
  "logging": {"level": "debug", "console": true},
  "storage": {"driver": "sqlite", "path": "./data/w.db"},
  "watch": {"interval": "30s", "fetch_limit": 10},
  "subscriptions": [
    {"subscriber": "alice", "source": "discord:111/222", "sink": "tg:-100123/7"},
    {"subscriber": "bob", "source": "x:@someone", "sink": "webhook:https://example.com/hook", "enabled": false}
  ]
}`

const yamlCfg = `
telegram:
  token: x
watch:
  interval: 30s
  fetch_limit: 10
subscriptions:
  - subscriber: alice
    source: discord:111/222
    sink: tg:-100123/7
`

const tomlCfg = `
[telegram]
token = "x"

[watch]
interval = "30s"
fetch_limit = 10

[[subscriptions]]
subscriber = "alice"
source = "discord:111/222"
sink = "tg:-100123/7"
`

func TestLoadFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{"json", "watchbot.json", jsonCfg},
		{"yaml", "watchbot.yaml", yamlCfg},
		{"toml", "watchbot.toml", tomlCfg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, tt.file, tt.body))
			cfg, err := m.Load()
			require.NoError(t, err)
			assert.Equal(t, "30s", cfg.Watch.Interval)
			assert.Equal(t, 10, cfg.Watch.FetchLimit)
			require.NotEmpty(t, cfg.Subscriptions)
			assert.Equal(t, "alice", cfg.Subscriptions[0].Subscriber)
			assert.Same(t, cfg, m.Get())
		})
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "c.json", `{"watch": {"intervall": "30s"}}`))
	_, err := m.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intervall")
}

func TestTrailingDataRejected(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "c.json", `{} {}`))
	_, err := m.Parse()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ok := func() *Config {
		return &Config{Subscriptions: []SubscriptionConfig{{Subscriber: "a", Source: "discord:1", Sink: "tg:1"}}}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad source", func(c *Config) { c.Subscriptions[0].Source = "mastodon:x" }, true},
		{"bad sink", func(c *Config) { c.Subscriptions[0].Sink = "mailto:a@b" }, true},
		{"webhook sink", func(c *Config) { c.Subscriptions[0].Sink = "webhook:https://h/x" }, false},
		{"missing subscriber", func(c *Config) { c.Subscriptions[0].Subscriber = "" }, true},
		{"bad strategy", func(c *Config) { c.Subscriptions[0].Strategies = []string{"carrier-pigeon"} }, true},
		{"bad duration", func(c *Config) { c.Watch.Interval = "soon" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"jitter inverted", func(c *Config) { c.Watch.JitterMin, c.Watch.JitterMax = "2s", "1s" }, true},
		{"browser without profile", func(c *Config) { c.Browser.Enabled = true }, true},
		{"duplicate binding", func(c *Config) { c.Subscriptions = append(c.Subscriptions, c.Subscriptions[0]) }, true},
		{"bad timezone", func(c *Config) { c.Dispatch.Timezone = "Mars/Olympus" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := ok()
			tt.mutate(c)
			err := Validate(context.Background(), c)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSummarizeConfigChangeSubscriptions(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Subscriptions: []SubscriptionConfig{
		{Subscriber: "a", Source: "discord:1", Sink: "tg:1"},
		{Subscriber: "a", Source: "twitter:someone", Sink: "tg:1"},
	}}
	no := false
	newCfg := &Config{
		Discord: DiscordConfig{Token: "secret"},
		Subscriptions: []SubscriptionConfig{
			{Subscriber: "a", Source: "discord:1", Sink: "tg:1"},
			{Subscriber: "a", Source: "twitter:someone", Sink: "tg:1", Enabled: &no},
			{Subscriber: "b", Source: "discord:2", Sink: "tg:2"},
		},
	}
	changed, attrs, sources := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"discord", "subscriptions"}, changed)
	assert.Equal(t, []string{"discord:2", "twitter:someone"}, sources)
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := logger.Info()
	for _, f := range attrs {
		f(e)
	}
	e.Msg("reload")
	assert.Contains(t, buf.String(), `"discord.token_set":true`)
	assert.NotContains(t, buf.String(), "secret")
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
	d, err = ParseDurationOrDefault("x", "5s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)
	d, err = ParseDurationField("x", "90")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
	_, err = ParseDurationField("x", "soon")
	assert.Error(t, err)
}

func TestReloadSkipsUnchangedAndRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "c.json", `{"watch": {"interval": "30s"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	// Same content, different formatting.
	require.NoError(t, os.WriteFile(path, []byte(`{ "watch" : { "interval" : "30s" } }`), 0o600))
	_, err = m.Reload(context.Background())
	assert.ErrorIs(t, err, ErrUnchanged)

	require.NoError(t, os.WriteFile(path, []byte(`{"watch": {"interval": "30s"}, "subscriptions": [{"subscriber": "a", "source": "nowhere", "sink": "tg:1"}]}`), 0o600))
	_, err = m.Reload(context.Background())
	require.Error(t, err)
	assert.Equal(t, "30s", m.Get().Watch.Interval)
	assert.Empty(t, ch)

	require.NoError(t, os.WriteFile(path, []byte(`{"watch": {"interval": "45s"}}`), 0o600))
	cfg, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.Same(t, cfg, <-ch)
}

func TestWatchPublishesChange(t *testing.T) {
	path := writeFile(t, "c.json", `{"watch": {"interval": "30s"}}`)
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			assert.Equal(t, "45s", cfg.Watch.Interval)
			return
		case <-tick.C:
			// Rewrite until the watcher is up and the debounce fires.
			require.NoError(t, os.WriteFile(path, []byte(`{"watch": {"interval": "45s"}}`), 0o600))
		case <-deadline:
			t.Fatal("config change not published")
		}
	}
}
