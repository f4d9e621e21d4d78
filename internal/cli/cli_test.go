package cli

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchbot/internal/config"
	"watchbot/internal/poller"
	"watchbot/internal/source"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	original := version
	version = "test-1.2.3"
	defer func() { version = original }()

	out, err := execute(t, "version")
	assert.NoError(t, err)
	assert.Contains(t, out, "watchbot version test-1.2.3")
}

func TestFetchRejectsBadSource(t *testing.T) {
	_, err := execute(t, "fetch", "mastodon:someone")
	assert.Error(t, err)
}

func TestFetchPrintsItems(t *testing.T) {
	feed := `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/"><channel>
<title>someone / X</title><link>http://mirror/someone</link><description>feed</description>
<item><title>hello</title><dc:creator>@someone</dc:creator>
  <description><![CDATA[<p>hello from the feed</p>]]></description>
  <pubDate>Wed, 14 Oct 2026 10:00:00 GMT</pubDate>
  <link>http://mirror/someone/status/1849000000000000001#m</link></item>
</channel></rss>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(feed))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"twitter": {"mirror": "`+srv.URL+`"}}`), 0o644))

	out, err := execute(t, "--config", path, "fetch", "twitter:someone", "--strategy", "rss", "--limit", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "# rss: ok (1 items")
	assert.Contains(t, out, "hello from the feed")
}

func TestStrategyOrder(t *testing.T) {
	cfg := &config.Config{Twitter: config.TwitterConfig{Strategies: []string{"rss", "html"}}}

	fetchStrategies = nil
	assert.Equal(t, []source.StrategyKind{"rss", "html"}, strategyOrder(cfg, source.Twitter))
	assert.Empty(t, strategyOrder(cfg, source.Discord))

	fetchStrategies = []string{" API ", ""}
	defer func() { fetchStrategies = nil }()
	assert.Equal(t, []source.StrategyKind{"api"}, strategyOrder(cfg, source.Twitter))
}

func TestPrintResult(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	res := poller.Result{
		Strategy: source.StrategyAPI,
		Attempts: []poller.Outcome{
			{Strategy: source.StrategyHTML, Result: "parse", Err: errors.New("no nodes")},
			{Strategy: source.StrategyAPI, Result: "ok", Items: 1, Took: 1500 * time.Millisecond},
		},
		Items: []source.Item{{
			ID:        "77",
			Source:    source.Ref{Platform: source.Twitter, Identifier: "someone"},
			Author:    "someone",
			Text:      "launch day",
			CreatedAt: now.Add(-3 * time.Hour),
		}},
	}
	buf := new(bytes.Buffer)
	printResult(buf, res, now)
	out := buf.String()
	assert.Contains(t, out, "# html: parse (0 items, 0s): no nodes")
	assert.Contains(t, out, "# api: ok (1 items, 1.5s)")
	assert.Contains(t, out, "[77] someone, 3 hours ago\nlaunch day")
	assert.Contains(t, out, "https://x.com/someone/status/77")
}

func TestLoadConfigOrEmpty(t *testing.T) {
	cfg, err := loadConfigOrEmpty(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Subscriptions)
}
