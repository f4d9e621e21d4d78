package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "tracker"))
	log.Info("advanced", Int("new", 2), Err(errors.New("boom")), Err(nil), Bool("first", true))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "advanced", m["message"])
	assert.Equal(t, "tracker", m["comp"])
	assert.Equal(t, float64(2), m["new"])
	assert.Equal(t, "boom", m["err"])
	assert.Equal(t, true, m["first"])
	assert.Contains(t, m["caller"], "logx_test.go:")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("dropped")
	assert.False(t, Nop().IsZero())
}

func TestFormatSinkLine(t *testing.T) {
	line := []byte(`{"level":"warn","time":"x","message":"sink flagged","sink":"tg:1","failures":5}`)
	got := formatSinkLine(line)
	assert.Equal(t, "[WARN] sink flagged\n- failures=5\n- sink=tg:1", got)

	assert.Equal(t, "plain", formatSinkLine([]byte("  plain \n")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "abcd", truncate("abcdefgh", 4))
}

type captureSender struct {
	mu    sync.Mutex
	addrs []string
	texts []string
}

func (c *captureSender) SendText(_ context.Context, address, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addrs = append(c.addrs, address)
	c.texts = append(c.texts, text)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

func TestServiceForwardsWarningsToSink(t *testing.T) {
	svc, log := New(Config{
		Level: "debug",
		Sink:  SinkConfig{Enabled: true, Address: "tg:-100", MinLevel: "warn", RatePerSec: 10},
	})
	t.Cleanup(func() { _ = svc.Close() })
	sender := &captureSender{}
	svc.SetSender(sender)

	log.Info("stays local")
	log.Warn("poll failed", String("source", "discord:1/2"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.Equal(t, "tg:-100", sender.addrs[0])
	assert.True(t, strings.HasPrefix(sender.texts[0], "[WARN] poll failed"))
	assert.Contains(t, sender.texts[0], "- source=discord:1/2")
}
