package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchbot/internal/config"
)

func TestMapStorageConfig(t *testing.T) {
	_, enabled, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, enabled)

	_, enabled, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "none"}})
	require.NoError(t, err)
	assert.False(t, enabled)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}})
	assert.Error(t, err)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis", Path: "x"}})
	assert.Error(t, err)

	sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "/tmp/w.db"}})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, time.Second, sc.BusyTimeout)
}

func TestMapDispatchConfig(t *testing.T) {
	dc, err := mapDispatchConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, dc.Format.Location)

	dc, err = mapDispatchConfig(&config.Config{Dispatch: config.DispatchConfig{Timezone: "Asia/Jakarta", SendTimeout: "3s", MaxBodyRunes: 120}})
	require.NoError(t, err)
	assert.Equal(t, "Asia/Jakarta", dc.Format.Location.String())
	assert.Equal(t, 3*time.Second, dc.SendTimeout)
	assert.Equal(t, 120, dc.Format.MaxBodyRunes)

	_, err = mapDispatchConfig(&config.Config{Dispatch: config.DispatchConfig{SendTimeout: "soon"}})
	assert.Error(t, err)
}

func TestMapBrowserConfigRequiresEnabled(t *testing.T) {
	bc, err := mapBrowserConfig(&config.Config{Browser: config.BrowserConfig{ProfileDir: "/p"}})
	require.NoError(t, err)
	assert.Empty(t, bc.ProfileDir)

	bc, err = mapBrowserConfig(&config.Config{Browser: config.BrowserConfig{Enabled: true, ProfileDir: "/p", NavTimeout: "5s"}})
	require.NoError(t, err)
	assert.Equal(t, "/p", bc.ProfileDir)
	assert.Equal(t, 5*time.Second, bc.NavTimeout)
}

func TestMapHTTPConfigDefaults(t *testing.T) {
	hc, err := mapHTTPConfig(&config.Config{HTTP: config.HTTPConfig{Enabled: true, Token: " t "}})
	require.NoError(t, err)
	assert.Equal(t, "t", hc.Token)
	assert.Equal(t, 10*time.Second, hc.ReadTimeout)
	assert.Equal(t, 60*time.Second, hc.IdleTimeout)
}

func TestDefaultSchedule(t *testing.T) {
	assert.Equal(t, "@every 30s", defaultSchedule("  ", defaultFlushSchedule))
	assert.Equal(t, "*/5 * * * *", defaultSchedule("*/5 * * * *", defaultFlushSchedule))
}

const lifecycleConfig = `{
  "telegram": {},
  "logging": {"level": "error"},
  "discord": {"token": "bot-token", "api_base": "%API%", "strategies": ["api"]},
  "maintenance": {"flush_schedule": "1h", "prune_schedule": "@daily"},
  "subscriptions": [
    {"subscriber": "alice", "source": "discord:111/222", "sink": "webhook:https://hooks.example.com/a"}
  ]
}`

func TestAppLifecycleAndReload(t *testing.T) {
	var polls atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		assert.Equal(t, "bot-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("[]"))
	}))
	defer api.Close()
	t.Setenv("WATCHBOT_DISCORD_TOKEN", "")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(strings.ReplaceAll(lifecycleConfig, "%API%", api.URL)), 0o644))

	a, err := New(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	assert.Equal(t, []string{"discord:111/222"}, a.activeSources())
	require.Eventually(t, func() bool { return polls.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, a.ready.Load())

	jobs := a.sched.Snapshot()
	require.Len(t, jobs, 2)
	assert.Equal(t, "state.flush", jobs[0].Name)
	assert.Equal(t, "@every 1h0m0s", jobs[0].Spec)
	assert.Equal(t, "@daily", jobs[1].Spec)

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Subscriptions = nil
	a.apply(context.Background(), oldCfg, &newCfg)
	assert.Empty(t, a.activeSources())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	assert.False(t, a.ready.Load())
	<-a.Done()
}

func TestNewRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"watch": {"interval": "often"}}`), 0o644))
	_, err := New(path)
	assert.Error(t, err)
}
