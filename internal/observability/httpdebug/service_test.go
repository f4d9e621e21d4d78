package httpdebug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchbot/internal/eventbus"
	"watchbot/internal/storage"
	"watchbot/pkg/logx"
)

func TestFlagsEndpointRequiresToken(t *testing.T) {
	flagged := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	s := New(Config{}, Providers{
		Flags: func() []storage.SinkFlag {
			return []storage.SinkFlag{{Sink: "tg:1", ConsecutiveFailures: 5, FlaggedAt: flagged}}
		},
	}, logx.Nop())
	srv := httptest.NewServer(s.Handler(Config{Token: "s3cret"}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/flags")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/flags", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []storage.SinkFlag
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "tg:1", got[0].Sink)
	assert.Equal(t, 5, got[0].ConsecutiveFailures)
}

func TestHealthzReflectsReadiness(t *testing.T) {
	ready := false
	s := New(Config{}, Providers{Ready: func() bool { return ready }}, logx.Nop())
	h := s.Handler(Config{Token: "x"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestEmptyProvidersServeEmptyLists(t *testing.T) {
	h := New(Config{}, Providers{}, logx.Nop()).Handler(Config{})
	for _, path := range []string{"/sources", "/jobs", "/flags"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path+"?token=ignored", nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.JSONEq(t, "[]", rec.Body.String(), path)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	s := New(Config{}, Providers{}, logx.Nop())

	rec := httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler(Config{Pprof: true}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	New(Config{}, Providers{}, logx.Nop()).Handler(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestBindSafety(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:9090"))
	assert.True(t, isLoopbackAddr("localhost:9090"))
	assert.True(t, isLoopbackAddr("[::1]:9090"))
	assert.False(t, isLoopbackAddr(":9090"))
	assert.False(t, isLoopbackAddr("0.0.0.0:9090"))

	assert.Error(t, checkBind("0.0.0.0:9090", Config{}))
	assert.NoError(t, checkBind("0.0.0.0:9090", Config{Token: "t"}))
	assert.NoError(t, checkBind("0.0.0.0:9090", Config{AllowInsecure: true}))
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := Config{Enabled: true, Addr: "127.0.0.1:0"}
	s := New(cfg, Providers{}, logx.Nop())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestEventsEndpoint(t *testing.T) {
	bus := eventbus.New()
	bus.Publish(eventbus.Event{Type: eventbus.ItemsNew})
	h := New(Config{}, Providers{Events: bus.Stats}, logx.Nop()).Handler(Config{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got eventbus.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint64(1), got.Published)
}
