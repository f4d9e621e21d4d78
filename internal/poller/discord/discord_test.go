package discord

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchbot/internal/credentials"
	"watchbot/internal/normalize"
	"watchbot/internal/poller"
	"watchbot/internal/source"
)

var src = source.Source{Ref: source.Ref{Platform: source.Discord, Identifier: "111/222"}}

func creds(token string) credentials.Provider {
	return credentials.NewStatic(map[source.Platform]credentials.Credential{source.Discord: {Token: token}})
}

func TestAPIFetchNewestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/222/messages", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"1189000000000000003","channel_id":"222","type":0,"content":"third","author":{"username":"a"}},
			{"id":"1189000000000000002","channel_id":"222","type":6,"content":"pinned a message","author":{"username":"a"}},
			{"id":"1189000000000000001","channel_id":"222","type":0,"content":"first","author":{"username":"b"}}
		]`))
	}))
	defer srv.Close()

	api := &API{Base: srv.URL, HTTP: poller.NewHTTPClient(time.Second), Creds: creds("secret"), Norm: normalize.Default}
	require.True(t, api.Available(src))

	got, err := api.Fetch(context.Background(), src, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1189000000000000003", got[0].ID)
	assert.Equal(t, "1189000000000000001", got[1].ID)
	assert.Equal(t, "https://discord.com/channels/111/222/1189000000000000003", got[0].URL)
}

func TestAPIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		body   string
		check  func(t *testing.T, err error)
	}{
		{name: "unauthorized", status: 401, check: func(t *testing.T, err error) { assert.True(t, poller.IsAuth(err)) }},
		{name: "forbidden", status: 403, check: func(t *testing.T, err error) { assert.True(t, poller.IsAuth(err)) }},
		{name: "rate limited", status: 429, header: map[string]string{"Retry-After": "2"}, body: `{"retry_after": 2}`,
			check: func(t *testing.T, err error) {
				rl, ok := poller.AsRateLimited(err)
				require.True(t, ok)
				assert.Equal(t, 2*time.Second, rl.After)
			}},
		{name: "server error", status: 502, check: func(t *testing.T, err error) { assert.True(t, poller.IsTransient(err)) }},
		{name: "bad json", status: 200, body: `{"not":"an array"}`, check: func(t *testing.T, err error) { assert.True(t, poller.IsParse(err)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			api := &API{Base: srv.URL, HTTP: poller.NewHTTPClient(time.Second), Creds: creds("x")}
			_, err := api.Fetch(context.Background(), src, 10)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestAPIUnavailableWithoutToken(t *testing.T) {
	api := &API{Creds: credentials.NewStatic(nil)}
	assert.False(t, api.Available(src))
}

const channelPage = `<html><body><ol>
<li id="chat-messages-222-1189000000000000001"><span id="message-username-1">alice</span><div id="message-content-1189000000000000001">older message</div></li>
<li id="chat-messages-222-1189000000000000002"><span id="message-username-2">bob</span><div id="message-content-1189000000000000002">newer message</div></li>
</ol></body></html>`

func TestHTMLFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/111/222", r.URL.Path)
		_, _ = w.Write([]byte(channelPage))
	}))
	defer srv.Close()

	h := &HTML{WebBase: srv.URL, HTTP: poller.NewHTTPClient(time.Second), Norm: normalize.Default}
	got, err := h.Fetch(context.Background(), src, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1189000000000000002", got[0].ID, "newest first")
	assert.Equal(t, "bob", got[0].Author)
	assert.Equal(t, "https://discord.com/channels/111/222/1189000000000000002", got[0].URL)
	assert.False(t, got[0].Fingerprinted)
}

func TestHTMLFallbackSelectorsFingerprint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<div class="markup-abc">plain rendered text</div>`))
	}))
	defer srv.Close()

	h := &HTML{PageURL: srv.URL + "/preview/{channel}", HTTP: poller.NewHTTPClient(time.Second)}
	got, err := h.Fetch(context.Background(), src, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Fingerprinted)
	assert.Equal(t, source.Fingerprint("111/222", "plain rendered text"), got[0].ID)
}

func TestHTMLNoNodesIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>login required</body></html>`))
	}))
	defer srv.Close()

	h := &HTML{WebBase: srv.URL, HTTP: poller.NewHTTPClient(time.Second)}
	_, err := h.Fetch(context.Background(), src, 10)
	assert.True(t, poller.IsParse(err))
}
