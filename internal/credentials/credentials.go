// Package credentials supplies per-platform session secrets to API strategies.
// A missing credential is normal: the API strategy is then skipped.
package credentials

import (
	"os"
	"strings"
	"sync"

	"watchbot/internal/source"
)

// Credential is an opaque token/cookie pair. Never log its fields.
type Credential struct {
	Token string
	// Cookie-based sessions (Twitter/X: auth_token + ct0).
	AuthCookie string
	CSRF       string
}

func (c Credential) Empty() bool {
	return strings.TrimSpace(c.Token) == "" && strings.TrimSpace(c.AuthCookie) == ""
}

type Provider interface {
	Credential(p source.Platform) (Credential, bool)
}

// Static holds credentials from config, with environment overrides.
// It is safe for concurrent use and can be swapped on config reload.
type Static struct {
	mu    sync.RWMutex
	creds map[source.Platform]Credential
}

// Env variable names consulted by FromEnv.
const (
	EnvDiscordToken     = "WATCHBOT_DISCORD_TOKEN"
	EnvTwitterAuthToken = "WATCHBOT_TWITTER_AUTH_TOKEN"
	EnvTwitterCSRF      = "WATCHBOT_TWITTER_CT0"
)

func NewStatic(creds map[source.Platform]Credential) *Static {
	s := &Static{}
	s.Set(creds)
	return s
}

func (s *Static) Set(creds map[source.Platform]Credential) {
	cp := make(map[source.Platform]Credential, len(creds))
	for k, v := range creds {
		if !v.Empty() {
			cp[k] = v
		}
	}
	s.mu.Lock()
	s.creds = cp
	s.mu.Unlock()
}

func (s *Static) Credential(p source.Platform) (Credential, bool) {
	s.mu.RLock()
	c, ok := s.creds[p]
	s.mu.RUnlock()
	return c, ok && !c.Empty()
}

// WithEnv overlays environment-provided secrets on top of base.
func WithEnv(base map[source.Platform]Credential) map[source.Platform]Credential {
	return withLookup(base, os.Getenv)
}

func withLookup(base map[source.Platform]Credential, getenv func(string) string) map[source.Platform]Credential {
	out := make(map[source.Platform]Credential, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	if v := strings.TrimSpace(getenv(EnvDiscordToken)); v != "" {
		c := out[source.Discord]
		c.Token = v
		out[source.Discord] = c
	}
	if v := strings.TrimSpace(getenv(EnvTwitterAuthToken)); v != "" {
		c := out[source.Twitter]
		c.AuthCookie = v
		out[source.Twitter] = c
	}
	if v := strings.TrimSpace(getenv(EnvTwitterCSRF)); v != "" {
		c := out[source.Twitter]
		c.CSRF = v
		out[source.Twitter] = c
	}
	return out
}
