// Package source defines the feed identities and normalized items that flow
// between pollers, the tracker and the dispatcher.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

type Platform string

const (
	Discord Platform = "discord"
	Twitter Platform = "twitter"
)

func (p Platform) Valid() bool { return p == Discord || p == Twitter }

// StrategyKind names one acquisition method of a poller chain.
type StrategyKind string

const (
	StrategyAPI     StrategyKind = "api"
	StrategyHTML    StrategyKind = "html"
	StrategyRSS     StrategyKind = "rss"
	StrategyBrowser StrategyKind = "browser"
)

// DefaultStrategies is the chain order used when a source has no preference.
var DefaultStrategies = []StrategyKind{StrategyAPI, StrategyHTML, StrategyRSS, StrategyBrowser}

// Ref is the immutable identity of a polled feed.
type Ref struct {
	Platform   Platform `json:"platform"`
	Identifier string   `json:"identifier"`
}

// Key returns the canonical "platform:identifier" form used for storage keys.
func (r Ref) Key() string { return string(r.Platform) + ":" + r.Identifier }

func (r Ref) String() string { return r.Key() }

func (r Ref) IsZero() bool { return r.Platform == "" && r.Identifier == "" }

// ParseRef parses "discord:123" or "twitter:someone".
func ParseRef(raw string) (Ref, error) {
	s := strings.TrimSpace(raw)
	i := strings.IndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return Ref{}, fmt.Errorf("invalid source %q (want platform:identifier)", raw)
	}
	p := Platform(strings.ToLower(strings.TrimSpace(s[:i])))
	if p == "x" {
		p = Twitter
	}
	if !p.Valid() {
		return Ref{}, fmt.Errorf("invalid source %q: unknown platform %q", raw, p)
	}
	id := strings.TrimSpace(s[i+1:])
	if p == Twitter {
		id = strings.TrimPrefix(id, "@")
	}
	if id == "" {
		return Ref{}, fmt.Errorf("invalid source %q: empty identifier", raw)
	}
	return Ref{Platform: p, Identifier: id}, nil
}

// Source is one externally-polled feed plus its preferred strategy order.
type Source struct {
	Ref        Ref
	Strategies []StrategyKind
}

// StrategyOrder returns the configured preference, or DefaultStrategies.
func (s Source) StrategyOrder() []StrategyKind {
	if len(s.Strategies) == 0 {
		return DefaultStrategies
	}
	return s.Strategies
}

// Item is one normalized unit of content. Treat it as a value: nothing in
// this module mutates an Item after construction.
type Item struct {
	ID        string    `json:"id"`
	Source    Ref       `json:"source"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	URL       string    `json:"url,omitempty"`

	// Fingerprinted is true when ID was synthesized from content.
	Fingerprinted bool `json:"fingerprinted,omitempty"`
}

const fingerprintPrefix = "fp:"

// Fingerprint derives a stable id from the source identifier and the item text.
// Fetch time never participates, so unchanged content maps to the same id.
func Fingerprint(identifier, text string) string {
	h := sha256.New()
	_, _ = h.Write([]byte(identifier))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(text))
	return fingerprintPrefix + hex.EncodeToString(h.Sum(nil))[:32]
}

// IsFingerprint reports whether id was produced by Fingerprint.
func IsFingerprint(id string) bool { return strings.HasPrefix(id, fingerprintPrefix) }
