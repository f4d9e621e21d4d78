// Package normalize turns provider payloads (Discord message JSON, Twitter
// GraphQL tweet results, scraped HTML/DOM fragments) into source.Item values.
//
// Every entry point returns (item, ok). ok=false means "skip this payload";
// it is never an error condition for the caller.
package normalize

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"watchbot/internal/source"
)

// DefaultMinTextLen is the minimum rune count of collapsed text.
const DefaultMinTextLen = 2

// Normalizer holds the validation thresholds. The zero value uses defaults.
type Normalizer struct {
	MinTextLen int
}

// Default is the normalizer used by pollers unless configured otherwise.
var Default = Normalizer{MinTextLen: DefaultMinTextLen}

// structuralID matches ids that belong to timeline scaffolding rather than content.
var structuralID = regexp.MustCompile(`(?i)^(cursor|promoted|who-to-follow|module|tweetdetailrelatedtweets|messagelistdivider|divider)[-_]`)

var spaceRun = regexp.MustCompile(`\s+`)

// Normalize dispatches on the payload type. Unknown payloads are skipped.
func (n Normalizer) Normalize(raw any, src source.Ref) (source.Item, bool) {
	switch v := raw.(type) {
	case DiscordMessage:
		return n.Discord(v, src)
	case *DiscordMessage:
		if v == nil {
			return source.Item{}, false
		}
		return n.Discord(*v, src)
	case Tweet:
		return n.Tweet(v, src)
	case *Tweet:
		if v == nil {
			return source.Item{}, false
		}
		return n.Tweet(*v, src)
	case Fragment:
		return n.Fragment(v, src)
	case *Fragment:
		if v == nil {
			return source.Item{}, false
		}
		return n.Fragment(*v, src)
	default:
		return source.Item{}, false
	}
}

// Fragment is content recovered from HTML or a rendered DOM.
// ID is optional; when empty a fingerprint is synthesized.
type Fragment struct {
	ID        string
	Author    string
	Text      string
	URL       string
	CreatedAt time.Time
}

func (n Normalizer) Fragment(f Fragment, src source.Ref) (source.Item, bool) {
	text := CollapseText(f.Text)
	if !n.acceptText(text) {
		return source.Item{}, false
	}
	id := strings.TrimSpace(f.ID)
	if id != "" && structuralID.MatchString(id) {
		return source.Item{}, false
	}
	it := source.Item{
		ID:        id,
		Source:    src,
		Author:    strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(f.Author), "@")),
		Text:      text,
		CreatedAt: f.CreatedAt,
		URL:       strings.TrimSpace(f.URL),
	}
	if it.ID == "" {
		it.ID = source.Fingerprint(src.Identifier, text)
		it.Fingerprinted = true
	}
	return it, true
}

// CollapseText trims and folds whitespace runs to single spaces while keeping
// line breaks readable.
func CollapseText(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, ln := range lines {
		ln = strings.TrimSpace(spaceRun.ReplaceAllString(ln, " "))
		if ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}

func (n Normalizer) minLen() int {
	if n.MinTextLen <= 0 {
		return DefaultMinTextLen
	}
	return n.MinTextLen
}

func (n Normalizer) acceptText(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	count := 0
	meaningful := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		count++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.So, r) {
			meaningful = true
		}
	}
	return meaningful && count >= n.minLen()
}
