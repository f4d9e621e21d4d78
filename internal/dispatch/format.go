package dispatch

import (
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"watchbot/internal/normalize"
	"watchbot/internal/source"
)

const (
	DefaultMaxBodyRunes = 600
	absoluteTimeLayout  = "Mon, 02 Jan 2006 15:04 MST"
)

// Formatter renders items as Telegram-subset HTML.
type Formatter struct {
	Location     *time.Location
	MaxBodyRunes int
	Now          func() time.Time
}

func (f Formatter) Format(it source.Item) string {
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	maxRunes := f.MaxBodyRunes
	if maxRunes <= 0 {
		maxRunes = DefaultMaxBodyRunes
	}

	author := it.Author
	if author == "" {
		author = "unknown"
	}

	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(author))
	b.WriteString("</b> on ")
	b.WriteString(string(it.Source.Platform))
	b.WriteString(" (")
	b.WriteString(html.EscapeString(it.Source.Identifier))
	b.WriteString(")")

	if !it.CreatedAt.IsZero() {
		b.WriteString("\n<i>")
		b.WriteString(it.CreatedAt.In(loc).Format(absoluteTimeLayout))
		b.WriteString(" · ")
		b.WriteString(humanize.RelTime(it.CreatedAt, now(), "ago", "from now"))
		b.WriteString("</i>")
	}

	b.WriteString("\n\n")
	b.WriteString(html.EscapeString(Truncate(it.Text, maxRunes)))

	if link := Permalink(it); link != "" {
		b.WriteString("\n\n")
		b.WriteString(html.EscapeString(link))
	}
	return b.String()
}

// Truncate cuts s to at most n runes, ending with an ellipsis when cut.
func Truncate(s string, n int) string {
	rs := []rune(s)
	if n <= 0 || len(rs) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return strings.TrimRight(string(rs[:n-1]), " \n") + "…"
}

// Permalink prefers the item's own URL and falls back to the platform's
// canonical link. Fingerprinted items have no provider id to link to.
func Permalink(it source.Item) string {
	if it.URL != "" {
		return it.URL
	}
	if it.Fingerprinted || source.IsFingerprint(it.ID) {
		return ""
	}
	switch it.Source.Platform {
	case source.Discord:
		guild, channel := normalize.SplitDiscordIdentifier(it.Source.Identifier)
		return normalize.DiscordPermalink(guild, channel, it.ID)
	case source.Twitter:
		author := strings.TrimPrefix(it.Author, "@")
		if author == "" {
			author = it.Source.Identifier
		}
		return normalize.TweetPermalink(author, it.ID)
	}
	return ""
}
