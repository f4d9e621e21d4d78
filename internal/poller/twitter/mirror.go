package twitter

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"watchbot/internal/normalize"
	"watchbot/internal/poller"
	"watchbot/internal/poller/scrape"
	"watchbot/internal/source"
)

var statusID = regexp.MustCompile(`/status(?:es)?/(\d+)`)

// DefaultMirrorCandidates match nitter's timeline markup, then a looser
// article-based layout used by other mirrors.
var DefaultMirrorCandidates = []scrape.Candidate{
	{
		Name:      "nitter",
		Item:      `.timeline-item:not(.pinned):not(.show-more)`,
		Text:      ".tweet-content",
		Author:    ".username",
		Link:      "a.tweet-link",
		Time:      ".tweet-date a",
		IDPattern: statusID,
	},
	{
		Name:      "article",
		Item:      "article",
		Text:      `[data-testid="tweetText"], .content, p`,
		Author:    `.username, [data-testid="User-Name"]`,
		Link:      `a[href*="/status/"]`,
		Time:      "time",
		IDPattern: statusID,
	},
}

func mirrorURL(base, user, suffix string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(user) + suffix
}

// Mirror scrapes a nitter-style profile page.
type Mirror struct {
	Base       string
	HTTP       *poller.HTTPClient
	Candidates []scrape.Candidate
	Norm       normalize.Normalizer
}

func (m *Mirror) Kind() source.StrategyKind { return source.StrategyHTML }

func (m *Mirror) Available(source.Source) bool { return strings.TrimSpace(m.Base) != "" }

func (m *Mirror) Fetch(ctx context.Context, src source.Source, limit int) ([]source.Item, error) {
	u := mirrorURL(m.Base, src.Ref.Identifier, "")
	h := http.Header{}
	h.Set("Accept", "text/html")
	body, err := m.HTTP.Get(ctx, u, h)
	if err != nil {
		return nil, err
	}
	doc, err := scrape.Parse(body)
	if err != nil {
		return nil, poller.ParseError("html: %v", err)
	}
	cands := m.Candidates
	if len(cands) == 0 {
		cands = DefaultMirrorCandidates
	}
	frags, _ := scrape.Extract(doc, cands, m.Base)
	if len(frags) == 0 {
		return nil, poller.ParseError("no timeline nodes matched on %s", u)
	}

	out := make([]source.Item, 0, len(frags))
	for _, f := range frags {
		if f.Author == "" {
			f.Author = src.Ref.Identifier
		}
		if f.ID != "" {
			f.URL = normalize.TweetPermalink(strings.TrimPrefix(f.Author, "@"), f.ID)
		}
		if it, ok := m.Norm.Fragment(f, src.Ref); ok {
			out = append(out, it)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RSS reads the mirror's {base}/{user}/rss feed.
type RSS struct {
	Base string
	HTTP *poller.HTTPClient
	Norm normalize.Normalizer
}

func (r *RSS) Kind() source.StrategyKind { return source.StrategyRSS }

func (r *RSS) Available(source.Source) bool { return strings.TrimSpace(r.Base) != "" }

func (r *RSS) Fetch(ctx context.Context, src source.Source, limit int) ([]source.Item, error) {
	u := mirrorURL(r.Base, src.Ref.Identifier, "/rss")
	h := http.Header{}
	h.Set("Accept", "application/rss+xml, application/xml;q=0.9")
	body, err := r.HTTP.Get(ctx, u, h)
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, poller.ParseError("rss: %v", err)
	}

	out := make([]source.Item, 0, len(feed.Items))
	for _, fi := range feed.Items {
		f := normalize.Fragment{Text: feedText(fi)}
		if fi.Author != nil {
			f.Author = fi.Author.Name
		}
		if f.Author == "" && len(fi.Authors) > 0 && fi.Authors[0] != nil {
			f.Author = fi.Authors[0].Name
		}
		if f.Author == "" {
			f.Author = src.Ref.Identifier
		}
		if m := statusID.FindStringSubmatch(fi.Link); len(m) > 1 {
			f.ID = m[1]
		} else if m := statusID.FindStringSubmatch(fi.GUID); len(m) > 1 {
			f.ID = m[1]
		}
		if f.ID != "" {
			f.URL = normalize.TweetPermalink(strings.TrimPrefix(f.Author, "@"), f.ID)
		} else {
			f.URL = fi.Link
		}
		if fi.PublishedParsed != nil {
			f.CreatedAt = fi.PublishedParsed.UTC()
		} else if fi.UpdatedParsed != nil {
			f.CreatedAt = fi.UpdatedParsed.UTC()
		}
		if it, ok := r.Norm.Fragment(f, src.Ref); ok {
			out = append(out, it)
		}
	}
	sortByTime(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// feedText prefers the HTML description rendered to text; nitter puts the
// full tweet there and a shortened copy in the title.
func feedText(fi *gofeed.Item) string {
	if d := strings.TrimSpace(fi.Description); d != "" {
		if doc, err := scrape.Parse([]byte(d)); err == nil {
			if t := strings.TrimSpace(doc.Text()); t != "" {
				return t
			}
		}
	}
	return fi.Title
}

// sortByTime orders newest first when every item has a timestamp and keeps
// feed order otherwise.
func sortByTime(items []source.Item) {
	for _, it := range items {
		if it.CreatedAt.IsZero() {
			return
		}
	}
	sortNewestFirstBy(items, func(it source.Item) time.Time { return it.CreatedAt })
}
