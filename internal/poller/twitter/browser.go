package twitter

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"watchbot/internal/browser"
	"watchbot/internal/normalize"
	"watchbot/internal/poller"
	"watchbot/internal/source"
)

// Collector renders a page and evaluates a script in it. *browser.Session
// implements it.
type Collector interface {
	Available() bool
	Collect(ctx context.Context, pageURL, waitSelector, script string, out any) (string, error)
}

const (
	DefaultProfileBase = "https://x.com"

	tweetSelector = `article[data-testid="tweet"]`
)

// extractScript returns [{href,text,author,time,pinned}] for rendered tweets.
const extractScript = `(() => {
  const out = [];
  for (const a of document.querySelectorAll('article[data-testid="tweet"]')) {
    const link = a.querySelector('a[href*="/status/"] time')?.closest('a');
    const text = a.querySelector('[data-testid="tweetText"]');
    const name = a.querySelector('[data-testid="User-Name"] a[href^="/"]');
    const time = a.querySelector('time');
    const social = a.querySelector('[data-testid="socialContext"]');
    out.push({
      href: link ? link.getAttribute('href') : '',
      text: text ? text.innerText : '',
      author: name ? name.getAttribute('href').replace(/^\//, '') : '',
      time: time ? time.getAttribute('datetime') : '',
      pinned: !!(social && /pinned/i.test(social.innerText)),
    });
  }
  return out;
})()`

type renderedTweet struct {
	Href   string `json:"href"`
	Text   string `json:"text"`
	Author string `json:"author"`
	Time   string `json:"time"`
	Pinned bool   `json:"pinned"`
}

// Browser reads the rendered profile page from a logged-in browser profile.
type Browser struct {
	Base    string
	Session Collector
	Norm    normalize.Normalizer
}

func (b *Browser) Kind() source.StrategyKind { return source.StrategyBrowser }

func (b *Browser) Available(source.Source) bool {
	return b.Session != nil && b.Session.Available()
}

func (b *Browser) Fetch(ctx context.Context, src source.Source, limit int) ([]source.Item, error) {
	base := strings.TrimRight(b.Base, "/")
	if base == "" {
		base = DefaultProfileBase
	}
	page := base + "/" + url.PathEscape(src.Ref.Identifier)

	var rendered []renderedTweet
	loc, err := b.Session.Collect(ctx, page, tweetSelector, extractScript, &rendered)
	if isLoginWall(loc) {
		return nil, poller.AuthError("browser redirected to %s; profile needs a login", loc)
	}
	if err != nil {
		if errors.Is(err, browser.ErrDisabled) {
			return nil, poller.ErrUnavailable
		}
		if poller.IsContextErr(err) && ctx.Err() != nil {
			return nil, err
		}
		return nil, poller.TransientError("%v", err)
	}

	out := make([]source.Item, 0, len(rendered))
	for _, r := range rendered {
		if r.Pinned {
			continue
		}
		f := normalize.Fragment{Text: r.Text, Author: r.Author}
		if m := statusID.FindStringSubmatch(r.Href); len(m) > 1 {
			f.ID = m[1]
		}
		if f.Author == "" {
			f.Author = src.Ref.Identifier
		}
		if f.ID != "" {
			f.URL = normalize.TweetPermalink(f.Author, f.ID)
		}
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(r.Time)); err == nil {
			f.CreatedAt = t.UTC()
		}
		if it, ok := b.Norm.Fragment(f, src.Ref); ok {
			out = append(out, it)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func isLoginWall(loc string) bool {
	return strings.Contains(loc, "/login") || strings.Contains(loc, "/i/flow/")
}
