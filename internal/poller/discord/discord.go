// Package discord implements the Discord channel strategies: the
// authenticated REST message list and a scrape of the rendered channel page.
package discord

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"watchbot/internal/credentials"
	"watchbot/internal/normalize"
	"watchbot/internal/poller"
	"watchbot/internal/poller/scrape"
	"watchbot/internal/source"
)

const (
	DefaultAPIBase = "https://discord.com/api/v10"
	DefaultWebBase = "https://discord.com"

	maxLimit = 100
)

// API fetches GET /channels/{id}/messages. Discord returns newest first.
type API struct {
	Base  string
	HTTP  *poller.HTTPClient
	Creds credentials.Provider
	Norm  normalize.Normalizer
}

func (a *API) Kind() source.StrategyKind { return source.StrategyAPI }

func (a *API) Available(source.Source) bool {
	if a.Creds == nil {
		return false
	}
	c, ok := a.Creds.Credential(source.Discord)
	return ok && strings.TrimSpace(c.Token) != ""
}

func (a *API) Fetch(ctx context.Context, src source.Source, limit int) ([]source.Item, error) {
	cred, ok := a.Creds.Credential(source.Discord)
	if !ok || strings.TrimSpace(cred.Token) == "" {
		return nil, poller.ErrUnavailable
	}
	_, channel := normalize.SplitDiscordIdentifier(src.Ref.Identifier)
	if channel == "" {
		return nil, poller.ParseError("empty channel id in %q", src.Ref.Identifier)
	}
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	base := strings.TrimRight(a.Base, "/")
	if base == "" {
		base = DefaultAPIBase
	}
	u := fmt.Sprintf("%s/channels/%s/messages?limit=%s", base, url.PathEscape(channel), strconv.Itoa(limit))

	h := http.Header{}
	h.Set("Authorization", cred.Token)
	h.Set("Accept", "application/json")

	var msgs []normalize.DiscordMessage
	if err := a.HTTP.GetJSON(ctx, u, h, &msgs); err != nil {
		return nil, err
	}

	out := make([]source.Item, 0, len(msgs))
	for _, m := range msgs {
		if it, ok := a.Norm.Discord(m, src.Ref); ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// messageAnchor matches the rendered list item id "chat-messages-<channel>-<message>".
var messageAnchor = regexp.MustCompile(`^chat-messages-\d+-(\d+)$`)

// DefaultCandidates are tried in order against the channel page.
var DefaultCandidates = []scrape.Candidate{
	{
		Name:      "chat-messages",
		Item:      `li[id^="chat-messages-"]`,
		Text:      `div[id^="message-content-"]`,
		Author:    `span[id^="message-username-"]`,
		Time:      "time",
		IDAttr:    "id",
		IDPattern: messageAnchor,
	},
	{
		Name:   "message-list",
		Item:   `[class*="messageListItem"]`,
		Text:   `[class*="messageContent"]`,
		Author: `[class*="username"]`,
		Time:   "time",
	},
	{
		Name: "markup",
		Item: `[class*="markup"]`,
	},
}

// HTML scrapes the channel page. It needs a reachable page: a public
// preview URL template or a channel identifier in "guild/channel" form.
type HTML struct {
	// PageURL may contain {guild} and {channel}; default is WebBase/channels/{guild}/{channel}.
	PageURL    string
	WebBase    string
	HTTP       *poller.HTTPClient
	Candidates []scrape.Candidate
	Norm       normalize.Normalizer
	// Cookie is sent when present so a logged-in web session can be reused.
	Creds credentials.Provider
}

func (h *HTML) Kind() source.StrategyKind { return source.StrategyHTML }

func (h *HTML) pageURL(identifier string) string {
	guild, channel := normalize.SplitDiscordIdentifier(identifier)
	if guild == "" {
		guild = "@me"
	}
	tpl := strings.TrimSpace(h.PageURL)
	if tpl == "" {
		base := strings.TrimRight(h.WebBase, "/")
		if base == "" {
			base = DefaultWebBase
		}
		tpl = base + "/channels/{guild}/{channel}"
	}
	r := strings.NewReplacer("{guild}", url.PathEscape(guild), "{channel}", url.PathEscape(channel))
	return r.Replace(tpl)
}

func (h *HTML) Fetch(ctx context.Context, src source.Source, limit int) ([]source.Item, error) {
	u := h.pageURL(src.Ref.Identifier)
	hdr := http.Header{}
	hdr.Set("Accept", "text/html")
	if h.Creds != nil {
		if c, ok := h.Creds.Credential(source.Discord); ok && c.AuthCookie != "" {
			hdr.Set("Cookie", c.AuthCookie)
		}
	}
	body, err := h.HTTP.Get(ctx, u, hdr)
	if err != nil {
		return nil, err
	}
	doc, err := scrape.Parse(body)
	if err != nil {
		return nil, poller.ParseError("html: %v", err)
	}
	cands := h.Candidates
	if len(cands) == 0 {
		cands = DefaultCandidates
	}
	frags, _ := scrape.Extract(doc, cands, DefaultWebBase)
	if len(frags) == 0 {
		return nil, poller.ParseError("no message nodes matched on %s", u)
	}

	guild, channel := normalize.SplitDiscordIdentifier(src.Ref.Identifier)
	// The web client renders oldest at the top; reverse to newest first.
	out := make([]source.Item, 0, len(frags))
	for i := len(frags) - 1; i >= 0; i-- {
		f := frags[i]
		if f.ID != "" && f.URL == "" {
			f.URL = normalize.DiscordPermalink(guild, channel, f.ID)
		}
		if f.CreatedAt.IsZero() && f.ID != "" {
			f.CreatedAt = normalize.SnowflakeTime(f.ID)
		}
		if it, ok := h.Norm.Fragment(f, src.Ref); ok {
			out = append(out, it)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
