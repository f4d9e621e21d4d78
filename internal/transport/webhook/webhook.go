// Package webhook posts notifications to Discord-compatible webhooks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"watchbot/internal/transport"
)

// Discord rejects content longer than 2000 characters.
const contentLimit = 2000

type Sink struct {
	HTTP     *http.Client
	Username string
}

func New(timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Sink{HTTP: &http.Client{Timeout: timeout}}
}

func (s *Sink) Scheme() string { return transport.SchemeWebhook }

type payload struct {
	Content         string          `json:"content"`
	Username        string          `json:"username,omitempty"`
	Flags           int             `json:"flags,omitempty"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

// suppressEmbeds is Discord's SUPPRESS_EMBEDS message flag.
const suppressEmbeds = 1 << 2

func (s *Sink) Deliver(ctx context.Context, to transport.Address, msg transport.Message) error {
	text := msg.Text
	if msg.HTML {
		text = Markdown(text)
	}
	for _, chunk := range transport.SplitText(text, contentLimit, false) {
		p := payload{Content: chunk, Username: s.Username, AllowedMentions: allowedMentions{Parse: []string{}}}
		if msg.DisablePreview {
			p.Flags = suppressEmbeds
		}
		if err := s.post(ctx, to.URL, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) post(ctx context.Context, url string, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}

var (
	anchorTag = regexp.MustCompile(`(?is)<a\s+href="([^"]*)"[^>]*>(.*?)</a>`)
	anyTag    = regexp.MustCompile(`(?s)<[^>]*>`)
)

// Markdown converts the Telegram HTML subset to Discord markdown.
func Markdown(s string) string {
	r := strings.NewReplacer("<b>", "**", "</b>", "**", "<i>", "*", "</i>", "*", "<code>", "`", "</code>", "`")
	s = r.Replace(s)
	s = anchorTag.ReplaceAllStringFunc(s, func(m string) string {
		sub := anchorTag.FindStringSubmatch(m)
		href, label := html.UnescapeString(sub[1]), sub[2]
		if label == "" || label == sub[1] {
			return href
		}
		return "[" + label + "](" + href + ")"
	})
	return html.UnescapeString(anyTag.ReplaceAllString(s, ""))
}
