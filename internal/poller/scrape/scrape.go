// Package scrape extracts content fragments from HTML pages using ordered
// candidate selector sets. Page layouts drift; the first candidate that
// yields at least one fragment wins.
package scrape

import (
	"bytes"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"watchbot/internal/normalize"
)

// Candidate describes one layout. Item is required; the other selectors are
// evaluated inside each item node and may be empty.
type Candidate struct {
	Name   string
	Item   string
	Text   string
	Author string
	Link   string
	Time   string

	// IDAttr names an attribute on the item node holding the provider id;
	// IDPattern extracts the id from it (first capture group), or from the
	// link href when IDAttr is empty.
	IDAttr    string
	IDPattern *regexp.Regexp
}

// Parse builds a document from raw HTML.
func Parse(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

// Extract runs candidates in order and returns fragments from the first one
// that matches, plus its name. Fragment order follows document order.
func Extract(doc *goquery.Document, candidates []Candidate, baseURL string) ([]normalize.Fragment, string) {
	for _, c := range candidates {
		if strings.TrimSpace(c.Item) == "" {
			continue
		}
		var out []normalize.Fragment
		doc.Find(c.Item).Each(func(_ int, node *goquery.Selection) {
			if f, ok := c.fragment(node, baseURL); ok {
				out = append(out, f)
			}
		})
		if len(out) > 0 {
			return out, c.Name
		}
	}
	return nil, ""
}

func (c Candidate) fragment(node *goquery.Selection, baseURL string) (normalize.Fragment, bool) {
	textNode := node
	if c.Text != "" {
		textNode = node.Find(c.Text).First()
	}
	text := strings.TrimSpace(textNode.Text())
	if text == "" {
		return normalize.Fragment{}, false
	}

	var f normalize.Fragment
	f.Text = text

	if c.Author != "" {
		f.Author = strings.TrimSpace(node.Find(c.Author).First().Text())
	}

	var href string
	if c.Link != "" {
		href, _ = node.Find(c.Link).First().Attr("href")
		href = strings.TrimSpace(href)
		if href != "" {
			f.URL = absURL(baseURL, href)
		}
	}

	if c.IDPattern != nil {
		src := href
		if c.IDAttr != "" {
			src, _ = node.Attr(c.IDAttr)
		}
		if m := c.IDPattern.FindStringSubmatch(src); len(m) > 1 {
			f.ID = m[1]
		}
	}

	if c.Time != "" {
		tn := node.Find(c.Time).First()
		raw, ok := tn.Attr("datetime")
		if !ok {
			raw, ok = tn.Attr("title")
		}
		if ok {
			f.CreatedAt = parseTime(raw)
		}
	}
	return f, true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"Jan 2, 2006 · 3:04 PM MST",
	time.RFC1123,
	time.RFC1123Z,
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, l := range timeLayouts {
		if t, err := time.Parse(l, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func absURL(base, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return base + href
}
