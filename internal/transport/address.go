// Package transport routes rendered notifications to sinks by address
// scheme. Addresses look like "tg:<chat>[/<thread>]" or "webhook:<url>".
package transport

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	SchemeTelegram = "tg"
	SchemeWebhook  = "webhook"
)

// Address is a parsed sink address.
type Address struct {
	Scheme   string
	ChatID   int64
	ThreadID int
	URL      string
	raw      string
}

func (a Address) String() string { return a.raw }

func ParseAddress(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return Address{}, fmt.Errorf("invalid sink address %q", raw)
	}
	switch scheme {
	case SchemeTelegram:
		chat, thread, hasThread := strings.Cut(rest, "/")
		id, err := strconv.ParseInt(chat, 10, 64)
		if err != nil || id == 0 {
			return Address{}, fmt.Errorf("invalid telegram chat in %q", raw)
		}
		a := Address{Scheme: scheme, ChatID: id, raw: s}
		if hasThread {
			tid, err := strconv.Atoi(thread)
			if err != nil || tid <= 0 {
				return Address{}, fmt.Errorf("invalid telegram thread in %q", raw)
			}
			a.ThreadID = tid
		}
		return a, nil
	case SchemeWebhook:
		u, err := url.Parse(rest)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return Address{}, fmt.Errorf("invalid webhook url in %q", raw)
		}
		return Address{Scheme: scheme, URL: u.String(), raw: s}, nil
	default:
		return Address{}, fmt.Errorf("unknown sink scheme %q", scheme)
	}
}

// SplitText splits s into chunks of at most limit runes, preferring newline
// boundaries. With html set it avoids cutting inside a tag.
func SplitText(s string, limit int, html bool) []string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if html && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
