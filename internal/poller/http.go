package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultUserAgent looks like a desktop browser; several providers reject Go's default.
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

	maxBodyBytes = 8 << 20
)

// HTTPClient performs provider requests and maps responses onto the
// poller error taxonomy.
type HTTPClient struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPClient returns a client with a bounded request timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{Client: &http.Client{Timeout: timeout}, UserAgent: DefaultUserAgent}
}

// Get issues a GET and returns the body for 2xx responses.
func (c *HTTPClient) Get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		ua := c.UserAgent
		if ua == "" {
			ua = DefaultUserAgent
		}
		req.Header.Set("User-Agent", ua)
	}

	hc := c.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, TransientError("%s: %v", req.URL.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, TransientError("read body: %v", err)
	}
	if err := CheckStatus(resp, body); err != nil {
		return nil, err
	}
	return body, nil
}

// GetJSON is Get followed by a JSON decode; decode failures are parse errors.
func (c *HTTPClient) GetJSON(ctx context.Context, url string, header http.Header, out any) error {
	body, err := c.Get(ctx, url, header)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return ParseError("decode %s: %v", trimURL(url), err)
	}
	return nil
}

// CheckStatus maps an HTTP status onto the error taxonomy. body may be nil.
func CheckStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return AuthError("http %d", code)
	case code == http.StatusTooManyRequests:
		return RateLimited(fmt.Errorf("http %d", code), ParseRetryAfter(resp.Header, body, time.Now()))
	case code >= 500:
		return TransientError("http %d", code)
	case code == http.StatusNotFound:
		return ParseError("http %d", code)
	default:
		return TransientError("http %d", code)
	}
}

// ParseRetryAfter reads Retry-After (delta seconds or HTTP date), then the
// X-RateLimit-Reset-After header, then a JSON body {"retry_after": seconds}.
// It returns 0 when no hint is present.
func ParseRetryAfter(h http.Header, body []byte, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return fromSeconds(secs)
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(now); d > 0 {
				return min(d, DefaultRateLimitMax)
			}
		}
	}
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset-After")); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return fromSeconds(secs)
		}
	}
	if len(body) > 0 {
		var b struct {
			RetryAfter float64 `json:"retry_after"`
		}
		if err := json.Unmarshal(body, &b); err == nil && b.RetryAfter > 0 {
			return fromSeconds(b.RetryAfter)
		}
	}
	return 0
}

// fromSeconds converts a provider hint, capped at DefaultRateLimitMax
// before conversion so huge values cannot overflow.
func fromSeconds(secs float64) time.Duration {
	if secs >= DefaultRateLimitMax.Seconds() {
		return DefaultRateLimitMax
	}
	return time.Duration(secs * float64(time.Second))
}

// IsContextErr reports whether err came from ctx cancellation/deadline.
func IsContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func trimURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
