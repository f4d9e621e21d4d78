package poller

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuth marks 401/403 responses and missing/invalid sessions.
	ErrAuth = errors.New("poller: authorization failed")
	// ErrParse marks payloads whose shape did not match expectations.
	ErrParse = errors.New("poller: unexpected payload")
	// ErrTransient marks timeouts, 5xx and other retry-next-cycle failures.
	ErrTransient = errors.New("poller: transient fetch failure")
	// ErrUnavailable is returned by strategies that are not configured.
	ErrUnavailable = errors.New("poller: strategy unavailable")
)

// RateLimitedError carries the provider's advertised retry delay.
type RateLimitedError struct {
	After time.Duration
	Err   error
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.After, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.After)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// RetryAfter mirrors the retry-hint shape used by the task engine errors.
func (e *RateLimitedError) RetryAfter() time.Duration { return e.After }

// RateLimited wraps err with a retry hint. A non-positive hint means "unknown".
func RateLimited(err error, after time.Duration) error {
	if after < 0 {
		after = 0
	}
	return &RateLimitedError{After: after, Err: err}
}

func AuthError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuth, fmt.Sprintf(format, args...))
}

func ParseError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}

func TransientError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

func IsAuth(err error) bool      { return errors.Is(err, ErrAuth) }
func IsParse(err error) bool     { return errors.Is(err, ErrParse) }
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// AsRateLimited extracts the retry hint when err is a rate-limit error.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// Classify returns a short label for logs and metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsAuth(err):
		return "auth"
	case IsParse(err):
		return "parse"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		if _, ok := AsRateLimited(err); ok {
			return "rate_limited"
		}
		return "transient"
	}
}
