// Package browser drives one Chrome instance bound to a persisted profile
// directory, so an interactive login done once survives restarts.
//
// All navigations share the profile and are serialized.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	logx "watchbot/pkg/logx"
)

var (
	ErrDisabled = errors.New("browser: disabled (no profile dir)")
	ErrClosed   = errors.New("browser: closed")
)

type Config struct {
	ProfileDir string
	ExecPath   string
	Headless   bool
	// NavTimeout bounds one Collect call including the wait for the selector.
	NavTimeout time.Duration
	UserAgent  string
}

// Session lazily starts the browser on first use and restarts it after a
// failed navigation.
type Session struct {
	cfg Config
	log logx.Logger

	mu          sync.Mutex
	closed      bool
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	return &Session{cfg: cfg, log: log}
}

func (s *Session) Available() bool {
	return s != nil && strings.TrimSpace(s.cfg.ProfileDir) != ""
}

// Collect navigates to pageURL, waits until waitSelector is visible, then
// evaluates script and decodes its result into out. It returns the final
// location so callers can detect login redirects.
func (s *Session) Collect(ctx context.Context, pageURL, waitSelector, script string, out any) (string, error) {
	if !s.Available() {
		return "", ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if err := s.startLocked(); err != nil {
		return "", err
	}

	tab, cancelTab := chromedp.NewContext(s.browserCtx)
	defer cancelTab()
	tab, cancelTimeout := context.WithTimeout(tab, s.cfg.NavTimeout)
	defer cancelTimeout()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var location string
	err := chromedp.Run(tab,
		chromedp.Navigate(pageURL),
		chromedp.Location(&location),
	)
	if err == nil && waitSelector != "" {
		err = chromedp.Run(tab, chromedp.WaitVisible(waitSelector, chromedp.ByQuery))
		if err != nil {
			// Pick up a redirect that happened while waiting.
			_ = chromedp.Run(tab, chromedp.Location(&location))
		}
	}
	if err == nil {
		err = chromedp.Run(tab, chromedp.Evaluate(script, out))
	}
	if err != nil {
		if ctx.Err() != nil {
			return location, ctx.Err()
		}
		if s.browserCtx.Err() != nil {
			s.log.Warn("browser exited; restarting on next use", logx.Err(err))
			s.stopLocked()
		}
		return location, fmt.Errorf("browser: %s: %w", pageURL, err)
	}
	return location, nil
}

func (s *Session) startLocked() error {
	if s.browserCtx != nil && s.browserCtx.Err() == nil {
		return nil
	}
	s.stopLocked()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(s.cfg.ProfileDir),
		chromedp.Flag("headless", s.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if s.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.cfg.ExecPath))
	}
	if s.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(s.cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	bctx, cancel := chromedp.NewContext(allocCtx)
	// An empty Run starts the browser process.
	if err := chromedp.Run(bctx); err != nil {
		cancel()
		allocCancel()
		return fmt.Errorf("browser: start: %w", err)
	}
	s.allocCancel, s.browserCtx, s.cancel = allocCancel, bctx, cancel
	s.log.Info("browser started", logx.String("profile", s.cfg.ProfileDir), logx.Bool("headless", s.cfg.Headless))
	return nil
}

func (s *Session) stopLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.cancel, s.allocCancel, s.browserCtx = nil, nil, nil
}

// Close terminates the browser process. Collect fails afterwards.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopLocked()
}
