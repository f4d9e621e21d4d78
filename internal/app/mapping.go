package app

import (
	"fmt"
	"strings"
	"time"

	"watchbot/internal/browser"
	"watchbot/internal/config"
	"watchbot/internal/credentials"
	"watchbot/internal/dispatch"
	"watchbot/internal/ledger"
	"watchbot/internal/observability/httpdebug"
	"watchbot/internal/source"
	"watchbot/internal/storage"
	"watchbot/internal/tracker"
	"watchbot/internal/watch"
	"watchbot/pkg/logx"
)

const (
	defaultFlushSchedule = "@every 30s"
	defaultPruneSchedule = "@every 1h"
	defaultHTTPTimeout   = 20 * time.Second
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Sink: logx.SinkConfig{
			Enabled:    l.Sink.Enabled,
			Address:    strings.TrimSpace(l.Sink.Address),
			MinLevel:   l.Sink.MinLevel,
			RatePerSec: l.Sink.RatePerSec,
		},
	}
}

func mapWatchConfig(cfg *config.Config) (watch.Config, error) {
	w := cfg.Watch
	var out watch.Config
	var err error
	if out.Interval, err = config.ParseDurationField("watch.interval", w.Interval); err != nil {
		return out, err
	}
	if out.JitterMin, err = config.ParseDurationField("watch.jitter_min", w.JitterMin); err != nil {
		return out, err
	}
	if out.JitterMax, err = config.ParseDurationField("watch.jitter_max", w.JitterMax); err != nil {
		return out, err
	}
	if out.CycleTimeout, err = config.ParseDurationField("watch.cycle_timeout", w.CycleTimeout); err != nil {
		return out, err
	}
	out.FetchLimit = w.FetchLimit
	return out, nil
}

func mapTrackerConfig(cfg *config.Config) (tracker.Config, error) {
	ttl, err := config.ParseDurationField("watch.seen_ttl", cfg.Watch.SeenTTL)
	if err != nil {
		return tracker.Config{}, err
	}
	return tracker.Config{MaxSeen: cfg.Watch.MaxSeen, SeenTTL: ttl}, nil
}

func mapLedgerConfig(cfg *config.Config) (ledger.Config, error) {
	ret, err := config.ParseDurationField("dispatch.ledger_retention", cfg.Dispatch.LedgerRetention)
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{Retention: ret, FlagThreshold: cfg.Dispatch.FlagThreshold}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	timeout, err := config.ParseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return dispatch.Config{}, fmt.Errorf("dispatch.timezone: invalid %q: %w", tz, err)
		}
	}
	return dispatch.Config{
		QueueSize:   d.QueueSize,
		RatePerSec:  d.RatePerSec,
		SendTimeout: timeout,
		Format:      dispatch.Formatter{Location: loc, MaxBodyRunes: d.MaxBodyRunes},
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpdebug.Config, error) {
	h := cfg.HTTP
	out := httpdebug.Config{
		Enabled:              h.Enabled,
		Addr:                 strings.TrimSpace(h.Addr),
		Token:                strings.TrimSpace(h.Token),
		AllowInsecure:        h.AllowInsecure,
		Pprof:                h.Pprof,
		MutexProfileFraction: h.MutexProfileFraction,
		BlockProfileRate:     h.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapBrowserConfig(cfg *config.Config) (browser.Config, error) {
	b := cfg.Browser
	nav, err := config.ParseDurationField("browser.nav_timeout", b.NavTimeout)
	if err != nil {
		return browser.Config{}, err
	}
	out := browser.Config{ExecPath: b.ExecPath, Headless: b.Headless, NavTimeout: nav}
	if b.Enabled {
		out.ProfileDir = strings.TrimSpace(b.ProfileDir)
	}
	return out, nil
}

// Credentials reads secrets from cfg; environment variables win.
func Credentials(cfg *config.Config) map[source.Platform]credentials.Credential {
	return credentials.WithEnv(map[source.Platform]credentials.Credential{
		source.Discord: {Token: strings.TrimSpace(cfg.Discord.Token), AuthCookie: strings.TrimSpace(cfg.Discord.WebCookie)},
		source.Twitter: {AuthCookie: strings.TrimSpace(cfg.Twitter.AuthToken), CSRF: strings.TrimSpace(cfg.Twitter.CSRF)},
	})
}

// NewBrowser returns the browser session for cfg, or nil when the browser
// strategy is disabled.
func NewBrowser(cfg *config.Config, log logx.Logger) (*browser.Session, error) {
	bc, err := mapBrowserConfig(cfg)
	if err != nil || bc.ProfileDir == "" {
		return nil, err
	}
	return browser.New(bc, log), nil
}

func defaultSchedule(raw, def string) string {
	if s := strings.TrimSpace(raw); s != "" {
		return s
	}
	return def
}

// validateMapping rejects configs whose fields parse but fail to map.
func validateMapping(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTrackerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLedgerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	_, err := mapBrowserConfig(cfg)
	return err
}
