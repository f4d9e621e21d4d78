package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); empty means default.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Watch       WatchConfig       `json:"watch"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Discord     DiscordConfig     `json:"discord"`
	Twitter     TwitterConfig     `json:"twitter"`
	Browser     BrowserConfig     `json:"browser"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	HTTP        HTTPConfig        `json:"http,omitempty"`

	// Subscriptions are read-only bindings of a subscriber's sink to a source.
	Subscriptions []SubscriptionConfig `json:"subscriptions" validate:"dive"`
}

// TelegramConfig configures the Telegram sink. The bot never polls for
// updates; it only sends.
type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL points at a self-hosted Bot API server; default is api.telegram.org.
	APIURL         string `json:"api_url,omitempty" validate:"omitempty,url"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Sink    LoggingSink `json:"sink"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingSink forwards WARN+ log lines to a sink address.
type LoggingSink struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address" validate:"required_if=Enabled true,omitempty,sinkaddr"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=debug info warn warning error"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/watchbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"`
}

// WatchConfig controls the per-source polling loops and novelty detection.
//
// Defaults: interval 60s, jitter 500ms..2s, fetch_limit 20, cycle_timeout
// 2m, max_seen 500, seen_ttl 48h (never below 24h), min_text_len 2.
type WatchConfig struct {
	Interval     string `json:"interval" validate:"omitempty,duration"`
	JitterMin    string `json:"jitter_min,omitempty" validate:"omitempty,duration"`
	JitterMax    string `json:"jitter_max,omitempty" validate:"omitempty,duration"`
	FetchLimit   int    `json:"fetch_limit,omitempty" validate:"gte=0,lte=100"`
	CycleTimeout string `json:"cycle_timeout,omitempty" validate:"omitempty,duration"`
	MaxSeen      int    `json:"max_seen,omitempty" validate:"gte=0"`
	SeenTTL      string `json:"seen_ttl,omitempty" validate:"omitempty,duration"`
	MinTextLen   int    `json:"min_text_len,omitempty" validate:"gte=0"`

	RateLimitMin string `json:"rate_limit_min,omitempty" validate:"omitempty,duration"`
	RateLimitMax string `json:"rate_limit_max,omitempty" validate:"omitempty,duration"`
}

// DispatchConfig controls fan-out delivery.
//
// Defaults: queue_size 256, rate_per_sec 20, timezone UTC, max_body_runes
// 600, send_timeout 15s, ledger_retention 72h (never below 24h),
// flag_threshold 5.
type DispatchConfig struct {
	QueueSize       int    `json:"queue_size,omitempty" validate:"gte=0"`
	RatePerSec      int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Timezone        string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	MaxBodyRunes    int    `json:"max_body_runes,omitempty" validate:"gte=0"`
	SendTimeout     string `json:"send_timeout,omitempty" validate:"omitempty,duration"`
	LedgerRetention string `json:"ledger_retention,omitempty" validate:"omitempty,duration"`
	FlagThreshold   int    `json:"flag_threshold,omitempty" validate:"gte=0"`
}

type DiscordConfig struct {
	// Token is a user or bot token; WATCHBOT_DISCORD_TOKEN overrides it. Never logged.
	Token   string `json:"token,omitempty"`
	APIBase string `json:"api_base,omitempty" validate:"omitempty,url"`
	WebBase string `json:"web_base,omitempty" validate:"omitempty,url"`
	// PageURL may contain {guild} and {channel}.
	PageURL   string `json:"page_url,omitempty"`
	WebCookie string `json:"web_cookie,omitempty"`
	// Strategies is the default order for discord sources.
	Strategies []string `json:"strategies,omitempty" validate:"dive,oneof=api html rss browser"`
}

type TwitterConfig struct {
	// AuthToken and CSRF are the auth_token and ct0 cookies of a web session.
	AuthToken          string          `json:"auth_token,omitempty"`
	CSRF               string          `json:"ct0,omitempty"`
	GraphQLBase        string          `json:"graphql_base,omitempty" validate:"omitempty,url"`
	Bearer             string          `json:"bearer,omitempty"`
	UserByScreenNameID string          `json:"user_by_screen_name_id,omitempty"`
	UserTweetsID       string          `json:"user_tweets_id,omitempty"`
	Features           map[string]bool `json:"features,omitempty"`
	IncludePinned      bool            `json:"include_pinned,omitempty"`
	// Mirror is a nitter-style base URL used by the html and rss strategies.
	Mirror     string   `json:"mirror,omitempty" validate:"omitempty,url"`
	Strategies []string `json:"strategies,omitempty" validate:"dive,oneof=api html rss browser"`
}

// BrowserConfig configures the browser strategy. ProfileDir persists the
// login session; log in once with headless=false.
type BrowserConfig struct {
	Enabled    bool   `json:"enabled"`
	ProfileDir string `json:"profile_dir" validate:"required_if=Enabled true"`
	ExecPath   string `json:"exec_path,omitempty"`
	Headless   bool   `json:"headless"`
	NavTimeout string `json:"nav_timeout,omitempty" validate:"omitempty,duration"`
	BaseURL    string `json:"base_url,omitempty" validate:"omitempty,url"`
}

// MaintenanceConfig schedules state flushes and pruning. Schedules accept
// cron expressions (seconds optional), durations ("30s") or "HH:MM".
type MaintenanceConfig struct {
	FlushSchedule string `json:"flush_schedule,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
	Timezone      string `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

// HTTPConfig controls the debug HTTP server (/metrics, /healthz, /flags and
// optionally pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	WriteTimeout string `json:"write_timeout,omitempty" validate:"omitempty,duration"`
	IdleTimeout  string `json:"idle_timeout,omitempty" validate:"omitempty,duration"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// SubscriptionConfig binds one subscriber's sink to a source.
//
// Example:
//
//	{ "subscriber": "alice", "source": "discord:123/456", "sink": "tg:-1001234/7" }
type SubscriptionConfig struct {
	Subscriber string   `json:"subscriber" validate:"required"`
	Source     string   `json:"source" validate:"required,sourceref"`
	Sink       string   `json:"sink" validate:"required,sinkaddr"`
	Enabled    *bool    `json:"enabled,omitempty"`
	Strategies []string `json:"strategies,omitempty" validate:"dive,oneof=api html rss browser"`
}

// IsEnabled treats an omitted flag as enabled.
func (s SubscriptionConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }
