package config

import (
	"reflect"
	"sort"
	"strings"

	"watchbot/internal/source"
	logx "watchbot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the source keys whose bindings changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if set(oldCfg.Telegram.Token) != set(newCfg.Telegram.Token) ||
		strings.TrimSpace(oldCfg.Telegram.APIURL) != strings.TrimSpace(newCfg.Telegram.APIURL) ||
		oldCfg.Telegram.DisablePreview != newCfg.Telegram.DisablePreview {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", set(newCfg.Telegram.Token)),
			logx.Bool("telegram.api_url_set", set(newCfg.Telegram.APIURL)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.sink_enabled", newCfg.Logging.Sink.Enabled),
		)
	}

	// Storage (nil means disabled)
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oPathSet = strings.TrimSpace(s.Driver), set(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nPathSet = strings.TrimSpace(s.Driver), set(s.Path)
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	if oldCfg.Watch != newCfg.Watch {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.String("watch.interval", newCfg.Watch.Interval),
			logx.Int("watch.fetch_limit", newCfg.Watch.FetchLimit),
		)
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.String("dispatch.timezone", newCfg.Dispatch.Timezone),
		)
	}

	// Provider sections: compare with secrets reduced to presence.
	if !reflect.DeepEqual(redactDiscord(oldCfg.Discord), redactDiscord(newCfg.Discord)) {
		changed = append(changed, "discord")
		attrs = append(attrs, logx.Bool("discord.token_set", set(newCfg.Discord.Token)))
	}
	if !reflect.DeepEqual(redactTwitter(oldCfg.Twitter), redactTwitter(newCfg.Twitter)) {
		changed = append(changed, "twitter")
		attrs = append(attrs,
			logx.Bool("twitter.session_set", set(newCfg.Twitter.AuthToken) && set(newCfg.Twitter.CSRF)),
			logx.Bool("twitter.mirror_set", set(newCfg.Twitter.Mirror)),
		)
	}
	if oldCfg.Browser != newCfg.Browser {
		changed = append(changed, "browser")
		attrs = append(attrs, logx.Bool("browser.enabled", newCfg.Browser.Enabled))
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
	}
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.Token, nh.Token = boolStr(set(oh.Token)), boolStr(set(nh.Token))
	if oh != nh {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", set(newCfg.HTTP.Token)),
		)
	}

	sources := diffSubscriptions(oldCfg.Subscriptions, newCfg.Subscriptions)
	if len(sources) > 0 {
		changed = append(changed, "subscriptions")
		attrs = append(attrs,
			logx.Int("subscriptions.count", len(newCfg.Subscriptions)),
			logx.Int("subscriptions.sources_changed", len(sources)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, sources
}

func set(s string) bool { return strings.TrimSpace(s) != "" }

func boolStr(b bool) string {
	if b {
		return "set"
	}
	return ""
}

func redactDiscord(c DiscordConfig) DiscordConfig {
	c.Token, c.WebCookie = boolStr(set(c.Token)), boolStr(set(c.WebCookie))
	return c
}

func redactTwitter(c TwitterConfig) TwitterConfig {
	c.AuthToken, c.CSRF = boolStr(set(c.AuthToken)), boolStr(set(c.CSRF))
	return c
}

func diffSubscriptions(oldS, newS []SubscriptionConfig) []string {
	group := func(in []SubscriptionConfig) map[string][]string {
		m := map[string][]string{}
		for _, s := range in {
			ref, err := source.ParseRef(s.Source)
			if err != nil {
				continue
			}
			line := strings.Join([]string{
				strings.TrimSpace(s.Subscriber),
				strings.TrimSpace(s.Sink),
				boolStr(s.IsEnabled()),
				strings.Join(s.Strategies, ","),
			}, "|")
			m[ref.Key()] = append(m[ref.Key()], line)
		}
		for _, v := range m {
			sort.Strings(v)
		}
		return m
	}
	o, n := group(oldS), group(newS)
	keys := map[string]struct{}{}
	for k := range o {
		keys[k] = struct{}{}
	}
	for k := range n {
		keys[k] = struct{}{}
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		if !reflect.DeepEqual(o[k], n[k]) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
