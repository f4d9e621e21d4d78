package app

import (
	"strings"

	"watchbot/internal/browser"
	"watchbot/internal/config"
	"watchbot/internal/credentials"
	"watchbot/internal/normalize"
	"watchbot/internal/observability/metrics"
	"watchbot/internal/poller"
	"watchbot/internal/poller/discord"
	"watchbot/internal/poller/twitter"
	"watchbot/internal/source"
	"watchbot/pkg/logx"
)

// ChainDeps are the shared inputs of every platform chain.
type ChainDeps struct {
	Creds   credentials.Provider
	Browser *browser.Session
	Log     logx.Logger
}

// BuildRegistry assembles the discord and twitter strategy chains from cfg.
// Strategies whose inputs are missing stay registered and report
// themselves unavailable.
func BuildRegistry(cfg *config.Config, deps ChainDeps) (*poller.Registry, error) {
	rateMin, err := config.ParseDurationField("watch.rate_limit_min", cfg.Watch.RateLimitMin)
	if err != nil {
		return nil, err
	}
	rateMax, err := config.ParseDurationField("watch.rate_limit_max", cfg.Watch.RateLimitMax)
	if err != nil {
		return nil, err
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	norm := normalize.Default
	if cfg.Watch.MinTextLen > 0 {
		norm = normalize.Normalizer{MinTextLen: cfg.Watch.MinTextLen}
	}
	hc := poller.NewHTTPClient(defaultHTTPTimeout)

	opts := func(p source.Platform) []poller.ChainOption {
		return []poller.ChainOption{
			poller.WithLogger(log.With(logx.String("comp", "poller"), logx.String("platform", string(p)))),
			poller.WithRateLimitBounds(rateMin, rateMax),
			poller.WithOutcomeHook(recordOutcome),
		}
	}

	dc := poller.NewChain(source.Discord, []poller.Strategy{
		&discord.API{Base: cfg.Discord.APIBase, HTTP: hc, Creds: deps.Creds, Norm: norm},
		&discord.HTML{PageURL: cfg.Discord.PageURL, WebBase: cfg.Discord.WebBase, HTTP: hc, Creds: deps.Creds, Norm: norm},
	}, opts(source.Discord)...)

	mirror := strings.TrimSpace(cfg.Twitter.Mirror)
	strategies := []poller.Strategy{
		&twitter.API{
			Base:               cfg.Twitter.GraphQLBase,
			Bearer:             cfg.Twitter.Bearer,
			UserByScreenNameID: cfg.Twitter.UserByScreenNameID,
			UserTweetsID:       cfg.Twitter.UserTweetsID,
			Features:           cfg.Twitter.Features,
			IncludePinned:      cfg.Twitter.IncludePinned,
			HTTP:               hc,
			Creds:              deps.Creds,
			Norm:               norm,
		},
		&twitter.Mirror{Base: mirror, HTTP: hc, Norm: norm},
		&twitter.RSS{Base: mirror, HTTP: hc, Norm: norm},
	}
	if deps.Browser != nil {
		strategies = append(strategies, &twitter.Browser{Base: cfg.Browser.BaseURL, Session: deps.Browser, Norm: norm})
	}
	tc := poller.NewChain(source.Twitter, strategies, opts(source.Twitter)...)

	return poller.NewRegistry(dc, tc), nil
}

func recordOutcome(o poller.Outcome) {
	platform := string(o.Source.Platform)
	metrics.StrategyOutcomes.WithLabelValues(platform, string(o.Strategy), o.Result).Inc()
	if o.Result != "skipped" && o.Result != "unavailable" {
		metrics.StrategyDuration.WithLabelValues(platform, string(o.Strategy)).Observe(o.Took.Seconds())
	}
}
