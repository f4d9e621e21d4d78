package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"watchbot/internal/browser"
	"watchbot/internal/config"
	"watchbot/internal/credentials"
	"watchbot/internal/dispatch"
	"watchbot/internal/eventbus"
	"watchbot/internal/ledger"
	"watchbot/internal/observability/httpdebug"
	"watchbot/internal/observability/metrics"
	"watchbot/internal/poller"
	rtsup "watchbot/internal/runtime/supervisor"
	"watchbot/internal/storage"
	"watchbot/internal/subscription"
	"watchbot/internal/task/scheduler"
	"watchbot/internal/tracker"
	"watchbot/internal/transport"
	"watchbot/internal/transport/telegram"
	"watchbot/internal/transport/webhook"
	"watchbot/internal/watch"
	"watchbot/pkg/logx"
	"watchbot/pkg/systemd"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// sections that only take effect after a restart.
var restartSections = map[string]bool{
	"storage": true, "watch": true, "dispatch": true, "telegram": true,
	"browser": true, "maintenance": true, "discord": true, "twitter": true,
}

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store    storage.Store
	creds    *credentials.Static
	browser  *browser.Session
	tracker  *tracker.Tracker
	ledger   *ledger.Ledger
	subs     *subscription.Static
	router   *transport.Router
	registry *poller.Registry
	disp     *dispatch.Dispatcher
	sched    *scheduler.Service
	http     *httpdebug.Service

	sup   *rtsup.Supervisor
	watch *watch.Manager
	ready atomic.Bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapping(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))
	a := &App{cfgm: cfgm, cfg: cfg, logs: logs, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	if err := a.build(cfg, log); err != nil {
		_ = logs.Close()
		if a.store != nil {
			_ = a.store.Close()
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if enabled {
		st, err := storage.Open(sc, comp("storage"))
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.creds = credentials.NewStatic(Credentials(cfg))

	if a.browser, err = NewBrowser(cfg, comp("browser")); err != nil {
		return err
	}

	tc, _ := mapTrackerConfig(cfg)
	a.tracker = tracker.New(tc, a.store, comp("tracker"))
	lc, _ := mapLedgerConfig(cfg)
	a.ledger = ledger.New(lc, a.store, comp("ledger"))

	snap, err := subscription.FromConfig(cfg)
	if err != nil {
		return err
	}
	a.subs = subscription.NewStatic(snap)

	a.router = transport.NewRouter(comp("transport"), webhook.New(0))
	if token := cfg.TelegramToken(); token != "" {
		tg, err := telegram.New(telegram.Config{
			Token:          token,
			APIURL:         cfg.Telegram.APIURL,
			DisablePreview: cfg.Telegram.DisablePreview,
		})
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.router.Register(tg)
	} else {
		a.log.Warn("telegram token not set; tg: sinks will fail")
	}
	a.logs.SetSender(a.router)

	dc, _ := mapDispatchConfig(cfg)
	a.disp = dispatch.New(dc, a.subs, a.ledger, a.router,
		dispatch.WithBus(a.bus), dispatch.WithLogger(comp("dispatch")))

	a.registry, err = BuildRegistry(cfg, ChainDeps{Creds: a.creds, Browser: a.browser, Log: log})
	if err != nil {
		return err
	}

	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Maintenance.Timezone}, comp("scheduler"))
	if err := a.sched.Add("state.flush", defaultSchedule(cfg.Maintenance.FlushSchedule, defaultFlushSchedule), 20*time.Second, a.flush); err != nil {
		return err
	}
	if err := a.sched.Add("state.prune", defaultSchedule(cfg.Maintenance.PruneSchedule, defaultPruneSchedule), 20*time.Second, a.prune); err != nil {
		return err
	}

	hc, _ := mapHTTPConfig(cfg)
	a.http = httpdebug.New(hc, httpdebug.Providers{
		Ready:   a.ready.Load,
		Flags:   a.ledger.Flags,
		Sources: a.activeSources,
		Loops:   a.loops,
		Jobs:    a.sched.Snapshot,
		Events:  a.bus.Stats,
	}, log)
	return nil
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reject a reload before it is committed or published.
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(c, cfg); err != nil {
			return err
		}
		if err := validateMapping(cfg); err != nil {
			return err
		}
		_, err := subscription.FromConfig(cfg)
		return err
	})

	if err := a.tracker.Load(ctx); err != nil {
		return err
	}
	if err := a.ledger.Load(ctx); err != nil {
		return err
	}
	metrics.FlaggedSinks.Set(float64(len(a.ledger.Flags())))

	wc, _ := mapWatchConfig(a.cfg)
	a.watch = watch.NewManager(a.sup.Context(), wc, a.registry, a.tracker, a.disp,
		watch.WithBus(a.bus), watch.WithLogger(a.log.With(logx.String("comp", "watch"))))

	a.disp.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		a.logEvents(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			t := time.NewTicker(iv)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return nil
				case <-t.C:
					_, _ = systemd.Watchdog()
				}
			}
		})
	}

	a.watch.Sync(a.subs.Sources())
	a.ready.Store(true)
	a.notifyStatus()
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Int("sources", len(a.watch.Active())), logx.Int("flagged_sinks", len(a.ledger.Flags())))
	return nil
}

func (a *App) notifyStatus() {
	_, _ = systemd.Status(fmt.Sprintf("watching %d sources", len(a.watch.Active())))
}

func (a *App) activeSources() []string {
	if a.watch == nil {
		return nil
	}
	return a.watch.Active()
}

func (a *App) loops() rtsup.Snapshot {
	if a.watch == nil {
		return rtsup.Snapshot{}
	}
	return a.watch.Supervisor().Snapshot()
}

func (a *App) flush(ctx context.Context) error {
	return errors.Join(a.tracker.Flush(ctx), a.ledger.Flush(ctx))
}

func (a *App) prune(context.Context) error {
	seen := a.tracker.Prune()
	delivered := a.ledger.Prune()
	if seen > 0 || delivered > 0 {
		a.log.Debug("pruned state", logx.Int("seen", seen), logx.Int("deliveries", delivered))
	}
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.SinkFlagged, eventbus.SinkRecovered:
				metrics.FlaggedSinks.Set(float64(len(a.ledger.Flags())))
				a.log.Debug("sink state changed", logx.String("type", e.Type), logx.Any("data", e.Data))
			case eventbus.SourcePolled, eventbus.DeliverySent:
				// frequent; logged by their producers
			default:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

// ReloadEvent is published after a config change is applied.
type ReloadEvent struct {
	Changed []string `json:"changed"`
	Started []string `json:"started,omitempty"`
	Stopped []string `json:"stopped,omitempty"`
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the latest.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, newCfg)
			last = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changedSources := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	var pending []string
	for _, s := range sections {
		if restartSections[s] {
			pending = append(pending, s)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect", logx.Strings("sections", pending))
	}

	// Secrets hot-apply; strategies read them on every attempt.
	a.creds.Set(Credentials(newCfg))
	a.logs.Apply(mapLogConfig(newCfg))
	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hc)
	}

	ev := ReloadEvent{Changed: sections}
	if len(changedSources) > 0 {
		snap, err := subscription.FromConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid subscriptions; keeping previous", logx.Err(err))
		} else {
			a.subs.Swap(snap)
			ev.Started, ev.Stopped = a.watch.Sync(a.subs.Sources())
			a.notifyStatus()
		}
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: ev})

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order: loops first so their
// last cycles can enqueue, then the dispatcher drains, then state is
// flushed. Each step is bounded; a stuck step is logged and skipped.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.ready.Store(false)
	_, _ = systemd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("watch", 10*time.Second, func(c context.Context) error {
		if a.watch == nil {
			return nil
		}
		return a.watch.Stop(c)
	})
	step("dispatch", 10*time.Second, a.disp.Stop)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("state.flush", 5*time.Second, a.flush)

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("browser", time.Second, func(context.Context) error {
		if a.browser != nil {
			a.browser.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return errors.Join(errs...)
}
