package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "watchbot/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Watch reloads the file whenever it changes until ctx is done. The
// directory is watched so editors that replace the file by rename are
// still seen. A broken watcher is recreated with backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("path", m.path))
	trigger, stop := m.debouncer(ctx, log)
	defer stop()

	wait := watchBackoffMin
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, name, trigger, log)
		if ctx.Err() != nil {
			break
		}
		if err == nil {
			// The watcher ran and then broke; start over quickly.
			wait = watchBackoffMin
		}
		pause := wait + time.Duration(rand.Int64N(int64(wait/2)+1))
		log.Warn("config watcher restarting", logx.Duration("backoff", pause), logx.Err(err))
		if !sleep(ctx, pause) {
			break
		}
		wait = min(wait*2, watchBackoffMax)
	}
	return nil
}

// watchOnce runs one fsnotify watcher. A setup failure is returned; a
// watcher that breaks after starting returns nil.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, name string, trigger func(), log logx.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	log.Debug("config watcher started", logx.String("dir", dir))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn("config watch overflow; forcing reload", logx.Err(err))
				trigger()
				continue
			}
			log.Warn("config watch error", logx.Err(err))
		}
	}
}

// debouncer coalesces bursts of events into a single Reload.
func (m *ConfigManager) debouncer(ctx context.Context, log logx.Logger) (trigger, stop func()) {
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	fire := func() {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		defer cancel()
		cfg, err := m.Reload(vctx)
		switch {
		case errors.Is(err, ErrUnchanged):
			log.Debug("config unchanged; skipping publish")
		case err != nil:
			log.Warn("config reload failed", logx.Err(err))
		default:
			log.Debug("config published", logx.Int("subscriptions", len(cfg.Subscriptions)))
		}
	}
	trigger = func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, fire)
	}
	stop = func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
	}
	return trigger, stop
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
