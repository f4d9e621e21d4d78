// Package scheduler triggers maintenance jobs (state flush, pruning) on
// cron expressions or fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"watchbot/pkg/logx"
)

var ErrUnknownJob = errors.New("unknown job")

type Config struct {
	Timezone string // IANA name; empty means Local
}

type Job func(ctx context.Context) error

type jobDef struct {
	name     string
	spec     string
	schedule cron.Schedule
	timeout  time.Duration
	run      Job
	entry    cron.EntryID
	running  atomic.Bool

	runs     atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64
	lastErr  atomic.Value // string
	lastRun  atomic.Int64 // unix nanos
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*jobDef
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	return &Service{
		log: log,
		loc: loc,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*jobDef{},
	}
}

// Add registers (or replaces) a job. schedule accepts everything ParseSchedule does.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	var sched cron.Schedule
	spec := ps.Cron
	switch ps.Kind {
	case SpecCron:
		sched, err = s.parser.Parse(ps.Cron)
		if err != nil {
			return fmt.Errorf("%s: invalid cron %q: %w", name, ps.Cron, err)
		}
	case SpecInterval:
		sched, _ = intervalWithSpread(ps.Every, time.Now())
		spec = "@every " + ps.Every.String()
	}

	d := &jobDef{name: name, spec: spec, schedule: sched, timeout: timeout, run: job}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[name]; ok && s.c != nil {
		s.c.Remove(old.entry)
	}
	s.jobs[name] = d
	if s.c != nil {
		d.entry = s.c.Schedule(sched, s.wrap(d))
	}
	s.log.Debug("job registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return nil
}

// wrap skips a trigger while the previous run of the same job is in flight.
func (s *Service) wrap(d *jobDef) cron.FuncJob {
	return func() {
		if !d.running.CompareAndSwap(false, true) {
			d.skipped.Add(1)
			s.log.Debug("job still running; trigger skipped", logx.String("name", d.name))
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()
		defer d.running.Store(false)
		_ = s.execute(s.ctx, d)
	}
}

func (s *Service) execute(parent context.Context, d *jobDef) error {
	ctx := parent
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return d.run(ctx)
	}()
	d.runs.Add(1)
	d.lastRun.Store(start.UnixNano())
	if err != nil {
		d.failures.Add(1)
		d.lastErr.Store(err.Error())
		s.log.Warn("job failed", logx.String("name", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return err
	}
	d.lastErr.Store("")
	s.log.Debug("job done", logx.String("name", d.name), logx.Duration("took", time.Since(start)))
	return nil
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	d, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownJob, name)
	}
	return s.execute(ctx, d)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.jobs {
		d.entry = s.c.Schedule(d.schedule, s.wrap(d))
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts triggering and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
	}
	cancel()
}

type JobInfo struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Next     time.Time `json:"next,omitempty"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_err,omitempty"`
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	Skipped  uint64    `json:"skipped"`
}

func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().In(s.loc)
	out := make([]JobInfo, 0, len(s.jobs))
	for _, d := range s.jobs {
		info := JobInfo{
			Name:     d.name,
			Spec:     d.spec,
			Next:     d.schedule.Next(now),
			Runs:     d.runs.Load(),
			Failures: d.failures.Load(),
			Skipped:  d.skipped.Load(),
		}
		if s.c != nil {
			if e := s.c.Entry(d.entry); e.Valid() {
				info.Next = e.Next
			}
		}
		if ns := d.lastRun.Load(); ns > 0 {
			info.LastRun = time.Unix(0, ns)
		}
		info.LastErr, _ = d.lastErr.Load().(string)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
