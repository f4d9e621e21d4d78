package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Sink    SinkConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// SinkConfig forwards log lines at or above MinLevel to a sink address
// (the same tg:/webhook: addresses subscriptions use).
type SinkConfig struct {
	Enabled    bool
	Address    string
	MinLevel   string
	RatePerSec int
}

// Sender delivers a preformatted log line to a sink address.
type Sender interface {
	SendText(ctx context.Context, address, text string) error
}

const sinkQueueSize = 256

type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *os.File

	sender      Sender
	queue       chan sinkItem
	workerOnce  sync.Once
	stopWorker  context.CancelFunc
	workerGroup sync.WaitGroup
	dropped     atomic.Uint64

	// guarded by mu
	address  string
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type sinkItem struct {
	address string
	msg     string
}

// New creates the logging service, applies cfg and returns the Service with
// a root Logger that follows later Apply calls.
func New(cfg Config) (*Service, Logger) {
	setGlobals()

	s := &Service{
		cfg:   cfg,
		queue: make(chan sinkItem, sinkQueueSize),
	}
	s.root.Store(zerolog.New(newConsoleWriter(Stdout())).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger())
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	zl, ok := s.root.Load().(zerolog.Logger)
	if !ok {
		return zerolog.Nop()
	}
	return zl
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender installs the sink transport. Lines produced before a sender is
// set are dropped.
func (s *Service) SetSender(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Dropped reports how many sink lines were discarded because the queue was full.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	cancel := s.stopWorker
	s.stopWorker = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.workerGroup.Wait()
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply swaps outputs and levels at runtime. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.address = strings.TrimSpace(cfg.Sink.Address)
	s.minLevel = parseLevel(cfg.Sink.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.Sink.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	writers := make([]io.Writer, 0, 3)
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./watchbot.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: failed opening log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Sink.Enabled {
		s.workerOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			s.stopWorker = cancel
			s.workerGroup.Add(1)
			go func() {
				defer s.workerGroup.Done()
				s.sinkWorker(ctx)
			}()
		})
		writers = append(writers, &sinkWriter{svc: s})
		if s.address == "" {
			fmt.Fprintln(Stderr(), "logx: sink logging enabled but logging.sink.address is empty")
		}
	}
	if len(writers) == 0 {
		writers = append(writers, newConsoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(zl)
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
}

func (s *Service) sinkWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-s.queue:
			s.mu.Lock()
			sender := s.sender
			s.mu.Unlock()
			if sender == nil {
				continue
			}
			// A failing sink must not log back into itself.
			_ = sender.SendText(ctx, it.address, it.msg)
		}
	}
}

func (s *Service) enqueue(it sinkItem) {
	select {
	case s.queue <- it:
	default:
		s.dropped.Add(1)
	}
}

type sinkWriter struct{ svc *Service }

func (w *sinkWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *sinkWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	s.mu.Lock()
	addr := s.address
	lim := s.limiter
	minLevel := s.minLevel
	s.mu.Unlock()

	if addr == "" || lim == nil || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	if msg := formatSinkLine(p); msg != "" {
		s.enqueue(sinkItem{address: addr, msg: msg})
	}
	return len(p), nil
}

// formatSinkLine renders a zerolog JSON line as plain text: a level tag,
// the message, then one "- key=value" line per field in key order.
func formatSinkLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		limit := 600
		if k == "stack" {
			limit = 900
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}

// Stdout returns the configured stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the configured stderr sink.
func Stderr() io.Writer { return os.Stderr }
