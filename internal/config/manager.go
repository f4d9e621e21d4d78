package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sync"

	logx "watchbot/pkg/logx"
)

// ErrUnchanged is returned by Reload when the file content matches the
// committed config.
var ErrUnchanged = errors.New("config unchanged")

// ConfigManager owns the live config: it parses the file, runs the
// validation hook, and fans committed configs out to subscribers.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu        sync.RWMutex
	cfg       *Config
	sum       uint64
	validator func(ctx context.Context, cfg *Config) error

	// subsMu is held while sending so Unsubscribe never closes a channel
	// that publish is writing to.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

// NewConfigManager returns a manager using Validate as its reload hook.
func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:      path,
		log:       logx.Nop(),
		validator: Validate,
		subs:      map[chan *Config]struct{}{},
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator replaces the hook run before a parsed config is committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

// Parse reads and strictly decodes the file. It never commits.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, format, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeStrict(jb)
	if err != nil {
		return nil, fmt.Errorf("%s (%s): %w", m.path, format, err)
	}
	return cfg, nil
}

func decodeStrict(b []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
		return &cfg, nil
	case err == nil:
		return nil, errors.New("trailing data after config document")
	default:
		return nil, err
	}
}

func (m *ConfigManager) check(ctx context.Context, cfg *Config) error {
	m.mu.RLock()
	fn := m.validator
	m.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, cfg)
}

// Load parses, validates and commits the file without publishing.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.check(context.Background(), cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// Reload parses and validates the file, then commits and publishes it.
// Content identical to the committed config yields ErrUnchanged.
func (m *ConfigManager) Reload(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	sum := checksum(cfg)
	m.mu.RLock()
	same := sum != 0 && sum == m.sum
	m.mu.RUnlock()
	if same {
		return nil, ErrUnchanged
	}
	if err := m.check(ctx, cfg); err != nil {
		return nil, fmt.Errorf("rejected: %w", err)
	}
	m.Commit(cfg)
	m.publish(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	sum := checksum(cfg)
	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// checksum hashes the re-encoded config so formatting-only edits compare equal.
func checksum(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel receiving each committed reload. A slow
// subscriber loses older configs, never the newest.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; !ok {
		return
	}
	delete(m.subs, ch)
	close(ch)
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		// Full: drop the oldest pending config and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}
