// Package subscription exposes read-only subscriber bindings. The engine
// never writes bindings; Static is rebuilt from config on every reload.
package subscription

import (
	"fmt"
	"sort"
	"sync/atomic"

	"watchbot/internal/config"
	"watchbot/internal/source"
)

// Binding routes items of one source to one subscriber's sink.
type Binding struct {
	SubscriberID string
	Source       source.Ref
	Sink         string
	Enabled      bool
}

type Store interface {
	SourcesForSubscriber(subscriberID string) []source.Source
	Sink(subscriberID string, ref source.Ref) (string, bool)
	Bindings(ref source.Ref) []Binding
	// Sources lists every source with at least one enabled binding.
	Sources() []source.Source
}

// Snapshot is an immutable index of bindings.
type Snapshot struct {
	bySource  map[string][]Binding
	sources   map[string]source.Source
	bySubKey  map[string]Binding
	subSource map[string][]string
}

func subKey(sub string, ref source.Ref) string { return sub + "\x00" + ref.Key() }

// Build indexes bindings. The first binding that names strategies decides a
// source's order; otherwise defaults[platform] applies.
func Build(bindings []Binding, strategies map[string][]source.StrategyKind, defaults map[source.Platform][]source.StrategyKind) *Snapshot {
	s := &Snapshot{
		bySource:  map[string][]Binding{},
		sources:   map[string]source.Source{},
		bySubKey:  map[string]Binding{},
		subSource: map[string][]string{},
	}
	customized := map[string]bool{}
	for _, b := range bindings {
		key := b.Source.Key()
		s.bySource[key] = append(s.bySource[key], b)
		if _, dup := s.bySubKey[subKey(b.SubscriberID, b.Source)]; !dup {
			s.subSource[b.SubscriberID] = append(s.subSource[b.SubscriberID], key)
		}
		s.bySubKey[subKey(b.SubscriberID, b.Source)] = b

		src, ok := s.sources[key]
		if !ok {
			src = source.Source{Ref: b.Source, Strategies: defaults[b.Source.Platform]}
		}
		if custom := strategies[subKey(b.SubscriberID, b.Source)]; len(custom) > 0 && !customized[key] {
			src.Strategies = custom
			customized[key] = true
		}
		s.sources[key] = src
	}
	return s
}

func (s *Snapshot) SourcesForSubscriber(subscriberID string) []source.Source {
	keys := s.subSource[subscriberID]
	out := make([]source.Source, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.sources[k])
	}
	return out
}

func (s *Snapshot) Sink(subscriberID string, ref source.Ref) (string, bool) {
	b, ok := s.bySubKey[subKey(subscriberID, ref)]
	if !ok || !b.Enabled {
		return "", false
	}
	return b.Sink, true
}

// Bindings returns a copy of every binding for ref, disabled ones included.
func (s *Snapshot) Bindings(ref source.Ref) []Binding {
	return append([]Binding(nil), s.bySource[ref.Key()]...)
}

func (s *Snapshot) Sources() []source.Source {
	out := make([]source.Source, 0, len(s.sources))
	for key, src := range s.sources {
		if s.anyEnabled(key) {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Key() < out[j].Ref.Key() })
	return out
}

func (s *Snapshot) anyEnabled(key string) bool {
	for _, b := range s.bySource[key] {
		if b.Enabled {
			return true
		}
	}
	return false
}

// Static is a Store whose snapshot is swapped atomically on reload.
type Static struct {
	cur atomic.Pointer[Snapshot]
}

func NewStatic(snap *Snapshot) *Static {
	s := &Static{}
	s.Swap(snap)
	return s
}

func (s *Static) Swap(snap *Snapshot) {
	if snap == nil {
		snap = Build(nil, nil, nil)
	}
	s.cur.Store(snap)
}

func (s *Static) load() *Snapshot { return s.cur.Load() }

func (s *Static) SourcesForSubscriber(id string) []source.Source {
	return s.load().SourcesForSubscriber(id)
}
func (s *Static) Sink(id string, ref source.Ref) (string, bool) { return s.load().Sink(id, ref) }
func (s *Static) Bindings(ref source.Ref) []Binding              { return s.load().Bindings(ref) }
func (s *Static) Sources() []source.Source                       { return s.load().Sources() }

// FromConfig builds a snapshot from the subscriptions and per-platform
// strategy defaults in cfg.
func FromConfig(cfg *config.Config) (*Snapshot, error) {
	defaults := map[source.Platform][]source.StrategyKind{
		source.Discord: kinds(cfg.Discord.Strategies),
		source.Twitter: kinds(cfg.Twitter.Strategies),
	}
	bindings := make([]Binding, 0, len(cfg.Subscriptions))
	custom := map[string][]source.StrategyKind{}
	for i, sc := range cfg.Subscriptions {
		ref, err := source.ParseRef(sc.Source)
		if err != nil {
			return nil, fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
		b := Binding{SubscriberID: sc.Subscriber, Source: ref, Sink: sc.Sink, Enabled: sc.IsEnabled()}
		bindings = append(bindings, b)
		if len(sc.Strategies) > 0 {
			custom[subKey(b.SubscriberID, ref)] = kinds(sc.Strategies)
		}
	}
	return Build(bindings, custom, defaults), nil
}

func kinds(names []string) []source.StrategyKind {
	if len(names) == 0 {
		return nil
	}
	out := make([]source.StrategyKind, 0, len(names))
	for _, n := range names {
		out = append(out, source.StrategyKind(n))
	}
	return out
}
