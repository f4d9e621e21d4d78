package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "watchbot/pkg/logx"
)

// fileStore keeps everything in files next to cfg.Path.
//
// Files:
//   - <prefix>.sources.json          (snapshot, rewritten on save)
//   - <prefix>.flags.json            (snapshot, rewritten on save)
//   - <prefix>.ledger.snapshot.json  (periodic snapshot)
//   - <prefix>.ledger.journal.jsonl  (append-only journal)
//
// The ledger journal is compacted into its snapshot every compactEvery
// writes and on prune.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	sourcesPath string
	flagsPath   string

	ledgerSnapshotPath string
	ledgerJournal      *os.File
	ledger             map[ledgerKey]int64 // unix milli
	ledgerWrites       int

	sources map[string]SourceState
}

type ledgerKey struct{ sink, item string }

type ledgerRecord struct {
	Sink string `json:"s"`
	Item string `json:"i"`
	At   int64  `json:"t"`
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:                log,
		sourcesPath:        prefix + ".sources.json",
		flagsPath:          prefix + ".flags.json",
		ledgerSnapshotPath: prefix + ".ledger.snapshot.json",
		ledger:             map[ledgerKey]int64{},
		sources:            map[string]SourceState{},
	}

	var states []SourceState
	if err := readJSON(s.sourcesPath, &states); err != nil {
		return nil, err
	}
	for _, st := range states {
		if st.Key != "" {
			s.sources[st.Key] = st
		}
	}

	if err := loadLedgerSnapshot(s.ledgerSnapshotPath, s.ledger); err != nil {
		log.Warn("ledger snapshot unreadable; starting from journal", logx.Err(err))
	}
	journalPath := prefix + ".ledger.journal.jsonl"
	if err := replayLedgerJournal(journalPath, s.ledger); err != nil {
		log.Warn("ledger journal replay failed", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.ledgerJournal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgerJournal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("ledger compact on close failed", logx.Err(err))
	}
	err := s.ledgerJournal.Close()
	s.ledgerJournal = nil
	return err
}

func (s *fileStore) LoadSources(ctx context.Context) ([]SourceState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SourceState, 0, len(s.sources))
	for _, st := range s.sources {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *fileStore) SaveSources(ctx context.Context, states []SourceState) error {
	_ = ctx
	if len(states) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgerJournal == nil {
		return ErrClosed
	}
	for _, st := range states {
		if st.Key != "" {
			s.sources[st.Key] = st
		}
	}
	all := make([]SourceState, 0, len(s.sources))
	for _, st := range s.sources {
		all = append(all, st)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	return writeJSONAtomic(s.sourcesPath, all)
}

func (s *fileStore) LoadDeliveries(ctx context.Context) ([]Delivery, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delivery, 0, len(s.ledger))
	for k, ms := range s.ledger {
		out = append(out, Delivery{Sink: k.sink, ItemID: k.item, DeliveredAt: time.UnixMilli(ms).UTC()})
	}
	return out, nil
}

func (s *fileStore) PutDeliveries(ctx context.Context, ds []Delivery) error {
	_ = ctx
	if len(ds) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgerJournal == nil {
		return ErrClosed
	}

	w := bufio.NewWriter(s.ledgerJournal)
	enc := json.NewEncoder(w)
	for _, d := range ds {
		if d.Sink == "" || d.ItemID == "" {
			continue
		}
		ms := d.DeliveredAt.UnixMilli()
		s.ledger[ledgerKey{d.Sink, d.ItemID}] = ms
		if err := enc.Encode(ledgerRecord{Sink: d.Sink, Item: d.ItemID, At: ms}); err != nil {
			return err
		}
		s.ledgerWrites++
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if s.ledgerWrites >= compactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("ledger compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) PruneDeliveries(ctx context.Context, before time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgerJournal == nil {
		return ErrClosed
	}
	cut := before.UnixMilli()
	removed := 0
	for k, ms := range s.ledger {
		if ms < cut {
			delete(s.ledger, k)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	return s.compactLocked()
}

func (s *fileStore) LoadFlags(ctx context.Context) ([]SinkFlag, error) {
	_ = ctx
	var out []SinkFlag
	if err := readJSON(s.flagsPath, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fileStore) ReplaceFlags(ctx context.Context, flags []SinkFlag) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledgerJournal == nil {
		return ErrClosed
	}
	if flags == nil {
		flags = []SinkFlag{}
	}
	return writeJSONAtomic(s.flagsPath, flags)
}

func (s *fileStore) compactLocked() error {
	snap := make([]ledgerRecord, 0, len(s.ledger))
	for k, ms := range s.ledger {
		snap = append(snap, ledgerRecord{Sink: k.sink, Item: k.item, At: ms})
	}
	if err := writeJSONAtomic(s.ledgerSnapshotPath, snap); err != nil {
		return err
	}
	if err := s.ledgerJournal.Truncate(0); err != nil {
		return err
	}
	if _, err := s.ledgerJournal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	s.ledgerWrites = 0
	return nil
}

func loadLedgerSnapshot(path string, out map[ledgerKey]int64) error {
	var recs []ledgerRecord
	if err := readJSON(path, &recs); err != nil {
		return err
	}
	for _, r := range recs {
		if r.Sink != "" && r.Item != "" {
			out[ledgerKey{r.Sink, r.Item}] = r.At
		}
	}
	return nil
}

func replayLedgerJournal(path string, out map[ledgerKey]int64) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r ledgerRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn last line after a crash.
			continue
		}
		if r.Sink == "" || r.Item == "" {
			continue
		}
		out[ledgerKey{r.Sink, r.Item}] = r.At
	}
	return sc.Err()
}

// readJSON decodes path into v. A missing file leaves v untouched.
func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
