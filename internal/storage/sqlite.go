package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "watchbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadSources(ctx context.Context) ([]SourceState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, last_seen_id, updated_at FROM sources ORDER BY key`)
	if err != nil {
		return nil, err
	}
	var out []SourceState
	idx := map[string]int{}
	for rows.Next() {
		var st SourceState
		var updated int64
		if err := rows.Scan(&st.Key, &st.LastSeenID, &updated); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if updated > 0 {
			st.UpdatedAt = time.UnixMilli(updated).UTC()
		}
		st.Seen = map[string]time.Time{}
		idx[st.Key] = len(out)
		out = append(out, st)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	seen, err := s.db.QueryContext(ctx, `SELECT source_key, item_id, first_seen FROM seen`)
	if err != nil {
		return nil, err
	}
	defer seen.Close()
	for seen.Next() {
		var key, id string
		var at int64
		if err := seen.Scan(&key, &id, &at); err != nil {
			return nil, err
		}
		if i, ok := idx[key]; ok {
			out[i].Seen[id] = time.UnixMilli(at).UTC()
		}
	}
	return out, seen.Err()
}

func (s *sqliteStore) SaveSources(ctx context.Context, states []SourceState) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, st := range states {
		if st.Key == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sources(key, last_seen_id, updated_at) VALUES(?,?,?)
			 ON CONFLICT(key) DO UPDATE SET last_seen_id=excluded.last_seen_id, updated_at=excluded.updated_at`,
			st.Key, st.LastSeenID, st.UpdatedAt.UnixMilli(),
		); err != nil {
			return err
		}
		// The seen-set is bounded; rewriting it is cheaper than diffing.
		if _, err := tx.ExecContext(ctx, `DELETE FROM seen WHERE source_key = ?`, st.Key); err != nil {
			return err
		}
		for id, at := range st.Seen {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO seen(source_key, item_id, first_seen) VALUES(?,?,?)`,
				st.Key, id, at.UnixMilli(),
			); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadDeliveries(ctx context.Context) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sink, item_id, delivered_at FROM deliveries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		var d Delivery
		var at int64
		if err := rows.Scan(&d.Sink, &d.ItemID, &at); err != nil {
			return nil, err
		}
		d.DeliveredAt = time.UnixMilli(at).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDeliveries(ctx context.Context, ds []Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, d := range ds {
		if d.Sink == "" || d.ItemID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deliveries(sink, item_id, delivered_at) VALUES(?,?,?)
			 ON CONFLICT(sink, item_id) DO UPDATE SET delivered_at=excluded.delivered_at`,
			d.Sink, d.ItemID, d.DeliveredAt.UnixMilli(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PruneDeliveries(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE delivered_at < ?`, before.UnixMilli())
	return err
}

func (s *sqliteStore) LoadFlags(ctx context.Context) ([]SinkFlag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sink, failures, flagged_at FROM sink_flags ORDER BY sink`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SinkFlag
	for rows.Next() {
		var f SinkFlag
		var at int64
		if err := rows.Scan(&f.Sink, &f.ConsecutiveFailures, &at); err != nil {
			return nil, err
		}
		f.FlaggedAt = time.UnixMilli(at).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReplaceFlags(ctx context.Context, flags []SinkFlag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM sink_flags`); err != nil {
		return err
	}
	for _, f := range flags {
		if f.Sink == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sink_flags(sink, failures, flagged_at) VALUES(?,?,?)`,
			f.Sink, f.ConsecutiveFailures, f.FlaggedAt.UnixMilli(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
