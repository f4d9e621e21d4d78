package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "watchbot/pkg/logx"
)

// Store is the persistence API used by the tracker and the ledger.
// Save calls upsert; rows for keys not passed are left alone.
type Store interface {
	LoadSources(ctx context.Context) ([]SourceState, error)
	SaveSources(ctx context.Context, states []SourceState) error

	LoadDeliveries(ctx context.Context) ([]Delivery, error)
	PutDeliveries(ctx context.Context, ds []Delivery) error
	PruneDeliveries(ctx context.Context, before time.Time) error

	LoadFlags(ctx context.Context) ([]SinkFlag, error)
	// ReplaceFlags overwrites the full flag set.
	ReplaceFlags(ctx context.Context, flags []SinkFlag) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
