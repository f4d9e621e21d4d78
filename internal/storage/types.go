package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshots + ledger journal next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SourceState is the persisted checkpoint and seen-set of one source.
type SourceState struct {
	Key        string               `json:"key"`
	LastSeenID string               `json:"last_seen_id"`
	Seen       map[string]time.Time `json:"seen"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// Delivery records that an item reached a sink.
type Delivery struct {
	Sink        string    `json:"sink"`
	ItemID      string    `json:"item"`
	DeliveredAt time.Time `json:"at"`
}

// SinkFlag is a sink whose sends keep failing.
type SinkFlag struct {
	Sink                string    `json:"sink"`
	ConsecutiveFailures int       `json:"failures"`
	FlaggedAt           time.Time `json:"flagged_at"`
}
