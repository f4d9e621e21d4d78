// Package storage persists watcher state between runs: per-source
// checkpoints with their seen-sets, the per-sink delivery ledger and sink
// failure flags.
//
// Two drivers exist: "file" (JSON snapshots plus an append-only ledger
// journal) and "sqlite" (modernc.org/sqlite, no cgo).
package storage
