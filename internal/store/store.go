// Package store provides durable local storage for pins and the
// pending-operations queue.
//
// Two implementations exist: the SQLite-backed Store opened with Open,
// which survives process restarts, and an in-memory fake (NewMemory)
// for tests and for callers running without durable storage.
package store

import (
	"context"
	"errors"

	"github.com/fieldmark/pindrop/internal/pin"
)

// ErrStorageUnavailable indicates the platform offers no durable local
// storage. Callers must treat this as "offline mode disabled", not as a
// fatal error.
var ErrStorageUnavailable = errors.New("durable storage unavailable")

// ErrQueueFull indicates the pending queue reached its configured bound.
// New offline writes are rejected rather than queued without limit.
var ErrQueueFull = errors.New("sync queue is full")

// ErrNotFound indicates no pin exists with the requested identifier.
var ErrNotFound = errors.New("pin not found")

// Store is the durable local store for the two collections: pin
// snapshots and the pending-operations queue.
//
// Writes that touch both collections (an optimistic snapshot alongside
// its queue entry) are applied atomically: a crash between the two must
// not leave a pin with no queue entry for an unacknowledged creation,
// nor a queue entry whose snapshot was never stored.
type Store interface {
	// UpsertPins writes a batch of pin snapshots, overwriting any
	// existing record with the same ID. Used both to cache
	// server-fetched data and to persist local edits.
	UpsertPins(ctx context.Context, pins []*pin.Pin) error

	// GetPin returns one pin by ID, or ErrNotFound.
	GetPin(ctx context.Context, id string) (*pin.Pin, error)

	// GetAllPins returns all cached snapshots, normalized: non-finite
	// coordinates are coerced to null and a missing disposition is
	// defaulted to unmarked.
	GetAllPins(ctx context.Context) ([]*pin.Pin, error)

	// ReplaceAll overwrites the cache with an authoritative server
	// fetch. Pins still referenced by the pending queue are preserved
	// so the queue never dangles.
	ReplaceAll(ctx context.Context, pins []*pin.Pin) error

	// CreateWithQueue atomically stores an optimistic snapshot and its
	// pending create in one transaction.
	CreateWithQueue(ctx context.Context, p *pin.Pin, op *pin.PendingOp) error

	// UpdateWithQueue atomically stores an edited snapshot and its
	// pending update in one transaction.
	UpdateWithQueue(ctx context.Context, p *pin.Pin, op *pin.PendingOp) error

	// EnqueueOp appends a pending operation and returns its sequence
	// number. Fails with ErrQueueFull past the configured bound.
	EnqueueOp(ctx context.Context, op *pin.PendingOp) (int64, error)

	// GetQueue returns all pending operations in insertion order.
	GetQueue(ctx context.Context) ([]*pin.PendingOp, error)

	// RemoveQueueEntry deletes one entry after successful remote
	// application. Removing an absent entry is not an error.
	RemoveQueueEntry(ctx context.Context, seq int64) error

	// CountQueueForPin returns the number of queue entries referencing
	// the given pin.
	CountQueueForPin(ctx context.Context, id string) (int, error)

	// ReconcileIdentity rewrites a locally generated identifier to the
	// server-assigned one: the snapshot moves to the new ID, forward
	// queue references are rewritten, and the pin is marked synced
	// (offline_created=false) unless queue entries still reference it.
	ReconcileIdentity(ctx context.Context, localID, serverID string) error

	// MarkSynced flags the pin as acknowledged, but only if no queue
	// entries still reference it.
	MarkSynced(ctx context.Context, id string) error

	// CountUnsynced returns the number of pins with synced=false. Used
	// for UI and telemetry, not for correctness.
	CountUnsynced(ctx context.Context) (int, error)

	// DeletePin evicts one cached snapshot after a remote delete.
	// Deleting an absent pin is not an error.
	DeletePin(ctx context.Context, id string) error

	// Close releases the underlying storage.
	Close() error
}
