// Package syncer drains the pending-operations queue against the remote
// pin API and keeps local state consistent with the outcome.
package syncer

import (
	"context"

	"github.com/fieldmark/pindrop/internal/pin"
)

// Syncer applies every pending operation to the remote authority
// exactly once, in submission order.
//
// The syncer is designed to be resilient - a single failing entry does
// not stop the drain. Errors are collected per entry, reported once per
// drain cycle, and the entry stays queued for the next pass (transient
// failure) or for operator attention (rejected payload).
type Syncer interface {
	// Drain runs one pass over the current queue snapshot.
	//
	// If a drain is already in progress, the connectivity monitor
	// reports unreachable, or the store is unavailable, Drain returns
	// immediately with a nil result and no error - it is not
	// re-entrant.
	//
	// Ordering for the same pin is preserved: an update queued behind
	// a create that has not cleared yet is held, never submitted out
	// of order. Entries for unrelated pins are not blocked by a
	// failing entry.
	Drain(ctx context.Context) (*DrainResult, error)

	// SyncToServer is the externally triggered form of Drain. Safe to
	// call concurrently with the periodic and reconnect triggers; the
	// re-entrancy guard collapses overlapping calls.
	SyncToServer(ctx context.Context) (*DrainResult, error)

	// UnsyncedCount returns the number of pins not yet acknowledged by
	// the remote authority, as of the last recomputation.
	UnsyncedCount() int

	// AddObserver registers a callback invoked after every drain pass
	// that cleared at least one entry.
	AddObserver(fn func(DrainResult))
}

// RemoteAPI is the slice of the remote client the engine needs.
type RemoteAPI interface {
	Create(ctx context.Context, p *pin.Pin) (*pin.Pin, error)
	Update(ctx context.Context, id string, changes pin.Changes) (*pin.Pin, error)
}

// Connectivity is the slice of the connectivity monitor the engine
// needs for its pre-drain check.
type Connectivity interface {
	Online() bool
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	// Cleared is the number of queue entries successfully applied and
	// removed.
	Cleared int
	// Failed is the number of entries that errored and remain queued.
	Failed int
	// Held is the number of updates deferred because the create for
	// the same pin has not cleared.
	Held int
	// Remaining is the queue depth after the pass.
	Remaining int
	// Unsynced is the recomputed unsynced pin count after the pass.
	Unsynced int
	// Errors holds the per-entry failures, aggregated for one report
	// per drain cycle.
	Errors []error
}
