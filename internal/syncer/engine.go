package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fieldmark/pindrop/internal/pin"
	"github.com/fieldmark/pindrop/internal/remote"
	"github.com/fieldmark/pindrop/internal/store"
)

// engine implements the Syncer interface.
type engine struct {
	store   store.Store
	remote  RemoteAPI
	monitor Connectivity
	policy  RetryPolicy
	logger  *log.Logger

	// draining is the re-entrancy guard: one queue snapshot runs to
	// completion before a new drain can start.
	draining atomic.Bool

	unsynced atomic.Int64

	obsMu     sync.Mutex
	observers []func(DrainResult)
}

// New creates a Syncer instance.
//
// The store must be initialized before passing to this function; pass a
// nil store when durable storage is unavailable and every Drain will be
// a no-op. If logger is nil, a default logger writing to stderr is used.
//
// Example:
//
//	db, err := store.Open(".pindrop/pins.db", nil)
//	if err != nil {
//	    return err
//	}
//	s := syncer.New(db, client, monitor, nil)
func New(st store.Store, api RemoteAPI, monitor Connectivity, logger *log.Logger) Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &engine{
		store:   st,
		remote:  api,
		monitor: monitor,
		policy:  DefaultRetryPolicy(),
		logger:  logger,
	}
}

// NewWithPolicy creates a Syncer with a custom retry policy.
func NewWithPolicy(st store.Store, api RemoteAPI, monitor Connectivity, policy RetryPolicy, logger *log.Logger) Syncer {
	s := New(st, api, monitor, logger).(*engine)
	s.policy = policy
	return s
}

// Drain implements Syncer.Drain.
func (e *engine) Drain(ctx context.Context) (*DrainResult, error) {
	if e.store == nil {
		return nil, nil
	}
	if e.monitor != nil && !e.monitor.Online() {
		return nil, nil
	}
	if !e.draining.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer e.draining.Store(false)

	queue, err := e.store.GetQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync queue: %w", err)
	}
	if len(queue) == 0 {
		e.recountUnsynced(ctx)
		return &DrainResult{Unsynced: e.UnsyncedCount()}, nil
	}

	e.logger.Printf("Draining %d pending operations", len(queue))

	result := DrainResult{}

	// Pins with a failed entry this pass; everything queued after the
	// failure for the same pin is held so the operator's edits reach
	// the server in the order they were made.
	blocked := make(map[string]bool)

	// Local IDs reconciled during this pass. The queue snapshot was
	// taken before any reconcile, so later entries for the same pin
	// still carry the retired ID.
	renamed := make(map[string]string)

	for _, op := range queue {
		if serverID, ok := renamed[op.PinID]; ok {
			op.PinID = serverID
		}
		if blocked[op.PinID] {
			result.Held++
			continue
		}

		err := e.apply(ctx, op, renamed)
		if err == nil {
			result.Cleared++
			continue
		}
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err())
			break
		}

		result.Failed++
		result.Errors = append(result.Errors, fmt.Errorf("%s %s (seq %d): %w", op.Action, op.PinID, op.Seq, err))
		blocked[op.PinID] = true
	}

	result.Remaining = len(queue) - result.Cleared
	result.Unsynced = e.recountUnsynced(ctx)

	for _, err := range result.Errors {
		e.logger.Printf("WARNING: %v", err)
	}
	e.logger.Printf("Drain complete: cleared=%d failed=%d held=%d unsynced=%d",
		result.Cleared, result.Failed, result.Held, result.Unsynced)

	if result.Cleared > 0 {
		e.notify(result)
	}

	return &result, nil
}

// SyncToServer implements Syncer.SyncToServer.
func (e *engine) SyncToServer(ctx context.Context) (*DrainResult, error) {
	return e.Drain(ctx)
}

// apply submits one queue entry with bounded retries and updates local
// state on success. A returned error means the entry stays queued.
func (e *engine) apply(ctx context.Context, op *pin.PendingOp, renamed map[string]string) error {
	switch op.Action {
	case pin.ActionCreate:
		return e.applyCreate(ctx, op, renamed)
	case pin.ActionUpdate:
		return e.applyUpdate(ctx, op)
	default:
		return &remote.RejectedError{Op: string(op.Action), Status: 0, Body: "unknown action"}
	}
}

func (e *engine) applyCreate(ctx context.Context, op *pin.PendingOp, renamed map[string]string) error {
	p, err := op.DecodePin()
	if err != nil {
		return err
	}

	var rec *pin.Pin
	err = e.policy.Do(ctx, func(ctx context.Context) error {
		var callErr error
		rec, callErr = e.remote.Create(ctx, p)
		return callErr
	})
	if err != nil {
		return err
	}

	// A duplicate response (a prior attempt succeeded remotely but the
	// local ack was lost) arrives here too: the server returns the
	// existing record and we reconcile to whatever ID it reports.
	if err := e.store.ReconcileIdentity(ctx, op.PinID, rec.ID); err != nil {
		return err
	}
	if err := e.store.RemoveQueueEntry(ctx, op.Seq); err != nil {
		return err
	}
	if err := e.store.MarkSynced(ctx, rec.ID); err != nil {
		return err
	}
	if op.PinID != rec.ID {
		renamed[op.PinID] = rec.ID
	}

	e.logger.Printf("Created pin: %s -> %s", op.PinID, rec.ID)
	return nil
}

func (e *engine) applyUpdate(ctx context.Context, op *pin.PendingOp) error {
	changes, err := op.DecodeChanges()
	if err != nil {
		return err
	}

	err = e.policy.Do(ctx, func(ctx context.Context) error {
		_, callErr := e.remote.Update(ctx, op.PinID, changes)
		return callErr
	})
	if err != nil {
		return err
	}

	if err := e.store.RemoveQueueEntry(ctx, op.Seq); err != nil {
		return err
	}
	// synced flips only if this was the last entry for the pin.
	if err := e.store.MarkSynced(ctx, op.PinID); err != nil {
		return err
	}

	e.logger.Printf("Updated pin: %s", op.PinID)
	return nil
}

// UnsyncedCount implements Syncer.UnsyncedCount.
func (e *engine) UnsyncedCount() int {
	return int(e.unsynced.Load())
}

func (e *engine) recountUnsynced(ctx context.Context) int {
	count, err := e.store.CountUnsynced(ctx)
	if err != nil {
		e.logger.Printf("WARNING: failed to recount unsynced pins: %v", err)
		return int(e.unsynced.Load())
	}
	e.unsynced.Store(int64(count))
	return count
}

// AddObserver implements Syncer.AddObserver.
func (e *engine) AddObserver(fn func(DrainResult)) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *engine) notify(result DrainResult) {
	e.obsMu.Lock()
	observers := make([]func(DrainResult), len(e.observers))
	copy(observers, e.observers)
	e.obsMu.Unlock()

	for _, fn := range observers {
		fn(result)
	}
}
