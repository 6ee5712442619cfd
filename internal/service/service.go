// Package service is the single entry point callers use to fetch,
// create, update and delete pins. It hides the online/offline branching:
// when the remote API is reachable a call goes straight to it, and on
// any failure (or while unreachable) the call degrades to local-first
// behavior - an optimistic snapshot plus a queued operation drained
// later by the sync engine.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/fieldmark/pindrop/internal/pin"
	"github.com/fieldmark/pindrop/internal/store"
)

// Source tags where a FetchAll result came from.
type Source string

const (
	// SourceRemote means the result is fresh server truth.
	SourceRemote Source = "remote"
	// SourceCache means the remote fetch was skipped or failed and the
	// result is the local cache.
	SourceCache Source = "cache"
)

// FetchResult is the outcome of FetchAll.
type FetchResult struct {
	Pins   []*pin.Pin
	Source Source
}

// Remote is the slice of the remote client the facade needs.
type Remote interface {
	Create(ctx context.Context, p *pin.Pin) (*pin.Pin, error)
	Update(ctx context.Context, id string, changes pin.Changes) (*pin.Pin, error)
	List(ctx context.Context) ([]*pin.Pin, error)
	Delete(ctx context.Context, id string) error
}

// Connectivity reports current reachability.
type Connectivity interface {
	Online() bool
}

// Service is the read/write facade over the store, the remote client
// and the connectivity monitor.
//
// A nil store puts the facade in always-remote mode: offline capture is
// disabled but every direct remote operation still works.
type Service struct {
	store   store.Store
	remote  Remote
	monitor Connectivity
	logger  *log.Logger
}

// New creates a Service. If logger is nil, a default logger writing to
// stderr is used.
func New(st store.Store, api Remote, monitor Connectivity, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(os.Stderr, "[pins] ", log.LstdFlags)
	}
	return &Service{
		store:   st,
		remote:  api,
		monitor: monitor,
		logger:  logger,
	}
}

func (s *Service) online() bool {
	return s.monitor == nil || s.monitor.Online()
}

// FetchAll returns the pin collection. While reachable it fetches from
// the remote API and overwrites the local cache with the result (the
// server is the authoritative source); on any remote failure it falls
// back to the cache. While unreachable the remote attempt is skipped
// entirely.
func (s *Service) FetchAll(ctx context.Context) (*FetchResult, error) {
	if s.online() {
		pins, err := s.remote.List(ctx)
		if err == nil {
			for _, p := range pins {
				p.Synced = true
				p.OfflineCreated = false
				p.SetDefaults()
			}
			if s.store != nil {
				if err := s.store.ReplaceAll(ctx, pins); err != nil {
					s.logger.Printf("WARNING: failed to refresh cache: %v", err)
				}
			}
			return &FetchResult{Pins: pins, Source: SourceRemote}, nil
		}
		s.logger.Printf("Remote fetch failed, falling back to cache: %v", err)
		if s.store == nil {
			return nil, err
		}
	}

	if s.store == nil {
		return nil, fmt.Errorf("remote unreachable: %w", store.ErrStorageUnavailable)
	}

	pins, err := s.store.GetAllPins(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	return &FetchResult{Pins: pins, Source: SourceCache}, nil
}

// Create records a new pin. Coordinate validation happens here, at the
// boundary, before anything reaches storage or the queue.
//
// While reachable the create goes straight to the remote API and the
// confirmed record is returned with synced=true. On failure, or while
// unreachable, an optimistic local record is built (local identifier
// and idempotency key generated), persisted atomically alongside a
// queued create, and returned with synced=false - the caller sees its
// own write immediately.
func (s *Service) Create(ctx context.Context, p *pin.Pin) (*pin.Pin, error) {
	if err := pin.ValidateCoordinates(p.Latitude, p.Longitude); err != nil {
		return nil, err
	}
	p.SetDefaults()

	var remoteErr error
	if s.online() {
		rec, err := s.remote.Create(ctx, p)
		if err == nil {
			rec.Synced = true
			rec.OfflineCreated = false
			rec.SetDefaults()
			if s.store != nil {
				if err := s.store.UpsertPins(ctx, []*pin.Pin{rec}); err != nil {
					s.logger.Printf("WARNING: failed to cache created pin %s: %v", rec.ID, err)
				}
			}
			return rec, nil
		}
		s.logger.Printf("Remote create failed, queueing offline: %v", err)
		remoteErr = err
	}

	if s.store == nil {
		if remoteErr != nil {
			return nil, remoteErr
		}
		return nil, fmt.Errorf("remote unreachable: %w", store.ErrStorageUnavailable)
	}

	if p.ID == "" {
		p.ID = pin.NewLocalID()
	}
	p.Synced = false
	p.OfflineCreated = true

	op, err := pin.CreateOp(p)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateWithQueue(ctx, p, op); err != nil {
		return nil, err
	}

	s.logger.Printf("Queued offline create: %s", p.ID)
	return p, nil
}

// Update applies a partial change set to the pin with the given
// identifier, with the same online/offline branching as Create.
//
// A pin that still has queued operations (or a local-only identifier)
// is always updated through the queue, never directly - submitting an
// update ahead of its pending create would break causal order.
func (s *Service) Update(ctx context.Context, id string, changes pin.Changes) (*pin.Pin, error) {
	changes = sanitizeChanges(changes)
	if err := validateChangeCoordinates(changes); err != nil {
		return nil, err
	}

	direct := s.online() && !pin.IsLocalID(id)
	if direct && s.store != nil {
		refs, err := s.store.CountQueueForPin(ctx, id)
		if err != nil {
			return nil, err
		}
		if refs > 0 {
			direct = false
		}
	}

	var remoteErr error
	if direct {
		rec, err := s.remote.Update(ctx, id, changes)
		if err == nil {
			rec.Synced = true
			rec.OfflineCreated = false
			rec.SetDefaults()
			if s.store != nil {
				if err := s.store.UpsertPins(ctx, []*pin.Pin{rec}); err != nil {
					s.logger.Printf("WARNING: failed to cache updated pin %s: %v", rec.ID, err)
				}
			}
			return rec, nil
		}
		s.logger.Printf("Remote update failed, queueing offline: %v", err)
		remoteErr = err
	}

	if s.store == nil {
		if remoteErr != nil {
			return nil, remoteErr
		}
		return nil, fmt.Errorf("remote unreachable: %w", store.ErrStorageUnavailable)
	}

	p, err := s.store.GetPin(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) && remoteErr != nil {
			return nil, remoteErr
		}
		return nil, err
	}

	if err := applyChanges(p, changes); err != nil {
		return nil, err
	}
	p.Synced = false
	p.Touch()

	op, err := pin.UpdateOp(id, changes)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateWithQueue(ctx, p, op); err != nil {
		return nil, err
	}

	s.logger.Printf("Queued offline update: %s", id)
	return p, nil
}

// Delete removes a pin. Deletion is delegated to the remote authority
// and has no offline fallback; while unreachable it fails.
func (s *Service) Delete(ctx context.Context, id string) error {
	if !s.online() {
		return fmt.Errorf("cannot delete %s while unreachable", id)
	}
	if err := s.remote.Delete(ctx, id); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.DeletePin(ctx, id); err != nil {
			s.logger.Printf("WARNING: failed to evict deleted pin %s: %v", id, err)
		}
	}
	return nil
}

// UnsyncedCount returns the number of pins awaiting acknowledgment.
// Zero in always-remote mode.
func (s *Service) UnsyncedCount(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	return s.store.CountUnsynced(ctx)
}

// sanitizeChanges strips fields callers must not set through a partial
// update: identity, sync bookkeeping, and the immutable creation data.
func sanitizeChanges(changes pin.Changes) pin.Changes {
	out := make(pin.Changes, len(changes))
	for k, v := range changes {
		switch k {
		case "id", "synced", "offline_created", "idempotency_key", "created_at":
			continue
		}
		out[k] = v
	}
	return out
}

func validateChangeCoordinates(changes pin.Changes) error {
	for _, field := range []string{"latitude", "longitude"} {
		v, ok := changes[field]
		if !ok {
			continue
		}
		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return &pin.InvalidCoordinateError{Field: field, Value: f, Nil: !ok}
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// applyChanges merges the change set into the snapshot via a JSON
// round-trip so field names and types match the wire format exactly.
func applyChanges(p *pin.Pin, changes pin.Changes) error {
	data, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("failed to marshal changes for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("failed to apply changes to %s: %w", p.ID, err)
	}
	return nil
}
