package store

import (
	"context"
	"sort"
	"sync"

	"github.com/fieldmark/pindrop/internal/pin"
)

// Memory is an in-process Store used by tests and by callers that have
// no durable storage available. It provides the same transactional
// semantics as the SQLite store (both-or-neither for queued writes) but
// nothing survives a restart.
type Memory struct {
	mu       sync.Mutex
	pins     map[string]*pin.Pin
	queue    map[int64]*pin.PendingOp
	nextSeq  int64
	maxQueue int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		pins:     make(map[string]*pin.Pin),
		queue:    make(map[int64]*pin.PendingOp),
		nextSeq:  1,
		maxQueue: DefaultMaxQueue,
	}
}

func clonePin(p *pin.Pin) *pin.Pin {
	cp := *p
	if p.Latitude != nil {
		v := *p.Latitude
		cp.Latitude = &v
	}
	if p.Longitude != nil {
		v := *p.Longitude
		cp.Longitude = &v
	}
	return &cp
}

// UpsertPins implements Store.UpsertPins.
func (m *Memory) UpsertPins(ctx context.Context, pins []*pin.Pin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pins {
		if err := p.Validate(); err != nil {
			return err
		}
		m.pins[p.ID] = clonePin(p)
	}
	return nil
}

// GetPin implements Store.GetPin.
func (m *Memory) GetPin(ctx context.Context, id string) (*pin.Pin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pins[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePin(p), nil
}

// GetAllPins implements Store.GetAllPins.
func (m *Memory) GetAllPins(ctx context.Context) ([]*pin.Pin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pins := make([]*pin.Pin, 0, len(m.pins))
	for _, p := range m.pins {
		cp := clonePin(p)
		if cp.Disposition == "" || !cp.Disposition.Valid() {
			cp.Disposition = pin.DispositionUnmarked
		}
		pins = append(pins, cp)
	}
	sort.Slice(pins, func(i, j int) bool {
		return pins[i].CreatedAt.Before(pins[j].CreatedAt)
	})
	return pins, nil
}

func (m *Memory) queueRefsLocked(id string) int {
	refs := 0
	for _, op := range m.queue {
		if op.PinID == id {
			refs++
		}
	}
	return refs
}

// ReplaceAll implements Store.ReplaceAll.
func (m *Memory) ReplaceAll(ctx context.Context, pins []*pin.Pin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.pins {
		if m.queueRefsLocked(id) == 0 {
			delete(m.pins, id)
		}
	}
	for _, p := range pins {
		if m.queueRefsLocked(p.ID) > 0 {
			continue
		}
		if err := p.Validate(); err != nil {
			return err
		}
		m.pins[p.ID] = clonePin(p)
	}
	return nil
}

func (m *Memory) enqueueLocked(op *pin.PendingOp) (int64, error) {
	if err := op.Validate(); err != nil {
		return 0, err
	}
	if len(m.queue) >= m.maxQueue {
		return 0, ErrQueueFull
	}
	seq := m.nextSeq
	m.nextSeq++
	cp := *op
	cp.Seq = seq
	m.queue[seq] = &cp
	op.Seq = seq
	return seq, nil
}

// CreateWithQueue implements Store.CreateWithQueue.
func (m *Memory) CreateWithQueue(ctx context.Context, p *pin.Pin, op *pin.PendingOp) error {
	return m.writeWithQueue(p, op)
}

// UpdateWithQueue implements Store.UpdateWithQueue.
func (m *Memory) UpdateWithQueue(ctx context.Context, p *pin.Pin, op *pin.PendingOp) error {
	return m.writeWithQueue(p, op)
}

func (m *Memory) writeWithQueue(p *pin.Pin, op *pin.PendingOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := m.enqueueLocked(op); err != nil {
		return err
	}
	m.pins[p.ID] = clonePin(p)
	return nil
}

// EnqueueOp implements Store.EnqueueOp.
func (m *Memory) EnqueueOp(ctx context.Context, op *pin.PendingOp) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueLocked(op)
}

// GetQueue implements Store.GetQueue.
func (m *Memory) GetQueue(ctx context.Context) ([]*pin.PendingOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]*pin.PendingOp, 0, len(m.queue))
	for _, op := range m.queue {
		cp := *op
		ops = append(ops, &cp)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
	return ops, nil
}

// RemoveQueueEntry implements Store.RemoveQueueEntry.
func (m *Memory) RemoveQueueEntry(ctx context.Context, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue, seq)
	return nil
}

// CountQueueForPin implements Store.CountQueueForPin.
func (m *Memory) CountQueueForPin(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueRefsLocked(id), nil
}

// ReconcileIdentity implements Store.ReconcileIdentity.
func (m *Memory) ReconcileIdentity(ctx context.Context, localID, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pins[localID]
	if !ok {
		// Resuming an interrupted reconcile: the snapshot may already
		// sit under the server ID.
		if p, ok = m.pins[serverID]; !ok {
			return ErrNotFound
		}
	}

	if serverID != localID {
		delete(m.pins, serverID)
		delete(m.pins, localID)
		p.ID = serverID
		m.pins[serverID] = p
		for _, op := range m.queue {
			if op.PinID == localID {
				op.PinID = serverID
			}
		}
	}

	p.OfflineCreated = false
	p.Synced = m.queueRefsLocked(serverID) == 0
	return nil
}

// MarkSynced implements Store.MarkSynced.
func (m *Memory) MarkSynced(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pins[id]
	if !ok {
		return nil
	}
	if m.queueRefsLocked(id) == 0 {
		p.Synced = true
	}
	return nil
}

// DeletePin implements Store.DeletePin.
func (m *Memory) DeletePin(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pins, id)
	return nil
}

// CountUnsynced implements Store.CountUnsynced.
func (m *Memory) CountUnsynced(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.pins {
		if !p.Synced {
			count++
		}
	}
	return count, nil
}

// Close implements Store.Close.
func (m *Memory) Close() error {
	return nil
}
