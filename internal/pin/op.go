package pin

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is the kind of pending mutation.
type Action string

const (
	// ActionCreate queues the creation of a new pin.
	ActionCreate Action = "create"
	// ActionUpdate queues a partial update to an existing pin.
	ActionUpdate Action = "update"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionUpdate
}

// Changes is the partial field-change payload of an update operation.
// Keys are the JSON field names of Pin.
type Changes map[string]any

// PendingOp is one not-yet-acknowledged mutation in the sync queue.
//
// For a create the payload is the full pin snapshot, including its
// idempotency key. For an update the payload is the partial change set
// and PinID names the target record. Seq is assigned by the store and
// preserves FIFO ordering.
type PendingOp struct {
	Seq       int64           `json:"seq"`
	Action    Action          `json:"action"`
	PinID     string          `json:"pin_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate checks the queue entry before it is persisted.
func (op *PendingOp) Validate() error {
	if !op.Action.Valid() {
		return fmt.Errorf("unknown action %q", op.Action)
	}
	if op.PinID == "" {
		return fmt.Errorf("pin_id is required")
	}
	if len(op.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}

// CreateOp builds a pending create for the given pin snapshot.
func CreateOp(p *Pin) (*PendingOp, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pin %s: %w", p.ID, err)
	}
	return &PendingOp{
		Action:    ActionCreate,
		PinID:     p.ID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// UpdateOp builds a pending update for the given pin and change set.
func UpdateOp(pinID string, changes Changes) (*PendingOp, error) {
	payload, err := json.Marshal(changes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal changes for %s: %w", pinID, err)
	}
	return &PendingOp{
		Action:    ActionUpdate,
		PinID:     pinID,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// DecodePin decodes the full pin snapshot from a create payload.
func (op *PendingOp) DecodePin() (*Pin, error) {
	var p Pin
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode create payload for %s: %w", op.PinID, err)
	}
	return &p, nil
}

// DecodeChanges decodes the partial change set from an update payload.
func (op *PendingOp) DecodeChanges() (Changes, error) {
	var c Changes
	if err := json.Unmarshal(op.Payload, &c); err != nil {
		return nil, fmt.Errorf("failed to decode update payload for %s: %w", op.PinID, err)
	}
	return c, nil
}
