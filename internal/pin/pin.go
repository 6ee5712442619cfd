// Package pin provides the data structures for field-visit records.
//
// A Pin is one physical location visited (or to be visited) by a field
// worker. Pins are created optimistically on the device and later
// reconciled against the server-assigned record, so each pin carries
// both a sync state and an idempotency key generated at creation time.
package pin

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Disposition is the enumerated outcome status of a visit.
type Disposition string

const (
	// DispositionUnmarked is the default state before any visit outcome.
	DispositionUnmarked Disposition = "unmarked"
	// DispositionNotHome means nobody answered.
	DispositionNotHome Disposition = "not-home"
	// DispositionAppointment means a follow-up appointment was set.
	DispositionAppointment Disposition = "appointment"
	// DispositionSigned means the visit converted.
	DispositionSigned Disposition = "signed"
	// DispositionDoNotContact means the location must not be revisited.
	DispositionDoNotContact Disposition = "do-not-contact"
)

// Valid reports whether d is one of the known dispositions.
func (d Disposition) Valid() bool {
	switch d {
	case DispositionUnmarked, DispositionNotHome, DispositionAppointment,
		DispositionSigned, DispositionDoNotContact:
		return true
	}
	return false
}

// InvalidCoordinateError indicates a latitude or longitude that is
// missing or non-finite. Such values must never reach local storage
// or the pending queue.
type InvalidCoordinateError struct {
	Field string
	Value float64
	Nil   bool
}

func (e *InvalidCoordinateError) Error() string {
	if e.Nil {
		return fmt.Sprintf("invalid coordinate: %s is missing", e.Field)
	}
	return fmt.Sprintf("invalid coordinate: %s = %v is not a finite number", e.Field, e.Value)
}

// Pin represents one field-visit record.
//
// Before reconciliation ID is a locally generated identifier (see
// NewLocalID); after a successful create against the remote authority
// it is replaced by the server-assigned identifier.
type Pin struct {
	ID             string      `json:"id"`
	Latitude       *float64    `json:"latitude"`
	Longitude      *float64    `json:"longitude"`
	Disposition    Disposition `json:"disposition"`
	Synced         bool        `json:"synced"`
	OfflineCreated bool        `json:"offline_created"`
	VisitCount     int         `json:"visit_count"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// Validate checks that the Pin is safe to persist.
func (p *Pin) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if err := ValidateCoordinates(p.Latitude, p.Longitude); err != nil {
		return err
	}
	if !p.Disposition.Valid() {
		return fmt.Errorf("unknown disposition %q", p.Disposition)
	}
	if p.VisitCount < 0 {
		return fmt.Errorf("visit_count must be non-negative (got %d)", p.VisitCount)
	}
	if p.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if p.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// ValidateCoordinates rejects half-specified or non-finite positions.
// A pin may legitimately have no position at all (both nil), but a lone
// latitude, a NaN, or an infinity must never be accepted.
func ValidateCoordinates(lat, lng *float64) error {
	if lat == nil && lng == nil {
		return nil
	}
	if lat == nil {
		return &InvalidCoordinateError{Field: "latitude", Nil: true}
	}
	if lng == nil {
		return &InvalidCoordinateError{Field: "longitude", Nil: true}
	}
	if !isFinite(*lat) {
		return &InvalidCoordinateError{Field: "latitude", Value: *lat}
	}
	if !isFinite(*lng) {
		return &InvalidCoordinateError{Field: "longitude", Value: *lng}
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// HasValidCoordinates reports whether both positional fields are present
// and finite. Records failing this check are excluded from any
// renderable view; they never silently propagate as 0,0 or NaN.
func (p *Pin) HasValidCoordinates() bool {
	return p.Latitude != nil && p.Longitude != nil &&
		isFinite(*p.Latitude) && isFinite(*p.Longitude)
}

// SetDefaults applies default values for optional fields so behavior is
// consistent when fields are omitted by a caller or a capture file.
func (p *Pin) SetDefaults() {
	if p.Disposition == "" {
		p.Disposition = DispositionUnmarked
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = NewIdempotencyKey()
	}
}

// Touch advances UpdatedAt. Timestamps are monotonically non-decreasing
// per record even when the wall clock steps backwards.
func (p *Pin) Touch() {
	now := time.Now().UTC()
	if now.Before(p.UpdatedAt) {
		now = p.UpdatedAt
	}
	p.UpdatedAt = now
}

// NewLocalID generates an identifier for a pin created before the remote
// authority has acknowledged it: time-based with a random suffix so two
// offline devices cannot collide.
func NewLocalID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("local-%d-%s", time.Now().UnixMilli(), suffix)
}

// IsLocalID reports whether id was generated by NewLocalID rather than
// assigned by the remote authority.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, "local-")
}

// NewIdempotencyKey generates the opaque creation token. The key is
// generated once at creation time and never changed; the remote
// authority uses it to collapse duplicate create submissions.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// Float64 returns a pointer to f. Convenience for building coordinate
// fields in callers and tests.
func Float64(f float64) *float64 {
	return &f
}
