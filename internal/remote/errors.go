package remote

import (
	"errors"
	"fmt"
)

// TransientError indicates a failure worth retrying: a timeout, a
// connection reset, or a 5xx-class response. The queued operation stays
// eligible for the next drain if retries exhaust.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient remote failure (status %d)", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: transient remote failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError indicates the remote authority explicitly rejected the
// payload (4xx). It is never retried; the queue entry is preserved and
// flagged for operator attention rather than silently dropped.
type RejectedError struct {
	Op     string
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: rejected by remote (status %d): %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: rejected by remote (status %d)", e.Op, e.Status)
}

// IsTransient reports whether err is eligible for bounded retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether the remote authority rejected the payload.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
