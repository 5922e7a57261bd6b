package channels

import (
	"errors"
	"fmt"
	"time"
)

// TransientDeliveryError is a send or edit failure that may succeed on retry
// (network errors, timeouts, rate limits).
type TransientDeliveryError struct {
	Op  string
	Err error
	// RetryAfter is the server provided back-off, if any.
	RetryAfter time.Duration
}

func (e *TransientDeliveryError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: transient (retry after %s): %v", e.Op, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientDeliveryError. nil stays nil.
func Transient(op string, err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientDeliveryError{Op: op, Err: err, RetryAfter: retryAfter}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientDeliveryError
	return errors.As(err, &te)
}

// RetryAfter returns the server requested delay carried by err, or 0.
func RetryAfter(err error) time.Duration {
	var te *TransientDeliveryError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
