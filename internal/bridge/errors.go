package bridge

import "errors"

var (
	// ErrQueueFull is reported when a binding's worker cannot accept more events.
	ErrQueueFull = errors.New("binding queue full")

	// ErrNoRelay means an attachment has no public URL and no media relay is configured.
	ErrNoRelay = errors.New("no media relay configured")
)

// Delivery results reported to Metrics.
const (
	ResultOK          = "ok"
	ResultRetried     = "retried"
	ResultFailed      = "failed"
	ResultDropped     = "dropped"
	ResultUnsupported = "unsupported"
	ResultBreakerOpen = "breaker_open"
)
