package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nextlevelbuilder/mucbridge/internal/channels"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

const (
	DefaultSendTimeout = 15 * time.Second
	DefaultRetryDelay  = time.Second

	// breakerTrips is the number of consecutive transient failures that opens
	// a room's circuit.
	breakerTrips = 5
	breakerOpen  = 30 * time.Second
)

type breakerKey struct {
	network store.Network
	room    string
}

// deliverer runs adapter calls with a per-attempt timeout, a single retry for
// transient failures and a circuit breaker per target room. A server asking
// for a longer pause than the send timeout gets the message dropped instead.
type deliverer struct {
	timeout    time.Duration
	retryDelay time.Duration
	maxWait    time.Duration
	metrics    Metrics
	sleep      func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	breakers map[breakerKey]*gobreaker.CircuitBreaker
}

func newDeliverer(timeout, retryDelay time.Duration, metrics Metrics) *deliverer {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &deliverer{
		timeout:    timeout,
		retryDelay: retryDelay,
		maxWait:    timeout,
		metrics:    metrics,
		sleep:      sleepCtx,
		breakers:   make(map[breakerKey]*gobreaker.CircuitBreaker),
	}
}

func (d *deliverer) breaker(network store.Network, room string) *gobreaker.CircuitBreaker {
	k := breakerKey{network, room}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[k]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(network) + ":" + room,
		MaxRequests: 1,
		Timeout:     breakerOpen,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerTrips
		},
		// Only outages trip the breaker. Rejected content does not, and a
		// rate limit means the server is answering.
		IsSuccessful: func(err error) bool {
			return err == nil || !channels.IsTransient(err) || channels.RetryAfter(err) > 0
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			slog.Warn("delivery circuit state changed", "network", network, "room", room, "from", from.String(), "to", to.String())
		},
	})
	d.breakers[k] = cb
	return cb
}

// forget drops the breaker of a room that is no longer bridged.
func (d *deliverer) forget(network store.Network, room string) {
	d.mu.Lock()
	delete(d.breakers, breakerKey{network, room})
	d.mu.Unlock()
}

// send runs fn against room on network and returns the id it produced.
func (d *deliverer) send(ctx context.Context, network store.Network, room, op string, fn func(context.Context) (string, error)) (string, error) {
	cb := d.breaker(network, room)
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var res any
		res, err = cb.Execute(func() (any, error) {
			actx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			id, err := fn(actx)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				err = channels.Transient(op, err, 0)
			}
			return id, err
		})
		if err == nil {
			if attempt > 0 {
				d.metrics.Delivery(network, ResultRetried)
			} else {
				d.metrics.Delivery(network, ResultOK)
			}
			return res.(string), nil
		}

		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			d.metrics.Delivery(network, ResultBreakerOpen)
			return "", channels.Transient(op, err, 0)
		case errors.Is(err, channels.ErrUnsupportedContent):
			d.metrics.Delivery(network, ResultUnsupported)
			return "", err
		case !channels.IsTransient(err) || attempt == 1 || ctx.Err() != nil:
			d.metrics.Delivery(network, ResultFailed)
			return "", err
		}

		delay := channels.RetryAfter(err)
		if delay > d.maxWait {
			slog.Warn("delivery retry_after too long, dropping", "binding", store.BindingIDFromContext(ctx),
				"network", network, "room", room, "op", op, "retry_after", delay)
			d.metrics.Delivery(network, ResultFailed)
			return "", err
		}
		if delay <= 0 {
			delay = channels.Backoff(d.retryDelay, 4*d.retryDelay, attempt)
		}
		slog.Debug("delivery retry", "binding", store.BindingIDFromContext(ctx), "from", store.NetworkFromContext(ctx),
			"network", network, "room", room, "op", op, "delay", delay, "error", err)
		if serr := d.sleep(ctx, delay); serr != nil {
			d.metrics.Delivery(network, ResultFailed)
			return "", err
		}
	}
	d.metrics.Delivery(network, ResultFailed)
	return "", err
}

// do is send for calls that produce no id.
func (d *deliverer) do(ctx context.Context, network store.Network, room, op string, fn func(context.Context) error) error {
	_, err := d.send(ctx, network, room, op, func(ctx context.Context) (string, error) {
		return "", fn(ctx)
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
