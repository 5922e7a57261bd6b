package bus

import (
	"context"
	"sync"
)

// DefaultInboundBuffer is the inbound queue size used when New gets zero.
const DefaultInboundBuffer = 256

// MessageBus carries normalized events from the network adapters to the engine.
type MessageBus struct {
	inbound chan Event

	closeOnce sync.Once
	done      chan struct{}
}

func New(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = DefaultInboundBuffer
	}
	return &MessageBus{
		inbound: make(chan Event, buffer),
		done:    make(chan struct{}),
	}
}

// PublishInbound queues an inbound event from an adapter. It blocks while the
// queue is full and returns false once the bus is closed.
func (mb *MessageBus) PublishInbound(ev Event) bool {
	select {
	case <-mb.done:
		return false
	default:
	}
	select {
	case mb.inbound <- ev:
		return true
	case <-mb.done:
		return false
	}
}

// ConsumeInbound blocks until an inbound event is available, the bus is
// closed or ctx is cancelled.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (Event, bool) {
	select {
	case ev := <-mb.inbound:
		return ev, true
	case <-mb.done:
		return Event{}, false
	case <-ctx.Done():
		return Event{}, false
	}
}

// Pending returns the number of queued events.
func (mb *MessageBus) Pending() int {
	return len(mb.inbound)
}

// Close stops the bus. Publishers blocked on a full queue are released.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() { close(mb.done) })
}
