package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

// DefaultQueueSize is the per-binding event backlog.
const DefaultQueueSize = 64

// handleFunc processes one event of a binding.
type handleFunc func(ctx context.Context, b store.Binding, ev bus.Event)

// bindingWorker serializes the events of one binding so messages are
// delivered in the order they were received. Only one event is processed at
// a time; a slow network stalls this binding only.
type bindingWorker struct {
	binding store.Binding
	queue   chan bus.Event
	handle  handleFunc

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newBindingWorker(ctx context.Context, b store.Binding, size int, handle handleFunc) *bindingWorker {
	if size <= 0 {
		size = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &bindingWorker{
		binding: b,
		queue:   make(chan bus.Event, size),
		handle:  handle,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

func (w *bindingWorker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			if n := len(w.queue); n > 0 {
				slog.Debug("binding worker stopped with pending events", "binding", w.binding.ID, "pending", n)
			}
			return
		case ev := <-w.queue:
			w.handle(ctx, w.binding, ev)
		}
	}
}

// enqueue hands ev to the worker without blocking. It returns ErrQueueFull
// when the backlog is exhausted.
func (w *bindingWorker) enqueue(ev bus.Event) error {
	select {
	case w.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// stop cancels the worker. The event in progress observes the cancellation.
func (w *bindingWorker) stop() {
	w.stopOnce.Do(w.cancel)
}

// wait blocks until the worker goroutine has exited.
func (w *bindingWorker) wait() {
	<-w.done
}
