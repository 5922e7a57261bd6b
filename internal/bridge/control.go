package bridge

import (
	"context"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

// controlQueueSize is the backlog of one control lane.
const controlQueueSize = 16

// controlLanes runs pairing commands, invitations and removals off the
// dispatch loop. Events sharing a key are handled in order by one goroutine,
// which exits once its lane is drained. A slow join only holds up its own
// room.
type controlLanes struct {
	size   int
	handle func(ctx context.Context, ev bus.Event)

	mu    sync.Mutex
	lanes map[string]chan bus.Event
	wg    sync.WaitGroup
}

func newControlLanes(size int, handle func(ctx context.Context, ev bus.Event)) *controlLanes {
	if size <= 0 {
		size = controlQueueSize
	}
	return &controlLanes{size: size, handle: handle, lanes: make(map[string]chan bus.Event)}
}

// enqueue hands ev to the lane for key without blocking.
func (l *controlLanes) enqueue(ctx context.Context, key string, ev bus.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.lanes[key]
	if !ok {
		q = make(chan bus.Event, l.size)
		l.lanes[key] = q
		l.wg.Add(1)
		go l.run(ctx, key, q)
	}
	select {
	case q <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (l *controlLanes) run(ctx context.Context, key string, q chan bus.Event) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			l.close(key)
			return
		case ev := <-q:
			l.handle(ctx, ev)
		default:
			// enqueue sends under mu, so an empty lane seen here stays empty.
			l.mu.Lock()
			if len(q) == 0 {
				delete(l.lanes, key)
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
		}
	}
}

func (l *controlLanes) close(key string) {
	l.mu.Lock()
	delete(l.lanes, key)
	l.mu.Unlock()
}

// wait blocks until every lane goroutine has exited.
func (l *controlLanes) wait() {
	l.wg.Wait()
}

// controlKey groups the control events that must not overtake each other.
func controlKey(ev bus.Event) string {
	if ev.Kind == bus.KindInvite && ev.Invite != nil {
		return string(store.NetworkXMPP) + ":" + strings.ToLower(ev.Invite.Room)
	}
	return string(ev.Network) + ":" + ev.RoomID
}
