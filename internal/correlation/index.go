// Package correlation maps forwarded message ids between the two networks
// of each binding so replies and edits can be translated.
package correlation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

const (
	DefaultCapacity = 300
	DefaultMaxAge   = 72 * time.Hour
)

// Options configures an Index.
type Options struct {
	// Capacity is the per-binding entry ceiling. Each forwarded message
	// occupies two entries, one per direction.
	Capacity int
	// MaxAge is the recency window; older entries resolve as absent.
	MaxAge time.Duration
	// Store persists entries. Nil keeps the index memory-only.
	Store store.CorrelationStore
}

type key struct {
	network store.Network
	id      string
}

type entry struct {
	target    string
	thread    string
	createdAt time.Time
}

// Target is the counterpart of a message on the opposite network.
type Target struct {
	ID string
	// Thread is the Telegram forum topic of the pair, if any.
	Thread string
}

// partition holds one binding's entries. The LRU is only written with Add and
// read with Peek, so its order is insertion order and eviction is oldest first.
type partition struct {
	mu     sync.Mutex
	lru    *simplelru.LRU[key, entry]
	loaded bool
}

// Index is a bounded, per-binding correlation map with write-through persistence.
type Index struct {
	mu    sync.Mutex
	parts map[uuid.UUID]*partition

	store    store.CorrelationStore
	capacity int
	maxAge   time.Duration
	now      func() time.Time
}

func New(opts Options) *Index {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	return &Index{
		parts:    make(map[uuid.UUID]*partition),
		store:    opts.Store,
		capacity: opts.Capacity,
		maxAge:   opts.MaxAge,
		now:      time.Now,
	}
}

// Remember records c in both directions. The in-memory entries are kept even
// when persisting fails; the returned error is a *store.PersistenceError.
func (x *Index) Remember(ctx context.Context, c store.Correlation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = x.now()
	}
	p := x.partition(ctx, c.BindingID)
	reverse := c.Reverse()

	p.mu.Lock()
	p.lru.Add(key{c.SourceNetwork, c.SourceID}, entry{c.TargetID, c.Thread, c.CreatedAt})
	p.lru.Add(key{reverse.SourceNetwork, reverse.SourceID}, entry{reverse.TargetID, reverse.Thread, reverse.CreatedAt})
	p.mu.Unlock()

	if x.store == nil {
		return nil
	}
	if err := x.store.SaveCorrelation(ctx, c, x.capacity); err != nil {
		return err
	}
	return x.store.SaveCorrelation(ctx, reverse, x.capacity)
}

// Resolve returns the id on the opposite network of the message sourceID sent
// on network. Expired or unknown entries report ok=false.
func (x *Index) Resolve(ctx context.Context, bindingID uuid.UUID, network store.Network, sourceID string) (string, bool) {
	t, ok := x.Lookup(ctx, bindingID, network, sourceID)
	return t.ID, ok
}

// Lookup is Resolve returning the forum topic along with the id.
func (x *Index) Lookup(ctx context.Context, bindingID uuid.UUID, network store.Network, sourceID string) (Target, bool) {
	if sourceID == "" {
		return Target{}, false
	}
	p := x.partition(ctx, bindingID)

	p.mu.Lock()
	defer p.mu.Unlock()
	x.pruneLocked(p)

	e, ok := p.lru.Peek(key{network, sourceID})
	if !ok || x.expired(e) {
		return Target{}, false
	}
	return Target{ID: e.target, Thread: e.thread}, true
}

// Len returns the number of live entries of a binding.
func (x *Index) Len(ctx context.Context, bindingID uuid.UUID) int {
	p := x.partition(ctx, bindingID)
	p.mu.Lock()
	defer p.mu.Unlock()
	x.pruneLocked(p)
	return p.lru.Len()
}

// Drop forgets a binding entirely, including persisted entries.
func (x *Index) Drop(ctx context.Context, bindingID uuid.UUID) error {
	x.mu.Lock()
	delete(x.parts, bindingID)
	x.mu.Unlock()

	if x.store == nil {
		return nil
	}
	return x.store.DeleteCorrelations(ctx, bindingID)
}

func (x *Index) partition(ctx context.Context, bindingID uuid.UUID) *partition {
	x.mu.Lock()
	p, ok := x.parts[bindingID]
	if !ok {
		lru, _ := simplelru.NewLRU[key, entry](x.capacity, nil)
		p = &partition{lru: lru}
		x.parts[bindingID] = p
	}
	x.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		x.loadLocked(ctx, bindingID, p)
	}
	return p
}

// loadLocked warms a partition from the store. Entries added before the load
// completes stay newest.
func (x *Index) loadLocked(ctx context.Context, bindingID uuid.UUID, p *partition) {
	if x.store == nil {
		p.loaded = true
		return
	}
	rows, err := x.store.ListCorrelations(ctx, bindingID, x.capacity)
	if err != nil {
		slog.Warn("correlation: load failed", "binding", bindingID, "error", err)
		return
	}

	fresh := p.lru.Keys()
	values := make([]entry, 0, len(fresh))
	for _, k := range fresh {
		e, _ := p.lru.Peek(k)
		values = append(values, e)
	}
	p.lru.Purge()

	for _, c := range rows {
		e := entry{c.TargetID, c.Thread, c.CreatedAt}
		if x.expired(e) {
			continue
		}
		p.lru.Add(key{c.SourceNetwork, c.SourceID}, e)
	}
	for i, k := range fresh {
		p.lru.Add(k, values[i])
	}
	p.loaded = true
	slog.Debug("correlation: partition loaded", "binding", bindingID, "entries", p.lru.Len())
}

func (x *Index) pruneLocked(p *partition) {
	for {
		_, e, ok := p.lru.GetOldest()
		if !ok || !x.expired(e) {
			return
		}
		p.lru.RemoveOldest()
	}
}

func (x *Index) expired(e entry) bool {
	return x.now().Sub(e.createdAt) > x.maxAge
}
