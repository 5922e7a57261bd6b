// Package bridge relays events between the bound rooms of two chat networks.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/channels"
	"github.com/nextlevelbuilder/mucbridge/internal/config"
	"github.com/nextlevelbuilder/mucbridge/internal/correlation"
	"github.com/nextlevelbuilder/mucbridge/internal/pairing"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

const (
	dedupeMaxEntries = 10000
	rejoinTimeout    = 30 * time.Second
	rejoinParallel   = 8
)

// Metrics receives engine counters. health.Metrics implements it.
type Metrics interface {
	EventReceived(network store.Network, kind bus.EventKind)
	Delivery(network store.Network, result string)
	// Persistence reports the outcome of a durable write. A nil err resets
	// the consecutive failure count.
	Persistence(err error)
	SetBindings(n int)
}

type nopMetrics struct{}

func (nopMetrics) EventReceived(store.Network, bus.EventKind) {}
func (nopMetrics) Delivery(store.Network, string)             {}
func (nopMetrics) Persistence(error)                          {}
func (nopMetrics) SetBindings(int)                            {}

// MediaRelay makes an attachment without a public URL reachable by the
// target network.
type MediaRelay interface {
	Publish(ctx context.Context, m bus.Media) (string, error)
}

// Options wires the engine's collaborators.
type Options struct {
	Config config.BridgeConfig
	// BridgeJID and Command are substituted into notices.
	BridgeJID string
	Command   string

	Stores    *store.Stores
	Pairing   *pairing.Service
	Index     *correlation.Index
	Telegram  channels.Adapter
	XMPP      channels.Adapter
	Bus       *bus.MessageBus
	Templates *config.Templates

	// Metrics and Relay are optional.
	Metrics Metrics
	Relay   MediaRelay
}

type routeKey struct {
	network store.Network
	room    string
}

type route struct {
	binding store.Binding
	worker  *bindingWorker
}

// Engine consumes the bus and drives pairing and forwarding.
type Engine struct {
	cfg       config.BridgeConfig
	bridgeJID string
	command   string

	stores    *store.Stores
	pairing   *pairing.Service
	index     *correlation.Index
	telegram  channels.Adapter
	xmpp      channels.Adapter
	bus       *bus.MessageBus
	metrics   Metrics
	relay     MediaRelay
	delivery  *deliverer
	control   *controlLanes
	topics    *topicTracker
	dedupe    *bus.DedupeCache
	tracer    trace.Tracer
	queueSize int

	templates *config.Templates

	mu     sync.Mutex
	rooms  map[routeKey]uuid.UUID
	routes map[uuid.UUID]*route
	runCtx context.Context
}

// New creates an engine. Run starts it.
func New(opts Options) (*Engine, error) {
	if opts.Stores == nil || opts.Pairing == nil || opts.Index == nil || opts.Bus == nil {
		return nil, errors.New("bridge: stores, pairing, index and bus are required")
	}
	if opts.Telegram == nil || opts.XMPP == nil {
		return nil, errors.New("bridge: both adapters are required")
	}
	tmpl := opts.Templates
	if tmpl == nil {
		var err error
		if tmpl, err = config.NewTemplates(config.DefaultTemplates()); err != nil {
			return nil, fmt.Errorf("default templates: %w", err)
		}
	}
	m := opts.Metrics
	if m == nil {
		m = nopMetrics{}
	}
	e := &Engine{
		cfg:       opts.Config,
		bridgeJID: opts.BridgeJID,
		command:   config.NormalizeCommand(opts.Command),
		stores:    opts.Stores,
		pairing:   opts.Pairing,
		index:     opts.Index,
		telegram:  opts.Telegram,
		xmpp:      opts.XMPP,
		bus:       opts.Bus,
		metrics:   m,
		relay:     opts.Relay,
		delivery:  newDeliverer(opts.Config.SendTimeout(), opts.Config.RetryDelay(), m),
		dedupe:    bus.NewDedupeCache(opts.Config.DedupeTTL(), dedupeMaxEntries),
		tracer:    otel.Tracer("github.com/nextlevelbuilder/mucbridge/internal/bridge"),
		queueSize: opts.Config.QueueSize,
		templates: tmpl,
		rooms:     make(map[routeKey]uuid.UUID),
		routes:    make(map[uuid.UUID]*route),
		topics:    newTopicTracker(opts.Config.TopicStickWindow()),
	}
	e.control = newControlLanes(controlQueueSize, e.handleControl)
	return e, nil
}

// Run loads the bound pairs, rejoins their XMPP rooms and processes events
// until ctx is cancelled or the bus is closed.
func (e *Engine) Run(ctx context.Context) error {
	bindings, err := e.stores.Bindings.ListBindings(ctx)
	if err != nil {
		return fmt.Errorf("load bindings: %w", err)
	}

	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	for _, b := range bindings {
		e.addRoute(ctx, b)
	}
	slog.Info("bridge engine started", "bindings", len(bindings))

	e.rejoin(ctx, bindings)
	go e.pairing.RunSweeper(ctx, e.cfg.SweepInterval())

	defer e.stopWorkers()
	for {
		ev, ok := e.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		e.dispatch(ctx, ev)
	}
}

// rejoin enters every bound XMPP room, rejoinParallel at a time. Rooms that
// cannot be joined are left to the adapter's reconnect logic.
func (e *Engine) rejoin(ctx context.Context, bindings []store.Binding) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rejoinParallel)
	for _, b := range bindings {
		room := b.RoomAddress
		g.Go(func() error {
			jctx, cancel := context.WithTimeout(gctx, rejoinTimeout)
			defer cancel()
			if err := e.xmpp.JoinRoom(jctx, room); err != nil {
				slog.Warn("bridge: rejoin failed", "room", room, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (e *Engine) dispatch(ctx context.Context, ev bus.Event) {
	if key := ev.DedupeKey(); key != "" && e.dedupe.IsDuplicate(key) {
		slog.Debug("bridge: duplicate event dropped", "key", key)
		return
	}
	e.metrics.EventReceived(ev.Network, ev.Kind)

	switch ev.Kind {
	case bus.KindCommand, bus.KindInvite, bus.KindRemoved:
		key := controlKey(ev)
		if err := e.control.enqueue(ctx, key, ev); err != nil {
			slog.Warn("bridge: control event dropped", "kind", ev.Kind, "lane", key, "error", err)
		}
	default:
		e.mu.Lock()
		var r *route
		if id, ok := e.rooms[routeKey{ev.Network, ev.RoomID}]; ok {
			r = e.routes[id]
		}
		e.mu.Unlock()
		if r == nil {
			return
		}
		if err := r.worker.enqueue(ev); err != nil {
			e.metrics.Delivery(ev.Network.Opposite(), ResultDropped)
			slog.Warn("bridge: event dropped", "binding", r.binding.ID, "kind", ev.Kind, "error", err)
		}
	}
}

func (e *Engine) handleControl(ctx context.Context, ev bus.Event) {
	switch ev.Kind {
	case bus.KindCommand:
		e.handleCommand(ctx, ev)
	case bus.KindInvite:
		e.handleInvite(ctx, ev)
	case bus.KindRemoved:
		e.handleRemoved(ctx, ev)
	}
}

// addRoute registers b and starts its worker. A binding already routed is
// left untouched.
func (e *Engine) addRoute(ctx context.Context, b store.Binding) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.routes[b.ID]; ok {
		return
	}
	if e.runCtx != nil {
		ctx = e.runCtx
	}
	e.routes[b.ID] = &route{
		binding: b,
		worker:  newBindingWorker(ctx, b, e.queueSize, e.forward),
	}
	e.rooms[routeKey{store.NetworkTelegram, b.ChatID}] = b.ID
	e.rooms[routeKey{store.NetworkXMPP, b.RoomAddress}] = b.ID
	e.metrics.SetBindings(len(e.routes))
}

// removeRoute unregisters b and waits for its worker to finish the event in
// progress, so nothing writes correlations for b afterwards.
func (e *Engine) removeRoute(b store.Binding) {
	e.mu.Lock()
	r, ok := e.routes[b.ID]
	if ok {
		delete(e.routes, b.ID)
	}
	for _, k := range []routeKey{{store.NetworkTelegram, b.ChatID}, {store.NetworkXMPP, b.RoomAddress}} {
		if e.rooms[k] == b.ID {
			delete(e.rooms, k)
		}
	}
	n := len(e.routes)
	e.mu.Unlock()

	e.metrics.SetBindings(n)
	if ok {
		r.worker.stop()
		r.worker.wait()
	}
	e.topics.forget(b.ID)
	e.delivery.forget(store.NetworkTelegram, b.ChatID)
	e.delivery.forget(store.NetworkXMPP, b.RoomAddress)
}

func (e *Engine) lookup(network store.Network, room string) (store.Binding, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.rooms[routeKey{network, room}]
	if !ok {
		return store.Binding{}, false
	}
	r, ok := e.routes[id]
	if !ok {
		return store.Binding{}, false
	}
	return r.binding, true
}

// Bindings returns the currently routed pairs.
func (e *Engine) Bindings() []store.Binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]store.Binding, 0, len(e.routes))
	for _, r := range e.routes {
		out = append(out, r.binding)
	}
	return out
}

func (e *Engine) stopWorkers() {
	e.control.wait()

	e.mu.Lock()
	workers := make([]*bindingWorker, 0, len(e.routes))
	for _, r := range e.routes {
		workers = append(workers, r.worker)
	}
	e.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	for _, w := range workers {
		w.wait()
	}
}

func (e *Engine) adapter(n store.Network) channels.Adapter {
	if n == store.NetworkTelegram {
		return e.telegram
	}
	return e.xmpp
}

func (e *Engine) startSpan(ctx context.Context, ev bus.Event, b store.Binding) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "bridge."+string(ev.Kind),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("bridge.network", string(ev.Network)),
			attribute.String("bridge.room", ev.RoomID),
			attribute.String("bridge.binding", b.ID.String()),
		))
}

func (e *Engine) noticeData(b store.Binding) config.NoticeData {
	return config.NoticeData{
		Command:    e.command,
		BridgeJID:  e.bridgeJID,
		Room:       b.RoomAddress,
		Chat:       b.ChatID,
		TTLMinutes: int(e.pairing.TTL() / time.Minute),
	}
}

// notify renders a notice and posts it into room. Failures are logged only.
func (e *Engine) notify(ctx context.Context, network store.Network, room, key string, data config.NoticeData) {
	text, err := e.templates.Render(key, data)
	if err != nil {
		if errors.Is(err, config.ErrTemplateMissing) {
			slog.Error("bridge: notice template not configured", "template", key)
		} else {
			slog.Error("bridge: notice template failed", "template", key, "error", err)
		}
		return
	}
	target := e.adapter(network)
	_, err = e.delivery.send(ctx, network, room, "notice", func(ctx context.Context) (string, error) {
		return target.SendText(ctx, channels.OutboundMessage{RoomID: room, Text: text, Notice: true})
	})
	if err != nil {
		slog.Warn("bridge: notice not delivered", "template", key, "network", network, "room", room, "error", err)
	}
}

// ReplaceTemplates swaps the notice templates. Used by config hot reload.
// On error the previous set stays active.
func (e *Engine) ReplaceTemplates(src map[string]string) error {
	if err := config.ValidateTemplates(src); err != nil {
		return err
	}
	return e.templates.Replace(src)
}

// SetSecret replaces the pairing secret. Used by config hot reload.
func (e *Engine) SetSecret(secret string) {
	e.pairing.SetSecret(secret)
}
