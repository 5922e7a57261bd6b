package bridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/config"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

var membershipTemplates = map[bus.MemberAction]string{
	bus.MemberJoined: config.TmplMemberJoined,
	bus.MemberLeft:   config.TmplMemberLeft,
}

// forwardMembership posts a join or leave notice in the opposite room.
// Failures are logged only.
func (e *Engine) forwardMembership(ctx context.Context, b store.Binding, ev bus.Event) {
	if ev.Membership == nil || !e.cfg.MembershipNoticesEnabled() {
		return
	}
	dst := ev.Network.Opposite()
	if !e.adapter(dst).Capabilities().StatusMessages {
		return
	}
	key, ok := membershipTemplates[ev.Membership.Action]
	if !ok {
		return
	}
	data := e.noticeData(b)
	data.Nick = ev.Membership.Nick
	data.Reason = ev.Membership.Reason
	e.notify(ctx, dst, b.RoomID(dst), key, data)
}

// handleRemoved tears down the binding of a room the bridge was removed
// from: the binding is deleted, its correlations dropped, its worker stopped
// and the surviving room told before the bridge leaves it.
func (e *Engine) handleRemoved(ctx context.Context, ev bus.Event) {
	b, ok := e.lookup(ev.Network, ev.RoomID)
	if !ok {
		found, err := e.stores.Bindings.FindBinding(ctx, ev.Network, ev.RoomID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Error("bridge: binding lookup failed", "network", ev.Network, "room", ev.RoomID, "error", err)
			}
			slog.Debug("bridge: removal from unbound room ignored", "network", ev.Network, "room", ev.RoomID)
			return
		}
		b = *found
	}

	slog.Warn("bridge: removed from room, unbinding",
		"binding", b.ID, "network", ev.Network, "room", ev.RoomID, "chat", b.ChatID)

	e.removeRoute(b)
	err := e.pairing.Unbind(ctx, &b)
	e.metrics.Persistence(err)
	if err != nil {
		slog.Error("bridge: unbind not persisted", "binding", b.ID, "error", err)
	}
	if err := e.index.Drop(ctx, b.ID); err != nil {
		slog.Warn("bridge: correlations not dropped", "binding", b.ID, "error", err)
	}

	survivor := ev.Network.Opposite()
	key := config.TmplUnboundFromTelegram
	if survivor == store.NetworkXMPP {
		key = config.TmplUnboundFromXMPP
	}
	room := b.RoomID(survivor)
	e.notify(ctx, survivor, room, key, e.noticeData(b))
	e.delivery.forget(survivor, room)

	if e.cfg.LeaveOnUnbindEnabled() {
		if err := e.adapter(survivor).LeaveRoom(ctx, room); err != nil {
			slog.Warn("bridge: leave after unbind failed", "network", survivor, "room", room, "error", err)
		}
	}
}
