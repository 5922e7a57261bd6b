package bridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/config"
	"github.com/nextlevelbuilder/mucbridge/internal/pairing"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

// inviteDecliner is implemented by adapters that can refuse invitations.
type inviteDecliner interface {
	DeclineInvite(ctx context.Context, inv bus.Invite, reason string) error
}

// handleCommand answers the pairing command issued in a Telegram chat.
func (e *Engine) handleCommand(ctx context.Context, ev bus.Event) {
	if ev.Network != store.NetworkTelegram || ev.Command == nil {
		return
	}
	chatID := ev.RoomID
	address := ev.Command.Arg(0)
	data := e.noticeData(store.Binding{ChatID: chatID, RoomAddress: address})

	p, err := e.pairing.Request(ctx, chatID, address)
	switch {
	case errors.Is(err, pairing.ErrMissingAddress):
		e.notify(ctx, store.NetworkTelegram, chatID, config.TmplMissingAddress, data)

	case errors.Is(err, pairing.ErrInvalidAddress):
		e.notify(ctx, store.NetworkTelegram, chatID, config.TmplInvalidAddress, data)

	case errors.Is(err, pairing.ErrAlreadyBound):
		if b, ok := e.lookup(store.NetworkTelegram, chatID); ok {
			data.Room = b.RoomAddress
		}
		e.notify(ctx, store.NetworkTelegram, chatID, config.TmplAlreadyBound, data)

	case err != nil:
		e.metrics.Persistence(err)
		slog.Error("bridge: pairing request failed", "chat", chatID, "room", address, "error", err)

	default:
		e.metrics.Persistence(nil)
		data.Room = p.RoomAddress
		e.notify(ctx, store.NetworkTelegram, chatID, config.TmplQueued, data)
	}
}

// handleInvite confirms a pending pairing when the bridge is invited into
// the requested room with the right secret.
func (e *Engine) handleInvite(ctx context.Context, ev bus.Event) {
	inv := ev.Invite
	if inv == nil {
		return
	}
	room, err := e.xmpp.ValidateAddress(inv.Room)
	if err != nil {
		slog.Warn("bridge: invite to invalid room ignored", "room", inv.Room, "error", err)
		return
	}

	b, err := e.pairing.Confirm(ctx, room, inv.Reason, func(ctx context.Context) error {
		return e.xmpp.JoinRoom(ctx, room)
	})
	switch {
	case errors.Is(err, pairing.ErrNoPending):
		slog.Info("bridge: invite without pending pairing", "room", room, "from", inv.From)
		e.decline(ctx, *inv, "No pairing was requested for this room.")
		return

	case errors.Is(err, pairing.ErrAuthentication):
		e.decline(ctx, *inv, "Invalid bridge secret.")
		return

	case errors.Is(err, store.ErrConflict):
		slog.Warn("bridge: room already bound", "room", room)
		return

	case err != nil:
		e.metrics.Persistence(err)
		slog.Error("bridge: pairing confirmation failed", "room", room, "error", err)
		// The join succeeded but the binding was not stored.
		if store.IsPersistence(err) {
			if lerr := e.xmpp.LeaveRoom(ctx, room); lerr != nil {
				slog.Warn("bridge: leave after failed confirmation", "room", room, "error", lerr)
			}
		}
		return
	}

	e.metrics.Persistence(nil)
	e.addRoute(ctx, *b)
	data := e.noticeData(*b)
	e.notify(ctx, store.NetworkTelegram, b.ChatID, config.TmplBound, data)
	e.notify(ctx, store.NetworkXMPP, b.RoomAddress, config.TmplBound, data)
}

func (e *Engine) decline(ctx context.Context, inv bus.Invite, reason string) {
	d, ok := e.xmpp.(inviteDecliner)
	if !ok || !inv.Mediated {
		return
	}
	if err := d.DeclineInvite(ctx, inv, reason); err != nil {
		slog.Debug("bridge: decline failed", "room", inv.Room, "error", err)
	}
}
