package xmpp

import (
	"fmt"
	"log/slog"
	"strings"

	goxmpp "github.com/xmppo/go-xmpp"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

func (c *Channel) publish(ev bus.Event) {
	ev.Network = store.NetworkXMPP
	if ev.Received.IsZero() {
		ev.Received = c.now()
	}
	if !c.bus.PublishInbound(ev) {
		slog.Debug("xmpp event dropped, bus closed", "kind", ev.Kind, "room", ev.RoomID)
	}
}

func (c *Channel) handleChat(m goxmpp.Chat) {
	switch m.Type {
	case "error":
		c.handleError(m)
		return
	case "groupchat":
	default:
		if inv := parseInvite(m); inv != nil {
			slog.Info("xmpp invite received", "room", inv.Room, "from", inv.From, "mediated", inv.Mediated)
			c.publish(bus.Event{
				ID:     m.ID,
				Kind:   bus.KindInvite,
				RoomID: inv.Room,
				Sender: bus.Sender{ID: inv.From},
				Invite: inv,
			})
		}
		return
	}

	addr, nick := splitJID(m.Remote)
	// Messages without a nick come from the room itself (subject, status).
	if nick == "" || nick == c.cfg.Nick {
		return
	}
	if !m.Stamp.IsZero() {
		return
	}

	c.mu.Lock()
	r, ok := c.rooms[addr]
	joined := ok && r.joined
	var occupant string
	if ok {
		occupant = r.occupants[nick]
	}
	c.mu.Unlock()
	if !joined {
		return
	}
	if occupant == "" {
		occupant = m.Remote
	}

	excerpt, text := splitQuote(m.Text)
	ev := bus.Event{
		ID:        m.ID,
		Kind:      bus.KindMessage,
		RoomID:    addr,
		MessageID: m.ID,
		Sender:    bus.Sender{ID: occupant, DisplayName: nick},
		Text:      text,
	}

	if m.Ooburl != "" {
		ev.Media = []bus.Media{mediaFromURL(m.Ooburl)}
		if strings.TrimSpace(ev.Text) == m.Ooburl {
			ev.Text = ""
		}
	}

	if m.ReplaceID != "" {
		ev.Kind = bus.KindEdit
		ev.MessageID = m.ReplaceID
		ev.Media = nil
	} else if replyID := parseReplyID(m); replyID != "" || excerpt != "" {
		ev.Reply = &bus.ReplyRef{MessageID: replyID, Excerpt: excerpt}
	}

	if ev.Text == "" && len(ev.Media) == 0 {
		return
	}
	c.publish(ev)
}

// handleError rejoins a room that reports we are no longer an occupant,
// which happens after a silent server side removal such as a MUC restart.
func (c *Channel) handleError(m goxmpp.Chat) {
	addr, _ := splitJID(m.Remote)

	c.mu.Lock()
	r, ok := c.rooms[addr]
	if !ok || !r.wanted || r.leaving || c.now().Sub(r.lastRejoin) < rejoinThrottle {
		c.mu.Unlock()
		return
	}
	r.lastRejoin = c.now()
	r.joined = false
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	slog.Warn("xmpp room error, rejoining", "room", addr, "text", m.Text)
	if err := c.sendJoin(conn, addr); err != nil {
		slog.Warn("xmpp rejoin failed", "room", addr, "error", err)
	}
}

func (c *Channel) handlePresence(p goxmpp.Presence) {
	addr, nick := splitJID(p.From)
	if nick == "" {
		return
	}

	c.mu.Lock()
	r, ok := c.rooms[addr]
	if !ok {
		c.mu.Unlock()
		return
	}
	self := nick == c.cfg.Nick

	switch {
	case p.Type == "error":
		resolveWaitersLocked(r, fmt.Errorf("%w: %s %s", errJoinRejected, addr, p.Status))
		c.mu.Unlock()

	case self && p.Type == "unavailable":
		wasJoined, leaving := r.joined, r.leaving
		resolveWaitersLocked(r, fmt.Errorf("%w: %s", errJoinRejected, addr))
		delete(c.rooms, addr)
		c.mu.Unlock()
		if leaving || !wasJoined {
			return
		}
		slog.Warn("xmpp removed from room", "room", addr, "reason", p.Status)
		c.publish(bus.Event{
			Kind:       bus.KindRemoved,
			RoomID:     addr,
			Membership: &bus.Membership{Action: bus.MemberLeft, Nick: nick, Reason: p.Status},
		})

	case self:
		first := !r.joined
		r.joined = true
		resolveWaitersLocked(r, nil)
		c.mu.Unlock()
		if first {
			slog.Info("xmpp joined room", "room", addr, "nick", nick)
		}

	case p.Type == "unavailable":
		_, known := r.occupants[nick]
		delete(r.occupants, nick)
		joined := r.joined
		c.mu.Unlock()
		if known && joined {
			c.publishMembership(addr, nick, p.From, bus.MemberLeft, p.Status)
		}

	default:
		if r.occupants == nil {
			r.occupants = make(map[string]string)
		}
		_, known := r.occupants[nick]
		r.occupants[nick] = p.From
		joined := r.joined
		c.mu.Unlock()
		// The roster sent before our own presence is the initial state, not joins.
		if !known && joined {
			c.publishMembership(addr, nick, p.From, bus.MemberJoined, "")
		}
	}
}

func (c *Channel) publishMembership(addr, nick, from string, action bus.MemberAction, reason string) {
	c.publish(bus.Event{
		ID:         fmt.Sprintf("%s/%s/%s/%d", addr, nick, action, c.now().UnixNano()),
		Kind:       bus.KindMembership,
		RoomID:     addr,
		Sender:     bus.Sender{ID: from, DisplayName: nick},
		Membership: &bus.Membership{Action: action, Nick: nick, Reason: reason},
		Received:   c.now(),
	})
}

func (c *Channel) occupantCount(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[addr]; ok {
		return len(r.occupants)
	}
	return 0
}
