// Package xmpp implements the multi-user chat side of the bridge on top of
// go-xmpp. Protocol extensions go-xmpp does not model are written as raw
// stanzas.
package xmpp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goxmpp "github.com/xmppo/go-xmpp"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/channels"
	"github.com/nextlevelbuilder/mucbridge/internal/config"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

const (
	defaultJoinTimeout = 20 * time.Second
	reconnectBase      = 2 * time.Second
	reconnectMax       = 2 * time.Minute
	rejoinThrottle     = time.Minute
	limiterPruneEvery  = 10 * time.Minute
	textLimit          = 10000
)

// client is the subset of *goxmpp.Client the channel uses.
type client interface {
	Recv() (any, error)
	SendOrg(org string) (int, error)
	JoinMUCNoHistory(jid, nick string) (int, error)
	LeaveMUC(jid string) (int, error)
	Close() error
}

type dialFunc func(ctx context.Context) (client, error)

type room struct {
	// wanted is true while the room belongs to a binding or a pending join.
	wanted  bool
	joined  bool
	leaving bool
	// occupants maps nick to full occupant JID.
	occupants  map[string]string
	waiters    []chan error
	lastRejoin time.Time
}

// Channel connects to an XMPP server as a client and takes part in rooms.
type Channel struct {
	cfg      config.XMPPConfig
	bus      *bus.MessageBus
	dial     dialFunc
	limiter  *channels.RateLimiter
	hasMedia bool

	mu      sync.Mutex
	conn    client
	rooms   map[string]*room
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	sendMu sync.Mutex

	joinTimeout time.Duration
	now         func() time.Time
}

// New creates the XMPP channel. Start must be called before use.
func New(cfg config.XMPPConfig, mb *bus.MessageBus) *Channel {
	c := &Channel{
		cfg:         cfg,
		bus:         mb,
		limiter:     channels.NewRateLimiter(cfg.RateLimit, cfg.Burst),
		rooms:       make(map[string]*room),
		joinTimeout: defaultJoinTimeout,
		now:         time.Now,
	}
	c.dial = c.dialServer
	return c
}

// EnableMedia marks attachments as deliverable. Attachments are sent as
// out-of-band URLs, so this is only true when a public media relay exists.
func (c *Channel) EnableMedia(v bool) { c.hasMedia = v }

func (c *Channel) Name() string           { return "xmpp" }
func (c *Channel) Network() store.Network { return store.NetworkXMPP }

func (c *Channel) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		StatusMessages: true,
		NativeReplies:  true,
		Edits:          true,
		Media:          c.hasMedia,
		TextLimit:      textLimit,
	}
}

func (c *Channel) ValidateAddress(address string) (string, error) {
	return ValidateAddress(address)
}

func (c *Channel) dialServer(_ context.Context) (client, error) {
	host := c.cfg.Host
	if host == "" {
		_, domain, _ := strings.Cut(c.cfg.JID, "@")
		domain, _, _ = strings.Cut(domain, "/")
		host = domain
	}
	serverName, _, _ := strings.Cut(host, ":")
	if !strings.Contains(host, ":") {
		if c.cfg.DirectTLS {
			host += ":5223"
		} else {
			host += ":5222"
		}
	}
	opts := goxmpp.Options{
		Host:     host,
		User:     c.cfg.JID,
		Password: c.cfg.Password,
		Resource: c.cfg.Resource,
		NoTLS:    !c.cfg.DirectTLS,
		StartTLS: !c.cfg.DirectTLS,
		TLSConfig: &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		},
		Session: true,
		Status:  "chat",
	}
	cl, err := opts.NewClient()
	if err != nil {
		return nil, err
	}
	return cl, nil
}

// Start connects to the server and begins receiving. The first connection
// attempt is synchronous so configuration errors surface at startup.
func (c *Channel) Start(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("xmpp connect %s: %w", c.cfg.JID, err)
	}
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.conn = conn
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	slog.Info("xmpp connected", "jid", c.cfg.JID)
	go c.limiter.Run(runCtx, limiterPruneEvery)
	go c.run(runCtx, conn)
	return nil
}

// Stop leaves nothing behind: the connection is closed and the receive loop exits.
func (c *Channel) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	conn, done := c.conn, c.done
	c.conn = nil
	c.failWaitersLocked(channels.ErrNotRunning)
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	<-done
	return err
}

// run receives stanzas and reconnects with backoff until ctx ends.
func (c *Channel) run(ctx context.Context, conn client) {
	defer close(c.done)
	attempt := 0
	for {
		err := c.receive(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("xmpp connection lost", "error", err)

		c.mu.Lock()
		for _, r := range c.rooms {
			r.joined = false
			r.occupants = nil
		}
		c.failWaitersLocked(fmt.Errorf("connection lost: %w", err))
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		for {
			delay := channels.Backoff(reconnectBase, reconnectMax, attempt)
			attempt++
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			next, err := c.dial(ctx)
			if err != nil {
				slog.Warn("xmpp reconnect failed", "attempt", attempt, "error", err)
				continue
			}
			conn = next
			break
		}
		attempt = 0

		c.mu.Lock()
		c.conn = conn
		var rejoin []string
		for addr, r := range c.rooms {
			if r.wanted {
				rejoin = append(rejoin, addr)
			}
		}
		c.mu.Unlock()

		slog.Info("xmpp reconnected", "rooms", len(rejoin))
		for _, addr := range rejoin {
			if err := c.sendJoin(conn, addr); err != nil {
				slog.Warn("xmpp rejoin failed", "room", addr, "error", err)
			}
		}
	}
}

func (c *Channel) receive(ctx context.Context, conn client) error {
	for {
		stanza, err := conn.Recv()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch v := stanza.(type) {
		case goxmpp.Chat:
			c.handleChat(v)
		case goxmpp.Presence:
			c.handlePresence(v)
		}
	}
}

func (c *Channel) currentConn() (client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.conn == nil {
		return nil, channels.ErrNotRunning
	}
	return c.conn, nil
}

func (c *Channel) send(ctx context.Context, roomID, raw string) error {
	if err := c.limiter.Wait(ctx, roomID); err != nil {
		return channels.Transient("xmpp send", err, 0)
	}
	conn, err := c.currentConn()
	if err != nil {
		return channels.Transient("xmpp send", err, 0)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := conn.SendOrg(raw); err != nil {
		return channels.Transient("xmpp send", err, 0)
	}
	return nil
}

func (c *Channel) SendText(ctx context.Context, msg channels.OutboundMessage) (string, error) {
	id := uuid.NewString()
	out := outMessage{
		To:   msg.RoomID,
		ID:   id,
		Body: renderBody(msg.Sender, msg.Text, msg.Quote),
	}
	if msg.ReplyTo != "" {
		out.ReplyTo = msg.RoomID
		out.ReplyID = msg.ReplyTo
	}
	if err := c.send(ctx, msg.RoomID, out.String()); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Channel) SendMedia(ctx context.Context, msg channels.OutboundMedia) (string, error) {
	if msg.Media.URL == "" {
		return "", channels.ErrUnsupportedContent
	}
	id := uuid.NewString()
	out := outMessage{
		To:   msg.RoomID,
		ID:   id,
		Body: msg.Media.URL,
		OOB:  msg.Media.URL,
	}
	if msg.ReplyTo != "" {
		out.ReplyTo = msg.RoomID
		out.ReplyID = msg.ReplyTo
	}
	if err := c.send(ctx, msg.RoomID, out.String()); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Channel) EditMessage(ctx context.Context, messageID string, msg channels.OutboundMessage) error {
	out := outMessage{
		To:      msg.RoomID,
		ID:      uuid.NewString(),
		Body:    renderBody(msg.Sender, msg.Text, nil),
		Replace: messageID,
	}
	return c.send(ctx, msg.RoomID, out.String())
}

// JoinRoom enters roomID and waits for the room to confirm our presence.
func (c *Channel) JoinRoom(ctx context.Context, roomID string) error {
	conn, err := c.currentConn()
	if err != nil {
		return err
	}
	wait := make(chan error, 1)

	c.mu.Lock()
	r := c.roomLocked(roomID)
	r.wanted = true
	r.leaving = false
	if r.joined {
		c.mu.Unlock()
		return nil
	}
	r.waiters = append(r.waiters, wait)
	c.mu.Unlock()

	if err := c.sendJoin(conn, roomID); err != nil {
		c.dropWaiter(roomID, wait)
		return err
	}

	timer := time.NewTimer(c.joinTimeout)
	defer timer.Stop()
	select {
	case err := <-wait:
		return err
	case <-timer.C:
		c.dropWaiter(roomID, wait)
		return fmt.Errorf("join %s: timed out after %s", roomID, c.joinTimeout)
	case <-ctx.Done():
		c.dropWaiter(roomID, wait)
		return ctx.Err()
	}
}

func (c *Channel) sendJoin(conn client, roomID string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := conn.JoinMUCNoHistory(roomID, c.cfg.Nick); err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	return nil
}

// LeaveRoom exits roomID. The self-presence that follows is not reported as
// a removal.
func (c *Channel) LeaveRoom(_ context.Context, roomID string) error {
	conn, err := c.currentConn()
	if err != nil {
		return err
	}
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if ok {
		r.wanted = false
		r.leaving = true
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := conn.LeaveMUC(roomID + "/" + c.cfg.Nick); err != nil {
		return fmt.Errorf("leave %s: %w", roomID, err)
	}
	return nil
}

// DeclineInvite refuses a mediated invitation. Direct invitations have no
// decline and are silently ignored.
func (c *Channel) DeclineInvite(ctx context.Context, inv bus.Invite, reason string) error {
	if !inv.Mediated {
		return nil
	}
	return c.send(ctx, inv.Room, declineStanza(inv.Room, inv.From, reason))
}

func (c *Channel) roomLocked(addr string) *room {
	r, ok := c.rooms[addr]
	if !ok {
		r = &room{}
		c.rooms[addr] = r
	}
	return r
}

func (c *Channel) dropWaiter(addr string, wait chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[addr]
	if !ok {
		return
	}
	for i, w := range r.waiters {
		if w == wait {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			break
		}
	}
	if !r.joined && len(r.waiters) == 0 {
		r.wanted = false
	}
}

// resolveWaitersLocked wakes every JoinRoom caller waiting on r.
func resolveWaitersLocked(r *room, err error) {
	for _, w := range r.waiters {
		w <- err
	}
	r.waiters = nil
}

func (c *Channel) failWaitersLocked(err error) {
	for _, r := range c.rooms {
		resolveWaitersLocked(r, err)
	}
}

// renderBody prefixes the sender name and prepends a quote fallback.
func renderBody(sender, text string, q *channels.Quote) string {
	var b strings.Builder
	if q != nil && q.Text != "" {
		b.WriteString(renderQuote(q.Author, q.Text))
		b.WriteString("\n")
	}
	if sender != "" {
		b.WriteString(sender)
		b.WriteString(": ")
	}
	b.WriteString(text)
	return b.String()
}

var errJoinRejected = errors.New("join rejected by room")
