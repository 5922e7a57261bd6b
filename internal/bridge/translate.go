package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf16"

	"github.com/mattn/go-runewidth"
	"golang.org/x/text/unicode/norm"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/channels"
	"github.com/nextlevelbuilder/mucbridge/internal/correlation"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

// excerptWidth is the display width quote excerpts are cut to.
const excerptWidth = 200

var blankRuns = regexp.MustCompile(`\n{4,}`)

// normalizeText composes s to NFC, unifies line endings, strips trailing
// whitespace and collapses long runs of blank lines.
func normalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	s = blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n\n")
	return strings.TrimSpace(s)
}

// excerpt shortens a quoted message to a single display line budget.
func excerpt(s string) string {
	s = normalizeText(s)
	return runewidth.Truncate(s, excerptWidth, "…")
}

func textLen(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// forward translates one event of binding b to the opposite network.
func (e *Engine) forward(ctx context.Context, b store.Binding, ev bus.Event) {
	ctx, span := e.startSpan(ctx, ev, b)
	defer span.End()
	ctx = store.WithNetwork(store.WithBindingID(ctx, b.ID), ev.Network)

	switch ev.Kind {
	case bus.KindMessage:
		e.forwardMessage(ctx, b, ev)
	case bus.KindEdit:
		e.forwardEdit(ctx, b, ev)
	case bus.KindMembership:
		e.forwardMembership(ctx, b, ev)
	default:
		slog.Debug("bridge: event kind not forwarded", "kind", ev.Kind, "binding", b.ID)
	}
}

func (e *Engine) forwardMessage(ctx context.Context, b store.Binding, ev bus.Event) {
	src := ev.Network
	dst := src.Opposite()
	target := e.adapter(dst)
	room := b.RoomID(dst)
	caps := target.Capabilities()

	msg := channels.OutboundMessage{
		RoomID: room,
		Sender: topicSender(ev.Sender.DisplayName, ev.Topic),
		Text:   normalizeText(ev.Text),
	}
	var replied correlation.Target
	var resolved bool
	if ev.Reply != nil {
		replied, resolved = e.index.Lookup(ctx, b.ID, src, ev.Reply.MessageID)
		if resolved && caps.NativeReplies {
			msg.ReplyTo = replied.ID
		} else if ev.Reply.Excerpt != "" {
			msg.Quote = &channels.Quote{Author: ev.Reply.Author, Text: excerpt(ev.Reply.Excerpt)}
		}
	}
	// Correlations record the Telegram side's topic in both directions.
	thread := ev.ThreadID
	if dst == store.NetworkTelegram {
		thread = e.topics.route(b.ID, ev.Sender.ID, replied, resolved)
		msg.ThreadID = thread
	}

	var sent []string
	textPending := msg.Text != ""
	for _, m := range ev.Media {
		om := channels.OutboundMedia{RoomID: room, Sender: msg.Sender, ReplyTo: msg.ReplyTo, ThreadID: msg.ThreadID, Media: m}
		captioned := false
		if textPending && msg.Quote == nil && caps.CaptionLimit > 0 && textLen(msg.Sender)+2+textLen(msg.Text) <= caps.CaptionLimit {
			om.Caption = msg.Text
			captioned = true
		}

		id, err := e.sendMedia(ctx, dst, target, om)
		if err != nil {
			if errors.Is(err, channels.ErrUnsupportedContent) || errors.Is(err, ErrNoRelay) {
				slog.Info("bridge: attachment not representable, sending text only",
					"binding", b.ID, "network", dst, "kind", m.Kind, "error", err)
			} else {
				slog.Warn("bridge: attachment delivery failed", "binding", b.ID, "network", dst, "error", err)
			}
			msg.Text = strings.TrimSpace(fmt.Sprintf("[%s] %s", mediaLabel(m), msg.Text))
			textPending = true
			continue
		}
		if captioned {
			textPending = false
		}
		sent = append(sent, id)
	}

	if textPending {
		id, err := e.delivery.send(ctx, dst, room, "send text", func(ctx context.Context) (string, error) {
			return target.SendText(ctx, msg)
		})
		if err != nil {
			slog.Warn("bridge: message dropped", "binding", b.ID, "network", dst, "message", ev.MessageID, "error", err)
		} else {
			sent = append(sent, id)
		}
	}

	// The last id is the primary one edits and replies resolve to.
	for _, id := range sent {
		e.remember(ctx, store.Correlation{
			BindingID:     b.ID,
			SourceNetwork: src,
			SourceID:      ev.MessageID,
			TargetNetwork: dst,
			TargetID:      id,
			Thread:        thread,
		})
	}
}

func (e *Engine) sendMedia(ctx context.Context, dst store.Network, target channels.Adapter, om channels.OutboundMedia) (string, error) {
	if om.Media.URL == "" {
		if e.relay == nil {
			return "", ErrNoRelay
		}
		url, err := e.relay.Publish(ctx, om.Media)
		if err != nil {
			return "", fmt.Errorf("relay %s: %w", om.Media.Kind, err)
		}
		om.Media.URL = url
	}
	return e.delivery.send(ctx, dst, om.RoomID, "send media", func(ctx context.Context) (string, error) {
		return target.SendMedia(ctx, om)
	})
}

func (e *Engine) forwardEdit(ctx context.Context, b store.Binding, ev bus.Event) {
	src := ev.Network
	dst := src.Opposite()
	target := e.adapter(dst)
	if !target.Capabilities().Edits {
		return
	}
	id, ok := e.index.Resolve(ctx, b.ID, src, ev.MessageID)
	if !ok {
		slog.Debug("bridge: edit of unknown message dropped", "binding", b.ID, "network", src, "message", ev.MessageID)
		return
	}
	msg := channels.OutboundMessage{
		RoomID: b.RoomID(dst),
		Sender: ev.Sender.DisplayName,
		Text:   normalizeText(ev.Text),
	}
	err := e.delivery.do(ctx, dst, msg.RoomID, "edit", func(ctx context.Context) error {
		return target.EditMessage(ctx, id, msg)
	})
	if err != nil {
		slog.Warn("bridge: edit dropped", "binding", b.ID, "network", dst, "message", ev.MessageID, "error", err)
	}
}

func (e *Engine) remember(ctx context.Context, c store.Correlation) {
	err := e.index.Remember(ctx, c)
	if err != nil && ctx.Err() != nil {
		// The binding was removed while the message was in flight.
		slog.Debug("bridge: correlation skipped, binding stopping", "binding", c.BindingID, "error", err)
		return
	}
	e.metrics.Persistence(err)
	if err != nil {
		slog.Error("bridge: correlation not persisted", "binding", c.BindingID, "error", err)
	}
}

func mediaLabel(m bus.Media) string {
	if m.Name != "" {
		return m.Name
	}
	return string(m.Kind)
}
