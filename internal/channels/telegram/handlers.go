package telegram

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

// eventsFromUpdate normalizes one update. Private chats and channels are
// ignored; only groups can be bridged.
func (c *Channel) eventsFromUpdate(u telego.Update) []bus.Event {
	switch {
	case u.Message != nil:
		if !isGroup(u.Message.Chat) {
			return nil
		}
		return c.messageEvents(u.Message)

	case u.EditedMessage != nil:
		if !isGroup(u.EditedMessage.Chat) {
			return nil
		}
		if ev, ok := c.editEvent(u.EditedMessage); ok {
			return []bus.Event{ev}
		}

	case u.MyChatMember != nil:
		if !isGroup(u.MyChatMember.Chat) {
			return nil
		}
		if ev, ok := c.memberEvent(u.UpdateID, u.MyChatMember); ok {
			return []bus.Event{ev}
		}
	}
	return nil
}

func isGroup(chat telego.Chat) bool {
	return chat.Type == telego.ChatTypeGroup || chat.Type == telego.ChatTypeSupergroup
}

func (c *Channel) baseEvent(msg *telego.Message, kind bus.EventKind) bus.Event {
	ev := bus.Event{
		ID:        fmt.Sprintf("%d:%d", msg.Chat.ID, msg.MessageID),
		Kind:      kind,
		Network:   store.NetworkTelegram,
		RoomID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
		Received:  time.Now(),
	}
	if msg.From != nil {
		ev.Sender = bus.Sender{ID: strconv.FormatInt(msg.From.ID, 10), DisplayName: buildUserName(msg.From)}
	} else if msg.SenderChat != nil {
		ev.Sender = bus.Sender{ID: strconv.FormatInt(msg.SenderChat.ID, 10), DisplayName: msg.SenderChat.Title}
	}
	if msg.IsTopicMessage && msg.MessageThreadID != 0 {
		ev.ThreadID = strconv.Itoa(msg.MessageThreadID)
		ev.Topic = c.topics.name(msg)
	}
	return ev
}

func (c *Channel) messageEvents(msg *telego.Message) []bus.Event {
	if len(msg.NewChatMembers) > 0 || msg.LeftChatMember != nil {
		return c.serviceEvents(msg)
	}
	if c.topics.learn(msg) {
		return nil
	}
	if msg.From != nil && msg.From.ID == c.botID {
		return nil
	}

	if cmd := parseCommand(msg.Text, c.username); cmd != nil && cmd.Name == c.command {
		ev := c.baseEvent(msg, bus.KindCommand)
		ev.Command = cmd
		ev.Text = msg.Text
		return []bus.Event{ev}
	}

	ev := c.baseEvent(msg, bus.KindMessage)
	ev.Text = messageText(msg)
	ev.Reply = extractReplyRef(msg, c.botID)
	if m, ok := extractMedia(msg); ok {
		ev.Media = []bus.Media{m}
	}
	if ev.Text == "" && len(ev.Media) == 0 {
		return nil
	}
	return []bus.Event{ev}
}

func (c *Channel) editEvent(msg *telego.Message) (bus.Event, bool) {
	if msg.From != nil && msg.From.ID == c.botID {
		return bus.Event{}, false
	}
	ev := c.baseEvent(msg, bus.KindEdit)
	ev.ID = fmt.Sprintf("%d:%d:%d", msg.Chat.ID, msg.MessageID, msg.EditDate)
	ev.Text = messageText(msg)
	return ev, ev.Text != ""
}

// serviceEvents turns join and leave service messages into membership events.
func (c *Channel) serviceEvents(msg *telego.Message) []bus.Event {
	var events []bus.Event
	for i := range msg.NewChatMembers {
		user := &msg.NewChatMembers[i]
		if user.ID == c.botID {
			continue
		}
		ev := c.baseEvent(msg, bus.KindMembership)
		ev.ID = fmt.Sprintf("%d:%d:%d", msg.Chat.ID, msg.MessageID, user.ID)
		ev.Sender = bus.Sender{ID: strconv.FormatInt(user.ID, 10), DisplayName: buildUserName(user)}
		ev.Membership = &bus.Membership{Action: bus.MemberJoined, Nick: buildUserName(user)}
		events = append(events, ev)
	}
	if user := msg.LeftChatMember; user != nil && user.ID != c.botID {
		ev := c.baseEvent(msg, bus.KindMembership)
		ev.Sender = bus.Sender{ID: strconv.FormatInt(user.ID, 10), DisplayName: buildUserName(user)}
		ev.Membership = &bus.Membership{Action: bus.MemberLeft, Nick: buildUserName(user)}
		events = append(events, ev)
	}
	return events
}

// memberEvent reports the bot itself being removed from a group.
func (c *Channel) memberEvent(updateID int, m *telego.ChatMemberUpdated) (bus.Event, bool) {
	status := m.NewChatMember.MemberStatus()
	if status != telego.MemberStatusLeft && status != telego.MemberStatusBanned {
		return bus.Event{}, false
	}
	slog.Warn("telegram bot removed from chat", "chat", m.Chat.ID, "status", status, "by", m.From.ID)
	return bus.Event{
		ID:      strconv.Itoa(updateID),
		Kind:    bus.KindRemoved,
		Network: store.NetworkTelegram,
		RoomID:  strconv.FormatInt(m.Chat.ID, 10),
		Sender:  bus.Sender{ID: strconv.FormatInt(m.From.ID, 10), DisplayName: buildUserName(&m.From)},
		Membership: &bus.Membership{
			Action: bus.MemberLeft,
			Nick:   c.username,
			Reason: status,
		},
		Received: time.Now(),
	}, true
}

// extractMedia describes the attachment of msg. Animated and video stickers
// are not bridged.
func extractMedia(msg *telego.Message) (bus.Media, bool) {
	switch {
	case len(msg.Photo) > 0:
		p := msg.Photo[len(msg.Photo)-1]
		return bus.Media{Kind: bus.MediaPhoto, Name: "photo.jpg", MIMEType: "image/jpeg",
			Size: int64(p.FileSize), FileID: p.FileID, UniqueID: p.FileUniqueID}, true

	case msg.Animation != nil:
		a := msg.Animation
		return bus.Media{Kind: bus.MediaAnimation, Name: orDefault(a.FileName, "animation.mp4"), MIMEType: a.MimeType,
			Size: int64(a.FileSize), FileID: a.FileID, UniqueID: a.FileUniqueID}, true

	case msg.Sticker != nil:
		s := msg.Sticker
		if s.IsAnimated || s.IsVideo {
			return bus.Media{}, false
		}
		return bus.Media{Kind: bus.MediaSticker, Name: "sticker.webp", MIMEType: "image/webp",
			Size: int64(s.FileSize), FileID: s.FileID, UniqueID: s.FileUniqueID}, true

	case msg.Video != nil:
		v := msg.Video
		return bus.Media{Kind: bus.MediaVideo, Name: orDefault(v.FileName, "video.mp4"), MIMEType: v.MimeType,
			Size: int64(v.FileSize), FileID: v.FileID, UniqueID: v.FileUniqueID}, true

	case msg.Voice != nil:
		v := msg.Voice
		return bus.Media{Kind: bus.MediaVoice, Name: "voice.ogg", MIMEType: orDefault(v.MimeType, "audio/ogg"),
			Size: int64(v.FileSize), FileID: v.FileID, UniqueID: v.FileUniqueID}, true

	case msg.Audio != nil:
		a := msg.Audio
		return bus.Media{Kind: bus.MediaAudio, Name: orDefault(a.FileName, "audio.mp3"), MIMEType: a.MimeType,
			Size: int64(a.FileSize), FileID: a.FileID, UniqueID: a.FileUniqueID}, true

	case msg.Document != nil:
		d := msg.Document
		return bus.Media{Kind: bus.MediaDocument, Name: orDefault(d.FileName, "file"), MIMEType: d.MimeType,
			Size: int64(d.FileSize), FileID: d.FileID, UniqueID: d.FileUniqueID}, true
	}
	return bus.Media{}, false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
