package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
)

// messageText returns the text or caption of msg, with forward and location
// context folded in so nothing is silently lost on the other side.
func messageText(msg *telego.Message) string {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if from := forwardedFrom(msg); from != "" {
		text = fmt.Sprintf("[Forwarded from %s]\n%s", from, text)
	}
	if msg.Location != nil {
		if text != "" {
			text += "\n"
		}
		text += fmt.Sprintf("Coordinates: %.6f, %.6f", msg.Location.Latitude, msg.Location.Longitude)
	}
	return strings.TrimSpace(text)
}

// forwardedFrom names the origin of a forwarded message.
func forwardedFrom(msg *telego.Message) string {
	if msg.ForwardOrigin == nil {
		return ""
	}
	switch origin := msg.ForwardOrigin.(type) {
	case *telego.MessageOriginUser:
		user := origin.SenderUser
		return buildUserName(&user)
	case *telego.MessageOriginChat:
		return origin.SenderChat.Title
	case *telego.MessageOriginChannel:
		return origin.Chat.Title
	case *telego.MessageOriginHiddenUser:
		return origin.SenderUserName
	}
	return ""
}

// extractReplyRef describes the message msg answers. Replies to the bot's own
// messages carry no author: the bridged text already names the sender.
func extractReplyRef(msg *telego.Message, botID int64) *bus.ReplyRef {
	reply := msg.ReplyToMessage
	if reply == nil || reply.ForumTopicCreated != nil {
		return nil
	}
	ref := &bus.ReplyRef{MessageID: strconv.Itoa(reply.MessageID)}
	if reply.From != nil && reply.From.ID != botID {
		ref.Author = buildUserName(reply.From)
	}
	ref.Excerpt = reply.Text
	if ref.Excerpt == "" {
		ref.Excerpt = reply.Caption
	}
	return ref
}

// buildUserName formats a Telegram user's display name.
func buildUserName(user *telego.User) string {
	if user == nil {
		return "unknown"
	}
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" && user.Username != "" {
		name = "@" + user.Username
	}
	if name == "" {
		name = strconv.FormatInt(user.ID, 10)
	}
	return name
}
