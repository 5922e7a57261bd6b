package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/channels"
)

func (c *Channel) prepare(ctx context.Context, roomID string) (*telego.Bot, telego.ChatID, error) {
	bot := c.client()
	if bot == nil {
		return nil, telego.ChatID{}, channels.ErrNotRunning
	}
	id, err := parseChatID(roomID)
	if err != nil {
		return nil, telego.ChatID{}, fmt.Errorf("%w: %v", channels.ErrInvalidAddress, err)
	}
	if err := c.limiter.Wait(ctx, roomID); err != nil {
		return nil, telego.ChatID{}, channels.Transient("telegram rate limit", err, 0)
	}
	return bot, tu.ID(id), nil
}

func replyParams(replyTo string) *telego.ReplyParameters {
	if replyTo == "" {
		return nil
	}
	id, err := strconv.Atoi(replyTo)
	if err != nil {
		return nil
	}
	return &telego.ReplyParameters{MessageID: id, AllowSendingWithoutReply: true}
}

func (c *Channel) SendText(ctx context.Context, msg channels.OutboundMessage) (string, error) {
	bot, chatID, err := c.prepare(ctx, msg.RoomID)
	if err != nil {
		return "", err
	}
	text, entities := formatMessage(msg.Sender, msg.Text, msg.Quote, telegramMaxMessageLen)
	params := tu.Message(chatID, text)
	params.Entities = entities
	params.ReplyParameters = replyParams(msg.ReplyTo)
	params.LinkPreviewOptions = &telego.LinkPreviewOptions{IsDisabled: msg.Notice}
	params.MessageThreadID = threadParam(msg.ThreadID)

	sent, err := bot.SendMessage(ctx, params)
	if err != nil {
		return "", classify("telegram sendMessage", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// SendMedia sends an attachment by URL; Telegram fetches it itself.
func (c *Channel) SendMedia(ctx context.Context, msg channels.OutboundMedia) (string, error) {
	if msg.Media.URL == "" || msg.Media.Kind == bus.MediaAnimatedSticker {
		return "", channels.ErrUnsupportedContent
	}
	bot, chatID, err := c.prepare(ctx, msg.RoomID)
	if err != nil {
		return "", err
	}
	var caption string
	var entities []telego.MessageEntity
	switch {
	case msg.Caption != "":
		caption, entities = formatMessage(msg.Sender, msg.Caption, nil, telegramCaptionMaxLen)
	case msg.Sender != "":
		caption, entities = formatSender(msg.Sender)
	}
	file := tu.FileFromURL(msg.Media.URL)
	reply := replyParams(msg.ReplyTo)
	thread := threadParam(msg.ThreadID)

	var sent *telego.Message
	switch msg.Media.Kind {
	case bus.MediaPhoto, bus.MediaSticker:
		sent, err = bot.SendPhoto(ctx, &telego.SendPhotoParams{
			ChatID: chatID, Photo: file, Caption: caption, CaptionEntities: entities, ReplyParameters: reply,
			MessageThreadID: thread,
		})
	case bus.MediaVideo:
		sent, err = bot.SendVideo(ctx, &telego.SendVideoParams{
			ChatID: chatID, Video: file, Caption: caption, CaptionEntities: entities, ReplyParameters: reply,
			MessageThreadID: thread,
		})
	case bus.MediaAnimation:
		sent, err = bot.SendAnimation(ctx, &telego.SendAnimationParams{
			ChatID: chatID, Animation: file, Caption: caption, CaptionEntities: entities, ReplyParameters: reply,
			MessageThreadID: thread,
		})
	case bus.MediaAudio:
		sent, err = bot.SendAudio(ctx, &telego.SendAudioParams{
			ChatID: chatID, Audio: file, Caption: caption, CaptionEntities: entities, ReplyParameters: reply,
			MessageThreadID: thread,
		})
	case bus.MediaVoice:
		sent, err = bot.SendVoice(ctx, &telego.SendVoiceParams{
			ChatID: chatID, Voice: file, Caption: caption, CaptionEntities: entities, ReplyParameters: reply,
			MessageThreadID: thread,
		})
	default:
		sent, err = bot.SendDocument(ctx, &telego.SendDocumentParams{
			ChatID: chatID, Document: file, Caption: caption, CaptionEntities: entities, ReplyParameters: reply,
			MessageThreadID: thread,
		})
	}
	if err != nil {
		return "", classify("telegram send "+string(msg.Media.Kind), err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// EditMessage edits a text message, falling back to the caption for media.
func (c *Channel) EditMessage(ctx context.Context, messageID string, msg channels.OutboundMessage) error {
	bot, chatID, err := c.prepare(ctx, msg.RoomID)
	if err != nil {
		return err
	}
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram edit: message id %q is not numeric", messageID)
	}

	text, entities := formatMessage(msg.Sender, msg.Text, nil, telegramMaxMessageLen)
	_, err = bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID: chatID, MessageID: id, Text: text, Entities: entities,
	})
	if err != nil && apiDescriptionContains(err, errNoText) {
		caption, capEntities := formatMessage(msg.Sender, msg.Text, nil, telegramCaptionMaxLen)
		_, err = bot.EditMessageCaption(ctx, &telego.EditMessageCaptionParams{
			ChatID: chatID, MessageID: id, Caption: caption, CaptionEntities: capEntities,
		})
	}
	if err != nil && apiDescriptionContains(err, errNotModified) {
		return nil
	}
	if err != nil {
		return classify("telegram edit", err)
	}
	return nil
}

// JoinRoom is a no-op: bots are added to groups by their members.
func (c *Channel) JoinRoom(context.Context, string) error { return nil }

func (c *Channel) LeaveRoom(ctx context.Context, roomID string) error {
	bot := c.client()
	if bot == nil {
		return channels.ErrNotRunning
	}
	id, err := parseChatID(roomID)
	if err != nil {
		return fmt.Errorf("%w: %v", channels.ErrInvalidAddress, err)
	}
	if err := bot.LeaveChat(ctx, &telego.LeaveChatParams{ChatID: tu.ID(id)}); err != nil {
		return classify("telegram leaveChat", err)
	}
	return nil
}

// FileURL resolves a file id to a download URL. The URL contains the bot
// token and must never be forwarded.
func (c *Channel) FileURL(ctx context.Context, m bus.Media) (string, error) {
	bot := c.client()
	if bot == nil {
		return "", channels.ErrNotRunning
	}
	f, err := bot.GetFile(ctx, &telego.GetFileParams{FileID: m.FileID})
	if err != nil {
		return "", classify("telegram getFile", err)
	}
	if f.FilePath == "" {
		return "", fmt.Errorf("telegram getFile %s: no file path (file too large?)", m.FileID)
	}
	return bot.FileDownloadURL(f.FilePath), nil
}

// classify marks rate limits, server errors and network failures as
// transient. Other API errors (bad request, forbidden) are permanent.
func classify(op string, err error) error {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode == 429 || apiErr.ErrorCode >= 500 {
			var retry time.Duration
			if apiErr.Parameters != nil {
				retry = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
			}
			return channels.Transient(op, err, retry)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return channels.Transient(op, err, 0)
}

func apiDescriptionContains(err error, s string) bool {
	var apiErr *telegoapi.Error
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Description, s)
}
