package telegram

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/channels"
)

// parseCommand returns the bot command in text, or nil when text is not a
// command addressed to this bot. Commands for other bots ("/x@otherbot") are
// ignored.
func parseCommand(text, botUsername string) *bus.Command {
	if len(text) < 2 || text[0] != '/' {
		return nil
	}
	words, err := shellwords.Parse(text)
	if err != nil || len(words) == 0 {
		// Unbalanced quotes; fall back to plain splitting.
		words = strings.Fields(text)
	}

	name, target, addressed := strings.Cut(strings.TrimPrefix(words[0], "/"), "@")
	if addressed && !strings.EqualFold(target, botUsername) {
		return nil
	}
	if name == "" {
		return nil
	}
	return &bus.Command{Name: strings.ToLower(name), Args: words[1:]}
}

// SyncMenuCommands registers bot commands with Telegram via setMyCommands.
func (c *Channel) SyncMenuCommands(ctx context.Context, commands []telego.BotCommand) error {
	bot := c.client()
	if bot == nil {
		return channels.ErrNotRunning
	}
	if err := bot.DeleteMyCommands(ctx, nil); err != nil {
		slog.Debug("deleteMyCommands failed (may not exist)", "error", err)
	}

	if len(commands) == 0 {
		return nil
	}

	if len(commands) > 100 {
		commands = commands[:100]
	}

	return bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: commands,
		Scope:    &telego.BotCommandScopeAllGroupChats{Type: telego.ScopeTypeAllGroupChats},
	})
}

// MenuCommands returns the bot menu for group chats.
func MenuCommands(command string) []telego.BotCommand {
	return []telego.BotCommand{
		{Command: command, Description: "Bridge this chat with an XMPP room: /" + command + " room@conference.example.org"},
	}
}
