// Package telegram implements the Telegram side of the bridge with a bot
// account using long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/channels"
	"github.com/nextlevelbuilder/mucbridge/internal/config"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

// Channel connects to the Telegram Bot API.
type Channel struct {
	cfg     config.TelegramConfig
	bus     *bus.MessageBus
	command string
	limiter *channels.RateLimiter
	topics  *topicNames

	mu       sync.Mutex
	bot      *telego.Bot
	botID    int64
	username string
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates the Telegram channel. The bot is contacted on Start.
func New(cfg config.TelegramConfig, mb *bus.MessageBus) *Channel {
	return &Channel{
		cfg:     cfg,
		bus:     mb,
		command: config.NormalizeCommand(cfg.Command),
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.Burst),
		topics:  newTopicNames(),
	}
}

// SetTopicCache persists forum topic names in tc. Call before Start.
func (c *Channel) SetTopicCache(tc store.TopicCache) {
	c.topics.store = tc
}

// setIdentity publishes the bot to concurrent senders.
func (c *Channel) setIdentity(bot *telego.Bot, id int64, username string) {
	c.mu.Lock()
	c.bot = bot
	c.botID = id
	c.username = username
	c.mu.Unlock()
}

// client returns the bot once Start has identified it.
func (c *Channel) client() *telego.Bot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bot
}

func newBot(cfg config.TelegramConfig) (*telego.Bot, error) {
	opts := []telego.BotOption{telego.WithDiscardLogger()}
	if cfg.APIServer != "" {
		opts = append(opts, telego.WithAPIServer(cfg.APIServer))
	}
	return telego.NewBot(cfg.Token, opts...)
}

func (c *Channel) Name() string           { return "telegram" }
func (c *Channel) Network() store.Network { return store.NetworkTelegram }

func (c *Channel) Capabilities() channels.Capabilities {
	return channels.Capabilities{
		StatusMessages: true,
		NativeReplies:  true,
		Edits:          true,
		Media:          true,
		CaptionLimit:   telegramCaptionMaxLen,
		TextLimit:      telegramMaxMessageLen,
	}
}

// ValidateAddress accepts a numeric chat id.
func (c *Channel) ValidateAddress(address string) (string, error) {
	id, err := parseChatID(address)
	if err != nil {
		return "", fmt.Errorf("%w: %v", channels.ErrInvalidAddress, err)
	}
	return strconv.FormatInt(id, 10), nil
}

// Start identifies the bot, registers the menu and begins long polling.
func (c *Channel) Start(ctx context.Context) error {
	bot, err := newBot(c.cfg)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	c.setIdentity(bot, me.ID, me.Username)

	if err := c.SyncMenuCommands(ctx, MenuCommands(c.command)); err != nil {
		slog.Warn("telegram menu sync failed", "error", err)
	}

	timeout := defaultPollTimeout
	if c.cfg.PollTimeoutSec > 0 {
		timeout = time.Duration(c.cfg.PollTimeoutSec) * time.Second
	}
	runCtx, cancel := context.WithCancel(ctx)
	updates, err := bot.UpdatesViaLongPolling(runCtx, &telego.GetUpdatesParams{
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: []string{"message", "edited_message", "my_chat_member"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram long polling: %w", err)
	}

	c.mu.Lock()
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	slog.Info("telegram connected", "bot", me.Username, "command", "/"+c.command)
	go c.limiter.Run(runCtx, limiterPruneEvery)
	go c.poll(updates)
	return nil
}

func (c *Channel) poll(updates <-chan telego.Update) {
	defer close(c.done)
	for u := range updates {
		for _, ev := range c.eventsFromUpdate(u) {
			if !c.bus.PublishInbound(ev) {
				return
			}
		}
	}
}

// Stop ends long polling and waits for the update loop to drain.
func (c *Channel) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(defaultPollTimeout + 5*time.Second):
		slog.Warn("telegram polling did not stop in time")
	}
	return nil
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chat id %q is not numeric", s)
	}
	if id == 0 {
		return 0, fmt.Errorf("chat id is zero")
	}
	return id, nil
}
