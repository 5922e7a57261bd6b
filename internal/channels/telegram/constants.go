package telegram

import "time"

const (
	// telegramMaxMessageLen is the safe limit for Telegram messages in UTF-16 units.
	// Telegram's hard limit is 4096, entities included.
	telegramMaxMessageLen = 4000

	// telegramCaptionMaxLen is the max length for media captions.
	telegramCaptionMaxLen = 1024

	// defaultPollTimeout is the long polling timeout passed to getUpdates.
	defaultPollTimeout = 30 * time.Second

	// limiterPruneEvery is how often idle per-chat limiters are dropped.
	limiterPruneEvery = 10 * time.Minute
)

// Bot API error descriptions that change how a failure is handled.
const (
	errNotModified = "message is not modified"
	errNoText      = "there is no text in the message to edit"
)
