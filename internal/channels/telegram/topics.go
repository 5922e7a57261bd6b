package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

const (
	topicCacheSize     = 1024
	topicLookupTimeout = 2 * time.Second
)

type topicKey struct {
	chat   int64
	thread int
}

// topicNames resolves forum topic ids to names. The Bot API only reports a
// name in the service message that created or renamed the topic, so names
// are remembered in memory and, when configured, in the store.
type topicNames struct {
	recent *lru.Cache[topicKey, string]
	store  store.TopicCache
}

func newTopicNames() *topicNames {
	recent, _ := lru.New[topicKey, string](topicCacheSize)
	return &topicNames{recent: recent}
}

func (t *topicNames) remember(chat int64, thread int, name string) {
	if name == "" || thread == 0 {
		return
	}
	k := topicKey{chat, thread}
	if old, ok := t.recent.Get(k); ok && old == name {
		return
	}
	t.recent.Add(k, name)
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), topicLookupTimeout)
	defer cancel()
	if err := t.store.PutTopicName(ctx, strconv.FormatInt(chat, 10), strconv.Itoa(thread), name); err != nil {
		slog.Warn("telegram: topic name not stored", "chat", chat, "thread", thread, "error", err)
	}
}

// name returns the topic of msg. Unknown topics are named by id.
func (t *topicNames) name(msg *telego.Message) string {
	k := topicKey{msg.Chat.ID, msg.MessageThreadID}
	if name, ok := t.recent.Get(k); ok {
		return name
	}
	if reply := msg.ReplyToMessage; reply != nil && reply.ForumTopicCreated != nil {
		t.remember(k.chat, k.thread, reply.ForumTopicCreated.Name)
		return reply.ForumTopicCreated.Name
	}
	if t.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), topicLookupTimeout)
		defer cancel()
		name, err := t.store.GetTopicName(ctx, strconv.FormatInt(k.chat, 10), strconv.Itoa(k.thread))
		if err == nil {
			t.recent.Add(k, name)
			return name
		}
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("telegram: topic lookup failed", "chat", k.chat, "thread", k.thread, "error", err)
		}
	}
	return "#" + strconv.Itoa(k.thread)
}

// learn records names announced by topic service messages and reports
// whether msg was one.
func (t *topicNames) learn(msg *telego.Message) bool {
	switch {
	case msg.ForumTopicCreated != nil:
		t.remember(msg.Chat.ID, msg.MessageThreadID, msg.ForumTopicCreated.Name)
		return true
	case msg.ForumTopicEdited != nil:
		t.remember(msg.Chat.ID, msg.MessageThreadID, msg.ForumTopicEdited.Name)
		return true
	}
	return false
}

func threadParam(threadID string) int {
	id, err := strconv.Atoi(threadID)
	if err != nil {
		return 0
	}
	return id
}
