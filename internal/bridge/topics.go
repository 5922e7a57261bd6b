package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/mucbridge/internal/correlation"
)

// DefaultTopicStick is how long an XMPP participant keeps posting into the
// forum topic they last replied into.
const DefaultTopicStick = 10 * time.Second

// stickyPrune bounds the tracker before expired entries are swept.
const stickyPrune = 256

type stickyKey struct {
	binding uuid.UUID
	sender  string
}

type stickyTopic struct {
	thread string
	at     time.Time
}

// topicTracker picks the Telegram forum topic for messages coming from XMPP,
// which has no notion of topics. A reply lands in the topic of the message it
// answers, and the sender's next messages follow it while they keep talking.
type topicTracker struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[stickyKey]stickyTopic
}

func newTopicTracker(window time.Duration) *topicTracker {
	if window <= 0 {
		window = DefaultTopicStick
	}
	return &topicTracker{window: window, now: time.Now, last: make(map[stickyKey]stickyTopic)}
}

// route returns the thread for a message of sender. replied is the resolved
// target of the message it replies to, if any.
func (t *topicTracker) route(binding uuid.UUID, sender string, replied correlation.Target, resolved bool) string {
	k := stickyKey{binding, sender}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.last) >= stickyPrune {
		t.pruneLocked(now)
	}
	if resolved {
		if replied.Thread == "" {
			delete(t.last, k)
			return ""
		}
		t.last[k] = stickyTopic{replied.Thread, now}
		return replied.Thread
	}
	s, ok := t.last[k]
	if !ok {
		return ""
	}
	if now.Sub(s.at) > t.window {
		delete(t.last, k)
		return ""
	}
	t.last[k] = stickyTopic{s.thread, now}
	return s.thread
}

func (t *topicTracker) forget(binding uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.last {
		if k.binding == binding {
			delete(t.last, k)
		}
	}
}

func (t *topicTracker) pruneLocked(now time.Time) {
	for k, s := range t.last {
		if now.Sub(s.at) > t.window {
			delete(t.last, k)
		}
	}
}

// topicSender marks a Telegram sender with the forum topic they posted in.
func topicSender(name, topic string) string {
	if topic == "" {
		return name
	}
	return name + " [" + topic + "]"
}
