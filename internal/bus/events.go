package bus

import (
	"time"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

// EventKind classifies a normalized inbound event.
type EventKind string

const (
	KindMessage    EventKind = "message"    // new message, possibly a reply or with media
	KindEdit       EventKind = "edit"       // correction of an earlier message
	KindMembership EventKind = "membership" // someone else joined or left
	KindRemoved    EventKind = "removed"    // the bridge itself was kicked, banned or left
	KindInvite     EventKind = "invite"     // the bridge was invited into an XMPP room
	KindCommand    EventKind = "command"    // bot command issued in a Telegram chat
)

// Event is what adapters publish on the bus. Fields that do not apply to the
// kind are left zero.
type Event struct {
	// ID is unique per network and used for deduplication.
	ID      string
	Kind    EventKind
	Network store.Network
	// RoomID is the Telegram chat id or the bare room JID.
	RoomID string
	// ThreadID and Topic name the Telegram forum topic the event was posted
	// in. Both are empty outside forum topics.
	ThreadID string
	Topic    string
	// MessageID is the source message id for messages, or the edited
	// message id for edits.
	MessageID string
	Sender    Sender
	Text      string
	Reply     *ReplyRef
	Media     []Media

	Membership *Membership
	Invite     *Invite
	Command    *Command

	Received time.Time
}

// Sender identifies the author of an event on its own network.
type Sender struct {
	ID          string
	DisplayName string
}

// ReplyRef points at the message being replied to.
type ReplyRef struct {
	MessageID string
	// Author and Excerpt are a best-effort copy of the quoted message,
	// used when the reply cannot be resolved natively.
	Author  string
	Excerpt string
}

// MediaKind is the kind of an attachment.
type MediaKind string

const (
	MediaPhoto           MediaKind = "photo"
	MediaVideo           MediaKind = "video"
	MediaAudio           MediaKind = "audio"
	MediaVoice           MediaKind = "voice"
	MediaDocument        MediaKind = "document"
	MediaSticker         MediaKind = "sticker"
	MediaAnimation       MediaKind = "animation"
	MediaAnimatedSticker MediaKind = "animated_sticker"
)

// Media describes one attachment. Bytes are never carried on the bus.
type Media struct {
	Kind     MediaKind
	Name     string
	MIMEType string
	Size     int64
	// URL is set when the attachment is already publicly reachable.
	URL string
	// FileID is the network specific handle used to fetch the file.
	FileID string
	// UniqueID is stable across re-sends of the same file and keys the media cache.
	UniqueID string
}

// MemberAction is what happened to a room member.
type MemberAction string

const (
	MemberJoined MemberAction = "joined"
	MemberLeft   MemberAction = "left"
)

type Membership struct {
	Action MemberAction
	Nick   string
	// Reason is the kick or ban reason, if any.
	Reason string
}

// Invite is an invitation of the bridge into an XMPP room.
type Invite struct {
	Room string
	From string
	// Reason carries the pairing secret.
	Reason   string
	Password string
	// Mediated is true for invitations relayed by the room (XEP-0045), which
	// can be declined; direct invitations (XEP-0249) cannot.
	Mediated bool
}

// Command is a parsed bot command.
type Command struct {
	Name string
	Args []string
}

// Arg returns the i-th argument or "".
func (c *Command) Arg(i int) string {
	if c == nil || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// DedupeKey identifies the event across redeliveries.
func (e *Event) DedupeKey() string {
	if e.ID == "" {
		return ""
	}
	return string(e.Network) + ":" + string(e.Kind) + ":" + e.ID
}
