// Package channels defines the capability surface every network adapter
// implements. The bridge engine is written against Adapter only.
package channels

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

var (
	// ErrInvalidAddress is returned by ValidateAddress for malformed room addresses.
	ErrInvalidAddress = errors.New("invalid room address")

	// ErrUnsupportedContent means the target network cannot carry the content
	// kind. Accompanying text must still be delivered.
	ErrUnsupportedContent = errors.New("unsupported content")

	// ErrNotRunning is returned when an adapter is used before Start or after Stop.
	ErrNotRunning = errors.New("adapter not running")
)

// Capabilities describes what a network can represent.
type Capabilities struct {
	// StatusMessages reports whether bridge notices (joins, leaves) may be posted.
	StatusMessages bool
	NativeReplies  bool
	Edits          bool
	Media          bool
	// CaptionLimit is the longest caption a media message can carry; 0 means
	// media cannot carry text at all.
	CaptionLimit int
	// TextLimit is the longest text message.
	TextLimit int
}

// Quote is a fallback rendering of a reply target that could not be
// resolved to a native reply.
type Quote struct {
	Author string
	Text   string
}

// OutboundMessage is a text message to deliver into a room.
type OutboundMessage struct {
	RoomID string
	// Sender is the display name of the original author, rendered as a prefix.
	// Empty for bridge notices.
	Sender string
	Text   string
	// ReplyTo is the target network message id for a native reply.
	ReplyTo string
	// ThreadID is the Telegram forum topic to post in. Other networks ignore it.
	ThreadID string
	Quote    *Quote
	// Notice marks messages generated by the bridge itself.
	Notice bool
}

// OutboundMedia is an attachment to deliver into a room. Media.URL must be
// reachable by the target network.
type OutboundMedia struct {
	RoomID   string
	Sender   string
	Caption  string
	ReplyTo  string
	ThreadID string
	Media    bus.Media
}

// Adapter is the uniform capability set of one chat network. Received events
// are published on the bus passed to the adapter's constructor.
type Adapter interface {
	Name() string
	Network() store.Network
	Start(ctx context.Context) error
	Stop() error

	// ValidateAddress checks a user supplied room address and returns its
	// canonical form, or an error wrapping ErrInvalidAddress.
	ValidateAddress(address string) (string, error)

	// SendText delivers msg and returns the id of the message on this network.
	SendText(ctx context.Context, msg OutboundMessage) (string, error)
	// SendMedia delivers an attachment, returning ErrUnsupportedContent when
	// the kind cannot be represented.
	SendMedia(ctx context.Context, msg OutboundMedia) (string, error)
	// EditMessage replaces the content of a message previously sent by the bridge.
	EditMessage(ctx context.Context, messageID string, msg OutboundMessage) error

	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error

	Capabilities() Capabilities
}

// FileSource is implemented by adapters whose attachments are not publicly
// reachable and must be fetched through the network API.
type FileSource interface {
	// FileURL returns a URL the bridge can download the attachment from.
	// The URL may embed credentials and must not be forwarded as is.
	FileURL(ctx context.Context, m bus.Media) (string, error)
}
