package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// BindingStore persists room pairs and pending pairing requests.
type BindingStore interface {
	// SavePending stores p, replacing any pending request from the same chat
	// and any pending request targeting the same room address.
	SavePending(ctx context.Context, p PendingPairing) error
	GetPendingByChat(ctx context.Context, chatID string) (*PendingPairing, error)
	GetPendingByAddress(ctx context.Context, address string) (*PendingPairing, error)
	DeletePending(ctx context.Context, chatID string) error
	PurgeExpiredPending(ctx context.Context, now time.Time) (int, error)
	ListPending(ctx context.Context) ([]PendingPairing, error)

	// ConfirmPending atomically discards p and inserts b.
	// Returns ErrConflict when either room is already bound.
	ConfirmPending(ctx context.Context, p PendingPairing, b Binding) error

	GetBinding(ctx context.Context, id uuid.UUID) (*Binding, error)
	FindBinding(ctx context.Context, network Network, roomID string) (*Binding, error)
	ListBindings(ctx context.Context) ([]Binding, error)

	// DeleteBinding removes the binding and its correlations. Deleting an
	// unknown id is not an error.
	DeleteBinding(ctx context.Context, id uuid.UUID) error
}

// CorrelationStore persists message correlations per binding.
type CorrelationStore interface {
	// SaveCorrelation upserts c and trims the binding's partition to the
	// newest keep entries.
	SaveCorrelation(ctx context.Context, c Correlation, keep int) error
	// ListCorrelations returns up to limit of the newest entries, oldest first.
	ListCorrelations(ctx context.Context, bindingID uuid.UUID, limit int) ([]Correlation, error)
	DeleteCorrelations(ctx context.Context, bindingID uuid.UUID) error
}

// MediaCache maps a stable file key (e.g. Telegram file_unique_id) to an
// already published URL.
type MediaCache interface {
	GetMediaURL(ctx context.Context, key string) (string, error)
	PutMediaURL(ctx context.Context, key, url string) error
}

// TopicCache remembers Telegram forum topic names, which the Bot API only
// reports when a topic is created or renamed.
type TopicCache interface {
	GetTopicName(ctx context.Context, chatID, threadID string) (string, error)
	PutTopicName(ctx context.Context, chatID, threadID, name string) error
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Bindings     BindingStore
	Correlations CorrelationStore
	Media        MediaCache
	Topics       TopicCache

	closers []func() error
}

// OnClose registers fn to run when the stores are closed.
func (s *Stores) OnClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases every backend, returning the joined errors.
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
