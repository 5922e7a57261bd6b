// Package pairing implements the room pairing workflow.
//
// A Telegram chat requests a pairing with "/bridge room@conference.example".
// The request is kept as a pending pairing for TTL (60 minutes by default).
// The operator then invites the bridge account into the XMPP room, giving the
// instance secret as the invitation reason. A matching secret turns the
// pending pairing into a bound Binding; a mismatch leaves it untouched so the
// invitation can be retried until it expires.
package pairing

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

const (
	// DefaultTTL is how long a pairing request remains confirmable.
	DefaultTTL = 60 * time.Minute
	// DefaultSweepInterval is how often expired requests are purged.
	DefaultSweepInterval = 20 * time.Minute
)

var (
	ErrMissingAddress = errors.New("missing room address")
	ErrInvalidAddress = errors.New("invalid room address")
	ErrAlreadyBound   = errors.New("chat is already bound")
	ErrNoPending      = errors.New("no pending pairing for room")
	ErrAuthentication = errors.New("invitation secret mismatch")
)

// State is the pairing state of a Telegram chat.
type State int

const (
	StateUnbound State = iota
	StatePending
	StateBound
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateBound:
		return "bound"
	default:
		return "unbound"
	}
}

// AddressValidator checks a user supplied room address and returns its
// canonical form.
type AddressValidator func(address string) (string, error)

// Config holds the pairing settings.
type Config struct {
	// Secret must be given as the invitation reason. Empty accepts any reason.
	Secret string
	TTL    time.Duration
}

// Service drives the UNBOUND -> PENDING -> BOUND -> UNBOUND cycle.
type Service struct {
	store    store.BindingStore
	secretMu sync.RWMutex
	secret   string
	ttl      time.Duration
	validate AddressValidator
	locks    *keyedMutex
	now      func() time.Time
}

// NewService creates a pairing service. validate may be nil, in which case
// addresses are only trimmed.
func NewService(bs store.BindingStore, cfg Config, validate AddressValidator) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Service{
		store:    bs,
		secret:   cfg.Secret,
		ttl:      cfg.TTL,
		validate: validate,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// TTL returns the lifetime of a pairing request.
func (s *Service) TTL() time.Duration { return s.ttl }

// SetSecret replaces the instance secret. Used by config hot reload.
func (s *Service) SetSecret(secret string) {
	s.secretMu.Lock()
	s.secret = secret
	s.secretMu.Unlock()
}

func (s *Service) currentSecret() string {
	s.secretMu.RLock()
	defer s.secretMu.RUnlock()
	return s.secret
}

// Request records a pending pairing from chatID to address, replacing any
// earlier request of the chat and resetting its expiry.
func (s *Service) Request(ctx context.Context, chatID, address string) (*store.PendingPairing, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, ErrMissingAddress
	}
	if s.validate != nil {
		canonical, err := s.validate(address)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		address = canonical
	}
	if err := store.ValidateRoomID(address); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	unlock := s.locks.lock(chatKey(chatID), roomKey(address))
	defer unlock()

	if _, err := s.store.FindBinding(ctx, store.NetworkTelegram, chatID); err == nil {
		return nil, ErrAlreadyBound
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	p := store.PendingPairing{
		ChatID:      chatID,
		RoomAddress: address,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.store.SavePending(ctx, p); err != nil {
		return nil, err
	}

	slog.Info("pairing requested", "chat", chatID, "room", address, "expires_at", p.ExpiresAt)
	return &p, nil
}

// Confirm completes the pending pairing targeting address. join is called
// after the secret check and before the binding is persisted; if it fails the
// pending request is kept. Confirm returns only after the binding is durable.
func (s *Service) Confirm(ctx context.Context, address, secret string, join func(context.Context) error) (*store.Binding, error) {
	unlock := s.locks.lock(roomKey(address))
	p, err := s.pendingFor(ctx, address)
	unlock()
	if err != nil {
		return nil, err
	}

	unlock = s.locks.lock(chatKey(p.ChatID), roomKey(address))
	defer unlock()

	// Re-read under both locks: the chat may have moved its request meanwhile.
	p, err = s.pendingFor(ctx, address)
	if err != nil {
		return nil, err
	}

	configured := s.currentSecret()
	if !secretMatches(configured, secret) {
		slog.Warn("pairing: invitation secret mismatch", "chat", p.ChatID, "room", address)
		return nil, ErrAuthentication
	}

	if join != nil {
		if err := join(ctx); err != nil {
			return nil, fmt.Errorf("join %s: %w", address, err)
		}
	}

	b := store.Binding{
		ID:          store.GenNewID(),
		ChatID:      p.ChatID,
		RoomAddress: p.RoomAddress,
		Status:      store.StatusBound,
		Secret:      configured,
		CreatedAt:   s.now(),
	}
	if err := s.store.ConfirmPending(ctx, *p, b); err != nil {
		return nil, err
	}

	slog.Info("pairing confirmed", "binding", b.ID, "chat", b.ChatID, "room", b.RoomAddress)
	return &b, nil
}

// Unbind removes a binding. Removing an already removed binding is a no-op.
func (s *Service) Unbind(ctx context.Context, b *store.Binding) error {
	unlock := s.locks.lock(chatKey(b.ChatID), roomKey(b.RoomAddress))
	defer unlock()

	if err := s.store.DeleteBinding(ctx, b.ID); err != nil {
		return err
	}
	slog.Info("binding removed", "binding", b.ID, "chat", b.ChatID, "room", b.RoomAddress)
	return nil
}

// State reports the pairing state of a Telegram chat.
func (s *Service) State(ctx context.Context, chatID string) (State, error) {
	if _, err := s.store.FindBinding(ctx, store.NetworkTelegram, chatID); err == nil {
		return StateBound, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return StateUnbound, err
	}

	p, err := s.store.GetPendingByChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return StateUnbound, nil
	}
	if err != nil {
		return StateUnbound, err
	}
	if p.Expired(s.now()) {
		return StateUnbound, nil
	}
	return StatePending, nil
}

// Sweep purges expired pending requests and returns how many were removed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	n, err := s.store.PurgeExpiredPending(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("pairing: expired requests purged", "count", n)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.Warn("pairing: sweep failed", "error", err)
			}
		}
	}
}

// pendingFor returns the live pending request targeting address, discarding
// it when expired.
func (s *Service) pendingFor(ctx context.Context, address string) (*store.PendingPairing, error) {
	p, err := s.store.GetPendingByAddress(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoPending
	}
	if err != nil {
		return nil, err
	}
	if p.Expired(s.now()) {
		if err := s.store.DeletePending(ctx, p.ChatID); err != nil {
			slog.Warn("pairing: purge expired request failed", "chat", p.ChatID, "error", err)
		}
		return nil, ErrNoPending
	}
	return p, nil
}

func secretMatches(configured, given string) bool {
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(given)) == 1
}

func chatKey(id string) string   { return "chat:" + id }
func roomKey(addr string) string { return "room:" + addr }
