package store

import (
	"time"

	"github.com/google/uuid"
)

// Network identifies one side of the bridge.
type Network string

const (
	NetworkTelegram Network = "telegram"
	NetworkXMPP     Network = "xmpp"
)

// Opposite returns the other side of the bridge.
func (n Network) Opposite() Network {
	if n == NetworkTelegram {
		return NetworkXMPP
	}
	return NetworkTelegram
}

// Valid reports whether n is one of the known networks.
func (n Network) Valid() bool {
	return n == NetworkTelegram || n == NetworkXMPP
}

// BindingStatus is the lifecycle state of a room pair.
type BindingStatus string

const (
	StatusPending BindingStatus = "pending"
	StatusBound   BindingStatus = "bound"
)

// Binding links a Telegram chat with an XMPP multi-user chat room.
// Persisted bindings are always BOUND; the pending half lives in PendingPairing.
type Binding struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	ChatID      string        `json:"chat_id" db:"chat_id"`
	RoomAddress string        `json:"room_address" db:"room_address"`
	Status      BindingStatus `json:"status" db:"status"`
	Secret      string        `json:"secret" db:"secret"` // configured secret at creation time, for audit
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// RoomID returns the room identifier of the given side.
func (b *Binding) RoomID(n Network) string {
	if n == NetworkTelegram {
		return b.ChatID
	}
	return b.RoomAddress
}

// PendingPairing is an unconfirmed binding request issued from a Telegram chat.
type PendingPairing struct {
	ChatID      string    `json:"chat_id" db:"chat_id"`
	RoomAddress string    `json:"room_address" db:"room_address"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the pending request can no longer be confirmed.
func (p *PendingPairing) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Correlation remembers that SourceID on SourceNetwork was forwarded as
// TargetID on TargetNetwork within one binding.
type Correlation struct {
	BindingID     uuid.UUID `json:"binding_id" db:"binding_id"`
	SourceNetwork Network   `json:"source_network" db:"source_network"`
	SourceID      string    `json:"source_id" db:"source_id"`
	TargetNetwork Network   `json:"target_network" db:"target_network"`
	TargetID      string    `json:"target_id" db:"target_id"`
	// Thread is the Telegram forum topic of the Telegram side message, if any.
	Thread    string    `json:"thread,omitempty" db:"thread"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Reverse returns the correlation seen from the target side.
func (c Correlation) Reverse() Correlation {
	return Correlation{
		BindingID:     c.BindingID,
		SourceNetwork: c.TargetNetwork,
		SourceID:      c.TargetID,
		TargetNetwork: c.SourceNetwork,
		TargetID:      c.SourceID,
		Thread:        c.Thread,
		CreatedAt:     c.CreatedAt,
	}
}

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// StoreConfig configures the store layer.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string

	// Path is the SQLite database file (sqlite driver).
	Path string

	// PostgresDSN is the Postgres connection string (postgres driver).
	PostgresDSN string

	// Correlations selects where message correlations live: "sql" (default, same database)
	// or "redis".
	Correlations string

	// RedisURL is used when Correlations is "redis".
	RedisURL string
}

// UsesRedis reports whether correlations are kept in Redis.
func (c StoreConfig) UsesRedis() bool {
	return c.Correlations == "redis"
}
