package store

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// BindingIDKey is the context key for the binding being processed.
	BindingIDKey contextKey = "mucbridge_binding_id"
	// NetworkKey is the context key for the network an event came from.
	NetworkKey contextKey = "mucbridge_network"
)

// WithBindingID returns a new context with the given binding id.
func WithBindingID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, BindingIDKey, id)
}

// BindingIDFromContext extracts the binding id from context. Returns uuid.Nil if not set.
func BindingIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(BindingIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithNetwork returns a new context with the given source network.
func WithNetwork(ctx context.Context, n Network) context.Context {
	return context.WithValue(ctx, NetworkKey, n)
}

// NetworkFromContext extracts the source network from context. Returns "" if not set.
func NetworkFromContext(ctx context.Context) Network {
	if v, ok := ctx.Value(NetworkKey).(Network); ok {
		return v
	}
	return ""
}
