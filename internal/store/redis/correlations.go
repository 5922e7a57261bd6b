// Package redis keeps message correlations in Redis, for deployments that
// share one correlation index between restarts of several bridge hosts.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

const defaultPrefix = "mucbridge:corr:"

// CorrelationStore implements store.CorrelationStore on a hash of entries
// plus a list holding their creation order.
type CorrelationStore struct {
	client *goredis.Client
	prefix string
}

// Open parses a redis:// URL and verifies the connection.
func Open(ctx context.Context, url string) (*CorrelationStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client), nil
}

// New wraps an existing client.
func New(client *goredis.Client) *CorrelationStore {
	return &CorrelationStore{client: client, prefix: defaultPrefix}
}

func (s *CorrelationStore) Close() error {
	return s.client.Close()
}

func (s *CorrelationStore) entriesKey(bindingID uuid.UUID) string {
	return s.prefix + bindingID.String()
}

func (s *CorrelationStore) orderKey(bindingID uuid.UUID) string {
	return s.prefix + bindingID.String() + ":order"
}

func field(n store.Network, sourceID string) string {
	return string(n) + "|" + sourceID
}

// SaveCorrelation upserts c and trims the partition to the newest keep entries.
// Re-saving an existing source moves it to the newest end.
func (s *CorrelationStore) SaveCorrelation(ctx context.Context, c store.Correlation, keep int) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return store.Wrap("save correlation", err)
	}
	entries, order := s.entriesKey(c.BindingID), s.orderKey(c.BindingID)
	f := field(c.SourceNetwork, c.SourceID)

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, order, 0, f)
		pipe.RPush(ctx, order, f)
		pipe.HSet(ctx, entries, f, payload)
		return nil
	})
	if err != nil {
		return store.Wrap("save correlation", err)
	}
	if keep <= 0 {
		return nil
	}

	n, err := s.client.LLen(ctx, order).Result()
	if err != nil {
		return store.Wrap("save correlation", err)
	}
	excess := n - int64(keep)
	if excess <= 0 {
		return nil
	}
	evicted, err := s.client.LPopCount(ctx, order, int(excess)).Result()
	if err != nil {
		return store.Wrap("save correlation", err)
	}
	if len(evicted) > 0 {
		if err := s.client.HDel(ctx, entries, evicted...).Err(); err != nil {
			return store.Wrap("save correlation", err)
		}
	}
	return nil
}

// ListCorrelations returns up to limit of the newest entries, oldest first.
func (s *CorrelationStore) ListCorrelations(ctx context.Context, bindingID uuid.UUID, limit int) ([]store.Correlation, error) {
	if limit <= 0 {
		return nil, nil
	}
	fields, err := s.client.LRange(ctx, s.orderKey(bindingID), -int64(limit), -1).Result()
	if err != nil {
		return nil, store.Wrap("list correlations", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.entriesKey(bindingID), fields...).Result()
	if err != nil {
		return nil, store.Wrap("list correlations", err)
	}

	result := make([]store.Correlation, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var c store.Correlation
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

func (s *CorrelationStore) DeleteCorrelations(ctx context.Context, bindingID uuid.UUID) error {
	err := s.client.Del(ctx, s.entriesKey(bindingID), s.orderKey(bindingID)).Err()
	return store.Wrap("delete correlations", err)
}
