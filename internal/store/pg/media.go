package pg

import (
	"context"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

func (s *DB) GetMediaURL(ctx context.Context, key string) (string, error) {
	var url string
	if err := s.db.GetContext(ctx, &url, "SELECT url FROM media_cache WHERE key = $1", key); err != nil {
		return "", notFound("get media", err)
	}
	return url, nil
}

func (s *DB) PutMediaURL(ctx context.Context, key, url string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO media_cache (key, url, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET url = EXCLUDED.url, updated_at = EXCLUDED.updated_at`,
		key, url, nowUTC())
	return store.Wrap("put media", err)
}
