package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

func (s *DB) GetMediaURL(ctx context.Context, key string) (string, error) {
	var url string
	err := s.db.QueryRowContext(ctx, "SELECT url FROM media_cache WHERE key = ?", key).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	return url, store.Wrap("get media url", err)
}

func (s *DB) PutMediaURL(ctx context.Context, key, url string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO media_cache (key, url, updated_at) VALUES (?, ?, strftime('%s','now'))`, key, url)
	return store.Wrap("put media url", err)
}
