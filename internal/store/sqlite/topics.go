package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

func (s *DB) GetTopicName(ctx context.Context, chatID, threadID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM forum_topics WHERE chat_id = ? AND thread_id = ?", chatID, threadID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	return name, store.Wrap("get topic name", err)
}

func (s *DB) PutTopicName(ctx context.Context, chatID, threadID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO forum_topics (chat_id, thread_id, name, updated_at)
		 VALUES (?, ?, ?, strftime('%s','now'))`, chatID, threadID, name)
	return store.Wrap("put topic name", err)
}
