package pg

import (
	"context"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

func (s *DB) GetTopicName(ctx context.Context, chatID, threadID string) (string, error) {
	var name string
	err := s.db.GetContext(ctx, &name,
		"SELECT name FROM forum_topics WHERE chat_id = $1 AND thread_id = $2", chatID, threadID)
	if err != nil {
		return "", notFound("get topic", err)
	}
	return name, nil
}

func (s *DB) PutTopicName(ctx context.Context, chatID, threadID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO forum_topics (chat_id, thread_id, name, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (chat_id, thread_id) DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`,
		chatID, threadID, name, nowUTC())
	return store.Wrap("put topic", err)
}
