package sqlite

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

func (s *DB) SaveCorrelation(ctx context.Context, c store.Correlation, keep int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap("save correlation", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO message_correlations
			(binding_id, source_network, source_id, target_network, target_id, thread, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.BindingID.String(), string(c.SourceNetwork), c.SourceID, string(c.TargetNetwork), c.TargetID, c.Thread, c.CreatedAt.UnixMilli())
	if err != nil {
		return store.Wrap("save correlation", err)
	}

	if keep > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM message_correlations WHERE binding_id = ? AND rowid NOT IN (
				SELECT rowid FROM message_correlations WHERE binding_id = ?
				ORDER BY created_at DESC, rowid DESC LIMIT ?)`,
			c.BindingID.String(), c.BindingID.String(), keep)
		if err != nil {
			return store.Wrap("trim correlations", err)
		}
	}
	return store.Wrap("save correlation", tx.Commit())
}

func (s *DB) ListCorrelations(ctx context.Context, bindingID uuid.UUID, limit int) ([]store.Correlation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_network, source_id, target_network, target_id, thread, created_at FROM (
			SELECT rowid AS seq, source_network, source_id, target_network, target_id, thread, created_at
			FROM message_correlations WHERE binding_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		) ORDER BY created_at ASC, seq ASC`,
		bindingID.String(), limit)
	if err != nil {
		return nil, store.Wrap("list correlations", err)
	}
	defer rows.Close()

	var result []store.Correlation
	for rows.Next() {
		c := store.Correlation{BindingID: bindingID}
		var src, dst string
		var createdAt int64
		if err := rows.Scan(&src, &c.SourceID, &dst, &c.TargetID, &c.Thread, &createdAt); err != nil {
			return nil, store.Wrap("list correlations", err)
		}
		c.SourceNetwork = store.Network(src)
		c.TargetNetwork = store.Network(dst)
		c.CreatedAt = time.UnixMilli(createdAt)
		result = append(result, c)
	}
	return result, store.Wrap("list correlations", rows.Err())
}

func (s *DB) DeleteCorrelations(ctx context.Context, bindingID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM message_correlations WHERE binding_id = ?", bindingID.String())
	return store.Wrap("delete correlations", err)
}
