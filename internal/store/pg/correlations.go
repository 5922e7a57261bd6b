package pg

import (
	"context"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

const correlationColumns = "binding_id, source_network, source_id, target_network, target_id, thread, created_at"

// SaveCorrelation upserts c and trims the binding partition to the newest keep rows.
func (s *DB) SaveCorrelation(ctx context.Context, c store.Correlation, keep int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return store.Wrap("save correlation", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO message_correlations (`+correlationColumns+`)
		 VALUES (:binding_id, :source_network, :source_id, :target_network, :target_id, :thread, :created_at)
		 ON CONFLICT (binding_id, source_network, source_id) DO UPDATE SET
		   target_network = EXCLUDED.target_network,
		   target_id = EXCLUDED.target_id,
		   thread = EXCLUDED.thread,
		   created_at = EXCLUDED.created_at`, c); err != nil {
		return store.Wrap("save correlation", err)
	}

	if keep > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM message_correlations WHERE binding_id = $1 AND seq NOT IN (
			   SELECT seq FROM message_correlations WHERE binding_id = $1
			   ORDER BY created_at DESC, seq DESC LIMIT $2)`,
			c.BindingID, keep); err != nil {
			return store.Wrap("save correlation", err)
		}
	}
	return store.Wrap("save correlation", tx.Commit())
}

// ListCorrelations returns up to limit of the newest rows, oldest first.
func (s *DB) ListCorrelations(ctx context.Context, bindingID uuid.UUID, limit int) ([]store.Correlation, error) {
	var result []store.Correlation
	err := s.db.SelectContext(ctx, &result,
		`SELECT `+correlationColumns+` FROM (
		   SELECT `+correlationColumns+`, seq FROM message_correlations WHERE binding_id = $1
		   ORDER BY created_at DESC, seq DESC LIMIT $2
		 ) recent ORDER BY created_at ASC, seq ASC`,
		bindingID, limit)
	return result, store.Wrap("list correlations", err)
}

func (s *DB) DeleteCorrelations(ctx context.Context, bindingID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM message_correlations WHERE binding_id = $1", bindingID)
	return store.Wrap("delete correlations", err)
}
