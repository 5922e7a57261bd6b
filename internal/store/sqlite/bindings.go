package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

func (s *DB) SavePending(ctx context.Context, p store.PendingPairing) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap("save pending", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pending_pairings WHERE chat_id = ? OR room_address = ?",
		p.ChatID, p.RoomAddress); err != nil {
		return store.Wrap("save pending", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending_pairings (chat_id, room_address, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		p.ChatID, p.RoomAddress, p.CreatedAt.UnixMilli(), p.ExpiresAt.UnixMilli()); err != nil {
		return store.Wrap("save pending", err)
	}
	return store.Wrap("save pending", tx.Commit())
}

func (s *DB) GetPendingByChat(ctx context.Context, chatID string) (*store.PendingPairing, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT chat_id, room_address, created_at, expires_at FROM pending_pairings WHERE chat_id = ?", chatID)
	return scanPending(row, "get pending")
}

func (s *DB) GetPendingByAddress(ctx context.Context, address string) (*store.PendingPairing, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, room_address, created_at, expires_at FROM pending_pairings
		 WHERE room_address = ? ORDER BY created_at DESC LIMIT 1`, address)
	return scanPending(row, "get pending")
}

func (s *DB) DeletePending(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_pairings WHERE chat_id = ?", chatID)
	return store.Wrap("delete pending", err)
}

func (s *DB) PurgeExpiredPending(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM pending_pairings WHERE expires_at <= ?", now.UnixMilli())
	if err != nil {
		return 0, store.Wrap("purge pending", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *DB) ListPending(ctx context.Context) ([]store.PendingPairing, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT chat_id, room_address, created_at, expires_at FROM pending_pairings ORDER BY created_at DESC")
	if err != nil {
		return nil, store.Wrap("list pending", err)
	}
	defer rows.Close()

	var result []store.PendingPairing
	for rows.Next() {
		p, err := scanPending(rows, "list pending")
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, store.Wrap("list pending", rows.Err())
}

func (s *DB) ConfirmPending(ctx context.Context, p store.PendingPairing, b store.Binding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap("confirm pending", err)
	}
	defer tx.Rollback()

	var taken int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM bindings WHERE chat_id = ? OR room_address = ?",
		b.ChatID, b.RoomAddress).Scan(&taken); err != nil {
		return store.Wrap("confirm pending", err)
	}
	if taken > 0 {
		return store.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_pairings WHERE chat_id = ?", p.ChatID); err != nil {
		return store.Wrap("confirm pending", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bindings (id, chat_id, room_address, status, secret, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID.String(), b.ChatID, b.RoomAddress, string(store.StatusBound), b.Secret, b.CreatedAt.UnixMilli()); err != nil {
		return store.Wrap("confirm pending", err)
	}
	return store.Wrap("confirm pending", tx.Commit())
}

func (s *DB) GetBinding(ctx context.Context, id uuid.UUID) (*store.Binding, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, chat_id, room_address, status, secret, created_at FROM bindings WHERE id = ?", id.String())
	return scanBinding(row, "get binding")
}

func (s *DB) FindBinding(ctx context.Context, network store.Network, roomID string) (*store.Binding, error) {
	column := "room_address"
	if network == store.NetworkTelegram {
		column = "chat_id"
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT id, chat_id, room_address, status, secret, created_at FROM bindings WHERE "+column+" = ?", roomID)
	return scanBinding(row, "find binding")
}

func (s *DB) ListBindings(ctx context.Context) ([]store.Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, chat_id, room_address, status, secret, created_at FROM bindings ORDER BY created_at")
	if err != nil {
		return nil, store.Wrap("list bindings", err)
	}
	defer rows.Close()

	var result []store.Binding
	for rows.Next() {
		b, err := scanBinding(rows, "list bindings")
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}
	return result, store.Wrap("list bindings", rows.Err())
}

func (s *DB) DeleteBinding(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap("delete binding", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM message_correlations WHERE binding_id = ?", id.String()); err != nil {
		return store.Wrap("delete binding", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM bindings WHERE id = ?", id.String()); err != nil {
		return store.Wrap("delete binding", err)
	}
	return store.Wrap("delete binding", tx.Commit())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPending(row scanner, op string) (*store.PendingPairing, error) {
	var p store.PendingPairing
	var createdAt, expiresAt int64
	if err := row.Scan(&p.ChatID, &p.RoomAddress, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, store.Wrap(op, err)
	}
	p.CreatedAt = time.UnixMilli(createdAt)
	p.ExpiresAt = time.UnixMilli(expiresAt)
	return &p, nil
}

func scanBinding(row scanner, op string) (*store.Binding, error) {
	var b store.Binding
	var id, status string
	var createdAt int64
	if err := row.Scan(&id, &b.ChatID, &b.RoomAddress, &status, &b.Secret, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, store.Wrap(op, err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, store.Wrap(op, err)
	}
	b.ID = parsed
	b.Status = store.BindingStatus(status)
	b.CreatedAt = time.UnixMilli(createdAt)
	return &b, nil
}
