package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

const (
	pendingColumns = "chat_id, room_address, created_at, expires_at"
	bindingColumns = "id, chat_id, room_address, status, secret, created_at"
)

func (s *DB) SavePending(ctx context.Context, p store.PendingPairing) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return store.Wrap("save pending", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pending_pairings WHERE chat_id = $1 OR room_address = $2",
		p.ChatID, p.RoomAddress); err != nil {
		return store.Wrap("save pending", err)
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO pending_pairings (`+pendingColumns+`)
		 VALUES (:chat_id, :room_address, :created_at, :expires_at)`, p); err != nil {
		return store.Wrap("save pending", err)
	}
	return store.Wrap("save pending", tx.Commit())
}

func (s *DB) GetPendingByChat(ctx context.Context, chatID string) (*store.PendingPairing, error) {
	var p store.PendingPairing
	err := s.db.GetContext(ctx, &p,
		"SELECT "+pendingColumns+" FROM pending_pairings WHERE chat_id = $1", chatID)
	if err != nil {
		return nil, notFound("get pending", err)
	}
	return &p, nil
}

func (s *DB) GetPendingByAddress(ctx context.Context, address string) (*store.PendingPairing, error) {
	var p store.PendingPairing
	err := s.db.GetContext(ctx, &p,
		"SELECT "+pendingColumns+" FROM pending_pairings WHERE room_address = $1 ORDER BY created_at DESC LIMIT 1",
		address)
	if err != nil {
		return nil, notFound("get pending", err)
	}
	return &p, nil
}

func (s *DB) DeletePending(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_pairings WHERE chat_id = $1", chatID)
	return store.Wrap("delete pending", err)
}

func (s *DB) PurgeExpiredPending(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM pending_pairings WHERE expires_at <= $1", now)
	if err != nil {
		return 0, store.Wrap("purge pending", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *DB) ListPending(ctx context.Context) ([]store.PendingPairing, error) {
	var result []store.PendingPairing
	err := s.db.SelectContext(ctx, &result,
		"SELECT "+pendingColumns+" FROM pending_pairings ORDER BY created_at DESC")
	return result, store.Wrap("list pending", err)
}

func (s *DB) ConfirmPending(ctx context.Context, p store.PendingPairing, b store.Binding) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return store.Wrap("confirm pending", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_pairings WHERE chat_id = $1", p.ChatID); err != nil {
		return store.Wrap("confirm pending", err)
	}

	b.Status = store.StatusBound
	if b.CreatedAt.IsZero() {
		b.CreatedAt = nowUTC()
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO bindings (`+bindingColumns+`)
		 VALUES (:id, :chat_id, :room_address, :status, :secret, :created_at)`, b); err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return store.Wrap("confirm pending", err)
	}
	return store.Wrap("confirm pending", tx.Commit())
}

func (s *DB) GetBinding(ctx context.Context, id uuid.UUID) (*store.Binding, error) {
	var b store.Binding
	if err := s.db.GetContext(ctx, &b, "SELECT "+bindingColumns+" FROM bindings WHERE id = $1", id); err != nil {
		return nil, notFound("get binding", err)
	}
	return &b, nil
}

func (s *DB) FindBinding(ctx context.Context, network store.Network, roomID string) (*store.Binding, error) {
	column := "room_address"
	if network == store.NetworkTelegram {
		column = "chat_id"
	}
	var b store.Binding
	if err := s.db.GetContext(ctx, &b,
		"SELECT "+bindingColumns+" FROM bindings WHERE "+column+" = $1", roomID); err != nil {
		return nil, notFound("find binding", err)
	}
	return &b, nil
}

func (s *DB) ListBindings(ctx context.Context) ([]store.Binding, error) {
	var result []store.Binding
	err := s.db.SelectContext(ctx, &result, "SELECT "+bindingColumns+" FROM bindings ORDER BY created_at")
	return result, store.Wrap("list bindings", err)
}

// DeleteBinding relies on ON DELETE CASCADE for the correlation rows.
func (s *DB) DeleteBinding(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM bindings WHERE id = $1", id)
	return store.Wrap("delete binding", err)
}

func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return store.Wrap(op, err)
}
