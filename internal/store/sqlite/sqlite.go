// Package sqlite implements the store interfaces on a local SQLite database.
// It is the default backend for single-node deployments.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/mucbridge/internal/store"
)

// DB is a SQLite-backed BindingStore, CorrelationStore, MediaCache and TopicCache.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at the given path and
// initializes the schema.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Writers would otherwise race for the database lock inside transactions.
	db.SetMaxOpenConns(1)

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("bridge store opened", "driver", "sqlite", "path", dbPath)
	return s, nil
}

// NewStores opens the database and exposes it through store.Stores.
func NewStores(cfg store.StoreConfig) (*store.Stores, *DB, error) {
	db, err := Open(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	stores := &store.Stores{
		Bindings:     db,
		Correlations: db,
		Media:        db,
		Topics:       db,
	}
	stores.OnClose(db.Close)
	return stores, db, nil
}

// Close closes the underlying database.
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bindings (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL UNIQUE,
			room_address TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'bound',
			secret TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_pairings (
			chat_id TEXT PRIMARY KEY,
			room_address TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_room ON pending_pairings(room_address)`,
		`CREATE TABLE IF NOT EXISTS message_correlations (
			binding_id TEXT NOT NULL REFERENCES bindings(id) ON DELETE CASCADE,
			source_network TEXT NOT NULL,
			source_id TEXT NOT NULL,
			target_network TEXT NOT NULL,
			target_id TEXT NOT NULL,
			thread TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (binding_id, source_network, source_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_correlations_age ON message_correlations(binding_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS media_cache (
			key TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)`,
		`CREATE TABLE IF NOT EXISTS forum_topics (
			chat_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			name TEXT NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
			PRIMARY KEY (chat_id, thread_id)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}

	// Databases created before forum topics were bridged lack the column.
	return s.addColumn("message_correlations", "thread", "TEXT NOT NULL DEFAULT ''")
}

func (s *DB) addColumn(table, column, decl string) error {
	rows, err := s.db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
