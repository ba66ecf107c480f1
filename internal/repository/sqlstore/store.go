// Package sqlstore keeps chat state snapshots in a single SQL table,
// on SQLite or MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour of the backing database
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

var schemas = map[Dialect]string{
	DialectSQLite: `CREATE TABLE IF NOT EXISTS chat_snapshots (
		user_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		saved_at TIMESTAMP NOT NULL
	)`,
	DialectMySQL: `CREATE TABLE IF NOT EXISTS chat_snapshots (
		user_id VARCHAR(255) PRIMARY KEY,
		payload LONGTEXT NOT NULL,
		saved_at DATETIME(6) NOT NULL
	)`,
}

var upserts = map[Dialect]string{
	DialectSQLite: `INSERT INTO chat_snapshots (user_id, payload, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
	DialectMySQL: `INSERT INTO chat_snapshots (user_id, payload, saved_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE payload = VALUES(payload), saved_at = VALUES(saved_at)`,
}

// Store implements chatstate.Persister over database/sql
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite opens (creating if needed) a SQLite snapshot file
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	return newStore(ctx, db, DialectSQLite)
}

// OpenMySQL connects to MySQL with a go-sql-driver DSN
func OpenMySQL(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("mysql dsn is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newStore(ctx, db, DialectMySQL)
}

func newStore(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", dialect, err)
	}
	if _, err := db.ExecContext(ctx, schemas[dialect]); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot table: %w", err)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// Load returns nil, nil when the user has no snapshot
func (s *Store) Load(ctx context.Context, userID string) (*chatstate.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM chat_snapshots WHERE user_id = ?`, userID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return chatstate.DecodeSnapshot([]byte(payload))
}

func (s *Store) Save(ctx context.Context, userID string, snap *chatstate.Snapshot) error {
	data, err := chatstate.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upserts[s.dialect], userID, string(data), snap.SavedAt.UTC()); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
