// Package sqlstore implements storage.Store on top of database/sql,
// generalized from the teacher's internal/db/postgres.go (same
// tx.Begin / deferred tx.Rollback-on-error pattern, same connection-pool
// tuning) but operating on one generic (collection, key, value) table
// instead of chat-specific schema. Works against github.com/lib/pq
// (Postgres — a desktop/server-embedded deployment sharing a box with
// other services) or github.com/mattn/go-sqlite3 (a single local file)
// depending on which driver name is passed to Open.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/obscura-chat/core/internal/storage"
)

// Store wraps a *sql.DB holding one table: kv_store(collection, key, value).
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects using driverName ("postgres" or "sqlite3") and dsn, and
// ensures the kv_store table exists.
func Open(driverName, dsn string) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driverName, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}

	s := &Store{db: db, driver: driverName}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	valueType := "BLOB"
	if s.driver == "postgres" {
		valueType = "BYTEA"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS kv_store (
		collection TEXT NOT NULL,
		key TEXT NOT NULL,
		value %s NOT NULL,
		PRIMARY KEY (collection, key)
	)`, valueType)
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlstore: close: %w", err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(storage.Txn) error) error {
	return s.runTxn(ctx, fn)
}

func (s *Store) Update(ctx context.Context, fn func(storage.Txn) error) error {
	return s.runTxn(ctx, fn)
}

func (s *Store) runTxn(ctx context.Context, fn func(storage.Txn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			// Best-effort cleanup; the original error (if any) already
			// propagated to the caller.
		}
	}()

	t := &txn{ctx: ctx, tx: tx, driver: s.driver}
	if err := fn(t); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

type txn struct {
	ctx    context.Context
	tx     *sql.Tx
	driver string
}

// ph returns the dialect-appropriate positional placeholder syntax:
// sqlite3 uses "?", postgres uses "$1", "$2", ...
func (t *txn) ph(n int) string {
	if t.driver == "sqlite3" {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

func (t *txn) Get(collection, key string) ([]byte, error) {
	var value []byte
	query := fmt.Sprintf(`SELECT value FROM kv_store WHERE collection = %s AND key = %s`, t.ph(1), t.ph(2))
	row := t.tx.QueryRowContext(t.ctx, query, collection, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlstore: get %s/%s: %w", collection, key, err)
	}
	return value, nil
}

func (t *txn) Put(collection, key string, value []byte) error {
	upsert := t.upsertStatement()
	if _, err := t.tx.ExecContext(t.ctx, upsert, collection, key, value); err != nil {
		return fmt.Errorf("sqlstore: put %s/%s: %w", collection, key, err)
	}
	return nil
}

// upsertStatement returns a dialect-appropriate INSERT .. ON CONFLICT,
// since sqlite3 and postgres both support the clause but use different
// placeholder styles.
func (t *txn) upsertStatement() string {
	if t.driver == "sqlite3" {
		return `INSERT INTO kv_store (collection, key, value) VALUES (?, ?, ?)
			ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value`
	}
	return `INSERT INTO kv_store (collection, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (collection, key) DO UPDATE SET value = excluded.value`
}

func (t *txn) Delete(collection, key string) error {
	query := fmt.Sprintf(`DELETE FROM kv_store WHERE collection = %s AND key = %s`, t.ph(1), t.ph(2))
	if _, err := t.tx.ExecContext(t.ctx, query, collection, key); err != nil {
		return fmt.Errorf("sqlstore: delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func (t *txn) Iterate(collection string, fn func(key string, value []byte) error) error {
	query := fmt.Sprintf(`SELECT key, value FROM kv_store WHERE collection = %s`, t.ph(1))
	rows, err := t.tx.QueryContext(t.ctx, query, collection)
	if err != nil {
		return fmt.Errorf("sqlstore: iterate %s: %w", collection, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("sqlstore: scan %s: %w", collection, err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}
