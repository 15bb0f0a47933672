// Package store persists item state in a SQLite database. Every mutation runs
// in its own transaction and the database file is the source of truth for
// expiry timers across restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var (
	ErrNotFound         = errors.New("item not found")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Item is the durable state of a single toggle. ExpiryAt is milliseconds
// since the epoch, zero when the item does not expire.
type Item struct {
	Key      string
	Name     string
	ExpiryAt int64
}

type Store struct {
	database *sql.DB
}

// Open opens or creates the database at path and ensures the items table
// exists. Any failure wraps ErrStoreUnavailable.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, unavailable(err, "open %s", path)
	}
	// sqlite serialises writers anyway and a single connection keeps
	// ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable(err, "ping %s", path)
	}
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS items (
		key text not null primary key,
		name text not null default '',
		expiry_at integer not null default 0
		)`,
	); err != nil {
		_ = db.Close()
		return nil, unavailable(err, "create table")
	}
	return &Store{database: db}, nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) Get(ctx context.Context, key string) (Item, error) {
	item := Item{Key: key}
	if err := s.database.QueryRowContext(
		ctx, `SELECT name, expiry_at FROM items WHERE key = ?`, key,
	).Scan(&item.Name, &item.ExpiryAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, errors.Wrapf(ErrNotFound, "%q", key)
		}
		return Item{}, unavailable(err, "get %q", key)
	}
	return item, nil
}

// Put creates or overwrites the item stored under key.
func (s *Store) Put(ctx context.Context, key, name string, expiryAt int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO items (key, name, expiry_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET name = excluded.name, expiry_at = excluded.expiry_at`,
			key, name, expiryAt,
		); err != nil {
			return errors.Wrapf(err, "put %q", key)
		}
		return nil
	})
}

// Ensure creates an idle item under key unless one already exists.
func (s *Store) Ensure(ctx context.Context, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO items (key, name, expiry_at) VALUES (?, '', 0)`, key,
		); err != nil {
			return errors.Wrapf(err, "ensure %q", key)
		}
		return nil
	})
}

// ListAll returns every item ordered by key, read from a single transaction.
func (s *Store) ListAll(ctx context.Context) ([]Item, error) {
	items := make([]Item, 0)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT key, name, expiry_at FROM items ORDER BY key`)
		if err != nil {
			return errors.Wrap(err, "query items")
		}
		defer rows.Close()
		for rows.Next() {
			var item Item
			if err := rows.Scan(&item.Key, &item.Name, &item.ExpiryAt); err != nil {
				return errors.Wrap(err, "scan item")
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) inTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return unavailable(err, "begin")
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := f(tx); err != nil {
		return unavailable(err, "")
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err, "commit")
	}
	return nil
}

// unavailable marks err as ErrStoreUnavailable while keeping it matchable
// with errors.Is.
func unavailable(err error, format string, args ...any) error {
	if format == "" {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, fmt.Sprintf(format, args...), err)
}
