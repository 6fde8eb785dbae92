package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// DefaultStoreTimeout is the default timeout used for any interaction with
// the storage/database.
var DefaultStoreTimeout = time.Second * 10

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence collaborator for the sync engine. All reads and
// writes for an account go through here under the account's single-writer
// discipline: only the active command or planner for an account mutates its
// rows.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at dbPath, applies pragmas
// and migrations, and returns a ready Store.
func Open(dbPath string) (*Store, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	if err := ApplyMigrations(db, dbPath); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewStore wraps an already-open connection. Used by tests with in-memory
// databases.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// TxFunc is the function signature for transaction callbacks.
type TxFunc func(ctx context.Context, tx *sqlx.Tx) error

// WithTx executes the given function within a database transaction. If the
// function returns an error, the transaction is rolled back. Otherwise, it
// is committed.
func (s *Store) WithTx(ctx context.Context, fn TxFunc) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		// Attempt rollback, but prioritize returning the original
		// error.
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %w, rollback error: %v",
				err, rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// mapNotFound converts sql.ErrNoRows into the package-level sentinel so
// callers can use errors.Is without importing database/sql.
func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	return err
}
