package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection for one account's archive.
type DB struct {
	*sql.DB
	x *sqlx.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Transactions take the write lock up front so concurrent upserts queue on
// busy_timeout instead of failing on lock upgrade.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, x: sqlx.NewDb(db, "sqlite3")}, nil
}

// Error is a StoreError. Retryable is set for transient lock contention;
// constraint violations are never retryable.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Retryable
}

// IsConstraint reports whether err is a constraint violation.
func IsConstraint(err error) bool {
	var sqlErr sqlite3.Error
	return errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	retryable := false
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		retryable = sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
	}
	return &Error{Op: op, Retryable: retryable, Err: err}
}
