package data

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// OpenDB opens a SQLite database with the standard pragmas used by every
// lazarus store (WAL, FK enforcement, busy timeout).
func OpenDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=10000",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// RunTransaction runs fn inside a transaction, retrying on SQLITE_BUSY.
func RunTransaction(db *sql.DB, fn func(*sql.Tx) error) error {
	const maxRetries = 3

	for attempt := 0; attempt < maxRetries; attempt++ {
		tx, err := db.Begin()
		if err != nil {
			if attempt < maxRetries-1 {
				continue
			}
			return fmt.Errorf("begin transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			if attempt < maxRetries-1 && isBusyError(err) {
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if attempt < maxRetries-1 && isBusyError(err) {
				continue
			}
			return fmt.Errorf("commit transaction: %w", err)
		}

		return nil
	}

	return fmt.Errorf("transaction failed after %d retries", maxRetries)
}

// ExecWithRetry executes a statement, retrying on SQLITE_BUSY.
func ExecWithRetry(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	const maxRetries = 3

	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err := db.Exec(query, args...)
		if err != nil {
			if attempt < maxRetries-1 && isBusyError(err) {
				continue
			}
			return nil, err
		}
		return result, nil
	}

	return nil, fmt.Errorf("exec failed after %d retries", maxRetries)
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}
