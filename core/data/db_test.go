package data

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func TestOpenDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenDB(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode: got %q, want wal", mode)
	}
}

func TestRunTransaction(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "tx.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)"); err != nil {
		t.Fatal(err)
	}

	err = RunTransaction(db, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO kv (k, v) VALUES ('a', '1')")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	var v string
	if err := db.QueryRow("SELECT v FROM kv WHERE k='a'").Scan(&v); err != nil {
		t.Fatal(err)
	}
	if v != "1" {
		t.Fatalf("got %q, want 1", v)
	}
}

func TestRunTransaction_RollbackOnError(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "rb.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY)"); err != nil {
		t.Fatal(err)
	}

	wantErr := sql.ErrNoRows
	err = RunTransaction(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO kv (k) VALUES ('x')"); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("got %v, want %v", err, wantErr)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM kv").Scan(&count)
	if count != 0 {
		t.Fatalf("rollback left %d rows", count)
	}
}
