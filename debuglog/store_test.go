package debuglog

import (
	"database/sql"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStore_AppendAndSince(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db, 2000)
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}

	store.Append("INFO", "SCAN", "scan started", map[string]any{"repo": "a/b"})
	store.Append("ERROR", "SANDBOX", "boot failed", nil)
	store.Close() // flush

	entries, err := store.Since(0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries: got %d, want 2", len(entries))
	}
	if entries[0].Category != "SCAN" || entries[1].Category != "SANDBOX" {
		t.Fatalf("order wrong: %+v", entries)
	}
	if entries[0].Details == "" {
		t.Fatal("details not persisted")
	}
}

func TestStore_SinceCursor(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db, 2000)
	store.Init()

	for i := 0; i < 5; i++ {
		store.Append("INFO", "PIPELINE", fmt.Sprintf("step %d", i), nil)
	}
	store.Close()

	all, err := store.Since(0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d entries", len(all))
	}

	tail, err := store.Since(all[2].ID, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 {
		t.Fatalf("cursor page: got %d, want 2", len(tail))
	}
	if tail[0].ID <= all[2].ID {
		t.Fatal("cursor not respected")
	}
}

func TestStore_RetentionTrim(t *testing.T) {
	db := setupDB(t)
	store := NewStore(db, 10)
	store.Init()

	for i := 0; i < 100; i++ {
		store.Append("INFO", "LOAD", fmt.Sprintf("entry %d", i), nil)
	}
	store.Close()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM debug_logs").Scan(&count)
	if count > 10 {
		t.Fatalf("retention not enforced: %d rows", count)
	}

	// The retained rows are the newest ones.
	entries, _ := store.Since(0, 100)
	if len(entries) == 0 {
		t.Fatal("no entries retained")
	}
	if entries[len(entries)-1].Message != "entry 99" {
		t.Fatalf("newest entry missing: %+v", entries[len(entries)-1])
	}
}
