package debuglog

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/lazarusengine/lazarus/core/data"
)

// Schema for the debug_logs table. Applied by Store.Init().
const Schema = `
CREATE TABLE IF NOT EXISTS debug_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	level TEXT NOT NULL,
	category TEXT NOT NULL,
	message TEXT NOT NULL,
	details TEXT,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_debug_logs_ts ON debug_logs(timestamp);
`

// Entry is one row of the observability feed. ID doubles as the pagination
// cursor: it is strictly increasing in append order.
type Entry struct {
	ID        int64  `json:"id"`
	Level     string `json:"level"`
	Category  string `json:"category"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Store persists debug entries to SQLite asynchronously and serves them back
// by cursor. It is an append-only feed separate from per-session event
// streams; retention is capped so the table never grows past `retain` rows.
type Store struct {
	db     *sql.DB
	retain int
	ch     chan *Entry
	done   chan struct{}
	once   sync.Once
}

// NewStore creates a debug log store. retain bounds the number of rows kept
// (oldest rows are trimmed on flush).
func NewStore(db *sql.DB, retain int) *Store {
	if retain <= 0 {
		retain = 2000
	}
	s := &Store{
		db:     db,
		retain: retain,
		ch:     make(chan *Entry, 1024),
		done:   make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Init creates the debug_logs table if it doesn't exist.
func (s *Store) Init() error {
	_, err := data.ExecWithRetry(s.db, Schema)
	return err
}

// Append queues an entry for async persistence. Non-blocking; drops if the
// buffer is full so a slow disk never backpressures the pipeline.
func (s *Store) Append(level, category, message string, details map[string]any) {
	e := &Entry{
		Level:     level,
		Category:  category,
		Message:   message,
		Timestamp: time.Now().Unix(),
	}
	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			e.Details = string(raw)
		}
	}
	select {
	case s.ch <- e:
	default:
	}
}

// Since returns up to limit entries with ID greater than cursor, oldest
// first. A zero cursor returns from the start of the retained window.
func (s *Store) Since(cursor int64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.retain {
		limit = s.retain
	}
	rows, err := s.db.Query(`
		SELECT id, level, category, message, COALESCE(details,''), timestamp
		FROM debug_logs
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Level, &e.Category, &e.Message, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close drains the buffer and stops the flush goroutine.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
	return nil
}

func (s *Store) flushLoop() {
	defer close(s.done)

	batch := make([]*Entry, 0, 64)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				s.flushBatch(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= 64 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Store) flushBatch(batch []*Entry) {
	if len(batch) == 0 {
		return
	}

	err := data.RunTransaction(s.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO debug_logs (level, category, message, details, timestamp)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.Exec(e.Level, e.Category, e.Message, e.Details, e.Timestamp); err != nil {
				return err
			}
		}

		// Trim beyond the retention window inside the same transaction.
		_, err = tx.Exec(`DELETE FROM debug_logs WHERE id <= (
			SELECT COALESCE(MAX(id),0) - ? FROM debug_logs)`, s.retain)
		return err
	})
	if err != nil {
		slog.Error("debuglog: flush batch", "error", err)
	}
}
