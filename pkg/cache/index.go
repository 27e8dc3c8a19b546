package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoIndex is returned for statistics when the SQLite index could
// not be opened.
var ErrNoIndex = errors.New("cache: index unavailable")

// index records cache entries in SQLite for statistics and pruning.
// Every call is best effort; a broken index never blocks execution.
type index struct {
	db *sql.DB
}

func openIndex(path string) (*index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open index: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: configure index: %w", err)
	}
	const schema = `
	CREATE TABLE IF NOT EXISTS entries (
		key        TEXT PRIMARY KEY,
		source     TEXT NOT NULL,
		size       INTEGER NOT NULL,
		hits       INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_used  INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create index schema: %w", err)
	}
	return &index{db: db}, nil
}

func (ix *index) record(key, source string, size int64) {
	now := time.Now().Unix()
	_, err := ix.db.Exec(`
		INSERT INTO entries (key, source, size, hits, created_at, last_used)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(key) DO UPDATE SET size = excluded.size, last_used = excluded.last_used`,
		key, source, size, now, now)
	if err != nil {
		log.Debugf("index record: %v", err)
	}
}

func (ix *index) touch(key string) {
	_, err := ix.db.Exec(
		"UPDATE entries SET hits = hits + 1, last_used = ? WHERE key = ?",
		time.Now().Unix(), key)
	if err != nil {
		log.Debugf("index touch: %v", err)
	}
}

func (ix *index) remove(key string) {
	if _, err := ix.db.Exec("DELETE FROM entries WHERE key = ?", key); err != nil {
		log.Debugf("index remove: %v", err)
	}
}

func (ix *index) clear() {
	if _, err := ix.db.Exec("DELETE FROM entries"); err != nil {
		log.Debugf("index clear: %v", err)
	}
}

func (ix *index) close() {
	ix.db.Close()
}

// Stats summarizes the cache contents from the index.
type Stats struct {
	Entries   int64
	TotalSize int64
	TotalHits int64
}

// Stats reports cache statistics, or ErrNoIndex when the index could
// not be opened.
func (c *Cache) Stats() (Stats, error) {
	if c.idx == nil {
		return Stats{}, ErrNoIndex
	}
	var st Stats
	row := c.idx.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(hits), 0) FROM entries")
	if err := row.Scan(&st.Entries, &st.TotalSize, &st.TotalHits); err != nil {
		return Stats{}, fmt.Errorf("cache: stats query: %w", err)
	}
	return st, nil
}
