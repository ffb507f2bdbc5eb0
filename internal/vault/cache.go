package vault

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jra3/obsync/internal/task"
)

//go:embed schema.sql
var schemaSQL string

// Cache is the SQLite-backed parse cache. A hit on (path, size, mtime,
// content hash) returns the prior parse without re-reading the file's
// task lines.
type Cache struct {
	db *sql.DB
}

// OpenCache opens or creates the cache database at the given path. The
// cache holds nothing that cannot be recomputed, so a database whose
// layout predates the current schema is thrown away and started fresh
// rather than migrated.
func OpenCache(dbPath string) (*Cache, error) {
	cache, err := openCacheDB(dbPath)
	if err == nil {
		return cache, nil
	}
	if !isStaleSchema(err) {
		return nil, err
	}
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if rmErr := os.Remove(p); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("reset stale cache %s: %w", p, rmErr)
		}
	}
	return openCacheDB(dbPath)
}

// isStaleSchema reports whether err reads like a query against an
// out-of-date table layout. The driver surfaces these as plain error
// strings, so matching on text is the only handle available.
func isStaleSchema(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"no such table", "no such column", "SQL logic error"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func openCacheDB(dbPath string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}

	// the schema uses IF NOT EXISTS, so an older table survives creation;
	// probe every expected column so OpenCache can detect and reset it
	rows, err := db.Query(`SELECT path, size, mtime_ns, content_hash, tasks_json, parsed_at FROM files LIMIT 1`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("probe cache schema: %w", err)
	}
	rows.Close()

	return &Cache{db: db}, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached parse for path when every key component
// matches. contentHash may be empty to match on (size, mtime) alone; the
// stored hash comes back so the caller can verify without re-hashing.
func (c *Cache) Get(ctx context.Context, path string, size, mtimeNs int64, contentHash string) ([]*task.Task, string, bool) {
	var storedHash, tasksJSON string
	err := c.db.QueryRowContext(ctx,
		`SELECT content_hash, tasks_json FROM files WHERE path = ? AND size = ? AND mtime_ns = ?`,
		path, size, mtimeNs,
	).Scan(&storedHash, &tasksJSON)
	if err != nil {
		return nil, "", false
	}
	if contentHash != "" && contentHash != storedHash {
		return nil, storedHash, false
	}

	var tasks []*task.Task
	if err := json.Unmarshal([]byte(tasksJSON), &tasks); err != nil {
		return nil, storedHash, false
	}
	return tasks, storedHash, true
}

// Put stores the parse result for path, replacing any prior row.
func (c *Cache) Put(ctx context.Context, path string, size, mtimeNs int64, contentHash string, tasks []*task.Task) error {
	tasksJSON, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO files (path, size, mtime_ns, content_hash, tasks_json, parsed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   size = excluded.size,
		   mtime_ns = excluded.mtime_ns,
		   content_hash = excluded.content_hash,
		   tasks_json = excluded.tasks_json,
		   parsed_at = excluded.parsed_at`,
		path, size, mtimeNs, contentHash, string(tasksJSON), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store cache row: %w", err)
	}
	return nil
}

// Invalidate drops the row for path.
func (c *Cache) Invalidate(ctx context.Context, path string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path)
	return err
}

// Stats reports row count and total stored bytes for doctor output.
func (c *Cache) Stats(ctx context.Context) (rows int, bytes int64, err error) {
	err = c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(tasks_json)), 0) FROM files`,
	).Scan(&rows, &bytes)
	return rows, bytes, err
}
