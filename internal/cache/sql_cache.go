package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLCache stores entries in an enrichment_cache table.
type SQLCache struct {
	db      *sql.DB
	getSQL  string
	putSQL  string
	backend string
}

var _ Cache = (*SQLCache)(nil)

// NewSQLiteCache creates the cache table in a SQLite database.
func NewSQLiteCache(db *sql.DB) (*SQLCache, error) {
	return newSQLCache(db, "sqlite", "BLOB", "INTEGER",
		`SELECT payload, fetched_at FROM enrichment_cache WHERE key = ?`,
		`INSERT INTO enrichment_cache (key, payload, fetched_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at`)
}

// NewPostgresCache creates the cache table in a PostgreSQL database.
func NewPostgresCache(db *sql.DB) (*SQLCache, error) {
	return newSQLCache(db, "postgres", "BYTEA", "BIGINT",
		`SELECT payload, fetched_at FROM enrichment_cache WHERE key = $1`,
		`INSERT INTO enrichment_cache (key, payload, fetched_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, fetched_at = EXCLUDED.fetched_at`)
}

func newSQLCache(db *sql.DB, backend, blobType, intType, getSQL, putSQL string) (*SQLCache, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS enrichment_cache (
			key TEXT PRIMARY KEY,
			payload ` + blobType + ` NOT NULL,
			fetched_at ` + intType + ` NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("%s: init cache schema: %w", backend, err)
	}
	return &SQLCache{db: db, getSQL: getSQL, putSQL: putSQL, backend: backend}, nil
}

func (c *SQLCache) Get(ctx context.Context, key string) (Entry, error) {
	var (
		payload []byte
		atN     int64
	)
	err := c.db.QueryRowContext(ctx, c.getSQL, key).Scan(&payload, &atN)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("%s: cache get: %w", c.backend, err)
	}
	return Entry{Key: key, Payload: payload, FetchedAt: time.Unix(0, atN)}, nil
}

func (c *SQLCache) Put(ctx context.Context, e Entry) error {
	if e.FetchedAt.IsZero() {
		e.FetchedAt = time.Now()
	}
	if e.Payload == nil {
		e.Payload = []byte{}
	}
	if _, err := c.db.ExecContext(ctx, c.putSQL, e.Key, e.Payload, e.FetchedAt.UnixNano()); err != nil {
		return fmt.Errorf("%s: cache put: %w", c.backend, err)
	}
	return nil
}
