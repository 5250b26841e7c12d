// Package cache holds enrichment lookups shared across jobs.
//
// Entries never expire and Put is last-write-wins. The cache is consulted
// only through CachedEnricher during stage2.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrMiss is returned by Get when no entry exists for the key.
var ErrMiss = errors.New("cache miss")

// Entry is one cached enrichment payload.
type Entry struct {
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Cache is a key/value store of enrichment entries. Implementations must be
// safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, e Entry) error
}

// Key derives the cache key of a component identifier. Identifiers that
// differ only in case or surrounding space share an entry.
func Key(identifier string) string {
	return "ahri:" + strings.ToUpper(strings.TrimSpace(identifier))
}

// MemoryCache is a Cache on sync.Map. Readers and writers of different keys
// never contend on a shared lock.
type MemoryCache struct {
	entries sync.Map // string -> Entry
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (Entry, error) {
	v, ok := c.entries.Load(key)
	if !ok {
		return Entry{}, ErrMiss
	}
	e := v.(Entry)
	e.Payload = append([]byte(nil), e.Payload...)
	return e, nil
}

func (c *MemoryCache) Put(ctx context.Context, e Entry) error {
	if e.FetchedAt.IsZero() {
		e.FetchedAt = time.Now()
	}
	e.Payload = append([]byte(nil), e.Payload...)
	c.entries.Store(e.Key, e)
	return nil
}
