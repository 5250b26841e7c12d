package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/petrijr/costbook/pkg/api"
)

// CachedEnricher answers lookups from the cache and falls back to the wrapped
// Enricher on a miss, storing successful results. Unknown identifiers and
// payloads that are not JSON are not cached, and a cached payload that is
// not JSON counts as a miss. A failing cache never fails a lookup; it only costs a call to
// the wrapped Enricher.
type CachedEnricher struct {
	cache  Cache
	next   api.Enricher
	logger *slog.Logger
	now    func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

var _ api.Enricher = (*CachedEnricher)(nil)

// NewCachedEnricher wraps next with c. A nil logger uses slog.Default().
func NewCachedEnricher(c Cache, next api.Enricher, logger *slog.Logger) *CachedEnricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEnricher{cache: c, next: next, logger: logger, now: time.Now}
}

func (e *CachedEnricher) Lookup(ctx context.Context, identifier string) ([]byte, error) {
	key := Key(identifier)

	entry, err := e.cache.Get(ctx, key)
	switch {
	case err == nil && json.Valid(entry.Payload):
		e.hits.Add(1)
		return entry.Payload, nil
	case err == nil:
		e.logger.WarnContext(ctx, "enrichment_cache_entry_invalid", slog.String("key", key))
	case !errors.Is(err, ErrMiss):
		e.logger.WarnContext(ctx, "enrichment_cache_get_failed",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
	e.misses.Add(1)

	payload, err := e.next.Lookup(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if !json.Valid(payload) {
		return payload, nil
	}

	if err := e.cache.Put(ctx, Entry{Key: key, Payload: payload, FetchedAt: e.now()}); err != nil {
		e.logger.WarnContext(ctx, "enrichment_cache_put_failed",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
	return payload, nil
}

// Stats returns the hit and miss counts since construction.
func (e *CachedEnricher) Stats() (hits, misses int64) {
	return e.hits.Load(), e.misses.Load()
}
