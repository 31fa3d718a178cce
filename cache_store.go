package gentlefetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ambiyansyah-risyal/gentlefetch/medium"
)

// CachedPayload is the stored part of a response.
type CachedPayload struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"headers"`
	Body       []byte      `json:"content"`
}

// CacheEntry is a stored response plus the metadata used to judge freshness.
type CacheEntry struct {
	Key      string        `json:"key"`
	URL      string        `json:"url"`
	Method   string        `json:"method"`
	StoredAt time.Time     `json:"timestamp"`
	Payload  CachedPayload `json:"data"`
}

// Age returns how long ago the entry was stored.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

func (e *CacheEntry) response() *Response {
	return &Response{
		StatusCode: e.Payload.StatusCode,
		Header:     e.Payload.Header.Clone(),
		Body:       append([]byte(nil), e.Payload.Body...),
		FromCache:  true,
	}
}

// CacheStore keeps response entries on a medium and judges their freshness.
// Failures are logged and absorbed; a broken cache degrades to misses.
type CacheStore struct {
	medium  medium.Medium
	clock   clock.Clock
	logger  Logger
	metrics *MetricsCollector
}

// NewCacheStore creates a store on m. Nil clock and logger get defaults.
func NewCacheStore(m medium.Medium, clk clock.Clock, logger Logger, metrics *MetricsCollector) *CacheStore {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &CacheStore{medium: m, clock: clk, logger: logger, metrics: metrics}
}

// Get returns the entry under key if it is younger than maxAge.
func (s *CacheStore) Get(ctx context.Context, key string, maxAge time.Duration) (*CacheEntry, bool) {
	b, err := s.medium.Read(ctx, key)
	if err != nil {
		if !errors.Is(err, medium.ErrNotFound) {
			s.logger.Warn("cache read failed", "key", key, "error", err)
			s.metrics.RecordCacheError("read")
		}
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		s.logger.Warn("discarding corrupted cache entry", "key", key, "error", err)
		s.metrics.RecordCacheError("decode")
		_ = s.medium.Delete(ctx, key)
		return nil, false
	}

	if entry.Age(s.clock.Now()) >= maxAge {
		return nil, false
	}
	return &entry, true
}

// Put stores entry under key, replacing any previous entry. StoredAt is
// stamped when unset.
func (s *CacheStore) Put(ctx context.Context, key string, entry *CacheEntry) {
	e := *entry
	e.Key = key
	if e.StoredAt.IsZero() {
		e.StoredAt = s.clock.Now()
	}

	b, err := json.Marshal(&e)
	if err != nil {
		s.logger.Warn("cache entry not encodable", "key", key, "error", err)
		s.metrics.RecordCacheError("encode")
		return
	}
	if err := s.medium.Write(ctx, key, b); err != nil {
		s.logger.Warn("cache write failed", "key", key, "error", err)
		s.metrics.RecordCacheError("write")
	}
}

// Purge removes entries older than maxAge, or every entry when maxAge <= 0.
// Undecodable entries are always removed.
func (s *CacheStore) Purge(ctx context.Context, maxAge time.Duration) (int, error) {
	keys, err := s.medium.List(ctx)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	removed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if maxAge > 0 && !s.expired(ctx, key, now, maxAge) {
			continue
		}
		if err := s.medium.Delete(ctx, key); err != nil {
			s.logger.Warn("cache purge delete failed", "key", key, "error", err)
			continue
		}
		removed++
	}
	s.logger.Info("cache purged", "removed", removed, "max_age", maxAge)
	return removed, nil
}

func (s *CacheStore) expired(ctx context.Context, key string, now time.Time, maxAge time.Duration) bool {
	b, err := s.medium.Read(ctx, key)
	if err != nil {
		// vanished between List and Read
		return false
	}
	var entry CacheEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return true
	}
	return entry.Age(now) > maxAge
}

// Close closes the underlying medium.
func (s *CacheStore) Close() error {
	return s.medium.Close()
}
