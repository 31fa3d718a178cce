package medium

import (
	"context"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"
)

var _ Medium = (*Memory)(nil)

// Memory is an in-process medium on top of bigcache.
type Memory struct {
	cache *bigcache.BigCache
}

// NewMemory creates a memory medium. Entries are evicted by bigcache after
// lifeWindow; freshness is still decided by the cache store. sizeMB caps the
// total size when positive.
func NewMemory(lifeWindow time.Duration, sizeMB int) (*Memory, error) {
	if lifeWindow <= 0 {
		lifeWindow = 24 * time.Hour
	}
	config := bigcache.DefaultConfig(lifeWindow)
	config.Verbose = false
	config.MaxEntrySize = 1024 * 1024
	if sizeMB > 0 {
		config.HardMaxCacheSize = sizeMB
	}

	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		return nil, err
	}
	return &Memory{cache: cache}, nil
}

// Read returns the stored bytes for key, or ErrNotFound.
func (m *Memory) Read(_ context.Context, key string) ([]byte, error) {
	b, err := m.cache.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

// Write stores value under key, replacing any previous entry.
func (m *Memory) Write(_ context.Context, key string, value []byte) error {
	return m.cache.Set(key, value)
}

// List returns the keys currently held. Entries evicted mid-scan are skipped.
func (m *Memory) List(_ context.Context) ([]string, error) {
	var keys []string
	it := m.cache.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			// entry evicted while iterating
			continue
		}
		keys = append(keys, info.Key())
	}
	return keys, nil
}

// Delete removes key. A missing key is not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	err := m.cache.Delete(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil
	}
	return err
}

// Close stops the cache and releases its shards.
func (m *Memory) Close() error {
	return m.cache.Close()
}
