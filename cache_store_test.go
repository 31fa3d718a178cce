package gentlefetch

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"

	"github.com/ambiyansyah-risyal/gentlefetch/medium"
)

func newTestStore(t *testing.T) (*CacheStore, *clock.Mock, medium.Medium, *MetricsCollector) {
	t.Helper()
	m, err := medium.NewFiles(afero.NewMemMapFs(), "cache")
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.NewMock()
	metrics := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	return NewCacheStore(m, clk, nil, metrics), clk, m, metrics
}

func testEntry(body string) *CacheEntry {
	return &CacheEntry{
		URL:    "https://example.com/",
		Method: http.MethodGet,
		Payload: CachedPayload{
			StatusCode: 200,
			Header:     http.Header{"Content-Type": {"text/plain"}},
			Body:       []byte(body),
		},
	}
}

func TestCacheStoreFreshness(t *testing.T) {
	store, clk, _, _ := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, "k", testEntry("hello"))

	clk.Add(59 * time.Minute)
	entry, ok := store.Get(ctx, "k", time.Hour)
	if !ok {
		t.Fatal("expected a fresh entry")
	}
	if entry.Key != "k" || string(entry.Payload.Body) != "hello" {
		t.Errorf("unexpected entry %+v", entry)
	}
	resp := entry.response()
	if !resp.FromCache || resp.StatusCode != 200 || resp.Header.Get("Content-Type") != "text/plain" {
		t.Errorf("unexpected response %+v", resp)
	}

	clk.Add(time.Minute)
	if _, ok := store.Get(ctx, "k", time.Hour); ok {
		t.Error("an entry exactly maxAge old is stale")
	}
	if _, ok := store.Get(ctx, "k", 2*time.Hour); !ok {
		t.Error("a larger max age should still accept the entry")
	}
}

func TestCacheStoreMiss(t *testing.T) {
	store, _, _, metrics := newTestStore(t)
	if _, ok := store.Get(context.Background(), "absent", time.Hour); ok {
		t.Error("expected a miss")
	}
	if n := testutil.ToFloat64(metrics.cacheErrors.WithLabelValues("read")); n != 0 {
		t.Errorf("a plain miss is not a cache error, got %v", n)
	}
}

func TestCacheStoreCorruptedEntry(t *testing.T) {
	store, _, m, metrics := newTestStore(t)
	ctx := context.Background()

	if err := m.Write(ctx, "bad", []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Get(ctx, "bad", time.Hour); ok {
		t.Fatal("a corrupted entry must be a miss")
	}
	if _, err := m.Read(ctx, "bad"); err != medium.ErrNotFound {
		t.Errorf("corrupted entry should have been deleted, got %v", err)
	}
	if n := testutil.ToFloat64(metrics.cacheErrors.WithLabelValues("decode")); n != 1 {
		t.Errorf("expected one decode error, got %v", n)
	}
}

func TestCacheStoreOverwrite(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, "k", testEntry("one"))
	store.Put(ctx, "k", testEntry("two"))

	entry, ok := store.Get(ctx, "k", time.Hour)
	if !ok || string(entry.Payload.Body) != "two" {
		t.Errorf("expected the latest entry, got %+v", entry)
	}
}

func TestCacheStorePurge(t *testing.T) {
	store, clk, m, _ := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, "old", testEntry("old"))
	clk.Add(2 * time.Hour)
	store.Put(ctx, "new", testEntry("new"))
	if err := m.Write(ctx, "junk", []byte("junk")); err != nil {
		t.Fatal(err)
	}

	removed, err := store.Purge(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("expected old and junk removed, got %d", removed)
	}
	if _, ok := store.Get(ctx, "new", time.Hour); !ok {
		t.Error("fresh entry should survive purge")
	}

	removed, err = store.Purge(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("purge with no age should remove everything, got %d", removed)
	}
	keys, _ := m.List(ctx)
	if len(keys) != 0 {
		t.Errorf("expected empty medium, got %v", keys)
	}
}

func TestCacheStorePurgeCancelled(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	store.Put(context.Background(), "k", testEntry("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Purge(ctx, 0); err == nil {
		t.Error("expected cancellation error")
	}
}
