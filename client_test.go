package gentlefetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"

	"github.com/ambiyansyah-risyal/gentlefetch/medium"
)

const (
	testResponseBody     = "test response"
	expectedStatus200Msg = "Expected status 200, got %d"
)

var cached = CacheOptions{UseCache: true}

// newTestClient builds a client without politeness delays on an in-memory file system.
func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithDelayRange(0, 0),
		WithFileSystem(afero.NewMemMapFs()),
		WithInitialBackoff(time.Millisecond),
		WithMaxBackoff(10 * time.Millisecond),
	}
	client, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type countingServer struct {
	*httptest.Server
	hits atomic.Int64
}

func newCountingServer(t *testing.T, h http.HandlerFunc) *countingServer {
	t.Helper()
	s := &countingServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(testResponseBody))
}

func TestGet(t *testing.T) {
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("Expected GET method, got %s", r.Method)
		}
		if r.URL.Query().Get("q") != "gentle" {
			t.Errorf("Expected query q=gentle, got %s", r.URL.RawQuery)
		}
		if r.Header.Get("User-Agent") != DefaultUserAgent {
			t.Errorf("unexpected User-Agent %s", r.Header.Get("User-Agent"))
		}
		okHandler(w, r)
	})

	client := newTestClient(t)
	resp, err := client.Get(context.Background(), server.URL, url.Values{"q": {"gentle"}}, CacheOptions{})
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf(expectedStatus200Msg, resp.StatusCode)
	}
	if resp.Text() != testResponseBody || resp.Attempts != 1 || resp.FromCache {
		t.Errorf("unexpected response %+v", resp)
	}

	s := client.Stats()
	if s.RequestsMade != 1 || s.SuccessfulRequests != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	server := newCountingServer(t, okHandler)
	client := newTestClient(t)
	ctx := context.Background()

	first, err := client.Get(ctx, server.URL+"/page", nil, cached)
	if err != nil {
		t.Fatal(err)
	}
	second, err := client.Get(ctx, server.URL+"/page", nil, cached)
	if err != nil {
		t.Fatal(err)
	}

	if server.hits.Load() != 1 {
		t.Errorf("Expected 1 upstream hit, got %d", server.hits.Load())
	}
	if first.FromCache || !second.FromCache {
		t.Error("second response should come from the cache")
	}
	if second.Text() != testResponseBody {
		t.Errorf("cached body mismatch: %s", second.Text())
	}

	s := client.Stats()
	if s.CacheHits != 1 || s.CacheMisses != 1 || s.RequestsMade != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestCacheBypassWithoutUseCache(t *testing.T) {
	server := newCountingServer(t, okHandler)
	client := newTestClient(t)

	for i := 0; i < 2; i++ {
		if _, err := client.Get(context.Background(), server.URL, nil, CacheOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if server.hits.Load() != 2 {
		t.Errorf("Expected 2 upstream hits, got %d", server.hits.Load())
	}
	if s := client.Stats(); s.CacheHits+s.CacheMisses != 0 {
		t.Error("cache was consulted although not requested")
	}
}

func TestCacheExpiry(t *testing.T) {
	server := newCountingServer(t, okHandler)
	clk := clock.NewMock()
	client := newTestClient(t, WithClock(clk), WithSleep(mockSleep(clk)), WithCacheMaxAge(time.Hour))
	ctx := context.Background()

	_, _ = client.Get(ctx, server.URL, nil, cached)
	clk.Add(30 * time.Minute)
	_, _ = client.Get(ctx, server.URL, nil, cached)
	if server.hits.Load() != 1 {
		t.Fatalf("entry should still be fresh, got %d hits", server.hits.Load())
	}

	// a per-call max age overrides the client default
	_, _ = client.Get(ctx, server.URL, nil, CacheOptions{UseCache: true, MaxAge: 10 * time.Minute})
	if server.hits.Load() != 2 {
		t.Fatalf("per-call max age ignored, got %d hits", server.hits.Load())
	}

	clk.Add(2 * time.Hour)
	_, _ = client.Get(ctx, server.URL, nil, cached)
	if server.hits.Load() != 3 {
		t.Errorf("stale entry should be refetched, got %d hits", server.hits.Load())
	}
}

func TestNoStoreResponsesNotCached(t *testing.T) {
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		okHandler(w, r)
	})
	client := newTestClient(t)

	for i := 0; i < 2; i++ {
		_, _ = client.Get(context.Background(), server.URL, nil, cached)
	}
	if server.hits.Load() != 2 {
		t.Errorf("no-store response was cached, got %d hits", server.hits.Load())
	}
}

func TestPostNeverCached(t *testing.T) {
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.PostForm.Get("name") != "gentle" {
			t.Errorf("form not sent: %v", r.PostForm)
		}
		okHandler(w, r)
	})
	client := newTestClient(t)
	ctx := context.Background()

	req := &Request{Method: http.MethodPost, URL: server.URL, Form: url.Values{"name": {"gentle"}}}
	for i := 0; i < 2; i++ {
		if _, err := client.Execute(ctx, req, cached); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := client.Post(ctx, server.URL, url.Values{"name": {"gentle"}}, nil); err != nil {
		t.Fatal(err)
	}
	if server.hits.Load() != 3 {
		t.Errorf("POST must never be served from cache, got %d hits", server.hits.Load())
	}
}

func TestPostJSON(t *testing.T) {
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected application/json, got %s", ct)
		}
		okHandler(w, r)
	})
	client := newTestClient(t)
	if _, err := client.Post(context.Background(), server.URL, nil, map[string]string{"a": "b"}); err != nil {
		t.Fatal(err)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	var calls atomic.Int64
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		okHandler(w, r)
	})

	metrics := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	client := newTestClient(t, WithMaxRetries(3), WithMetricsCollector(metrics))

	resp, err := client.Get(context.Background(), server.URL, nil, CacheOptions{})
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if resp.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", resp.Attempts)
	}
	host := hostOf(server.URL)
	if n := testutil.ToFloat64(metrics.retriesTotal.WithLabelValues("GET", host, string(KindTransientNetworkFailure))); n != 2 {
		t.Errorf("Expected 2 retries recorded, got %v", n)
	}
	if s := client.Stats(); s.RequestsMade != 1 || s.SuccessfulRequests != 1 {
		t.Errorf("a retried request is still one logical request: %+v", s)
	}
}

func TestRetryExhausted(t *testing.T) {
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	client := newTestClient(t, WithMaxRetries(2))

	_, err := client.Get(context.Background(), server.URL, nil, CacheOptions{})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected RetryExhausted, got %v", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.URL != server.URL || e.Method != http.MethodGet || e.StatusCode != 500 {
		t.Errorf("error lacks request context: %+v", e)
	}
	if server.hits.Load() != 2 {
		t.Errorf("Expected exactly 2 attempts, got %d", server.hits.Load())
	}
	if s := client.Stats(); s.FailedRequests != 1 || s.RequestsMade != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	client := newTestClient(t, WithMaxRetries(5))

	_, err := client.Get(context.Background(), server.URL, nil, cached)
	if KindOf(err) != KindPermanentRequestFailure {
		t.Fatalf("Expected PermanentRequestFailure, got %v", err)
	}
	if server.hits.Load() != 1 {
		t.Errorf("Expected 1 attempt, got %d", server.hits.Load())
	}
}

func TestAttemptTimeoutIsTransient(t *testing.T) {
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	client := newTestClient(t, WithMaxRetries(2), WithTimeout(50*time.Millisecond))

	_, err := client.Get(context.Background(), server.URL, nil, CacheOptions{})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("timeouts should be retried until exhaustion, got %v", err)
	}
}

func TestInvalidURL(t *testing.T) {
	client := newTestClient(t)
	for _, raw := range []string{"ftp://example.com/file", "://bad", "http://"} {
		_, err := client.Get(context.Background(), raw, nil, CacheOptions{})
		if KindOf(err) != KindPermanentRequestFailure {
			t.Errorf("%q: expected PermanentRequestFailure, got %v", raw, err)
		}
	}
	if s := client.Stats(); s.FailedRequests != 3 || s.RequestsMade != 3 {
		t.Errorf("rejected requests should count as failures, got %+v", s)
	}
}

func TestProxyRotationAndHealth(t *testing.T) {
	var mu sync.Mutex
	used := map[string]int{}
	fetcher := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		mu.Lock()
		used[req.Proxy]++
		mu.Unlock()
		if req.Proxy == "http://bad:8080" {
			return nil, errors.New("proxy connect failed")
		}
		return &FetchResponse{StatusCode: 200, Body: []byte("ok")}, nil
	})

	client := newTestClient(t,
		WithFetcher(fetcher),
		WithProxies([]string{"http://bad:8080", "http://good:8080"}, true),
		WithMaxRetries(3),
	)

	for i := 0; i < 10; i++ {
		resp, err := client.Get(context.Background(), "https://example.com/", nil, CacheOptions{})
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if resp.Proxy != "http://good:8080" {
			t.Errorf("final attempt should use the healthy proxy, got %s", resp.Proxy)
		}
	}

	if used["http://bad:8080"] != 1 {
		t.Errorf("the failing proxy should only be tried once, got %d", used["http://bad:8080"])
	}
	if client.Stats().ProxyFailures["http://bad:8080"] != 1 {
		t.Errorf("unexpected proxy failures %v", client.Stats().ProxyFailures)
	}
	stats := client.ProxyPool().Stats()
	if stats["http://good:8080"].SuccessRate.Value != 1 {
		t.Errorf("unexpected proxy stats %+v", stats)
	}
}

func TestRequireProxyUnavailable(t *testing.T) {
	var calls atomic.Int64
	fetcher := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		calls.Add(1)
		return &FetchResponse{StatusCode: 200}, nil
	})
	client := newTestClient(t, WithFetcher(fetcher), WithProxies([]string{"http://p1:8080"}, true), WithRequireProxy())
	client.ProxyPool().SetInRotation("http://p1:8080", false)

	_, err := client.Get(context.Background(), "https://example.com/", nil, CacheOptions{})
	if !errors.Is(err, ErrProxyUnavailable) {
		t.Fatalf("Expected ProxyUnavailable, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("no attempt should be made without a proxy")
	}

	// without the requirement the client goes direct
	direct := newTestClient(t, WithFetcher(fetcher), WithProxies([]string{"http://p1:8080"}, true))
	direct.ProxyPool().SetInRotation("http://p1:8080", false)
	resp, err := direct.Get(context.Background(), "https://example.com/", nil, CacheOptions{})
	if err != nil || resp.Proxy != "" {
		t.Errorf("expected a direct request, got %+v %v", resp, err)
	}
}

func TestMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(ctx context.Context, req *FetchRequest, next Fetcher) (*FetchResponse, error) {
			order = append(order, name+">")
			resp, err := next.Fetch(ctx, req)
			order = append(order, "<"+name)
			return resp, err
		}
	}
	fetcher := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		order = append(order, "fetch")
		return &FetchResponse{StatusCode: 200}, nil
	})

	client := newTestClient(t, WithFetcher(fetcher), WithMiddleware(mw("a"), mw("b")))
	if _, err := client.Get(context.Background(), "https://example.com/", nil, CacheOptions{}); err != nil {
		t.Fatal(err)
	}
	want := []string{"a>", "b>", "fetch", "<b", "<a"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, order)
		}
	}
}

func TestDownload(t *testing.T) {
	server := newCountingServer(t, okHandler)
	fs := afero.NewMemMapFs()
	client := newTestClient(t, WithFileSystem(fs))

	if err := client.Download(context.Background(), server.URL+"/file", "out/data/file.bin"); err != nil {
		t.Fatal(err)
	}
	b, err := afero.ReadFile(fs, "out/data/file.bin")
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != testResponseBody {
		t.Errorf("unexpected file contents %q", b)
	}
}

func TestPurge(t *testing.T) {
	server := newCountingServer(t, okHandler)
	client := newTestClient(t)
	ctx := context.Background()

	_, _ = client.Get(ctx, server.URL+"/a", nil, cached)
	_, _ = client.Get(ctx, server.URL+"/b", nil, cached)

	n, err := client.Purge(ctx, 0)
	if err != nil || n != 2 {
		t.Errorf("Expected 2 purged, got %d %v", n, err)
	}
	_, _ = client.Get(ctx, server.URL+"/a", nil, cached)
	if server.hits.Load() != 3 {
		t.Errorf("purged entry should be refetched, got %d hits", server.hits.Load())
	}
}

func TestCloseRejectsNewRequests(t *testing.T) {
	client := newTestClient(t)
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	_, err := client.Get(context.Background(), "https://example.com/", nil, CacheOptions{})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := client.Purge(context.Background(), 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Purge, got %v", err)
	}
}

func TestCloseFlushesAsyncCacheWrites(t *testing.T) {
	server := newCountingServer(t, okHandler)
	fs := afero.NewMemMapFs()
	client := newTestClient(t, WithFileSystem(fs), WithAsyncCacheWrites())

	if _, err := client.Get(context.Background(), server.URL, nil, cached); err != nil {
		t.Fatal(err)
	}
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}

	files, err := medium.NewFiles(fs, "cache")
	if err != nil {
		t.Fatal(err)
	}
	keys, err := files.List(context.Background())
	if err != nil || len(keys) != 1 {
		t.Errorf("Expected the pending write to land, got %v %v", keys, err)
	}
}

func TestDeduplication(t *testing.T) {
	release := make(chan struct{})
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		okHandler(w, r)
	})
	metrics := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	client := newTestClient(t, WithDeduplication(), WithMetricsCollector(metrics))

	const callers = 5
	var wg sync.WaitGroup
	bodies := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.Get(context.Background(), server.URL+"/shared", nil, cached)
			errs[i] = err
			if resp != nil {
				bodies[i] = resp.Text()
			}
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil || bodies[i] != testResponseBody {
			t.Errorf("caller %d: %q %v", i, bodies[i], errs[i])
		}
	}
	if server.hits.Load() != 1 {
		t.Errorf("Expected one upstream request, got %d", server.hits.Load())
	}
}

func TestDeduplicationSurvivesLeaderCancel(t *testing.T) {
	release := make(chan struct{})
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		okHandler(w, r)
	})
	client := newTestClient(t, WithDeduplication())
	target := server.URL + "/shared"

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := client.Get(leaderCtx, target, nil, cached)
		leaderErr <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for server.hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancelLeader()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected the leader to see its own cancellation, got %v", err)
	}

	type outcome struct {
		resp *Response
		err  error
	}
	follower := make(chan outcome, 1)
	go func() {
		resp, err := client.Get(context.Background(), target, nil, cached)
		follower <- outcome{resp, err}
	}()

	for client.Stats().CacheMisses < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	got := <-follower
	if got.err != nil || got.resp.Text() != testResponseBody {
		t.Fatalf("follower should receive the shared response, got %v %v", got.resp, got.err)
	}
	if server.hits.Load() != 1 {
		t.Errorf("Expected one upstream request, got %d", server.hits.Load())
	}
	s := client.Stats()
	if s.CacheMisses != 2 || s.RequestsMade != 2 || s.SuccessfulRequests != 1 || s.FailedRequests != 1 {
		t.Errorf("each caller should be counted once, got %+v", s)
	}
}

func TestAbandonedAttemptNotChargedToProxy(t *testing.T) {
	const proxy = "http://p1:1"
	started := make(chan struct{})
	var once sync.Once
	fetcher := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client := newTestClient(t, WithFetcher(fetcher), WithProxies([]string{proxy}, true))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	if _, err := client.Get(ctx, "https://example.com/slow", nil, CacheOptions{}); err == nil {
		t.Fatal("Expected an error for a cancelled request")
	}

	if st := client.ProxyPool().Stats()[proxy]; st.Attempts != 0 || st.Failures != 0 {
		t.Errorf("an abandoned attempt must not be recorded, got %+v", st)
	}
	if n := client.Stats().ProxyFailures[proxy]; n != 0 {
		t.Errorf("Expected no proxy failures, got %d", n)
	}
}

func TestAttemptTimeoutChargedToProxy(t *testing.T) {
	const proxy = "http://p1:1"
	fetcher := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client := newTestClient(t,
		WithFetcher(fetcher),
		WithProxies([]string{proxy}, true),
		WithTimeout(20*time.Millisecond),
		WithMaxRetries(1),
	)

	if _, err := client.Get(context.Background(), "https://example.com/slow", nil, CacheOptions{}); err == nil {
		t.Fatal("Expected the attempt to time out")
	}

	st := client.ProxyPool().Stats()[proxy]
	if st.Attempts != 1 || st.Failures != 1 {
		t.Errorf("a timed out attempt counts against the proxy, got %+v", st)
	}
}

func TestConcurrentExecuteStatsConsistency(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, err
		}
		if u.Query().Get("fail") == "1" {
			return &FetchResponse{StatusCode: http.StatusNotFound}, nil
		}
		return &FetchResponse{StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	})
	client := newTestClient(t, WithFetcher(fetcher))

	const total, failing = 100, 25
	var wg sync.WaitGroup
	var errCount atomic.Int64
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := url.Values{"n": {fmt.Sprint(i)}}
			if i < failing {
				params.Set("fail", "1")
			}
			if _, err := client.Execute(context.Background(), NewGetRequest("https://example.com/item", params), CacheOptions{}); err != nil {
				errCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s := client.Stats()
	if s.RequestsMade != total {
		t.Errorf("Expected %d requests, got %d", total, s.RequestsMade)
	}
	if s.SuccessfulRequests != total-failing || s.FailedRequests != failing {
		t.Errorf("Expected %d/%d, got %d/%d", total-failing, failing, s.SuccessfulRequests, s.FailedRequests)
	}
	if errCount.Load() != failing {
		t.Errorf("Expected %d errors, got %d", failing, errCount.Load())
	}
}

func TestCancelledDuringPolitenessDelay(t *testing.T) {
	server := newCountingServer(t, okHandler)
	client := newTestClient(t, WithDelayRange(time.Hour, time.Hour))

	if _, err := client.Get(context.Background(), server.URL, nil, CacheOptions{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Get(ctx, server.URL, nil, CacheOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if server.hits.Load() != 1 {
		t.Error("a cancelled request must not reach the server")
	}
}

func TestCookiesPersistAcrossClients(t *testing.T) {
	server := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/set":
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		case "/check":
			c, err := r.Cookie("session")
			if err != nil || c.Value != "abc" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
		}
		okHandler(w, r)
	})
	fs := afero.NewMemMapFs()

	first := newTestClient(t, WithFileSystem(fs), WithCookieFile("state/cookies.json"))
	if _, err := first.Get(context.Background(), server.URL+"/set", nil, CacheOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second := newTestClient(t, WithFileSystem(fs), WithCookieFile("state/cookies.json"))
	if _, err := second.Get(context.Background(), server.URL+"/check", nil, CacheOptions{}); err != nil {
		t.Errorf("cookie not restored: %v", err)
	}
}
