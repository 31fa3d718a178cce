package gentlefetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/ambiyansyah-risyal/gentlefetch/internal/backoff"
	"github.com/ambiyansyah-risyal/gentlefetch/medium"
)

// DefaultUserAgent is sent unless the caller sets one.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Client orchestrates requests through a fetch primitive: it answers from
// the cache when it can, spaces requests out, picks a proxy per attempt,
// retries transient failures and keeps statistics. It is safe for
// concurrent use.
type Client struct {
	fetcher     Fetcher
	httpFetcher *HTTPFetcher
	middleware  []Middleware
	pipeline    Fetcher

	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffStrategy   BackoffStrategy
	fixedBackoff      time.Duration
	classifier        Classifier
	retryBudgetMax    int
	retryBudgetWindow time.Duration
	timeout           time.Duration
	retry             *RetryController

	minDelay          time.Duration
	maxDelay          time.Duration
	sharedRateLimit   bool
	requestsPerSecond float64
	burst             int
	limiter           *DelayLimiter

	proxies       []string
	rotateProxies bool
	requireProxy  bool
	proxyRanking  RankFunc
	pool          *ProxyPool

	cacheEnabled     bool
	medium           medium.Medium
	cacheDir         string
	cacheMaxAge      time.Duration
	asyncCacheWrites bool
	cache            *CacheStore
	pending          sync.WaitGroup

	fs         afero.Fs
	headers    http.Header
	verifySSL  bool
	cookieFile string
	jar        *PersistentJar

	maxConcurrent int
	stats         *Stats
	metrics       *MetricsCollector
	logger        Logger
	clock         clock.Clock
	sleep         SleepFunc

	deduplicate bool
	group       singleflight.Group

	lifecycle sync.RWMutex
	closed    bool
	inflight  sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New constructs a Client using the provided functional options.
func New(options ...Option) (*Client, error) {
	c := &Client{
		maxRetries:        3,
		initialBackoff:    time.Second,
		maxBackoff:        30 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            0.1,
		backoffStrategy:   ExponentialJitter,
		classifier:        Classify,
		timeout:           30 * time.Second,
		minDelay:          2 * time.Second,
		maxDelay:          5 * time.Second,
		cacheEnabled:      true,
		cacheDir:          "cache",
		cacheMaxAge:       time.Hour,
		headers:           http.Header{"User-Agent": {DefaultUserAgent}},
		verifySSL:         true,
		maxConcurrent:     5,
	}

	for _, option := range options {
		option(c)
	}

	if err := c.ValidateConfiguration(); err != nil {
		return nil, err
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) init() error {
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.logger == nil {
		c.logger = NewNopLogger()
	}
	if c.stats == nil {
		c.stats = NewStats()
	}
	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}
	if c.classifier == nil {
		c.classifier = Classify
	}

	limiterOpts := []DelayLimiterOption{
		WithLimiterClock(c.clock),
		WithCeiling(c.requestsPerSecond, c.burst),
		withLimiterMetrics(c.metrics),
	}
	if c.sleep != nil {
		limiterOpts = append(limiterOpts, WithLimiterSleep(c.sleep))
	}
	if c.sharedRateLimit {
		limiterOpts = append(limiterOpts, WithSharedLane())
	}
	c.limiter = NewDelayLimiter(c.minDelay, c.maxDelay, limiterOpts...)

	retryOpts := []RetryOption{WithRetryClock(c.clock), WithRetrySleep(c.sleep)}
	if c.retryBudgetMax > 0 {
		retryOpts = append(retryOpts, WithBudget(NewRetryBudget(c.retryBudgetMax, c.retryBudgetWindow, c.clock)))
	}
	c.retry = NewRetryController(c.maxRetries, c.classifier, backoff.NewCalculator(c.strategy(), backoff.Params{
		Initial:    c.initialBackoff,
		Max:        c.maxBackoff,
		Multiplier: c.backoffMultiplier,
		Jitter:     c.jitter,
	}), retryOpts...)

	c.pool = NewProxyPool(c.proxies, c.rotateProxies, WithPoolRanking(c.proxyRanking), WithPoolClock(c.clock))

	if c.cacheEnabled {
		m := c.medium
		if m == nil {
			files, err := medium.NewFiles(c.fs, c.cacheDir)
			if err != nil {
				return err
			}
			m = files
		}
		c.cache = NewCacheStore(m, c.clock, c.logger, c.metrics)
	}

	jar, err := NewPersistentJar()
	if err != nil {
		return err
	}
	c.jar = jar
	if c.cookieFile != "" {
		if err := jar.Load(c.fs, c.cookieFile); err != nil {
			c.logger.Warn("cookies not loaded", "path", c.cookieFile, "error", err)
		}
	}

	if c.fetcher == nil {
		c.httpFetcher = NewHTTPFetcher(jar, c.verifySSL)
		c.fetcher = c.httpFetcher
	}
	c.pipeline = chain(c.fetcher, c.middleware)
	return nil
}

func (c *Client) strategy() backoff.Strategy {
	switch c.backoffStrategy {
	case DecorrelatedJitter:
		return backoff.Decorrelated{}
	case FixedDelay:
		return backoff.Fixed{Delay: c.fixedBackoff}
	default:
		return backoff.Exponential{}
	}
}

// Execute performs one logical request. Every request that misses the
// cache counts as exactly one success or one failure in the statistics.
func (c *Client) Execute(ctx context.Context, req *Request, opts CacheOptions) (*Response, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.inflight.Done()

	if e := validateRequest(req); e != nil {
		c.stats.RecordFailure()
		return nil, c.fail(e, req, c.clock.Now())
	}

	resp, err := c.execute(ctx, req, opts)
	if err != nil {
		c.stats.RecordFailure()
		return nil, err
	}
	if !resp.FromCache {
		c.stats.RecordSuccess(resp.Duration)
	}
	return resp, nil
}

func (c *Client) execute(ctx context.Context, req *Request, opts CacheOptions) (*Response, error) {
	method := req.method()
	host := hostOf(req.URL)

	if c.cache == nil || !opts.UseCache || method == http.MethodPost {
		return c.fetch(ctx, req, "", false)
	}

	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = c.cacheMaxAge
	}
	key := CacheKey(req)
	if entry, ok := c.cache.Get(ctx, key, maxAge); ok {
		c.stats.RecordCacheHit()
		c.metrics.RecordCacheHit(method, host)
		c.logger.Info("retrieved from cache", "url", req.URL, "key", key)
		return entry.response(), nil
	}
	c.stats.RecordCacheMiss()
	c.metrics.RecordCacheMiss(method, host)

	if !c.deduplicate {
		return c.fetch(ctx, req, key, true)
	}

	// The shared fetch outlives any single caller, so it keeps the caller's
	// values but not its cancellation, and holds its own in-flight slot.
	start := c.clock.Now()
	ch := c.group.DoChan(key, func() (interface{}, error) {
		if err := c.acquire(); err != nil {
			return nil, err
		}
		defer c.inflight.Done()
		return c.fetch(context.WithoutCancel(ctx), req, key, true)
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.RecordDeduplicationHit(method, host)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Response).clone(), nil
	case <-ctx.Done():
		return nil, c.fail(&Error{Kind: KindPermanentRequestFailure, Message: "request cancelled", Cause: ctx.Err()}, req, start)
	}
}

// fetch runs the network path: politeness delay, then the retry loop.
func (c *Client) fetch(ctx context.Context, req *Request, key string, store bool) (*Response, error) {
	start := c.clock.Now()
	method := req.method()
	host := hostOf(req.URL)

	c.metrics.RecordRequestStart(method, host)
	defer c.metrics.RecordRequestEnd(method, host)

	body, contentType, err := req.encodeBody()
	if err != nil {
		return nil, c.fail(&Error{Kind: KindPermanentRequestFailure, Message: "request body not encodable", Cause: err}, req, start)
	}
	target := buildURL(req.URL, req.Params)
	header := c.mergeHeaders(req.Header, contentType)

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, c.fail(&Error{Kind: KindPermanentRequestFailure, Message: "request cancelled", Cause: err}, req, start)
	}

	c.logger.Info("requesting", "method", method, "url", target)

	var lastProxy string
	op := func(ctx context.Context, attempt int) (*FetchResponse, error) {
		proxy, ok := c.pool.Select()
		if !ok && c.requireProxy {
			return nil, &Error{Kind: KindProxyUnavailable, Message: "no proxy in rotation"}
		}
		lastProxy = proxy

		if err := c.limiter.Throttle(ctx); err != nil {
			return nil, err
		}

		actx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		t0 := c.clock.Now()
		resp, err := c.pipeline.Fetch(actx, &FetchRequest{
			Method: method,
			URL:    target,
			Header: header.Clone(),
			Body:   body,
			Proxy:  proxy,
		})
		// An attempt the caller abandoned says nothing about the proxy.
		if ctx.Err() == nil {
			c.recordProxy(proxy, c.classifier(resp, err), c.clock.Now().Sub(t0))
		}

		if err != nil {
			c.logger.Debug("attempt failed", "url", target, "attempt", attempt, "proxy", proxy, "error", err)
		}
		return resp, err
	}

	result := c.retry.runWithHook(ctx, op, func(attempt int, kind ErrorKind, delay time.Duration) {
		c.metrics.RecordRetry(method, host, kind)
		c.logger.Warn("retrying request", "url", target, "attempt", attempt, "kind", string(kind), "delay", delay)
	})

	duration := c.clock.Now().Sub(start)
	if result.State != StateSucceeded {
		var e *Error
		if !errors.As(result.Err, &e) {
			e = &Error{Kind: KindRetryExhausted, Message: "request failed", Cause: result.Err}
		}
		e.Proxy = lastProxy
		return nil, c.fail(e, req, start)
	}

	fr := result.Response
	resp := &Response{
		StatusCode: fr.StatusCode,
		Header:     fr.Header,
		Body:       fr.Body,
		Proxy:      lastProxy,
		Attempts:   result.Attempts,
		Duration:   duration,
	}
	c.metrics.RecordRequest(method, host, fr.StatusCode, duration)

	if store && storable(fr.Header) {
		c.storeResponse(key, req, resp)
	}
	return resp, nil
}

// fail decorates e with request context, logs it and counts the error metric.
func (c *Client) fail(e *Error, req *Request, start time.Time) *Error {
	if req != nil {
		e.Method = req.method()
		e.URL = req.URL
	}
	e.Duration = c.clock.Now().Sub(start)
	if e.Timestamp.IsZero() {
		e.Timestamp = c.clock.Now()
	}

	c.metrics.RecordError(e.Kind, e.Method, hostOf(e.URL))
	c.logger.Error("request failed", "method", e.Method, "url", e.URL, "kind", string(e.Kind), "attempts", e.Attempt, "error", e.Cause)
	return e
}

func (c *Client) recordProxy(proxy string, kind ErrorKind, latency time.Duration) {
	if proxy == "" {
		return
	}
	outcome := proxyOutcome(kind)
	if rec, ok := c.pool.Record(proxy, outcome, latency); ok {
		c.metrics.RecordProxyAttempt(proxy, outcome, rec.SuccessRate())
	}
	if outcome == OutcomeFailure {
		c.stats.RecordProxyFailure(proxy)
	}
}

func (c *Client) storeResponse(key string, req *Request, resp *Response) {
	entry := &CacheEntry{
		URL:    req.URL,
		Method: req.method(),
		Payload: CachedPayload{
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       append([]byte(nil), resp.Body...),
		},
	}
	entry.StoredAt = c.clock.Now()

	if !c.asyncCacheWrites {
		c.cache.Put(context.Background(), key, entry)
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		c.cache.Put(context.Background(), key, entry)
	}()
}

func (c *Client) mergeHeaders(h http.Header, contentType string) http.Header {
	out := c.headers.Clone()
	if contentType != "" {
		out.Set("Content-Type", contentType)
	}
	for k, vs := range h {
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	return out
}

// Get performs a GET. Caching follows opts.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values, opts CacheOptions) (*Response, error) {
	return c.Execute(ctx, NewGetRequest(rawURL, params), opts)
}

// Post sends form or JSON data. POST responses are never cached.
func (c *Client) Post(ctx context.Context, rawURL string, form url.Values, jsonBody any) (*Response, error) {
	return c.Execute(ctx, &Request{Method: http.MethodPost, URL: rawURL, Form: form, JSON: jsonBody}, CacheOptions{})
}

// Download fetches rawURL and writes the body to path, creating parent directories.
func (c *Client) Download(ctx context.Context, rawURL, path string) error {
	resp, err := c.Execute(ctx, NewGetRequest(rawURL, nil), CacheOptions{})
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := c.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := afero.WriteFile(c.fs, path, resp.Body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	c.logger.Info("downloaded file", "url", rawURL, "path", path, "bytes", len(resp.Body))
	return nil
}

// Purge removes cached entries older than maxAge, or all of them when maxAge <= 0.
func (c *Client) Purge(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := c.acquire(); err != nil {
		return 0, err
	}
	defer c.inflight.Done()

	if c.cache == nil {
		return 0, nil
	}
	n, err := c.cache.Purge(ctx, maxAge)
	c.metrics.RecordCachePurge(n)
	return n, err
}

// Stats returns a snapshot of the statistics.
func (c *Client) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// ResetStats zeroes the statistics.
func (c *Client) ResetStats() {
	c.stats.Reset()
}

// ProxyPool exposes the proxy pool for runtime membership changes.
func (c *Client) ProxyPool() *ProxyPool {
	return c.pool
}

// Metrics returns the metrics collector, or nil.
func (c *Client) Metrics() *MetricsCollector {
	return c.metrics
}

// Close waits for in-flight requests and pending cache writes, saves
// cookies and releases the cache medium. Later calls fail with ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.lifecycle.Lock()
		c.closed = true
		c.lifecycle.Unlock()

		c.inflight.Wait()
		c.pending.Wait()

		var errs []error
		if c.cookieFile != "" {
			if err := c.jar.Save(c.fs, c.cookieFile); err != nil {
				errs = append(errs, fmt.Errorf("save cookies: %w", err))
			}
		}
		if c.cache != nil {
			if err := c.cache.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close cache: %w", err))
			}
		}
		if c.httpFetcher != nil {
			c.httpFetcher.CloseIdleConnections()
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func (c *Client) acquire() error {
	c.lifecycle.RLock()
	defer c.lifecycle.RUnlock()
	if c.closed {
		return ErrClosed
	}
	c.inflight.Add(1)
	return nil
}

func validateRequest(req *Request) *Error {
	if req == nil {
		return &Error{Kind: KindPermanentRequestFailure, Message: "nil request"}
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return &Error{Kind: KindPermanentRequestFailure, Message: "malformed URL", Cause: err, URL: req.URL}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &Error{Kind: KindPermanentRequestFailure, Message: "URL must be http or https", URL: req.URL}
	}
	if u.Host == "" {
		return &Error{Kind: KindPermanentRequestFailure, Message: "URL has no host", URL: req.URL}
	}
	return nil
}

func buildURL(raw string, params url.Values) string {
	if len(params) == 0 {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
