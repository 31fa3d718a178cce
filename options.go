package gentlefetch

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ambiyansyah-risyal/gentlefetch/medium"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy int

const (
	// ExponentialJitter grows the delay geometrically with uniform jitter.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter draws each delay from a widening random window.
	DecorrelatedJitter
	// FixedDelay waits the same amount before every retry.
	FixedDelay
)

func (s BackoffStrategy) String() string {
	switch s {
	case ExponentialJitter:
		return "exponential"
	case DecorrelatedJitter:
		return "decorrelated"
	case FixedDelay:
		return "fixed"
	default:
		return "unknown"
	}
}

// WithFetcher replaces the default net/http fetcher, e.g. with a
// challenge-solving client.
func WithFetcher(f Fetcher) Option {
	return func(c *Client) {
		c.fetcher = f
	}
}

// WithMiddleware adds middleware around every attempt.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithMaxRetries sets the maximum number of attempts per logical request.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithInitialBackoff sets the initial backoff duration
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = d
	}
}

// WithMaxBackoff sets the maximum backoff duration
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.maxBackoff = d
	}
}

// WithBackoffMultiplier sets the backoff multiplier
func WithBackoffMultiplier(f float64) Option {
	return func(c *Client) {
		c.backoffMultiplier = f
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0)
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.jitter = f
	}
}

// WithBackoffStrategy selects the backoff algorithm.
func WithBackoffStrategy(s BackoffStrategy) Option {
	return func(c *Client) {
		c.backoffStrategy = s
	}
}

// WithFixedBackoff waits d before every retry.
func WithFixedBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.backoffStrategy = FixedDelay
		c.fixedBackoff = d
		if c.maxBackoff < d {
			c.maxBackoff = d
		}
	}
}

// WithClassifier replaces the failure classifier.
func WithClassifier(fn Classifier) Option {
	return func(c *Client) {
		c.classifier = fn
	}
}

// WithRetryBudget caps retries across all requests to maxRetries per window.
func WithRetryBudget(maxRetries int, window time.Duration) Option {
	return func(c *Client) {
		c.retryBudgetMax = maxRetries
		c.retryBudgetWindow = window
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithDelayRange sets the bounds of the random politeness delay between
// consecutive requests of the same lane.
func WithDelayRange(min, max time.Duration) Option {
	return func(c *Client) {
		c.minDelay = min
		c.maxDelay = max
	}
}

// WithSharedRateLimit makes all callers share one politeness delay instead
// of one per lane.
func WithSharedRateLimit() Option {
	return func(c *Client) {
		c.sharedRateLimit = true
	}
}

// WithRequestsPerSecond adds a global ceiling on attempts per second.
func WithRequestsPerSecond(rps float64, burst int) Option {
	return func(c *Client) {
		c.requestsPerSecond = rps
		c.burst = burst
	}
}

// WithProxy routes every request through a single proxy.
func WithProxy(address string) Option {
	return func(c *Client) {
		c.proxies = []string{address}
		c.rotateProxies = false
	}
}

// WithProxies configures a proxy list. With rotate set, each attempt picks
// the healthiest proxy; otherwise the first is always used.
func WithProxies(addresses []string, rotate bool) Option {
	return func(c *Client) {
		c.proxies = append([]string(nil), addresses...)
		c.rotateProxies = rotate
	}
}

// WithRequireProxy fails requests with ProxyUnavailable instead of going
// direct when no proxy can be selected.
func WithRequireProxy() Option {
	return func(c *Client) {
		c.requireProxy = true
	}
}

// WithProxyRanking replaces the ranking used to pick among proxies with history.
func WithProxyRanking(rank RankFunc) Option {
	return func(c *Client) {
		c.proxyRanking = rank
	}
}

// WithCache stores responses on m.
func WithCache(m medium.Medium) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.medium = m
	}
}

// WithFileCache stores responses as JSON files under dir.
func WithFileCache(dir string) Option {
	return func(c *Client) {
		c.cacheEnabled = true
		c.medium = nil
		c.cacheDir = dir
	}
}

// WithoutCache disables the response cache.
func WithoutCache() Option {
	return func(c *Client) {
		c.cacheEnabled = false
		c.medium = nil
	}
}

// WithCacheMaxAge sets the default freshness window of cached responses.
func WithCacheMaxAge(d time.Duration) Option {
	return func(c *Client) {
		c.cacheMaxAge = d
	}
}

// WithAsyncCacheWrites writes cache entries in the background. Close
// waits for them.
func WithAsyncCacheWrites() Option {
	return func(c *Client) {
		c.asyncCacheWrites = true
	}
}

// WithFileSystem sets the file system used for the file cache, cookies and downloads.
func WithFileSystem(fs afero.Fs) Option {
	return func(c *Client) {
		c.fs = fs
	}
}

// WithHeaders sets default headers. Request headers take precedence.
func WithHeaders(h http.Header) Option {
	return func(c *Client) {
		for k, vs := range h {
			c.headers[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
		}
	}
}

// WithHeader sets one default header.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// WithVerifySSL toggles TLS certificate verification of the default fetcher.
func WithVerifySSL(verify bool) Option {
	return func(c *Client) {
		c.verifySSL = verify
	}
}

// WithCookieFile loads cookies from path on New and saves them on Close.
func WithCookieFile(path string) Option {
	return func(c *Client) {
		c.cookieFile = path
	}
}

// WithMaxConcurrent sets the default batch concurrency.
func WithMaxConcurrent(n int) Option {
	return func(c *Client) {
		c.maxConcurrent = n
	}
}

// WithStats records statistics into s, which may be shared between clients.
func WithStats(s *Stats) Option {
	return func(c *Client) {
		c.stats = s
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithZapLogger logs through a zap logger.
func WithZapLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = NewZapLogger(logger)
	}
}

// WithClock sets the time source.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithSleep replaces the wait primitive used for politeness delays and backoff.
func WithSleep(sleep SleepFunc) Option {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// WithDeduplication lets concurrent identical cacheable requests share one execution.
func WithDeduplication() Option {
	return func(c *Client) {
		c.deduplicate = true
	}
}

// ValidateConfiguration reports every configuration problem at once.
func (c *Client) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, c.validateRetryConfig()...)
	problems = append(problems, c.validateRateLimitConfig()...)
	problems = append(problems, c.validateProxyConfig()...)
	problems = append(problems, c.validateCacheConfig()...)
	problems = append(problems, c.validateMiddlewareConfig()...)
	problems = append(problems, c.validateExtremeValues()...)

	if len(problems) > 0 {
		return &Error{
			Kind:    KindValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %s", strings.Join(problems, "; ")),
		}
	}
	return nil
}

func (c *Client) validateRetryConfig() []string {
	var problems []string

	if c.maxRetries < 1 {
		problems = append(problems, "maxRetries must be at least 1")
	}
	if c.initialBackoff <= 0 && c.backoffStrategy != FixedDelay {
		problems = append(problems, "initialBackoff must be positive")
	}
	if c.maxBackoff < c.initialBackoff {
		problems = append(problems, "maxBackoff must be greater than or equal to initialBackoff")
	}
	if c.backoffMultiplier <= 0 {
		problems = append(problems, "backoffMultiplier must be positive")
	}
	if c.timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if c.retryBudgetMax < 0 || (c.retryBudgetMax > 0 && c.retryBudgetWindow <= 0) {
		problems = append(problems, "retry budget needs a positive size and window")
	}
	return problems
}

func (c *Client) validateRateLimitConfig() []string {
	var problems []string

	if c.minDelay < 0 {
		problems = append(problems, "minimum delay must be non-negative")
	}
	if c.maxDelay < c.minDelay {
		problems = append(problems, "maximum delay must be greater than or equal to minimum delay")
	}
	if c.requestsPerSecond < 0 {
		problems = append(problems, "requestsPerSecond must be non-negative")
	}
	if c.maxConcurrent < 1 {
		problems = append(problems, "maxConcurrent must be at least 1")
	}
	return problems
}

func (c *Client) validateProxyConfig() []string {
	var problems []string

	for i, p := range c.proxies {
		if strings.TrimSpace(p) == "" {
			problems = append(problems, fmt.Sprintf("proxies[%d] cannot be empty", i))
		}
	}
	if c.requireProxy && len(c.proxies) == 0 {
		problems = append(problems, "requireProxy needs at least one proxy")
	}
	return problems
}

func (c *Client) validateCacheConfig() []string {
	var problems []string

	if c.cacheEnabled && c.cacheMaxAge <= 0 {
		problems = append(problems, "cacheMaxAge must be positive when cache is enabled")
	}
	if c.cacheEnabled && c.medium == nil && c.cacheDir == "" {
		problems = append(problems, "cache needs a medium or a directory")
	}
	return problems
}

func (c *Client) validateMiddlewareConfig() []string {
	var problems []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			problems = append(problems, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}
	return problems
}

func (c *Client) validateExtremeValues() []string {
	var problems []string

	if c.maxRetries > 100 {
		problems = append(problems, "maxRetries > 100 may cause excessive resource usage")
	}
	if c.maxBackoff > time.Hour {
		problems = append(problems, "maxBackoff > 1h may cause extremely long delays")
	}
	if c.maxDelay > time.Hour {
		problems = append(problems, "maximum delay > 1h may cause extremely long delays")
	}
	if c.timeout > 10*time.Minute {
		problems = append(problems, "timeout > 10m may cause requests to hang for too long")
	}
	return problems
}
