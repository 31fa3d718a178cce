// Package gentlefetch orchestrates polite, resilient requests through a
// fetch primitive such as a challenge-solving HTTP client:
//
//   - Response cache with max-age freshness on pluggable media (files, bigcache, LevelDB, Redis)
//   - Randomized politeness delay per execution lane, plus an optional requests-per-second ceiling
//   - Proxy pool with health tracking; rotation prefers success rate, then latency
//   - Retries driven by an explicit state machine and a failure classifier
//   - Bounded, order-preserving batch execution
//   - Statistics, Prometheus metrics and zap logging
//
// Typical usage:
//
//	client, err := gentlefetch.New(
//	    gentlefetch.WithDelayRange(2*time.Second, 5*time.Second),
//	    gentlefetch.WithMaxRetries(3),
//	    gentlefetch.WithProxies(proxies, true),
//	    gentlefetch.WithFileCache("cache"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	resp, err := client.Get(ctx, "https://example.com/data", nil, gentlefetch.CacheOptions{UseCache: true})
//
// Only responses with a status below 400 are successes. Server errors,
// timeouts and transport failures are retried; 429 is retried honouring
// Retry-After; other 4xx fail immediately. Failures are returned as *Error
// whose Kind tells exhaustion, permanent rejection and proxy unavailability
// apart.
package gentlefetch
