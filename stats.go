package gentlefetch

import (
	"sync"
	"time"
)

// StatsSnapshot is a consistent copy of the statistics at one instant.
type StatsSnapshot struct {
	RequestsMade       uint64            `json:"requests_made"`
	SuccessfulRequests uint64            `json:"successful_requests"`
	FailedRequests     uint64            `json:"failed_requests"`
	CacheHits          uint64            `json:"cache_hits"`
	CacheMisses        uint64            `json:"cache_misses"`
	TotalRequestTime   time.Duration     `json:"total_request_time"`
	ProxyFailures      map[string]uint64 `json:"proxy_failures"`

	SuccessRate             Ratio         `json:"success_rate"`
	CacheHitRate            Ratio         `json:"cache_hit_rate"`
	AverageRequestTime      time.Duration `json:"average_request_time"`
	AverageRequestTimeValid bool          `json:"average_request_time_valid"`
}

// Stats aggregates request counters. It is owned by whoever creates it and
// can be shared between clients with WithStats.
//
// RequestsMade counts logical requests not served from the cache, each as
// exactly one success or one failure, so it always equals
// SuccessfulRequests + FailedRequests. Cache hits and misses are counted on
// their own.
type Stats struct {
	mu               sync.Mutex
	requestsMade     uint64
	successful       uint64
	failed           uint64
	cacheHits        uint64
	cacheMisses      uint64
	totalRequestTime time.Duration
	proxyFailures    map[string]uint64
}

// NewStats creates zeroed statistics.
func NewStats() *Stats {
	return &Stats{proxyFailures: make(map[string]uint64)}
}

// RecordCacheHit counts a request served from the cache.
func (s *Stats) RecordCacheHit() {
	s.mu.Lock()
	s.cacheHits++
	s.mu.Unlock()
}

// RecordCacheMiss counts a cache lookup that found nothing fresh.
func (s *Stats) RecordCacheMiss() {
	s.mu.Lock()
	s.cacheMisses++
	s.mu.Unlock()
}

// RecordSuccess counts a successful logical request and its duration.
func (s *Stats) RecordSuccess(d time.Duration) {
	s.mu.Lock()
	s.requestsMade++
	s.successful++
	s.totalRequestTime += d
	s.mu.Unlock()
}

// RecordFailure counts a failed logical request.
func (s *Stats) RecordFailure() {
	s.mu.Lock()
	s.requestsMade++
	s.failed++
	s.mu.Unlock()
}

// RecordProxyFailure counts a failed attempt through proxy.
func (s *Stats) RecordProxyFailure(proxy string) {
	if proxy == "" {
		return
	}
	s.mu.Lock()
	s.proxyFailures[proxy]++
	s.mu.Unlock()
}

// Snapshot returns the counters and derived rates.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		RequestsMade:       s.requestsMade,
		SuccessfulRequests: s.successful,
		FailedRequests:     s.failed,
		CacheHits:          s.cacheHits,
		CacheMisses:        s.cacheMisses,
		TotalRequestTime:   s.totalRequestTime,
		ProxyFailures:      make(map[string]uint64, len(s.proxyFailures)),
		SuccessRate:        newRatio(float64(s.successful), float64(s.requestsMade)),
		CacheHitRate:       newRatio(float64(s.cacheHits), float64(s.cacheHits+s.cacheMisses)),
	}
	for p, n := range s.proxyFailures {
		snap.ProxyFailures[p] = n
	}
	if s.successful > 0 {
		snap.AverageRequestTime = s.totalRequestTime / time.Duration(s.successful)
		snap.AverageRequestTimeValid = true
	}
	return snap
}

// Reset zeroes every counter.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestsMade = 0
	s.successful = 0
	s.failed = 0
	s.cacheHits = 0
	s.cacheMisses = 0
	s.totalRequestTime = 0
	s.proxyFailures = make(map[string]uint64)
}
