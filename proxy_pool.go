package gentlefetch

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Outcome is the result of one attempt as seen by the proxy pool.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// ProxyRecord is the running history of one proxy.
type ProxyRecord struct {
	Address      string
	SuccessCount int64
	FailureCount int64
	TotalLatency time.Duration
	LastUsedAt   time.Time
	InRotation   bool
}

// Attempts returns the number of completed attempts.
func (r ProxyRecord) Attempts() int64 {
	return r.SuccessCount + r.FailureCount
}

// SuccessRate is undefined until the proxy has been used.
func (r ProxyRecord) SuccessRate() Ratio {
	return newRatio(float64(r.SuccessCount), float64(r.Attempts()))
}

// AverageLatency is zero until the proxy has been used.
func (r ProxyRecord) AverageLatency() time.Duration {
	n := r.Attempts()
	if n == 0 {
		return 0
	}
	return r.TotalLatency / time.Duration(n)
}

// ProxyStats is the exported per-proxy view.
type ProxyStats struct {
	SuccessRate    Ratio         `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	Attempts       int64         `json:"attempts"`
	Failures       int64         `json:"failures"`
	InRotation     bool          `json:"in_rotation"`
	LastUsedAt     time.Time     `json:"last_used_at"`
}

// ProxyPoolOption configures a ProxyPool.
type ProxyPoolOption func(*ProxyPool)

// WithPoolRanking replaces the ranking used once every proxy has history.
func WithPoolRanking(rank RankFunc) ProxyPoolOption {
	return func(p *ProxyPool) {
		if rank != nil {
			p.rank = rank
		}
	}
}

// WithPoolClock sets the time source for LastUsedAt.
func WithPoolClock(clk clock.Clock) ProxyPoolOption {
	return func(p *ProxyPool) {
		p.clock = clk
	}
}

// ProxyPool tracks proxy health and selects a proxy for every attempt.
// Membership and statistics share one mutex.
type ProxyPool struct {
	mu      sync.Mutex
	order   []string
	records map[string]*ProxyRecord
	rotate  bool
	cursor  int

	rank  RankFunc
	clock clock.Clock
}

// NewProxyPool creates a pool. Without rotation only the first address is
// ever selected. Duplicate and empty addresses are ignored.
func NewProxyPool(addresses []string, rotate bool, opts ...ProxyPoolOption) *ProxyPool {
	p := &ProxyPool{
		records: make(map[string]*ProxyRecord),
		rotate:  rotate,
		rank:    RankBySuccessThenLatency,
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, a := range addresses {
		p.Add(a)
	}
	return p
}

// Rotating reports whether the pool rotates.
func (p *ProxyPool) Rotating() bool {
	return p.rotate
}

// Select returns the proxy for the next attempt, or false to go direct.
func (p *ProxyPool) Select() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.rotate {
		if len(p.order) == 0 {
			return "", false
		}
		r := p.records[p.order[0]]
		if !r.InRotation {
			return "", false
		}
		r.LastUsedAt = p.clock.Now()
		return r.Address, true
	}

	candidates := make([]*ProxyRecord, 0, len(p.order))
	var untried []*ProxyRecord
	for _, a := range p.order {
		r := p.records[a]
		if !r.InRotation {
			continue
		}
		candidates = append(candidates, r)
		if r.Attempts() == 0 {
			untried = append(untried, r)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	group := untried
	if len(group) == 0 {
		group = p.bestGroup(candidates)
	}

	r := group[p.cursor%len(group)]
	p.cursor++
	r.LastUsedAt = p.clock.Now()
	return r.Address, true
}

// bestGroup returns the candidates that tie for the best rank.
func (p *ProxyPool) bestGroup(candidates []*ProxyRecord) []*ProxyRecord {
	scores := make([]ProxyScore, len(candidates))
	for i, r := range candidates {
		scores[i] = ScoreProxy(*r)
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if p.rank(scores[i], scores[best]) < 0 {
			best = i
		}
	}
	group := make([]*ProxyRecord, 0, 1)
	for i, s := range scores {
		if p.rank(s, scores[best]) == 0 {
			group = append(group, candidates[i])
		}
	}
	return group
}

// Record adds the outcome of an attempt. Unknown addresses are ignored so
// that removing a proxy mid-flight is harmless.
func (p *ProxyPool) Record(address string, outcome Outcome, latency time.Duration) (ProxyRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.records[address]
	if !ok {
		return ProxyRecord{}, false
	}
	if outcome == OutcomeSuccess {
		r.SuccessCount++
	} else {
		r.FailureCount++
	}
	if latency > 0 {
		r.TotalLatency += latency
	}
	return *r, true
}

// Add inserts a proxy into rotation. It returns false when already present.
func (p *ProxyPool) Add(address string) bool {
	if address == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[address]; ok {
		return false
	}
	p.records[address] = &ProxyRecord{Address: address, InRotation: true}
	p.order = append(p.order, address)
	return true
}

// Remove drops a proxy and its history.
func (p *ProxyPool) Remove(address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.records[address]; !ok {
		return false
	}
	delete(p.records, address)
	for i, a := range p.order {
		if a == address {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// SetInRotation enables or disables a proxy without losing its history.
func (p *ProxyPool) SetInRotation(address string, in bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[address]
	if !ok {
		return false
	}
	r.InRotation = in
	return true
}

// Len returns the number of known proxies.
func (p *ProxyPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Records returns copies of every record in insertion order.
func (p *ProxyPool) Records() []ProxyRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProxyRecord, 0, len(p.order))
	for _, a := range p.order {
		out = append(out, *p.records[a])
	}
	return out
}

// Stats returns a snapshot keyed by proxy address.
func (p *ProxyPool) Stats() map[string]ProxyStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]ProxyStats, len(p.records))
	for a, r := range p.records {
		out[a] = ProxyStats{
			SuccessRate:    r.SuccessRate(),
			AverageLatency: r.AverageLatency(),
			Attempts:       r.Attempts(),
			Failures:       r.FailureCount,
			InRotation:     r.InRotation,
			LastUsedAt:     r.LastUsedAt,
		}
	}
	return out
}

// Ranked returns the in-rotation proxies ordered best first.
func (p *ProxyPool) Ranked() []ProxyScore {
	p.mu.Lock()
	scores := make([]ProxyScore, 0, len(p.order))
	for _, a := range p.order {
		if r := p.records[a]; r.InRotation {
			scores = append(scores, ScoreProxy(*r))
		}
	}
	rank := p.rank
	p.mu.Unlock()

	sort.SliceStable(scores, func(i, j int) bool {
		return rank(scores[i], scores[j]) < 0
	})
	return scores
}
