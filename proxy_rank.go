package gentlefetch

import "time"

// ProxyScore is the ranking view of a proxy's history.
type ProxyScore struct {
	Address        string
	SuccessRate    Ratio
	AverageLatency time.Duration
	Attempts       int64
}

// RankFunc orders two scores: negative when a is preferred, positive when b
// is, zero when they tie.
type RankFunc func(a, b ProxyScore) int

// ScoreProxy derives a score from a record.
func ScoreProxy(r ProxyRecord) ProxyScore {
	return ProxyScore{
		Address:        r.Address,
		SuccessRate:    r.SuccessRate(),
		AverageLatency: r.AverageLatency(),
		Attempts:       r.Attempts(),
	}
}

// RankBySuccessThenLatency prefers the higher success rate and breaks ties
// with the lower average latency. A proxy without history ranks below any
// proxy with history.
func RankBySuccessThenLatency(a, b ProxyScore) int {
	switch {
	case a.SuccessRate.Valid && !b.SuccessRate.Valid:
		return -1
	case !a.SuccessRate.Valid && b.SuccessRate.Valid:
		return 1
	case a.SuccessRate.Value > b.SuccessRate.Value:
		return -1
	case a.SuccessRate.Value < b.SuccessRate.Value:
		return 1
	case a.AverageLatency < b.AverageLatency:
		return -1
	case a.AverageLatency > b.AverageLatency:
		return 1
	default:
		return 0
	}
}
