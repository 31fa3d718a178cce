// Package backoff computes the pause between retry attempts.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Params bundles the tunables shared by every strategy.
type Params struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultParams mirrors the client defaults.
func DefaultParams() Params {
	return Params{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// Strategy computes the delay before retry number attempt (0-based).
type Strategy interface {
	Next(attempt int, p Params) time.Duration
}

// Exponential grows the delay by Multiplier per attempt and adds up to Jitter*delay of noise.
type Exponential struct{}

// Next implements Strategy.
func (Exponential) Next(attempt int, p Params) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// beyond this the float overflows into Max anyway
	if attempt > 30 {
		attempt = 30
	}

	d := time.Duration(float64(p.Initial) * pow(p.Multiplier, attempt))
	if d < 0 || d > p.Max {
		d = p.Max
	}

	if j := clampJitter(p.Jitter); j > 0 {
		extra := time.Duration(float64(d) * j * rand.Float64())
		if d+extra > p.Max {
			return p.Max
		}
		d += extra
	}
	return d
}

// Decorrelated draws uniformly from [Initial, min(Max, Initial*3^attempt)].
type Decorrelated struct{}

// Next implements Strategy.
func (Decorrelated) Next(attempt int, p Params) time.Duration {
	if attempt <= 0 {
		return p.Initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(p.Initial)
	upper := base * pow(3.0, attempt)
	if upper > float64(p.Max) || upper < 0 {
		upper = float64(p.Max)
	}
	if upper < base {
		upper = base
	}

	d := time.Duration(base + rand.Float64()*(upper-base))
	if d < 0 || d > p.Max {
		d = p.Max
	}
	return d
}

// Fixed always waits Delay, or Params.Initial when Delay is zero.
type Fixed struct {
	Delay time.Duration
}

// Next implements Strategy.
func (f Fixed) Next(_ int, p Params) time.Duration {
	if f.Delay > 0 {
		return f.Delay
	}
	return p.Initial
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
