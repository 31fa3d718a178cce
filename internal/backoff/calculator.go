package backoff

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Calculator pairs a Strategy with its parameters.
type Calculator struct {
	strategy Strategy
	params   Params
}

// NewCalculator creates a calculator. A nil strategy means Exponential.
func NewCalculator(strategy Strategy, params Params) *Calculator {
	if strategy == nil {
		strategy = Exponential{}
	}
	return &Calculator{strategy: strategy, params: params}
}

// Delay returns the pause before retry number attempt. A positive hint (from a
// server Retry-After) replaces the computed delay, capped at Params.Max.
func (c *Calculator) Delay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		if c.params.Max > 0 && hint > c.params.Max {
			return c.params.Max
		}
		return hint
	}
	return c.strategy.Next(attempt, c.params)
}

// Strategy returns the configured strategy.
func (c *Calculator) Strategy() Strategy {
	return c.strategy
}

// Params returns the configured parameters.
func (c *Calculator) Params() Params {
	return c.params
}

// ParseRetryAfter reads a Retry-After header value given either as delta
// seconds or as an HTTP-date relative to now. Invalid or past values yield 0.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
