package gentlefetch

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// DefaultLane is the lane of callers that never tagged their context.
const DefaultLane = "default"

type laneKey struct{}

// WithLane tags ctx with a rate-limit lane. Requests in the same lane are
// spaced apart; different lanes do not delay each other unless the limiter
// is shared.
func WithLane(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, laneKey{}, name)
}

// LaneFrom returns the lane of ctx, or DefaultLane.
func LaneFrom(ctx context.Context) string {
	if name, ok := ctx.Value(laneKey{}).(string); ok && name != "" {
		return name
	}
	return DefaultLane
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// lane serializes the dispatches of one execution context. The semaphore
// is a channel so that waiting for it honours cancellation.
type lane struct {
	sem        chan struct{}
	last       time.Time
	dispatched bool
}

func newLane() *lane {
	return &lane{sem: make(chan struct{}, 1)}
}

// DelayLimiter enforces a randomized minimum gap between consecutive
// dispatches of the same lane.
type DelayLimiter struct {
	min, max time.Duration
	shared   bool

	clock   clock.Clock
	sleep   SleepFunc
	metrics *MetricsCollector

	mu     sync.Mutex
	lanes  map[string]*lane
	global *lane

	ceiling *rate.Limiter
}

// DelayLimiterOption configures a DelayLimiter.
type DelayLimiterOption func(*DelayLimiter)

// WithLimiterClock sets the time source.
func WithLimiterClock(clk clock.Clock) DelayLimiterOption {
	return func(l *DelayLimiter) {
		l.clock = clk
	}
}

// WithLimiterSleep replaces the wait primitive.
func WithLimiterSleep(sleep SleepFunc) DelayLimiterOption {
	return func(l *DelayLimiter) {
		l.sleep = sleep
	}
}

// WithSharedLane makes every caller share one last-dispatch time.
func WithSharedLane() DelayLimiterOption {
	return func(l *DelayLimiter) {
		l.shared = true
	}
}

// WithCeiling adds a global requests-per-second ceiling checked by Throttle.
func WithCeiling(rps float64, burst int) DelayLimiterOption {
	return func(l *DelayLimiter) {
		if rps <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		l.ceiling = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func withLimiterMetrics(m *MetricsCollector) DelayLimiterOption {
	return func(l *DelayLimiter) {
		l.metrics = m
	}
}

// NewDelayLimiter creates a limiter drawing delays from [min, max]. A max
// below min is raised to min.
func NewDelayLimiter(min, max time.Duration, opts ...DelayLimiterOption) *DelayLimiter {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	l := &DelayLimiter{
		min:    min,
		max:    max,
		clock:  clock.New(),
		lanes:  make(map[string]*lane),
		global: newLane(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sleep == nil {
		l.sleep = l.timerSleep
	}
	return l
}

// Range returns the configured delay bounds.
func (l *DelayLimiter) Range() (time.Duration, time.Duration) {
	return l.min, l.max
}

// Wait blocks until at least a freshly drawn delay has passed since the
// previous dispatch of the caller's lane, then records the dispatch. On
// cancellation it returns the context error and records nothing.
func (l *DelayLimiter) Wait(ctx context.Context) error {
	ln := l.lane(LaneFrom(ctx))

	select {
	case ln.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ln.sem }()

	delay := l.draw()
	var waited time.Duration
	if ln.dispatched {
		if wait := ln.last.Add(delay).Sub(l.clock.Now()); wait > 0 {
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
			waited = wait
		}
	}

	ln.last = l.clock.Now()
	ln.dispatched = true
	l.metrics.RecordRateLimitWait("delay", waited)
	return nil
}

// Throttle applies the requests-per-second ceiling, if configured.
func (l *DelayLimiter) Throttle(ctx context.Context) error {
	if l.ceiling == nil {
		return nil
	}
	return l.ceiling.Wait(ctx)
}

// Forget drops the state of a lane that will not be used again.
func (l *DelayLimiter) Forget(name string) {
	if l.shared {
		return
	}
	l.mu.Lock()
	delete(l.lanes, name)
	l.mu.Unlock()
}

func (l *DelayLimiter) lane(name string) *lane {
	if l.shared {
		return l.global
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lanes[name]
	if !ok {
		ln = newLane()
		l.lanes[name] = ln
	}
	return ln
}

func (l *DelayLimiter) draw() time.Duration {
	span := l.max - l.min
	if span <= 0 {
		return l.min
	}
	return l.min + time.Duration(rand.Int64N(int64(span)+1))
}

func (l *DelayLimiter) timerSleep(ctx context.Context, d time.Duration) error {
	t := l.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
