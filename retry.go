package gentlefetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ambiyansyah-risyal/gentlefetch/internal/backoff"
)

// RetryState is a state of the retry state machine.
type RetryState int

const (
	StateAttempting RetryState = iota
	StateSucceeded
	StateExhausted
)

func (s RetryState) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("RetryState(%d)", int(s))
	}
}

// AttemptFunc performs attempt number attempt (1-based).
type AttemptFunc func(ctx context.Context, attempt int) (*FetchResponse, error)

// RetryResult is the terminal outcome of Run.
type RetryResult struct {
	State    RetryState
	Attempts int
	Response *FetchResponse
	// Err is an *Error when State is StateExhausted.
	Err error
}

// RetryHook observes a scheduled retry.
type RetryHook func(attempt int, kind ErrorKind, delay time.Duration)

// RetryController runs an operation under bounded retries.
type RetryController struct {
	maxAttempts int
	classify    Classifier
	backoff     *backoff.Calculator
	sleep       SleepFunc
	clock       clock.Clock
	budget      *RetryBudget
}

// RetryOption configures a RetryController.
type RetryOption func(*RetryController)

// WithRetrySleep replaces the backoff wait primitive.
func WithRetrySleep(sleep SleepFunc) RetryOption {
	return func(c *RetryController) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithRetryClock sets the time source used for Retry-After dates and timestamps.
func WithRetryClock(clk clock.Clock) RetryOption {
	return func(c *RetryController) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithBudget shares a retry budget with the controller.
func WithBudget(budget *RetryBudget) RetryOption {
	return func(c *RetryController) {
		c.budget = budget
	}
}

// NewRetryController creates a controller that makes at most maxAttempts
// attempts (at least one).
func NewRetryController(maxAttempts int, classify Classifier, calc *backoff.Calculator, opts ...RetryOption) *RetryController {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if classify == nil {
		classify = Classify
	}
	if calc == nil {
		calc = backoff.NewCalculator(nil, backoff.DefaultParams())
	}
	c := &RetryController{
		maxAttempts: maxAttempts,
		classify:    classify,
		backoff:     calc,
		clock:       clock.New(),
	}
	c.sleep = c.timerSleep
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxAttempts returns the attempt bound.
func (c *RetryController) MaxAttempts() int {
	return c.maxAttempts
}

// Next is the transition function: given the outcome of attempt number
// attempt it returns the next state and the failure kind.
func (c *RetryController) Next(attempt int, resp *FetchResponse, err error) (RetryState, ErrorKind) {
	kind := c.classify(resp, err)
	switch {
	case kind == KindNone:
		return StateSucceeded, kind
	case !kind.Retryable():
		return StateExhausted, kind
	case attempt >= c.maxAttempts:
		return StateExhausted, kind
	default:
		return StateAttempting, kind
	}
}

// Run drives op until it succeeds, fails permanently or runs out of
// attempts. Backoff waits only suspend the calling goroutine.
func (c *RetryController) Run(ctx context.Context, op AttemptFunc) RetryResult {
	return c.runWithHook(ctx, op, nil)
}

func (c *RetryController) runWithHook(ctx context.Context, op AttemptFunc, onRetry RetryHook) RetryResult {
	var (
		state   = StateAttempting
		attempt int
		resp    *FetchResponse
		err     error
		kind    ErrorKind
	)

	for state == StateAttempting {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.exhausted(attempt, KindPermanentRequestFailure, nil, ctxErr)
		}

		attempt++
		resp, err = op(ctx, attempt)
		if err != nil && ctx.Err() != nil {
			// the caller gave up, not the attempt
			return c.exhausted(attempt, KindPermanentRequestFailure, resp, ctx.Err())
		}

		state, kind = c.Next(attempt, resp, err)
		if state != StateAttempting {
			break
		}

		if !c.budget.Allow() {
			return c.exhausted(attempt, KindRetryExhausted, resp, fmt.Errorf("retry budget exceeded: %w", failureCause(resp, err)))
		}

		delay := c.backoff.Delay(attempt-1, c.retryHint(resp, kind))
		if onRetry != nil {
			onRetry(attempt, kind, delay)
		}
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return c.exhausted(attempt, KindPermanentRequestFailure, resp, sleepErr)
		}
	}

	if state == StateSucceeded {
		return RetryResult{State: StateSucceeded, Attempts: attempt, Response: resp}
	}
	if kind.Retryable() {
		kind = KindRetryExhausted
	}
	return c.exhausted(attempt, kind, resp, err)
}

func (c *RetryController) exhausted(attempt int, kind ErrorKind, resp *FetchResponse, cause error) RetryResult {
	e := &Error{
		Kind:       kind,
		Cause:      failureCause(resp, cause),
		Attempt:    attempt,
		MaxRetries: c.maxAttempts,
		Timestamp:  c.clock.Now(),
	}
	if resp != nil {
		e.StatusCode = resp.StatusCode
	}
	switch kind {
	case KindRetryExhausted:
		e.Message = "retries exhausted"
	case KindPermanentRequestFailure:
		e.Message = "request failed permanently"
	case KindProxyUnavailable:
		e.Message = "no proxy available"
	default:
		e.Message = "request failed"
	}
	return RetryResult{State: StateExhausted, Attempts: attempt, Response: resp, Err: e}
}

// retryHint honours Retry-After on rate-limit and unavailable responses.
func (c *RetryController) retryHint(resp *FetchResponse, kind ErrorKind) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}
	if kind != KindRateLimitSignal && resp.StatusCode != 503 {
		return 0
	}
	return backoff.ParseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now())
}

func (c *RetryController) timerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// failureCause picks the most useful cause: the transport error, else the status.
func failureCause(resp *FetchResponse, err error) error {
	if err != nil {
		return err
	}
	if resp != nil {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// RetryBudget caps the number of retries across all requests within a
// sliding window, so a widespread outage does not multiply load.
type RetryBudget struct {
	mu          sync.Mutex
	maxRetries  int
	perWindow   time.Duration
	current     int
	windowStart time.Time
	clock       clock.Clock
}

// NewRetryBudget creates a new retry budget tracker.
func NewRetryBudget(maxRetries int, perWindow time.Duration, clk clock.Clock) *RetryBudget {
	if clk == nil {
		clk = clock.New()
	}
	return &RetryBudget{
		maxRetries:  maxRetries,
		perWindow:   perWindow,
		windowStart: clk.Now(),
		clock:       clk,
	}
}

// Allow consumes one retry from the budget. A nil budget always allows.
func (rb *RetryBudget) Allow() bool {
	if rb == nil {
		return true
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()

	now := rb.clock.Now()
	if now.Sub(rb.windowStart) >= rb.perWindow {
		rb.windowStart = now
		rb.current = 0
	}
	if rb.current >= rb.maxRetries {
		return false
	}
	rb.current++
	return true
}

// Stats returns current retry budget statistics.
func (rb *RetryBudget) Stats() (current, max int, windowStart time.Time) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.current, rb.maxRetries, rb.windowStart
}
