// Package resilience groups the failure-handling primitives the probe
// wraps around every network operation: retry with exponential backoff,
// deadline budgets and named circuit breakers.
package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	mcperrors "github.com/mcpprobe/mcpprobe/pkg/errors"
)

// Policy controls retry behaviour for one call site. Policies are values;
// each call site carries its own instead of sharing a global knob.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// InitialDelay seeds the backoff before the second attempt.
	InitialDelay time.Duration
	// Multiplier grows the delay per attempt.
	Multiplier float64
	// MaxDelay caps any single delay, including server retry-after hints.
	MaxDelay time.Duration
	// Jitter applies ±25% random spread to each delay.
	Jitter bool
	// ShouldRetry decides whether an error is worth another attempt.
	// Nil means DefaultShouldRetry.
	ShouldRetry func(error) bool
	// OnRetry is called before each retry with the upcoming attempt number
	// and the error that caused it. Callers hang counters off this.
	OnRetry func(attempt int, err error)
}

// DefaultShouldRetry retries timeouts and connection failures, with one
// exception: a connection error carrying a 4xx status other than 408/429 is
// permanent (auth and quota rejections come back identical on retry).
// Protocol errors, framing errors and open breakers are never retried.
func DefaultShouldRetry(err error) bool {
	var ce *mcperrors.ConnectionError
	if errors.As(err, &ce) && ce.StatusCode != 0 {
		switch {
		case ce.StatusCode == http.StatusRequestTimeout,
			ce.StatusCode == http.StatusTooManyRequests:
			return true
		default:
			return ce.StatusCode >= 500
		}
	}
	switch mcperrors.CategoryOf(err) {
	case mcperrors.CategoryTimeout, mcperrors.CategoryConnection:
		return true
	}
	return false
}

// ConnectPolicy is the minimal policy for connection establishment: fail
// fast, the caller decides whether to try another transport.
func ConnectPolicy() Policy {
	return Policy{
		MaxAttempts:  2,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
	}
}

// LLMPolicy is the generous policy for long-running model-backed tools:
// slow servers and 429s are expected, so the budget is wide.
func LLMPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		Multiplier:   2,
		MaxDelay:     60 * time.Second,
		Jitter:       true,
	}
}

// ToolCallPolicy retries a tool call exactly once, and only on timeout.
// Tool calls can have side effects, so anything else is surfaced as-is.
func ToolCallPolicy() Policy {
	return Policy{
		MaxAttempts:  2,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
		ShouldRetry:  mcperrors.IsTimeout,
	}
}

// BackoffDelay returns the base delay before the given attempt (attempt 2 is
// the first retry): InitialDelay scaled by Multiplier^(attempt-2), capped at
// MaxDelay. Jitter is not applied here.
func (p Policy) BackoffDelay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	delay := p.InitialDelay
	for i := 2; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// delayFor computes the actual sleep before attempt: the server's
// retry-after hint when present (still capped at MaxDelay), otherwise the
// backoff schedule, with jitter applied last.
func (p Policy) delayFor(attempt int, lastErr error) time.Duration {
	delay := p.BackoffDelay(attempt)
	if ra, ok := mcperrors.RetryAfterOf(lastErr); ok {
		delay = ra
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	if p.Jitter && delay > 0 {
		// ±25% spread so synchronized clients do not stampede.
		spread := 0.75 + rand.Float64()*0.5
		delay = time.Duration(float64(delay) * spread)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// StopError wraps an error to make Do return immediately without further
// attempts, regardless of policy.
type StopError struct {
	Err error
}

func (e *StopError) Error() string { return e.Err.Error() }
func (e *StopError) Unwrap() error { return e.Err }

// Stop marks err permanent for the current Do invocation.
func Stop(err error) error {
	return &StopError{Err: err}
}

// sleeper lets tests drive the clock.
type sleeper interface {
	sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn under the policy. It returns nil on the first success, the
// wrapped error for a Stop, ctx.Err() on cancellation, and a
// RetryExhaustedError carrying the last attempt's error once the budget is
// spent.
func Do(ctx context.Context, op string, p Policy, fn func(ctx context.Context) error) error {
	return doWithSleeper(ctx, op, p, fn, realSleeper{})
}

func doWithSleeper(ctx context.Context, op string, p Policy, fn func(ctx context.Context) error, s sleeper) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr)
			}
			if err := s.sleep(ctx, p.delayFor(attempt, lastErr)); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var stop *StopError
		if errors.As(lastErr, &stop) {
			return stop.Err
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
	}
	return mcperrors.RetryExhausted(op, p.MaxAttempts, time.Since(start), lastErr)
}
