package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/mcpprobe/mcpprobe/pkg/errors"
)

// fakeSleeper records requested delays and returns instantly.
type fakeSleeper struct {
	delays []time.Duration
}

func (s *fakeSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestBackoffDelaySchedule(t *testing.T) {
	p := Policy{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
	}

	assert.Equal(t, time.Duration(0), p.BackoffDelay(1), "first attempt has no delay")
	assert.Equal(t, 1*time.Second, p.BackoffDelay(2))
	assert.Equal(t, 2*time.Second, p.BackoffDelay(3))
	assert.Equal(t, 4*time.Second, p.BackoffDelay(4))
	assert.Equal(t, 8*time.Second, p.BackoffDelay(5))
	assert.Equal(t, 10*time.Second, p.BackoffDelay(6), "capped at max")
	assert.Equal(t, 10*time.Second, p.BackoffDelay(20), "stays at max")
}

func TestJitterStaysWithinBounds(t *testing.T) {
	p := Policy{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	}
	base := p.BackoffDelay(4) // 4s

	for i := 0; i < 200; i++ {
		d := p.delayFor(4, errors.New("transient"))
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75))
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25))
	}
}

func TestDelayForRetryAfterOverride(t *testing.T) {
	p := Policy{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
	}

	rateLimited := mcperrors.ConnectionStatus("http", "send", 429)
	rateLimited.RetryAfter = 3 * time.Second
	assert.Equal(t, 3*time.Second, p.delayFor(2, rateLimited))

	// A hint beyond MaxDelay is capped, the server does not own our budget.
	rateLimited.RetryAfter = time.Hour
	assert.Equal(t, 10*time.Second, p.delayFor(2, rateLimited))
}

func TestDefaultShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", mcperrors.Timeout("op", time.Second), true},
		{"network reset", mcperrors.Connection("http", "send", errors.New("connection reset")), true},
		{"server error", mcperrors.ConnectionStatus("http", "send", 503), true},
		{"rate limited", mcperrors.ConnectionStatus("http", "send", 429), true},
		{"request timeout", mcperrors.ConnectionStatus("http", "send", 408), true},
		{"unauthorized", mcperrors.ConnectionStatus("http", "send", 401), false},
		{"forbidden", mcperrors.ConnectionStatus("http", "send", 403), false},
		{"protocol", mcperrors.Protocol("tools/call", -32602, "bad params", nil), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultShouldRetry(tt.err))
		})
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	s := &fakeSleeper{}
	calls := 0
	err := doWithSleeper(context.Background(), "op", Policy{MaxAttempts: 3}, func(ctx context.Context) error {
		calls++
		return nil
	}, s)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, s.delays)
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	s := &fakeSleeper{}
	p := Policy{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}

	calls := 0
	err := doWithSleeper(context.Background(), "op", p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return mcperrors.Timeout("op", time.Second)
		}
		return nil
	}, s)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.delays)
}

func TestDoInvokesOnRetryPerAttempt(t *testing.T) {
	var attempts []int
	p := Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		OnRetry: func(attempt int, err error) {
			attempts = append(attempts, attempt)
			assert.Error(t, err)
		},
	}

	err := doWithSleeper(context.Background(), "op", p, func(ctx context.Context) error {
		return mcperrors.Timeout("op", time.Second)
	}, &fakeSleeper{})

	var exhausted *mcperrors.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, []int{2, 3}, attempts, "called once per retry, never for the first attempt")
}

func TestDoExhaustionWrapsLastError(t *testing.T) {
	s := &fakeSleeper{}
	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}

	cause := mcperrors.Timeout("slow-op", time.Second)
	err := doWithSleeper(context.Background(), "slow-op", p, func(ctx context.Context) error {
		return cause
	}, s)

	var exhausted *mcperrors.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "slow-op", exhausted.Op)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "slow-op")
	assert.Contains(t, err.Error(), "3")
}

func TestDoDoesNotRetryProtocolErrors(t *testing.T) {
	calls := 0
	perr := mcperrors.Protocol("tools/call", -32602, "bad params", nil)
	err := doWithSleeper(context.Background(), "op", Policy{MaxAttempts: 5}, func(ctx context.Context) error {
		calls++
		return perr
	}, &fakeSleeper{})

	assert.Equal(t, 1, calls)
	assert.Equal(t, perr, err)
}

func TestDoStopShortCircuits(t *testing.T) {
	calls := 0
	cause := errors.New("permanent")
	err := doWithSleeper(context.Background(), "op", Policy{MaxAttempts: 5}, func(ctx context.Context) error {
		calls++
		return Stop(cause)
	}, &fakeSleeper{})

	assert.Equal(t, 1, calls)
	assert.Equal(t, cause, err)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := doWithSleeper(ctx, "op", Policy{MaxAttempts: 5, InitialDelay: time.Second}, func(ctx context.Context) error {
		calls++
		cancel()
		return mcperrors.Timeout("op", time.Second)
	}, &fakeSleeper{})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToolCallPolicyRetriesOnlyTimeouts(t *testing.T) {
	p := ToolCallPolicy()

	calls := 0
	err := doWithSleeper(context.Background(), "tool", p, func(ctx context.Context) error {
		calls++
		return mcperrors.Timeout("tool", time.Second)
	}, &fakeSleeper{})
	assert.Equal(t, 2, calls, "exactly one timeout retry")
	var exhausted *mcperrors.RetryExhaustedError
	assert.ErrorAs(t, err, &exhausted)

	calls = 0
	connErr := mcperrors.Connection("http", "send", errors.New("refused"))
	err = doWithSleeper(context.Background(), "tool", p, func(ctx context.Context) error {
		calls++
		return connErr
	}, &fakeSleeper{})
	assert.Equal(t, 1, calls, "connection errors are not retried for tool calls")
	assert.Equal(t, connErr, err)
}

func TestDeadlineTimeoutFor(t *testing.T) {
	d := NewDeadline(100 * time.Millisecond)

	assert.LessOrEqual(t, d.TimeoutFor(time.Hour), 100*time.Millisecond)
	assert.Equal(t, time.Millisecond, d.TimeoutFor(time.Millisecond))
	assert.False(t, d.Expired())

	time.Sleep(120 * time.Millisecond)
	assert.True(t, d.Expired())
	assert.Equal(t, time.Duration(0), d.TimeoutFor(time.Hour))
}
