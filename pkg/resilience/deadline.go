package resilience

import (
	"context"
	"time"
)

// Deadline is a shrinking time budget shared by a sequence of operations.
// Each step asks for a timeout and gets at most what remains, so a slow
// early step cannot push the whole sequence past its overall bound.
type Deadline struct {
	at time.Time
}

// NewDeadline starts a budget of d from now.
func NewDeadline(d time.Duration) *Deadline {
	return &Deadline{at: time.Now().Add(d)}
}

// Remaining returns the unspent budget, never negative.
func (d *Deadline) Remaining() time.Duration {
	r := time.Until(d.at)
	if r < 0 {
		return 0
	}
	return r
}

// Expired reports whether the budget is spent.
func (d *Deadline) Expired() bool {
	return d.Remaining() == 0
}

// TimeoutFor returns the timeout to use for one step: the requested maximum
// or the remaining budget, whichever is smaller.
func (d *Deadline) TimeoutFor(max time.Duration) time.Duration {
	if r := d.Remaining(); r < max {
		return r
	}
	return max
}

// Context derives a context bounded by the remaining budget.
func (d *Deadline) Context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithDeadline(parent, d.at)
}
