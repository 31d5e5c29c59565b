package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	mcperrors "github.com/mcpprobe/mcpprobe/pkg/errors"
	"github.com/mcpprobe/mcpprobe/pkg/logging"
)

// BreakerConfig tunes one named circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold uint32
	// FailureWindow is the closed-state period after which failure counts
	// reset. Zero means counts never reset while closed.
	FailureWindow time.Duration
	// ResetTime is how long the circuit stays open before allowing one
	// trial call.
	ResetTime time.Duration
	Logger    logging.Logger
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTime == 0 {
		c.ResetTime = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	return c
}

// Breaker fails calls fast once a peer has shown itself unhealthy. While
// open, calls are rejected locally without touching the network; after
// ResetTime exactly one trial call passes through.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreaker creates a named breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one trial call in half-open
		Interval:    cfg.FailureWindow,
		Timeout:     cfg.ResetTime,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("breaker state change",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	return &Breaker{name: name, cb: cb}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// StateValue maps the breaker state onto a gauge value: 0 closed,
// 1 half-open, 2 open.
func (b *Breaker) StateValue() float64 {
	switch b.cb.State() {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Execute runs fn through the breaker. A rejected call returns a
// BreakerOpenError naming the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return mcperrors.BreakerOpen(b.name)
	}
	return err
}

// Registry holds breakers by name so every call site targeting the same
// endpoint shares one. An explicit registry, not a package global; tests and
// independent probes get isolated instances.
type Registry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{cfg: cfg, breakers: map[string]*Breaker{}}
}

// Get returns the breaker with the given name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Each calls fn for every registered breaker.
func (r *Registry) Each(fn func(*Breaker)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		fn(b)
	}
}

// Names returns the registered breaker names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}
