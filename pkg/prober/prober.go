// Package prober runs probe sessions against configured MCP targets:
// connect, handshake, enumerate capabilities and optionally invoke tools,
// all under a shared time budget with bounded concurrency.
package prober

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mcpprobe/mcpprobe/pkg/auth"
	"github.com/mcpprobe/mcpprobe/pkg/baseline"
	"github.com/mcpprobe/mcpprobe/pkg/client"
	"github.com/mcpprobe/mcpprobe/pkg/config"
	"github.com/mcpprobe/mcpprobe/pkg/logging"
	"github.com/mcpprobe/mcpprobe/pkg/observability"
	"github.com/mcpprobe/mcpprobe/pkg/protocol"
	"github.com/mcpprobe/mcpprobe/pkg/resilience"
	"github.com/mcpprobe/mcpprobe/pkg/transport"
)

// Session is one connected target: the operations the prober needs from the
// client layer, narrowed so tests can substitute a fake.
type Session interface {
	Initialize(ctx context.Context) (*protocol.InitializeResult, error)
	ListTools(ctx context.Context) ([]protocol.Tool, error)
	ListPrompts(ctx context.Context) ([]protocol.Prompt, error)
	ListResources(ctx context.Context) ([]protocol.Resource, error)
	CallTool(ctx context.Context, name string, arguments map[string]any) (*protocol.CallToolResult, error)
	Ping(ctx context.Context) error
	Connect(ctx context.Context) error
	Close() error
}

// Dialer builds a session for one target. The default dials a real
// transport; tests inject their own.
type Dialer func(cfg config.TargetConfig, p *Prober) (Session, error)

// ArgumentSource supplies the arguments used when invoking a discovered
// tool. The default source sends empty arguments; richer sources can derive
// inputs from the tool's schema.
type ArgumentSource interface {
	Arguments(tool protocol.Tool) map[string]any
}

type emptyArguments struct{}

func (emptyArguments) Arguments(protocol.Tool) map[string]any { return map[string]any{} }

// Prober drives a full probe run.
type Prober struct {
	cfg      *config.Config
	logger   logging.Logger
	metrics  *observability.Metrics
	breakers *resilience.Registry
	limiter  *rate.Limiter
	dial     Dialer
	args     ArgumentSource
}

// Option configures a Prober.
type Option func(*Prober)

// WithLogger sets the run logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Prober) { p.logger = l }
}

// WithMetrics attaches a metrics provider.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Prober) { p.metrics = m }
}

// WithDialer replaces the transport dialer.
func WithDialer(d Dialer) Option {
	return func(p *Prober) { p.dial = d }
}

// WithArgumentSource replaces the tool-call argument source.
func WithArgumentSource(s ArgumentSource) Option {
	return func(p *Prober) { p.args = s }
}

// New creates a prober for the given configuration.
func New(cfg *config.Config, opts ...Option) *Prober {
	p := &Prober{
		cfg:    cfg,
		logger: logging.Nop(),
		breakers: resilience.NewRegistry(resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			FailureWindow:    cfg.Breaker.FailureWindow,
			ResetTime:        cfg.Breaker.ResetTime,
		}),
		limiter: rate.NewLimiter(rate.Inf, 1),
		dial:    dialTransport,
		args:    emptyArguments{},
	}
	if cfg.Probe.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.Probe.RateLimit), 1)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run probes every configured target and returns the run snapshot. The
// error is non-nil only when the run itself could not proceed; per-target
// failures are recorded in the snapshot.
func (p *Prober) Run(ctx context.Context) (*baseline.Snapshot, error) {
	snap := baseline.NewSnapshot()
	deadline := resilience.NewDeadline(p.cfg.Probe.Budget)
	ctx, cancel := deadline.Context(ctx)
	defer cancel()

	records := make([]baseline.TargetRecord, len(p.cfg.Targets))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Probe.Concurrency)
	for i, target := range p.cfg.Targets {
		g.Go(func() error {
			records[i] = p.probeTarget(ctx, target, deadline)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap.Targets = records
	return snap, nil
}

// probeTarget runs one target end to end. Every failure is folded into the
// record; a target that cannot even connect is simply unreachable.
func (p *Prober) probeTarget(ctx context.Context, tc config.TargetConfig, deadline *resilience.Deadline) baseline.TargetRecord {
	start := time.Now()
	record := baseline.TargetRecord{Name: tc.Name, Transport: tc.Transport}
	defer func() {
		record.Elapsed = time.Since(start)
		p.countOutcome(tc.Name, record)
	}()

	logger := p.logger.WithFields(logging.String("target", tc.Name))
	ctx, span := observability.StartSpan(ctx, "probe.target",
		observability.StringAttr("target", tc.Name),
		observability.StringAttr("transport", tc.Transport))
	defer span.End()

	sess, err := p.dial(tc, p)
	if err != nil {
		record.Error = err.Error()
		observability.RecordError(span, err)
		return record
	}
	defer sess.Close()

	breaker := p.breakers.Get(tc.Name)

	connect := func(ctx context.Context) error {
		stepCtx, cancel := context.WithTimeout(ctx, deadline.TimeoutFor(p.cfg.Probe.RequestTimeout))
		defer cancel()
		return sess.Connect(stepCtx)
	}
	connectOp := tc.Name + "/connect"
	err = breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, connectOp, p.withRetryMetric(resilience.ConnectPolicy(), connectOp), connect)
	})
	if err != nil {
		record.Error = err.Error()
		observability.RecordError(span, err)
		return record
	}

	init, err := step(ctx, p, breaker, deadline, tc.Name+"/initialize", func(ctx context.Context) (*protocol.InitializeResult, error) {
		return sess.Initialize(ctx)
	})
	if err != nil {
		record.Error = err.Error()
		observability.RecordError(span, err)
		return record
	}
	record.Reachable = true
	record.ServerName = init.ServerInfo.Name
	record.ServerVersion = init.ServerInfo.Version
	logger.Info("initialized",
		logging.String("server", init.ServerInfo.Name),
		logging.String("version", init.ServerInfo.Version))

	p.discover(ctx, sess, breaker, deadline, tc.Name, &record, logger)
	return record
}

// discover enumerates tools, prompts and resources. Listing failures are
// soft; whatever was enumerated stays in the record.
func (p *Prober) discover(ctx context.Context, sess Session, breaker *resilience.Breaker, deadline *resilience.Deadline, name string, record *baseline.TargetRecord, logger logging.Logger) {
	tools, err := step(ctx, p, breaker, deadline, name+"/tools", func(ctx context.Context) ([]protocol.Tool, error) {
		return sess.ListTools(ctx)
	})
	if err != nil {
		logger.Warn("tool listing failed", logging.ErrorField(err))
	}
	for _, tool := range tools {
		record.Tools = append(record.Tools, baseline.ToolRecord{
			Name:        tool.Name,
			Description: tool.Description,
			SchemaHash:  baseline.HashSchema(tool.InputSchema),
		})
	}

	prompts, err := step(ctx, p, breaker, deadline, name+"/prompts", func(ctx context.Context) ([]protocol.Prompt, error) {
		return sess.ListPrompts(ctx)
	})
	if err != nil {
		logger.Debug("prompt listing failed", logging.ErrorField(err))
	}
	for _, pr := range prompts {
		record.Prompts = append(record.Prompts, pr.Name)
	}

	resources, err := step(ctx, p, breaker, deadline, name+"/resources", func(ctx context.Context) ([]protocol.Resource, error) {
		return sess.ListResources(ctx)
	})
	if err != nil {
		logger.Debug("resource listing failed", logging.ErrorField(err))
	}
	for _, res := range resources {
		record.Resources = append(record.Resources, res.URI)
	}

	if p.cfg.Probe.CallTools {
		p.callTools(ctx, sess, deadline, name, tools, logger)
	}
}

// callTools invokes each discovered tool with empty arguments. Tool calls
// get the strict policy: one timeout retry, nothing else, because tools may
// have side effects.
func (p *Prober) callTools(ctx context.Context, sess Session, deadline *resilience.Deadline, name string, tools []protocol.Tool, logger logging.Logger) {
	for _, tool := range tools {
		if deadline.Expired() {
			logger.Warn("budget exhausted, skipping remaining tool calls")
			return
		}
		op := name + "/call/" + tool.Name
		err := resilience.Do(ctx, op, p.withRetryMetric(resilience.ToolCallPolicy(), op), func(ctx context.Context) error {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
			stepCtx, cancel := context.WithTimeout(ctx, deadline.TimeoutFor(p.cfg.Probe.RequestTimeout))
			defer cancel()
			result, err := sess.CallTool(stepCtx, tool.Name, p.args.Arguments(tool))
			if err != nil {
				return err
			}
			if result.IsError {
				logger.Debug("tool reported failure", logging.String("tool", tool.Name))
			}
			return nil
		})
		if err != nil {
			logger.Warn("tool call failed", logging.String("tool", tool.Name), logging.ErrorField(err))
		}
	}
}

// step runs one typed request under the breaker, the default retry policy,
// the rate limiter and the shrinking budget.
func step[T any](ctx context.Context, p *Prober, breaker *resilience.Breaker, deadline *resilience.Deadline, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	policy := p.withRetryMetric(resilience.Policy{
		MaxAttempts:  p.cfg.Retry.MaxAttempts,
		InitialDelay: p.cfg.Retry.InitialDelay,
		Multiplier:   p.cfg.Retry.Multiplier,
		MaxDelay:     p.cfg.Retry.MaxDelay,
		Jitter:       true,
	}, op)
	start := time.Now()
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, op, policy, func(ctx context.Context) error {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
			stepCtx, cancel := context.WithTimeout(ctx, deadline.TimeoutFor(p.cfg.Probe.RequestTimeout))
			defer cancel()
			var err error
			result, err = fn(stepCtx)
			return err
		})
	})
	if p.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.metrics.ObserveRequest(op, status, float64(time.Since(start).Milliseconds()))
	}
	return result, err
}

// withRetryMetric hangs the retry counter off a policy's retry callback.
func (p *Prober) withRetryMetric(policy resilience.Policy, op string) resilience.Policy {
	if p.metrics != nil {
		policy.OnRetry = func(int, error) {
			p.metrics.RetryTotal.WithLabelValues(op).Inc()
		}
	}
	return policy
}

func (p *Prober) countOutcome(target string, record baseline.TargetRecord) {
	if p.metrics == nil {
		return
	}
	verdict := "ok"
	if !record.Reachable {
		verdict = "unreachable"
	} else if record.Error != "" {
		verdict = "error"
	}
	p.metrics.ProbeOutcomes.WithLabelValues(target, verdict).Inc()
	p.breakers.Each(func(b *resilience.Breaker) {
		p.metrics.BreakerState.WithLabelValues(b.Name()).Set(b.StateValue())
	})
}

// dialTransport is the default Dialer: a real transport plus client.
func dialTransport(tc config.TargetConfig, p *Prober) (Session, error) {
	kind := transport.Kind(tc.Transport)
	cfg := transport.DefaultConfig(kind)
	cfg.Endpoint = tc.Endpoint
	cfg.MessageEndpoint = tc.MessageEndpoint
	cfg.Headers = tc.Headers

	provider, err := auth.New(tc.Auth)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", tc.Name, err)
	}
	authHeaders, err := provider.Headers()
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", tc.Name, err)
	}
	if len(authHeaders) > 0 {
		merged := make(map[string]string, len(tc.Headers)+len(authHeaders))
		for k, v := range tc.Headers {
			merged[k] = v
		}
		for k, v := range authHeaders {
			merged[k] = v
		}
		cfg.Headers = merged
	}
	cfg.Command = tc.Command
	cfg.RequestTimeout = p.cfg.Probe.RequestTimeout
	cfg.Logger = p.logger
	if tc.UseNewlineDelimited != nil {
		cfg.UseNewlineDelimited = *tc.UseNewlineDelimited
	}

	tr, err := transport.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", tc.Name, err)
	}
	if p.metrics != nil {
		tr = instrumentTransport(tr, string(kind), p.metrics)
	}
	return client.New(tr,
		client.WithLogger(p.logger),
		client.WithRequestTimeout(p.cfg.Probe.RequestTimeout),
	), nil
}
