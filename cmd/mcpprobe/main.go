// Command mcpprobe probes MCP servers: it connects over the configured
// transport, runs the initialize handshake, enumerates tools, prompts and
// resources and reports drift against a stored baseline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcpprobe/mcpprobe/pkg/baseline"
	"github.com/mcpprobe/mcpprobe/pkg/config"
	"github.com/mcpprobe/mcpprobe/pkg/logging"
	"github.com/mcpprobe/mcpprobe/pkg/observability"
	"github.com/mcpprobe/mcpprobe/pkg/prober"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   = flag.String("config", "mcpprobe.yaml", "Path to the YAML configuration")
		baselinePath = flag.String("baseline", "", "Baseline snapshot for drift detection (overrides config)")
		outPath      = flag.String("out", "", "Write the run snapshot to this path")
		updateBase   = flag.Bool("update-baseline", false, "Overwrite the baseline with this run's snapshot")
		logLevel     = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *baselinePath != "" {
		cfg.BaselinePath = *baselinePath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logging.New(os.Stderr, logging.NewTextFormatter())
	switch cfg.LogLevel {
	case "debug":
		logger.SetLevel(logging.DebugLevel)
	case "warn":
		logger.SetLevel(logging.WarnLevel)
	case "error":
		logger.SetLevel(logging.ErrorLevel)
	default:
		logger.SetLevel(logging.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		logger.Error("tracing setup failed", logging.ErrorField(err))
		return 2
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", logging.ErrorField(err))
		}
	}()

	metrics := observability.NewMetrics(observability.MetricsConfig{})
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server failed", logging.ErrorField(err))
			}
		}()
		defer srv.Close()
	}

	p := prober.New(cfg, prober.WithLogger(logger), prober.WithMetrics(metrics))

	logger.Info("starting probe run",
		logging.Int("targets", len(cfg.Targets)),
		logging.Duration("budget", cfg.Probe.Budget))
	snap, err := p.Run(ctx)
	if err != nil {
		logger.Error("probe run failed", logging.ErrorField(err))
		return 1
	}

	if *outPath != "" {
		if err := snap.Save(*outPath); err != nil {
			logger.Error("snapshot write failed", logging.ErrorField(err))
			return 1
		}
	}

	exitCode := 0
	for _, t := range snap.Targets {
		if !t.Reachable {
			logger.Warn("target unreachable",
				logging.String("target", t.Name),
				logging.String("error", t.Error))
			exitCode = 1
		}
	}

	if cfg.BaselinePath != "" {
		exitCode = max(exitCode, reportDrift(cfg, snap, logger, *updateBase))
	}

	printSummary(snap)
	return exitCode
}

// reportDrift diffs the run against the stored baseline. A missing baseline
// is not an error on an update run; the snapshot simply becomes the first
// baseline.
func reportDrift(cfg *config.Config, snap *baseline.Snapshot, logger logging.Logger, update bool) int {
	prev, err := baseline.Load(cfg.BaselinePath)
	switch {
	case err == nil:
		report := baseline.Diff(prev, snap)
		if !report.Clean() {
			data, _ := json.MarshalIndent(report, "", "  ")
			fmt.Fprintln(os.Stdout, string(data))
			if !update {
				return 3
			}
		}
	case errors.Is(err, os.ErrNotExist) && update:
		// First run, nothing to diff.
	default:
		logger.Error("baseline load failed", logging.ErrorField(err))
		return 2
	}

	if update {
		if err := snap.Save(cfg.BaselinePath); err != nil {
			logger.Error("baseline update failed", logging.ErrorField(err))
			return 2
		}
		logger.Info("baseline updated", logging.String("path", cfg.BaselinePath))
	}
	return 0
}

func printSummary(snap *baseline.Snapshot) {
	for _, t := range snap.Targets {
		status := "ok"
		if !t.Reachable {
			status = "unreachable"
		}
		fmt.Printf("%-24s %-6s %-12s tools=%d prompts=%d resources=%d (%s)\n",
			t.Name, t.Transport, status, len(t.Tools), len(t.Prompts), len(t.Resources),
			t.Elapsed.Round(time.Millisecond))
	}
}
