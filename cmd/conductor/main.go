// Command conductor runs the runtime execution core: durable log, state
// surface, session manager, boundary contract store, saga engine and intent
// gateway, with background expiry sweeps.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meridianlabs/conductor/pkg/config"
	"github.com/meridianlabs/conductor/pkg/contracts"
	"github.com/meridianlabs/conductor/pkg/core"
	"github.com/meridianlabs/conductor/pkg/gateway"
	"github.com/meridianlabs/conductor/pkg/observability"
	"github.com/meridianlabs/conductor/pkg/realm"
	"github.com/meridianlabs/conductor/pkg/saga"
)

const shutdownTimeout = 30 * time.Second

// intakeSchema gates RESOURCE_INTAKE payloads at the gateway edge.
const intakeSchema = `{
	"type": "object",
	"required": ["resource_id"],
	"properties": {
		"resource_id": {"type": "string", "minLength": 1},
		"kind": {"type": "string"},
		"content_hash": {"type": "string"},
		"labels": {"type": "object", "additionalProperties": {"type": "string"}}
	}
}`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("conductor", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML config (optional; env vars override)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "conductor-core",
		ServiceVersion: "0.1.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}

	schemas := gateway.NewSchemaRegistry()
	if err := schemas.Register(contracts.IntentResourceIntake, intakeSchema); err != nil {
		logger.Error("schema registration failed", "error", err)
		return 1
	}

	registry := saga.NewRegistry()
	c, err := core.Build(ctx, cfg, core.Options{
		Registry:  registry,
		Schemas:   schemas,
		Telemetry: telemetry,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("core build failed", "error", err)
		return 1
	}

	// Built-in plans only; realm deployments register their own handlers
	// here before Start.
	if err := realm.RegisterBuiltins(registry, c.Contracts); err != nil {
		logger.Error("step plan registration failed", "error", err)
		return 1
	}

	if err := c.Start(ctx); err != nil {
		logger.Error("core start failed", "error", err)
		return 1
	}
	logger.Info("conductor ready",
		"wal_path", cfg.WALPath,
		"session_idle_timeout", cfg.SessionIdleTimeout,
		"contract_pending_ttl", cfg.ContractPendingTTL,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
