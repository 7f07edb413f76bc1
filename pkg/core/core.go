// Package core wires the runtime components together.
//
// Construction is two-phase and explicit: the durable log is built first,
// then every dependent component receives its already-built dependencies
// through constructors. There is no ambient registry and no
// post-construction mutation of dependency references.
package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridianlabs/conductor/pkg/audit"
	"github.com/meridianlabs/conductor/pkg/boundary"
	"github.com/meridianlabs/conductor/pkg/checkpoint"
	"github.com/meridianlabs/conductor/pkg/config"
	"github.com/meridianlabs/conductor/pkg/gateway"
	"github.com/meridianlabs/conductor/pkg/identity"
	"github.com/meridianlabs/conductor/pkg/observability"
	"github.com/meridianlabs/conductor/pkg/saga"
	"github.com/meridianlabs/conductor/pkg/session"
	"github.com/meridianlabs/conductor/pkg/surface"
	"github.com/meridianlabs/conductor/pkg/wal"
	"github.com/meridianlabs/conductor/pkg/wal/walsqlite"
)

// Core is the assembled runtime execution core.
type Core struct {
	Log         wal.Log
	Checkpoints checkpoint.Store
	Surface     *surface.Surface
	Committer   *surface.Committer
	Sessions    *session.Manager
	Contracts   *boundary.Store
	Engine      *saga.Engine
	Gateway     *gateway.Gateway
	Auditor     audit.Logger
	Telemetry   *observability.Provider

	// Verifier is non-nil when a token secret is configured; callers map
	// bearer tokens to principals through it before touching the core.
	Verifier *identity.Verifier

	cfg     *config.Config
	logger  *slog.Logger
	closers []func() error

	sweepCancel context.CancelFunc
}

// Options carry the collaborator-supplied pieces the core consumes but does
// not implement.
type Options struct {
	// Registry supplies the realm step handlers per intent type.
	Registry *saga.Registry
	// Schemas validates intent payloads; may be nil.
	Schemas *gateway.SchemaRegistry
	// Admission applies operator CEL rules; may be nil.
	Admission *gateway.AdmissionEvaluator
	// Auditor defaults to a stdout JSON logger.
	Auditor audit.Logger
	// Telemetry may be nil when tracing/metrics are not wanted.
	Telemetry *observability.Provider
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Build constructs the core from configuration. Leaf components first (the
// durable log), then the projection, then everything that writes through
// them.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Core, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auditor := opts.Auditor
	if auditor == nil {
		auditor = audit.NewLogger()
	}

	c := &Core{cfg: cfg, logger: logger, Auditor: auditor, Telemetry: opts.Telemetry}

	// Phase 1: leaves.
	var log wal.Log
	var checkpoints checkpoint.Store
	if cfg.WALPath != "" {
		store, err := walsqlite.Open(cfg.WALPath)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, store.Close)
		log = store

		cps, err := checkpoint.NewSQLiteStore(store.DB())
		if err != nil {
			return nil, err
		}
		checkpoints = cps
	} else {
		logger.Warn("no wal_path configured; using in-memory log (not crash-safe)")
		log = wal.NewMemoryLog()
		checkpoints = checkpoint.NewMemoryStore()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		c.closers = append(c.closers, redisClient.Close)
		checkpoints = checkpoint.NewRedisStore(redisClient, "")
	}

	// Phase 2: projection and write path.
	surf := surface.New(log, checkpoints)
	committer := surface.NewCommitter(log, surf)

	// Phase 3: managers and engine.
	sessions := session.NewManager(committer, surf, auditor, logger, cfg.SessionIdleTimeout)
	contracts := boundary.NewStore(committer, surf, auditor, logger, cfg.ContractPendingTTL)

	engine := saga.NewEngine(committer, surf, opts.Registry, sessions, logger, saga.Options{
		Retry: saga.RetryPolicy{
			BaseMs:      cfg.StepBackoffBase.Milliseconds(),
			MaxMs:       cfg.StepBackoffMax.Milliseconds(),
			MaxJitterMs: cfg.StepJitterMax.Milliseconds(),
			MaxAttempts: cfg.StepMaxAttempts,
		},
		StepTimeout: cfg.StepTimeout,
		Workers:     cfg.ExecutionWorkers,
		Telemetry:   opts.Telemetry,
	})

	var limiter gateway.TenantLimiter
	switch {
	case redisClient != nil:
		limiter = gateway.NewRedisLimiter(redisClient, cfg.IntentRatePerSecond, cfg.IntentBurst,
			func() float64 { return float64(time.Now().UnixMicro()) / 1e6 })
	case cfg.IntentRatePerSecond > 0:
		limiter = gateway.NewLocalLimiter(cfg.IntentRatePerSecond, cfg.IntentBurst)
	default:
		limiter = gateway.NopLimiter{}
	}

	gw := gateway.New(engine, opts.Schemas, opts.Admission, limiter, opts.Telemetry, logger)

	if cfg.TokenSecret != "" {
		c.Verifier = identity.NewHMACVerifier([]byte(cfg.TokenSecret), cfg.TokenIssuer)
	}

	c.Log = log
	c.Checkpoints = checkpoints
	c.Surface = surf
	c.Committer = committer
	c.Sessions = sessions
	c.Contracts = contracts
	c.Engine = engine
	c.Gateway = gw
	return c, nil
}

// Start rebuilds the projection from the durable log and launches the
// expiry sweeps. Reads are refused until the rebuild completes.
func (c *Core) Start(ctx context.Context) error {
	if err := c.Surface.Rebuild(ctx); err != nil {
		return err
	}
	c.logger.Info("state surface rebuilt; reads open")

	sweepCtx, cancel := context.WithCancel(context.Background())
	c.sweepCancel = cancel
	go c.sweepLoop(sweepCtx)
	return nil
}

func (c *Core) sweepLoop(ctx context.Context) {
	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.Sessions.SweepIdle(ctx); err != nil {
				c.logger.Error("session sweep failed", "error", err)
			} else if n > 0 {
				c.logger.Info("sessions expired", "count", n)
			}
			if n, err := c.Contracts.SweepExpired(ctx); err != nil {
				c.logger.Error("contract sweep failed", "error", err)
			} else if n > 0 {
				c.logger.Info("contracts expired", "count", n)
			}
			if err := c.Surface.SaveCheckpoints(ctx); err != nil {
				c.logger.Error("checkpoint save failed", "error", err)
			}
		}
	}
}

// Stop drains the engine, stops sweeps and releases resources.
func (c *Core) Stop(ctx context.Context) error {
	if c.sweepCancel != nil {
		c.sweepCancel()
	}
	c.Engine.Stop()
	if err := c.Surface.SaveCheckpoints(ctx); err != nil {
		c.logger.Error("final checkpoint save failed", "error", err)
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Shutdown(ctx); err != nil {
			c.logger.Error("telemetry shutdown failed", "error", err)
		}
	}
	var firstErr error
	for _, close := range c.closers {
		if err := close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
