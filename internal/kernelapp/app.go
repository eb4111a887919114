// Package kernelapp wires the governance kernel's components into a
// runnable host process: config, logging, tracing, the optional
// Postgres/Redis backing store for the audit writer, and the read-only
// HTTP status surface. Adapted from the teacher's internal/app.Run,
// trimmed to this host's own domain — no tenant/session/OIDC/messaging
// concerns, no Install/Uninstall HTTP surface (module installation is the
// embedding application's responsibility; see collab package).
package kernelapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/modkernel/internal/config"
	"github.com/wisbric/modkernel/internal/httpserver"
	"github.com/wisbric/modkernel/internal/platform"
	"github.com/wisbric/modkernel/internal/telemetry"
	"github.com/wisbric/modkernel/pkg/auditwriter"
	"github.com/wisbric/modkernel/pkg/kernel/audit"
	"github.com/wisbric/modkernel/pkg/kernel/eventbus"
	"github.com/wisbric/modkernel/pkg/kernel/governance"
	"github.com/wisbric/modkernel/pkg/kernel/lifecycle"
	"github.com/wisbric/modkernel/pkg/kernel/manager"
	"github.com/wisbric/modkernel/pkg/kernel/permission"
	"github.com/wisbric/modkernel/pkg/kernel/registry"
)

const serviceName = "modkernel"

// version is overridden at build time via -ldflags, mirroring the teacher's
// internal/version package.
var version = "dev"

// Run reads configuration, connects to whatever infrastructure the
// configured audit writer needs, starts the kernel, and serves its HTTP
// status surface until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting modkernel", "listen", cfg.ListenAddr(), "audit_writer", cfg.AuditWriter)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, serviceName, version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	writer, backing, closeBacking, err := buildAuditWriter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBacking()

	bus := eventbus.New(logger, cfg.EventBusQueueSize)

	permOpts := []permission.Option{
		permission.WithDevMode(cfg.DevMode),
		permission.WithHostGovernance(cfg.HostGovernanceEnabled),
	}
	permissions := permission.New(logger, permOpts...)

	reg := registry.NewRegistry(logger)

	sink := audit.NewSink(writer, logger,
		audit.WithQueueSize(cfg.AuditQueueSize),
		audit.WithFlushBatch(cfg.AuditFlushBatch),
		audit.WithFlushInterval(cfg.AuditFlushInterval),
		audit.WithDroppedGauge(telemetry.AuditDroppedTotal),
	)
	sink.Start(ctx)
	defer sink.Close(cfg.AuditCloseDeadline)

	gov := governance.New(permissions, sink,
		governance.WithDefaultBulkhead(governance.BulkheadConfig{
			MaxConcurrent:  cfg.BulkheadMaxConcurrent,
			AcquireTimeout: cfg.BulkheadAcquireTimeout,
		}),
		governance.WithMetrics(governance.Metrics{
			InvocationsTotal:      telemetry.InvocationsTotal,
			InvocationDuration:    telemetry.InvocationDuration,
			BulkheadRejectedTotal: telemetry.BulkheadRejectedTotal,
		}),
	)

	lifecycleCfg := lifecycle.Config{
		MaxHistorySnapshots: cfg.MaxHistorySnapshots,
		DyingCheckInterval:  cfg.DyingCheckInterval,
		ForceCleanupDelay:   cfg.ForceCleanupDelay,
		LeakCheckDelay:      cfg.LeakCheckDelay,
	}

	// Containers, Loaders, and Verifiers are left unset: the module code
	// loader and its sandboxing are an external collaborator (see the
	// collab package) supplied by whatever embeds this kernel, not by the
	// host process itself.
	mgr := manager.New(manager.Deps{
		Bus:             bus,
		Permissions:     permissions,
		Registry:        reg,
		Governance:      gov,
		LifecycleConfig: lifecycleCfg,
		ThreadBudget: manager.ThreadBudget{
			GlobalMaxThreads:        cfg.GlobalMaxThreads,
			DefaultThreadsPerModule: cfg.DefaultThreadsPerModule,
			MaxThreadsPerModule:     cfg.MaxThreadsPerModule,
		},
		Logger:         logger,
		InstalledGauge: telemetry.ModulesInstalledGauge,
		DyingGauge:     telemetry.DyingInstancesGauge,
	})

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	srv := httpserver.NewServer(cfg, logger, mgr, sink, backing, metricsReg)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("kernel host listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down kernel host")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		mgr.Shutdown(shutdownCtx)
		return err
	case err := <-errCh:
		return err
	}
}

// buildAuditWriter selects and connects the configured audit backend,
// returning the writer, an optional readiness Pinger, and a close func that
// is always safe to defer (a no-op when no backing connection was opened).
func buildAuditWriter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (audit.Writer, httpserver.Pinger, func(), error) {
	switch cfg.AuditWriter {
	case "redis":
		rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connecting to redis: %w", err)
		}
		closeFn := func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}
		pinger := httpserver.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		return auditwriter.NewRedis(rdb, "kernel:audit_log", 100_000), pinger, closeFn, nil

	case "postgres":
		pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		closeFn := func() { pool.Close() }
		return auditwriter.NewPostgres(pool), pingerFor(pool), closeFn, nil

	case "stdout":
		return auditwriter.NewStdout(os.Stdout), nil, func() {}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown audit writer %q", cfg.AuditWriter)
	}
}

func pingerFor(pool *pgxpool.Pool) httpserver.Pinger {
	return httpserver.PingFunc(func(ctx context.Context) error { return pool.Ping(ctx) })
}
