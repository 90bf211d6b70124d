// Package main is the entry point for the relay daemon.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hostwell/relay/internal/api"
	"github.com/hostwell/relay/internal/audit"
	"github.com/hostwell/relay/internal/clock"
	"github.com/hostwell/relay/internal/config"
	relayerr "github.com/hostwell/relay/internal/errors"
	"github.com/hostwell/relay/internal/health"
	"github.com/hostwell/relay/internal/idempotency"
	"github.com/hostwell/relay/internal/killswitch"
	"github.com/hostwell/relay/internal/middleware"
	"github.com/hostwell/relay/internal/outbox"
	"github.com/hostwell/relay/internal/tracing"
)

func main() {
	configFile := flag.String("config", "", "path to an optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Relay Daemon")
		fmt.Println()
		fmt.Println("Usage: relay [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configFile)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	// Tracing
	tracerProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  "relay",
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.SamplingRate,
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Postgres
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	cancel()

	// Redis backs the shared kill-switch cache when configured. Without it
	// each process falls back to its own local cache.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
	}

	clk := clock.Real{}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := outbox.NewMetrics()
	if err := metrics.Register(registry); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}
	ledgerMetrics := idempotency.NewMetrics()
	if err := ledgerMetrics.Register(registry); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	// Core components
	auditLog := audit.NewLog(audit.NewPostgresStore(db, logger), clk, audit.NewRedactor(), logger)

	var switchCache killswitch.Cache
	if redisClient != nil {
		switchCache = killswitch.NewRedisCache(redisClient, cfg.KillSwitchCacheTTL)
	} else {
		switchCache = killswitch.NewLocalCache(cfg.KillSwitchCacheTTL, clk)
	}
	switches := killswitch.NewRegistry(killswitch.NewPostgresStore(db, logger), switchCache, auditLog, clk, logger)

	ledger := idempotency.NewLedger(idempotency.NewPostgresStore(db, logger), clk, cfg.IdempotencyTTL, logger)
	ledger.SetMetrics(ledgerMetrics)
	sweeper := idempotency.NewSweeper(ledger, 0, logger)

	handlers := outbox.NewRegistry(cfg.OutboxHandlerTimeout)
	registerBuiltinHandlers(handlers, auditLog)

	store := outbox.NewPostgresStore(db, logger)
	hostname, _ := os.Hostname()
	engine, err := outbox.NewEngine(outbox.Config{
		WorkerID:             hostname + "-" + strconv.Itoa(os.Getpid()),
		BatchSize:            cfg.OutboxBatchSize,
		WorkerConcurrency:    int64(cfg.OutboxWorkerConcurrency),
		PerTenantConcurrency: int64(cfg.OutboxPerTenantConcurrency),
		LeaseTTL:             cfg.OutboxLeaseTTL,
		MaxAttempts:          cfg.OutboxMaxAttempts,
		GracefulDrain:        cfg.OutboxGracefulDrain,
		Backoff: outbox.Backoff{
			Base: cfg.OutboxBackoffBase,
			Cap:  cfg.OutboxBackoffCap,
		},
	}, outbox.Deps{
		Store:    store,
		Registry: handlers,
		Switches: switches,
		Clock:    clk,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to build outbox engine", "error", err)
		os.Exit(1)
	}
	reaper := outbox.NewReaper(store, clk, 0, metrics, logger)

	// HTTP surface
	healthCfg := api.HealthHandlersConfig{DBChecker: health.NewDBChecker(db)}
	if redisClient != nil {
		healthCfg.RedisChecker = health.NewRedisChecker(redisClient)
	}
	handler := api.NewRouter(api.RouterConfig{
		Logger:   logger,
		Ledger:   ledger,
		Engine:   engine,
		Switches: switches,
		AuditLog: auditLog,
		Health:   healthCfg,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Background jobs
	runCtx, stopJobs := context.WithCancel(context.Background())
	engine.Start(runCtx)
	reaper.Start(runCtx)
	sweeper.Start(runCtx)

	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Drain in-flight deliveries before canceling the jobs context:
	// handlers run on runCtx, and canceling it mid-delivery would strand
	// claimed events until the reaper picks them up.
	engine.Stop()
	stopJobs()
	reaper.Stop()
	sweeper.Stop()

	if err := db.Close(); err != nil {
		logger.Error("failed to close database", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("failed to close redis", "error", err)
		}
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down tracing", "error", err)
	}

	logger.Info("relay stopped")
}

// auditRecordTopic is the one built-in delivery target: events published to
// it are appended to the tenant's audit chain. Deployments that embed the
// engine register their own handlers next to it.
const auditRecordTopic = "relay.audit"

type auditRecordPayload struct {
	ActorID  string         `json:"actor_id"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Payload  map[string]any `json:"payload,omitempty"`
}

func registerBuiltinHandlers(handlers *outbox.Registry, auditLog *audit.Log) {
	must := func(err error) {
		if err != nil {
			slog.Error("handler registration failed", "error", err)
			os.Exit(1)
		}
	}

	must(handlers.Register(auditRecordTopic, outbox.HandlerFunc(func(ctx context.Context, d outbox.Delivery) outbox.Result {
		var p auditRecordPayload
		if err := json.Unmarshal(d.Payload, &p); err != nil {
			return outbox.Fatal("malformed audit payload: " + err.Error())
		}
		if _, err := auditLog.Append(ctx, d.TenantID, audit.Entry{
			ActorID:  p.ActorID,
			Action:   p.Action,
			Entity:   p.Entity,
			EntityID: p.EntityID,
			Payload:  p.Payload,
		}); err != nil {
			if relayerr.IsClient(err) {
				return outbox.Fatal(err.Error())
			}
			return outbox.Retry(err.Error())
		}
		return outbox.OK()
	})))
}
