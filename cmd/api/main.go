// Package main is the entry point for the safety API server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/beacon/internal/api"
	"github.com/onnwee/beacon/internal/auth"
	"github.com/onnwee/beacon/internal/config"
	beacondb "github.com/onnwee/beacon/internal/db"
	"github.com/onnwee/beacon/internal/health"
	"github.com/onnwee/beacon/internal/idempotency"
	"github.com/onnwee/beacon/internal/jobs"
	"github.com/onnwee/beacon/internal/middleware"
	"github.com/onnwee/beacon/internal/presence"
	"github.com/onnwee/beacon/internal/safety"
	"github.com/onnwee/beacon/internal/tracing"
	"github.com/onnwee/beacon/internal/ws"
)

const serviceName = "beacon-api"

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to YAML config file (env vars take precedence)")
	flag.Parse()

	if *help {
		fmt.Println("Beacon Safety API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config error:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingOTLPEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
		InsecureMode: cfg.TracingInsecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Metrics registry. Explicit registry keeps test registrations isolated
	// and avoids the default registry's process collectors in tests.
	registry := prometheus.NewRegistry()

	safetyMetrics := safety.NewMetrics()
	if err := safetyMetrics.Register(registry); err != nil {
		logger.Error("failed to register safety metrics", "error", err)
		os.Exit(1)
	}
	mwMetrics := middleware.NewMetrics()
	if err := mwMetrics.Register(registry); err != nil {
		logger.Error("failed to register middleware metrics", "error", err)
		os.Exit(1)
	}
	jobMetrics := jobs.NewMetrics()
	if err := jobMetrics.Register(registry); err != nil {
		logger.Error("failed to register job metrics", "error", err)
		os.Exit(1)
	}

	// Storage. Postgres when configured, in-memory otherwise (dev mode).
	var (
		db       *sql.DB
		store    safety.EventStore
		contacts safety.ContactDirectory
		users    auth.UserDirectory
	)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = beacondb.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		store = safety.NewPostgresEventStore(db)
		contacts = safety.NewPostgresContactDirectory(db)
		users = auth.NewPostgresUserDirectory(db)
		logger.Info("using postgres storage")
	} else {
		store = safety.NewInMemoryEventStore()
		contacts = safety.NewInMemoryContactDirectory()
		users = auth.NewInMemoryUserDirectory()
		logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	hub := ws.NewHub()

	// Redis wires cross-node fan-out and shared rate limits. Without it the
	// node still works standalone.
	var (
		rdb            *redis.Client
		publisher      safety.RoomPublisher = hub
		rateLimitStore middleware.RateLimitStore
		redisChecker   api.HealthChecker
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		bridge := ws.NewRedisBridge(hub, rdb, logger)
		go bridge.Run(ctx)
		publisher = bridge

		rateLimitStore = middleware.NewRedisRateLimitStore(rdb).WithMetrics(mwMetrics).Store()
		redisChecker = health.NewRedisChecker(rdb)
		logger.Info("redis fan-out bridge enabled", "addr", cfg.RedisAddr)
	} else {
		rateLimitStore = middleware.NewInMemoryRateLimitStore()
		logger.Warn("REDIS_ADDR not set, fan-out is single-node only")
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, users)
	router := safety.NewRouter(store, contacts, publisher, safetyMetrics, logger)

	// Presence registry with periodic stale sweep.
	presenceRegistry := presence.NewRegistry()
	sweepStop := make(chan struct{})
	go presence.RunPeriodicSweep(presenceRegistry, cfg.PresenceSweepInterval, cfg.PresenceStaleAfter, sweepStop, jobMetrics)

	// Idempotency keys for the HTTP fallback endpoints. Postgres-backed
	// when available so cached responses survive restarts.
	var idemRepo idempotency.Repository
	if db != nil {
		idemRepo = idempotency.NewPostgresRepository(db)
	} else {
		idemRepo = idempotency.NewInMemoryRepository()
	}
	cleanupStop := make(chan struct{})
	go idempotency.RunPeriodicCleanup(idemRepo, time.Hour, cfg.IdempotencyKeyExpiry, cleanupStop, jobMetrics)

	wsHandler := ws.NewHandler(hub, presenceRegistry, router, verifier, logger, nil)
	safetyHandlers := api.NewSafetyHandlers(router, store, verifier)

	var dbChecker api.HealthChecker
	if db != nil {
		dbChecker = health.NewDBChecker(db)
	}
	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker:    dbChecker,
		RedisChecker: redisChecker,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("/v1/safety/sos", safetyHandlers.SOS)
	mux.HandleFunc("/v1/safety/checkin", safetyHandlers.CheckIn)
	mux.HandleFunc("/v1/safety/events/", safetyHandlers.GetEvent)
	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"beacon-api","version":"0.1.0"}`)); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	idempotentRoutes := map[string]bool{
		"/v1/safety/sos":     true,
		"/v1/safety/checkin": true,
	}

	// Middleware chain, outermost first:
	// CORS -> RequestID -> Tracing -> Logging -> HTTPMetrics -> RateLimiter -> Idempotency -> mux
	handler := middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID", "Idempotency-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	})(
		middleware.RequestID(
			middleware.Tracing(serviceName)(
				middleware.Logging(logger)(
					middleware.HTTPMetrics(mwMetrics)(
						middleware.RateLimiter(rateLimitStore, middleware.DefaultEventLimit(), middleware.UserKeyFunc(), mwMetrics)(
							middleware.IdempotencyMiddleware(idemRepo, idempotentRoutes)(mux),
						),
					),
				),
			),
		),
	)

	// Pprof in development only. The middleware refuses production regardless.
	if cfg.ProfilingEnabled {
		handler = middleware.Profiling(middleware.ProfilingConfig{
			Enabled:     true,
			Environment: cfg.Env,
		})(handler)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

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

	logger.Info("shutting down server...")

	close(sweepStop)
	close(cleanupStop)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to flush traces", "error", err)
	}

	logger.Info("server stopped")
}
