package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"deal-aggregation-core/internal/analytics"
	"deal-aggregation-core/internal/cache"
	"deal-aggregation-core/internal/config"
	"deal-aggregation-core/internal/dedup"
	"deal-aggregation-core/internal/degrade"
	"deal-aggregation-core/internal/events"
	"deal-aggregation-core/internal/features"
	"deal-aggregation-core/internal/handler"
	"deal-aggregation-core/internal/logging"
	"deal-aggregation-core/internal/middleware"
	"deal-aggregation-core/internal/models"
	"deal-aggregation-core/internal/notify"
	"deal-aggregation-core/internal/orchestrator"
	"deal-aggregation-core/internal/polling"
	"deal-aggregation-core/internal/quality"
	"deal-aggregation-core/internal/resolver"
	"deal-aggregation-core/internal/simulate"
	"deal-aggregation-core/internal/store"
	"deal-aggregation-core/internal/stream"
	"deal-aggregation-core/internal/tracing"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Mode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
	}); err != nil {
		logger.Fatalw("failed to initialize tracing", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracing.Shutdown(ctx)
	}()

	backend, err := newCacheBackend(cfg.Cache)
	if err != nil {
		logger.Fatalw("failed to initialize cache backend", "backend", cfg.Cache.Backend, "error", err)
	}
	defer backend.Close()

	rng := rand.New(rand.NewSource(cfg.Simulation.Seed))

	registry := events.NewRegistry()
	bus := events.NewBus(registry, logger, events.DefaultBusOptions())
	chaos := simulate.NewChaosPublisher(bus, rng, logger)

	providers := models.NewProviderSet(models.DefaultProviders()...)
	flags := features.NewManager()

	orch := orchestrator.New(orchestrator.Options{
		PollTick: time.Duration(cfg.Simulation.PollTickSeconds) * time.Second,
		TestTick: time.Duration(cfg.Simulation.TestTickSeconds) * time.Second,
	}, orchestrator.Deps{
		Log:       logger,
		Features:  flags,
		Bus:       bus,
		Chaos:     chaos,
		Providers: providers,
		Resolver:  resolver.New(logger),
		Dedup:     dedup.New(logger),
		Polling:   polling.NewManager(providers, logger),
		Degrade:   degrade.NewManager(logger),
		Notify:    notify.NewEngine(chaos, logger),
		Channel:   stream.NewChannel(bus, logger),
		Queue:     quality.NewQueue(chaos, logger),
		Validator: quality.NewValidator(chaos, logger),
		Tester:    quality.NewTester(chaos, rng, logger),
		Analytics: analytics.NewTracker(chaos, logger),
		Store:     store.NewDealCache(backend, logger),
		Generator: simulate.NewGenerator(rng),
		Recorder:  simulate.NewRecorder(bus, logger),
		RNG:       rng,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	orch.Start(ctx)
	defer orch.Stop()

	h := handler.NewHandlerWithOptions(orch, chaos, flags, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
	})

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		defer rateLimiter.Stop()
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	if cfg.Tracing.Enabled {
		r.Use(middleware.TracingMiddleware())
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.Security.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h.Routes(r)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.Infow("starting server",
		"addr", addr,
		"cache_backend", cfg.Cache.Backend,
		"seed", cfg.Simulation.Seed)

	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		logger.Infow("shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("error shutting down server", "error", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalw("server failed", "error", err)
	}
}

func newCacheBackend(cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Backend {
	case "memory":
		return cache.NewInMemoryCache(), nil
	case "sqlite":
		return cache.NewSQLiteCache(cfg.SQLitePath)
	case "redis":
		return cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
	}
}
