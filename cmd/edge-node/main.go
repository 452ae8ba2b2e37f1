package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/edgewise/edge-delivery/internal/cache"
	"github.com/edgewise/edge-delivery/internal/config"
	"github.com/edgewise/edge-delivery/internal/edgefunc"
	"github.com/edgewise/edge-delivery/internal/handlers"
	"github.com/edgewise/edge-delivery/internal/observability"
	"github.com/edgewise/edge-delivery/internal/origin"
	"github.com/edgewise/edge-delivery/internal/ratelimit"
	"github.com/edgewise/edge-delivery/internal/router"
	"github.com/edgewise/edge-delivery/internal/server"
	"github.com/edgewise/edge-delivery/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger, err := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	if err != nil {
		log.Fatal("Failed to build logger:", err)
	}
	defer logger.Sync()

	collector := metrics.NewCollector(cfg.Server.NodeID)

	contentCache := cache.New(cfg.Cache.CapacityBytes, logger.Named("cache"))

	runtime := edgefunc.NewRuntime(logger.Named("edgefunc"))
	runtime.SetObserver(collector.ObserveFunctionExecution)
	if err := registerFunctions(runtime, cfg); err != nil {
		logger.Fatal("failed to register edge functions", zap.Error(err))
	}

	fetcher := origin.NewHTTPFetcher(cfg.Origin.Timeout)
	pool := origin.NewPool(cfg.Origin.Addresses, fetcher, origin.BreakerSettings{
		Enabled:     cfg.Origin.CircuitBreaker.Enabled,
		MaxRequests: cfg.Origin.CircuitBreaker.MaxRequests,
		Interval:    cfg.Origin.CircuitBreaker.Interval,
		Timeout:     cfg.Origin.CircuitBreaker.Timeout,
	}, logger.Named("origin"))

	edge := server.New(server.Options{
		NodeID: cfg.Server.NodeID,
		Location: router.Location{
			Latitude:  cfg.Server.Location.Latitude,
			Longitude: cfg.Server.Location.Longitude,
			Country:   cfg.Server.Location.Country,
			Region:    cfg.Server.Location.Region,
			City:      cfg.Server.Location.City,
		},
		DefaultTTL:     cfg.Cache.DefaultTTL,
		StaticTypes:    cfg.Cache.StaticTypes,
		ServeStale:     cfg.Cache.ServeStale,
		MaxConcurrency: int64(cfg.Server.MaxConcurrency),
		BandwidthMbps:  cfg.Server.BandwidthMbps,
	}, contentCache, runtime, pool, collector, logger.Named("server"))

	fleet := router.New(
		router.Strategy(cfg.Router.Strategy),
		router.Weights{
			Distance:    cfg.Router.Weights.Distance,
			Performance: cfg.Router.Weights.Performance,
			Load:        cfg.Router.Weights.Load,
		},
		logger.Named("router"),
	)
	fleet.RegisterServer(edge.Metrics())

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	go refreshMetrics(refreshCtx, fleet, edge, cfg.Router.RefreshInterval)

	app := fiber.New(fiber.Config{
		ServerHeader:          "edge-delivery",
		DisableStartupMessage: true,
		BodyLimit:             cfg.Server.BodyLimit,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		ErrorHandler:          errorHandler,
	})

	app.Use(recover.New())
	app.Use(cors.New())

	h := handlers.New(edge, fleet, runtime, collector, logger.Named("handlers"))

	app.Get("/health", h.Health)
	if cfg.Observability.Metrics.Enabled {
		metricsHandler := fasthttpadaptor.NewFastHTTPHandler(collector.Handler())
		app.Get(cfg.Observability.Metrics.Path, func(c *fiber.Ctx) error {
			metricsHandler(c.Context())
			return nil
		})
	}
	app.Get("/edge/stats", h.Stats)
	app.Get("/router/servers", h.RouterServers)
	app.Get("/router/select", h.RouterSelect)
	app.Get("/router/recommend", h.RouterRecommend)
	app.All("/*", h.Serve)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("starting edge node",
		zap.String("node", cfg.Server.NodeID),
		zap.String("addr", addr),
		zap.Strings("origins", cfg.Origin.Addresses))

	go func() {
		if err := app.Listen(addr); err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	stopRefresh()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}

// refreshMetrics pushes the node's telemetry snapshot into the router on a
// cadence so selection always works from recent data, and re-tunes the
// hybrid weights from the accumulated response-time history.
func refreshMetrics(ctx context.Context, fleet *router.Router, edge *server.Server, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := edge.Metrics()
			fleet.UpdateServer(m.ID, m)
			fleet.TuneWeights(fleet.ResponseTimeSamples())
		}
	}
}

// registerFunctions wires the configured function records to their built-in
// implementations. Unknown names are a configuration error.
func registerFunctions(runtime *edgefunc.Runtime, cfg *config.Config) error {
	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = ratelimit.NewRedisStore(client, "edge:ratelimit")
	}

	for _, fc := range cfg.Functions {
		stepCfg := edgefunc.Config{
			Name:          fc.Name,
			Category:      edgefunc.Category(fc.Category),
			Enabled:       fc.Enabled,
			Priority:      fc.Priority,
			Timeout:       fc.Timeout,
			MemoryLimitMB: fc.MemoryLimitMB,
			CPULimit:      fc.CPULimit,
			Environment:   fc.Environment,
		}

		var fn interface{}
		switch fc.Name {
		case "security-headers":
			fn = edgefunc.SecurityHeaders()
		case "geo-headers":
			fn = edgefunc.GeoHeaders()
		case "ab-variant":
			fn = edgefunc.ABVariant(fc.Environment)
		case "jwt-auth":
			fn = edgefunc.JWTAuth(fc.Environment)
		case "rate-limit":
			fn = edgefunc.RateLimit(store, fc.Environment)
		case "personalize":
			fn = edgefunc.Personalize()
		default:
			return fmt.Errorf("unknown edge function %q", fc.Name)
		}

		if err := runtime.Register(stepCfg, fn); err != nil {
			return fmt.Errorf("register %s: %w", fc.Name, err)
		}
	}
	return nil
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error":     err.Error(),
		"timestamp": time.Now().UTC(),
		"path":      c.Path(),
	})
}
