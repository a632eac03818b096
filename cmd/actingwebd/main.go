// Command actingwebd runs one actor-to-actor protocol engine: the
// composition root wiring storage, the core engines, and the gin HTTP
// surface together (viper config, zap logger, CORS/rate-limit/
// security-header middleware stack, graceful shutdown on SIGINT/SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-core/internal/actorcore"
	"github.com/actingweb/actingweb-core/internal/auditlog"
	"github.com/actingweb/actingweb-core/internal/config"
	"github.com/actingweb/actingweb-core/internal/dispatch"
	"github.com/actingweb/actingweb-core/internal/httpapi"
	"github.com/actingweb/actingweb-core/internal/mirror"
	"github.com/actingweb/actingweb-core/internal/obsmetrics"
	"github.com/actingweb/actingweb-core/internal/peer"
	"github.com/actingweb/actingweb-core/internal/properties"
	"github.com/actingweb/actingweb-core/internal/storage"
	"github.com/actingweb/actingweb-core/internal/storage/memstore"
	"github.com/actingweb/actingweb-core/internal/storage/pgstore"
	"github.com/actingweb/actingweb-core/internal/subscriptions"
	"github.com/actingweb/actingweb-core/internal/syncreconciler"
	"github.com/actingweb/actingweb-core/internal/trust"
)

const actorType = "urn:actingweb:core-engine"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("actingwebd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, closeStore, err := buildStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("build storage: %w", err)
	}
	defer closeStore()

	dispatcher := dispatch.Dispatcher(dispatch.NewPoolDispatcher(cfg.Dispatch.PoolConcurrency, cfg.Dispatch.RateRPS, cfg.Dispatch.RateBurst, logger))
	core := actorcore.NewCore(store, dispatcher, logger)

	peerClient := peer.New(logger, peer.WithTimeout(cfg.Peer.Timeout))
	audit := auditlog.Ledger(auditlog.New())
	trustEngine := trust.NewEngine(core, peerClient, audit, logger)

	subsCfg := subscriptions.Config{
		GapTimeout:       cfg.Subscription.GapTimeout,
		MaxPending:       cfg.Subscription.MaxPending,
		MaxRetries:       cfg.Subscription.MaxRetries,
		RetryBackoffBase: cfg.Subscription.RetryBackoffBase,
		SyncCallbacks:    cfg.Subscription.SyncCallbacks,
		ResyncCacheTTL:   cfg.Subscription.ResyncCacheTTL,
	}
	subsEngine := subscriptions.NewEngine(store, dispatcher, peerClient, trustEngine, trustEngine, subsCfg, logger)
	propsEmitter := properties.New(store, subsEngine, logger)
	mirrorWriter := mirror.New(store)
	reconciler := syncreconciler.New(store, peerClient, subsEngine, trustEngine, syncreconciler.AutoStorageConfig{Enabled: true}, logger)

	api := httpapi.New(core, trustEngine, subsEngine, propsEmitter, mirrorWriter, reconciler, actorType, logger)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsmetrics.PrometheusMiddleware())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(cfg.Server.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.Server.MaxBodyBytes)
		c.Next()
	})

	if cfg.Server.RateLimitRPS > 0 {
		router.Use(rateLimiterFromConfig(cfg.Server.RateLimitRPS))
	}

	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", obsmetrics.Handler())

	actorGroup := router.Group("/:actor_id")
	api.Register(actorGroup)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("actingwebd listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down actingwebd...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	logger.Info("actingwebd stopped")
	return nil
}

func buildStorage(cfg config.StorageConfig, logger *zap.Logger) (storage.Storage, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(context.Background()); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return pgstore.New(pool, logger), pool.Close, nil
	default:
		logger.Info("storage: in-memory (set storage.driver=postgres for durability)")
		return memstore.New(), func() {}, nil
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func rateLimiterFromConfig(rps int) gin.HandlerFunc {
	return httpapi.RateLimiter(rps, rps*2)
}

// requestLogger logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
