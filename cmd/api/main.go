package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/medipass/sync-api/internal/config"
	authHandler "github.com/medipass/sync-api/internal/handler/auth"
	healthHandler "github.com/medipass/sync-api/internal/handler/health"
	promHandler "github.com/medipass/sync-api/internal/handler/prometheus"
	recordHandler "github.com/medipass/sync-api/internal/handler/record"
	"github.com/medipass/sync-api/internal/middleware"
	"github.com/medipass/sync-api/internal/model"
	"github.com/medipass/sync-api/internal/router"
	sessionService "github.com/medipass/sync-api/internal/service/session"
	subscriptionService "github.com/medipass/sync-api/internal/service/subscription"
	upsertService "github.com/medipass/sync-api/internal/service/upsert"
	"github.com/medipass/sync-api/pkg/docstore"
	"github.com/medipass/sync-api/pkg/docstore/postgres"
	"github.com/medipass/sync-api/pkg/kvstore"
	"github.com/medipass/sync-api/pkg/logger"
	"github.com/medipass/sync-api/pkg/messaging/redis"
	"github.com/medipass/sync-api/pkg/metrics"
	"github.com/medipass/sync-api/pkg/provider"
	localProvider "github.com/medipass/sync-api/pkg/provider/local"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logLevel, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	appLog := logger.NewLogger(&logger.Config{
		Level:      logLevel,
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
	})
	log.Logger = *appLog.Zerolog()

	// Local persistence survives restarts even when the remote
	// collaborators do not.
	var cache kvstore.Store
	if cfg.State.Dir != "" {
		fileStore, err := kvstore.NewFileStore(cfg.State.Dir)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open state directory")
		}
		cache = fileStore
	} else {
		cache = kvstore.NewMemoryStore()
	}

	// Connect the remote collaborators. A failure here is not fatal: the
	// core boots degraded and serves synthetic sessions instead.
	var (
		store        docstore.Store
		authProvider provider.AuthProvider
		db           *sqlx.DB
	)
	db, err = postgres.NewDB(cfg.Database)
	if err != nil {
		log.Warn().Err(err).Msg("document store unreachable, booting degraded")
	} else {
		defer db.Close()

		broker, err := redis.NewRedisBroker(redis.Config{
			URL:          cfg.Redis.URL,
			MaxRetries:   cfg.Redis.MaxRetries,
			RetryBackoff: 100 * time.Millisecond,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, appLog.WithComponent("broker"))
		if err != nil {
			log.Warn().Err(err).Msg("change feed unreachable, booting degraded")
			db.Close()
			db = nil
		} else {
			pgStore, err := postgres.NewStore(db, broker, appLog.WithComponent("docstore"))
			if err != nil {
				log.Warn().Err(err).Msg("store construction failed, booting degraded")
				db.Close()
				db = nil
			} else {
				if err := pgStore.Migrate(context.Background()); err != nil {
					log.Fatal().Err(err).Msg("failed to migrate documents table")
				}
				store = pgStore
				authProvider = localProvider.New(pgStore, localProvider.Config{
					JWTSecret:   cfg.Auth.JWTSecret,
					SignInRate:  rate.Limit(cfg.Auth.SignInRate),
					SignInBurst: cfg.Auth.SignInBurst,
				}, appLog.WithComponent("auth"))
			}
		}
	}

	// Initialize services
	appMetrics := metrics.NewMetrics("medipass", "sync")
	gateway := upsertService.NewGateway(store, appLog.WithComponent("upsert"), appMetrics)
	sessions := sessionService.NewService(authProvider, store, cache, gateway,
		appLog.WithComponent("session"), appMetrics)
	subscriptions := subscriptionService.NewManager(store, sessions,
		appLog.WithComponent("subscription"), appMetrics)

	sessions.Initialize(context.Background())
	defer sessions.Close()
	defer subscriptions.CloseAll()

	// Setup router
	authMw := middleware.NewAuthMiddleware(sessions)
	r := router.NewRouter(
		router.Config{RateLimit: 100, RateBurst: 200},
		authMw,
		authHandler.NewHandler(sessions),
		recordHandler.NewHandler(sessions, subscriptions, gateway, authMw.RequireRole(model.RoleDoctor)),
		healthHandler.NewHandler(db),
		promHandler.New(),
	)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r.Engine(),
	}

	// Start server
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited properly")
}
