// Command server runs the ad-serving HTTP API.
//
// Startup order: load .env (best effort), load and validate configuration
// (invalid score weights or thresholds abort here), configure logging and
// tracing, open the catalog database, connect the key-value store (non-fatal;
// the service starts degraded when Redis is down), wire the serving pipeline,
// mount routes, and serve until SIGINT/SIGTERM triggers a graceful drain.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pesabank/go-adserver-backend/internal/background"
	"github.com/pesabank/go-adserver-backend/internal/config"
	httpapi "github.com/pesabank/go-adserver-backend/internal/http"
	"github.com/pesabank/go-adserver-backend/internal/kv"
	"github.com/pesabank/go-adserver-backend/internal/observability"
	"github.com/pesabank/go-adserver-backend/internal/profile"
	"github.com/pesabank/go-adserver-backend/internal/repo"
	"github.com/pesabank/go-adserver-backend/internal/serving"
	"github.com/pesabank/go-adserver-backend/internal/sysutil"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	// .env is a developer convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("catalog database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("catalog migration failed")
	}
	if err := repo.EnableTracing(db); err != nil {
		log.Warn().Err(err).Msg("catalog tracing not enabled")
	}

	// The KV store is optional at startup: when Redis is unreachable the
	// service runs degraded (no cache, empty profiles, limiter fails open).
	store := kv.NewRedisStore(ctx, cfg.Redis)

	pool := background.NewPool(4, 256)
	defer pool.Close()

	svc := &serving.Service{
		Catalog:    &serving.GormCatalog{DB: db, Timeout: cfg.CatalogTimeout},
		Profiles:   profile.New(store, cfg.ProfileTTL, cfg.Frequency.Window),
		Cache:      serving.NewResponseCache(store, cfg.Cache),
		Scorer:     serving.Scorer{Weights: cfg.Weights, CTR: cfg.CTR, RecencyHorizon: cfg.RecencyHorizon},
		Thresholds: cfg.SegmentThresholds,
		Frequency:  cfg.Frequency,
		Pool:       pool,
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, svc, store, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	if err := shutdownOTel(drainCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown failed")
	}
	log.Info().Msg("server stopped")
}
