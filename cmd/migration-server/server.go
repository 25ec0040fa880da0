package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/migration/internal/config"
	"github.com/ehr/migration/internal/domain/migration"
	"github.com/ehr/migration/internal/platform/auth"
	"github.com/ehr/migration/internal/platform/db"
	"github.com/ehr/migration/internal/platform/jobs"
	"github.com/ehr/migration/internal/platform/middleware"
)

const (
	requestTimeout  = 60 * time.Second
	shutdownTimeout = 30 * time.Second
	bodyLimit       = "10M"
)

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise dependencies")
	}
	defer a.Close()
	logger.Info().Str("lock_backend", cfg.ResolvedLockBackend()).Msg("connected to database")

	// Background phases
	jobsCfg := jobs.DefaultConfig()
	jobsCfg.DBPath = cfg.JobsDBPath
	jobsCfg.Workers = cfg.JobsWorkers
	jobClient, err := jobs.NewClient(jobsCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open job queue")
	}
	defer jobClient.Close()
	jobClient.Register(jobs.NewRunPhaseQueue(a.svc, logger))
	dispatcher := jobs.NewDispatcher(jobClient)
	a.svc.SetDispatcher(dispatcher)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	jobClient.Start(workerCtx)

	e := newEcho(cfg, logger, a, dispatcher)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	// Workers that miss the deadline are cancelled; their phases resume from
	// the last checkpoint when the task is redelivered.
	if !jobClient.Stop(shutdownCtx) {
		stopWorkers()
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, a *app, dispatcher migration.Dispatcher) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.BodyLimit(bodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(requestTimeout, "/phases/", "/resume"))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Str("clinic", cfg.DevClinic).Msg("development auth: unauthenticated requests act as admin")
		e.Use(auth.DevAuthMiddleware(cfg.DevClinic))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.checks))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	migration.NewHandler(a.svc, dispatcher).RegisterRoutes(apiV1)

	return e
}
