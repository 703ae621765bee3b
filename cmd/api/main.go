// Package main provides the entrypoint for the read-only reporting API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breatheroute/aqingest/internal/airquality"
	"github.com/breatheroute/aqingest/internal/api"
	"github.com/breatheroute/aqingest/internal/api/middleware"
	"github.com/breatheroute/aqingest/internal/auth"
	"github.com/breatheroute/aqingest/internal/config"
	"github.com/breatheroute/aqingest/internal/store"
	"github.com/breatheroute/aqingest/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

const (
	serviceName = "aqingest-api"

	// devSigningKey is only accepted outside production.
	devSigningKey = "local-dev-signing-key-change-in-production"
)

func main() {
	issueFor := flag.String("issue-token", "", "print a signed read token for `subject` and exit")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	settings, err := config.SettingsFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := settings.Logger(serviceName, Version)

	signingKey := settings.JWTSigningKey
	if signingKey == "" {
		if settings.Production() {
			log.Fatal().Msg("JWT_SIGNING_KEY is required in production")
		}
		signingKey = devSigningKey
		log.Warn().Msg("using default JWT signing key - not secure for production")
	}

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		SigningKey: signingKey,
		Issuer:     settings.JWTIssuer,
		Audience:   settings.JWTAudience,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize token service")
	}

	if *issueFor != "" {
		token, expiresAt, err := tokens.Issue(*issueFor)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to issue token")
		}
		fmt.Println(token)
		log.Info().
			Str("subject", *issueFor).
			Time("expires_at", expiresAt).
			Msg("token issued")
		return
	}

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting reporting API")

	ctx := context.Background()

	tp, err := telemetry.Init(ctx, settings.Telemetry(serviceName, Version))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		if shutdownErr := tp.ShutdownWithTimeout(5 * time.Second); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	metrics, err := middleware.NewMetrics(telemetry.Meter(serviceName))
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize metrics")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}

	repo, err := store.Open(ctx, settings, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to open store")
		os.Exit(2)
	}
	defer repo.Close()

	svc := airquality.NewService(airquality.ServiceConfig{
		Repository: repo,
		Logger:     log,
	})

	router := api.NewRouter(api.RouterConfig{
		Version:     Version,
		BuildTime:   BuildTime,
		Logger:      log,
		ServiceName: serviceName,
		Metrics:     metrics,
		Tokens:      tokens,
		Service:     svc,
		RequireTLS:  settings.Production(),
	})

	server := &http.Server{
		Addr:         ":" + settings.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}

	log.Info().Msg("server stopped")
}
