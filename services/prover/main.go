package prover

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nagare/gateway/middleware"
	"nagare/observability/logging"
	telemetry "nagare/observability/otel"
)

// Main runs the proof service using the provided command line flags.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/prover/config.yaml", "path to prover config")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("NAGARE_ENV"))
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service: "prover",
		Env:     env,
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("prover", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	issuances, err := OpenIssuanceLog(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open issuance log: %w", err)
	}
	defer func() { _ = issuances.Close() }()

	hub := NewHubClient(cfg.Hub.URL, cfg.Hub.APIKey, nil)
	attester := NewAttesterClient(cfg.Attester.URL, cfg.Attester.AppID, cfg.Attester.AppSecret, nil)
	pipeline, err := NewPipeline(hub, attester, issuances, cfg.Owner, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	server, err := NewServer(pipeline, ServerOptions{
		Timeout: cfg.RequestTimeout,
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			"prover": {RatePerSecond: cfg.RateLimit.RatePerSecond, Burst: cfg.RateLimit.Burst},
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "prover",
			Enabled:     true,
			LogRequests: true,
		}, logger),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(server, "prover"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return serve(httpServer, logger)
}

func serve(httpServer *http.Server, logger *slog.Logger) error {
	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("prover listening", slog.String("addr", httpServer.Addr))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
