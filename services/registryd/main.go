package registryd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nagare/gateway/middleware"
	"nagare/observability/logging"
	telemetry "nagare/observability/otel"
	"nagare/storage"
)

const shutdownTimeout = 10 * time.Second

// Main runs the registry daemon configured from the environment.
func Main() error {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service: "registryd",
		Env:     cfg.Environment,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("registryd", cfg.Environment))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open leveldb: %w", err)
	}
	defer db.Close()

	readModel, err := OpenReadModel(cfg.ReadModelDSN, logger)
	if err != nil {
		return err
	}
	defer func() { _ = readModel.Close() }()

	node, err := NewNode(storage.NewStore(db), readModel, NodeOptions{
		Owner:           cfg.Owner,
		RegistryAddress: cfg.RegistryAddress,
		VerifierAddress: cfg.VerifierAddress,
		EventHistory:    cfg.EventHistory,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("wire node: %w", err)
	}
	if err := readModel.Rebuild(context.Background(), node.Registry); err != nil {
		return fmt.Errorf("rebuild read model: %w", err)
	}

	var cors *middleware.CORSConfig
	if len(cfg.AllowedOrigins) > 0 {
		cors = &middleware.CORSConfig{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedHeaders: []string{"Authorization", "Content-Type", middleware.HeaderRequestID},
		}
	}
	server, err := NewServer(node, ServerOptions{
		Timeout: cfg.RequestTimeout,
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: cfg.JWTSecret,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			"registryd": {RatePerSecond: cfg.RatePerSecond, Burst: cfg.RateBurst},
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "registryd",
			Enabled:     true,
			LogRequests: true,
		}, logger),
		CORS:   cors,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server, "registryd"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	errs := make(chan error, 1)
	go func() {
		logger.Info("registryd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("registry", cfg.RegistryAddress.Hex()),
			slog.String("verifier", cfg.VerifierAddress.Hex()))
		errs <- srv.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down registryd")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
