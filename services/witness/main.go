package witness

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nagare/internal/passphrase"
	"nagare/config"
	"nagare/crypto"
	"nagare/gateway/auth"
	"nagare/gateway/middleware"
	"nagare/observability/logging"
	telemetry "nagare/observability/otel"
	"nagare/storage"
)

// PassphraseEnv names the variable holding the keystore passphrase.
const PassphraseEnv = "NAGARE_WITNESS_PASSPHRASE"

// Main runs the witness using the provided command line flags.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "witness.toml", "path to witness config")
	flag.Parse()

	pass := passphrase.NewSource(PassphraseEnv, "witness keystore")
	cfg, err := config.Load(cfgPath, config.WithPassphraseFunc(pass.Get))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service: "witness",
		Env:     cfg.Environment,
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("witness", cfg.Environment))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	secret, err := pass.Get()
	if err != nil {
		return err
	}
	key, err := crypto.LoadFromKeystore(cfg.KeystorePath, secret)
	if err != nil {
		return fmt.Errorf("unlock keystore: %w", err)
	}

	fetcher := NewFetcher(nil, time.Duration(cfg.FetchTimeoutSeconds)*time.Second, cfg.MaxResponseBytes, cfg.AllowedHosts)
	attester, err := NewAttester(key, cfg.Epoch, fetcher, logger)
	if err != nil {
		return err
	}
	secrets := make(map[string]string, len(cfg.Apps))
	for _, app := range cfg.Apps {
		secrets[app.ID] = app.ResolveSecret()
	}
	authOpts := auth.Options{}
	if cfg.NonceStore != "" {
		nonces, err := storage.NewLevelDB(cfg.NonceStore)
		if err != nil {
			return fmt.Errorf("open nonce store: %w", err)
		}
		defer nonces.Close()
		authOpts.Log = auth.NewStoreLog(nonces)
	}
	server, err := NewServer(attester, ServerOptions{
		Apps: auth.NewAuthenticator(secrets, authOpts),
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			"witness": {RatePerSecond: cfg.RateLimit.RatePerSecond, Burst: cfg.RateLimit.Burst},
		}, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "witness",
			Enabled:     true,
			LogRequests: true,
		}, logger),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	logger.Info("witness identity loaded",
		slog.String("address", attester.Address().Hex()),
		slog.Uint64("epoch", uint64(cfg.Epoch)))

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(server, "witness"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(cfg.FetchTimeoutSeconds+15) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	errs := make(chan error, 1)
	go func() {
		logger.Info("witness listening", slog.String("addr", httpServer.Addr))
		errs <- httpServer.ListenAndServe()
	}()
	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
