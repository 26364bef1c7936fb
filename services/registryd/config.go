package registryd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"nagare/crypto"
)

// Config captures runtime configuration for the registry daemon.
type Config struct {
	ListenAddress   string
	Environment     string
	DataDir         string
	ReadModelDSN    string
	Owner           common.Address
	RegistryAddress common.Address
	VerifierAddress common.Address
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AllowedOrigins  []string
	RatePerSecond   float64
	RateBurst       int
	EventHistory    int
	RequestTimeout  time.Duration
	LogLevel        string
	LogFile         string
}

// Well known component addresses used when the environment leaves them unset.
var (
	DefaultRegistryAddress = common.HexToAddress("0x00000000000000000000000000000000000a6e01")
	DefaultVerifierAddress = common.HexToAddress("0x00000000000000000000000000000000000a6e02")
)

// LoadConfigFromEnv builds a configuration using environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:   getenvDefault("REGISTRYD_LISTEN", ":8095"),
		Environment:     strings.TrimSpace(os.Getenv("NAGARE_ENV")),
		DataDir:         getenvDefault("REGISTRYD_DATA_DIR", "registryd-data"),
		ReadModelDSN:    getenvDefault("REGISTRYD_READMODEL_DSN", "registryd-readmodel.db"),
		RegistryAddress: DefaultRegistryAddress,
		VerifierAddress: DefaultVerifierAddress,
		JWTSecret:       strings.TrimSpace(os.Getenv("REGISTRYD_JWT_SECRET")),
		JWTIssuer:       strings.TrimSpace(os.Getenv("REGISTRYD_JWT_ISSUER")),
		JWTAudience:     strings.TrimSpace(os.Getenv("REGISTRYD_JWT_AUDIENCE")),
		RatePerSecond:   10,
		RateBurst:       20,
		EventHistory:    1024,
		RequestTimeout:  15 * time.Second,
		LogLevel:        strings.TrimSpace(os.Getenv("REGISTRYD_LOG_LEVEL")),
		LogFile:         strings.TrimSpace(os.Getenv("REGISTRYD_LOG_FILE")),
	}

	ownerRaw := strings.TrimSpace(os.Getenv("REGISTRYD_OWNER"))
	if ownerRaw == "" {
		return Config{}, errors.New("REGISTRYD_OWNER is required")
	}
	owner, err := crypto.ParseAddress(ownerRaw)
	if err != nil {
		return Config{}, fmt.Errorf("parse REGISTRYD_OWNER: %w", err)
	}
	cfg.Owner = owner

	if raw := strings.TrimSpace(os.Getenv("REGISTRYD_REGISTRY_ADDRESS")); raw != "" {
		if cfg.RegistryAddress, err = crypto.ParseAddress(raw); err != nil {
			return Config{}, fmt.Errorf("parse REGISTRYD_REGISTRY_ADDRESS: %w", err)
		}
	}
	if raw := strings.TrimSpace(os.Getenv("REGISTRYD_VERIFIER_ADDRESS")); raw != "" {
		if cfg.VerifierAddress, err = crypto.ParseAddress(raw); err != nil {
			return Config{}, fmt.Errorf("parse REGISTRYD_VERIFIER_ADDRESS: %w", err)
		}
	}
	if cfg.RegistryAddress == cfg.VerifierAddress {
		return Config{}, errors.New("registry and verifier addresses must differ")
	}

	if cfg.JWTSecret == "" {
		return Config{}, errors.New("REGISTRYD_JWT_SECRET is required")
	}

	if raw := strings.TrimSpace(os.Getenv("REGISTRYD_ALLOWED_ORIGINS")); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REGISTRYD_RATE_LIMIT_RPS")); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse REGISTRYD_RATE_LIMIT_RPS: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("REGISTRYD_RATE_LIMIT_RPS must be positive")
		}
		cfg.RatePerSecond = val
	}

	if raw := strings.TrimSpace(os.Getenv("REGISTRYD_RATE_LIMIT_BURST")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse REGISTRYD_RATE_LIMIT_BURST: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("REGISTRYD_RATE_LIMIT_BURST must be positive")
		}
		cfg.RateBurst = val
	}

	if raw := strings.TrimSpace(os.Getenv("REGISTRYD_EVENT_HISTORY")); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse REGISTRYD_EVENT_HISTORY: %w", err)
		}
		if val <= 0 {
			return Config{}, errors.New("REGISTRYD_EVENT_HISTORY must be positive")
		}
		cfg.EventHistory = val
	}

	if raw := strings.TrimSpace(os.Getenv("REGISTRYD_REQUEST_TIMEOUT")); raw != "" {
		dur, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse REGISTRYD_REQUEST_TIMEOUT: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("REGISTRYD_REQUEST_TIMEOUT must be positive")
		}
		cfg.RequestTimeout = dur
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
