package prover

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const defaultHubURL = "https://snapchain-api.neynar.com"

// Config captures the runtime options for the proof service.
type Config struct {
	ListenAddress     string          `yaml:"listen"`
	Environment       string          `yaml:"environment"`
	Hub               HubConfig       `yaml:"hub"`
	Attester          AttesterConfig  `yaml:"attester"`
	Owner             string          `yaml:"owner"`
	DatabasePath      string          `yaml:"database"`
	RequestTimeout    time.Duration   `yaml:"-"`
	RequestTimeoutSec int             `yaml:"request_timeout_seconds"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	Logging           LoggingConfig   `yaml:"logging"`
}

// HubConfig points at the social hub read API.
type HubConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// AttesterConfig points at the zk-fetch attester.
type AttesterConfig struct {
	URL          string `yaml:"url"`
	AppID        string `yaml:"app_id"`
	AppSecret    string `yaml:"app_secret"`
	AppSecretEnv string `yaml:"app_secret_env"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// LoggingConfig selects log level and optional rotated file output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// LoadConfig reads configuration from disk and applies defaults.
func LoadConfig(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Config{}, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	cfg := Config{}
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalise() error {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	cfg.Hub.URL = strings.TrimRight(strings.TrimSpace(cfg.Hub.URL), "/")
	if cfg.Hub.URL == "" {
		cfg.Hub.URL = defaultHubURL
	}
	if err := requireAbsoluteURL("hub.url", cfg.Hub.URL); err != nil {
		return err
	}
	secret, err := resolveSecret("hub.api_key", cfg.Hub.APIKey, cfg.Hub.APIKeyEnv)
	if err != nil {
		return err
	}
	cfg.Hub.APIKey = secret

	cfg.Attester.URL = strings.TrimRight(strings.TrimSpace(cfg.Attester.URL), "/")
	if cfg.Attester.URL == "" {
		return fmt.Errorf("attester.url required")
	}
	if err := requireAbsoluteURL("attester.url", cfg.Attester.URL); err != nil {
		return err
	}
	cfg.Attester.AppID = strings.TrimSpace(cfg.Attester.AppID)
	secret, err = resolveSecret("attester.app_secret", cfg.Attester.AppSecret, cfg.Attester.AppSecretEnv)
	if err != nil {
		return err
	}
	cfg.Attester.AppSecret = secret

	cfg.Owner = strings.TrimSpace(cfg.Owner)
	if cfg.Owner != "" && !common.IsHexAddress(cfg.Owner) {
		return fmt.Errorf("owner %q is not an address", cfg.Owner)
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		cfg.DatabasePath = filepath.Join(os.TempDir(), "nagare-prover.db")
	}
	if cfg.RequestTimeoutSec <= 0 {
		cfg.RequestTimeoutSec = 30
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutSec) * time.Second
	if cfg.RateLimit.RatePerSecond <= 0 {
		cfg.RateLimit.RatePerSecond = 1
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}
	return nil
}

func requireAbsoluteURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute url", field, raw)
	}
	return nil
}

// resolveSecret prefers the inline value and falls back to envVar.
func resolveSecret(field, inline, envVar string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	envVar = strings.TrimSpace(envVar)
	if envVar == "" {
		return "", nil
	}
	value := strings.TrimSpace(os.Getenv(envVar))
	if value == "" {
		return "", fmt.Errorf("%s_env %s is empty", field, envVar)
	}
	return value, nil
}
