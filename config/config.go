// Package config loads the witness node configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"nagare/crypto"
)

// ErrPassphraseRequired is returned when a keystore must be created but no
// passphrase was supplied.
var ErrPassphraseRequired = errors.New("config: keystore passphrase required")

type Config struct {
	ListenAddress       string          `toml:"ListenAddress"`
	Environment         string          `toml:"Environment"`
	KeystorePath        string          `toml:"KeystorePath"`
	Epoch               uint32          `toml:"Epoch"`
	FetchTimeoutSeconds int             `toml:"FetchTimeoutSeconds"`
	MaxResponseBytes    int64           `toml:"MaxResponseBytes"`
	AllowedHosts        []string        `toml:"AllowedHosts"`
	Apps                []AppCredential `toml:"App"`
	NonceStore          string          `toml:"NonceStore,omitempty"`
	RateLimit           RateLimit       `toml:"RateLimit"`
	Logging             Logging         `toml:"Logging"`
}

// Option customises Load.
type Option func(*loadOptions)

type loadOptions struct {
	passphrase func() (string, error)
}

// WithKeystorePassphrase supplies the passphrase used when a keystore has to
// be generated.
func WithKeystorePassphrase(passphrase string) Option {
	return func(o *loadOptions) {
		o.passphrase = func() (string, error) { return passphrase, nil }
	}
}

// WithPassphraseFunc defers passphrase resolution until a keystore is
// actually created.
func WithPassphraseFunc(fn func() (string, error)) Option {
	return func(o *loadOptions) { o.passphrase = fn }
}

// Load loads the configuration from the given path. A missing file is
// created with defaults and a fresh keystore.
func Load(path string, opts ...Option) (*Config, error) {
	options := loadOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options)
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "SigningKey" {
			return nil, fmt.Errorf("config file %s embeds a raw SigningKey; move it into a keystore", path)
		}
	}

	if err := ensureKeystore(path, cfg, options); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if cfg.Epoch == 0 {
		cfg.Epoch = 1
	}
	if cfg.FetchTimeoutSeconds <= 0 {
		cfg.FetchTimeoutSeconds = DefaultFetchTimeoutSeconds
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if cfg.AllowedHosts == nil {
		cfg.AllowedHosts = []string{}
	}
	for i, host := range cfg.AllowedHosts {
		cfg.AllowedHosts[i] = strings.ToLower(strings.TrimSpace(host))
	}
	if cfg.RateLimit.RatePerSecond <= 0 {
		cfg.RateLimit.RatePerSecond = 5
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
}

func ensureKeystore(configPath string, cfg *Config, options loadOptions) error {
	keystorePath := cfg.KeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		if err := createKeystore(keystorePath, options); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.KeystorePath != keystorePath {
		cfg.KeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

func createKeystore(path string, options loadOptions) error {
	if options.passphrase == nil {
		return ErrPassphraseRequired
	}
	passphrase, err := options.passphrase()
	if err != nil {
		return err
	}
	if strings.TrimSpace(passphrase) == "" {
		return ErrPassphraseRequired
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	return crypto.SaveToKeystore(path, key, passphrase)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string, options loadOptions) (*Config, error) {
	keystorePath := defaultKeystorePath(path)
	if err := createKeystore(keystorePath, options); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress: DefaultListenAddress,
		KeystorePath:  keystorePath,
		Epoch:         1,
		AllowedHosts:  []string{},
		Apps:          []AppCredential{},
	}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "witness.keystore")
}
