package config

import (
	"os"
	"strings"
)

// Defaults applied when the file leaves a field empty.
const (
	DefaultListenAddress       = ":8091"
	DefaultFetchTimeoutSeconds = 20
	DefaultMaxResponseBytes    = 1 << 20
)

// AppCredential authorises one calling application. The secret may be given
// inline or through SecretEnv.
type AppCredential struct {
	ID        string `toml:"ID"`
	Secret    string `toml:"Secret,omitempty"`
	SecretEnv string `toml:"SecretEnv,omitempty"`
}

// ResolveSecret returns the inline secret or the value of SecretEnv.
func (a AppCredential) ResolveSecret() string {
	if secret := strings.TrimSpace(a.Secret); secret != "" {
		return secret
	}
	if env := strings.TrimSpace(a.SecretEnv); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

// RateLimit bounds attestation requests per application.
type RateLimit struct {
	RatePerSecond float64 `toml:"RatePerSecond"`
	Burst         int     `toml:"Burst"`
}

// Logging selects the log level and optional rotated file output.
type Logging struct {
	Level string `toml:"Level"`
	File  string `toml:"File,omitempty"`
}
