package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nagare/crypto"
)

const testKeystorePassphrase = "test-passphrase"

func writeKeystore(t *testing.T, path string) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := crypto.SaveToKeystore(path, key, testKeystorePassphrase); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
}

func TestLoadParsesWitnessSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "witness.toml")
	keystorePath := filepath.Join(dir, "signer.keystore")
	writeKeystore(t, keystorePath)
	t.Setenv("TEST_APP_SECRET", "from-env")

	contents := fmt.Sprintf(`ListenAddress = "127.0.0.1:9100"
KeystorePath = %q
Epoch = 3
FetchTimeoutSeconds = 5
AllowedHosts = [" Hub.Example ", "api.example"]

[[App]]
ID = "prover"
Secret = "inline"

[[App]]
ID = "batch"
SecretEnv = "TEST_APP_SECRET"

[RateLimit]
RatePerSecond = 2.5
Burst = 4
`, keystorePath)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:9100" || cfg.Epoch != 3 || cfg.FetchTimeoutSeconds != 5 {
		t.Fatalf("unexpected core settings: %+v", cfg)
	}
	if cfg.MaxResponseBytes != DefaultMaxResponseBytes {
		t.Fatalf("expected default response cap, got %d", cfg.MaxResponseBytes)
	}
	if len(cfg.AllowedHosts) != 2 || cfg.AllowedHosts[0] != "hub.example" {
		t.Fatalf("unexpected allowed hosts: %v", cfg.AllowedHosts)
	}
	if len(cfg.Apps) != 2 || cfg.Apps[1].ResolveSecret() != "from-env" {
		t.Fatalf("unexpected apps: %+v", cfg.Apps)
	}
	if cfg.RateLimit.RatePerSecond != 2.5 || cfg.RateLimit.Burst != 4 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
}

func TestLoadRejectsInvalidApps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "witness.toml")
	keystorePath := filepath.Join(dir, "signer.keystore")
	writeKeystore(t, keystorePath)

	cases := map[string]string{
		"missing id":     "[[App]]\nSecret = \"s\"\n",
		"missing secret": "[[App]]\nID = \"a\"\n",
		"duplicate":      "[[App]]\nID = \"a\"\nSecret = \"s\"\n[[App]]\nID = \"a\"\nSecret = \"t\"\n",
	}
	for name, apps := range cases {
		contents := fmt.Sprintf("KeystorePath = %q\n%s", keystorePath, apps)
		if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadRejectsRawSigningKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "witness.toml")
	if err := os.WriteFile(path, []byte("SigningKey = \"0xdeadbeef\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase)); err == nil {
		t.Fatalf("expected raw signing key to be rejected")
	}
}

func TestLoadWithoutPassphraseFailsToCreateDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "witness.toml")

	if _, err := Load(path); !errors.Is(err, ErrPassphraseRequired) {
		t.Fatalf("expected ErrPassphraseRequired, got %v", err)
	}
}

func TestLoadCreatesKeystoreWithPassphrase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "witness.toml")

	calls := 0
	cfg, err := Load(path, WithPassphraseFunc(func() (string, error) {
		calls++
		return testKeystorePassphrase, nil
	}))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one passphrase lookup, got %d", calls)
	}
	if cfg.KeystorePath == "" || cfg.ListenAddress != DefaultListenAddress {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	key, err := crypto.LoadFromKeystore(cfg.KeystorePath, testKeystorePassphrase)
	if err != nil {
		t.Fatalf("failed to decrypt keystore: %v", err)
	}
	if key == nil {
		t.Fatalf("expected decrypted key")
	}

	// The persisted file loads without regenerating the key.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if reloaded.KeystorePath != cfg.KeystorePath {
		t.Fatalf("keystore path changed: %s != %s", reloaded.KeystorePath, cfg.KeystorePath)
	}
}

func TestLoadPersistsDerivedKeystorePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "witness.toml")
	if err := os.WriteFile(path, []byte("Epoch = 2\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.KeystorePath != filepath.Join(dir, "witness.keystore") {
		t.Fatalf("unexpected keystore path %s", cfg.KeystorePath)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if want := "witness.keystore"; !strings.Contains(string(raw), want) {
		t.Fatalf("expected persisted config to mention %s:\n%s", want, raw)
	}
}
