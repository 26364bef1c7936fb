package config

import (
	"fmt"
	"strings"
)

// MaxFetchTimeoutSeconds caps how long a single attested fetch may take.
var MaxFetchTimeoutSeconds = 120

func ValidateConfig(cfg *Config) error {
	if cfg.FetchTimeoutSeconds > MaxFetchTimeoutSeconds {
		return fmt.Errorf("fetch: timeout %ds exceeds %ds", cfg.FetchTimeoutSeconds, MaxFetchTimeoutSeconds)
	}
	seen := make(map[string]struct{}, len(cfg.Apps))
	for i, app := range cfg.Apps {
		id := strings.TrimSpace(app.ID)
		if id == "" {
			return fmt.Errorf("app %d: ID required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("app %s: duplicate ID", id)
		}
		seen[id] = struct{}{}
		if app.ResolveSecret() == "" {
			return fmt.Errorf("app %s: secret required", id)
		}
	}
	for _, host := range cfg.AllowedHosts {
		if host == "" || strings.ContainsAny(host, "/ ") {
			return fmt.Errorf("allowed host %q is not a host name", host)
		}
	}
	return nil
}
