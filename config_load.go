package aigateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads and parses a bootstrap config file from the given
// path, applying defaults for anything the file omits, then overlaying
// the environment secrets spec §6 names (ADMIN_TOKEN, ENCRYPTION_KEY,
// ALLOW_KEY_REVEAL) so they never need to sit in a config file on disk.
// Supported file formats: JSON (.json), YAML (.yaml, .yml).
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		ext := strings.ToLower(filepath.Ext(path))
		switch ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config: %w", err)
			}
		case ".json":
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config: %w", err)
			}
		default:
			return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overlays the environment variables spec §6 names as
// the source of truth for secrets, so they never need to be committed to
// a config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("ALLOW_KEY_REVEAL"))); v != "" {
		cfg.AllowKeyReveal = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("SIGV4_REGION"); v != "" {
		cfg.Credentials.SigV4Region = v
	}
	if v := os.Getenv("OAUTH2_CLIENT_ID"); v != "" {
		cfg.Credentials.OAuth2.ClientID = v
	}
	if v := os.Getenv("OAUTH2_CLIENT_SECRET"); v != "" {
		cfg.Credentials.OAuth2.ClientSecret = v
	}
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	switch cfg.Database.Dialect {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database dialect %q: use sqlite or postgres", cfg.Database.Dialect)
	}
	if cfg.Database.Dialect == "postgres" && cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required for postgres")
	}
	if cfg.AdminToken == "" {
		return fmt.Errorf("admin_token (or ADMIN_TOKEN) is required")
	}
	if cfg.EncryptionKey == "" {
		return fmt.Errorf("encryption_key (or ENCRYPTION_KEY) is required")
	}
	return nil
}
