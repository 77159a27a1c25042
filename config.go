// Package aigateway holds AutoRouter's process bootstrap configuration:
// listen address, database connection, and the environment-sourced
// secrets spec §6 names (ADMIN_TOKEN, ENCRYPTION_KEY,
// ALLOW_KEY_REVEAL). The per-tenant routing state the teacher's original
// Config/Target/StrategyConfig types described (virtual keys, in-process
// fallback/loadbalance strategy modes) now lives in SQL-backed tables
// owned by internal/keystore and internal/upstream instead of a static
// config file, since AutoRouter serves many tenants from one running
// process rather than one statically-configured routing table per
// process the way the teacher's embeddable Gateway did.
package aigateway

import "time"

// Config is the process bootstrap configuration loaded once at startup.
type Config struct {
	// ListenAddr is the address the inbound proxy HTTP server binds to.
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// AdminListenAddr is loaded from config but cmd/autorouter does not
	// read it: the admin surface is always served on ListenAddr under
	// /api/admin, and no separate admin listener is started.
	AdminListenAddr string `json:"admin_listen_addr,omitempty" yaml:"admin_listen_addr,omitempty"`

	// Database selects the SQL backend and connection string.
	Database DatabaseConfig `json:"database" yaml:"database"`

	// AdminToken authenticates the admin surface (spec §6 "ADMIN_TOKEN").
	AdminToken string `json:"admin_token" yaml:"admin_token"`
	// EncryptionKey is the 32-byte AES-256-GCM key (base64-encoded, or the
	// literal 32-byte string; cmd/autorouter accepts both) protecting
	// upstream credentials and any revealable API key storage.
	EncryptionKey string `json:"encryption_key" yaml:"encryption_key"`
	// AllowKeyReveal gates plaintext API-key reveal; default false, any
	// reveal attempt errors when unset (spec §6).
	AllowKeyReveal bool `json:"allow_key_reveal,omitempty" yaml:"allow_key_reveal,omitempty"`

	// DefaultUpstreamTimeout is used when an upstream omits its own
	// timeout (spec §4.5 step 4's TTFT deadline).
	DefaultUpstreamTimeout time.Duration `json:"default_upstream_timeout,omitempty" yaml:"default_upstream_timeout,omitempty"`
	// QuotaRebuildHorizon bounds how far back the quota tracker scans
	// RequestBillingSnapshot rows at boot (spec §4.8).
	QuotaRebuildHorizon time.Duration `json:"quota_rebuild_horizon,omitempty" yaml:"quota_rebuild_horizon,omitempty"`

	// Logging controls the structured logger (internal/logging).
	Logging LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`

	// Credentials configures the non-default credential-substitution
	// schemes spec §4.9 names (sigv4 for Bedrock-family upstreams, oauth2
	// for gemini_code_assist_internal).
	Credentials CredentialsConfig `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

// CredentialsConfig holds the app-level settings a per-upstream
// CredentialScheme needs beyond the upstream's own encrypted credential.
type CredentialsConfig struct {
	// SigV4Region is the default AWS region for sigv4-scheme upstreams
	// that don't set their own CredentialRegion.
	SigV4Region string `json:"sigv4_region,omitempty" yaml:"sigv4_region,omitempty"`
	// OAuth2 configures the app used to refresh oauth2-scheme upstreams'
	// tokens. Leave ClientID empty to disable oauth2-scheme upstreams.
	OAuth2 OAuth2Config `json:"oauth2,omitempty" yaml:"oauth2,omitempty"`
}

// OAuth2Config mirrors golang.org/x/oauth2.Config's fields as a
// bootstrap-config-friendly struct.
type OAuth2Config struct {
	ClientID     string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	AuthURL      string   `json:"auth_url,omitempty" yaml:"auth_url,omitempty"`
	TokenURL     string   `json:"token_url,omitempty" yaml:"token_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// DatabaseConfig selects and connects to the SQL backend every store in
// this module shares (internal/sqlstore).
type DatabaseConfig struct {
	// Dialect is "sqlite" or "postgres".
	Dialect string `json:"dialect" yaml:"dialect"`
	// DSN is the data source name; for sqlite, a file path (or ":memory:").
	DSN string `json:"dsn" yaml:"dsn"`
}

// LoggingConfig configures internal/logging's slog handler.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
}

func defaultConfig() Config {
	return Config{
		ListenAddr:             ":8080",
		Database:               DatabaseConfig{Dialect: "sqlite", DSN: "autorouter.db"},
		DefaultUpstreamTimeout: 60 * time.Second,
		QuotaRebuildHorizon:    31 * 24 * time.Hour,
		Logging:                LoggingConfig{Level: "info", Format: "json"},
	}
}
