// Package config loads routekeeper's JSON configuration file and overlays
// environment variables for secret material. Secrets live only in the
// environment; the file never carries them.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the full application configuration for cmd/routekeeperd.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Vault     VaultConfig      `json:"vault"`
	Quota     QuotaConfig      `json:"quota"`
	Store     StoreConfig      `json:"store"`
	Otel      OtelConfig       `json:"otel"`
	Providers []ProviderConfig `json:"providers"`
	LogLevel  string           `json:"log_level"`
	TestMode  bool             `json:"test_mode"`

	// EncryptionKey is resolved from Vault.EncryptionKeyEnv at load time; it
	// is never read back from the JSON file itself.
	EncryptionKey string `json:"-"`
}

// ServerConfig configures the cmd/routekeeperd HTTP surface.
type ServerConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// VaultConfig names the environment variable holding the key-material
// encryption secret. The key location is environment-only by design: it is
// required at startup unless TestMode is set.
type VaultConfig struct {
	EncryptionKeyEnv string `json:"encryption_key_env"`
}

// QuotaConfig carries the Quota Awareness Engine and Key Manager tuning
// knobs recognized in the external interface.
type QuotaConfig struct {
	DefaultCooldownSeconds      int `json:"default_cooldown_seconds"`
	QuotaDefaultCooldownSeconds int `json:"quota_default_cooldown_seconds"`
	PredictionCacheTTLSeconds   int `json:"prediction_cache_ttl_seconds"`
}

// StoreConfig selects and bounds the persistence backend.
type StoreConfig struct {
	Driver         string `json:"driver"` // "memory" or "sqlite"
	DSN            string `json:"dsn"`
	MaxDecisions   int    `json:"max_decisions"`
	MaxTransitions int    `json:"max_transitions"`
}

// OtelConfig gates OpenTelemetry tracing; tracing is a no-op chain when
// Enabled is false, preserving the cooperative-suspension boundary.
type OtelConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
}

// ProviderConfig describes one registered provider. APIKeyEnv is parsed but
// not read when the daemon builds adapters; adapters authenticate with the
// material of the registered key chosen for each request.
type ProviderConfig struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // "openai", "anthropic", "vllm", "mock"
	BaseURL   string `json:"base_url,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

const defaultEncryptionKeyEnv = "ROUTEKEEPER_ENCRYPTION_KEY"

// LoadConfig loads configuration from a JSON file and overlays the
// encryption key from the environment. Startup fails if the encryption key
// is absent unless TestMode is explicitly set in the file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Vault.EncryptionKeyEnv == "" {
		cfg.Vault.EncryptionKeyEnv = defaultEncryptionKeyEnv
	}
	cfg.EncryptionKey = os.Getenv(cfg.Vault.EncryptionKeyEnv)
	if cfg.EncryptionKey == "" && !cfg.TestMode {
		return nil, fmt.Errorf("encryption key env %q is unset and test_mode is false", cfg.Vault.EncryptionKeyEnv)
	}

	return cfg, nil
}

// DefaultConfig returns a dev-friendly configuration: sqlite storage,
// minute-scale cooldowns, tracing disabled.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Host: "0.0.0.0"},
		Vault:  VaultConfig{EncryptionKeyEnv: defaultEncryptionKeyEnv},
		Quota: QuotaConfig{
			DefaultCooldownSeconds:      60,
			QuotaDefaultCooldownSeconds: 60,
			PredictionCacheTTLSeconds:   30,
		},
		Store: StoreConfig{
			Driver:         "sqlite",
			DSN:            "routekeeper.db",
			MaxDecisions:   10000,
			MaxTransitions: 10000,
		},
		Otel: OtelConfig{
			Enabled:     false,
			ServiceName: "routekeeper",
		},
		Providers: []ProviderConfig{
			{ID: "openai", Type: "openai", APIKeyEnv: "OPENAI_API_KEY"},
			{ID: "anthropic", Type: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY"},
		},
		LogLevel: "info",
	}
}
