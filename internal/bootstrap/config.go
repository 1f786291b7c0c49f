package bootstrap

import (
	"fmt"
	"os"

	"trading_bot/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	// Pre-flight Checks
	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	// The data directory holds the database, metrics export, and logs.
	if err := os.MkdirAll(cfg.System.DataDir, 0o755); err != nil {
		return fmt.Errorf("cannot create data directory %s: %w", cfg.System.DataDir, err)
	}

	// Placeholder credentials must never reach a live endpoint.
	if cfg.Mode == "live" {
		if cfg.Broker.APIKey == "test_api_key" || cfg.Broker.APISecret == "test_api_secret" {
			return fmt.Errorf("live mode requires real broker credentials")
		}
	}

	return nil
}
