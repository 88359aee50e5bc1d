// Package config loads router settings from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the router's full runtime configuration. Every field has a
// PAKET_ prefixed environment variable.
type Config struct {
	Port   int    `env:"PAKET_ROUTER_PORT" envDefault:"8000"`
	DBPath string `env:"PAKET_DB_PATH" envDefault:"./data/router.db"`

	HorizonURL        string `env:"PAKET_HORIZON_SERVER" envDefault:"https://horizon-testnet.stellar.org"`
	NetworkPassphrase string `env:"PAKET_NETWORK_PASSPHRASE" envDefault:"Test SDF Network ; September 2015"`
	TokenCode         string `env:"PAKET_TOKEN_CODE" envDefault:"BUL"`
	TokenIssuer       string `env:"PAKET_USER_ISSUER"`

	SubmitAttempts uint64 `env:"PAKET_SUBMIT_ATTEMPTS" envDefault:"5"`

	FCMKey string `env:"PAKET_FCM_KEY"`

	LogLevel string `env:"PAKET_LOG_LEVEL" envDefault:"info"`
	Debug    bool   `env:"PAKET_DEBUG" envDefault:"false"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.TokenIssuer == "" {
		return Config{}, fmt.Errorf("PAKET_USER_ISSUER is required")
	}
	return cfg, nil
}
