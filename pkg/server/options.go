package server

import (
	"log/slog"

	"github.com/paket-core/router/pkg/delivery"
	"github.com/paket-core/router/pkg/escrow"
	"github.com/paket-core/router/pkg/ledger"
)

// Config holds server configuration.
type Config struct {
	Service  *delivery.Service
	Composer *escrow.Composer
	Gateway  *ledger.Gateway
	Ledger   ledger.Client
	Horizon  *ledger.Horizon
	Logger   *slog.Logger

	// Debug enables the debug routes and relaxes request signing.
	Debug bool

	// AuthWindow bounds how stale a signed request fingerprint may be,
	// in seconds. Zero means the default.
	AuthWindow int64
}

// Option configures the server.
type Option func(*Config)

// WithService sets the delivery service.
func WithService(service *delivery.Service) Option {
	return func(c *Config) {
		c.Service = service
	}
}

// WithComposer sets the transaction composer used by wallet routes.
func WithComposer(composer *escrow.Composer) Option {
	return func(c *Config) {
		c.Composer = composer
	}
}

// WithGateway sets the submission gateway.
func WithGateway(gateway *ledger.Gateway) Option {
	return func(c *Config) {
		c.Gateway = gateway
	}
}

// WithLedger sets the ledger client used for account queries.
func WithLedger(client ledger.Client) Option {
	return func(c *Config) {
		c.Ledger = client
	}
}

// WithHorizon sets the concrete horizon client, enabling the debug
// funding route.
func WithHorizon(horizon *ledger.Horizon) Option {
	return func(c *Config) {
		c.Horizon = horizon
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithDebug enables debug routes and skips request signing checks.
func WithDebug(debug bool) Option {
	return func(c *Config) {
		c.Debug = debug
	}
}

// WithAuthWindow sets the signed request freshness window in seconds.
func WithAuthWindow(seconds int64) Option {
	return func(c *Config) {
		c.AuthWindow = seconds
	}
}

func applyOptions(opts ...Option) *Config {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
