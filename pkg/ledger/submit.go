package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// GatewayConfig tunes the submission retry policy.
type GatewayConfig struct {
	// MaxAttempts bounds the total number of submissions, including the
	// first. Zero means the default of 5.
	MaxAttempts uint64
	// InitialInterval is the first backoff delay. Zero means the
	// backoff library default.
	InitialInterval time.Duration
}

// Gateway submits signed envelopes to the ledger, retrying transient
// transport failures with exponential backoff. Ledger rejections are
// final and returned unretried.
type Gateway struct {
	client Client
	cfg    GatewayConfig
	logger *slog.Logger
}

// NewGateway wraps client with the retry policy in cfg.
func NewGateway(client Client, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{client: client, cfg: cfg, logger: logger}
}

// Submit sends a signed envelope, retrying while the failure is
// transient and the context is alive.
func (g *Gateway) Submit(ctx context.Context, envelopeXDR string) (SubmitResult, error) {
	var result SubmitResult
	attempt := 0

	operation := func() error {
		attempt++
		res, err := g.client.SubmitEnvelope(ctx, envelopeXDR)
		if err != nil {
			if !IsRetryable(err) {
				return backoff.Permanent(err)
			}
			g.logger.Warn("transient submission failure, will retry",
				"attempt", attempt, "error", err)
			return err
		}
		result = res
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	if g.cfg.InitialInterval > 0 {
		policy.InitialInterval = g.cfg.InitialInterval
	}
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, g.cfg.MaxAttempts-1), ctx)

	if err := backoff.Retry(operation, bounded); err != nil {
		return SubmitResult{}, err
	}
	g.logger.Info("envelope accepted by ledger", "hash", result.Hash, "ledger", result.Ledger)
	return result, nil
}
