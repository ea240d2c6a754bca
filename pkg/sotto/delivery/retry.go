// retry.go wraps a Deliverer with bounded retries and backoff. A batch that
// still fails after the last attempt is returned to the caller for offline
// buffering; retries never block forever.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig bounds re-attempts against the delivery collaborator.
type RetryConfig struct {
	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the wait before the first re-attempt; doubles per attempt.
	Backoff time.Duration `yaml:"backoff"`

	// AttemptTimeout bounds a single DeliverBatch call.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     2,
		Backoff:        2 * time.Second,
		AttemptTimeout: 15 * time.Second,
	}
}

// Deliver sends a batch through the deliverer with bounded retries.
// Returns nil once the collaborator acknowledges. Returns an error wrapping
// ErrDeliveryFailed when every attempt failed or the context was cancelled.
func Deliver(ctx context.Context, d Deliverer, deviceID string, items []*Item, cfg RetryConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 15 * time.Second
	}

	backoff := cfg.Backoff
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrDeliveryFailed, ctx.Err())
			}
			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		err := d.DeliverBatch(attemptCtx, deviceID, items)
		cancel()

		for _, item := range items {
			item.Attempts++
		}

		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warn("delivery attempt failed",
			"device", deviceID,
			"attempt", attempt+1,
			"items", len(items),
			"error", err,
		)
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrDeliveryFailed, cfg.MaxRetries+1, lastErr)
}
