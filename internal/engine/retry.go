package engine

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/quantfx/fx-execution-engine/internal/broker"
	"github.com/quantfx/fx-execution-engine/internal/monitoring"
)

// RetryPolicy controls how transient broker failures are retried.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy returns the stock policy: three attempts with
// exponential backoff from 2s capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  2 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// retry executes fn up to MaxAttempts times, backing off between
// attempts. Only transient failure classes are retried; a validation or
// auth error fails immediately. The last error is returned when all
// attempts are exhausted.
func (p RetryPolicy) retry(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == p.MaxAttempts || !broker.IsRetryable(err) {
			break
		}

		delay := p.delay(attempt)
		logger.Warn("broker call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		monitoring.RecordBrokerRetry(op)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// delay computes the backoff before the attempt after the given one.
func (p RetryPolicy) delay(attempt int) time.Duration {
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1)))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
