package openfinance

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"finlink/internal/domain/provider"
)

// retry runs fn until it succeeds, fails with a non-retryable error, or
// runs out of attempts. Waits grow exponentially with jitter and honour a
// provider Retry-After. It gives up early when the wait would overrun the
// context deadline.
func (o *Orchestrator) retry(ctx context.Context, op, accountID string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !provider.IsRetryable(err) || attempt >= o.opts.MaxAttempts {
			return err
		}

		wait := o.backoff(attempt, provider.RetryAfterOf(err))
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return err
		}

		zap.L().Debug("retrying provider call",
			zap.String("op", op),
			zap.String("account_id", accountID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// backoff returns base*2^(attempt-1) capped at the max, with up to 50%
// jitter, but never less than retryAfter.
func (o *Orchestrator) backoff(attempt int, retryAfter time.Duration) time.Duration {
	delay := float64(o.opts.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if delay > float64(o.opts.MaxBackoff) {
		delay = float64(o.opts.MaxBackoff)
	}
	jittered := time.Duration(delay/2 + rand.Float64()*delay/2)

	if retryAfter > jittered {
		return retryAfter
	}
	return jittered
}
