package ledger

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"storefront-ledger/pkg/logger"
)

// RetryPolicy bounds how often WithTx re-runs a transaction aborted by contention.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = 5 * time.Millisecond
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 200 * time.Millisecond
	}
	return out
}

// WithTx runs fn inside a store transaction, retrying on ErrConflict.
// - Validation and business errors are returned on the first attempt, never retried.
// - Contention is retried with jittered exponential backoff up to MaxAttempts.
// - After the last attempt the conflict is surfaced to the caller.
func WithTx(ctx context.Context, store Store, policy RetryPolicy, fn TxFunc) error {
	policy = policy.withDefaults()
	delay := policy.BaseDelay

	for attempt := 1; ; attempt++ {
		err := store.RunTx(ctx, fn)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt >= policy.MaxAttempts {
			logger.From(ctx).Warn("ledger transaction gave up", "attempts", attempt)
			return fmt.Errorf("ledger: %d attempts: %w", attempt, err)
		}
		logger.From(ctx).Debug("ledger transaction conflict, retrying", "attempt", attempt)

		wait := delay/2 + rand.N(delay/2+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}
