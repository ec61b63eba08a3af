package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

const (
	defaultRetryAttempts  = 5
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 30 * time.Second
)

// RetryPolicy controls backoff on throttled calls. The delay before attempt
// n+1 is BaseDelay * 2^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultRetryAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultRetryBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultRetryMaxDelay
	}
	return p
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	return backoff(p.BaseDelay, p.MaxDelay, attempt)
}

// backoff doubles base per attempt without overflowing past limit.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < limit; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// withRetry runs fn until it succeeds, fails with a non throttling error, or
// the attempts are used up. Only throttling is retried.
func withRetry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	policy = policy.normalized()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsThrottle(err) {
			return err
		}
		if attempt >= policy.MaxAttempts {
			return fmt.Errorf("%s: %w after %d attempts: %v", op, appErr.ErrRateLimitExceeded, attempt, err)
		}
		wait := policy.delay(attempt)
		logutil.GetLogger(ctx).Warn("provider throttled, backing off",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
