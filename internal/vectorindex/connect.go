package vectorindex

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/scrapeindex/internal/config"
	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

type ConnectOptions struct {
	Attempts     int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

func ConnectOptionsFromConfig(cfg config.VectorIndexConfig) ConnectOptions {
	return ConnectOptions{
		Attempts:     cfg.ConnectAttempts,
		BaseDelay:    time.Duration(cfg.ConnectBaseDelayMs) * time.Millisecond,
		ReadyTimeout: time.Duration(cfg.ReadyTimeoutMs) * time.Millisecond,
		PollInterval: time.Duration(cfg.ReadyPollIntervalMs) * time.Millisecond,
	}
}

func (o ConnectOptions) normalized() ConnectOptions {
	if o.Attempts <= 0 {
		o.Attempts = 8
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 300 * time.Millisecond
	}
	return o
}

// delay is BaseDelay doubled per attempt, capped at MaxDelay.
func (o ConnectOptions) delay(attempt int) time.Duration {
	d := o.BaseDelay
	for i := 1; i < attempt && d < o.MaxDelay; i++ {
		if d > o.MaxDelay/2 {
			return o.MaxDelay
		}
		d *= 2
	}
	if d > o.MaxDelay {
		return o.MaxDelay
	}
	return d
}

// Open builds the configured backend and connects it.
func Open(ctx context.Context, cfg config.VectorIndexConfig, deps Deps) (Index, error) {
	idx, err := New(cfg, deps)
	if err != nil {
		return nil, err
	}
	if err := Connect(ctx, idx, ConnectOptionsFromConfig(cfg)); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return idx, nil
}

// Connect calls Initialize until it succeeds, doubling the delay between
// attempts up to MaxDelay. It gives up with ErrBackendUnavailable.
func Connect(ctx context.Context, idx Index, opts ConnectOptions) error {
	opts = opts.normalized()
	logger := logutil.GetLogger(ctx).With(zap.String("backend", idx.Name()))
	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		lastErr = idx.Initialize(ctx)
		if lastErr == nil {
			logger.Info("vector index connected", zap.Int("attempt", attempt))
			return nil
		}
		if attempt == opts.Attempts {
			break
		}
		wait := opts.delay(attempt)
		logger.Warn("vector index connect failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", wait),
			zap.Error(lastErr),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %v", appErr.ErrBackendUnavailable, idx.Name(), ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", appErr.ErrBackendUnavailable, idx.Name(), opts.Attempts, lastErr)
}

// WaitReady polls Ping on a fixed interval until it succeeds or the timeout
// passes.
func WaitReady(ctx context.Context, idx Index, opts ConnectOptions) error {
	opts = opts.normalized()
	ctx, cancel := context.WithTimeout(ctx, opts.ReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		if lastErr = idx.Ping(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s not ready after %s: %v", appErr.ErrBackendUnavailable, idx.Name(), opts.ReadyTimeout, lastErr)
		case <-ticker.C:
		}
	}
}
