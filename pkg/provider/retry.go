package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/agent"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// RetryConfig controls WithRetry. Zero values use the defaults.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *zerolog.Logger
}

// Retrying retries transient failures of the wrapped provider with
// exponential backoff.
type Retrying struct {
	inner  agent.CompletionProvider
	cfg    RetryConfig
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps p.
func WithRetry(p agent.CompletionProvider, cfg RetryConfig) *Retrying {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Retrying{
		inner:  p,
		cfg:    cfg,
		logger: logger.With().Str("component", "provider").Str("provider", agent.ProviderName(p)).Logger(),
		sleep:  sleepContext,
	}
}

func (r *Retrying) Name() string {
	return agent.ProviderName(r.inner)
}

// Complete calls the wrapped provider until it succeeds, fails with a
// permanent error, ctx ends or the attempts run out.
func (r *Retrying) Complete(ctx context.Context, req agent.CompletionRequest) (*agent.Completion, error) {
	var lastErr error

	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		completion, err := r.inner.Complete(ctx, req)
		if err == nil {
			return completion, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsRetryable(err) {
			return nil, err
		}
		if attempt == r.cfg.MaxAttempts-1 {
			break
		}

		delay := r.backoff(attempt)
		observability.RecordProviderRetry(r.Name())
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Info().
			Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", r.cfg.MaxAttempts, lastErr)
}

// backoff returns BaseDelay * 2^attempt capped at MaxDelay.
func (r *Retrying) backoff(attempt int) time.Duration {
	delay := r.cfg.BaseDelay << attempt
	if delay <= 0 || delay > r.cfg.MaxDelay {
		return r.cfg.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
