package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/agent"
)

type countingProvider struct {
	calls atomic.Int32
	errs  []error
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) Complete(ctx context.Context, req agent.CompletionRequest) (*agent.Completion, error) {
	n := int(p.calls.Add(1)) - 1
	if n < len(p.errs) && p.errs[n] != nil {
		return nil, p.errs[n]
	}
	return &agent.Completion{Content: "ok"}, nil
}

func noSleep(r *Retrying, delays *[]time.Duration) {
	r.sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestWithRetry(t *testing.T) {
	t.Run("should retry transient errors with exponential backoff", func(t *testing.T) {
		inner := &countingProvider{errs: []error{
			&APIError{Provider: "x", StatusCode: 503, Err: errors.New("unavailable")},
			&APIError{Provider: "x", StatusCode: 429, Err: errors.New("slow down")},
		}}
		r := WithRetry(inner, RetryConfig{})
		var delays []time.Duration
		noSleep(r, &delays)

		c, err := r.Complete(context.Background(), agent.CompletionRequest{})
		require.NoError(t, err)
		assert.Equal(t, "ok", c.Content)
		assert.Equal(t, int32(3), inner.calls.Load())
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
		assert.Equal(t, "counting", r.Name())
	})

	t.Run("should stop on permanent errors", func(t *testing.T) {
		inner := &countingProvider{errs: []error{&APIError{Provider: "x", StatusCode: 401, Err: errors.New("bad key")}}}
		r := WithRetry(inner, RetryConfig{})
		var delays []time.Duration
		noSleep(r, &delays)

		_, err := r.Complete(context.Background(), agent.CompletionRequest{})
		require.Error(t, err)
		assert.Equal(t, int32(1), inner.calls.Load())
		assert.Empty(t, delays)
	})

	t.Run("should give up after max attempts", func(t *testing.T) {
		transient := errors.New("ECONNRESET")
		inner := &countingProvider{errs: []error{transient, transient}}
		r := WithRetry(inner, RetryConfig{MaxAttempts: 2})
		var delays []time.Duration
		noSleep(r, &delays)

		_, err := r.Complete(context.Background(), agent.CompletionRequest{})
		assert.ErrorIs(t, err, transient)
		assert.ErrorContains(t, err, "max retries (2) exceeded")
		assert.Len(t, delays, 1)
	})

	t.Run("should stop waiting when ctx ends", func(t *testing.T) {
		inner := &countingProvider{errs: []error{errors.New("503 service unavailable")}}
		r := WithRetry(inner, RetryConfig{BaseDelay: time.Hour})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := r.Complete(ctx, agent.CompletionRequest{})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, int32(1), inner.calls.Load())
	})

	t.Run("should cap the backoff", func(t *testing.T) {
		r := WithRetry(&countingProvider{}, RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second})
		assert.Equal(t, time.Second, r.backoff(0))
		assert.Equal(t, 2*time.Second, r.backoff(1))
		assert.Equal(t, 3*time.Second, r.backoff(2))
		assert.Equal(t, 3*time.Second, r.backoff(70))
	})
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"rate limited", &APIError{StatusCode: 429, Err: errors.New("x")}, true},
		{"server error", &APIError{StatusCode: 502, Err: errors.New("x")}, true},
		{"bad request", &APIError{StatusCode: 400, Err: errors.New("x")}, false},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"overloaded", errors.New("Overloaded"), true},
		{"plain", errors.New("invalid model"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}
