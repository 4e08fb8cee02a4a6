package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/pkg/agent"
)

func fixed(content string, err error) agent.CompletionProvider {
	return agent.ProviderFunc(func(ctx context.Context, req agent.CompletionRequest) (*agent.Completion, error) {
		if err != nil {
			return nil, err
		}
		return &agent.Completion{Content: content}, nil
	})
}

func TestNewFailover(t *testing.T) {
	_, err := NewFailover(nil, FailoverConfig{})
	assert.ErrorIs(t, err, ErrNoProfiles)

	_, err = NewFailover([]Profile{{ID: "a"}}, FailoverConfig{})
	assert.Error(t, err)

	_, err = NewFailover([]Profile{{ID: "a", Provider: fixed("a", nil)}, {ID: "a", Provider: fixed("b", nil)}}, FailoverConfig{})
	assert.ErrorContains(t, err, "duplicate")
}

func TestFailover(t *testing.T) {
	t.Run("should fall through to the next profile and cool down the failed one", func(t *testing.T) {
		transient := &APIError{Provider: "p", StatusCode: 529, Err: errors.New("overloaded")}
		f, err := NewFailover([]Profile{
			{ID: "backup", Priority: 2, Provider: fixed("backup", nil)},
			{ID: "main", Priority: 1, Provider: fixed("", transient)},
		}, FailoverConfig{Cooldown: time.Minute})
		require.NoError(t, err)

		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		f.now = func() time.Time { return now }

		c, err := f.Complete(context.Background(), agent.CompletionRequest{})
		require.NoError(t, err)
		assert.Equal(t, "backup", c.Content)

		status := f.Status()
		assert.Equal(t, "main", status[0].ID)
		assert.Equal(t, 1, status[0].Failures)
		assert.Equal(t, now.Add(time.Minute), status[0].CooldownUntil)

		c, err = f.Complete(context.Background(), agent.CompletionRequest{})
		require.NoError(t, err)
		assert.Equal(t, "backup", c.Content)
		assert.Equal(t, 1, f.Status()[0].Failures, "main is skipped while cooling down")

		now = now.Add(2 * time.Minute)
		_, err = f.Complete(context.Background(), agent.CompletionRequest{})
		require.NoError(t, err)
		status = f.Status()
		assert.Equal(t, 2, status[0].Failures)
		assert.Equal(t, now.Add(2*time.Minute), status[0].CooldownUntil)
	})

	t.Run("should stop on a permanent error", func(t *testing.T) {
		permanent := &APIError{Provider: "p", StatusCode: 401, Err: errors.New("bad key")}
		f, err := NewFailover([]Profile{
			{ID: "main", Priority: 1, Provider: fixed("", permanent)},
			{ID: "backup", Priority: 2, Provider: fixed("backup", nil)},
		}, FailoverConfig{})
		require.NoError(t, err)

		_, err = f.Complete(context.Background(), agent.CompletionRequest{})
		assert.ErrorIs(t, err, permanent)
	})

	t.Run("should reset failures after a success", func(t *testing.T) {
		calls := 0
		flaky := agent.ProviderFunc(func(ctx context.Context, req agent.CompletionRequest) (*agent.Completion, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("503")
			}
			return &agent.Completion{Content: "main"}, nil
		})
		f, err := NewFailover([]Profile{
			{ID: "main", Priority: 1, Provider: flaky},
			{ID: "backup", Priority: 2, Provider: fixed("backup", nil)},
		}, FailoverConfig{Cooldown: time.Millisecond})
		require.NoError(t, err)

		_, err = f.Complete(context.Background(), agent.CompletionRequest{})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)

		c, err := f.Complete(context.Background(), agent.CompletionRequest{})
		require.NoError(t, err)
		assert.Equal(t, "main", c.Content)
		assert.Zero(t, f.Status()[0].Failures)
	})

	t.Run("should report when every profile is cooling down", func(t *testing.T) {
		f, err := NewFailover([]Profile{
			{ID: "only", Provider: fixed("", errors.New("502 bad gateway"))},
		}, FailoverConfig{})
		require.NoError(t, err)

		_, err = f.Complete(context.Background(), agent.CompletionRequest{})
		assert.ErrorContains(t, err, "all provider profiles failed")

		_, err = f.Complete(context.Background(), agent.CompletionRequest{})
		assert.ErrorIs(t, err, ErrNoProfiles)
	})
}
