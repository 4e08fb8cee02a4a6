// Package factory builds completion providers from config profiles.
package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/turnloop/internal/config"
	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/provider"
	"github.com/harun/turnloop/pkg/provider/anthropic"
	"github.com/harun/turnloop/pkg/provider/gemini"
	"github.com/harun/turnloop/pkg/provider/openai"
)

// Options tune the provider chain.
type Options struct {
	Retry    provider.RetryConfig
	Cooldown time.Duration
	Logger   *zerolog.Logger
}

// New creates the backend named by cfg.Provider.
func New(ctx context.Context, cfg config.ProviderConfig) (agent.CompletionProvider, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.New(anthropic.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL}), nil
	case "openai":
		return openai.New(openai.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL}), nil
	case "gemini":
		return gemini.New(ctx, gemini.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// FromConfig builds the chain for profiles: each backend retries transient
// errors, and two or more profiles are combined in a failover. It returns
// provider.ErrNoProfiles when profiles is empty.
func FromConfig(ctx context.Context, profiles []config.ProviderConfig, opts Options) (agent.CompletionProvider, error) {
	return build(ctx, profiles, opts, New)
}

type newFunc func(ctx context.Context, cfg config.ProviderConfig) (agent.CompletionProvider, error)

func build(ctx context.Context, profiles []config.ProviderConfig, opts Options, newProvider newFunc) (agent.CompletionProvider, error) {
	if len(profiles) == 0 {
		return nil, provider.ErrNoProfiles
	}

	retry := opts.Retry
	if retry.Logger == nil {
		retry.Logger = opts.Logger
	}

	chain := make([]provider.Profile, 0, len(profiles))
	for _, cfg := range profiles {
		backend, err := newProvider(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("provider profile %s: %w", profileID(cfg), err)
		}
		chain = append(chain, provider.Profile{
			ID:       profileID(cfg),
			Priority: cfg.Priority,
			Provider: provider.WithRetry(backend, retry),
		})
	}

	if len(chain) == 1 {
		return chain[0].Provider, nil
	}
	return provider.NewFailover(chain, provider.FailoverConfig{Cooldown: opts.Cooldown, Logger: opts.Logger})
}

func profileID(cfg config.ProviderConfig) string {
	if cfg.ID != "" {
		return cfg.ID
	}
	return cfg.Provider
}
