package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/agent"
)

// DefaultCooldown is the cooldown step; a profile that failed n times in a
// row is skipped for n steps.
const DefaultCooldown = time.Minute

// Profile is one credentialed backend. Lower Priority is tried first.
type Profile struct {
	ID       string
	Priority int
	Provider agent.CompletionProvider
}

// ProfileStatus is a snapshot of a profile's health.
type ProfileStatus struct {
	ID            string
	Priority      int
	Failures      int
	CooldownUntil time.Time
}

// FailoverConfig controls NewFailover.
type FailoverConfig struct {
	Cooldown time.Duration
	Logger   *zerolog.Logger
}

type profileState struct {
	Profile
	failures      int
	cooldownUntil time.Time
}

// Failover tries profiles in priority order and puts failing ones in
// cooldown.
type Failover struct {
	mu       sync.Mutex
	profiles []*profileState
	cooldown time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// NewFailover creates a failover over profiles.
func NewFailover(profiles []Profile, cfg FailoverConfig) (*Failover, error) {
	if len(profiles) == 0 {
		return nil, ErrNoProfiles
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	states := make([]*profileState, 0, len(profiles))
	seen := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		if p.Provider == nil {
			return nil, fmt.Errorf("profile %s: provider cannot be nil", p.ID)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate profile id %s", p.ID)
		}
		seen[p.ID] = true
		states = append(states, &profileState{Profile: p})
	}
	sort.SliceStable(states, func(i, j int) bool { return states[i].Priority < states[j].Priority })

	return &Failover{
		profiles: states,
		cooldown: cfg.Cooldown,
		now:      time.Now,
		logger:   logger.With().Str("component", "provider").Logger(),
	}, nil
}

func (f *Failover) Name() string {
	return "failover"
}

// Complete tries each available profile in order. A permanent error stops
// the walk; transient errors move on to the next profile.
func (f *Failover) Complete(ctx context.Context, req agent.CompletionRequest) (*agent.Completion, error) {
	logger := tracing.LoggerFromContext(ctx, f.logger)
	var lastErr error

	for _, p := range f.available() {
		start := time.Now()
		logger.Debug().Str("profile", p.ID).Msg("Trying provider profile")

		completion, err := p.Provider.Complete(ctx, req)
		observability.RecordProviderCall(p.ID, time.Since(start), err == nil)
		if err == nil {
			f.markSuccess(p.ID)
			return completion, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
		f.markFailure(p.ID)
		logger.Warn().Err(err).Str("profile", p.ID).Msg("Provider profile failed")

		if !IsRetryable(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		return nil, fmt.Errorf("%w: all profiles are cooling down", ErrNoProfiles)
	}
	logger.Error().Err(lastErr).Msg("All provider profiles failed")
	return nil, fmt.Errorf("all provider profiles failed: %w", lastErr)
}

func (f *Failover) available() []Profile {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	out := make([]Profile, 0, len(f.profiles))
	for _, p := range f.profiles {
		if now.Before(p.cooldownUntil) {
			continue
		}
		out = append(out, p.Profile)
	}
	return out
}

func (f *Failover) markSuccess(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.ID == id {
			p.failures = 0
			p.cooldownUntil = time.Time{}
			observability.SetProviderCooldown(id, false)
			return
		}
	}
}

func (f *Failover) markFailure(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.ID == id {
			p.failures++
			p.cooldownUntil = f.now().Add(time.Duration(p.failures) * f.cooldown)
			observability.SetProviderCooldown(id, true)
			return
		}
	}
}

// Status returns the profiles in priority order.
func (f *Failover) Status() []ProfileStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]ProfileStatus, 0, len(f.profiles))
	for _, p := range f.profiles {
		out = append(out, ProfileStatus{
			ID:            p.ID,
			Priority:      p.Priority,
			Failures:      p.failures,
			CooldownUntil: p.cooldownUntil,
		})
	}
	return out
}
