package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCleanupAge      = 30 * 24 * time.Hour
	DefaultCleanupSchedule = "0 3 * * *"
)

// CleanupConfig configures a Cleanup job.
type CleanupConfig struct {
	// MaxAge is how long a session may go without updates.
	MaxAge time.Duration
	// Schedule is a five-field cron expression.
	Schedule string
	Logger   *zerolog.Logger
}

// Cleanup deletes sessions that have not been updated within MaxAge, either
// on demand through Prune or periodically on a cron schedule.
type Cleanup struct {
	store    Store
	maxAge   time.Duration
	schedule cron.Schedule
	logger   zerolog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewCleanup validates the schedule and returns a stopped job.
func NewCleanup(store Store, cfg CleanupConfig) (*Cleanup, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultCleanupAge
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultCleanupSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule: %w", err)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Cleanup{
		store:    store,
		maxAge:   cfg.MaxAge,
		schedule: sched,
		logger:   logger.With().Str("component", "session_cleanup").Logger(),
		now:      time.Now,
	}, nil
}

// Start schedules Prune. Overlapping runs are skipped.
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return fmt.Errorf("cleanup is already running")
	}

	c.cron = cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	c.cron.Schedule(c.schedule, cron.FuncJob(func() {
		if _, err := c.Prune(context.Background()); err != nil {
			c.logger.Error().Err(err).Msg("Session cleanup failed")
		}
	}))
	c.cron.Start()

	c.logger.Info().Dur("max_age", c.maxAge).Msg("Session cleanup started")
	return nil
}

// Stop cancels the schedule and waits for a running prune to finish.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()
	if cr == nil {
		return fmt.Errorf("cleanup is not running")
	}

	<-cr.Stop().Done()
	c.logger.Info().Msg("Session cleanup stopped")
	return nil
}

// Prune deletes stale sessions and returns how many were removed.
func (c *Cleanup) Prune(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.maxAge)

	ids, err := c.staleIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := c.store.Delete(ctx, id); err != nil {
			c.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to delete stale session")
			continue
		}
		removed++
	}

	if removed > 0 {
		c.logger.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("Pruned stale sessions")
	}
	return removed, nil
}

func (c *Cleanup) staleIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	lister := c.store
	if u, ok := lister.(interface{ Unwrap() Store }); ok {
		lister = u.Unwrap()
	}
	if sl, ok := lister.(StaleLister); ok {
		return sl.ListUpdatedBefore(ctx, cutoff)
	}

	ids, err := c.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	stale := make([]string, 0)
	for _, id := range ids {
		s, err := c.store.Load(ctx, id)
		if err != nil {
			continue
		}
		if s.UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale, nil
}
