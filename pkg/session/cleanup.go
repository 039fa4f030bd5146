package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCleanupSchedule runs cleanup once a day.
const DefaultCleanupSchedule = "@daily"

// Cleanup removes persisted sessions that have not been updated for MaxAge.
// Resident sessions are never removed.
type Cleanup struct {
	store    *Store
	maxAge   time.Duration
	schedule string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewCleanup creates a cleanup job. A zero maxAge disables removal.
func NewCleanup(store *Store, schedule string, maxAge time.Duration) (*Cleanup, error) {
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule: %w", err)
	}

	return &Cleanup{
		store:    store,
		maxAge:   maxAge,
		schedule: schedule,
		cron:     cron.New(cron.WithParser(parser)),
	}, nil
}

// Start schedules the job.
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("cleanup is already running")
	}
	if _, err := c.cron.AddFunc(c.schedule, func() {
		c.RunOnce(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}
	c.cron.Start()
	c.running = true

	c.store.logger.Info().
		Str("schedule", c.schedule).
		Dur("max_age", c.maxAge).
		Msg("Session cleanup started")
	return nil
}

// Stop unschedules the job and waits for a running pass to finish.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("cleanup is not running")
	}
	c.running = false
	c.mu.Unlock()

	<-c.cron.Stop().Done()
	c.store.logger.Info().Msg("Session cleanup stopped")
	return nil
}

// RunOnce deletes expired snapshots and returns how many were removed.
func (c *Cleanup) RunOnce(ctx context.Context) int {
	if c.maxAge <= 0 {
		return 0
	}

	cutoff := c.store.now().Add(-c.maxAge)
	deleted := 0

	for _, st := range c.store.persisted() {
		if ctx.Err() != nil {
			break
		}
		if c.store.isResident(st.ID) || !st.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := c.store.removeSnapshot(st.ID); err != nil {
			c.store.logger.Error().
				Str("session_id", st.ID).
				Err(err).
				Msg("Failed to delete session")
			continue
		}
		deleted++

		c.store.logger.Debug().
			Str("session_id", st.ID).
			Time("updated_at", st.UpdatedAt).
			Msg("Session deleted")
	}

	if deleted > 0 {
		c.store.logger.Info().
			Int("deleted", deleted).
			Msg("Cleaned up old sessions")
	}
	return deleted
}
