// Package retention prunes old chat history on a cron schedule.
// Demo deployments accumulate exchanges indefinitely otherwise; the
// pruner keeps the history store bounded without a manual cleanup step.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/dbchat/internal/history"
)

const (
	// DefaultSchedule prunes once a day, at 03:00.
	DefaultSchedule = "0 3 * * *"
	// DefaultMaxAge keeps a week of exchanges.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// Config configures history retention. A nil config disables pruning.
type Config struct {
	Schedule string `json:"schedule" yaml:"schedule"`   // Standard 5-field cron expression.
	MaxAgeH  int    `json:"max_age_h" yaml:"max_age_h"` // Exchanges older than this are pruned.
}

// MaxAge returns the configured retention window.
func (c *Config) MaxAge() time.Duration {
	if c == nil || c.MaxAgeH <= 0 {
		return DefaultMaxAge
	}
	return time.Duration(c.MaxAgeH) * time.Hour
}

// CronSchedule returns the configured cron expression.
func (c *Config) CronSchedule() string {
	if c == nil || c.Schedule == "" {
		return DefaultSchedule
	}
	return c.Schedule
}

// Pruner runs history.PruneBefore on a cron schedule.
type Pruner struct {
	store  *history.Store
	config *Config
	logger *slog.Logger
	parser cron.Parser

	// now is replaced in tests.
	now func() time.Time
}

// New creates a Pruner. Validate the schedule with Validate before Start.
func New(store *history.Store, cfg *Config, logger *slog.Logger) *Pruner {
	return &Pruner{
		store:  store,
		config: cfg,
		logger: logger,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:    time.Now,
	}
}

// Validate checks the cron expression.
func (p *Pruner) Validate() error {
	if _, err := p.parser.Parse(p.config.CronSchedule()); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", p.config.CronSchedule(), err)
	}
	return nil
}

// Start begins the pruning loop. Returns a cancel function.
func (p *Pruner) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	sched, err := p.parser.Parse(p.config.CronSchedule())
	if err != nil {
		// Validate should have caught this; refuse to run rather than spin.
		p.logger.Error("invalid retention schedule",
			slog.String("schedule", p.config.CronSchedule()),
			slog.String("error", err.Error()),
		)
		return cancel
	}

	go func() {
		p.logger.InfoContext(ctx, "retention pruner started",
			slog.String("schedule", p.config.CronSchedule()),
			slog.String("max_age", p.config.MaxAge().String()),
		)

		for {
			next := sched.Next(p.now().UTC())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				p.logger.Info("retention pruner stopped")
				return
			case <-timer.C:
				p.runOnce(ctx)
			}
		}
	}()

	return cancel
}

// runOnce performs a single pruning pass.
func (p *Pruner) runOnce(ctx context.Context) {
	cutoff := p.now().UTC().Add(-p.config.MaxAge())
	deleted, err := p.store.PruneBefore(ctx, cutoff)
	if err != nil {
		p.logger.ErrorContext(ctx, "history pruning failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if deleted > 0 {
		p.logger.InfoContext(ctx, "pruned chat history",
			slog.Int64("exchanges", deleted),
			slog.String("cutoff", cutoff.Format(time.RFC3339)),
		)
	}
}
