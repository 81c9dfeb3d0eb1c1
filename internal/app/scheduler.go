/**
 * @description
 * Cron scheduler for the proof-service background jobs.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

const defaultOutboxFlushSchedule = "@every 2s"

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	outbox   *OutboxDispatcher
	schedule string
	logger   *slog.Logger
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(outbox *OutboxDispatcher, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = defaultOutboxFlushSchedule
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		outbox:   outbox,
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.outbox.Flush); err != nil {
		s.logger.Error("failed to schedule outbox flush job", "schedule", s.schedule, "error", err)
		return fmt.Errorf("schedule outbox flush: %w", err)
	}
	s.logger.Info("scheduled outbox flush job", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
