/**
 * @description
 * Cron scheduler setup for the audit and expiry jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/loyalty/loyalty-service/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. Jobs with an empty
// schedule are disabled.
func (s *Scheduler) Start() {
	s.register("consistency audit", s.config.AuditSchedule, s.jobs.RunConsistencyAudit)
	s.register("approval expiry", s.config.ExpirySweepSchedule, s.jobs.SweepExpiredApprovals)
	s.cron.Start()
}

func (s *Scheduler) register(name, schedule string, fn func()) {
	if schedule == "" {
		s.logger.Info("job disabled", "job", name)
		return
	}
	if _, err := s.cron.AddFunc(schedule, fn); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", schedule, "err", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", schedule)
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
