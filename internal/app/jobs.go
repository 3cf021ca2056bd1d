/**
 * @description
 * Scheduled job implementations for the loyalty engine.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/loyalty/loyalty-service/internal/domain"
)

const (
	auditJobTimeout  = 10 * time.Minute
	expiryJobTimeout = 5 * time.Minute
	expiryBatchSize  = 200
)

// AuditRunner runs one consistency audit.
type AuditRunner interface {
	RunAudit(ctx context.Context, autoRepair bool) (*domain.AuditReport, error)
}

// ExpirySweeper rejects PENDING requests whose expiry has passed.
type ExpirySweeper interface {
	ExpireStaleRequests(ctx context.Context, limit int) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	auditor    AuditRunner
	sweeper    ExpirySweeper
	autoRepair bool
	logger     *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(auditor AuditRunner, sweeper ExpirySweeper, autoRepair bool, logger *slog.Logger) *Jobs {
	return &Jobs{
		auditor:    auditor,
		sweeper:    sweeper,
		autoRepair: autoRepair,
		logger:     logger,
	}
}

// RunConsistencyAudit scans for drift and, when enabled, repairs it.
func (j *Jobs) RunConsistencyAudit() {
	j.logger.Info("starting consistency audit job", "auto_repair", j.autoRepair)
	ctx, cancel := context.WithTimeout(context.Background(), auditJobTimeout)
	defer cancel()

	report, err := j.auditor.RunAudit(ctx, j.autoRepair)
	if err != nil {
		j.logger.Error("consistency audit failed", "err", err)
		return
	}

	applied := 0
	for _, r := range report.Repairs {
		if r.Applied {
			applied++
		}
	}
	j.logger.Info("consistency audit job finished", "anomalies", len(report.Anomalies), "repairs_applied", applied)
}

// SweepExpiredApprovals rejects stale invitations in batches until none remain.
func (j *Jobs) SweepExpiredApprovals() {
	j.logger.Info("starting approval expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), expiryJobTimeout)
	defer cancel()

	total := 0
	for {
		n, err := j.sweeper.ExpireStaleRequests(ctx, expiryBatchSize)
		total += n
		if err != nil {
			j.logger.Error("approval expiry sweep failed", "expired", total, "err", err)
			return
		}
		if n < expiryBatchSize {
			break
		}
	}

	if total == 0 {
		j.logger.Info("no expired approval requests to process")
		return
	}
	j.logger.Info("approval expiry job finished", "expired", total)
}
