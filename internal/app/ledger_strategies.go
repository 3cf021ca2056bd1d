package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loyalty/loyalty-service/internal/domain"
	"github.com/loyalty/loyalty-service/internal/store"
)

// Strategy names, recorded on every activity row.
const (
	strategyEnrollmentAware = "enrollment_aware"
	strategyDirect          = "direct"
	strategyEmergency       = "emergency"
	strategyRecalculate     = "recalculate"
)

// errDuplicateRef aborts a strategy whose activity insert hit an existing transaction_ref.
var errDuplicateRef = errors.New("transaction ref already recorded")

// ledgerOp is one validated award or deduction.
type ledgerOp struct {
	kind        domain.ActivityType
	card        domain.LoyaltyCard
	points      int64
	source      domain.PointsSource
	description string
	ref         string
}

// ledgerOutcome is what a successful strategy reports.
type ledgerOutcome struct {
	balance   int64
	applied   int64
	duplicate bool
}

// ledgerStrategy is one tier of the award/deduct fallback chain.
type ledgerStrategy interface {
	name() string
	apply(ctx context.Context, op ledgerOp) (ledgerOutcome, error)
}

func nextBalance(kind domain.ActivityType, prior, points int64) (balance int64, applied int64) {
	if kind == domain.ActivityDebit {
		return domain.ApplyDebit(prior, points)
	}
	return domain.ApplyCredit(prior, points), points
}

func newActivity(op ledgerOp, applied int64, strategy string, at time.Time) *domain.PointsActivity {
	return &domain.PointsActivity{
		ID:              uuid.New(),
		CardID:          op.card.ID,
		Type:            op.kind,
		Points:          applied,
		RequestedPoints: op.points,
		Source:          op.source,
		Description:     op.description,
		TransactionRef:  op.ref,
		Strategy:        strategy,
		CreatedAt:       at,
	}
}

// insertActivityTx inserts the activity row, mapping a ref collision to errDuplicateRef.
func insertActivityTx(ctx context.Context, q store.Queries, activity *domain.PointsActivity) error {
	err := q.InsertActivity(ctx, activity)
	if store.IsUniqueViolation(err, store.ConstraintTransactionRef) {
		return errDuplicateRef
	}
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// lockedDuplicate checks for an existing activity with op.ref while the card row is locked.
func lockedDuplicate(ctx context.Context, q store.Queries, op ledgerOp) (bool, error) {
	_, err := q.FindActivityByRef(ctx, op.ref)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrActivityNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("check ref: %w", err)
}

// ─── Tier 1 ─────────────────────────────────────────────────────────────────

// enrollmentAwareStrategy locks card and enrollment, re-validates both and
// keeps the enrollment's points mirror in step with the card.
type enrollmentAwareStrategy struct {
	store store.Store
	now   func() time.Time
}

func (s enrollmentAwareStrategy) name() string { return strategyEnrollmentAware }

func (s enrollmentAwareStrategy) apply(ctx context.Context, op ledgerOp) (ledgerOutcome, error) {
	var out ledgerOutcome
	err := s.store.RunInTx(ctx, func(q store.Queries) error {
		out = ledgerOutcome{}
		card, err := q.LockCard(ctx, op.card.ID)
		if err != nil {
			if errors.Is(err, store.ErrCardNotFound) {
				return domain.NewError(domain.CodeCardNotFound, "lock_card", err)
			}
			return fmt.Errorf("lock card: %w", err)
		}
		if !card.Usable() {
			return domain.NewError(domain.CodeCardInactive, "lock_card", nil)
		}

		dup, err := lockedDuplicate(ctx, q, op)
		if err != nil {
			return err
		}
		if dup {
			out = ledgerOutcome{balance: card.Points, duplicate: true}
			return nil
		}

		enrollment, err := q.LockEnrollment(ctx, card.CustomerID, card.ProgramID)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrEnrollmentNotFound):
			enrollment = nil
		default:
			return fmt.Errorf("lock enrollment: %w", err)
		}
		if op.source.ProgramScoped() && (enrollment == nil || enrollment.Status != domain.EnrollmentActive) {
			return domain.NewError(domain.CodeNotEnrolled, "lock_enrollment", nil)
		}

		balance, applied := nextBalance(op.kind, card.Points, op.points)
		now := s.now()
		if err := q.SetCardPoints(ctx, card.ID, balance); err != nil {
			return fmt.Errorf("update card points: %w", err)
		}
		if enrollment != nil {
			if err := q.UpdateEnrollmentPoints(ctx, card.CustomerID, card.ProgramID, balance, now); err != nil {
				return fmt.Errorf("update enrollment points: %w", err)
			}
		}
		if err := insertActivityTx(ctx, q, newActivity(op, applied, strategyEnrollmentAware, now)); err != nil {
			return err
		}
		out = ledgerOutcome{balance: balance, applied: applied}
		return nil
	})
	return out, err
}

// ─── Tier 2 ─────────────────────────────────────────────────────────────────

// directStrategy updates the card balance and activity log in its own
// transaction without touching the enrollment row.
type directStrategy struct {
	store store.Store
	now   func() time.Time
}

func (s directStrategy) name() string { return strategyDirect }

func (s directStrategy) apply(ctx context.Context, op ledgerOp) (ledgerOutcome, error) {
	var out ledgerOutcome
	err := s.store.RunInTx(ctx, func(q store.Queries) error {
		out = ledgerOutcome{}
		card, err := q.LockCard(ctx, op.card.ID)
		if err != nil {
			if errors.Is(err, store.ErrCardNotFound) {
				return domain.NewError(domain.CodeCardNotFound, "lock_card", err)
			}
			return fmt.Errorf("lock card: %w", err)
		}
		if !card.Usable() {
			return domain.NewError(domain.CodeCardInactive, "lock_card", nil)
		}

		dup, err := lockedDuplicate(ctx, q, op)
		if err != nil {
			return err
		}
		if dup {
			out = ledgerOutcome{balance: card.Points, duplicate: true}
			return nil
		}

		balance, applied := nextBalance(op.kind, card.Points, op.points)
		if err := q.SetCardPoints(ctx, card.ID, balance); err != nil {
			return fmt.Errorf("update card points: %w", err)
		}
		if err := insertActivityTx(ctx, q, newActivity(op, applied, strategyDirect, s.now())); err != nil {
			return err
		}
		out = ledgerOutcome{balance: balance, applied: applied}
		return nil
	})
	return out, err
}

// ─── Tier 3 ─────────────────────────────────────────────────────────────────

// emergencyStrategy is a single atomic balance statement followed by a
// best-effort activity insert. A missing activity row shows up as
// BALANCE_DRIFT for the auditor.
type emergencyStrategy struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

func (s emergencyStrategy) name() string { return strategyEmergency }

func (s emergencyStrategy) apply(ctx context.Context, op ledgerOp) (ledgerOutcome, error) {
	if _, err := s.store.FindActivityByRef(ctx, op.ref); err == nil {
		card, cardErr := s.store.GetCard(ctx, op.card.ID)
		if cardErr != nil {
			return ledgerOutcome{}, fmt.Errorf("reload card: %w", cardErr)
		}
		return ledgerOutcome{balance: card.Points, duplicate: true}, nil
	}

	delta := op.points
	if op.kind == domain.ActivityDebit {
		delta = -op.points
	}
	balance, applied, err := s.store.AdjustCardPointsAtomic(ctx, op.card.ID, delta)
	if err != nil {
		return ledgerOutcome{}, fmt.Errorf("atomic adjust: %w", err)
	}

	LedgerDegradedWrites.WithLabelValues(string(op.kind)).Inc()
	s.logger.Warn("degraded-mode ledger write",
		"component", "points_ledger",
		"strategy", strategyEmergency,
		"card_id", op.card.ID,
		"type", op.kind,
		"points", op.points,
		"applied", applied,
		"new_balance", balance,
		"ref", op.ref,
	)

	err = s.store.InsertActivity(ctx, newActivity(op, applied, strategyEmergency, s.now()))
	if store.IsUniqueViolation(err, store.ConstraintTransactionRef) {
		return s.revert(ctx, op, delta, applied)
	}
	if err != nil {
		s.logger.Error("activity insert failed after degraded write; balance drift expected",
			"component", "points_ledger",
			"strategy", strategyEmergency,
			"card_id", op.card.ID,
			"ref", op.ref,
			"code", domain.CodeDriftDetected,
			"err", err,
		)
	}
	return ledgerOutcome{balance: balance, applied: applied}, nil
}

// revert undoes an atomic adjust whose ref was committed by a concurrent
// request between the pool lookup and the activity insert.
func (s emergencyStrategy) revert(ctx context.Context, op ledgerOp, delta, applied int64) (ledgerOutcome, error) {
	undo := applied
	if delta > 0 {
		undo = -applied
	}
	balance, _, err := s.store.AdjustCardPointsAtomic(ctx, op.card.ID, undo)
	if err != nil {
		s.logger.Error("failed to revert degraded write for duplicate ref",
			"component", "points_ledger",
			"strategy", strategyEmergency,
			"card_id", op.card.ID,
			"ref", op.ref,
			"code", domain.CodeDriftDetected,
			"err", err,
		)
		return ledgerOutcome{}, fmt.Errorf("revert atomic adjust: %w", err)
	}
	s.logger.Info("degraded write reverted; ref already recorded",
		"component", "points_ledger",
		"card_id", op.card.ID,
		"ref", op.ref,
		"new_balance", balance,
	)
	return ledgerOutcome{balance: balance, duplicate: true}, nil
}
