/**
 * @description
 * PointsLedger awards and deducts points on loyalty cards. Requests are
 * validated once, then handed to an ordered strategy chain (enrollment-aware,
 * direct, emergency). The chain only advances on recoverable database errors
 * and every tier is idempotent on the caller's transaction_ref.
 *
 * @dependencies
 * - internal/store: Card, enrollment and activity persistence.
 * - github.com/redis/go-redis/v9 (via RateLimiter): Optional per-card limit.
 * - pkg/rabbitmq: points.* domain events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loyalty/loyalty-service/internal/domain"
	"github.com/loyalty/loyalty-service/internal/store"
	"github.com/loyalty/loyalty-service/pkg/rabbitmq"
)

const defaultStrategyTimeout = 5 * time.Second

// PointsLedger is the single writer of card balances and points activity.
type PointsLedger struct {
	store           store.Store
	notifier        *NotificationDispatcher
	events          eventSink
	limiter         RateLimiter
	strategies      []ledgerStrategy
	strategyTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// LedgerConfig carries the tunables of the ledger.
type LedgerConfig struct {
	EventsExchange  string
	StrategyTimeout time.Duration
}

func NewPointsLedger(
	st store.Store,
	notifier *NotificationDispatcher,
	publisher rabbitmq.Publisher,
	limiter RateLimiter,
	cfg LedgerConfig,
	logger *slog.Logger,
) *PointsLedger {
	timeout := cfg.StrategyTimeout
	if timeout <= 0 {
		timeout = defaultStrategyTimeout
	}
	l := &PointsLedger{
		store:           st,
		notifier:        notifier,
		events:          eventSink{publisher: publisher, exchange: cfg.EventsExchange, logger: logger},
		limiter:         limiter,
		strategyTimeout: timeout,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
	clock := func() time.Time { return l.now() }
	l.strategies = []ledgerStrategy{
		enrollmentAwareStrategy{store: st, now: clock},
		directStrategy{store: st, now: clock},
		emergencyStrategy{store: st, now: clock, logger: logger},
	}
	return l
}

// AwardPoints credits req.Points to the card.
func (l *PointsLedger) AwardPoints(ctx context.Context, req domain.LedgerRequest) (*domain.LedgerResult, error) {
	return l.post(ctx, domain.ActivityCredit, req)
}

// DeductPoints debits req.Points from the card, never below zero.
func (l *PointsLedger) DeductPoints(ctx context.Context, req domain.LedgerRequest) (*domain.LedgerResult, error) {
	return l.post(ctx, domain.ActivityDebit, req)
}

func failureCode(kind domain.ActivityType) domain.ErrorCode {
	if kind == domain.ActivityDebit {
		return domain.CodePointsDeductFailed
	}
	return domain.CodePointsAwardFailed
}

func operationName(kind domain.ActivityType) string {
	if kind == domain.ActivityDebit {
		return "deduct"
	}
	return "award"
}

func (l *PointsLedger) post(ctx context.Context, kind domain.ActivityType, req domain.LedgerRequest) (*domain.LedgerResult, error) {
	started := time.Now()
	operation := operationName(kind)
	defer func() {
		LedgerDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	}()

	op, err := l.prepare(ctx, kind, req)
	if err != nil {
		return l.reject(operation, req, err)
	}

	// Retries of a recorded ref skip the rate limit and the chain entirely.
	if existing, err := l.store.FindActivityByRef(ctx, op.ref); err == nil {
		return l.duplicateResult(ctx, op, existing.CardID)
	}

	if l.limiter != nil {
		allowed, retryAfter, limitErr := l.limiter.Allow(ctx, "points", op.card.ID.String())
		if limitErr != nil {
			l.logger.Warn("rate limiter unavailable; allowing request", "component", "points_ledger", "card_id", op.card.ID, "err", limitErr)
		} else if !allowed {
			return l.reject(operation, req, domain.NewError(domain.CodeRateLimited, "rate_limit", fmt.Errorf("retry after %ds", retryAfter)))
		}
	}

	var (
		errs     []error
		outcome  ledgerOutcome
		strategy string
	)
	for _, s := range l.strategies {
		attemptCtx, cancel := context.WithTimeout(ctx, l.strategyTimeout)
		out, err := s.apply(attemptCtx, op)
		cancel()

		if errors.Is(err, errDuplicateRef) {
			LedgerStrategyAttempts.WithLabelValues(operation, s.name(), "duplicate").Inc()
			return l.duplicateResult(ctx, op, op.card.ID)
		}
		if err == nil {
			LedgerStrategyAttempts.WithLabelValues(operation, s.name(), "success").Inc()
			outcome, strategy = out, s.name()
			break
		}

		LedgerStrategyAttempts.WithLabelValues(operation, s.name(), "failure").Inc()
		errs = append(errs, fmt.Errorf("%s: %w", s.name(), err))

		var engineErr *domain.EngineError
		if errors.As(err, &engineErr) {
			// Validation failed under lock; no other tier can fix that.
			return l.reject(operation, req, err)
		}
		if ctx.Err() != nil || !store.IsRecoverable(err) {
			break
		}
		l.logger.Warn("ledger strategy failed; falling back",
			"component", "points_ledger",
			"operation", operation,
			"strategy", s.name(),
			"card_id", op.card.ID,
			"ref", op.ref,
			"err", err,
		)
	}

	if strategy == "" {
		return l.reject(operation, req, domain.NewError(failureCode(kind), "strategy_chain", errors.Join(errs...)))
	}

	if outcome.duplicate {
		balance := outcome.balance
		return &domain.LedgerResult{Success: true, CardID: op.card.ID, NewBalance: &balance, Duplicate: true, Strategy: strategy}, nil
	}

	l.logger.Info("points posted",
		"component", "points_ledger",
		"operation", operation,
		"outcome", "success",
		"strategy", strategy,
		"card_id", op.card.ID,
		"points", op.points,
		"applied", outcome.applied,
		"new_balance", outcome.balance,
		"ref", op.ref,
	)
	l.announce(ctx, op, outcome, strategy)

	balance := outcome.balance
	return &domain.LedgerResult{
		Success:    true,
		CardID:     op.card.ID,
		NewBalance: &balance,
		Applied:    outcome.applied,
		Strategy:   strategy,
	}, nil
}

// prepare validates req and resolves the target card.
func (l *PointsLedger) prepare(ctx context.Context, kind domain.ActivityType, req domain.LedgerRequest) (ledgerOp, error) {
	if req.Points <= 0 {
		return ledgerOp{}, domain.NewError(domain.CodeInvalidPoints, "validate", fmt.Errorf("points must be positive, got %d", req.Points))
	}

	card, err := l.resolveCard(ctx, req)
	if err != nil {
		if errors.Is(err, store.ErrCardNotFound) {
			return ledgerOp{}, domain.NewError(domain.CodeCardNotFound, "resolve_card", err)
		}
		var engineErr *domain.EngineError
		if errors.As(err, &engineErr) {
			return ledgerOp{}, err
		}
		return ledgerOp{}, domain.NewError(failureCode(kind), "resolve_card", err)
	}
	if !card.Usable() {
		return ledgerOp{}, domain.NewError(domain.CodeCardInactive, "validate", nil)
	}

	source := domain.NormalizeSource(string(req.Source))
	if source.ProgramScoped() {
		enrollment, err := l.store.GetEnrollment(ctx, card.CustomerID, card.ProgramID)
		if err != nil && !errors.Is(err, store.ErrEnrollmentNotFound) {
			return ledgerOp{}, domain.NewError(failureCode(kind), "check_enrollment", err)
		}
		if enrollment == nil || enrollment.Status != domain.EnrollmentActive {
			return ledgerOp{}, domain.NewError(domain.CodeNotEnrolled, "check_enrollment", nil)
		}
	}

	ref := strings.TrimSpace(req.Ref)
	if ref == "" {
		ref = "auto:" + uuid.NewString()
	}

	return ledgerOp{
		kind:        kind,
		card:        *card,
		points:      req.Points,
		source:      source,
		description: strings.TrimSpace(req.Description),
		ref:         ref,
	}, nil
}

func (l *PointsLedger) resolveCard(ctx context.Context, req domain.LedgerRequest) (*domain.LoyaltyCard, error) {
	if req.CardID != nil && *req.CardID != uuid.Nil {
		return l.store.GetCard(ctx, *req.CardID)
	}
	if req.CustomerID == nil || req.ProgramID == nil {
		return nil, domain.NewError(domain.CodeInvalidRequest, "resolve_card", errors.New("card_id or customer_id, business_id and program_id are required"))
	}
	card, err := l.store.FindActiveCard(ctx, *req.CustomerID, *req.ProgramID)
	if err != nil {
		return nil, err
	}
	if req.BusinessID != nil && *req.BusinessID != uuid.Nil && card.BusinessID != *req.BusinessID {
		return nil, store.ErrCardNotFound
	}
	return card, nil
}

// duplicateResult reports the current balance for an already-recorded ref.
func (l *PointsLedger) duplicateResult(ctx context.Context, op ledgerOp, recordedCardID uuid.UUID) (*domain.LedgerResult, error) {
	if recordedCardID != op.card.ID {
		return l.reject(operationName(op.kind), domain.LedgerRequest{CardID: &op.card.ID, Ref: op.ref},
			domain.NewError(domain.CodeInvalidRequest, "check_ref", fmt.Errorf("ref %q already used on another card", op.ref)))
	}
	card, err := l.store.GetCard(ctx, op.card.ID)
	if err != nil {
		return l.reject(operationName(op.kind), domain.LedgerRequest{CardID: &op.card.ID, Ref: op.ref}, domain.NewError(failureCode(op.kind), "reload_card", err))
	}
	balance := card.Points
	l.logger.Info("duplicate ref ignored",
		"component", "points_ledger",
		"operation", operationName(op.kind),
		"outcome", "duplicate",
		"card_id", op.card.ID,
		"ref", op.ref,
	)
	return &domain.LedgerResult{Success: true, CardID: op.card.ID, NewBalance: &balance, Duplicate: true}, nil
}

func (l *PointsLedger) reject(operation string, req domain.LedgerRequest, err error) (*domain.LedgerResult, error) {
	code := domain.CodeOf(err)
	level := slog.LevelWarn
	if code == domain.CodePointsAwardFailed || code == domain.CodePointsDeductFailed || code == domain.CodeInternal {
		level = slog.LevelError
	}
	l.logger.Log(context.Background(), level, "points request rejected",
		"component", "points_ledger",
		"operation", operation,
		"outcome", "reject",
		"code", code,
		"card_id", optionalID(req.CardID),
		"ref", req.Ref,
		"err", err,
	)
	result := &domain.LedgerResult{Success: false, ErrorCode: code}
	if req.CardID != nil {
		result.CardID = *req.CardID
	}
	return result, err
}

// announce sends the customer notification and the domain event for a committed movement.
func (l *PointsLedger) announce(ctx context.Context, op ledgerOp, outcome ledgerOutcome, strategy string) {
	notifyType := domain.NotifyPointsAdded
	title := fmt.Sprintf("You earned %d points", outcome.applied)
	routingKey := domain.EventPointsAwarded
	if op.kind == domain.ActivityDebit {
		notifyType = domain.NotifyPointsDeducted
		title = fmt.Sprintf("%d points redeemed", outcome.applied)
		routingKey = domain.EventPointsDeducted
	}

	if l.notifier != nil {
		l.notifier.notifyBestEffort(ctx, domain.NotificationInput{
			RecipientID:   op.card.CustomerID,
			RecipientRole: domain.RoleCustomer,
			Type:          notifyType,
			Title:         title,
			Message:       op.description,
			Data: map[string]interface{}{
				"card_id":     op.card.ID.String(),
				"points":      outcome.applied,
				"new_balance": outcome.balance,
				"source":      string(op.source),
				"ref":         op.ref,
			},
			DedupeKey: "points:" + op.ref,
		})
	}

	l.events.publish(ctx, routingKey, domain.PointsEvent{
		CardID:     op.card.ID,
		CustomerID: op.card.CustomerID,
		ProgramID:  op.card.ProgramID,
		Type:       op.kind,
		Points:     outcome.applied,
		NewBalance: outcome.balance,
		Ref:        op.ref,
		Strategy:   strategy,
		OccurredAt: l.now(),
	})
}

// BalanceRecalculation is the outcome of RecalculateBalance. Correction is the
// size of the ADJUSTMENT credit appended when the history summed below zero.
type BalanceRecalculation struct {
	Before     int64
	After      int64
	Correction int64
}

// Changed reports whether the recalculation wrote anything.
func (r BalanceRecalculation) Changed() bool {
	return r.Before != r.After || r.Correction > 0
}

// RecalculateBalance resets the card balance (and the enrollment mirror) to
// the signed sum of its activity. A negative sum is brought back to zero with
// a compensating ADJUSTMENT credit so the history matches the floored balance.
// It runs on the caller's Queries.
func (l *PointsLedger) RecalculateBalance(ctx context.Context, q store.Queries, cardID uuid.UUID) (BalanceRecalculation, error) {
	card, err := q.LockCard(ctx, cardID)
	if err != nil {
		return BalanceRecalculation{}, err
	}
	sum, err := q.SumActivity(ctx, cardID)
	if err != nil {
		return BalanceRecalculation{}, err
	}
	out := BalanceRecalculation{Before: card.Points}
	if sum < 0 {
		correction := -sum
		activity := &domain.PointsActivity{
			ID:              uuid.New(),
			CardID:          cardID,
			Type:            domain.ActivityCredit,
			Points:          correction,
			RequestedPoints: correction,
			Source:          domain.SourceAdjustment,
			Description:     "balance history correction",
			TransactionRef:  fmt.Sprintf("recalc:%s:%s", cardID, uuid.NewString()),
			Strategy:        strategyRecalculate,
			CreatedAt:       l.now(),
		}
		if err := insertActivityTx(ctx, q, activity); err != nil {
			return BalanceRecalculation{}, err
		}
		out.Correction = correction
		sum = 0
	}
	out.After = sum
	if card.Points == sum {
		return out, nil
	}

	if err := q.SetCardPoints(ctx, cardID, sum); err != nil {
		return BalanceRecalculation{}, err
	}
	if err := q.UpdateEnrollmentPoints(ctx, card.CustomerID, card.ProgramID, sum, l.now()); err != nil {
		return BalanceRecalculation{}, err
	}
	l.logger.Info("card balance recalculated",
		"component", "points_ledger",
		"card_id", cardID,
		"before", card.Points,
		"after", sum,
		"correction", out.Correction,
	)
	return out, nil
}
