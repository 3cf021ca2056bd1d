/**
 * @description
 * ConsistencyAuditor is the one sanctioned repair path for ledger and
 * provisioning drift. Scans are read-only; repairs re-verify the anomaly
 * inside a transaction, never delete history and leave both a
 * consistency_repairs row and a business notification behind.
 */

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
	"github.com/loyalty/loyalty-service/pkg/rabbitmq"
)

const defaultScanLimit = 500

var anomalyKinds = []domain.AnomalyKind{
	domain.AnomalyMissingCard,
	domain.AnomalyDuplicateActiveCards,
	domain.AnomalyBalanceDrift,
}

// ConsistencyAuditor detects and repairs invariant violations.
type ConsistencyAuditor struct {
	store     store.Store
	cards     *CardProvisioner
	ledger    *PointsLedger
	notifier  *NotificationDispatcher
	events    eventSink
	scanLimit int
	logger    *slog.Logger
	now       func() time.Time
}

func NewConsistencyAuditor(
	st store.Store,
	cards *CardProvisioner,
	ledger *PointsLedger,
	notifier *NotificationDispatcher,
	publisher rabbitmq.Publisher,
	exchange string,
	logger *slog.Logger,
) *ConsistencyAuditor {
	return &ConsistencyAuditor{
		store:     st,
		cards:     cards,
		ledger:    ledger,
		notifier:  notifier,
		events:    eventSink{publisher: publisher, exchange: exchange, logger: logger},
		scanLimit: defaultScanLimit,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ScanForDrift returns every anomaly currently visible, ordered by kind and key.
func (a *ConsistencyAuditor) ScanForDrift(ctx context.Context) ([]domain.Anomaly, error) {
	now := a.now()
	anomalies := []domain.Anomaly{}

	missing, err := a.store.FindEnrollmentsMissingCard(ctx, a.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("scan missing cards: %w", err)
	}
	for _, e := range missing {
		anomalies = append(anomalies, domain.Anomaly{
			Key:        domain.AnomalyKey(domain.AnomalyMissingCard, e.CustomerID, e.ProgramID, nil),
			Kind:       domain.AnomalyMissingCard,
			CustomerID: e.CustomerID,
			ProgramID:  e.ProgramID,
			BusinessID: e.BusinessID,
			DetectedAt: now,
		})
	}

	duplicates, err := a.store.FindDuplicateActiveCards(ctx, a.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("scan duplicate cards: %w", err)
	}
	for _, g := range duplicates {
		anomalies = append(anomalies, domain.Anomaly{
			Key:        domain.AnomalyKey(domain.AnomalyDuplicateActiveCards, g.CustomerID, g.ProgramID, nil),
			Kind:       domain.AnomalyDuplicateActiveCards,
			CustomerID: g.CustomerID,
			ProgramID:  g.ProgramID,
			BusinessID: g.BusinessID,
			CardIDs:    g.CardIDs,
			DetectedAt: now,
		})
	}

	drift, err := a.store.FindBalanceDrift(ctx, a.scanLimit)
	if err != nil {
		return nil, fmt.Errorf("scan balance drift: %w", err)
	}
	for _, d := range drift {
		cardID := d.CardID
		expected := d.ActivitySum
		actual := d.CardPoints
		anomalies = append(anomalies, domain.Anomaly{
			Key:        domain.AnomalyKey(domain.AnomalyBalanceDrift, d.CustomerID, d.ProgramID, &cardID),
			Kind:       domain.AnomalyBalanceDrift,
			CustomerID: d.CustomerID,
			ProgramID:  d.ProgramID,
			BusinessID: d.BusinessID,
			CardID:     &cardID,
			Expected:   &expected,
			Actual:     &actual,
			DetectedAt: now,
		})
	}

	domain.SortAnomalies(anomalies)
	return anomalies, nil
}

// Repair fixes one anomaly. Repairing an anomaly that no longer holds is a
// no-op reported with ANOMALY_RESOLVED.
func (a *ConsistencyAuditor) Repair(ctx context.Context, anomaly domain.Anomaly) (*domain.RepairResult, error) {
	if anomaly.CustomerID == uuid.Nil || anomaly.ProgramID == uuid.Nil {
		return nil, domain.NewError(domain.CodeInvalidRequest, "validate_anomaly", errors.New("customer_id and program_id are required"))
	}
	if anomaly.Kind == domain.AnomalyBalanceDrift && anomaly.CardID == nil {
		return nil, domain.NewError(domain.CodeInvalidRequest, "validate_anomaly", errors.New("card_id is required for balance drift"))
	}
	if anomaly.Key == "" {
		anomaly.Key = domain.AnomalyKey(anomaly.Kind, anomaly.CustomerID, anomaly.ProgramID, anomaly.CardID)
	}

	var (
		result *domain.RepairResult
		failed []failedNotification
	)
	err := a.store.RunInTx(ctx, func(q store.Queries) error {
		failed = failed[:0]
		var err error
		switch anomaly.Kind {
		case domain.AnomalyMissingCard:
			result, err = a.repairMissingCard(ctx, q, anomaly)
		case domain.AnomalyDuplicateActiveCards:
			result, err = a.repairDuplicates(ctx, q, anomaly)
		case domain.AnomalyBalanceDrift:
			result, err = a.repairDrift(ctx, q, anomaly)
		default:
			return domain.NewError(domain.CodeInvalidRequest, "validate_anomaly", fmt.Errorf("unknown anomaly kind %q", anomaly.Kind))
		}
		if err != nil || !result.Applied {
			return err
		}

		if err := q.InsertRepair(ctx, &domain.ConsistencyRepair{
			ID:          uuid.New(),
			AnomalyKind: anomaly.Kind,
			AnomalyKey:  anomaly.Key,
			CardID:      result.CardID,
			CustomerID:  anomaly.CustomerID,
			ProgramID:   anomaly.ProgramID,
			Action:      result.Action,
			Detail:      result.Detail,
			CreatedAt:   a.now(),
		}); err != nil {
			return fmt.Errorf("record repair: %w", err)
		}

		if anomaly.BusinessID != uuid.Nil {
			repairID := uuid.NewString()
			a.notifier.emit(ctx, q, domain.NotificationInput{
				RecipientID:   anomaly.BusinessID,
				RecipientRole: domain.RoleBusiness,
				Type:          domain.NotifyConsistencyRepair,
				Title:         "Loyalty data corrected",
				Message:       result.Detail,
				Data: map[string]interface{}{
					"anomaly_key":  anomaly.Key,
					"anomaly_kind": string(anomaly.Kind),
					"action":       string(result.Action),
					"customer_id":  anomaly.CustomerID.String(),
					"program_id":   anomaly.ProgramID.String(),
				},
				DedupeKey: "repair:" + anomaly.Key + ":" + repairID,
			}, &failed)
		}
		return nil
	})
	if err != nil {
		var engineErr *domain.EngineError
		if !errors.As(err, &engineErr) || engineErr.Code != domain.CodeInvalidRequest {
			err = domain.NewError(domain.CodeRepairFailed, string(anomaly.Kind), err)
		}
		AuditRepairs.WithLabelValues(string(anomaly.Kind), "failure").Inc()
		a.logger.Error("repair failed",
			"component", "consistency_auditor",
			"anomaly_key", anomaly.Key,
			"kind", anomaly.Kind,
			"code", domain.CodeOf(err),
			"err", err,
		)
		return nil, err
	}

	a.notifier.requeue(ctx, failed)

	outcome := "applied"
	if !result.Applied {
		outcome = "noop"
	}
	AuditRepairs.WithLabelValues(string(anomaly.Kind), outcome).Inc()
	a.logger.Info("repair finished",
		"component", "consistency_auditor",
		"anomaly_key", anomaly.Key,
		"kind", anomaly.Kind,
		"action", result.Action,
		"outcome", outcome,
		"detail", result.Detail,
	)
	return result, nil
}

func (a *ConsistencyAuditor) repairMissingCard(ctx context.Context, q store.Queries, anomaly domain.Anomaly) (*domain.RepairResult, error) {
	result := &domain.RepairResult{AnomalyKey: anomaly.Key, Kind: anomaly.Kind, Action: domain.RepairNoop}

	enrollment, err := q.LockEnrollment(ctx, anomaly.CustomerID, anomaly.ProgramID)
	if errors.Is(err, store.ErrEnrollmentNotFound) || (err == nil && enrollment.Status != domain.EnrollmentActive) {
		result.ErrorCode = domain.CodeAnomalyResolved
		result.Detail = "enrollment is no longer active"
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	card, created, err := a.cards.GetOrCreateCard(ctx, q, enrollment.CustomerID, enrollment.BusinessID, enrollment.ProgramID)
	if err != nil {
		return nil, err
	}
	cardID := card.ID
	result.CardID = &cardID
	if !created {
		result.ErrorCode = domain.CodeAnomalyResolved
		result.Detail = "active card already present"
		return result, nil
	}

	result.Action = domain.RepairCreatedCard
	result.Applied = true
	result.Detail = fmt.Sprintf("created card %s for active enrollment", card.CardNumber)
	return result, nil
}

func (a *ConsistencyAuditor) repairDuplicates(ctx context.Context, q store.Queries, anomaly domain.Anomaly) (*domain.RepairResult, error) {
	result := &domain.RepairResult{AnomalyKey: anomaly.Key, Kind: anomaly.Kind, Action: domain.RepairNoop}

	kept, deactivated, err := a.cards.DeactivateDuplicates(ctx, q, anomaly.CustomerID, anomaly.ProgramID)
	if err != nil {
		return nil, err
	}
	if kept != nil {
		keptID := kept.ID
		result.CardID = &keptID
	}
	if len(deactivated) == 0 {
		result.ErrorCode = domain.CodeAnomalyResolved
		result.Detail = "at most one active card remains"
		return result, nil
	}

	var stranded int64
	for _, c := range deactivated {
		stranded += c.Points
	}
	result.Action = domain.RepairDeactivatedDuplicate
	result.Applied = true
	result.Detail = fmt.Sprintf("kept card %s, deactivated %d duplicate(s) holding %d points", kept.ID, len(deactivated), stranded)
	return result, nil
}

func (a *ConsistencyAuditor) repairDrift(ctx context.Context, q store.Queries, anomaly domain.Anomaly) (*domain.RepairResult, error) {
	result := &domain.RepairResult{AnomalyKey: anomaly.Key, Kind: anomaly.Kind, Action: domain.RepairNoop, CardID: anomaly.CardID}

	recalc, err := a.ledger.RecalculateBalance(ctx, q, *anomaly.CardID)
	if errors.Is(err, store.ErrCardNotFound) {
		result.ErrorCode = domain.CodeAnomalyResolved
		result.Detail = "card no longer exists"
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	if !recalc.Changed() {
		result.ErrorCode = domain.CodeAnomalyResolved
		result.Detail = "balance already matches activity"
		return result, nil
	}

	result.Action = domain.RepairRecomputedBalance
	result.Applied = true
	result.Detail = fmt.Sprintf("balance recomputed from activity: %d -> %d", recalc.Before, recalc.After)
	if recalc.Correction > 0 {
		result.Detail += fmt.Sprintf(" (history corrected by %d)", recalc.Correction)
	}
	return result, nil
}

// RunAudit scans, reports and, when autoRepair is set, repairs every anomaly.
func (a *ConsistencyAuditor) RunAudit(ctx context.Context, autoRepair bool) (*domain.AuditReport, error) {
	report := &domain.AuditReport{StartedAt: a.now()}

	anomalies, err := a.ScanForDrift(ctx)
	if err != nil {
		return nil, err
	}
	report.Anomalies = anomalies

	counts := make(map[domain.AnomalyKind]int, len(anomalyKinds))
	for _, anomaly := range anomalies {
		counts[anomaly.Kind]++
	}
	for _, kind := range anomalyKinds {
		AuditAnomalies.WithLabelValues(string(kind)).Set(float64(counts[kind]))
	}

	if len(anomalies) == 0 {
		a.logger.Info("audit clean", "component", "consistency_auditor")
		return report, nil
	}

	a.logger.Warn("drift detected",
		"component", "consistency_auditor",
		"code", domain.CodeDriftDetected,
		"missing_card", counts[domain.AnomalyMissingCard],
		"duplicate_active_cards", counts[domain.AnomalyDuplicateActiveCards],
		"balance_drift", counts[domain.AnomalyBalanceDrift],
		"auto_repair", autoRepair,
	)
	a.events.publish(ctx, domain.EventDriftDetected, domain.DriftEvent{
		Counts:     counts,
		Anomalies:  anomalies,
		OccurredAt: a.now(),
	})

	if !autoRepair {
		return report, nil
	}

	for _, anomaly := range anomalies {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		result, err := a.Repair(ctx, anomaly)
		if err != nil {
			report.Repairs = append(report.Repairs, domain.RepairResult{
				AnomalyKey: anomaly.Key,
				Kind:       anomaly.Kind,
				Action:     domain.RepairNoop,
				Detail:     err.Error(),
				ErrorCode:  domain.CodeOf(err),
			})
			continue
		}
		report.Repairs = append(report.Repairs, *result)
	}
	return report, nil
}
