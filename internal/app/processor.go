/**
 * @description
 * EnrollmentProcessor applies a customer's accept/decline decision to an
 * approval request. Every database effect of one decision (request status,
 * notification resolution, enrollment, card) commits in a single transaction
 * guarded by a row lock on the request, so duplicate submissions serialize
 * and the loser takes the idempotent ALREADY_PROCESSED branch.
 *
 * Key features:
 * - Implicit expiry: a PENDING request past expires_at is rejected on touch.
 * - Step-tagged error codes so callers know which write failed.
 * - Notifications run in savepoints and are re-queued after commit on failure.
 *
 * @dependencies
 * - internal/store: Transactions and row locks.
 * - pkg/rabbitmq: Domain events and notification retries.
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

// EnrollmentProcessor is the approval state machine.
type EnrollmentProcessor struct {
	store    store.Store
	cards    *CardProvisioner
	notifier *NotificationDispatcher
	events   eventSink
	expiry   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// ProcessorConfig carries the tunables of the processor.
type ProcessorConfig struct {
	EventsExchange string
	ApprovalExpiry time.Duration
}

func NewEnrollmentProcessor(
	st store.Store,
	cards *CardProvisioner,
	notifier *NotificationDispatcher,
	publisher rabbitmq.Publisher,
	cfg ProcessorConfig,
	logger *slog.Logger,
) *EnrollmentProcessor {
	expiry := cfg.ApprovalExpiry
	if expiry <= 0 {
		expiry = domain.DefaultApprovalExpiry
	}
	return &EnrollmentProcessor{
		store:    st,
		cards:    cards,
		notifier: notifier,
		events:   eventSink{publisher: publisher, exchange: cfg.EventsExchange, logger: logger},
		expiry:   expiry,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ProcessApproval applies approved/declined to the request.
//
// A nil error with result.ErrorCode set covers the two committed non-happy
// outcomes: ALREADY_PROCESSED (nothing written) and REQUEST_EXPIRED (request
// moved to REJECTED). Any other failure is returned as a *domain.EngineError
// and leaves the database untouched.
func (p *EnrollmentProcessor) ProcessApproval(ctx context.Context, requestID uuid.UUID, approved bool) (*domain.ApprovalResult, error) {
	var (
		result  *domain.ApprovalResult
		failed  []failedNotification
		request domain.ApprovalRequest
	)

	err := p.store.RunInTx(ctx, func(q store.Queries) error {
		failed = failed[:0]

		req, err := q.LockApprovalRequest(ctx, requestID)
		if err != nil {
			if errors.Is(err, store.ErrApprovalRequestNotFound) {
				return domain.NewError(domain.CodeRequestNotFound, "lock_request", err)
			}
			return domain.NewError(domain.CodeRequestUpdateFailed, "lock_request", err)
		}
		request = *req

		if req.Status != domain.ApprovalPending {
			result, err = p.priorResult(ctx, q, req)
			return err
		}

		now := p.now()
		if req.ExpiredAt(now) {
			if err := p.expireLocked(ctx, q, req, now, &failed); err != nil {
				return err
			}
			request.Status = domain.ApprovalRejected
			result = &domain.ApprovalResult{
				RequestID: req.ID,
				Status:    domain.ApprovalRejected,
				ErrorCode: domain.CodeRequestExpired,
			}
			return nil
		}

		if approved {
			result, err = p.approveLocked(ctx, q, req, now, &failed)
		} else {
			result, err = p.declineLocked(ctx, q, req, now, &failed)
		}
		if err == nil {
			request.Status = result.Status
		}
		return err
	})
	if err != nil {
		ApprovalDecisions.WithLabelValues(string(domain.CodeOf(err))).Inc()
		p.logger.Error("approval processing failed",
			"component", "enrollment_processor",
			"flow", "process_approval",
			"request_id", requestID,
			"approved", approved,
			"code", domain.CodeOf(err),
			"err", err,
		)
		return nil, err
	}

	p.notifier.requeue(ctx, failed)

	outcome := string(result.Status)
	if result.ErrorCode != "" {
		outcome = string(result.ErrorCode)
	}
	ApprovalDecisions.WithLabelValues(outcome).Inc()
	p.logger.Info("approval processed",
		"component", "enrollment_processor",
		"flow", "process_approval",
		"request_id", requestID,
		"approved", approved,
		"outcome", outcome,
		"card_id", optionalID(result.CardID),
		"notification_failures", len(failed),
	)

	if result.ErrorCode != domain.CodeAlreadyProcessed {
		p.publishDecision(ctx, request, result)
	}
	return result, nil
}

func (p *EnrollmentProcessor) approveLocked(ctx context.Context, q store.Queries, req *domain.ApprovalRequest, now time.Time, failed *[]failedNotification) (*domain.ApprovalResult, error) {
	// 1. Request transition.
	if err := q.UpdateApprovalRequestStatus(ctx, req.ID, domain.ApprovalApproved, now); err != nil {
		return nil, domain.NewError(domain.CodeRequestUpdateFailed, "update_request", err)
	}

	// 2. Resolve the originating notification.
	if err := p.resolveOrigin(ctx, q, req); err != nil {
		return nil, err
	}

	// 3. Active enrollment and the customer-business link.
	enrollment, err := q.UpsertActiveEnrollment(ctx, req.CustomerID, req.ProgramID, req.BusinessID)
	if err != nil {
		return nil, domain.NewError(domain.CodeEnrollmentCreationFailed, "upsert_enrollment", err)
	}
	if err := q.EnsureRelationship(ctx, req.CustomerID, req.BusinessID); err != nil {
		return nil, domain.NewError(domain.CodeEnrollmentCreationFailed, "ensure_relationship", err)
	}

	// 4. Card.
	card, _, err := p.cards.GetOrCreateCard(ctx, q, req.CustomerID, req.BusinessID, req.ProgramID)
	if err != nil {
		var engineErr *domain.EngineError
		if errors.As(err, &engineErr) {
			return nil, err
		}
		return nil, domain.NewError(domain.CodeCardCreationFailed, "get_or_create_card", err)
	}

	// 5. Notifications.
	data := map[string]interface{}{
		"request_id":  req.ID.String(),
		"customer_id": req.CustomerID.String(),
		"business_id": req.BusinessID.String(),
		"program_id":  req.ProgramID.String(),
		"card_id":     card.ID.String(),
	}
	p.notifier.emit(ctx, q, domain.NotificationInput{
		RecipientID:   req.BusinessID,
		RecipientRole: domain.RoleBusiness,
		Type:          domain.NotifyCustomerJoined,
		Title:         "New program member",
		Message:       "A customer accepted your loyalty program invitation.",
		Data:          data,
		DedupeKey:     fmt.Sprintf("approval:%s:customer_joined", req.ID),
	}, failed)
	p.notifier.emit(ctx, q, domain.NotificationInput{
		RecipientID:   req.CustomerID,
		RecipientRole: domain.RoleCustomer,
		Type:          domain.NotifyEnrollmentAccepted,
		Title:         "You're enrolled",
		Message:       "You joined the loyalty program.",
		Data:          data,
		DedupeKey:     fmt.Sprintf("approval:%s:enrollment_accepted", req.ID),
	}, failed)
	p.notifier.emit(ctx, q, domain.NotificationInput{
		RecipientID:   req.CustomerID,
		RecipientRole: domain.RoleCustomer,
		Type:          domain.NotifyCardCreated,
		Title:         "Your loyalty card is ready",
		Message:       "Card " + card.CardNumber + " is now active.",
		Data:          map[string]interface{}{"card_id": card.ID.String(), "card_number": card.CardNumber, "program_id": req.ProgramID.String()},
		DedupeKey:     fmt.Sprintf("card:%s:created", card.ID),
	}, failed)

	cardID := card.ID
	enrollmentID := enrollment.ID
	return &domain.ApprovalResult{
		RequestID:    req.ID,
		Status:       domain.ApprovalApproved,
		CardID:       &cardID,
		EnrollmentID: &enrollmentID,
	}, nil
}

func (p *EnrollmentProcessor) declineLocked(ctx context.Context, q store.Queries, req *domain.ApprovalRequest, now time.Time, failed *[]failedNotification) (*domain.ApprovalResult, error) {
	if err := q.UpdateApprovalRequestStatus(ctx, req.ID, domain.ApprovalRejected, now); err != nil {
		return nil, domain.NewError(domain.CodeRequestUpdateFailed, "update_request", err)
	}
	if err := p.resolveOrigin(ctx, q, req); err != nil {
		return nil, err
	}

	data := map[string]interface{}{
		"request_id":  req.ID.String(),
		"customer_id": req.CustomerID.String(),
		"business_id": req.BusinessID.String(),
		"program_id":  req.ProgramID.String(),
	}
	p.notifier.emit(ctx, q, domain.NotificationInput{
		RecipientID:   req.CustomerID,
		RecipientRole: domain.RoleCustomer,
		Type:          domain.NotifyEnrollmentRejected,
		Title:         "Invitation declined",
		Message:       "You declined the loyalty program invitation.",
		Data:          data,
		DedupeKey:     fmt.Sprintf("approval:%s:enrollment_rejected", req.ID),
	}, failed)
	p.notifier.emit(ctx, q, domain.NotificationInput{
		RecipientID:   req.BusinessID,
		RecipientRole: domain.RoleBusiness,
		Type:          domain.NotifyCustomerDeclined,
		Title:         "Invitation declined",
		Message:       "A customer declined your loyalty program invitation.",
		Data:          data,
		DedupeKey:     fmt.Sprintf("approval:%s:customer_declined", req.ID),
	}, failed)

	return &domain.ApprovalResult{RequestID: req.ID, Status: domain.ApprovalRejected}, nil
}

// expireLocked moves a stale PENDING request to REJECTED.
func (p *EnrollmentProcessor) expireLocked(ctx context.Context, q store.Queries, req *domain.ApprovalRequest, now time.Time, failed *[]failedNotification) error {
	if err := q.UpdateApprovalRequestStatus(ctx, req.ID, domain.ApprovalRejected, now); err != nil {
		return domain.NewError(domain.CodeRequestUpdateFailed, "expire_request", err)
	}
	if err := p.resolveOrigin(ctx, q, req); err != nil {
		return err
	}

	data := map[string]interface{}{
		"request_id": req.ID.String(),
		"program_id": req.ProgramID.String(),
		"expired_at": req.ExpiresAt.Format(time.RFC3339),
	}
	p.notifier.emit(ctx, q, domain.NotificationInput{
		RecipientID:   req.CustomerID,
		RecipientRole: domain.RoleCustomer,
		Type:          domain.NotifyEnrollmentExpired,
		Title:         "Invitation expired",
		Message:       "This loyalty program invitation is no longer valid.",
		Data:          data,
		DedupeKey:     fmt.Sprintf("approval:%s:expired:customer", req.ID),
	}, failed)
	p.notifier.emit(ctx, q, domain.NotificationInput{
		RecipientID:   req.BusinessID,
		RecipientRole: domain.RoleBusiness,
		Type:          domain.NotifyEnrollmentExpired,
		Title:         "Invitation expired",
		Message:       "A customer did not respond to your invitation in time.",
		Data:          data,
		DedupeKey:     fmt.Sprintf("approval:%s:expired:business", req.ID),
	}, failed)
	return nil
}

func (p *EnrollmentProcessor) resolveOrigin(ctx context.Context, q store.Queries, req *domain.ApprovalRequest) error {
	if req.NotificationID == nil {
		return nil
	}
	err := q.ResolveNotification(ctx, *req.NotificationID)
	if errors.Is(err, store.ErrNotificationNotFound) {
		p.logger.Warn("originating notification missing; continuing",
			"component", "enrollment_processor",
			"request_id", req.ID,
			"notification_id", *req.NotificationID,
		)
		return nil
	}
	if err != nil {
		return domain.NewError(domain.CodeNotificationResolveFailed, "resolve_notification", err)
	}
	return nil
}

// priorResult rebuilds the outcome of an already-decided request from current state. It never writes.
func (p *EnrollmentProcessor) priorResult(ctx context.Context, q store.Queries, req *domain.ApprovalRequest) (*domain.ApprovalResult, error) {
	result := &domain.ApprovalResult{
		RequestID: req.ID,
		Status:    req.Status,
		ErrorCode: domain.CodeAlreadyProcessed,
	}
	if req.Status != domain.ApprovalApproved {
		return result, nil
	}

	card, err := q.FindActiveCard(ctx, req.CustomerID, req.ProgramID)
	switch {
	case err == nil:
		cardID := card.ID
		result.CardID = &cardID
	case errors.Is(err, store.ErrCardNotFound):
		p.logger.Warn("approved request has no active card",
			"component", "enrollment_processor",
			"request_id", req.ID,
			"code", domain.CodeDriftDetected,
		)
	default:
		return nil, domain.NewError(domain.CodeInternal, "load_card", err)
	}

	enrollment, err := q.GetEnrollment(ctx, req.CustomerID, req.ProgramID)
	switch {
	case err == nil:
		enrollmentID := enrollment.ID
		result.EnrollmentID = &enrollmentID
	case errors.Is(err, store.ErrEnrollmentNotFound):
	default:
		return nil, domain.NewError(domain.CodeInternal, "load_enrollment", err)
	}
	return result, nil
}

func (p *EnrollmentProcessor) publishDecision(ctx context.Context, req domain.ApprovalRequest, result *domain.ApprovalResult) {
	routingKey := domain.EventEnrollmentRejected
	switch {
	case result.ErrorCode == domain.CodeRequestExpired:
		routingKey = domain.EventEnrollmentExpired
	case result.Status == domain.ApprovalApproved:
		routingKey = domain.EventEnrollmentApproved
	}
	p.events.publish(ctx, routingKey, domain.EnrollmentEvent{
		RequestID:  req.ID,
		CustomerID: req.CustomerID,
		BusinessID: req.BusinessID,
		ProgramID:  req.ProgramID,
		Status:     result.Status,
		CardID:     result.CardID,
		OccurredAt: p.now(),
	})
}

// InviteCustomer creates a PENDING approval request and the action-required
// notification that carries it. An existing live invitation is returned as is.
func (p *EnrollmentProcessor) InviteCustomer(ctx context.Context, in domain.InviteRequest) (*domain.ApprovalRequest, error) {
	if in.BusinessID == uuid.Nil || in.CustomerID == uuid.Nil || in.ProgramID == uuid.Nil {
		return nil, domain.NewError(domain.CodeInvalidRequest, "validate_invite", errors.New("business_id, customer_id and program_id are required"))
	}

	var (
		created *domain.ApprovalRequest
		failed  []failedNotification
	)
	err := p.store.RunInTx(ctx, func(q store.Queries) error {
		failed = failed[:0]
		now := p.now()

		enrollment, err := q.GetEnrollment(ctx, in.CustomerID, in.ProgramID)
		if err == nil && enrollment.Status == domain.EnrollmentActive {
			return domain.NewError(domain.CodeAlreadyEnrolled, "check_enrollment", nil)
		}
		if err != nil && !errors.Is(err, store.ErrEnrollmentNotFound) {
			return domain.NewError(domain.CodeRequestUpdateFailed, "check_enrollment", err)
		}

		pending, err := q.FindPendingApprovalRequest(ctx, in.CustomerID, in.ProgramID)
		switch {
		case err == nil && !pending.ExpiredAt(now):
			created = pending
			return nil
		case err == nil:
			locked, lockErr := q.LockApprovalRequest(ctx, pending.ID)
			if lockErr != nil {
				return domain.NewError(domain.CodeRequestUpdateFailed, "lock_stale_request", lockErr)
			}
			if locked.Status == domain.ApprovalPending {
				if err := p.expireLocked(ctx, q, locked, now, &failed); err != nil {
					return err
				}
			}
		case !errors.Is(err, store.ErrApprovalRequestNotFound):
			return domain.NewError(domain.CodeRequestUpdateFailed, "find_pending_request", err)
		}

		req := &domain.ApprovalRequest{
			ID:          uuid.New(),
			CustomerID:  in.CustomerID,
			BusinessID:  in.BusinessID,
			ProgramID:   in.ProgramID,
			Status:      domain.ApprovalPending,
			RequestedAt: now,
			ExpiresAt:   now.Add(p.expiry),
		}
		if err := q.CreateApprovalRequest(ctx, req); err != nil {
			return domain.NewError(domain.CodeRequestUpdateFailed, "create_request", err)
		}

		notificationID := p.notifier.emit(ctx, q, domain.NotificationInput{
			RecipientID:    req.CustomerID,
			RecipientRole:  domain.RoleCustomer,
			Type:           domain.NotifyEnrollmentRequest,
			Title:          "Loyalty program invitation",
			Message:        "You have been invited to join a loyalty program.",
			Data:           map[string]interface{}{"request_id": req.ID.String(), "business_id": req.BusinessID.String(), "program_id": req.ProgramID.String(), "expires_at": req.ExpiresAt.Format(time.RFC3339)},
			RequiresAction: true,
			DedupeKey:      fmt.Sprintf("approval:%s:request", req.ID),
		}, &failed)
		if notificationID != uuid.Nil {
			if err := q.AttachApprovalNotification(ctx, req.ID, notificationID); err != nil {
				return domain.NewError(domain.CodeRequestUpdateFailed, "attach_notification", err)
			}
			req.NotificationID = &notificationID
		}
		created = req
		return nil
	})
	if err != nil {
		if store.IsUniqueViolation(err, store.ConstraintOnePendingRequest) {
			// Lost a race with a concurrent invite; the winner's request is live.
			pending, findErr := p.store.FindPendingApprovalRequest(ctx, in.CustomerID, in.ProgramID)
			if findErr == nil {
				return pending, nil
			}
		}
		p.logger.Error("invite failed",
			"component", "enrollment_processor",
			"flow", "invite",
			"customer_id", in.CustomerID,
			"program_id", in.ProgramID,
			"code", domain.CodeOf(err),
			"err", err,
		)
		return nil, err
	}

	p.notifier.requeue(ctx, failed)
	p.logger.Info("customer invited",
		"component", "enrollment_processor",
		"flow", "invite",
		"request_id", created.ID,
		"customer_id", created.CustomerID,
		"program_id", created.ProgramID,
	)
	return created, nil
}

// GetApprovalRequest reads a request. A stale PENDING request is expired first
// so callers never see a PENDING status past expires_at.
func (p *EnrollmentProcessor) GetApprovalRequest(ctx context.Context, requestID uuid.UUID) (*domain.ApprovalRequest, error) {
	req, err := p.store.GetApprovalRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrApprovalRequestNotFound) {
			return nil, domain.NewError(domain.CodeRequestNotFound, "get_request", err)
		}
		return nil, domain.NewError(domain.CodeInternal, "get_request", err)
	}
	if !req.ExpiredAt(p.now()) {
		return req, nil
	}

	if _, err := p.expire(ctx, requestID); err != nil {
		p.logger.Warn("implicit expiry write failed; reporting as rejected",
			"component", "enrollment_processor",
			"request_id", requestID,
			"err", err,
		)
		req.Status = domain.ApprovalRejected
		return req, nil
	}
	return p.store.GetApprovalRequest(ctx, requestID)
}

// expire runs the implicit-expiry transition in its own transaction.
// It reports whether this call performed the transition.
func (p *EnrollmentProcessor) expire(ctx context.Context, requestID uuid.UUID) (bool, error) {
	var (
		expired bool
		failed  []failedNotification
		request domain.ApprovalRequest
	)
	err := p.store.RunInTx(ctx, func(q store.Queries) error {
		failed = failed[:0]
		expired = false
		req, err := q.LockApprovalRequest(ctx, requestID)
		if err != nil {
			return err
		}
		now := p.now()
		if !req.ExpiredAt(now) {
			return nil
		}
		if err := p.expireLocked(ctx, q, req, now, &failed); err != nil {
			return err
		}
		request = *req
		request.Status = domain.ApprovalRejected
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	p.notifier.requeue(ctx, failed)
	if expired {
		p.publishDecision(ctx, request, &domain.ApprovalResult{
			RequestID: request.ID,
			Status:    domain.ApprovalRejected,
			ErrorCode: domain.CodeRequestExpired,
		})
	}
	return expired, nil
}

// ExpireStaleRequests rejects up to limit PENDING requests whose window has passed.
func (p *EnrollmentProcessor) ExpireStaleRequests(ctx context.Context, limit int) (int, error) {
	stale, err := p.store.ListExpiredApprovalRequests(ctx, p.now(), limit)
	if err != nil {
		return 0, err
	}

	count := 0
	var errs []error
	for _, req := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		expired, err := p.expire(ctx, req.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("request %s: %w", req.ID, err))
			continue
		}
		if expired {
			count++
		}
	}
	return count, errors.Join(errs...)
}
