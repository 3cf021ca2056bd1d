/**
 * @description
 * This file defines the `Queries` and `Store` interfaces, the contract for all
 * data access the loyalty engine needs. Every engine step receives a Queries
 * value so it can run either directly on the pool or inside the caller's
 * transaction without knowing which.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/loyalty/loyalty-service/internal/domain"
)

var (
	ErrApprovalRequestNotFound   = errors.New("approval request not found")
	ErrApprovalRequestNotPending = errors.New("approval request is no longer pending")
	ErrNotificationNotFound      = errors.New("notification not found")
	ErrEnrollmentNotFound        = errors.New("enrollment not found")
	ErrCardNotFound              = errors.New("loyalty card not found")
	ErrActivityNotFound          = errors.New("points activity not found")
)

// Unique constraint names the engine reacts to.
const (
	ConstraintCardNumber        = "loyalty_cards_card_number_key"
	ConstraintOneActiveCard     = "loyalty_cards_one_active_idx"
	ConstraintTransactionRef    = "points_activity_transaction_ref_key"
	ConstraintEnrollmentUnique  = "program_enrollments_customer_program_key"
	ConstraintOnePendingRequest = "approval_requests_one_pending_idx"
)

// DuplicateCardGroup is one (customer, program) pair holding more than one active card.
type DuplicateCardGroup struct {
	CustomerID uuid.UUID
	ProgramID  uuid.UUID
	BusinessID uuid.UUID
	CardIDs    []uuid.UUID
}

// BalanceDrift is one card whose stored balance disagrees with its activity log.
type BalanceDrift struct {
	CardID      uuid.UUID
	CustomerID  uuid.UUID
	ProgramID   uuid.UUID
	BusinessID  uuid.UUID
	CardPoints  int64
	ActivitySum int64
}

// Queries is the set of data operations available both on the pool and inside a transaction.
type Queries interface {
	// Approval request methods
	GetApprovalRequest(ctx context.Context, requestID uuid.UUID) (*domain.ApprovalRequest, error)
	LockApprovalRequest(ctx context.Context, requestID uuid.UUID) (*domain.ApprovalRequest, error)
	FindPendingApprovalRequest(ctx context.Context, customerID, programID uuid.UUID) (*domain.ApprovalRequest, error)
	CreateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error
	AttachApprovalNotification(ctx context.Context, requestID, notificationID uuid.UUID) error
	UpdateApprovalRequestStatus(ctx context.Context, requestID uuid.UUID, status domain.ApprovalStatus, respondedAt time.Time) error
	ListExpiredApprovalRequests(ctx context.Context, now time.Time, limit int) ([]domain.ApprovalRequest, error)

	// Notification methods
	InsertNotification(ctx context.Context, item *domain.Notification) (inserted bool, err error)
	ResolveNotification(ctx context.Context, notificationID uuid.UUID) error
	ListNotifications(ctx context.Context, recipientID uuid.UUID, opts domain.NotificationListOptions) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, recipientID, notificationID uuid.UUID) (bool, error)

	// Enrollment methods
	GetEnrollment(ctx context.Context, customerID, programID uuid.UUID) (*domain.Enrollment, error)
	LockEnrollment(ctx context.Context, customerID, programID uuid.UUID) (*domain.Enrollment, error)
	UpsertActiveEnrollment(ctx context.Context, customerID, programID, businessID uuid.UUID) (*domain.Enrollment, error)
	UpdateEnrollmentPoints(ctx context.Context, customerID, programID uuid.UUID, points int64, at time.Time) error
	EnsureRelationship(ctx context.Context, customerID, businessID uuid.UUID) error

	// Loyalty card methods
	GetCard(ctx context.Context, cardID uuid.UUID) (*domain.LoyaltyCard, error)
	LockCard(ctx context.Context, cardID uuid.UUID) (*domain.LoyaltyCard, error)
	FindActiveCard(ctx context.Context, customerID, programID uuid.UUID) (*domain.LoyaltyCard, error)
	ListActiveCards(ctx context.Context, customerID, programID uuid.UUID) ([]domain.LoyaltyCard, error)
	InsertCard(ctx context.Context, card *domain.LoyaltyCard) error
	DeactivateCards(ctx context.Context, cardIDs []uuid.UUID) (int64, error)
	SetCardPoints(ctx context.Context, cardID uuid.UUID, points int64) error
	AdjustCardPointsAtomic(ctx context.Context, cardID uuid.UUID, delta int64) (newBalance int64, applied int64, err error)

	// Ledger methods
	FindActivityByRef(ctx context.Context, ref string) (*domain.PointsActivity, error)
	InsertActivity(ctx context.Context, activity *domain.PointsActivity) error
	SumActivity(ctx context.Context, cardID uuid.UUID) (int64, error)

	// Audit methods
	FindEnrollmentsMissingCard(ctx context.Context, limit int) ([]domain.Enrollment, error)
	FindDuplicateActiveCards(ctx context.Context, limit int) ([]DuplicateCardGroup, error)
	FindBalanceDrift(ctx context.Context, limit int) ([]BalanceDrift, error)
	InsertRepair(ctx context.Context, repair *domain.ConsistencyRepair) error

	// Savepoint runs fn in a nested transaction. An error from fn rolls back
	// only the work done inside fn.
	Savepoint(ctx context.Context, fn func(Queries) error) error
}

// Store adds transaction control on top of Queries.
type Store interface {
	Queries
	// RunInTx runs fn inside one transaction with bounded lock and statement
	// waits. The transaction commits only when fn returns nil.
	RunInTx(ctx context.Context, fn func(Queries) error) error
}
