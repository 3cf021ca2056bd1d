package domain

import (
	"time"

	"github.com/google/uuid"
)

// RecipientRole identifies which side of the relationship a notification targets.
type RecipientRole string

const (
	RoleCustomer RecipientRole = "CUSTOMER"
	RoleBusiness RecipientRole = "BUSINESS"
)

// NotificationType enumerates the state transitions the engine announces.
type NotificationType string

const (
	NotifyEnrollmentRequest  NotificationType = "ENROLLMENT_REQUEST"
	NotifyEnrollmentAccepted NotificationType = "ENROLLMENT_ACCEPTED"
	NotifyEnrollmentRejected NotificationType = "ENROLLMENT_REJECTED"
	NotifyEnrollmentExpired  NotificationType = "ENROLLMENT_EXPIRED"
	NotifyCustomerJoined     NotificationType = "CUSTOMER_JOINED"
	NotifyCustomerDeclined   NotificationType = "CUSTOMER_DECLINED"
	NotifyCardCreated        NotificationType = "CARD_CREATED"
	NotifyPointsAdded        NotificationType = "POINTS_ADDED"
	NotifyPointsDeducted     NotificationType = "POINTS_DEDUCTED"
	NotifyConsistencyRepair  NotificationType = "CONSISTENCY_REPAIR"
)

// NotificationStatus tracks CREATED -> PENDING_ACTION|DELIVERED -> ACTIONED|READ.
type NotificationStatus string

const (
	NotificationCreated       NotificationStatus = "CREATED"
	NotificationPendingAction NotificationStatus = "PENDING_ACTION"
	NotificationDelivered     NotificationStatus = "DELIVERED"
	NotificationActioned      NotificationStatus = "ACTIONED"
	NotificationRead          NotificationStatus = "READ"
)

// InitialStatus is the status a notification is persisted with.
func InitialStatus(requiresAction bool) NotificationStatus {
	if requiresAction {
		return NotificationPendingAction
	}
	return NotificationDelivered
}

// CanTransition reports whether from -> to is a legal move.
func (from NotificationStatus) CanTransition(to NotificationStatus) bool {
	switch from {
	case NotificationCreated:
		return to == NotificationPendingAction || to == NotificationDelivered
	case NotificationPendingAction:
		return to == NotificationActioned
	case NotificationDelivered:
		return to == NotificationRead
	case NotificationActioned:
		return to == NotificationRead
	default:
		return false
	}
}

// Notification maps to the `notifications` table.
type Notification struct {
	ID             uuid.UUID              `json:"id"`
	RecipientID    uuid.UUID              `json:"recipient_id"`
	RecipientRole  RecipientRole          `json:"recipient_role"`
	Type           NotificationType       `json:"type"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	Data           map[string]interface{} `json:"data,omitempty"`
	RequiresAction bool                   `json:"requires_action"`
	ActionTaken    bool                   `json:"action_taken"`
	IsRead         bool                   `json:"is_read"`
	Status         NotificationStatus     `json:"status"`
	DedupeKey      *string                `json:"-"`
	CreatedAt      time.Time              `json:"created_at"`
	ReadAt         *time.Time             `json:"read_at,omitempty"`
}

// NotificationInput carries everything notify() needs. DedupeKey makes
// emission and out-of-band retries idempotent.
type NotificationInput struct {
	RecipientID    uuid.UUID              `json:"recipient_id"`
	RecipientRole  RecipientRole          `json:"recipient_role"`
	Type           NotificationType       `json:"type"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	Data           map[string]interface{} `json:"data,omitempty"`
	RequiresAction bool                   `json:"requires_action"`
	DedupeKey      string                 `json:"dedupe_key,omitempty"`
}

// NotificationListOptions controls pagination for inbox reads.
type NotificationListOptions struct {
	Limit      int
	Offset     int
	UnreadOnly bool
}
