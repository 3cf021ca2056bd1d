/**
 * @description
 * Domain models for enrollment invitations and program participation.
 *
 * @notes
 * - An ApprovalRequest moves PENDING -> APPROVED|REJECTED exactly once and is
 *   kept forever for audit.
 * - A PENDING request whose expires_at has passed is treated as REJECTED.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the lifecycle state of an enrollment invitation.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Terminal reports whether the status can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// EnrollmentStatus is the state of a customer's participation in a program.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "ACTIVE"
	EnrollmentCancelled EnrollmentStatus = "CANCELLED"
)

// DefaultApprovalExpiry is how long an invitation stays actionable.
const DefaultApprovalExpiry = 7 * 24 * time.Hour

// ApprovalRequest maps to the `approval_requests` table.
type ApprovalRequest struct {
	ID             uuid.UUID      `json:"id"`
	CustomerID     uuid.UUID      `json:"customer_id"`
	BusinessID     uuid.UUID      `json:"business_id"`
	ProgramID      uuid.UUID      `json:"program_id"`
	NotificationID *uuid.UUID     `json:"notification_id,omitempty"`
	Status         ApprovalStatus `json:"status"`
	RequestedAt    time.Time      `json:"requested_at"`
	RespondedAt    *time.Time     `json:"responded_at,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// ExpiredAt reports whether a PENDING request must be treated as implicitly rejected.
func (r *ApprovalRequest) ExpiredAt(now time.Time) bool {
	return r.Status == ApprovalPending && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Enrollment maps to the `program_enrollments` table.
type Enrollment struct {
	ID            uuid.UUID        `json:"id"`
	CustomerID    uuid.UUID        `json:"customer_id"`
	ProgramID     uuid.UUID        `json:"program_id"`
	BusinessID    uuid.UUID        `json:"business_id"`
	Status        EnrollmentStatus `json:"status"`
	CurrentPoints int64            `json:"current_points"`
	EnrolledAt    time.Time        `json:"enrolled_at"`
	LastActivity  *time.Time       `json:"last_activity,omitempty"`
}

// ApprovalResult is what processApproval hands back to the caller. On the
// idempotent branch ErrorCode is ALREADY_PROCESSED and CardID reflects the
// state produced by the first call.
type ApprovalResult struct {
	RequestID    uuid.UUID      `json:"request_id"`
	Status       ApprovalStatus `json:"status"`
	CardID       *uuid.UUID     `json:"card_id,omitempty"`
	EnrollmentID *uuid.UUID     `json:"enrollment_id,omitempty"`
	ErrorCode    ErrorCode      `json:"error_code,omitempty"`
}

// InviteRequest is the DTO a business submits to invite a customer.
type InviteRequest struct {
	BusinessID uuid.UUID `json:"business_id"`
	CustomerID uuid.UUID `json:"customer_id"`
	ProgramID  uuid.UUID `json:"program_id"`
}

// RespondRequest is the DTO the customer-facing UI submits on accept/decline.
type RespondRequest struct {
	Approved *bool `json:"approved"`
}
