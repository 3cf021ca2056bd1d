package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the events exchange.
const (
	EventEnrollmentApproved = "enrollment.approved"
	EventEnrollmentRejected = "enrollment.rejected"
	EventEnrollmentExpired  = "enrollment.expired"
	EventPointsAwarded      = "points.awarded"
	EventPointsDeducted     = "points.deducted"
	EventDriftDetected      = "audit.drift_detected"
	EventNotificationRetry  = "notification.retry"
)

// EnrollmentEvent is published after an approval decision commits.
type EnrollmentEvent struct {
	RequestID  uuid.UUID      `json:"request_id"`
	CustomerID uuid.UUID      `json:"customer_id"`
	BusinessID uuid.UUID      `json:"business_id"`
	ProgramID  uuid.UUID      `json:"program_id"`
	Status     ApprovalStatus `json:"status"`
	CardID     *uuid.UUID     `json:"card_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// PointsEvent is published after a ledger movement commits.
type PointsEvent struct {
	CardID     uuid.UUID    `json:"card_id"`
	CustomerID uuid.UUID    `json:"customer_id"`
	ProgramID  uuid.UUID    `json:"program_id"`
	Type       ActivityType `json:"type"`
	Points     int64        `json:"points"`
	NewBalance int64        `json:"new_balance"`
	Ref        string       `json:"ref"`
	Strategy   string       `json:"strategy"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// DriftEvent is published when an audit run finds anomalies.
type DriftEvent struct {
	Counts     map[AnomalyKind]int `json:"counts"`
	Anomalies  []Anomaly           `json:"anomalies"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// NotificationRetry is the payload replayed by the retry consumer.
type NotificationRetry struct {
	Input    NotificationInput `json:"input"`
	Attempt  int               `json:"attempt"`
	LastErr  string            `json:"last_error,omitempty"`
	QueuedAt time.Time         `json:"queued_at"`
}
