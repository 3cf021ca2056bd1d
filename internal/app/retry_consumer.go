package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loyalty/loyalty-service/internal/domain"
	"github.com/loyalty/loyalty-service/internal/store"
	"github.com/loyalty/loyalty-service/pkg/rabbitmq"
)

// DefaultNotificationRetryAttempts bounds how often a failed notification is replayed.
const DefaultNotificationRetryAttempts = 5

// NotificationRetryHandler replays notifications whose in-transaction
// emission failed. The dedupe key travels with the message so a replay
// that races a late original write never produces a second row.
type NotificationRetryHandler struct {
	notifier    *NotificationDispatcher
	publisher   rabbitmq.Publisher
	exchange    string
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

func NewNotificationRetryHandler(notifier *NotificationDispatcher, publisher rabbitmq.Publisher, exchange string, maxAttempts int, logger *slog.Logger) *NotificationRetryHandler {
	if maxAttempts <= 0 {
		maxAttempts = DefaultNotificationRetryAttempts
	}
	return &NotificationRetryHandler{
		notifier:    notifier,
		publisher:   publisher,
		exchange:    exchange,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Handle implements rabbitmq.HandlerFunc. It returns false only when the
// message must be redelivered by the broker.
func (h *NotificationRetryHandler) Handle(ctx context.Context, body []byte) bool {
	var msg domain.NotificationRetry
	if err := json.Unmarshal(body, &msg); err != nil {
		h.logger.Error("discarding malformed notification retry", "component", "notification_retry", "err", err)
		NotificationRetries.WithLabelValues("malformed").Inc()
		return true
	}

	id, err := h.notifier.Notify(ctx, msg.Input)
	if err == nil {
		h.attachInvite(ctx, msg.Input, id)
		NotificationRetries.WithLabelValues("delivered").Inc()
		h.logger.Info("notification retry delivered",
			"component", "notification_retry",
			"type", msg.Input.Type,
			"attempt", msg.Attempt,
		)
		return true
	}

	if msg.Attempt >= h.maxAttempts {
		NotificationRetries.WithLabelValues("dropped").Inc()
		h.logger.Error("notification retry exhausted",
			"component", "notification_retry",
			"code", domain.CodeNotificationFailed,
			"type", msg.Input.Type,
			"recipient_id", msg.Input.RecipientID,
			"attempt", msg.Attempt,
			"err", err,
		)
		return true
	}

	msg.Attempt++
	msg.LastErr = err.Error()
	msg.QueuedAt = h.now()
	if pubErr := h.publisher.Publish(ctx, h.exchange, domain.EventNotificationRetry, msg); pubErr != nil {
		NotificationRetries.WithLabelValues("requeue_failed").Inc()
		h.logger.Warn("notification retry republish failed", "component", "notification_retry", "err", pubErr)
		return false
	}
	NotificationRetries.WithLabelValues("requeued").Inc()
	return true
}

// attachInvite links a late ENROLLMENT_REQUEST notification back to its
// approval request so the request can resolve it on decision. A request
// that was decided or expired meanwhile gets the notification resolved
// instead, leaving no actionable invite behind.
func (h *NotificationRetryHandler) attachInvite(ctx context.Context, in domain.NotificationInput, notificationID uuid.UUID) {
	if in.Type != domain.NotifyEnrollmentRequest {
		return
	}
	raw, ok := in.Data["request_id"].(string)
	if !ok {
		return
	}
	requestID, err := uuid.Parse(raw)
	if err != nil {
		return
	}
	var resolved bool
	err = h.notifier.store.RunInTx(ctx, func(q store.Queries) error {
		req, err := q.LockApprovalRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			resolved = true
			return q.ResolveNotification(ctx, notificationID)
		}
		return q.AttachApprovalNotification(ctx, requestID, notificationID)
	})
	if errors.Is(err, store.ErrApprovalRequestNotFound) {
		return
	}
	if err != nil {
		h.logger.Warn("attach invite notification failed", "component", "notification_retry", "request_id", requestID, "err", err)
		return
	}
	if resolved {
		h.logger.Info("late invite notification resolved; request already closed",
			"component", "notification_retry",
			"request_id", requestID,
			"notification_id", notificationID,
		)
	}
}
