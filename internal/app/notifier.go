/**
 * @description
 * NotificationDispatcher writes notification records for engine state
 * transitions. Emission is best-effort: inside an engine transaction each
 * notification gets its own savepoint, and failures are handed back to the
 * caller to be re-queued on RabbitMQ once the core transaction commits.
 *
 * @dependencies
 * - internal/store: Notification persistence.
 * - pkg/rabbitmq: Out-of-band retry queue.
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

var errInvalidNotification = errors.New("notification requires recipient, type and title")

// failedNotification is an emission that must be retried after commit.
type failedNotification struct {
	input domain.NotificationInput
	err   error
}

// NotificationDispatcher creates and reads notification records.
type NotificationDispatcher struct {
	store  store.Store
	events eventSink
	logger *slog.Logger
	now    func() time.Time
}

// NewNotificationDispatcher creates a dispatcher. publisher may be the fallback no-op producer.
func NewNotificationDispatcher(st store.Store, publisher rabbitmq.Publisher, exchange string, logger *slog.Logger) *NotificationDispatcher {
	return &NotificationDispatcher{
		store:  st,
		events: eventSink{publisher: publisher, exchange: exchange, logger: logger},
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Notify writes a notification outside any engine transaction.
func (d *NotificationDispatcher) Notify(ctx context.Context, in domain.NotificationInput) (uuid.UUID, error) {
	return d.insert(ctx, d.store, in)
}

// NotifyTx writes a notification inside a savepoint of q. A failure leaves the
// surrounding transaction usable.
func (d *NotificationDispatcher) NotifyTx(ctx context.Context, q store.Queries, in domain.NotificationInput) (uuid.UUID, error) {
	var id uuid.UUID
	err := q.Savepoint(ctx, func(sp store.Queries) error {
		var insertErr error
		id, insertErr = d.insert(ctx, sp, in)
		return insertErr
	})
	return id, err
}

// emit is NotifyTx that records a failure on failed instead of returning it.
func (d *NotificationDispatcher) emit(ctx context.Context, q store.Queries, in domain.NotificationInput, failed *[]failedNotification) uuid.UUID {
	if strings.TrimSpace(in.DedupeKey) == "" {
		in.DedupeKey = "notification:" + uuid.NewString()
	}
	id, err := d.NotifyTx(ctx, q, in)
	if err != nil {
		d.logger.Warn("notification emission failed",
			"component", "notifier",
			"code", domain.CodeNotificationFailed,
			"type", in.Type,
			"recipient_id", in.RecipientID,
			"err", err,
		)
		NotificationFailures.WithLabelValues(string(in.Type)).Inc()
		*failed = append(*failed, failedNotification{input: in, err: err})
		return uuid.Nil
	}
	return id
}

func (d *NotificationDispatcher) insert(ctx context.Context, q store.Queries, in domain.NotificationInput) (uuid.UUID, error) {
	if in.RecipientID == uuid.Nil || in.Type == "" || strings.TrimSpace(in.Title) == "" {
		return uuid.Nil, errInvalidNotification
	}
	role := in.RecipientRole
	if role == "" {
		role = domain.RoleCustomer
	}

	status := domain.NotificationCreated
	next := domain.InitialStatus(in.RequiresAction)
	if !status.CanTransition(next) {
		return uuid.Nil, fmt.Errorf("illegal notification transition %s -> %s", status, next)
	}

	item := &domain.Notification{
		ID:             uuid.New(),
		RecipientID:    in.RecipientID,
		RecipientRole:  role,
		Type:           in.Type,
		Title:          strings.TrimSpace(in.Title),
		Message:        strings.TrimSpace(in.Message),
		Data:           in.Data,
		RequiresAction: in.RequiresAction,
		Status:         next,
		CreatedAt:      d.now(),
	}
	if key := strings.TrimSpace(in.DedupeKey); key != "" {
		item.DedupeKey = &key
	}

	if _, err := q.InsertNotification(ctx, item); err != nil {
		return uuid.Nil, err
	}
	return item.ID, nil
}

// requeue publishes failed emissions to the retry queue. Call only after the
// transaction that produced them has committed.
func (d *NotificationDispatcher) requeue(ctx context.Context, failed []failedNotification) {
	for _, f := range failed {
		msg := domain.NotificationRetry{
			Input:    f.input,
			Attempt:  1,
			LastErr:  f.err.Error(),
			QueuedAt: d.now(),
		}
		d.events.publish(ctx, domain.EventNotificationRetry, msg)
	}
}

// notifyBestEffort writes a notification on the pool and re-queues it on failure.
func (d *NotificationDispatcher) notifyBestEffort(ctx context.Context, in domain.NotificationInput) {
	var failed []failedNotification
	d.emit(ctx, d.store, in, &failed)
	d.requeue(ctx, failed)
}

// ListNotifications returns a recipient's inbox, newest first.
func (d *NotificationDispatcher) ListNotifications(ctx context.Context, recipientID uuid.UUID, opts domain.NotificationListOptions) ([]domain.Notification, error) {
	return d.store.ListNotifications(ctx, recipientID, opts)
}

// MarkRead marks one of the recipient's notifications as read.
func (d *NotificationDispatcher) MarkRead(ctx context.Context, recipientID, notificationID uuid.UUID) error {
	ok, err := d.store.MarkNotificationRead(ctx, recipientID, notificationID)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotificationNotFound
	}
	return nil
}
