package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/loyalty/loyalty-service/internal/domain"
)

// InsertNotification writes a notification. When DedupeKey is set and a row
// with that key already exists, item.ID is replaced with the existing id and
// inserted is false.
func (q *queries) InsertNotification(ctx context.Context, item *domain.Notification) (bool, error) {
	data := item.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return false, err
	}

	if item.DedupeKey != nil && strings.TrimSpace(*item.DedupeKey) != "" {
		// The no-op DO UPDATE lets RETURNING surface the existing row's id.
		query := `
            INSERT INTO notifications (
                id, recipient_id, recipient_role, type, title, message, data,
                requires_action, action_taken, is_read, status, dedupe_key, created_at
            )
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
            ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL
            DO UPDATE SET dedupe_key = EXCLUDED.dedupe_key
            RETURNING id, (xmax = 0) AS inserted
        `
		var inserted bool
		err = q.db.QueryRow(ctx, query,
			item.ID,
			item.RecipientID,
			item.RecipientRole,
			item.Type,
			item.Title,
			item.Message,
			dataJSON,
			item.RequiresAction,
			item.ActionTaken,
			item.IsRead,
			item.Status,
			item.DedupeKey,
			item.CreatedAt,
		).Scan(&item.ID, &inserted)
		if err != nil {
			return false, err
		}
		return inserted, nil
	}

	query := `
        INSERT INTO notifications (
            id, recipient_id, recipient_role, type, title, message, data,
            requires_action, action_taken, is_read, status, dedupe_key, created_at
        )
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
    `
	_, err = q.db.Exec(ctx, query,
		item.ID,
		item.RecipientID,
		item.RecipientRole,
		item.Type,
		item.Title,
		item.Message,
		dataJSON,
		item.RequiresAction,
		item.ActionTaken,
		item.IsRead,
		item.Status,
		nil,
		item.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

// ResolveNotification marks an action-required notification as handled.
func (q *queries) ResolveNotification(ctx context.Context, notificationID uuid.UUID) error {
	query := `
        UPDATE notifications
        SET action_taken = TRUE,
            is_read = TRUE,
            status = 'ACTIONED',
            read_at = COALESCE(read_at, NOW())
        WHERE id = $1
    `
	tag, err := q.db.Exec(ctx, query, notificationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// ListNotifications retrieves a recipient's notifications, newest first.
func (q *queries) ListNotifications(ctx context.Context, recipientID uuid.UUID, opts domain.NotificationListOptions) ([]domain.Notification, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
        SELECT
            id, recipient_id, recipient_role, type, title, message, data,
            requires_action, action_taken, is_read, status, dedupe_key,
            created_at, read_at
        FROM notifications
        WHERE recipient_id = $1
    `
	args := []interface{}{recipientID}
	argPos := 2

	if opts.UnreadOnly {
		query += " AND is_read = FALSE"
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.Notification, 0, limit)
	for rows.Next() {
		var item domain.Notification
		var payload []byte
		if err := rows.Scan(
			&item.ID,
			&item.RecipientID,
			&item.RecipientRole,
			&item.Type,
			&item.Title,
			&item.Message,
			&payload,
			&item.RequiresAction,
			&item.ActionTaken,
			&item.IsRead,
			&item.Status,
			&item.DedupeKey,
			&item.CreatedAt,
			&item.ReadAt,
		); err != nil {
			return nil, err
		}
		item.Data = map[string]interface{}{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &item.Data); err != nil {
				return nil, err
			}
		}
		results = append(results, item)
	}

	return results, rows.Err()
}

// MarkNotificationRead moves DELIVERED or ACTIONED notifications to READ.
// PENDING_ACTION notifications only get is_read set; their status stays until resolved.
func (q *queries) MarkNotificationRead(ctx context.Context, recipientID, notificationID uuid.UUID) (bool, error) {
	query := `
        UPDATE notifications
        SET
            is_read = TRUE,
            status = CASE WHEN status IN ('DELIVERED', 'ACTIONED') THEN 'READ' ELSE status END,
            read_at = COALESCE(read_at, NOW())
        WHERE id = $1
          AND recipient_id = $2
    `
	tag, err := q.db.Exec(ctx, query, notificationID, recipientID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
