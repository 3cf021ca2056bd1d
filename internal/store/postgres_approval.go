package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/loyalty/loyalty-service/internal/domain"
)

const approvalRequestColumns = `
    id, customer_id, business_id, program_id, notification_id,
    status, requested_at, responded_at, expires_at
`

func scanApprovalRequest(row pgx.Row) (*domain.ApprovalRequest, error) {
	var req domain.ApprovalRequest
	err := row.Scan(
		&req.ID,
		&req.CustomerID,
		&req.BusinessID,
		&req.ProgramID,
		&req.NotificationID,
		&req.Status,
		&req.RequestedAt,
		&req.RespondedAt,
		&req.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrApprovalRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// GetApprovalRequest reads a request without locking it.
func (q *queries) GetApprovalRequest(ctx context.Context, requestID uuid.UUID) (*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalRequestColumns + ` FROM approval_requests WHERE id = $1`
	return scanApprovalRequest(q.db.QueryRow(ctx, query, requestID))
}

// LockApprovalRequest reads a request and holds its row lock until the
// surrounding transaction ends. Concurrent responders queue here.
func (q *queries) LockApprovalRequest(ctx context.Context, requestID uuid.UUID) (*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalRequestColumns + ` FROM approval_requests WHERE id = $1 FOR UPDATE`
	return scanApprovalRequest(q.db.QueryRow(ctx, query, requestID))
}

func (q *queries) FindPendingApprovalRequest(ctx context.Context, customerID, programID uuid.UUID) (*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalRequestColumns + `
        FROM approval_requests
        WHERE customer_id = $1
          AND program_id = $2
          AND status = 'PENDING'
        ORDER BY requested_at DESC
        LIMIT 1
    `
	return scanApprovalRequest(q.db.QueryRow(ctx, query, customerID, programID))
}

func (q *queries) CreateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error {
	query := `
        INSERT INTO approval_requests (
            id, customer_id, business_id, program_id, notification_id,
            status, requested_at, expires_at
        )
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    `
	_, err := q.db.Exec(ctx, query,
		req.ID,
		req.CustomerID,
		req.BusinessID,
		req.ProgramID,
		req.NotificationID,
		req.Status,
		req.RequestedAt,
		req.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert approval request: %w", err)
	}
	return nil
}

func (q *queries) AttachApprovalNotification(ctx context.Context, requestID, notificationID uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `UPDATE approval_requests SET notification_id = $2 WHERE id = $1`, requestID, notificationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrApprovalRequestNotFound
	}
	return nil
}

// UpdateApprovalRequestStatus performs the single PENDING -> terminal move.
// The status guard makes a second transition a no-op reported as ErrApprovalRequestNotPending.
func (q *queries) UpdateApprovalRequestStatus(ctx context.Context, requestID uuid.UUID, status domain.ApprovalStatus, respondedAt time.Time) error {
	query := `
        UPDATE approval_requests
        SET status = $2,
            responded_at = $3
        WHERE id = $1
          AND status = 'PENDING'
    `
	tag, err := q.db.Exec(ctx, query, requestID, status, respondedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrApprovalRequestNotPending
	}
	return nil
}

func (q *queries) ListExpiredApprovalRequests(ctx context.Context, now time.Time, limit int) ([]domain.ApprovalRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + approvalRequestColumns + `
        FROM approval_requests
        WHERE status = 'PENDING'
          AND expires_at <= $1
        ORDER BY expires_at ASC
        LIMIT $2
    `
	rows, err := q.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.ApprovalRequest
	for rows.Next() {
		req, err := scanApprovalRequest(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *req)
	}
	return results, rows.Err()
}
