package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/loyalty/loyalty-service/internal/domain"
)

func (q *queries) FindActivityByRef(ctx context.Context, ref string) (*domain.PointsActivity, error) {
	query := `
        SELECT id, card_id, type, points, requested_points, source,
               COALESCE(description, ''), transaction_ref, COALESCE(strategy, ''), created_at
        FROM points_activity
        WHERE transaction_ref = $1
    `
	var a domain.PointsActivity
	err := q.db.QueryRow(ctx, query, ref).Scan(
		&a.ID,
		&a.CardID,
		&a.Type,
		&a.Points,
		&a.RequestedPoints,
		&a.Source,
		&a.Description,
		&a.TransactionRef,
		&a.Strategy,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrActivityNotFound
		}
		return nil, err
	}
	return &a, nil
}

// InsertActivity appends a ledger entry. A duplicate transaction_ref surfaces
// as a unique violation on ConstraintTransactionRef.
func (q *queries) InsertActivity(ctx context.Context, activity *domain.PointsActivity) error {
	query := `
        INSERT INTO points_activity (
            id, card_id, type, points, requested_points, source,
            description, transaction_ref, strategy, created_at
        )
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    `
	_, err := q.db.Exec(ctx, query,
		activity.ID,
		activity.CardID,
		activity.Type,
		activity.Points,
		activity.RequestedPoints,
		activity.Source,
		activity.Description,
		activity.TransactionRef,
		activity.Strategy,
		activity.CreatedAt,
	)
	return err
}

// SumActivity returns the signed sum of a card's ledger entries.
func (q *queries) SumActivity(ctx context.Context, cardID uuid.UUID) (int64, error) {
	query := `
        SELECT COALESCE(SUM(CASE WHEN type = 'DEBIT' THEN -points ELSE points END), 0)
        FROM points_activity
        WHERE card_id = $1
    `
	var sum int64
	if err := q.db.QueryRow(ctx, query, cardID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}
