package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/loyalty/loyalty-service/internal/domain"
)

const enrollmentColumns = `
    id, customer_id, program_id, business_id, status,
    current_points, enrolled_at, last_activity
`

func scanEnrollment(row pgx.Row) (*domain.Enrollment, error) {
	var e domain.Enrollment
	err := row.Scan(
		&e.ID,
		&e.CustomerID,
		&e.ProgramID,
		&e.BusinessID,
		&e.Status,
		&e.CurrentPoints,
		&e.EnrolledAt,
		&e.LastActivity,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (q *queries) GetEnrollment(ctx context.Context, customerID, programID uuid.UUID) (*domain.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM program_enrollments WHERE customer_id = $1 AND program_id = $2`
	return scanEnrollment(q.db.QueryRow(ctx, query, customerID, programID))
}

func (q *queries) LockEnrollment(ctx context.Context, customerID, programID uuid.UUID) (*domain.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM program_enrollments WHERE customer_id = $1 AND program_id = $2 FOR UPDATE`
	return scanEnrollment(q.db.QueryRow(ctx, query, customerID, programID))
}

// UpsertActiveEnrollment creates the enrollment or reactivates a CANCELLED one.
// The (customer_id, program_id) unique constraint keeps a single row per pair.
func (q *queries) UpsertActiveEnrollment(ctx context.Context, customerID, programID, businessID uuid.UUID) (*domain.Enrollment, error) {
	query := `
        INSERT INTO program_enrollments (
            id, customer_id, program_id, business_id, status, current_points, enrolled_at
        )
        VALUES ($1, $2, $3, $4, 'ACTIVE', 0, NOW())
        ON CONFLICT (customer_id, program_id) DO UPDATE
        SET status = 'ACTIVE',
            business_id = EXCLUDED.business_id,
            enrolled_at = CASE
                WHEN program_enrollments.status = 'ACTIVE' THEN program_enrollments.enrolled_at
                ELSE NOW()
            END
        RETURNING ` + enrollmentColumns
	return scanEnrollment(q.db.QueryRow(ctx, query, uuid.New(), customerID, programID, businessID))
}

func (q *queries) UpdateEnrollmentPoints(ctx context.Context, customerID, programID uuid.UUID, points int64, at time.Time) error {
	query := `
        UPDATE program_enrollments
        SET current_points = $3,
            last_activity = $4
        WHERE customer_id = $1
          AND program_id = $2
    `
	_, err := q.db.Exec(ctx, query, customerID, programID, points, at)
	return err
}

// EnsureRelationship records that the customer belongs to the business. It is
// a no-op on schemas without the customer_business_relationships table.
func (q *queries) EnsureRelationship(ctx context.Context, customerID, businessID uuid.UUID) error {
	if q.caps == nil || !q.caps.RelationshipTable {
		return nil
	}
	query := `
        INSERT INTO customer_business_relationships (customer_id, business_id, created_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (customer_id, business_id) DO NOTHING
    `
	_, err := q.db.Exec(ctx, query, customerID, businessID)
	if err != nil && isUndefinedTableError(err) {
		return nil
	}
	return err
}
