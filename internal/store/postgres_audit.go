package store

import (
	"context"

	"github.com/loyalty/loyalty-service/internal/domain"
)

func auditLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 500
	}
	return limit
}

// FindEnrollmentsMissingCard lists ACTIVE enrollments without an active card.
func (q *queries) FindEnrollmentsMissingCard(ctx context.Context, limit int) ([]domain.Enrollment, error) {
	query := `
        SELECT e.id, e.customer_id, e.program_id, e.business_id, e.status,
               e.current_points, e.enrolled_at, e.last_activity
        FROM program_enrollments e
        WHERE e.status = 'ACTIVE'
          AND NOT EXISTS (
              SELECT 1 FROM loyalty_cards c
              WHERE c.customer_id = e.customer_id
                AND c.program_id = e.program_id
                AND c.is_active = TRUE
                AND c.status = 'ACTIVE'
          )
        ORDER BY e.enrolled_at ASC
        LIMIT $1
    `
	rows, err := q.db.Query(ctx, query, auditLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *e)
	}
	return results, rows.Err()
}

// FindDuplicateActiveCards lists pairs holding more than one active card.
// Card ids are ordered oldest first.
func (q *queries) FindDuplicateActiveCards(ctx context.Context, limit int) ([]DuplicateCardGroup, error) {
	query := `
        SELECT customer_id, program_id, MIN(business_id::text)::uuid,
               ARRAY_AGG(id ORDER BY created_at ASC, id ASC)
        FROM loyalty_cards
        WHERE is_active = TRUE
          AND status = 'ACTIVE'
        GROUP BY customer_id, program_id
        HAVING COUNT(*) > 1
        LIMIT $1
    `
	rows, err := q.db.Query(ctx, query, auditLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DuplicateCardGroup
	for rows.Next() {
		var g DuplicateCardGroup
		if err := rows.Scan(&g.CustomerID, &g.ProgramID, &g.BusinessID, &g.CardIDs); err != nil {
			return nil, err
		}
		results = append(results, g)
	}
	return results, rows.Err()
}

// FindBalanceDrift lists cards whose points differ from the signed activity sum.
func (q *queries) FindBalanceDrift(ctx context.Context, limit int) ([]BalanceDrift, error) {
	query := `
        SELECT c.id, c.customer_id, c.program_id, c.business_id, c.points,
               COALESCE(a.total, 0)
        FROM loyalty_cards c
        LEFT JOIN (
            SELECT card_id,
                   SUM(CASE WHEN type = 'DEBIT' THEN -points ELSE points END) AS total
            FROM points_activity
            GROUP BY card_id
        ) a ON a.card_id = c.id
        WHERE c.points <> COALESCE(a.total, 0)
        ORDER BY c.id
        LIMIT $1
    `
	rows, err := q.db.Query(ctx, query, auditLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []BalanceDrift
	for rows.Next() {
		var d BalanceDrift
		if err := rows.Scan(&d.CardID, &d.CustomerID, &d.ProgramID, &d.BusinessID, &d.CardPoints, &d.ActivitySum); err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func (q *queries) InsertRepair(ctx context.Context, repair *domain.ConsistencyRepair) error {
	query := `
        INSERT INTO consistency_repairs (
            id, anomaly_kind, anomaly_key, card_id, customer_id, program_id,
            action, detail, created_at
        )
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    `
	_, err := q.db.Exec(ctx, query,
		repair.ID,
		repair.AnomalyKind,
		repair.AnomalyKey,
		repair.CardID,
		repair.CustomerID,
		repair.ProgramID,
		repair.Action,
		repair.Detail,
		repair.CreatedAt,
	)
	return err
}
