package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/loyalty/loyalty-service/internal/domain"
)

// cardColumns selects tier only when the column exists, falling back to the default tier literal.
func (q *queries) cardColumns() string {
	tier := `'` + domain.DefaultCardTier + `'`
	if q.caps != nil && q.caps.CardTier {
		tier = "COALESCE(tier, '" + domain.DefaultCardTier + "')"
	}
	return `id, customer_id, business_id, program_id, card_number, points, ` + tier + `,
        status, is_active, created_at, updated_at`
}

func scanCard(row pgx.Row) (*domain.LoyaltyCard, error) {
	var c domain.LoyaltyCard
	err := row.Scan(
		&c.ID,
		&c.CustomerID,
		&c.BusinessID,
		&c.ProgramID,
		&c.CardNumber,
		&c.Points,
		&c.Tier,
		&c.Status,
		&c.IsActive,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (q *queries) GetCard(ctx context.Context, cardID uuid.UUID) (*domain.LoyaltyCard, error) {
	query := `SELECT ` + q.cardColumns() + ` FROM loyalty_cards WHERE id = $1`
	return scanCard(q.db.QueryRow(ctx, query, cardID))
}

func (q *queries) LockCard(ctx context.Context, cardID uuid.UUID) (*domain.LoyaltyCard, error) {
	query := `SELECT ` + q.cardColumns() + ` FROM loyalty_cards WHERE id = $1 FOR UPDATE`
	return scanCard(q.db.QueryRow(ctx, query, cardID))
}

// FindActiveCard returns the oldest active card for the pair.
func (q *queries) FindActiveCard(ctx context.Context, customerID, programID uuid.UUID) (*domain.LoyaltyCard, error) {
	query := `SELECT ` + q.cardColumns() + `
        FROM loyalty_cards
        WHERE customer_id = $1
          AND program_id = $2
          AND is_active = TRUE
          AND status = 'ACTIVE'
        ORDER BY created_at ASC, id ASC
        LIMIT 1
    `
	return scanCard(q.db.QueryRow(ctx, query, customerID, programID))
}

// ListActiveCards returns all active cards for the pair, oldest first.
func (q *queries) ListActiveCards(ctx context.Context, customerID, programID uuid.UUID) ([]domain.LoyaltyCard, error) {
	query := `SELECT ` + q.cardColumns() + `
        FROM loyalty_cards
        WHERE customer_id = $1
          AND program_id = $2
          AND is_active = TRUE
          AND status = 'ACTIVE'
        ORDER BY created_at ASC, id ASC
        FOR UPDATE
    `
	rows, err := q.db.Query(ctx, query, customerID, programID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []domain.LoyaltyCard
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *card)
	}
	return cards, rows.Err()
}

// InsertCard writes a new card. Unique violations are returned unwrapped so
// callers can inspect the constraint name.
func (q *queries) InsertCard(ctx context.Context, card *domain.LoyaltyCard) error {
	if q.caps != nil && q.caps.CardTier {
		query := `
            INSERT INTO loyalty_cards (
                id, customer_id, business_id, program_id, card_number, points,
                tier, status, is_active, created_at, updated_at
            )
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        `
		_, err := q.db.Exec(ctx, query,
			card.ID, card.CustomerID, card.BusinessID, card.ProgramID, card.CardNumber,
			card.Points, card.Tier, card.Status, card.IsActive, card.CreatedAt, card.UpdatedAt,
		)
		return err
	}

	query := `
        INSERT INTO loyalty_cards (
            id, customer_id, business_id, program_id, card_number, points,
            status, is_active, created_at, updated_at
        )
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    `
	_, err := q.db.Exec(ctx, query,
		card.ID, card.CustomerID, card.BusinessID, card.ProgramID, card.CardNumber,
		card.Points, card.Status, card.IsActive, card.CreatedAt, card.UpdatedAt,
	)
	return err
}

func (q *queries) DeactivateCards(ctx context.Context, cardIDs []uuid.UUID) (int64, error) {
	if len(cardIDs) == 0 {
		return 0, nil
	}
	query := `
        UPDATE loyalty_cards
        SET is_active = FALSE,
            status = 'INACTIVE',
            updated_at = NOW()
        WHERE id = ANY($1)
          AND is_active = TRUE
    `
	tag, err := q.db.Exec(ctx, query, cardIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *queries) SetCardPoints(ctx context.Context, cardID uuid.UUID, points int64) error {
	if points < 0 {
		return fmt.Errorf("refusing to store negative balance %d", points)
	}
	tag, err := q.db.Exec(ctx, `UPDATE loyalty_cards SET points = $2, updated_at = NOW() WHERE id = $1`, cardID, points)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCardNotFound
	}
	return nil
}

// AdjustCardPointsAtomic applies delta in one statement, flooring at zero.
// applied is the magnitude that actually moved the balance.
func (q *queries) AdjustCardPointsAtomic(ctx context.Context, cardID uuid.UUID, delta int64) (int64, int64, error) {
	query := `
        UPDATE loyalty_cards AS c
        SET points = GREATEST(prior.points + $2, 0),
            updated_at = NOW()
        FROM (SELECT id, points FROM loyalty_cards WHERE id = $1 FOR UPDATE) AS prior
        WHERE c.id = prior.id
        RETURNING c.points, prior.points
    `
	var newBalance, priorBalance int64
	if err := q.db.QueryRow(ctx, query, cardID, delta).Scan(&newBalance, &priorBalance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrCardNotFound
		}
		return 0, 0, err
	}
	applied := newBalance - priorBalance
	if applied < 0 {
		applied = -applied
	}
	return newBalance, applied, nil
}
