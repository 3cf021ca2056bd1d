package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loyalty/loyalty-service/internal/domain"
	"github.com/loyalty/loyalty-service/internal/store"
)

const defaultCardNumberAttempts = 5

// CardProvisioner finds or creates the single active card for a
// (customer, program) pair. It always runs on the caller's Queries so card
// creation commits or rolls back together with the enrollment.
type CardProvisioner struct {
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
	suffix      func() (string, error)
}

func NewCardProvisioner(maxAttempts int, logger *slog.Logger) *CardProvisioner {
	if maxAttempts <= 0 {
		maxAttempts = defaultCardNumberAttempts
	}
	return &CardProvisioner{
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		suffix:      randomDigits,
	}
}

// randomDigits returns six cryptographically random decimal digits.
func randomDigits() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// cardNumber renders LC-<base36 millis>-<suffix>.
func cardNumber(at time.Time, suffix string) string {
	return "LC-" + strings.ToUpper(strconv.FormatInt(at.UnixMilli(), 36)) + "-" + suffix
}

// GetOrCreateCard returns the existing active card unchanged, or inserts a new
// one with zero points. created reports whether this call inserted the card.
func (p *CardProvisioner) GetOrCreateCard(ctx context.Context, q store.Queries, customerID, businessID, programID uuid.UUID) (card *domain.LoyaltyCard, created bool, err error) {
	existing, err := q.FindActiveCard(ctx, customerID, programID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrCardNotFound) {
		return nil, false, domain.NewError(domain.CodeCardCreationFailed, "lookup_card", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		suffix, err := p.suffix()
		if err != nil {
			return nil, false, domain.NewError(domain.CodeCardCreationFailed, "generate_card_number", err)
		}
		now := p.now()
		candidate := &domain.LoyaltyCard{
			ID:         uuid.New(),
			CustomerID: customerID,
			BusinessID: businessID,
			ProgramID:  programID,
			CardNumber: cardNumber(now, suffix),
			Points:     0,
			Tier:       domain.DefaultCardTier,
			Status:     domain.CardActive,
			IsActive:   true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		err = q.Savepoint(ctx, func(sp store.Queries) error {
			return sp.InsertCard(ctx, candidate)
		})
		switch {
		case err == nil:
			p.logger.Info("loyalty card created",
				"component", "card_provisioner",
				"card_id", candidate.ID,
				"card_number", candidate.CardNumber,
				"customer_id", customerID,
				"program_id", programID,
				"attempt", attempt,
			)
			return candidate, true, nil
		case store.IsUniqueViolation(err, store.ConstraintCardNumber):
			CardNumberCollisions.Inc()
			lastErr = err
			p.logger.Warn("card number collision; regenerating", "component", "card_provisioner", "attempt", attempt)
			continue
		case store.IsUniqueViolation(err, store.ConstraintOneActiveCard):
			// A concurrent writer committed the card first.
			winner, findErr := q.FindActiveCard(ctx, customerID, programID)
			if findErr != nil {
				return nil, false, domain.NewError(domain.CodeCardCreationFailed, "reload_card", errors.Join(err, findErr))
			}
			return winner, false, nil
		default:
			return nil, false, domain.NewError(domain.CodeCardCreationFailed, "insert_card", err)
		}
	}

	return nil, false, domain.NewError(domain.CodeCardCreationFailed, "generate_card_number",
		fmt.Errorf("card number still colliding after %d attempts: %w", p.maxAttempts, lastErr))
}

// DeactivateDuplicates keeps the oldest active card for the pair and
// deactivates the rest. Balances and history of deactivated cards are kept.
func (p *CardProvisioner) DeactivateDuplicates(ctx context.Context, q store.Queries, customerID, programID uuid.UUID) (kept *domain.LoyaltyCard, deactivated []domain.LoyaltyCard, err error) {
	cards, err := q.ListActiveCards(ctx, customerID, programID)
	if err != nil {
		return nil, nil, err
	}
	if len(cards) == 0 {
		return nil, nil, nil
	}
	kept = &cards[0]
	if len(cards) == 1 {
		return kept, nil, nil
	}

	deactivated = cards[1:]
	ids := make([]uuid.UUID, 0, len(deactivated))
	for _, c := range deactivated {
		ids = append(ids, c.ID)
	}
	if _, err := q.DeactivateCards(ctx, ids); err != nil {
		return nil, nil, err
	}

	p.logger.Info("duplicate cards deactivated",
		"component", "card_provisioner",
		"customer_id", customerID,
		"program_id", programID,
		"kept_card_id", kept.ID,
		"deactivated", len(ids),
	)
	return kept, deactivated, nil
}
