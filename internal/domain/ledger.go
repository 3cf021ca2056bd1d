package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CardStatus is the lifecycle state of a loyalty card.
type CardStatus string

const (
	CardActive   CardStatus = "ACTIVE"
	CardInactive CardStatus = "INACTIVE"
)

// DefaultCardTier is assigned to newly provisioned cards.
const DefaultCardTier = "STANDARD"

// LoyaltyCard maps to the `loyalty_cards` table. Points are whole points, never negative.
type LoyaltyCard struct {
	ID         uuid.UUID  `json:"id"`
	CustomerID uuid.UUID  `json:"customer_id"`
	BusinessID uuid.UUID  `json:"business_id"`
	ProgramID  uuid.UUID  `json:"program_id"`
	CardNumber string     `json:"card_number"`
	Points     int64      `json:"points"`
	Tier       string     `json:"tier"`
	Status     CardStatus `json:"status"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Usable reports whether points may be posted to the card.
func (c LoyaltyCard) Usable() bool {
	return c.IsActive && c.Status == CardActive
}

// ActivityType is the direction of a ledger entry.
type ActivityType string

const (
	ActivityCredit ActivityType = "CREDIT"
	ActivityDebit  ActivityType = "DEBIT"
)

// PointsActivity maps to the `points_activity` table. Points holds the magnitude
// actually applied to the balance; RequestedPoints keeps what the caller asked
// for (they differ only when a debit hits the zero floor).
type PointsActivity struct {
	ID              uuid.UUID    `json:"id"`
	CardID          uuid.UUID    `json:"card_id"`
	Type            ActivityType `json:"type"`
	Points          int64        `json:"points"`
	RequestedPoints int64        `json:"requested_points"`
	Source          PointsSource `json:"source"`
	Description     string       `json:"description"`
	TransactionRef  string       `json:"transaction_ref"`
	Strategy        string       `json:"strategy"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Signed returns the entry's contribution to the card balance.
func (a PointsActivity) Signed() int64 {
	if a.Type == ActivityDebit {
		return -a.Points
	}
	return a.Points
}

// PointsSource names where a ledger movement came from.
type PointsSource string

const (
	SourceScan         PointsSource = "SCAN"
	SourcePurchase     PointsSource = "PURCHASE"
	SourceProgramBonus PointsSource = "PROGRAM_BONUS"
	SourceReferral     PointsSource = "REFERRAL"
	SourceManual       PointsSource = "MANUAL"
	SourceRedemption   PointsSource = "REDEMPTION"
	SourceAdjustment   PointsSource = "ADJUSTMENT"
)

// NormalizeSource upper-cases and trims a caller-supplied source, defaulting to MANUAL.
func NormalizeSource(raw string) PointsSource {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return SourceManual
	}
	return PointsSource(s)
}

// ProgramScoped reports whether the source only makes sense for a customer
// holding an ACTIVE enrollment in the card's program.
func (s PointsSource) ProgramScoped() bool {
	switch s {
	case SourceScan, SourcePurchase, SourceProgramBonus, SourceReferral:
		return true
	default:
		return false
	}
}

// ApplyCredit returns the balance after crediting points.
func ApplyCredit(prior, points int64) int64 {
	return prior + points
}

// ApplyDebit returns the balance after debiting points and the magnitude actually
// removed. The balance never drops below zero.
func ApplyDebit(prior, points int64) (balance int64, applied int64) {
	if points >= prior {
		return 0, prior
	}
	return prior - points, points
}

// LedgerRequest is the input for award/deduct. Either CardID or the
// (CustomerID, BusinessID, ProgramID) triple identifies the card.
type LedgerRequest struct {
	CardID      *uuid.UUID   `json:"card_id,omitempty"`
	CustomerID  *uuid.UUID   `json:"customer_id,omitempty"`
	BusinessID  *uuid.UUID   `json:"business_id,omitempty"`
	ProgramID   *uuid.UUID   `json:"program_id,omitempty"`
	Points      int64        `json:"points"`
	Source      PointsSource `json:"source"`
	Description string       `json:"description"`
	Ref         string       `json:"ref"`
}

// LedgerResult is returned by award/deduct.
type LedgerResult struct {
	Success    bool      `json:"success"`
	CardID     uuid.UUID `json:"card_id"`
	NewBalance *int64    `json:"new_balance,omitempty"`
	Applied    int64     `json:"applied"`
	Duplicate  bool      `json:"duplicate,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	ErrorCode  ErrorCode `json:"error_code,omitempty"`
}
