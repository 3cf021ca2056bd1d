package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loyalty/loyalty-service/internal/domain"
)

const testExchange = "loyalty_events"

type publishedMessage struct {
	exchange   string
	routingKey string
	body       []byte
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	p.messages = append(p.messages, publishedMessage{exchange: exchange, routingKey: routingKey, body: raw})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) byKey(routingKey string) []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedMessage
	for _, m := range p.messages {
		if m.routingKey == routingKey {
			out = append(out, m)
		}
	}
	return out
}

type testEngine struct {
	store     *memStore
	publisher *recordingPublisher
	cards     *CardProvisioner
	notifier  *NotificationDispatcher
	processor *EnrollmentProcessor
	ledger    *PointsLedger
	auditor   *ConsistencyAuditor
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	return newTestEngineWithLimiter(t, nil)
}

func newTestEngineWithLimiter(t *testing.T, limiter RateLimiter) *testEngine {
	t.Helper()
	logger := discardLogger()
	st := newMemStore()
	pub := &recordingPublisher{}

	cards := NewCardProvisioner(5, logger)
	notifier := NewNotificationDispatcher(st, pub, testExchange, logger)
	processor := NewEnrollmentProcessor(st, cards, notifier, pub, ProcessorConfig{EventsExchange: testExchange}, logger)
	ledger := NewPointsLedger(st, notifier, pub, limiter, LedgerConfig{EventsExchange: testExchange}, logger)
	auditor := NewConsistencyAuditor(st, cards, ledger, notifier, pub, testExchange, logger)

	return &testEngine{
		store:     st,
		publisher: pub,
		cards:     cards,
		notifier:  notifier,
		processor: processor,
		ledger:    ledger,
		auditor:   auditor,
	}
}

type fixture struct {
	customerID uuid.UUID
	businessID uuid.UUID
	programID  uuid.UUID
}

func newFixture() fixture {
	return fixture{customerID: uuid.New(), businessID: uuid.New(), programID: uuid.New()}
}

func (f fixture) invite() domain.InviteRequest {
	return domain.InviteRequest{CustomerID: f.customerID, BusinessID: f.businessID, ProgramID: f.programID}
}

// seedRequest stores a PENDING request expiring at expiresAt.
func (e *testEngine) seedRequest(f fixture, expiresAt time.Time) domain.ApprovalRequest {
	req := domain.ApprovalRequest{
		ID:          uuid.New(),
		CustomerID:  f.customerID,
		BusinessID:  f.businessID,
		ProgramID:   f.programID,
		Status:      domain.ApprovalPending,
		RequestedAt: expiresAt.Add(-domain.DefaultApprovalExpiry),
		ExpiresAt:   expiresAt,
	}
	e.store.seed(func(st *memState) { st.requests[req.ID] = req })
	return req
}

// seedCard stores an active card whose history sums to points. When enrolled
// is set an ACTIVE enrollment mirrors the balance.
func (e *testEngine) seedCard(f fixture, points int64, enrolled bool) domain.LoyaltyCard {
	now := time.Now().UTC()
	card := domain.LoyaltyCard{
		ID:         uuid.New(),
		CustomerID: f.customerID,
		BusinessID: f.businessID,
		ProgramID:  f.programID,
		CardNumber: "LC-SEED-" + uuid.NewString()[:8],
		Points:     points,
		Tier:       domain.DefaultCardTier,
		Status:     domain.CardActive,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	e.store.seed(func(st *memState) {
		st.cards[card.ID] = card
		if points > 0 {
			ref := "seed:" + card.ID.String()
			st.activity[ref] = domain.PointsActivity{
				ID:              uuid.New(),
				CardID:          card.ID,
				Type:            domain.ActivityCredit,
				Points:          points,
				RequestedPoints: points,
				Source:          domain.SourceManual,
				TransactionRef:  ref,
				Strategy:        strategyEnrollmentAware,
				CreatedAt:       now,
			}
		}
		if enrolled {
			st.enrollments[pairKey{f.customerID, f.programID}] = domain.Enrollment{
				ID:            uuid.New(),
				CustomerID:    f.customerID,
				ProgramID:     f.programID,
				BusinessID:    f.businessID,
				Status:        domain.EnrollmentActive,
				CurrentPoints: points,
				EnrolledAt:    now,
			}
		}
	})
	return card
}

func notificationsFor(st *memState, recipientID uuid.UUID) []domain.Notification {
	var out []domain.Notification
	for _, n := range st.notifications {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	return out
}

func countType(items []domain.Notification, typ domain.NotificationType) int {
	n := 0
	for _, item := range items {
		if item.Type == typ {
			n++
		}
	}
	return n
}
