package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loyalty/loyalty-service/internal/domain"
)

func inviteAndGet(t *testing.T, e *testEngine, f fixture) *domain.ApprovalRequest {
	t.Helper()
	req, err := e.processor.InviteCustomer(context.Background(), f.invite())
	if err != nil {
		t.Fatalf("invite failed: %v", err)
	}
	if req.NotificationID == nil {
		t.Fatal("expected invite to attach its notification")
	}
	return req
}

func TestProcessApproval_ApproveCreatesEnrollmentCardAndNotifications(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture()
	req := inviteAndGet(t, e, f)

	result, err := e.processor.ProcessApproval(context.Background(), req.ID, true)
	if err != nil {
		t.Fatalf("expected approval to succeed, got %v", err)
	}
	if result.Status != domain.ApprovalApproved || result.ErrorCode != "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.CardID == nil || result.EnrollmentID == nil {
		t.Fatalf("expected card and enrollment ids, got %+v", result)
	}

	st := e.store.snapshot()

	stored := st.requests[req.ID]
	if stored.Status != domain.ApprovalApproved || stored.RespondedAt == nil {
		t.Fatalf("expected request APPROVED with responded_at, got %+v", stored)
	}

	origin := st.notifications[*req.NotificationID]
	if !origin.ActionTaken || origin.Status != domain.NotificationActioned {
		t.Fatalf("expected origin notification resolved, got %+v", origin)
	}

	enrollment, ok := st.enrollments[pairKey{f.customerID, f.programID}]
	if !ok || enrollment.Status != domain.EnrollmentActive {
		t.Fatalf("expected ACTIVE enrollment, got %+v", enrollment)
	}
	if !st.relationships[[2]uuid.UUID{f.customerID, f.businessID}] {
		t.Fatal("expected customer-business relationship")
	}

	cards := activeCards(st, f.customerID, f.programID)
	if len(cards) != 1 {
		t.Fatalf("expected exactly one active card, got %d", len(cards))
	}
	if cards[0].ID != *result.CardID || cards[0].Points != 0 {
		t.Fatalf("unexpected card: %+v", cards[0])
	}
	if len(cards[0].CardNumber) < 4 || cards[0].CardNumber[:3] != "LC-" {
		t.Fatalf("unexpected card number %q", cards[0].CardNumber)
	}

	business := notificationsFor(st, f.businessID)
	if countType(business, domain.NotifyCustomerJoined) != 1 {
		t.Fatalf("expected one CUSTOMER_JOINED for the business, got %+v", business)
	}
	customer := notificationsFor(st, f.customerID)
	if countType(customer, domain.NotifyEnrollmentAccepted) != 1 || countType(customer, domain.NotifyCardCreated) != 1 {
		t.Fatalf("expected ENROLLMENT_ACCEPTED and CARD_CREATED for the customer, got %+v", customer)
	}

	events := e.publisher.byKey(domain.EventEnrollmentApproved)
	if len(events) != 1 {
		t.Fatalf("expected one approval event, got %d", len(events))
	}
	var evt domain.EnrollmentEvent
	if err := json.Unmarshal(events[0].body, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.CardID == nil || *evt.CardID != *result.CardID {
		t.Fatalf("expected event to carry card id, got %+v", evt)
	}
}

func TestProcessApproval_RepeatCallsAreIdempotent(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture()
	req := inviteAndGet(t, e, f)

	first, err := e.processor.ProcessApproval(context.Background(), req.ID, true)
	if err != nil {
		t.Fatalf("first approval failed: %v", err)
	}
	writes := e.store.writeCount()
	events := len(e.publisher.byKey(domain.EventEnrollmentApproved))

	for _, approved := range []bool{true, false} {
		again, err := e.processor.ProcessApproval(context.Background(), req.ID, approved)
		if err != nil {
			t.Fatalf("repeat call (approved=%v) returned error: %v", approved, err)
		}
		if again.ErrorCode != domain.CodeAlreadyProcessed {
			t.Fatalf("expected ALREADY_PROCESSED, got %+v", again)
		}
		if again.Status != domain.ApprovalApproved {
			t.Fatalf("expected the original APPROVED status, got %s", again.Status)
		}
		if again.CardID == nil || *again.CardID != *first.CardID {
			t.Fatalf("expected the original card id, got %+v", again)
		}
	}

	if got := e.store.writeCount(); got != writes {
		t.Fatalf("expected no writes on repeat calls, got %d extra", got-writes)
	}
	if got := len(e.publisher.byKey(domain.EventEnrollmentApproved)); got != events {
		t.Fatalf("expected no extra events, got %d", got-events)
	}
	if cards := activeCards(e.store.snapshot(), f.customerID, f.programID); len(cards) != 1 {
		t.Fatalf("expected one card after repeats, got %d", len(cards))
	}
}

func TestProcessApproval_DeclineCreatesNoEnrollment(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture()
	req := inviteAndGet(t, e, f)

	result, err := e.processor.ProcessApproval(context.Background(), req.ID, false)
	if err != nil {
		t.Fatalf("expected decline to succeed, got %v", err)
	}
	if result.Status != domain.ApprovalRejected || result.CardID != nil {
		t.Fatalf("unexpected result: %+v", result)
	}

	st := e.store.snapshot()
	if st.requests[req.ID].Status != domain.ApprovalRejected {
		t.Fatalf("expected REJECTED request, got %s", st.requests[req.ID].Status)
	}
	if len(st.enrollments) != 0 || len(st.cards) != 0 {
		t.Fatalf("expected no enrollment or card, got %d enrollments %d cards", len(st.enrollments), len(st.cards))
	}
	if countType(notificationsFor(st, f.customerID), domain.NotifyEnrollmentRejected) != 1 {
		t.Fatal("expected ENROLLMENT_REJECTED for the customer")
	}
	if countType(notificationsFor(st, f.businessID), domain.NotifyCustomerDeclined) != 1 {
		t.Fatal("expected CUSTOMER_DECLINED for the business")
	}
	if len(e.publisher.byKey(domain.EventEnrollmentRejected)) != 1 {
		t.Fatal("expected a rejection event")
	}
}

func TestProcessApproval_ExpiredRequestIsRejected(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture()
	req := e.seedRequest(f, time.Now().UTC().Add(-time.Hour))

	result, err := e.processor.ProcessApproval(context.Background(), req.ID, true)
	if err != nil {
		t.Fatalf("expected nil error for expiry, got %v", err)
	}
	if result.ErrorCode != domain.CodeRequestExpired || result.Status != domain.ApprovalRejected {
		t.Fatalf("unexpected result: %+v", result)
	}

	st := e.store.snapshot()
	if st.requests[req.ID].Status != domain.ApprovalRejected {
		t.Fatal("expected request to be REJECTED")
	}
	if len(st.cards) != 0 || len(st.enrollments) != 0 {
		t.Fatal("expected no card or enrollment for an expired request")
	}
	if countType(notificationsFor(st, f.customerID), domain.NotifyEnrollmentExpired) != 1 ||
		countType(notificationsFor(st, f.businessID), domain.NotifyEnrollmentExpired) != 1 {
		t.Fatal("expected ENROLLMENT_EXPIRED for both parties")
	}
	if len(e.publisher.byKey(domain.EventEnrollmentExpired)) != 1 {
		t.Fatal("expected an expiry event")
	}

	again, err := e.processor.ProcessApproval(context.Background(), req.ID, true)
	if err != nil || again.ErrorCode != domain.CodeAlreadyProcessed {
		t.Fatalf("expected ALREADY_PROCESSED after expiry, got %+v, %v", again, err)
	}
}

func TestProcessApproval_UnknownRequest(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.processor.ProcessApproval(context.Background(), uuid.New(), true)
	if result != nil {
		t.Fatalf("expected nil result, got %+v", result)
	}
	if !errors.Is(err, domain.CodeRequestNotFound) {
		t.Fatalf("expected REQUEST_NOT_FOUND, got %v", err)
	}
}

func TestProcessApproval_CardFailureRollsBackEveryWrite(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture()
	req := inviteAndGet(t, e, f)
	e.store.failNext("InsertCard", errors.New("disk full"))

	_, err := e.processor.ProcessApproval(context.Background(), req.ID, true)
	if !errors.Is(err, domain.CodeCardCreationFailed) {
		t.Fatalf("expected CARD_CREATION_FAILED, got %v", err)
	}
	if !domain.CodeOf(err).Transient() {
		t.Fatal("expected card creation failure to be retryable")
	}

	st := e.store.snapshot()
	if st.requests[req.ID].Status != domain.ApprovalPending {
		t.Fatalf("expected request to stay PENDING, got %s", st.requests[req.ID].Status)
	}
	if len(st.enrollments) != 0 || len(st.cards) != 0 {
		t.Fatal("expected no enrollment or card after rollback")
	}
	if st.notifications[*req.NotificationID].Status != domain.NotificationPendingAction {
		t.Fatal("expected origin notification to stay PENDING_ACTION")
	}

	result, err := e.processor.ProcessApproval(context.Background(), req.ID, true)
	if err != nil || result.Status != domain.ApprovalApproved {
		t.Fatalf("expected retry to succeed, got %+v, %v", result, err)
	}
}

func TestProcessApproval_EnrollmentFailureCode(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture()
	req := inviteAndGet(t, e, f)
	e.store.failNext("UpsertActiveEnrollment", errors.New("constraint trouble"))

	_, err := e.processor.ProcessApproval(context.Background(), req.ID, true)
	if !errors.Is(err, domain.CodeEnrollmentCreationFailed) {
		t.Fatalf("expected ENROLLMENT_CREATION_FAILED, got %v", err)
	}
	if e.store.snapshot().requests[req.ID].Status != domain.ApprovalPending {
		t.Fatal("expected request to stay PENDING")
	}
}

func TestProcessApproval_NotificationFailureIsNonFatal(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture()
	req := inviteAndGet(t, e, f)
	e.store.failNext("InsertNotification", errors.New("notifications table locked"))

	result, err := e.processor.ProcessApproval(context.Background(), req.ID, true)
	if err != nil {
		t.Fatalf("expected approval to succeed despite notification failure, got %v", err)
	}
	if result.Status != domain.ApprovalApproved || result.CardID == nil {
		t.Fatalf("unexpected result: %+v", result)
	}

	st := e.store.snapshot()
	if countType(notificationsFor(st, f.businessID), domain.NotifyCustomerJoined) != 0 {
		t.Fatal("expected the failed CUSTOMER_JOINED to be missing")
	}
	if countType(notificationsFor(st, f.customerID), domain.NotifyCardCreated) != 1 {
		t.Fatal("expected remaining notifications to be written")
	}

	retries := e.publisher.byKey(domain.EventNotificationRetry)
	if len(retries) != 1 {
		t.Fatalf("expected one re-queued notification, got %d", len(retries))
	}
	var msg domain.NotificationRetry
	if err := json.Unmarshal(retries[0].body, &msg); err != nil {
		t.Fatalf("decode retry: %v", err)
	}
	if msg.Attempt != 1 || msg.Input.Type != domain.NotifyCustomerJoined || msg.Input.DedupeKey == "" {
		t.Fatalf("unexpected retry payload: %+v", msg)
	}
}

func TestProcessApproval_MissingOriginNotificationIsTolerated(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture()
	req := e.seedRequest(f, time.Now().UTC().Add(time.Hour))
	ghost := uuid.New()
	e.store.seed(func(st *memState) {
		r := st.requests[req.ID]
		r.NotificationID = &ghost
		st.requests[req.ID] = r
	})

	result, err := e.processor.ProcessApproval(context.Background(), req.ID, true)
	if err != nil || result.Status != domain.ApprovalApproved {
		t.Fatalf("expected approval despite missing notification, got %+v, %v", result, err)
	}
}

func TestProcessApproval_ConcurrentSubmissionsApplyOnce(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture()
	req := inviteAndGet(t, e, f)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		cardIDs = map[uuid.UUID]bool{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := e.processor.ProcessApproval(context.Background(), req.ID, true)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if result.ErrorCode == "" {
				applied++
			}
			if result.CardID != nil {
				cardIDs[*result.CardID] = true
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("expected exactly one applied decision, got %d", applied)
	}
	if len(cardIDs) != 1 {
		t.Fatalf("expected every caller to see the same card, got %d ids", len(cardIDs))
	}
	if cards := activeCards(e.store.snapshot(), f.customerID, f.programID); len(cards) != 1 {
		t.Fatalf("expected one active card, got %d", len(cards))
	}
}

func TestInviteCustomer_ReturnsLivePendingRequest(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture()
	first := inviteAndGet(t, e, f)

	second, err := e.processor.InviteCustomer(context.Background(), f.invite())
	if err != nil {
		t.Fatalf("second invite failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the live request %s, got %s", first.ID, second.ID)
	}
	if n := countType(notificationsFor(e.store.snapshot(), f.customerID), domain.NotifyEnrollmentRequest); n != 1 {
		t.Fatalf("expected one ENROLLMENT_REQUEST, got %d", n)
	}
}

func TestInviteCustomer_ReplacesStalePendingRequest(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture()
	stale := e.seedRequest(f, time.Now().UTC().Add(-time.Minute))

	fresh, err := e.processor.InviteCustomer(context.Background(), f.invite())
	if err != nil {
		t.Fatalf("invite failed: %v", err)
	}
	if fresh.ID == stale.ID || fresh.Status != domain.ApprovalPending {
		t.Fatalf("expected a new PENDING request, got %+v", fresh)
	}
	if got := e.store.snapshot().requests[stale.ID].Status; got != domain.ApprovalRejected {
		t.Fatalf("expected stale request REJECTED, got %s", got)
	}
}

func TestInviteCustomer_AlreadyEnrolled(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture()
	e.seedCard(f, 0, true)

	_, err := e.processor.InviteCustomer(context.Background(), f.invite())
	if !errors.Is(err, domain.CodeAlreadyEnrolled) {
		t.Fatalf("expected ALREADY_ENROLLED, got %v", err)
	}
}

func TestInviteCustomer_RequiresIdentifiers(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.processor.InviteCustomer(context.Background(), domain.InviteRequest{CustomerID: uuid.New()})
	if !errors.Is(err, domain.CodeInvalidRequest) {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestGetApprovalRequest_ExpiresStaleRequest(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture()
	req := e.seedRequest(f, time.Now().UTC().Add(-time.Second))

	got, err := e.processor.GetApprovalRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != domain.ApprovalRejected {
		t.Fatalf("expected REJECTED, got %s", got.Status)
	}
	if e.store.snapshot().requests[req.ID].Status != domain.ApprovalRejected {
		t.Fatal("expected expiry to be persisted")
	}
}

func TestExpireStaleRequests_RejectsOnlyExpired(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()
	var expired []domain.ApprovalRequest
	for i := 0; i < 3; i++ {
		expired = append(expired, e.seedRequest(newFixture(), now.Add(-time.Duration(i+1)*time.Hour)))
	}
	live := e.seedRequest(newFixture(), now.Add(time.Hour))

	n, err := e.processor.ExpireStaleRequests(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != len(expired) {
		t.Fatalf("expected %d expired, got %d", len(expired), n)
	}

	st := e.store.snapshot()
	for _, req := range expired {
		if st.requests[req.ID].Status != domain.ApprovalRejected {
			t.Fatalf("expected %s REJECTED", req.ID)
		}
	}
	if st.requests[live.ID].Status != domain.ApprovalPending {
		t.Fatal("expected live request to stay PENDING")
	}
}
