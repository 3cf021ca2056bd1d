package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/loyalty/loyalty-service/internal/domain"
	"github.com/loyalty/loyalty-service/internal/store"
)

// memStore is an in-memory store.Store with real transaction semantics:
// transactions are serialized, run on a copy of the state and publish it
// only on commit. Pool-level calls autocommit. Calling a pool-level method
// from inside RunInTx deadlocks, exactly as it would exhaust a one-conn pool.
type memStore struct {
	*memQueries

	txLock sync.Mutex
	state  *memState

	mu     sync.Mutex
	faults map[string][]error
	writes map[string]int
	calls  map[string]int
}

type pairKey struct {
	customerID uuid.UUID
	programID  uuid.UUID
}

type memState struct {
	requests      map[uuid.UUID]domain.ApprovalRequest
	notifications map[uuid.UUID]domain.Notification
	dedupe        map[string]uuid.UUID
	enrollments   map[pairKey]domain.Enrollment
	relationships map[[2]uuid.UUID]bool
	cards         map[uuid.UUID]domain.LoyaltyCard
	activity      map[string]domain.PointsActivity
	repairs       []domain.ConsistencyRepair
}

func newMemState() *memState {
	return &memState{
		requests:      map[uuid.UUID]domain.ApprovalRequest{},
		notifications: map[uuid.UUID]domain.Notification{},
		dedupe:        map[string]uuid.UUID{},
		enrollments:   map[pairKey]domain.Enrollment{},
		relationships: map[[2]uuid.UUID]bool{},
		cards:         map[uuid.UUID]domain.LoyaltyCard{},
		activity:      map[string]domain.PointsActivity{},
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.notifications {
		c.notifications[k] = v
	}
	for k, v := range s.dedupe {
		c.dedupe[k] = v
	}
	for k, v := range s.enrollments {
		c.enrollments[k] = v
	}
	for k, v := range s.relationships {
		c.relationships[k] = v
	}
	for k, v := range s.cards {
		c.cards[k] = v
	}
	for k, v := range s.activity {
		c.activity[k] = v
	}
	c.repairs = append([]domain.ConsistencyRepair(nil), s.repairs...)
	return c
}

func newMemStore() *memStore {
	s := &memStore{
		state:  newMemState(),
		faults: map[string][]error{},
		writes: map[string]int{},
		calls:  map[string]int{},
	}
	s.memQueries = &memQueries{s: s}
	return s
}

// failNext queues errors returned by the next calls of method, one per call.
func (s *memStore) failNext(method string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method] = append(s.faults[method], errs...)
}

func (s *memStore) fault(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	queue := s.faults[method]
	if len(queue) == 0 {
		return nil
	}
	s.faults[method] = queue[1:]
	return queue[0]
}

func (s *memStore) wrote(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[method]++
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.writes {
		total += n
	}
	return total
}

func (s *memStore) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// snapshot returns a copy of the committed state.
func (s *memStore) snapshot() *memState {
	s.txLock.Lock()
	defer s.txLock.Unlock()
	return s.state.clone()
}

// seed mutates committed state directly, bypassing constraints.
func (s *memStore) seed(fn func(st *memState)) {
	s.txLock.Lock()
	defer s.txLock.Unlock()
	fn(s.state)
}

func (s *memStore) RunInTx(ctx context.Context, fn func(store.Queries) error) error {
	s.txLock.Lock()
	defer s.txLock.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fault("RunInTx"); err != nil {
		return err
	}
	tx := &memQueries{s: s, st: s.state.clone(), tx: true}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

type memQueries struct {
	s  *memStore
	st *memState
	tx bool
}

func (q *memQueries) enter(method string) (*memState, func(), error) {
	if err := q.s.fault(method); err != nil {
		return nil, nil, err
	}
	if q.tx {
		return q.st, func() {}, nil
	}
	q.s.txLock.Lock()
	return q.s.state, q.s.txLock.Unlock, nil
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint}
}

func (q *memQueries) Savepoint(ctx context.Context, fn func(store.Queries) error) error {
	st, done, err := q.enter("Savepoint")
	if err != nil {
		return err
	}
	defer done()
	child := &memQueries{s: q.s, st: st.clone(), tx: true}
	if err := fn(child); err != nil {
		return err
	}
	*st = *child.st
	return nil
}

// ─── Approval requests ──────────────────────────────────────────────────────

func (q *memQueries) GetApprovalRequest(ctx context.Context, id uuid.UUID) (*domain.ApprovalRequest, error) {
	st, done, err := q.enter("GetApprovalRequest")
	if err != nil {
		return nil, err
	}
	defer done()
	req, ok := st.requests[id]
	if !ok {
		return nil, store.ErrApprovalRequestNotFound
	}
	return &req, nil
}

func (q *memQueries) LockApprovalRequest(ctx context.Context, id uuid.UUID) (*domain.ApprovalRequest, error) {
	st, done, err := q.enter("LockApprovalRequest")
	if err != nil {
		return nil, err
	}
	defer done()
	req, ok := st.requests[id]
	if !ok {
		return nil, store.ErrApprovalRequestNotFound
	}
	return &req, nil
}

func (q *memQueries) FindPendingApprovalRequest(ctx context.Context, customerID, programID uuid.UUID) (*domain.ApprovalRequest, error) {
	st, done, err := q.enter("FindPendingApprovalRequest")
	if err != nil {
		return nil, err
	}
	defer done()
	for _, req := range st.requests {
		if req.CustomerID == customerID && req.ProgramID == programID && req.Status == domain.ApprovalPending {
			found := req
			return &found, nil
		}
	}
	return nil, store.ErrApprovalRequestNotFound
}

func (q *memQueries) CreateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error {
	st, done, err := q.enter("CreateApprovalRequest")
	if err != nil {
		return err
	}
	defer done()
	for _, existing := range st.requests {
		if existing.CustomerID == req.CustomerID && existing.ProgramID == req.ProgramID &&
			existing.Status == domain.ApprovalPending && req.Status == domain.ApprovalPending {
			return uniqueViolation(store.ConstraintOnePendingRequest)
		}
	}
	q.s.wrote("CreateApprovalRequest")
	st.requests[req.ID] = *req
	return nil
}

func (q *memQueries) AttachApprovalNotification(ctx context.Context, requestID, notificationID uuid.UUID) error {
	st, done, err := q.enter("AttachApprovalNotification")
	if err != nil {
		return err
	}
	defer done()
	req, ok := st.requests[requestID]
	if !ok {
		return store.ErrApprovalRequestNotFound
	}
	q.s.wrote("AttachApprovalNotification")
	req.NotificationID = &notificationID
	st.requests[requestID] = req
	return nil
}

func (q *memQueries) UpdateApprovalRequestStatus(ctx context.Context, requestID uuid.UUID, status domain.ApprovalStatus, respondedAt time.Time) error {
	st, done, err := q.enter("UpdateApprovalRequestStatus")
	if err != nil {
		return err
	}
	defer done()
	req, ok := st.requests[requestID]
	if !ok {
		return store.ErrApprovalRequestNotFound
	}
	if req.Status != domain.ApprovalPending {
		return store.ErrApprovalRequestNotPending
	}
	q.s.wrote("UpdateApprovalRequestStatus")
	req.Status = status
	req.RespondedAt = &respondedAt
	st.requests[requestID] = req
	return nil
}

func (q *memQueries) ListExpiredApprovalRequests(ctx context.Context, now time.Time, limit int) ([]domain.ApprovalRequest, error) {
	st, done, err := q.enter("ListExpiredApprovalRequests")
	if err != nil {
		return nil, err
	}
	defer done()
	var out []domain.ApprovalRequest
	for _, req := range st.requests {
		if req.ExpiredAt(now) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ─── Notifications ──────────────────────────────────────────────────────────

func (q *memQueries) InsertNotification(ctx context.Context, item *domain.Notification) (bool, error) {
	st, done, err := q.enter("InsertNotification")
	if err != nil {
		return false, err
	}
	defer done()
	if item.DedupeKey != nil {
		if existing, ok := st.dedupe[*item.DedupeKey]; ok {
			item.ID = existing
			return false, nil
		}
		st.dedupe[*item.DedupeKey] = item.ID
	}
	q.s.wrote("InsertNotification")
	st.notifications[item.ID] = *item
	return true, nil
}

func (q *memQueries) ResolveNotification(ctx context.Context, id uuid.UUID) error {
	st, done, err := q.enter("ResolveNotification")
	if err != nil {
		return err
	}
	defer done()
	n, ok := st.notifications[id]
	if !ok {
		return store.ErrNotificationNotFound
	}
	q.s.wrote("ResolveNotification")
	now := time.Now().UTC()
	n.ActionTaken = true
	n.IsRead = true
	n.Status = domain.NotificationActioned
	n.ReadAt = &now
	st.notifications[id] = n
	return nil
}

func (q *memQueries) ListNotifications(ctx context.Context, recipientID uuid.UUID, opts domain.NotificationListOptions) ([]domain.Notification, error) {
	st, done, err := q.enter("ListNotifications")
	if err != nil {
		return nil, err
	}
	defer done()
	var out []domain.Notification
	for _, n := range st.notifications {
		if n.RecipientID != recipientID || (opts.UnreadOnly && n.IsRead) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (q *memQueries) MarkNotificationRead(ctx context.Context, recipientID, notificationID uuid.UUID) (bool, error) {
	st, done, err := q.enter("MarkNotificationRead")
	if err != nil {
		return false, err
	}
	defer done()
	n, ok := st.notifications[notificationID]
	if !ok || n.RecipientID != recipientID {
		return false, nil
	}
	q.s.wrote("MarkNotificationRead")
	n.IsRead = true
	if n.Status == domain.NotificationDelivered || n.Status == domain.NotificationActioned {
		n.Status = domain.NotificationRead
	}
	if n.ReadAt == nil {
		now := time.Now().UTC()
		n.ReadAt = &now
	}
	st.notifications[notificationID] = n
	return true, nil
}

// ─── Enrollments ────────────────────────────────────────────────────────────

func (q *memQueries) GetEnrollment(ctx context.Context, customerID, programID uuid.UUID) (*domain.Enrollment, error) {
	st, done, err := q.enter("GetEnrollment")
	if err != nil {
		return nil, err
	}
	defer done()
	e, ok := st.enrollments[pairKey{customerID, programID}]
	if !ok {
		return nil, store.ErrEnrollmentNotFound
	}
	return &e, nil
}

func (q *memQueries) LockEnrollment(ctx context.Context, customerID, programID uuid.UUID) (*domain.Enrollment, error) {
	st, done, err := q.enter("LockEnrollment")
	if err != nil {
		return nil, err
	}
	defer done()
	e, ok := st.enrollments[pairKey{customerID, programID}]
	if !ok {
		return nil, store.ErrEnrollmentNotFound
	}
	return &e, nil
}

func (q *memQueries) UpsertActiveEnrollment(ctx context.Context, customerID, programID, businessID uuid.UUID) (*domain.Enrollment, error) {
	st, done, err := q.enter("UpsertActiveEnrollment")
	if err != nil {
		return nil, err
	}
	defer done()
	q.s.wrote("UpsertActiveEnrollment")
	key := pairKey{customerID, programID}
	e, ok := st.enrollments[key]
	if !ok {
		e = domain.Enrollment{
			ID:         uuid.New(),
			CustomerID: customerID,
			ProgramID:  programID,
			EnrolledAt: time.Now().UTC(),
		}
	}
	e.BusinessID = businessID
	e.Status = domain.EnrollmentActive
	st.enrollments[key] = e
	return &e, nil
}

func (q *memQueries) UpdateEnrollmentPoints(ctx context.Context, customerID, programID uuid.UUID, points int64, at time.Time) error {
	st, done, err := q.enter("UpdateEnrollmentPoints")
	if err != nil {
		return err
	}
	defer done()
	key := pairKey{customerID, programID}
	e, ok := st.enrollments[key]
	if !ok {
		return nil
	}
	q.s.wrote("UpdateEnrollmentPoints")
	e.CurrentPoints = points
	e.LastActivity = &at
	st.enrollments[key] = e
	return nil
}

func (q *memQueries) EnsureRelationship(ctx context.Context, customerID, businessID uuid.UUID) error {
	st, done, err := q.enter("EnsureRelationship")
	if err != nil {
		return err
	}
	defer done()
	key := [2]uuid.UUID{customerID, businessID}
	if !st.relationships[key] {
		q.s.wrote("EnsureRelationship")
		st.relationships[key] = true
	}
	return nil
}

// ─── Cards ──────────────────────────────────────────────────────────────────

func activeCards(st *memState, customerID, programID uuid.UUID) []domain.LoyaltyCard {
	var out []domain.LoyaltyCard
	for _, c := range st.cards {
		if c.CustomerID == customerID && c.ProgramID == programID && c.Usable() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (q *memQueries) GetCard(ctx context.Context, cardID uuid.UUID) (*domain.LoyaltyCard, error) {
	st, done, err := q.enter("GetCard")
	if err != nil {
		return nil, err
	}
	defer done()
	c, ok := st.cards[cardID]
	if !ok {
		return nil, store.ErrCardNotFound
	}
	return &c, nil
}

func (q *memQueries) LockCard(ctx context.Context, cardID uuid.UUID) (*domain.LoyaltyCard, error) {
	st, done, err := q.enter("LockCard")
	if err != nil {
		return nil, err
	}
	defer done()
	c, ok := st.cards[cardID]
	if !ok {
		return nil, store.ErrCardNotFound
	}
	return &c, nil
}

func (q *memQueries) FindActiveCard(ctx context.Context, customerID, programID uuid.UUID) (*domain.LoyaltyCard, error) {
	st, done, err := q.enter("FindActiveCard")
	if err != nil {
		return nil, err
	}
	defer done()
	cards := activeCards(st, customerID, programID)
	if len(cards) == 0 {
		return nil, store.ErrCardNotFound
	}
	return &cards[0], nil
}

func (q *memQueries) ListActiveCards(ctx context.Context, customerID, programID uuid.UUID) ([]domain.LoyaltyCard, error) {
	st, done, err := q.enter("ListActiveCards")
	if err != nil {
		return nil, err
	}
	defer done()
	return activeCards(st, customerID, programID), nil
}

func (q *memQueries) InsertCard(ctx context.Context, card *domain.LoyaltyCard) error {
	st, done, err := q.enter("InsertCard")
	if err != nil {
		return err
	}
	defer done()
	for _, c := range st.cards {
		if c.CardNumber == card.CardNumber {
			return uniqueViolation(store.ConstraintCardNumber)
		}
	}
	if card.Usable() && len(activeCards(st, card.CustomerID, card.ProgramID)) > 0 {
		return uniqueViolation(store.ConstraintOneActiveCard)
	}
	q.s.wrote("InsertCard")
	st.cards[card.ID] = *card
	return nil
}

func (q *memQueries) DeactivateCards(ctx context.Context, cardIDs []uuid.UUID) (int64, error) {
	st, done, err := q.enter("DeactivateCards")
	if err != nil {
		return 0, err
	}
	defer done()
	var n int64
	for _, id := range cardIDs {
		c, ok := st.cards[id]
		if !ok || !c.IsActive {
			continue
		}
		c.IsActive = false
		c.Status = domain.CardInactive
		st.cards[id] = c
		n++
	}
	if n > 0 {
		q.s.wrote("DeactivateCards")
	}
	return n, nil
}

func (q *memQueries) SetCardPoints(ctx context.Context, cardID uuid.UUID, points int64) error {
	st, done, err := q.enter("SetCardPoints")
	if err != nil {
		return err
	}
	defer done()
	if points < 0 {
		return errors.New("negative balance")
	}
	c, ok := st.cards[cardID]
	if !ok {
		return store.ErrCardNotFound
	}
	q.s.wrote("SetCardPoints")
	c.Points = points
	st.cards[cardID] = c
	return nil
}

func (q *memQueries) AdjustCardPointsAtomic(ctx context.Context, cardID uuid.UUID, delta int64) (int64, int64, error) {
	st, done, err := q.enter("AdjustCardPointsAtomic")
	if err != nil {
		return 0, 0, err
	}
	defer done()
	c, ok := st.cards[cardID]
	if !ok {
		return 0, 0, store.ErrCardNotFound
	}
	q.s.wrote("AdjustCardPointsAtomic")
	prior := c.Points
	c.Points = prior + delta
	if c.Points < 0 {
		c.Points = 0
	}
	st.cards[cardID] = c
	applied := c.Points - prior
	if applied < 0 {
		applied = -applied
	}
	return c.Points, applied, nil
}

// ─── Activity ───────────────────────────────────────────────────────────────

func (q *memQueries) FindActivityByRef(ctx context.Context, ref string) (*domain.PointsActivity, error) {
	st, done, err := q.enter("FindActivityByRef")
	if err != nil {
		return nil, err
	}
	defer done()
	a, ok := st.activity[ref]
	if !ok {
		return nil, store.ErrActivityNotFound
	}
	return &a, nil
}

func (q *memQueries) InsertActivity(ctx context.Context, activity *domain.PointsActivity) error {
	st, done, err := q.enter("InsertActivity")
	if err != nil {
		return err
	}
	defer done()
	if _, ok := st.activity[activity.TransactionRef]; ok {
		return uniqueViolation(store.ConstraintTransactionRef)
	}
	q.s.wrote("InsertActivity")
	st.activity[activity.TransactionRef] = *activity
	return nil
}

func (q *memQueries) SumActivity(ctx context.Context, cardID uuid.UUID) (int64, error) {
	st, done, err := q.enter("SumActivity")
	if err != nil {
		return 0, err
	}
	defer done()
	return sumActivity(st, cardID), nil
}

func sumActivity(st *memState, cardID uuid.UUID) int64 {
	var total int64
	for _, a := range st.activity {
		if a.CardID == cardID {
			total += a.Signed()
		}
	}
	return total
}

// ─── Audit ──────────────────────────────────────────────────────────────────

func (q *memQueries) FindEnrollmentsMissingCard(ctx context.Context, limit int) ([]domain.Enrollment, error) {
	st, done, err := q.enter("FindEnrollmentsMissingCard")
	if err != nil {
		return nil, err
	}
	defer done()
	var out []domain.Enrollment
	for _, e := range st.enrollments {
		if e.Status == domain.EnrollmentActive && len(activeCards(st, e.CustomerID, e.ProgramID)) == 0 {
			out = append(out, e)
		}
	}
	return out, nil
}

func (q *memQueries) FindDuplicateActiveCards(ctx context.Context, limit int) ([]store.DuplicateCardGroup, error) {
	st, done, err := q.enter("FindDuplicateActiveCards")
	if err != nil {
		return nil, err
	}
	defer done()
	seen := map[pairKey]bool{}
	var out []store.DuplicateCardGroup
	for _, c := range st.cards {
		key := pairKey{c.CustomerID, c.ProgramID}
		if seen[key] {
			continue
		}
		seen[key] = true
		cards := activeCards(st, c.CustomerID, c.ProgramID)
		if len(cards) < 2 {
			continue
		}
		group := store.DuplicateCardGroup{CustomerID: c.CustomerID, ProgramID: c.ProgramID, BusinessID: cards[0].BusinessID}
		for _, dup := range cards {
			group.CardIDs = append(group.CardIDs, dup.ID)
		}
		out = append(out, group)
	}
	return out, nil
}

func (q *memQueries) FindBalanceDrift(ctx context.Context, limit int) ([]store.BalanceDrift, error) {
	st, done, err := q.enter("FindBalanceDrift")
	if err != nil {
		return nil, err
	}
	defer done()
	var out []store.BalanceDrift
	for _, c := range st.cards {
		sum := sumActivity(st, c.ID)
		if c.Points != sum {
			out = append(out, store.BalanceDrift{
				CardID:      c.ID,
				CustomerID:  c.CustomerID,
				ProgramID:   c.ProgramID,
				BusinessID:  c.BusinessID,
				CardPoints:  c.Points,
				ActivitySum: sum,
			})
		}
	}
	return out, nil
}

func (q *memQueries) InsertRepair(ctx context.Context, repair *domain.ConsistencyRepair) error {
	st, done, err := q.enter("InsertRepair")
	if err != nil {
		return err
	}
	defer done()
	q.s.wrote("InsertRepair")
	st.repairs = append(st.repairs, *repair)
	return nil
}
