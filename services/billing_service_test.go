package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"learnLoopAPI/internal/apperrors"
	"learnLoopAPI/internal/types/course"
	"learnLoopAPI/internal/types/subscription"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	courses map[string]*course.Course
	subs    map[string]*subscription.Subscription // keyed by stripe subscription id
	locks   map[string]time.Time                  // keyed by userID|courseID

	increments map[string]int
	decrements map[string]int
	inserts    int
	releases   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		courses:    make(map[string]*course.Course),
		subs:       make(map[string]*subscription.Subscription),
		locks:      make(map[string]time.Time),
		increments: make(map[string]int),
		decrements: make(map[string]int),
	}
}

func lockKey(userID, courseID string) string { return userID + "|" + courseID }

func (f *fakeStore) GetCourse(ctx context.Context, courseID string) (*course.Course, error) {
	return f.courses[courseID], nil
}

func (f *fakeStore) GetSubscriptionByID(ctx context.Context, id string) (*subscription.Subscription, error) {
	for _, sub := range f.subs {
		if sub.ID == id {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetSubscriptionByStripeID(ctx context.Context, stripeID string) (*subscription.Subscription, error) {
	sub, ok := f.subs[stripeID]
	if !ok {
		return nil, nil
	}
	copied := *sub
	return &copied, nil
}

func (f *fakeStore) GetUserCourseSubscription(ctx context.Context, userID, courseID string) (*subscription.Subscription, error) {
	var latest *subscription.Subscription
	for _, sub := range f.subs {
		if sub.UserID != userID || sub.CourseID != courseID {
			continue
		}
		if latest == nil || sub.EnrolledAt.After(latest.EnrolledAt) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

func (f *fakeStore) ListActiveSubscriptions(ctx context.Context, userID, courseID string) ([]*subscription.Subscription, error) {
	var out []*subscription.Subscription
	for _, sub := range f.subs {
		if sub.UserID == userID && sub.CourseID == courseID && sub.Status == subscription.StatusActive {
			copied := *sub
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) ListUserSubscriptions(ctx context.Context, userID string) ([]*subscription.Subscription, error) {
	var out []*subscription.Subscription
	for _, sub := range f.subs {
		if sub.UserID == userID && sub.Status == subscription.StatusActive {
			copied := *sub
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertSubscription(ctx context.Context, sub *subscription.Subscription) (bool, error) {
	if _, exists := f.subs[sub.StripeSubscriptionID]; exists {
		return false, nil
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	copied := *sub
	f.subs[sub.StripeSubscriptionID] = &copied
	f.inserts++
	return true, nil
}

func (f *fakeStore) UpdateSubscriptionByStripeID(ctx context.Context, stripeID string, upd subscription.Update) error {
	sub, ok := f.subs[stripeID]
	if !ok {
		return nil
	}
	if upd.Status != nil {
		sub.Status = *upd.Status
	}
	if upd.EndsAt != nil {
		endsAt := *upd.EndsAt
		sub.EndsAt = &endsAt
	}
	if upd.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *upd.CancelAtPeriodEnd
	}
	return nil
}

func (f *fakeStore) UpdateSubscriptionStatusByID(ctx context.Context, id, status string) error {
	for _, sub := range f.subs {
		if sub.ID == id {
			sub.Status = status
		}
	}
	return nil
}

func (f *fakeStore) MarkSubscriptionTerminal(ctx context.Context, stripeID, status string, endsAt *time.Time) (string, bool, error) {
	sub, ok := f.subs[stripeID]
	if !ok {
		return "", false, nil
	}
	if sub.Status == subscription.StatusCancelled || sub.Status == subscription.StatusDisputed {
		return "", false, nil
	}
	sub.Status = status
	if endsAt != nil {
		ends := *endsAt
		sub.EndsAt = &ends
	}
	return sub.CourseID, true, nil
}

func (f *fakeStore) AcquireEnrollmentLock(ctx context.Context, userID, courseID string) error {
	key := lockKey(userID, courseID)
	if at, held := f.locks[key]; held {
		if time.Since(at) < time.Hour {
			return ErrLockBusy
		}
	}
	f.locks[key] = time.Now()
	return nil
}

func (f *fakeStore) ReleaseEnrollmentLock(ctx context.Context, userID, courseID string) error {
	delete(f.locks, lockKey(userID, courseID))
	f.releases++
	return nil
}

func (f *fakeStore) IncrementCourseMembers(ctx context.Context, courseID string) error {
	f.increments[courseID]++
	return nil
}

func (f *fakeStore) DecrementCourseMembers(ctx context.Context, courseID string) error {
	f.decrements[courseID]++
	return nil
}

type fakeStripe struct {
	sessions      []*stripe.CheckoutSessionParams
	sessionErr    error
	subscriptions map[string]*stripe.Subscription
	invoices      map[string]*stripe.Invoice
	charges       map[string]*stripe.Charge
	updatedParams map[string]*stripe.SubscriptionParams
	cancelledSubs []string
	cancelErr     error
}

func newFakeStripe() *fakeStripe {
	return &fakeStripe{
		subscriptions: make(map[string]*stripe.Subscription),
		invoices:      make(map[string]*stripe.Invoice),
		charges:       make(map[string]*stripe.Charge),
		updatedParams: make(map[string]*stripe.SubscriptionParams),
	}
}

func (f *fakeStripe) CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	f.sessions = append(f.sessions, params)
	return &stripe.CheckoutSession{
		ID:  "cs_test_123",
		URL: "https://checkout.stripe.test/cs_test_123",
	}, nil
}

func (f *fakeStripe) GetSubscription(id string) (*stripe.Subscription, error) {
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, errors.New("no such subscription")
	}
	return sub, nil
}

func (f *fakeStripe) UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, errors.New("no such subscription")
	}
	f.updatedParams[id] = params
	if params.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *params.CancelAtPeriodEnd
	}
	return sub, nil
}

func (f *fakeStripe) CancelSubscription(id string) (*stripe.Subscription, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	f.cancelledSubs = append(f.cancelledSubs, id)
	if sub, ok := f.subscriptions[id]; ok {
		sub.Status = stripe.SubscriptionStatusCanceled
		return sub, nil
	}
	return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusCanceled}, nil
}

func (f *fakeStripe) GetInvoice(id string) (*stripe.Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return nil, errors.New("no such invoice")
	}
	return inv, nil
}

func (f *fakeStripe) GetCharge(id string) (*stripe.Charge, error) {
	ch, ok := f.charges[id]
	if !ok {
		return nil, errors.New("no such charge")
	}
	return ch, nil
}

type fakeNotifier struct {
	paymentFailed []string
	accessRevoked []string
	disputes      []string
}

func (f *fakeNotifier) PaymentFailed(ctx context.Context, userID, courseID string) {
	f.paymentFailed = append(f.paymentFailed, userID+"|"+courseID)
}

func (f *fakeNotifier) AccessRevoked(ctx context.Context, userID, courseID, reason string) {
	f.accessRevoked = append(f.accessRevoked, userID+"|"+courseID+"|"+reason)
}

func (f *fakeNotifier) DisputeOpened(ctx context.Context, userID, courseID, disputeID string) {
	f.disputes = append(f.disputes, userID+"|"+courseID+"|"+disputeID)
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

const (
	testUserID   = "user_2abc"
	testCourseID = "c7e4a1f0-1111-2222-3333-444455556666"
	testStripeID = "sub_test_123"
)

func newTestService() (*BillingService, *fakeStore, *fakeStripe, *fakeNotifier) {
	store := newFakeStore()
	processor := newFakeStripe()
	notifier := &fakeNotifier{}

	store.courses[testCourseID] = &course.Course{
		ID:          uuid.MustParse(testCourseID),
		Title:       "Intro to Distributed Systems",
		Description: "Consensus, replication, and why your cache is lying to you",
		Price:       2999,
		Status:      course.StatusPublished,
		OwnerID:     "user_owner",
	}

	svc := NewBillingService(store, processor, "http://localhost:5173/checkout/success", "http://localhost:5173/checkout/cancel")
	svc.SetNotifier(notifier)
	return svc, store, processor, notifier
}

func seedActiveSubscription(store *fakeStore, processor *fakeStripe, periodEnd time.Time) *subscription.Subscription {
	endsAt := periodEnd
	sub := &subscription.Subscription{
		ID:                   uuid.New().String(),
		UserID:               testUserID,
		CourseID:             testCourseID,
		Status:               subscription.StatusActive,
		StripeSubscriptionID: testStripeID,
		EndsAt:               &endsAt,
		BillingCycle:         "monthly",
		EnrolledAt:           time.Now().Add(-30 * 24 * time.Hour),
		CreatedAt:            time.Now().Add(-30 * 24 * time.Hour),
	}
	store.subs[testStripeID] = sub
	processor.subscriptions[testStripeID] = &stripe.Subscription{
		ID:               testStripeID,
		Status:           stripe.SubscriptionStatusActive,
		CurrentPeriodEnd: periodEnd.Unix(),
	}
	return sub
}

func completedSession(stripeID string) *stripe.CheckoutSession {
	return &stripe.CheckoutSession{
		ID:           "cs_test_123",
		Subscription: &stripe.Subscription{ID: stripeID},
		Metadata: map[string]string{
			"user_id":       testUserID,
			"course_id":     testCourseID,
			"billing_cycle": "monthly",
		},
	}
}

// ---------------------------------------------------------------------------
// Checkout
// ---------------------------------------------------------------------------

func TestCreateCheckoutSuccess(t *testing.T) {
	svc, store, processor, _ := newTestService()
	ctx := context.Background()

	resp, err := svc.CreateCheckout(ctx, testUserID, testCourseID)
	require.NoError(t, err)

	assert.Equal(t, "cs_test_123", resp.SessionID)
	assert.Equal(t, "https://checkout.stripe.test/cs_test_123", resp.URL)

	// Correlation metadata must round-trip through the processor so the
	// completed-checkout webhook can find the (user, course) pair.
	require.Len(t, processor.sessions, 1)
	params := processor.sessions[0]
	assert.Equal(t, testUserID, params.Metadata["user_id"])
	assert.Equal(t, testCourseID, params.Metadata["course_id"])
	assert.Equal(t, "monthly", params.Metadata["billing_cycle"])

	// The lock stays held until checkout completion releases it.
	_, held := store.locks[lockKey(testUserID, testCourseID)]
	assert.True(t, held, "Enrollment lock should be held after session creation")
}

func TestCreateCheckoutCourseNotFound(t *testing.T) {
	svc, _, processor, _ := newTestService()

	_, err := svc.CreateCheckout(context.Background(), testUserID, "missing-course")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Empty(t, processor.sessions)
}

func TestCreateCheckoutRejectsDuplicateActive(t *testing.T) {
	svc, store, processor, _ := newTestService()
	seedActiveSubscription(store, processor, time.Now().Add(20*24*time.Hour))

	_, err := svc.CreateCheckout(context.Background(), testUserID, testCourseID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Empty(t, processor.sessions, "No session should be created for a duplicate subscription")
}

func TestCreateCheckoutLockBusy(t *testing.T) {
	svc, store, processor, _ := newTestService()
	store.locks[lockKey(testUserID, testCourseID)] = time.Now()

	_, err := svc.CreateCheckout(context.Background(), testUserID, testCourseID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Empty(t, processor.sessions)
}

func TestCreateCheckoutStaleLockTakenOver(t *testing.T) {
	svc, store, _, _ := newTestService()
	store.locks[lockKey(testUserID, testCourseID)] = time.Now().Add(-2 * time.Hour)

	_, err := svc.CreateCheckout(context.Background(), testUserID, testCourseID)
	require.NoError(t, err, "A lock older than an hour should be taken over")
}

func TestCreateCheckoutSessionFailureReleasesLock(t *testing.T) {
	svc, store, processor, _ := newTestService()
	processor.sessionErr = errors.New("stripe is down")

	_, err := svc.CreateCheckout(context.Background(), testUserID, testCourseID)
	require.Error(t, err)

	var upstream *apperrors.UpstreamError
	assert.True(t, errors.As(err, &upstream))

	_, held := store.locks[lockKey(testUserID, testCourseID)]
	assert.False(t, held, "Lock must be released when session creation fails")
}

// ---------------------------------------------------------------------------
// checkout.session.completed
// ---------------------------------------------------------------------------

func TestCheckoutCompletedCreatesSubscription(t *testing.T) {
	svc, store, processor, _ := newTestService()
	ctx := context.Background()

	periodEnd := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
	processor.subscriptions[testStripeID] = &stripe.Subscription{
		ID:               testStripeID,
		Status:           stripe.SubscriptionStatusActive,
		CurrentPeriodEnd: periodEnd.Unix(),
	}
	store.locks[lockKey(testUserID, testCourseID)] = time.Now()

	err := svc.HandleCheckoutSessionCompleted(ctx, completedSession(testStripeID))
	require.NoError(t, err)

	sub := store.subs[testStripeID]
	require.NotNil(t, sub)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, testUserID, sub.UserID)
	assert.Equal(t, testCourseID, sub.CourseID)
	require.NotNil(t, sub.EndsAt)
	assert.True(t, sub.EndsAt.Equal(periodEnd), "ends_at should come from the processor's period end")

	assert.Equal(t, 1, store.increments[testCourseID])

	_, held := store.locks[lockKey(testUserID, testCourseID)]
	assert.False(t, held, "Completed checkout should release the enrollment lock")
}

func TestCheckoutCompletedRedeliveryIsIdempotent(t *testing.T) {
	svc, store, processor, _ := newTestService()
	ctx := context.Background()

	processor.subscriptions[testStripeID] = &stripe.Subscription{
		ID:               testStripeID,
		CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour).Unix(),
	}

	session := completedSession(testStripeID)
	require.NoError(t, svc.HandleCheckoutSessionCompleted(ctx, session))
	require.NoError(t, svc.HandleCheckoutSessionCompleted(ctx, session))
	require.NoError(t, svc.HandleCheckoutSessionCompleted(ctx, session))

	assert.Equal(t, 1, store.inserts, "Redelivered events must not insert again")
	assert.Equal(t, 1, store.increments[testCourseID], "Member counter must be incremented exactly once")
}

func TestCheckoutCompletedMissingMetadata(t *testing.T) {
	svc, store, _, _ := newTestService()

	session := &stripe.CheckoutSession{
		ID:           "cs_test_bad",
		Subscription: &stripe.Subscription{ID: testStripeID},
		Metadata:     map[string]string{},
	}

	err := svc.HandleCheckoutSessionCompleted(context.Background(), session)
	require.Error(t, err)
	assert.Zero(t, store.inserts)
}

// ---------------------------------------------------------------------------
// invoice.paid / invoice.payment_failed
// ---------------------------------------------------------------------------

func TestInvoicePaidRenewalExtendsPeriod(t *testing.T) {
	svc, store, processor, _ := newTestService()
	ctx := context.Background()

	sub := seedActiveSubscription(store, processor, time.Now().Add(24*time.Hour))
	sub.Status = subscription.StatusPastDue

	newPeriodEnd := time.Now().Add(31 * 24 * time.Hour).Truncate(time.Second)
	processor.subscriptions[testStripeID].CurrentPeriodEnd = newPeriodEnd.Unix()

	invoice := &stripe.Invoice{
		ID:            "in_test_1",
		BillingReason: stripe.InvoiceBillingReasonSubscriptionCycle,
		Subscription:  &stripe.Subscription{ID: testStripeID},
	}
	require.NoError(t, svc.HandleInvoicePaid(ctx, invoice))

	assert.Equal(t, subscription.StatusActive, sub.Status, "Renewal should recover a past_due subscription")
	require.NotNil(t, sub.EndsAt)
	assert.True(t, sub.EndsAt.Equal(newPeriodEnd))
}

func TestInvoicePaidIgnoresInitialPayment(t *testing.T) {
	svc, store, processor, _ := newTestService()

	sub := seedActiveSubscription(store, processor, time.Now().Add(24*time.Hour))
	before := *sub.EndsAt

	invoice := &stripe.Invoice{
		ID:            "in_test_initial",
		BillingReason: stripe.InvoiceBillingReasonSubscriptionCreate,
		Subscription:  &stripe.Subscription{ID: testStripeID},
	}
	require.NoError(t, svc.HandleInvoicePaid(context.Background(), invoice))

	assert.True(t, sub.EndsAt.Equal(before), "Initial payment is handled by checkout completion, not here")
}

func TestInvoicePaymentFailedMarksPastDue(t *testing.T) {
	svc, store, processor, notifier := newTestService()

	sub := seedActiveSubscription(store, processor, time.Now().Add(24*time.Hour))

	invoice := &stripe.Invoice{
		ID:           "in_test_fail",
		Subscription: &stripe.Subscription{ID: testStripeID},
	}
	require.NoError(t, svc.HandleInvoicePaymentFailed(context.Background(), invoice))

	assert.Equal(t, subscription.StatusPastDue, sub.Status)
	require.Len(t, notifier.paymentFailed, 1)
	assert.Equal(t, testUserID+"|"+testCourseID, notifier.paymentFailed[0])
}

// ---------------------------------------------------------------------------
// customer.subscription.updated / deleted
// ---------------------------------------------------------------------------

func TestSubscriptionUpdatedSchedulesCancellation(t *testing.T) {
	svc, store, processor, _ := newTestService()

	sub := seedActiveSubscription(store, processor, time.Now().Add(24*time.Hour))

	periodEnd := time.Now().Add(10 * 24 * time.Hour).Truncate(time.Second)
	event := &stripe.Subscription{
		ID:                testStripeID,
		Status:            stripe.SubscriptionStatusActive,
		CancelAtPeriodEnd: true,
		CurrentPeriodEnd:  periodEnd.Unix(),
	}
	require.NoError(t, svc.HandleSubscriptionUpdated(context.Background(), event))

	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, subscription.StatusActive, sub.Status, "Scheduled cancellation keeps the subscription active")
	assert.True(t, sub.EndsAt.Equal(periodEnd))
}

func TestSubscriptionUpdatedReactivates(t *testing.T) {
	svc, store, processor, _ := newTestService()

	sub := seedActiveSubscription(store, processor, time.Now().Add(24*time.Hour))
	sub.CancelAtPeriodEnd = true

	periodEnd := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
	event := &stripe.Subscription{
		ID:                testStripeID,
		Status:            stripe.SubscriptionStatusActive,
		CancelAtPeriodEnd: false,
		CurrentPeriodEnd:  periodEnd.Unix(),
	}
	require.NoError(t, svc.HandleSubscriptionUpdated(context.Background(), event))

	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.True(t, sub.EndsAt.Equal(periodEnd))
}

func TestSubscriptionDeletedDecrementsOnce(t *testing.T) {
	svc, store, processor, _ := newTestService()
	ctx := context.Background()

	sub := seedActiveSubscription(store, processor, time.Now().Add(24*time.Hour))

	event := &stripe.Subscription{ID: testStripeID}
	require.NoError(t, svc.HandleSubscriptionDeleted(ctx, event))
	require.NoError(t, svc.HandleSubscriptionDeleted(ctx, event))

	assert.Equal(t, subscription.StatusCancelled, sub.Status)
	assert.Equal(t, 1, store.decrements[testCourseID], "Redelivered delete must not decrement again")
}

// ---------------------------------------------------------------------------
// charge.refunded / charge.dispute.created
// ---------------------------------------------------------------------------

func TestChargeRefundedRevokesAccess(t *testing.T) {
	svc, store, processor, notifier := newTestService()
	ctx := context.Background()

	sub := seedActiveSubscription(store, processor, time.Now().Add(20*24*time.Hour))
	processor.invoices["in_test_1"] = &stripe.Invoice{
		ID:           "in_test_1",
		Subscription: &stripe.Subscription{ID: testStripeID},
	}

	frozen := time.Now().Truncate(time.Second)
	svc.now = func() time.Time { return frozen }

	charge := &stripe.Charge{
		ID:      "ch_test_1",
		Invoice: &stripe.Invoice{ID: "in_test_1"},
	}
	require.NoError(t, svc.HandleChargeRefunded(ctx, charge))

	assert.Equal(t, subscription.StatusCancelled, sub.Status)
	require.NotNil(t, sub.EndsAt)
	assert.True(t, sub.EndsAt.Equal(frozen), "Refund revokes access immediately, not at period end")

	assert.Contains(t, processor.cancelledSubs, testStripeID)
	assert.Equal(t, 1, store.decrements[testCourseID])

	require.Len(t, notifier.accessRevoked, 1)
	assert.Equal(t, testUserID+"|"+testCourseID+"|refund", notifier.accessRevoked[0])
}

func TestChargeRefundedRedeliveryDecrementsOnce(t *testing.T) {
	svc, store, processor, _ := newTestService()
	ctx := context.Background()

	seedActiveSubscription(store, processor, time.Now().Add(20*24*time.Hour))
	processor.invoices["in_test_1"] = &stripe.Invoice{
		ID:           "in_test_1",
		Subscription: &stripe.Subscription{ID: testStripeID},
	}

	charge := &stripe.Charge{
		ID:      "ch_test_1",
		Invoice: &stripe.Invoice{ID: "in_test_1"},
	}
	require.NoError(t, svc.HandleChargeRefunded(ctx, charge))
	require.NoError(t, svc.HandleChargeRefunded(ctx, charge))

	assert.Equal(t, 1, store.decrements[testCourseID])
}

func TestChargeRefundedOneTimePaymentSkipped(t *testing.T) {
	svc, store, processor, _ := newTestService()

	processor.invoices["in_oneoff"] = &stripe.Invoice{ID: "in_oneoff"}

	charge := &stripe.Charge{
		ID:      "ch_oneoff",
		Invoice: &stripe.Invoice{ID: "in_oneoff"},
	}
	require.NoError(t, svc.HandleChargeRefunded(context.Background(), charge))
	assert.Empty(t, store.decrements)
}

func TestChargeRefundedProcessorCancelFailureStillRevokes(t *testing.T) {
	svc, store, processor, _ := newTestService()

	sub := seedActiveSubscription(store, processor, time.Now().Add(20*24*time.Hour))
	processor.invoices["in_test_1"] = &stripe.Invoice{
		ID:           "in_test_1",
		Subscription: &stripe.Subscription{ID: testStripeID},
	}
	processor.cancelErr = errors.New("api error")

	charge := &stripe.Charge{ID: "ch_test_1", Invoice: &stripe.Invoice{ID: "in_test_1"}}
	require.NoError(t, svc.HandleChargeRefunded(context.Background(), charge))

	assert.Equal(t, subscription.StatusCancelled, sub.Status, "Local revocation must not depend on the processor cancel")
	assert.Equal(t, 1, store.decrements[testCourseID])
}

func TestDisputeCreatedSuspendsAccess(t *testing.T) {
	svc, store, processor, notifier := newTestService()
	ctx := context.Background()

	sub := seedActiveSubscription(store, processor, time.Now().Add(20*24*time.Hour))
	processor.charges["ch_test_1"] = &stripe.Charge{
		ID:      "ch_test_1",
		Invoice: &stripe.Invoice{ID: "in_test_1"},
	}
	processor.invoices["in_test_1"] = &stripe.Invoice{
		ID:           "in_test_1",
		Subscription: &stripe.Subscription{ID: testStripeID},
	}

	dispute := &stripe.Dispute{
		ID:     "dp_test_1",
		Charge: &stripe.Charge{ID: "ch_test_1"},
		Reason: stripe.DisputeReasonFraudulent,
	}
	require.NoError(t, svc.HandleDisputeCreated(ctx, dispute))

	assert.Equal(t, subscription.StatusDisputed, sub.Status)
	assert.Contains(t, processor.cancelledSubs, testStripeID)
	assert.Equal(t, 1, store.decrements[testCourseID])

	require.Len(t, notifier.disputes, 1)
	assert.Equal(t, testUserID+"|"+testCourseID+"|dp_test_1", notifier.disputes[0])
}

func TestDisputeAfterRefundDoesNotDecrementAgain(t *testing.T) {
	svc, store, processor, _ := newTestService()
	ctx := context.Background()

	seedActiveSubscription(store, processor, time.Now().Add(20*24*time.Hour))
	processor.charges["ch_test_1"] = &stripe.Charge{
		ID:      "ch_test_1",
		Invoice: &stripe.Invoice{ID: "in_test_1"},
	}
	processor.invoices["in_test_1"] = &stripe.Invoice{
		ID:           "in_test_1",
		Subscription: &stripe.Subscription{ID: testStripeID},
	}

	charge := &stripe.Charge{ID: "ch_test_1", Invoice: &stripe.Invoice{ID: "in_test_1"}}
	require.NoError(t, svc.HandleChargeRefunded(ctx, charge))

	dispute := &stripe.Dispute{ID: "dp_test_1", Charge: &stripe.Charge{ID: "ch_test_1"}}
	require.NoError(t, svc.HandleDisputeCreated(ctx, dispute))

	assert.Equal(t, 1, store.decrements[testCourseID], "Terminal transition happens at most once across event types")
}

// ---------------------------------------------------------------------------
// Cancel / reactivate commands
// ---------------------------------------------------------------------------

func TestCancelSubscription(t *testing.T) {
	svc, store, processor, _ := newTestService()

	sub := seedActiveSubscription(store, processor, time.Now().Add(20*24*time.Hour))

	resp, err := svc.CancelSubscription(context.Background(), testUserID, sub.ID)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.WithinDuration(t, time.Unix(processor.subscriptions[testStripeID].CurrentPeriodEnd, 0), resp.CancelsAt, time.Second)

	params := processor.updatedParams[testStripeID]
	require.NotNil(t, params)
	require.NotNil(t, params.CancelAtPeriodEnd)
	assert.True(t, *params.CancelAtPeriodEnd)

	stored := store.subs[testStripeID]
	assert.True(t, stored.CancelAtPeriodEnd, "Local row should mirror the scheduled cancellation")
	assert.Equal(t, subscription.StatusActive, stored.Status)
}

func TestCancelSubscriptionNotOwned(t *testing.T) {
	svc, store, processor, _ := newTestService()

	sub := seedActiveSubscription(store, processor, time.Now().Add(20*24*time.Hour))

	_, err := svc.CancelSubscription(context.Background(), "someone_else", sub.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Empty(t, processor.updatedParams)
}

func TestReactivateSubscription(t *testing.T) {
	svc, store, processor, _ := newTestService()

	sub := seedActiveSubscription(store, processor, time.Now().Add(20*24*time.Hour))
	sub.CancelAtPeriodEnd = true
	processor.subscriptions[testStripeID].CancelAtPeriodEnd = true

	resp, err := svc.ReactivateSubscription(context.Background(), testUserID, sub.ID)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	stored := store.subs[testStripeID]
	assert.False(t, stored.CancelAtPeriodEnd)
}

func TestReactivateNotScheduledForCancellation(t *testing.T) {
	svc, store, processor, _ := newTestService()

	sub := seedActiveSubscription(store, processor, time.Now().Add(20*24*time.Hour))

	_, err := svc.ReactivateSubscription(context.Background(), testUserID, sub.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestReactivateNonActiveSubscription(t *testing.T) {
	svc, store, processor, _ := newTestService()

	sub := seedActiveSubscription(store, processor, time.Now().Add(-1*time.Hour))
	sub.Status = subscription.StatusCancelled

	_, err := svc.ReactivateSubscription(context.Background(), testUserID, sub.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Empty(t, processor.updatedParams)
}
