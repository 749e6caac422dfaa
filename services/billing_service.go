package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"learnLoopAPI/internal/apperrors"
	"learnLoopAPI/internal/types/subscription"

	"github.com/stripe/stripe-go/v76"
)

const defaultBillingCycle = "monthly"

// BillingNotifier delivers user-facing billing alerts. Every call is
// best-effort: a failed notification never fails the webhook that
// triggered it.
type BillingNotifier interface {
	PaymentFailed(ctx context.Context, userID, courseID string)
	AccessRevoked(ctx context.Context, userID, courseID, reason string)
	DisputeOpened(ctx context.Context, userID, courseID, disputeID string)
}

// BillingService owns subscription state. The webhook-driven methods are
// the single authority over status/ends_at/cancel_at_period_end; the
// command methods (checkout/cancel/reactivate) only write optimistic
// mirrors of actions the processor has already confirmed.
type BillingService struct {
	store    BillingStore
	stripe   StripeAPI
	notifier BillingNotifier

	successURL string
	cancelURL  string

	now func() time.Time
}

func NewBillingService(store BillingStore, stripeAPI StripeAPI, successURL, cancelURL string) *BillingService {
	return &BillingService{
		store:      store,
		stripe:     stripeAPI,
		successURL: successURL,
		cancelURL:  cancelURL,
		now:        time.Now,
	}
}

// SetNotifier injects the billing alert provider.
func (s *BillingService) SetNotifier(n BillingNotifier) {
	s.notifier = n
}

// ---------------------------------------------------------------------------
// Command handlers
// ---------------------------------------------------------------------------

// CreateCheckout starts a hosted checkout flow for (user, course). It
// rejects duplicate active subscriptions, takes the enrollment lock, and
// creates the processor session with metadata the webhook later uses to
// correlate the completed checkout back to this pair.
func (s *BillingService) CreateCheckout(ctx context.Context, userID, courseID string) (*subscription.CheckoutResponse, error) {
	c, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperrors.NotFound("Course not found")
	}

	existing, err := s.store.ListActiveSubscriptions(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		// Self-healing cleanup: if earlier bugs left multiple active rows,
		// cancel everything but the oldest at the processor.
		if len(existing) > 1 {
			log.Printf("Found %d active subscriptions for user %s course %s, cancelling duplicates", len(existing), userID, courseID)
			for _, dup := range existing[1:] {
				if _, cancelErr := s.stripe.CancelSubscription(dup.StripeSubscriptionID); cancelErr != nil {
					log.Printf("Error cancelling duplicate subscription %s: %v", dup.StripeSubscriptionID, cancelErr)
					continue
				}
				if updErr := s.store.UpdateSubscriptionStatusByID(ctx, dup.ID, subscription.StatusCancelled); updErr != nil {
					log.Printf("Error marking duplicate subscription cancelled: %v", updErr)
				}
			}
		}
		return nil, apperrors.Conflict("You already have an active subscription to this course")
	}

	if err := s.store.AcquireEnrollmentLock(ctx, userID, courseID); err != nil {
		if err == ErrLockBusy {
			return nil, apperrors.Conflict("Enrollment already in progress. Please wait a moment and try again.")
		}
		return nil, err
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(string(stripe.CurrencyUSD)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(c.Title),
						Description: stripe.String(c.Description),
					},
					UnitAmount: stripe.Int64(c.Price),
					Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(fmt.Sprintf("%s?course_id=%s", s.successURL, courseID)),
		CancelURL:  stripe.String(fmt.Sprintf("%s?course_id=%s", s.cancelURL, courseID)),
	}
	if c.ThumbnailURL != "" {
		params.LineItems[0].PriceData.ProductData.Images = stripe.StringSlice([]string{c.ThumbnailURL})
	}
	params.AddMetadata("user_id", userID)
	params.AddMetadata("course_id", courseID)
	params.AddMetadata("billing_cycle", defaultBillingCycle)

	session, err := s.stripe.CreateCheckoutSession(params)
	if err != nil {
		// The lock must not outlive a failed session, otherwise the user
		// is stuck until the stale-lock takeover kicks in.
		if relErr := s.store.ReleaseEnrollmentLock(ctx, userID, courseID); relErr != nil {
			log.Printf("Error releasing enrollment lock after checkout failure: %v", relErr)
		}
		return nil, apperrors.Upstream("failed to create checkout session", err)
	}

	log.Printf("Checkout session created: %s (user %s, course %s)", session.ID, userID, courseID)

	return &subscription.CheckoutResponse{
		SessionID: session.ID,
		URL:       session.URL,
	}, nil
}

// CancelSubscription schedules a cancellation at period end. The local
// update is an optimistic mirror for instant UI feedback; the webhook
// remains the source of truth.
func (s *BillingService) CancelSubscription(ctx context.Context, userID, subscriptionID string) (*subscription.CancelResponse, error) {
	sub, err := s.ownedSubscription(ctx, userID, subscriptionID)
	if err != nil {
		return nil, err
	}

	updated, err := s.stripe.UpdateSubscription(sub.StripeSubscriptionID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	if err != nil {
		return nil, apperrors.Upstream("failed to cancel subscription", err)
	}

	cancelsAt := time.Unix(updated.CurrentPeriodEnd, 0)
	log.Printf("Subscription %s marked for cancellation at %s", sub.StripeSubscriptionID, cancelsAt)

	mirror := subscription.Update{
		CancelAtPeriodEnd: boolPtr(true),
		EndsAt:            &cancelsAt,
	}
	if err := s.store.UpdateSubscriptionByStripeID(ctx, sub.StripeSubscriptionID, mirror); err != nil {
		// Stripe accepted the cancellation; the webhook will fix the row.
		log.Printf("Error mirroring cancellation locally: %v", apperrors.Persistence("mirror cancel", err))
	}

	return &subscription.CancelResponse{
		Success:   true,
		Message:   "Subscription will be cancelled at period end",
		CancelsAt: cancelsAt,
	}, nil
}

// ReactivateSubscription undoes a pending cancellation. The subscription
// must still be active locally and scheduled for cancellation at the
// processor; anything else means there is nothing to reactivate.
func (s *BillingService) ReactivateSubscription(ctx context.Context, userID, subscriptionID string) (*subscription.ReactivateResponse, error) {
	sub, err := s.ownedSubscription(ctx, userID, subscriptionID)
	if err != nil {
		return nil, err
	}

	if sub.Status != subscription.StatusActive {
		return nil, apperrors.Conflict("Subscription cannot be reactivated. It may have already expired.")
	}

	current, err := s.stripe.GetSubscription(sub.StripeSubscriptionID)
	if err != nil {
		return nil, apperrors.Upstream("failed to fetch subscription", err)
	}
	if !current.CancelAtPeriodEnd {
		return nil, apperrors.Conflict("Subscription is not scheduled for cancellation")
	}

	updated, err := s.stripe.UpdateSubscription(sub.StripeSubscriptionID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	})
	if err != nil {
		return nil, apperrors.Upstream("failed to reactivate subscription", err)
	}

	endsAt := time.Unix(updated.CurrentPeriodEnd, 0)
	log.Printf("Subscription %s reactivated, period end %s", sub.StripeSubscriptionID, endsAt)

	mirror := subscription.Update{
		CancelAtPeriodEnd: boolPtr(false),
		EndsAt:            &endsAt,
	}
	if err := s.store.UpdateSubscriptionByStripeID(ctx, sub.StripeSubscriptionID, mirror); err != nil {
		log.Printf("Error mirroring reactivation locally: %v", apperrors.Persistence("mirror reactivate", err))
	}

	return &subscription.ReactivateResponse{
		Success: true,
		Message: "Subscription reactivated successfully",
		EndsAt:  endsAt,
	}, nil
}

func (s *BillingService) ListUserSubscriptions(ctx context.Context, userID string) ([]*subscription.Subscription, error) {
	return s.store.ListUserSubscriptions(ctx, userID)
}

func (s *BillingService) GetUserCourseSubscription(ctx context.Context, userID, courseID string) (*subscription.Subscription, error) {
	return s.store.GetUserCourseSubscription(ctx, userID, courseID)
}

func (s *BillingService) ownedSubscription(ctx context.Context, userID, subscriptionID string) (*subscription.Subscription, error) {
	sub, err := s.store.GetSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.UserID != userID {
		return nil, apperrors.NotFound("Subscription not found or you do not have access to it")
	}
	return sub, nil
}

// ---------------------------------------------------------------------------
// Webhook-driven state machine
// ---------------------------------------------------------------------------

// HandleCheckoutSessionCompleted creates the subscription row for a paid
// checkout. The insert is idempotent on stripe_subscription_id; side
// effects (member counter, lock release) run only when this delivery
// actually inserted the row.
func (s *BillingService) HandleCheckoutSessionCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	userID := session.Metadata["user_id"]
	courseID := session.Metadata["course_id"]
	if userID == "" || courseID == "" {
		return fmt.Errorf("checkout session %s has no user_id/course_id metadata", session.ID)
	}
	if session.Subscription == nil {
		return fmt.Errorf("checkout session %s has no subscription", session.ID)
	}
	stripeID := session.Subscription.ID

	// The webhook payload does not expand the subscription, so fetch it
	// for the authoritative period end.
	stripeSub, err := s.stripe.GetSubscription(stripeID)
	if err != nil {
		return apperrors.Upstream("failed to fetch subscription for checkout", err)
	}
	endsAt := time.Unix(stripeSub.CurrentPeriodEnd, 0)

	billingCycle := session.Metadata["billing_cycle"]
	if billingCycle == "" {
		billingCycle = defaultBillingCycle
	}

	now := s.now()
	inserted, err := s.store.InsertSubscription(ctx, &subscription.Subscription{
		UserID:               userID,
		CourseID:             courseID,
		Status:               subscription.StatusActive,
		StripeSubscriptionID: stripeID,
		EndsAt:               &endsAt,
		BillingCycle:         billingCycle,
		EnrolledAt:           now,
		CreatedAt:            now,
	})
	if err != nil {
		return err
	}
	if !inserted {
		log.Printf("Subscription %s already exists, skipping insert (idempotent)", stripeID)
		return nil
	}

	log.Printf("Subscription %s created for user %s, course %s, ends %s", stripeID, userID, courseID, endsAt)

	if err := s.store.IncrementCourseMembers(ctx, courseID); err != nil {
		log.Printf("Error incrementing course members: %v", err)
	}

	// A stale lock only blocks future enrollments for this pair, so a
	// failed release is logged rather than failing the webhook.
	if err := s.store.ReleaseEnrollmentLock(ctx, userID, courseID); err != nil {
		log.Printf("Error cleaning up pending enrollment: %v", err)
	}

	return nil
}

// HandleInvoicePaid extends the paid period on a renewal cycle. Initial
// payments are covered by checkout completion and are skipped here.
func (s *BillingService) HandleInvoicePaid(ctx context.Context, invoice *stripe.Invoice) error {
	if invoice.Subscription == nil || invoice.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle {
		log.Printf("Invoice %s is not a subscription renewal, skipping", invoice.ID)
		return nil
	}

	stripeSub, err := s.stripe.GetSubscription(invoice.Subscription.ID)
	if err != nil {
		return apperrors.Upstream("failed to fetch subscription for renewal", err)
	}
	endsAt := time.Unix(stripeSub.CurrentPeriodEnd, 0)

	upd := subscription.Update{
		Status: strPtr(subscription.StatusActive),
		EndsAt: &endsAt,
	}
	if err := s.store.UpdateSubscriptionByStripeID(ctx, invoice.Subscription.ID, upd); err != nil {
		return err
	}

	log.Printf("Subscription %s renewed until %s", invoice.Subscription.ID, endsAt)
	return nil
}

// HandleInvoicePaymentFailed marks the subscription past_due. Access
// continues under the evaluator's grace window while the processor
// retries the payment.
func (s *BillingService) HandleInvoicePaymentFailed(ctx context.Context, invoice *stripe.Invoice) error {
	if invoice.Subscription == nil {
		log.Printf("Invoice %s has no subscription, skipping", invoice.ID)
		return nil
	}

	upd := subscription.Update{Status: strPtr(subscription.StatusPastDue)}
	if err := s.store.UpdateSubscriptionByStripeID(ctx, invoice.Subscription.ID, upd); err != nil {
		return err
	}

	log.Printf("Subscription %s marked past_due after failed payment", invoice.Subscription.ID)

	if s.notifier != nil {
		if sub, err := s.store.GetSubscriptionByStripeID(ctx, invoice.Subscription.ID); err == nil && sub != nil {
			s.notifier.PaymentFailed(ctx, sub.UserID, sub.CourseID)
		}
	}
	return nil
}

// HandleSubscriptionUpdated reconciles cancellation scheduling and
// reactivation. Both arms write absolute values from the event payload.
func (s *BillingService) HandleSubscriptionUpdated(ctx context.Context, stripeSub *stripe.Subscription) error {
	endsAt := time.Unix(stripeSub.CurrentPeriodEnd, 0)

	if stripeSub.CancelAtPeriodEnd {
		upd := subscription.Update{
			CancelAtPeriodEnd: boolPtr(true),
			EndsAt:            &endsAt,
		}
		if err := s.store.UpdateSubscriptionByStripeID(ctx, stripeSub.ID, upd); err != nil {
			return err
		}
		log.Printf("Subscription %s marked for cancellation at period end", stripeSub.ID)
		return nil
	}

	// Covers reactivation after past_due as well as plain renewals
	// reported via this event type.
	if stripeSub.Status == stripe.SubscriptionStatusActive {
		upd := subscription.Update{
			Status:            strPtr(subscription.StatusActive),
			CancelAtPeriodEnd: boolPtr(false),
			EndsAt:            &endsAt,
		}
		if err := s.store.UpdateSubscriptionByStripeID(ctx, stripeSub.ID, upd); err != nil {
			return err
		}
		log.Printf("Subscription %s updated to active status", stripeSub.ID)
	}

	return nil
}

// HandleSubscriptionDeleted marks the subscription cancelled when the
// processor ends it (period expiry after scheduled cancellation, or
// processor-side termination). The member counter is decremented exactly
// once, guarded by the terminal transition.
func (s *BillingService) HandleSubscriptionDeleted(ctx context.Context, stripeSub *stripe.Subscription) error {
	courseID, transitioned, err := s.store.MarkSubscriptionTerminal(ctx, stripeSub.ID, subscription.StatusCancelled, nil)
	if err != nil {
		return err
	}
	if !transitioned {
		log.Printf("Subscription %s already terminal, skipping (idempotent)", stripeSub.ID)
		return nil
	}

	log.Printf("Subscription %s cancelled", stripeSub.ID)

	if err := s.store.DecrementCourseMembers(ctx, courseID); err != nil {
		log.Printf("Error decrementing course members: %v", err)
	}
	return nil
}

// HandleChargeRefunded revokes access immediately: the charge maps to an
// invoice, the invoice to a subscription, and that subscription is
// cancelled both locally (ends_at = now) and, best-effort, at the
// processor.
func (s *BillingService) HandleChargeRefunded(ctx context.Context, charge *stripe.Charge) error {
	if charge.Invoice == nil {
		log.Printf("Charge %s has no associated invoice, skipping", charge.ID)
		return nil
	}

	invoice, err := s.stripe.GetInvoice(charge.Invoice.ID)
	if err != nil {
		return apperrors.Upstream("failed to fetch invoice for refund", err)
	}
	if invoice.Subscription == nil {
		log.Printf("No subscription on invoice %s (one-time payment?), skipping", invoice.ID)
		return nil
	}
	stripeID := invoice.Subscription.ID

	// The user is revoked locally regardless; a failed processor cancel
	// just means Stripe keeps billing until it is cleaned up manually.
	if _, cancelErr := s.stripe.CancelSubscription(stripeID); cancelErr != nil {
		log.Printf("Error cancelling subscription %s after refund: %v", stripeID, cancelErr)
	}

	revokedAt := s.now()
	courseID, transitioned, err := s.store.MarkSubscriptionTerminal(ctx, stripeID, subscription.StatusCancelled, &revokedAt)
	if err != nil {
		return err
	}
	if !transitioned {
		log.Printf("Subscription %s already terminal, skipping refund transition (idempotent)", stripeID)
		return nil
	}

	log.Printf("Subscription %s cancelled and access revoked due to refund", stripeID)

	if err := s.store.DecrementCourseMembers(ctx, courseID); err != nil {
		log.Printf("Error decrementing course members after refund: %v", err)
	}

	if s.notifier != nil {
		if sub, err := s.store.GetSubscriptionByStripeID(ctx, stripeID); err == nil && sub != nil {
			s.notifier.AccessRevoked(ctx, sub.UserID, sub.CourseID, "refund")
		}
	}
	return nil
}

// HandleDisputeCreated suspends access immediately and flags the
// subscription for manual review.
func (s *BillingService) HandleDisputeCreated(ctx context.Context, dispute *stripe.Dispute) error {
	if dispute.Charge == nil {
		log.Printf("Dispute %s has no charge, skipping", dispute.ID)
		return nil
	}

	charge, err := s.stripe.GetCharge(dispute.Charge.ID)
	if err != nil {
		return apperrors.Upstream("failed to fetch charge for dispute", err)
	}
	if charge.Invoice == nil {
		log.Printf("Disputed charge %s has no associated invoice, skipping", charge.ID)
		return nil
	}

	invoice, err := s.stripe.GetInvoice(charge.Invoice.ID)
	if err != nil {
		return apperrors.Upstream("failed to fetch invoice for dispute", err)
	}
	if invoice.Subscription == nil {
		log.Printf("No subscription on invoice %s (one-time payment?), skipping", invoice.ID)
		return nil
	}
	stripeID := invoice.Subscription.ID

	suspendedAt := s.now()
	courseID, transitioned, err := s.store.MarkSubscriptionTerminal(ctx, stripeID, subscription.StatusDisputed, &suspendedAt)
	if err != nil {
		return err
	}

	// Stop further charges regardless of whether this delivery performed
	// the transition.
	if _, cancelErr := s.stripe.CancelSubscription(stripeID); cancelErr != nil {
		log.Printf("Error cancelling subscription %s after dispute: %v", stripeID, cancelErr)
	}

	if !transitioned {
		log.Printf("Subscription %s already terminal, skipping dispute transition (idempotent)", stripeID)
		return nil
	}

	log.Printf("Subscription %s marked disputed (reason: %s), access suspended", stripeID, dispute.Reason)

	if err := s.store.DecrementCourseMembers(ctx, courseID); err != nil {
		log.Printf("Error decrementing course members after dispute: %v", err)
	}

	if s.notifier != nil {
		if sub, err := s.store.GetSubscriptionByStripeID(ctx, stripeID); err == nil && sub != nil {
			s.notifier.DisputeOpened(ctx, sub.UserID, sub.CourseID, dispute.ID)
		}
	}
	return nil
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
