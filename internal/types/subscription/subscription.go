package subscription

import "time"

// Subscription statuses. A row only exists after the first successful
// checkout; "no subscription" is the implicit initial state.
const (
	StatusActive    = "active"
	StatusPastDue   = "past_due"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
	StatusDisputed  = "disputed"
)

type Subscription struct {
	ID                   string     `json:"id" db:"id"`
	UserID               string     `json:"userId" db:"user_id"`
	CourseID             string     `json:"courseId" db:"course_id"`
	Status               string     `json:"status" db:"status"`
	StripeSubscriptionID string     `json:"stripeSubscriptionId" db:"stripe_subscription_id"`
	CancelAtPeriodEnd    bool       `json:"cancelAtPeriodEnd" db:"cancel_at_period_end"`
	EndsAt               *time.Time `json:"endsAt" db:"ends_at"`
	BillingCycle         string     `json:"billingCycle" db:"billing_cycle"`
	EnrolledAt           time.Time  `json:"enrolledAt" db:"enrolled_at"`
	CreatedAt            time.Time  `json:"createdAt" db:"created_at"`
}

// Update carries absolute field values for a webhook-driven transition.
// Nil fields are left untouched; set fields always overwrite, never
// compute relative to the current row.
type Update struct {
	Status            *string
	EndsAt            *time.Time
	CancelAtPeriodEnd *bool
}

type CheckoutRequest struct {
	CourseID string `json:"courseId"`
}

type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type CancelRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

type CancelResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	CancelsAt time.Time `json:"cancelsAt"`
}

type ReactivateRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

type ReactivateResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	EndsAt  time.Time `json:"ends_at"`
}

type AccessResponse struct {
	HasAccess    bool          `json:"hasAccess"`
	Subscription *Subscription `json:"subscription,omitempty"`
}
