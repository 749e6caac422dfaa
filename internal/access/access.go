package access

import (
	"time"

	"learnLoopAPI/internal/types/subscription"
)

// GracePeriod is the window after a subscription's paid period end during
// which content access is preserved. It absorbs the payment processor's
// retry latency on a failed renewal before access is cut off.
const GracePeriod = 48 * time.Hour

// HasAccess reports whether a user may view course content at the given
// instant. Course owners always have access. Otherwise access requires an
// active or past_due subscription whose ends_at (plus grace) has not been
// reached; cancelled, expired and disputed subscriptions never grant
// access regardless of ends_at.
func HasAccess(isOwner bool, sub *subscription.Subscription, now time.Time) bool {
	if isOwner {
		return true
	}
	if sub == nil {
		return false
	}

	switch sub.Status {
	case subscription.StatusActive, subscription.StatusPastDue:
		if sub.EndsAt == nil {
			return false
		}
		return now.Before(sub.EndsAt.Add(GracePeriod))
	default:
		return false
	}
}
