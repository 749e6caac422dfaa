package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"learnLoopAPI/internal/types/course"
	"learnLoopAPI/internal/types/subscription"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLockBusy signals that a pending enrollment already exists for the
// (user, course) pair, i.e. another checkout attempt is in flight.
var ErrLockBusy = errors.New("enrollment already in progress")

// BillingStore is the persistence surface of the billing core. The state
// machine and the command handlers go through this interface so tests can
// run against an in-memory fake.
type BillingStore interface {
	GetCourse(ctx context.Context, courseID string) (*course.Course, error)
	GetSubscriptionByID(ctx context.Context, id string) (*subscription.Subscription, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeID string) (*subscription.Subscription, error)
	GetUserCourseSubscription(ctx context.Context, userID, courseID string) (*subscription.Subscription, error)
	ListActiveSubscriptions(ctx context.Context, userID, courseID string) ([]*subscription.Subscription, error)
	ListUserSubscriptions(ctx context.Context, userID string) ([]*subscription.Subscription, error)

	// InsertSubscription inserts a new row keyed by stripe_subscription_id.
	// Returns false when a row with that external id already exists, which
	// is how redelivered checkout events become no-ops.
	InsertSubscription(ctx context.Context, sub *subscription.Subscription) (bool, error)

	UpdateSubscriptionByStripeID(ctx context.Context, stripeID string, upd subscription.Update) error
	UpdateSubscriptionStatusByID(ctx context.Context, id, status string) error

	// MarkSubscriptionTerminal moves a subscription to a terminal status
	// (cancelled/disputed) at most once. It reports the course id and
	// whether this call performed the transition, so the member counter is
	// decremented exactly once even under event redelivery.
	MarkSubscriptionTerminal(ctx context.Context, stripeID, status string, endsAt *time.Time) (string, bool, error)

	AcquireEnrollmentLock(ctx context.Context, userID, courseID string) error
	ReleaseEnrollmentLock(ctx context.Context, userID, courseID string) error

	IncrementCourseMembers(ctx context.Context, courseID string) error
	DecrementCourseMembers(ctx context.Context, courseID string) error
}

type PgBillingStore struct {
	db *pgxpool.Pool
}

func NewPgBillingStore(db *pgxpool.Pool) *PgBillingStore {
	return &PgBillingStore{db: db}
}

const subscriptionColumns = `id, user_id, course_id, status, stripe_subscription_id,
		cancel_at_period_end, ends_at, billing_cycle, enrolled_at, created_at`

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.CourseID,
		&sub.Status,
		&sub.StripeSubscriptionID,
		&sub.CancelAtPeriodEnd,
		&sub.EndsAt,
		&sub.BillingCycle,
		&sub.EnrolledAt,
		&sub.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PgBillingStore) GetCourse(ctx context.Context, courseID string) (*course.Course, error) {
	query := `
		SELECT id, title, description, price, status, thumbnail_url,
		       total_members, owner_id, created_at, archived_at
		FROM courses
		WHERE id = $1
	`
	var c course.Course
	err := s.db.QueryRow(ctx, query, courseID).Scan(
		&c.ID,
		&c.Title,
		&c.Description,
		&c.Price,
		&c.Status,
		&c.ThumbnailURL,
		&c.TotalMembers,
		&c.OwnerID,
		&c.CreatedAt,
		&c.ArchivedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get course: %w", err)
	}
	return &c, nil
}

func (s *PgBillingStore) GetSubscriptionByID(ctx context.Context, id string) (*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	sub, err := scanSubscription(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (s *PgBillingStore) GetSubscriptionByStripeID(ctx context.Context, stripeID string) (*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE stripe_subscription_id = $1`
	sub, err := scanSubscription(s.db.QueryRow(ctx, query, stripeID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription by stripe id: %w", err)
	}
	return sub, nil
}

func (s *PgBillingStore) GetUserCourseSubscription(ctx context.Context, userID, courseID string) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND course_id = $2
		ORDER BY enrolled_at DESC
		LIMIT 1
	`
	sub, err := scanSubscription(s.db.QueryRow(ctx, query, userID, courseID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user course subscription: %w", err)
	}
	return sub, nil
}

func (s *PgBillingStore) ListActiveSubscriptions(ctx context.Context, userID, courseID string) ([]*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND course_id = $2 AND status = $3
		ORDER BY created_at ASC
	`
	rows, err := s.db.Query(ctx, query, userID, courseID, subscription.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

func (s *PgBillingStore) ListUserSubscriptions(ctx context.Context, userID string) ([]*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND status = $2
		ORDER BY enrolled_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, subscription.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

func collectSubscriptions(rows pgx.Rows) ([]*subscription.Subscription, error) {
	var subs []*subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

func (s *PgBillingStore) InsertSubscription(ctx context.Context, sub *subscription.Subscription) (bool, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}

	// The unique constraint on stripe_subscription_id is the idempotency
	// enforcement point: a redelivered checkout event hits the conflict
	// arm and inserts nothing.
	query := `
		INSERT INTO subscriptions (
			id, user_id, course_id, status, stripe_subscription_id,
			cancel_at_period_end, ends_at, billing_cycle, enrolled_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (stripe_subscription_id) DO NOTHING
	`
	tag, err := s.db.Exec(ctx, query,
		sub.ID,
		sub.UserID,
		sub.CourseID,
		sub.Status,
		sub.StripeSubscriptionID,
		sub.CancelAtPeriodEnd,
		sub.EndsAt,
		sub.BillingCycle,
		sub.EnrolledAt,
		sub.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert subscription: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *PgBillingStore) UpdateSubscriptionByStripeID(ctx context.Context, stripeID string, upd subscription.Update) error {
	sets := make([]string, 0, 3)
	args := []any{stripeID}

	if upd.Status != nil {
		args = append(args, *upd.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if upd.EndsAt != nil {
		args = append(args, *upd.EndsAt)
		sets = append(sets, fmt.Sprintf("ends_at = $%d", len(args)))
	}
	if upd.CancelAtPeriodEnd != nil {
		args = append(args, *upd.CancelAtPeriodEnd)
		sets = append(sets, fmt.Sprintf("cancel_at_period_end = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf(
		`UPDATE subscriptions SET %s WHERE stripe_subscription_id = $1`,
		strings.Join(sets, ", "),
	)
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update subscription %s: %w", stripeID, err)
	}
	return nil
}

func (s *PgBillingStore) UpdateSubscriptionStatusByID(ctx context.Context, id, status string) error {
	query := `UPDATE subscriptions SET status = $2 WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id, status); err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	return nil
}

func (s *PgBillingStore) MarkSubscriptionTerminal(ctx context.Context, stripeID, status string, endsAt *time.Time) (string, bool, error) {
	// The status guard makes the terminal transition first-writer-wins:
	// a redelivered delete/refund/dispute event matches zero rows and the
	// member counter is left alone.
	query := `
		UPDATE subscriptions
		SET status = $2, ends_at = COALESCE($3, ends_at)
		WHERE stripe_subscription_id = $1
		  AND status NOT IN ($4, $5)
		RETURNING course_id
	`
	var courseID string
	err := s.db.QueryRow(ctx, query, stripeID, status, endsAt,
		subscription.StatusCancelled, subscription.StatusDisputed).Scan(&courseID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to mark subscription terminal: %w", err)
	}
	return courseID, true, nil
}

func (s *PgBillingStore) AcquireEnrollmentLock(ctx context.Context, userID, courseID string) error {
	// A lock older than an hour is considered abandoned (e.g. the release
	// after a failed session creation itself failed) and is taken over.
	query := `
		INSERT INTO pending_enrollments (user_id, course_id, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id, course_id) DO UPDATE
		SET created_at = now()
		WHERE pending_enrollments.created_at < now() - interval '1 hour'
	`
	tag, err := s.db.Exec(ctx, query, userID, courseID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrLockBusy
		}
		return fmt.Errorf("failed to create pending enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLockBusy
	}
	return nil
}

func (s *PgBillingStore) ReleaseEnrollmentLock(ctx context.Context, userID, courseID string) error {
	query := `DELETE FROM pending_enrollments WHERE user_id = $1 AND course_id = $2`
	if _, err := s.db.Exec(ctx, query, userID, courseID); err != nil {
		return fmt.Errorf("failed to delete pending enrollment: %w", err)
	}
	return nil
}

func (s *PgBillingStore) IncrementCourseMembers(ctx context.Context, courseID string) error {
	query := `UPDATE courses SET total_members = total_members + 1 WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, courseID); err != nil {
		return fmt.Errorf("failed to increment course members: %w", err)
	}
	return nil
}

func (s *PgBillingStore) DecrementCourseMembers(ctx context.Context, courseID string) error {
	query := `UPDATE courses SET total_members = GREATEST(total_members - 1, 0) WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, courseID); err != nil {
		return fmt.Errorf("failed to decrement course members: %w", err)
	}
	return nil
}
