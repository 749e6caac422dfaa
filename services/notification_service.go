package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"learnLoopAPI/internal/types/notification"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PushProvider abstracts push delivery (FCM in production).
type PushProvider interface {
	SendPush(ctx context.Context, tokens []notification.DeviceToken, title, body string, data map[string]string) error
}

type NotificationService struct {
	db   *pgxpool.Pool
	push PushProvider
}

func NewNotificationService(db *pgxpool.Pool) *NotificationService {
	return &NotificationService{db: db}
}

// SetPushProvider injects the push provider. Without one, notifications
// are persisted but not pushed.
func (s *NotificationService) SetPushProvider(p PushProvider) {
	s.push = p
}

func (s *NotificationService) create(ctx context.Context, userID, notifType, title, body, courseID string) error {
	query := `
		INSERT INTO notifications (id, user_id, type, title, body, course_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7)
	`
	_, err := s.db.Exec(ctx, query, uuid.New(), userID, notifType, title, body, courseID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}

	if s.push != nil {
		tokens, err := s.deviceTokens(ctx, userID)
		if err != nil {
			log.Printf("Error loading device tokens for user %s: %v", userID, err)
			return nil
		}
		data := map[string]string{"type": notifType, "course_id": courseID}
		if err := s.push.SendPush(ctx, tokens, title, body, data); err != nil {
			log.Printf("Error pushing notification to user %s: %v", userID, err)
		}
	}
	return nil
}

func (s *NotificationService) deviceTokens(ctx context.Context, userID string) ([]notification.DeviceToken, error) {
	rows, err := s.db.Query(ctx, `SELECT token, platform FROM device_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []notification.DeviceToken
	for rows.Next() {
		var t notification.DeviceToken
		if err := rows.Scan(&t.Token, &t.Platform); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// PaymentFailed alerts a user that a renewal payment failed and access
// will lapse after the grace period.
func (s *NotificationService) PaymentFailed(ctx context.Context, userID, courseID string) {
	err := s.create(ctx, userID, notification.TypePaymentFailed,
		"Payment failed",
		"We couldn't process your subscription payment. Please update your payment method to keep access.",
		courseID)
	if err != nil {
		log.Printf("Error recording payment-failed notification: %v", err)
	}
}

// AccessRevoked alerts a user that their subscription ended immediately
// (refund processed, subscription terminated).
func (s *NotificationService) AccessRevoked(ctx context.Context, userID, courseID, reason string) {
	err := s.create(ctx, userID, notification.TypeAccessRevoked,
		"Subscription ended",
		fmt.Sprintf("Your course subscription has ended (%s). Access has been revoked.", reason),
		courseID)
	if err != nil {
		log.Printf("Error recording access-revoked notification: %v", err)
	}
}

// DisputeOpened records a dispute for manual review. The row doubles as
// the review queue entry for operators.
func (s *NotificationService) DisputeOpened(ctx context.Context, userID, courseID, disputeID string) {
	err := s.create(ctx, userID, notification.TypeDisputeReview,
		"Payment disputed",
		fmt.Sprintf("A payment dispute (%s) was opened for your subscription. Access is suspended pending review.", disputeID),
		courseID)
	if err != nil {
		log.Printf("Error recording dispute notification: %v", err)
	}
}

func (s *NotificationService) GetNotifications(ctx context.Context, userID string, unreadOnly bool) ([]*notification.Notification, error) {
	query := `
		SELECT id, user_id, type, title, body, course_id, is_read, created_at
		FROM notifications
		WHERE user_id = $1 AND ($2 = false OR is_read = false)
		ORDER BY created_at DESC
		LIMIT 100
	`
	rows, err := s.db.Query(ctx, query, userID, unreadOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var items []*notification.Notification
	for rows.Next() {
		var n notification.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Body, &n.CourseID, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &n)
	}
	return items, rows.Err()
}

func (s *NotificationService) RegisterDevice(ctx context.Context, userID, token, platform string) error {
	query := `
		INSERT INTO device_tokens (user_id, token, platform, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (token) DO UPDATE SET user_id = $1, platform = $3
	`
	if _, err := s.db.Exec(ctx, query, userID, token, platform); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	return nil
}
