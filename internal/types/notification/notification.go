package notification

import (
	"time"

	"github.com/google/uuid"
)

const (
	TypePaymentFailed = "payment_failed"
	TypeAccessRevoked = "access_revoked"
	TypeDisputeReview = "dispute_review"
)

type Notification struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    string    `json:"userId" db:"user_id"`
	Type      string    `json:"type" db:"type"`
	Title     string    `json:"title" db:"title"`
	Body      string    `json:"body" db:"body"`
	CourseID  string    `json:"courseId" db:"course_id"`
	IsRead    bool      `json:"isRead" db:"is_read"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

type DeviceToken struct {
	Token    string `json:"token" db:"token"`
	Platform string `json:"platform" db:"platform"`
}
