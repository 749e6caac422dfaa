package course

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Course struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	Title        string     `json:"title" db:"title"`
	Description  string     `json:"description" db:"description"`
	Price        int64      `json:"price" db:"price"` // minor currency units (cents)
	Status       string     `json:"status" db:"status"`
	ThumbnailURL string     `json:"thumbnail_url" db:"thumbnail_url"`
	TotalMembers int        `json:"total_members" db:"total_members"`
	OwnerID      string     `json:"owner_id" db:"owner_id"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ArchivedAt   *time.Time `json:"archived_at" db:"archived_at"`
}

const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

type Lesson struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	CourseID  uuid.UUID       `json:"course_id" db:"course_id"`
	Title     string          `json:"title" db:"title"`
	Content   json.RawMessage `json:"content" db:"content"`
	Order     int             `json:"order" db:"lesson_order"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

type CreateCourseRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Price        int64  `json:"price"`
	Status       string `json:"status"`
	ThumbnailURL string `json:"thumbnail_url"`
}

type UpdateCourseRequest struct {
	Title        *string `json:"title"`
	Description  *string `json:"description"`
	Price        *int64  `json:"price"`
	Status       *string `json:"status"`
	ThumbnailURL *string `json:"thumbnail_url"`
}

type CreateLessonRequest struct {
	Title   string          `json:"title"`
	Content json.RawMessage `json:"content"`
}

type UpdateLessonRequest struct {
	Title   *string         `json:"title"`
	Content json.RawMessage `json:"content"`
}
