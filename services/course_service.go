package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"learnLoopAPI/internal/apperrors"
	"learnLoopAPI/internal/types/course"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CourseService struct {
	db *pgxpool.Pool
}

func NewCourseService(db *pgxpool.Pool) *CourseService {
	return &CourseService{db: db}
}

const courseColumns = `id, title, description, price, status, thumbnail_url,
		total_members, owner_id, created_at, archived_at`

func scanCourse(row pgx.Row) (*course.Course, error) {
	var c course.Course
	err := row.Scan(
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
		return nil, err
	}
	return &c, nil
}

func (s *CourseService) GetCourse(ctx context.Context, courseID string) (*course.Course, error) {
	query := `SELECT ` + courseColumns + ` FROM courses WHERE id = $1`
	c, err := scanCourse(s.db.QueryRow(ctx, query, courseID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.NotFound("Course not found")
		}
		return nil, fmt.Errorf("failed to get course: %w", err)
	}
	return c, nil
}

func (s *CourseService) ListPublishedCourses(ctx context.Context) ([]*course.Course, error) {
	query := `
		SELECT ` + courseColumns + `
		FROM courses
		WHERE status = $1 AND archived_at IS NULL
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, course.StatusPublished)
	if err != nil {
		return nil, fmt.Errorf("failed to list courses: %w", err)
	}
	defer rows.Close()

	var courses []*course.Course
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		courses = append(courses, c)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return courses, nil
}

func (s *CourseService) CreateCourse(ctx context.Context, ownerID string, req *course.CreateCourseRequest) (*course.Course, error) {
	if req.Title == "" {
		return nil, apperrors.Conflict("Course title is required")
	}
	status := req.Status
	if status == "" {
		status = course.StatusDraft
	}
	if status != course.StatusDraft && status != course.StatusPublished {
		return nil, apperrors.Conflict("Invalid course status: %s", status)
	}

	c := &course.Course{
		ID:           uuid.New(),
		Title:        req.Title,
		Description:  req.Description,
		Price:        req.Price,
		Status:       status,
		ThumbnailURL: req.ThumbnailURL,
		OwnerID:      ownerID,
		CreatedAt:    time.Now(),
	}

	query := `
		INSERT INTO courses (id, title, description, price, status, thumbnail_url, total_members, owner_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)
	`
	_, err := s.db.Exec(ctx, query,
		c.ID, c.Title, c.Description, c.Price, c.Status, c.ThumbnailURL, c.OwnerID, c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create course: %w", err)
	}
	return c, nil
}

func (s *CourseService) UpdateCourse(ctx context.Context, ownerID, courseID string, req *course.UpdateCourseRequest) (*course.Course, error) {
	c, err := s.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, apperrors.NotFound("Course not found")
	}

	if req.Title != nil {
		c.Title = *req.Title
	}
	if req.Description != nil {
		c.Description = *req.Description
	}
	if req.Price != nil {
		c.Price = *req.Price
	}
	if req.Status != nil {
		if *req.Status != course.StatusDraft && *req.Status != course.StatusPublished {
			return nil, apperrors.Conflict("Invalid course status: %s", *req.Status)
		}
		c.Status = *req.Status
	}
	if req.ThumbnailURL != nil {
		c.ThumbnailURL = *req.ThumbnailURL
	}

	query := `
		UPDATE courses
		SET title = $2, description = $3, price = $4, status = $5, thumbnail_url = $6
		WHERE id = $1
	`
	_, err = s.db.Exec(ctx, query, c.ID, c.Title, c.Description, c.Price, c.Status, c.ThumbnailURL)
	if err != nil {
		return nil, fmt.Errorf("failed to update course: %w", err)
	}
	return c, nil
}

func (s *CourseService) ListLessons(ctx context.Context, courseID string) ([]*course.Lesson, error) {
	query := `
		SELECT id, course_id, title, content, lesson_order, created_at, updated_at
		FROM lessons
		WHERE course_id = $1
		ORDER BY lesson_order ASC
	`
	rows, err := s.db.Query(ctx, query, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list lessons: %w", err)
	}
	defer rows.Close()

	var lessons []*course.Lesson
	for rows.Next() {
		var l course.Lesson
		if err := rows.Scan(&l.ID, &l.CourseID, &l.Title, &l.Content, &l.Order, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		lessons = append(lessons, &l)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return lessons, nil
}

func (s *CourseService) CreateLesson(ctx context.Context, ownerID, courseID string, req *course.CreateLessonRequest) (*course.Lesson, error) {
	c, err := s.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, apperrors.NotFound("Course not found")
	}

	content := req.Content
	if len(content) == 0 {
		content = json.RawMessage(`[]`)
	}

	l := &course.Lesson{
		ID:        uuid.New(),
		CourseID:  c.ID,
		Title:     req.Title,
		Content:   content,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	// Append at the end of the course.
	query := `
		INSERT INTO lessons (id, course_id, title, content, lesson_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4,
			COALESCE((SELECT MAX(lesson_order) + 1 FROM lessons WHERE course_id = $2), 0),
			$5, $6)
		RETURNING lesson_order
	`
	err = s.db.QueryRow(ctx, query, l.ID, l.CourseID, l.Title, l.Content, l.CreatedAt, l.UpdatedAt).Scan(&l.Order)
	if err != nil {
		return nil, fmt.Errorf("failed to create lesson: %w", err)
	}
	return l, nil
}

func (s *CourseService) UpdateLesson(ctx context.Context, ownerID, courseID, lessonID string, req *course.UpdateLessonRequest) error {
	c, err := s.GetCourse(ctx, courseID)
	if err != nil {
		return err
	}
	if c.OwnerID != ownerID {
		return apperrors.NotFound("Course not found")
	}

	query := `
		UPDATE lessons
		SET title = COALESCE($3, title),
		    content = COALESCE($4, content),
		    updated_at = now()
		WHERE id = $1 AND course_id = $2
	`
	tag, err := s.db.Exec(ctx, query, lessonID, courseID, req.Title, req.Content)
	if err != nil {
		return fmt.Errorf("failed to update lesson: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("Lesson not found")
	}
	return nil
}

func (s *CourseService) DeleteLesson(ctx context.Context, ownerID, courseID, lessonID string) error {
	c, err := s.GetCourse(ctx, courseID)
	if err != nil {
		return err
	}
	if c.OwnerID != ownerID {
		return apperrors.NotFound("Course not found")
	}

	tag, err := s.db.Exec(ctx, `DELETE FROM lessons WHERE id = $1 AND course_id = $2`, lessonID, courseID)
	if err != nil {
		return fmt.Errorf("failed to delete lesson: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("Lesson not found")
	}
	return nil
}
