package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"learnLoopAPI/internal/access"
	"learnLoopAPI/internal/types/course"
	"learnLoopAPI/internal/types/subscription"
	"learnLoopAPI/middleware"
	"learnLoopAPI/services"

	"github.com/gorilla/mux"
)

type CourseHandler struct {
	courseService  *services.CourseService
	billingService *services.BillingService
}

func NewCourseHandler(courseService *services.CourseService, billingService *services.BillingService) *CourseHandler {
	return &CourseHandler{
		courseService:  courseService,
		billingService: billingService,
	}
}

func (h *CourseHandler) ListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := h.courseService.ListPublishedCourses(r.Context())
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if courses == nil {
		courses = []*course.Course{}
	}
	respondWithJSON(w, http.StatusOK, courses)
}

func (h *CourseHandler) GetCourse(w http.ResponseWriter, r *http.Request) {
	courseID := mux.Vars(r)["courseID"]

	c, err := h.courseService.GetCourse(r.Context(), courseID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

func (h *CourseHandler) CreateCourse(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req course.CreateCourseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := h.courseService.CreateCourse(r.Context(), userID, &req)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, c)
}

func (h *CourseHandler) UpdateCourse(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	courseID := mux.Vars(r)["courseID"]

	var req course.UpdateCourseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := h.courseService.UpdateCourse(r.Context(), userID, courseID, &req)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, c)
}

// GetCourseAccess reports whether the authenticated user may view the
// course content right now, together with the subscription the verdict
// was computed from.
func (h *CourseHandler) GetCourseAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	courseID := mux.Vars(r)["courseID"]

	hasAccess, sub, err := h.evaluateAccess(r, userID, courseID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, subscription.AccessResponse{
		HasAccess:    hasAccess,
		Subscription: sub,
	})
}

func (h *CourseHandler) ListLessons(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	courseID := mux.Vars(r)["courseID"]

	hasAccess, _, err := h.evaluateAccess(r, userID, courseID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if !hasAccess {
		respondWithError(w, http.StatusForbidden, "You do not have access to this course")
		return
	}

	lessons, err := h.courseService.ListLessons(r.Context(), courseID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if lessons == nil {
		lessons = []*course.Lesson{}
	}
	respondWithJSON(w, http.StatusOK, lessons)
}

func (h *CourseHandler) CreateLesson(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	courseID := mux.Vars(r)["courseID"]

	var req course.CreateLessonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	l, err := h.courseService.CreateLesson(r.Context(), userID, courseID, &req)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, l)
}

func (h *CourseHandler) UpdateLesson(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	vars := mux.Vars(r)

	var req course.UpdateLessonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.courseService.UpdateLesson(r.Context(), userID, vars["courseID"], vars["lessonID"], &req); err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *CourseHandler) DeleteLesson(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	vars := mux.Vars(r)

	if err := h.courseService.DeleteLesson(r.Context(), userID, vars["courseID"], vars["lessonID"]); err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *CourseHandler) evaluateAccess(r *http.Request, userID, courseID string) (bool, *subscription.Subscription, error) {
	c, err := h.courseService.GetCourse(r.Context(), courseID)
	if err != nil {
		return false, nil, err
	}

	isOwner := c.OwnerID == userID

	var sub *subscription.Subscription
	if !isOwner {
		sub, err = h.billingService.GetUserCourseSubscription(r.Context(), userID, courseID)
		if err != nil {
			return false, nil, err
		}
	}

	return access.HasAccess(isOwner, sub, time.Now()), sub, nil
}
