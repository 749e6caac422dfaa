package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"learnLoopAPI/internal/apperrors"
	"learnLoopAPI/internal/types/subscription"
	"learnLoopAPI/middleware"
	"learnLoopAPI/services"
)

type BillingHandler struct {
	billingService *services.BillingService
}

func NewBillingHandler(billingService *services.BillingService) *BillingHandler {
	return &BillingHandler{
		billingService: billingService,
	}
}

// CreateCheckout starts a hosted checkout session for the authenticated
// user. Returns the session id and redirect URL.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req subscription.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.CourseID == "" {
		respondWithError(w, http.StatusBadRequest, "courseId is required")
		return
	}

	resp, err := h.billingService.CreateCheckout(r.Context(), userID, req.CourseID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, resp)
}

// CancelSubscription schedules cancellation at period end for a
// subscription owned by the authenticated user.
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req subscription.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SubscriptionID == "" {
		respondWithError(w, http.StatusBadRequest, "subscriptionId is required")
		return
	}

	resp, err := h.billingService.CancelSubscription(r.Context(), userID, req.SubscriptionID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, resp)
}

// ReactivateSubscription clears a pending cancellation.
func (h *BillingHandler) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req subscription.ReactivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SubscriptionID == "" {
		respondWithError(w, http.StatusBadRequest, "subscriptionId is required")
		return
	}

	resp, err := h.billingService.ReactivateSubscription(r.Context(), userID, req.SubscriptionID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, resp)
}

// GetSubscriptions lists the authenticated user's active subscriptions,
// newest enrollment first.
func (h *BillingHandler) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	subs, err := h.billingService.ListUserSubscriptions(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if subs == nil {
		subs = []*subscription.Subscription{}
	}

	respondWithJSON(w, http.StatusOK, subs)
}

// respondWithServiceError maps the service error taxonomy onto HTTP
// statuses. Conflicts and missing resources are user-correctable;
// everything else (including upstream processor failures) surfaces as a
// 400 with the error message, matching the command endpoints' contract.
func respondWithServiceError(w http.ResponseWriter, err error) {
	switch {
	case apperrors.IsConflict(err):
		respondWithError(w, http.StatusConflict, err.Error())
	case apperrors.IsNotFound(err):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperrors.ErrAuthentication):
		respondWithError(w, http.StatusUnauthorized, err.Error())
	default:
		log.Printf("Request failed: %v", err)
		respondWithError(w, http.StatusBadRequest, err.Error())
	}
}

// Helper functions
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
