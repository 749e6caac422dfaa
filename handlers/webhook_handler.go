package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"

	"learnLoopAPI/middleware"
	"learnLoopAPI/services"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

type WebhookHandler struct {
	billingService *services.BillingService
}

func NewWebhookHandler(billingService *services.BillingService) *WebhookHandler {
	return &WebhookHandler{
		billingService: billingService,
	}
}

// HandleStripeWebhook processes events pushed by Stripe. Signature
// verification runs over the raw, unparsed body; this route must never
// sit behind JSON-parsing middleware. Processing failures return 400 so
// Stripe's retry mechanism redelivers; intentionally ignored events
// return 200 so it doesn't.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	const MaxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("Error reading webhook body: %v", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	endpointSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if endpointSecret == "" {
		log.Println("STRIPE_WEBHOOK_SECRET is not set")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), endpointSecret)
	if err != nil {
		log.Printf("Error verifying webhook signature: %v", err)
		middleware.RecordWebhookEvent("unknown", "bad_signature")
		respondWithError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	log.Printf("Webhook event received: %s", event.Type)

	ctx := r.Context()

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			h.fail(w, string(event.Type), "Error parsing webhook JSON", err)
			return
		}
		if err := h.billingService.HandleCheckoutSessionCompleted(ctx, &session); err != nil {
			h.fail(w, string(event.Type), "Error processing checkout completion", err)
			return
		}

	case "invoice.paid":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			h.fail(w, string(event.Type), "Error parsing webhook JSON", err)
			return
		}
		if err := h.billingService.HandleInvoicePaid(ctx, &invoice); err != nil {
			h.fail(w, string(event.Type), "Error processing renewal", err)
			return
		}

	case "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			h.fail(w, string(event.Type), "Error parsing webhook JSON", err)
			return
		}
		if err := h.billingService.HandleInvoicePaymentFailed(ctx, &invoice); err != nil {
			h.fail(w, string(event.Type), "Error processing payment failure", err)
			return
		}

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			h.fail(w, string(event.Type), "Error parsing webhook JSON", err)
			return
		}
		if err := h.billingService.HandleSubscriptionUpdated(ctx, &sub); err != nil {
			h.fail(w, string(event.Type), "Error processing subscription update", err)
			return
		}

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			h.fail(w, string(event.Type), "Error parsing webhook JSON", err)
			return
		}
		if err := h.billingService.HandleSubscriptionDeleted(ctx, &sub); err != nil {
			h.fail(w, string(event.Type), "Error processing subscription deletion", err)
			return
		}

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			h.fail(w, string(event.Type), "Error parsing webhook JSON", err)
			return
		}
		if err := h.billingService.HandleChargeRefunded(ctx, &charge); err != nil {
			h.fail(w, string(event.Type), "Error processing refund", err)
			return
		}

	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			h.fail(w, string(event.Type), "Error parsing webhook JSON", err)
			return
		}
		if err := h.billingService.HandleDisputeCreated(ctx, &dispute); err != nil {
			h.fail(w, string(event.Type), "Error processing dispute", err)
			return
		}

	default:
		// Events this system intentionally ignores still get a 200 so
		// Stripe doesn't retry them forever.
		log.Printf("Unhandled webhook event type: %s", event.Type)
		middleware.RecordWebhookEvent(string(event.Type), "ignored")
		respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	middleware.RecordWebhookEvent(string(event.Type), "processed")
	respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandler) fail(w http.ResponseWriter, eventType, message string, err error) {
	log.Printf("%s (%s): %v", message, eventType, err)
	middleware.RecordWebhookEvent(eventType, "error")
	respondWithError(w, http.StatusBadRequest, message)
}
