package services

import (
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeAPI is the slice of the payment processor's API the billing core
// talks to. Handlers and the state machine depend on this interface so
// tests can substitute a fake processor.
type StripeAPI interface {
	CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	GetSubscription(id string) (*stripe.Subscription, error)
	UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	CancelSubscription(id string) (*stripe.Subscription, error)
	GetInvoice(id string) (*stripe.Invoice, error)
	GetCharge(id string) (*stripe.Charge, error)
}

type StripeService struct {
	api *client.API
}

func NewStripeService(secretKey string) *StripeService {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeService{api: api}
}

func (s *StripeService) CreateCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return s.api.CheckoutSessions.New(params)
}

func (s *StripeService) GetSubscription(id string) (*stripe.Subscription, error) {
	return s.api.Subscriptions.Get(id, nil)
}

func (s *StripeService) UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return s.api.Subscriptions.Update(id, params)
}

func (s *StripeService) CancelSubscription(id string) (*stripe.Subscription, error) {
	return s.api.Subscriptions.Cancel(id, nil)
}

func (s *StripeService) GetInvoice(id string) (*stripe.Invoice, error) {
	return s.api.Invoices.Get(id, nil)
}

func (s *StripeService) GetCharge(id string) (*stripe.Charge, error) {
	return s.api.Charges.Get(id, nil)
}
