package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

const defaultStripeSessionTTL = 30 * time.Minute

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	refunds  stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider implements Provider with Stripe Checkout.
type StripeProvider struct {
	api           stripeClients
	webhookSecret string
	account       string
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			refunds:  sc.Refunds,
		}
	}

	if clients.sessions == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:           clients,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		account:       strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession creates a Stripe Checkout session with a single line item carrying the order total.
// The session id is the reference Stripe echoes back in webhooks.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("stripe: provider is nil")
	}

	name := "Order"
	if req.OrderNumber != "" {
		name = "Order " + req.OrderNumber
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(name),
					},
				},
			},
		},
	}
	params.Context = ctx
	if req.CancelURL != "" {
		params.CancelURL = stripe.String(req.CancelURL)
	}
	if req.OrderID != "" {
		params.ClientReferenceID = stripe.String(req.OrderID)
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	metadata := stripeMetadata(req)
	params.Metadata = metadata
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: maps.Clone(metadata),
	}

	session, err := p.api.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, stripeProviderError("create checkout session", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"orderId":   req.OrderID,
		"currency":  req.Currency,
	})

	expiresAt := p.clock().Add(defaultStripeSessionTTL)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return CheckoutSession{
		Provider:    "stripe",
		Reference:   session.ID,
		RedirectURL: session.URL,
		ExpiresAt:   expiresAt,
	}, nil
}

// Refund refunds the payment intent behind a Checkout session.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) error {
	if p == nil {
		return errors.New("stripe: provider is nil")
	}

	getParams := &stripe.CheckoutSessionParams{}
	getParams.Context = ctx
	getParams.AddExpand("payment_intent")
	if p.account != "" {
		getParams.SetStripeAccount(p.account)
	}
	session, err := p.api.sessions.Get(req.Reference, getParams)
	if err != nil {
		return stripeProviderError("lookup checkout session", err)
	}
	if session.PaymentIntent == nil || session.PaymentIntent.ID == "" {
		return &ProviderError{Provider: "stripe", Code: "no_payment_intent", Message: "checkout session has no payment to refund"}
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(session.PaymentIntent.ID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if _, err := p.api.refunds.New(params); err != nil {
		return stripeProviderError("refund payment intent", err)
	}

	p.logger(ctx, "payments.stripe.refunded", map[string]any{
		"sessionId":     req.Reference,
		"paymentIntent": session.PaymentIntent.ID,
	})
	return nil
}

// ParseWebhook verifies the Stripe-Signature header and normalises the event.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (Event, error) {
	if p == nil {
		return Event{}, errors.New("stripe: provider is nil")
	}
	if p.webhookSecret == "" {
		return Event{}, errors.New("stripe: webhook secret is not configured")
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if evt.Data == nil {
		return Event{}, fmt.Errorf("%w: stripe event %s has no data", ErrIgnoredEvent, evt.ID)
	}

	out := Event{
		Provider:   "stripe",
		ID:         evt.ID,
		Type:       string(evt.Type),
		OccurredAt: time.Unix(evt.Created, 0).UTC(),
	}

	switch string(evt.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			return Event{}, fmt.Errorf("stripe: decode checkout session: %w", err)
		}
		out.Reference = session.ID
		out.OrderID = firstNonEmpty(session.ClientReferenceID, session.Metadata["order_id"])
		out.Amount = session.AmountTotal
		out.Currency = strings.ToUpper(string(session.Currency))
		switch string(evt.Type) {
		case "checkout.session.completed":
			if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
				return Event{}, fmt.Errorf("%w: session %s completed with payment status %s", ErrIgnoredEvent, session.ID, session.PaymentStatus)
			}
			out.Kind = EventPaid
		case "checkout.session.async_payment_succeeded":
			out.Kind = EventPaid
		default:
			out.Kind = EventFailed
		}
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &charge); err != nil {
			return Event{}, fmt.Errorf("stripe: decode charge: %w", err)
		}
		if !charge.Refunded {
			return Event{}, fmt.Errorf("%w: charge %s partially refunded", ErrIgnoredEvent, charge.ID)
		}
		out.Kind = EventRefunded
		out.OrderID = charge.Metadata["order_id"]
		out.Amount = charge.AmountRefunded
		out.Currency = strings.ToUpper(string(charge.Currency))
	default:
		return Event{}, fmt.Errorf("%w: stripe event type %s", ErrIgnoredEvent, evt.Type)
	}

	return out, nil
}

func stripeMetadata(req CheckoutSessionRequest) map[string]string {
	metadata := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
			metadata[k] = v
		}
	}
	if req.OrderID != "" {
		metadata["order_id"] = req.OrderID
	}
	if req.OrderNumber != "" {
		metadata["order_number"] = req.OrderNumber
	}
	return metadata
}

func stripeProviderError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return &ProviderError{
			Provider:   "stripe",
			Code:       string(stripeErr.Code),
			Message:    stripeErr.Msg,
			StatusCode: stripeErr.HTTPStatusCode,
			Err:        err,
		}
	}
	return &ProviderError{Provider: "stripe", Message: err.Error(), Err: fmt.Errorf("stripe: %s: %w", op, err)}
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
