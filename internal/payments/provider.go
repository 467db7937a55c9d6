package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/currency"
)

// EventKind enumerates the normalised payment notifications shared across providers.
type EventKind string

const (
	// EventPaid indicates the provider captured the payment.
	EventPaid EventKind = "paid"
	// EventFailed indicates the provider reports a failure and no further action is possible.
	EventFailed EventKind = "failed"
	// EventRefunded indicates the payment has been refunded.
	EventRefunded EventKind = "refunded"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrInvalidSignature is returned when a webhook payload fails verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrIgnoredEvent is returned for webhook events that carry no payment state change.
	ErrIgnoredEvent = errors.New("payments: event ignored")
	// ErrInvalidRequest is returned when a session or refund request is incomplete.
	ErrInvalidRequest = errors.New("payments: invalid request")
)

// ProviderError carries a provider failure with the provider's own message intact.
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: request failed", e.Provider)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CheckoutSessionRequest captures the payload required to create a hosted payment page.
// Amount is in minor units of Currency.
type CheckoutSessionRequest struct {
	OrderID        string
	OrderNumber    string
	Amount         int64
	Currency       string
	CustomerEmail  string
	Reference      string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// CheckoutSession represents the provider session returned to the client.
// Reference is what the provider echoes back in webhooks.
type CheckoutSession struct {
	Provider    string
	Reference   string
	RedirectURL string
	ExpiresAt   time.Time
}

// RefundRequest defines a provider refund of a whole payment.
type RefundRequest struct {
	Reference      string
	Amount         int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

// Event is a verified, normalised webhook notification.
type Event struct {
	Provider   string
	ID         string
	Type       string
	Kind       EventKind
	Reference  string
	OrderID    string
	Amount     int64
	Currency   string
	OccurredAt time.Time
}

// Provider defines the contract for provider adapters to implement.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	Refund(ctx context.Context, req RefundRequest) error
	ParseWebhook(payload []byte, signature string) (Event, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	currencyCode := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currencyCode != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currencyCode]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateCheckoutSession validates the request and delegates to the resolved provider.
func (m *Manager) CreateCheckoutSession(ctx context.Context, paymentCtx PaymentContext, req CheckoutSessionRequest) (CheckoutSession, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return CheckoutSession{}, err
	}
	if err := validateSessionRequest(req); err != nil {
		return CheckoutSession{}, err
	}
	session, err := provider.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutSession{}, err
	}
	session.Provider = key
	return session, nil
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) error {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.Reference) == "" {
		return fmt.Errorf("%w: reference is required", ErrInvalidRequest)
	}
	return provider.Refund(ctx, req)
}

// ParseWebhook verifies and normalises a webhook payload for the named provider.
func (m *Manager) ParseWebhook(providerKey string, payload []byte, signature string) (Event, error) {
	key, provider, err := m.resolveProvider(PaymentContext{PreferredProvider: providerKey})
	if err != nil {
		return Event{}, err
	}
	event, err := provider.ParseWebhook(payload, signature)
	if err != nil {
		return Event{}, err
	}
	event.Provider = key
	return event, nil
}

func validateSessionRequest(req CheckoutSessionRequest) error {
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if _, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(req.Currency))); err != nil {
		return fmt.Errorf("%w: currency %q: %v", ErrInvalidRequest, req.Currency, err)
	}
	if strings.TrimSpace(req.SuccessURL) == "" {
		return fmt.Errorf("%w: success url is required", ErrInvalidRequest)
	}
	return nil
}
