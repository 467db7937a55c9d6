package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultPaystackBaseURL = "https://api.paystack.co"
	// PaystackSignatureHeader carries the hex HMAC-SHA512 of the webhook body.
	PaystackSignatureHeader = "x-paystack-signature"
	maxPaystackResponseSize = 1 << 20
)

// PaystackProviderConfig configures the PaystackProvider.
type PaystackProviderConfig struct {
	SecretKey  string
	BaseURL    string
	HTTPClient *http.Client
	Logger     func(ctx context.Context, event string, fields map[string]any)
	Clock      func() time.Time
}

// PaystackProvider implements Provider against the Paystack transaction API.
type PaystackProvider struct {
	secret  string
	baseURL string
	client  *http.Client
	logger  func(context.Context, string, map[string]any)
	clock   func() time.Time
}

// NewPaystackProvider constructs a Paystack Provider using the given configuration.
func NewPaystackProvider(cfg PaystackProviderConfig) (*PaystackProvider, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, errors.New("paystack: secret key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultPaystackBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &PaystackProvider{
		secret:  secret,
		baseURL: baseURL,
		client:  httpClient,
		logger:  logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackInitializeRequest struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Reference   string            `json:"reference"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type paystackInitializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// CreateCheckoutSession initializes a transaction. The amount is already in kobo/pence and the
// caller-chosen reference is what Paystack echoes back in webhooks.
func (p *PaystackProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("paystack: provider is nil")
	}
	if strings.TrimSpace(req.Reference) == "" {
		return CheckoutSession{}, fmt.Errorf("%w: paystack reference is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.CustomerEmail) == "" {
		return CheckoutSession{}, fmt.Errorf("%w: paystack requires a customer email", ErrInvalidRequest)
	}

	metadata := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.OrderID != "" {
		metadata["order_id"] = req.OrderID
	}
	if req.OrderNumber != "" {
		metadata["order_number"] = req.OrderNumber
	}

	var data paystackInitializeData
	err := p.call(ctx, http.MethodPost, "/transaction/initialize", paystackInitializeRequest{
		Email:       req.CustomerEmail,
		Amount:      req.Amount,
		Currency:    strings.ToUpper(req.Currency),
		Reference:   req.Reference,
		CallbackURL: req.SuccessURL,
		Metadata:    metadata,
	}, &data)
	if err != nil {
		return CheckoutSession{}, err
	}

	reference := firstNonEmpty(data.Reference, req.Reference)
	p.logger(ctx, "payments.paystack.transaction.initialized", map[string]any{
		"reference": reference,
		"orderId":   req.OrderID,
	})

	return CheckoutSession{
		Provider:    "paystack",
		Reference:   reference,
		RedirectURL: data.AuthorizationURL,
		ExpiresAt:   p.clock().Add(24 * time.Hour),
	}, nil
}

// Refund refunds a transaction by its reference.
func (p *PaystackProvider) Refund(ctx context.Context, req RefundRequest) error {
	if p == nil {
		return errors.New("paystack: provider is nil")
	}
	body := map[string]any{"transaction": req.Reference}
	if req.Amount > 0 {
		body["amount"] = req.Amount
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		body["merchant_note"] = reason
	}
	if err := p.call(ctx, http.MethodPost, "/refund", body, nil); err != nil {
		return err
	}
	p.logger(ctx, "payments.paystack.refunded", map[string]any{"reference": req.Reference})
	return nil
}

type paystackWebhook struct {
	Event string `json:"event"`
	Data  struct {
		ID                   int64          `json:"id"`
		Reference            string         `json:"reference"`
		TransactionReference string         `json:"transaction_reference"`
		Status               string         `json:"status"`
		Amount               int64          `json:"amount"`
		Currency             string         `json:"currency"`
		PaidAt               string         `json:"paid_at"`
		Metadata             map[string]any `json:"metadata"`
	} `json:"data"`
}

// ParseWebhook verifies the x-paystack-signature header and normalises the event.
func (p *PaystackProvider) ParseWebhook(payload []byte, signature string) (Event, error) {
	if p == nil {
		return Event{}, errors.New("paystack: provider is nil")
	}
	if !VerifyPaystackSignature(p.secret, payload, signature) {
		return Event{}, ErrInvalidSignature
	}

	var hook paystackWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return Event{}, fmt.Errorf("paystack: decode webhook: %w", err)
	}

	out := Event{
		Provider:   "paystack",
		ID:         fmt.Sprintf("%s:%d", hook.Event, hook.Data.ID),
		Type:       hook.Event,
		Reference:  hook.Data.Reference,
		Amount:     hook.Data.Amount,
		Currency:   strings.ToUpper(hook.Data.Currency),
		OccurredAt: p.clock(),
	}
	if orderID, ok := hook.Data.Metadata["order_id"].(string); ok {
		out.OrderID = orderID
	}
	if paidAt, err := time.Parse(time.RFC3339, hook.Data.PaidAt); err == nil {
		out.OccurredAt = paidAt.UTC()
	}

	switch hook.Event {
	case "charge.success":
		out.Kind = EventPaid
	case "charge.failed":
		out.Kind = EventFailed
	case "refund.processed":
		out.Kind = EventRefunded
		out.Reference = firstNonEmpty(hook.Data.TransactionReference, hook.Data.Reference)
	default:
		return Event{}, fmt.Errorf("%w: paystack event %s", ErrIgnoredEvent, hook.Event)
	}
	if out.Reference == "" {
		return Event{}, fmt.Errorf("%w: paystack event %s has no reference", ErrIgnoredEvent, hook.Event)
	}
	return out, nil
}

// VerifyPaystackSignature reports whether signature is the hex HMAC-SHA512 of payload under secret.
func VerifyPaystackSignature(secret string, payload []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if secret == "" || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

func (p *PaystackProvider) call(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("paystack: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("paystack: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return &ProviderError{Provider: "paystack", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPaystackResponseSize))
	if err != nil {
		return &ProviderError{Provider: "paystack", Message: err.Error(), StatusCode: resp.StatusCode, Err: err}
	}

	var envelope paystackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &ProviderError{
			Provider:   "paystack",
			Message:    fmt.Sprintf("unexpected paystack response (HTTP %d)", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        err,
		}
	}
	if resp.StatusCode >= http.StatusBadRequest || !envelope.Status {
		return &ProviderError{
			Provider:   "paystack",
			Message:    envelope.Message,
			StatusCode: resp.StatusCode,
		}
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("paystack: decode response: %w", err)
		}
	}
	return nil
}
