package di

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/payments"
	"github.com/storefront/checkout/internal/platform/config"
	"github.com/storefront/checkout/internal/repositories"
	"github.com/storefront/checkout/internal/repositories/memory"
	"github.com/storefront/checkout/internal/services"
)

type recordingEvents struct {
	mu        sync.Mutex
	orders    []services.OrderEvent
	inventory []services.InventoryEvent
}

func (r *recordingEvents) PublishOrderEvent(_ context.Context, event services.OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, event)
	return nil
}

func (r *recordingEvents) PublishInventoryEvent(_ context.Context, event services.InventoryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inventory = append(r.inventory, event)
	return nil
}

type fakeProvider struct{}

func (fakeProvider) CreateCheckoutSession(_ context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	return payments.CheckoutSession{Provider: "stripe", Reference: "cs_" + req.OrderID, RedirectURL: "https://pay.example/" + req.OrderID}, nil
}

func (fakeProvider) Refund(context.Context, payments.RefundRequest) error { return nil }

func (fakeProvider) ParseWebhook([]byte, string) (payments.Event, error) {
	return payments.Event{}, nil
}

func memoryConfig() config.Config {
	return config.Config{
		Environment: "local",
		Store:       config.StoreConfig{Backend: config.BackendMemory},
		Events:      config.EventsConfig{Backend: config.BackendNone},
		Idempotency: config.IdempotencyConfig{Backend: config.BackendMemory},
		Payments:    config.PaymentsConfig{DefaultProvider: "stripe"},
		Checkout: config.CheckoutConfig{
			DefaultCurrency: "GBP",
			ShippingRates:   map[string]int64{"standard": 500},
		},
		Inventory: config.InventoryConfig{
			RetryMaxAttempts: 3,
			RetryBaseDelay:   time.Second,
			RetryBatchSize:   10,
		},
	}
}

func TestNewContainerWiresCheckoutPipeline(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	if err := store.SeedVariant(ctx, "var-1", "prod-1", 4); err != nil {
		t.Fatalf("seed variant: %v", err)
	}
	store.PutPrice(domain.Price{ProductID: "prod-1", VariantID: "var-1", UnitPrice: 1500, Currency: "GBP"})
	events := &recordingEvents{}

	c, err := NewContainer(ctx, memoryConfig(),
		WithRegistry(store),
		WithEventPublisher(events),
		WithPaymentProviders(map[string]payments.Provider{"stripe": fakeProvider{}}),
		WithMeter(noop.NewMeterProvider().Meter("test")),
	)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	defer func() { _ = c.Close(ctx) }()

	if c.Idempotency == nil || c.Payments == nil || c.Health == nil || c.Metrics == nil {
		t.Fatalf("expected infrastructure to be wired: %#v", c)
	}

	order, err := c.Services.Checkout.CreateOrder(ctx, services.CreateOrderCommand{
		UserID: "user-1",
		Email:  "user-1@example.com",
		Lines: []services.CartLine{{
			ProductID:    "prod-1",
			VariantID:    "var-1",
			Quantity:     2,
			UnitPrice:    1,
			StockCeiling: 10,
			ProductName:  "Canvas tote",
		}},
		ShippingAddress: &services.Address{
			Recipient:  "Ada Obi",
			Line1:      "12 Marina Road",
			City:       "Lagos",
			PostalCode: "101001",
			Country:    "NG",
		},
		Shipping: services.ShippingSelection{Method: "standard", Cost: 1},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Totals.Total != 3500 || order.Currency != "GBP" {
		t.Fatalf("unexpected order totals %#v currency %q", order.Totals, order.Currency)
	}
	if level, err := c.Services.Inventory.StockLevel(ctx, "var-1"); err != nil || level != 2 {
		t.Fatalf("expected stock 2, got %d (%v)", level, err)
	}

	session, err := c.Services.Payments.CreatePaymentSession(ctx, services.CreatePaymentSessionCommand{
		OrderID:    order.ID,
		UserID:     "user-1",
		SuccessURL: "https://shop.example/ok",
		CancelURL:  "https://shop.example/cancel",
	})
	if err != nil {
		t.Fatalf("CreatePaymentSession: %v", err)
	}
	if session.Reference != "cs_"+order.ID {
		t.Fatalf("unexpected session %#v", session)
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.orders) == 0 || len(events.inventory) == 0 {
		t.Fatalf("expected order and inventory events, got %d/%d", len(events.orders), len(events.inventory))
	}

	report, err := c.Health.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != repositories.HealthStatusOK {
		t.Fatalf("expected healthy report, got %#v", report)
	}
}

func TestNewContainerBuildsMemoryBackends(t *testing.T) {
	c, err := NewContainer(context.Background(), memoryConfig(),
		WithPaymentProviders(map[string]payments.Provider{"stripe": fakeProvider{}}),
		WithMeter(noop.NewMeterProvider().Meter("test")),
	)
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	if _, ok := c.Repositories.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", c.Repositories)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNewContainerRejectsUnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store.Backend = "cassandra"
	_, err := NewContainer(context.Background(), cfg,
		WithPaymentProviders(map[string]payments.Provider{"stripe": fakeProvider{}}),
	)
	if err == nil || !strings.Contains(err.Error(), "cassandra") {
		t.Fatalf("expected unsupported backend error, got %v", err)
	}
}

func TestNewContainerRequiresPaymentProvider(t *testing.T) {
	_, err := NewContainer(context.Background(), memoryConfig(), WithRegistry(memory.NewStore()))
	if err == nil || !strings.Contains(err.Error(), "payment manager") {
		t.Fatalf("expected payment manager error, got %v", err)
	}
}

func TestBuildPaymentProvidersFromCredentials(t *testing.T) {
	providers, err := buildPaymentProviders(config.PaymentsConfig{
		StripeAPIKey:        "sk_test_123",
		StripeWebhookSecret: "whsec_123",
		PaystackSecretKey:   "sk_paystack",
	}, nil)
	if err != nil {
		t.Fatalf("buildPaymentProviders: %v", err)
	}
	if _, ok := providers["stripe"]; !ok {
		t.Fatalf("expected stripe provider")
	}
	if _, ok := providers["paystack"]; !ok {
		t.Fatalf("expected paystack provider")
	}

	none, err := buildPaymentProviders(config.PaymentsConfig{}, nil)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no providers, got %v (%v)", none, err)
	}
}
