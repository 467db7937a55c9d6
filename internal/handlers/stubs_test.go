package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/payments"
	"github.com/storefront/checkout/internal/platform/auth"
	"github.com/storefront/checkout/internal/services"
)

type stubCartService struct {
	getFunc     func(ctx context.Context, userID string) (services.Cart, error)
	mergeFunc   func(ctx context.Context, cmd services.MergeCartCommand) (services.Cart, error)
	replaceFunc func(ctx context.Context, cmd services.ReplaceCartCommand) (services.Cart, error)
	clearFunc   func(ctx context.Context, userID string) error
}

func (s *stubCartService) GetCart(ctx context.Context, userID string) (services.Cart, error) {
	if s.getFunc == nil {
		return services.Cart{UserID: userID}, nil
	}
	return s.getFunc(ctx, userID)
}

func (s *stubCartService) MergeCart(ctx context.Context, cmd services.MergeCartCommand) (services.Cart, error) {
	if s.mergeFunc == nil {
		return services.Cart{UserID: cmd.UserID, Lines: cmd.Lines}, nil
	}
	return s.mergeFunc(ctx, cmd)
}

func (s *stubCartService) ReplaceCart(ctx context.Context, cmd services.ReplaceCartCommand) (services.Cart, error) {
	if s.replaceFunc == nil {
		return services.Cart{UserID: cmd.UserID, Lines: cmd.Lines}, nil
	}
	return s.replaceFunc(ctx, cmd)
}

func (s *stubCartService) ClearCart(ctx context.Context, userID string) error {
	if s.clearFunc == nil {
		return nil
	}
	return s.clearFunc(ctx, userID)
}

type stubCouponService struct {
	validateFunc func(ctx context.Context, cmd services.ValidateCouponCommand) (services.CouponValidation, error)
}

func (s *stubCouponService) Validate(ctx context.Context, cmd services.ValidateCouponCommand) (services.CouponValidation, error) {
	return s.validateFunc(ctx, cmd)
}

func (s *stubCouponService) ApplyToOrder(context.Context, services.ApplyCouponCommand) (services.CouponRedemption, error) {
	return services.CouponRedemption{}, nil
}

func (s *stubCouponService) ReleaseForOrder(context.Context, string, string) error {
	return nil
}

type stubCheckoutService struct {
	calls      int
	createFunc func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error)
}

func (s *stubCheckoutService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	s.calls++
	return s.createFunc(ctx, cmd)
}

type stubOrderService struct {
	getFunc        func(ctx context.Context, query services.GetOrderQuery) (services.Order, error)
	listFunc       func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error)
	transitionFunc func(ctx context.Context, cmd services.TransitionStatusCommand) (services.Order, error)
	cancelFunc     func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error)
	refundFunc     func(ctx context.Context, cmd services.RefundOrderCommand) (services.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, query services.GetOrderQuery) (services.Order, error) {
	return s.getFunc(ctx, query)
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	return s.listFunc(ctx, filter)
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.TransitionStatusCommand) (services.Order, error) {
	return s.transitionFunc(ctx, cmd)
}

func (s *stubOrderService) CancelOrder(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	return s.cancelFunc(ctx, cmd)
}

func (s *stubOrderService) RefundOrder(ctx context.Context, cmd services.RefundOrderCommand) (services.Order, error) {
	return s.refundFunc(ctx, cmd)
}

type stubPaymentService struct {
	sessionFunc func(ctx context.Context, cmd services.CreatePaymentSessionCommand) (services.PaymentSession, error)
	eventFunc   func(ctx context.Context, event services.ProviderEvent) (services.Order, error)
}

func (s *stubPaymentService) CreatePaymentSession(ctx context.Context, cmd services.CreatePaymentSessionCommand) (services.PaymentSession, error) {
	return s.sessionFunc(ctx, cmd)
}

func (s *stubPaymentService) HandleProviderEvent(ctx context.Context, event services.ProviderEvent) (services.Order, error) {
	return s.eventFunc(ctx, event)
}

type stubInventoryService struct {
	applyFunc  func(ctx context.Context, cmd services.ApplyDeltaCommand) (services.DeltaResult, error)
	verifyFunc func(ctx context.Context, variantID string) (services.LedgerVerification, error)
}

func (s *stubInventoryService) ApplyDelta(ctx context.Context, cmd services.ApplyDeltaCommand) (services.DeltaResult, error) {
	return s.applyFunc(ctx, cmd)
}

func (s *stubInventoryService) StockLevel(context.Context, string) (int, error) {
	return 0, nil
}

func (s *stubInventoryService) StockLevels(context.Context, []string) (map[string]int, error) {
	return map[string]int{}, nil
}

func (s *stubInventoryService) VerifyVariant(ctx context.Context, variantID string) (services.LedgerVerification, error) {
	return s.verifyFunc(ctx, variantID)
}

type stubInventorySync struct {
	cmd    services.RetryPendingCommand
	result services.RetryPendingResult
	err    error
}

func (s *stubInventorySync) RetryPending(_ context.Context, cmd services.RetryPendingCommand) (services.RetryPendingResult, error) {
	s.cmd = cmd
	return s.result, s.err
}

type stubWebhookParser struct {
	provider  string
	signature string
	event     payments.Event
	err       error
}

func (s *stubWebhookParser) ParseWebhook(provider string, _ []byte, signature string) (payments.Event, error) {
	s.provider = provider
	s.signature = signature
	return s.event, s.err
}

// serve routes one request through a router holding only the given registrar.
func serve(t *testing.T, routes func(chi.Router), identity *auth.Identity, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	routes(router)

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if identity != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func sampleOrder() services.Order {
	ref := "cs_test_1"
	return services.Order{
		ID:               "ord_1",
		OrderNumber:      "ORD-000001",
		UserID:           "user-1",
		Email:            "shopper@example.com",
		Status:           domain.OrderStatusPending,
		PaymentStatus:    domain.PaymentStatusPending,
		PaymentProvider:  domain.PaymentProviderStripe,
		PaymentReference: &ref,
		Currency:         "GBP",
		Totals:           services.OrderTotals{Subtotal: 5000, Discount: 1000, Shipping: 500, Total: 4500},
		ShippingAddress:  services.Address{Recipient: "Ada", Line1: "1 Road", City: "London", PostalCode: "N1", Country: "GB"},
		Lines: []services.OrderLine{{
			ID: "oln_1", OrderID: "ord_1", ProductID: "prod-1", VariantID: "var-1",
			Quantity: 2, UnitPrice: 2500, TotalPrice: 5000,
			Snapshot: domain.ProductSnapshot{Name: "Tee", Size: "M"},
		}},
	}
}

type stubPriceService struct {
	setFunc func(ctx context.Context, cmd services.SetPriceCommand) (services.Price, error)
}

func (s *stubPriceService) SetPrice(ctx context.Context, cmd services.SetPriceCommand) (services.Price, error) {
	return s.setFunc(ctx, cmd)
}

func (s *stubPriceService) QuoteLines(_ context.Context, _ string, lines []services.CartLine) ([]services.CartLine, error) {
	return lines, nil
}
