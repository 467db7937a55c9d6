package services

import (
	"context"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination            = domain.Pagination
	Cart                  = domain.Cart
	CartLine              = domain.CartLine
	CartLineKey           = domain.CartLineKey
	Coupon                = domain.Coupon
	CouponKind            = domain.CouponKind
	CouponRedemption      = domain.CouponRedemption
	Order                 = domain.Order
	OrderLine             = domain.OrderLine
	OrderStatus           = domain.OrderStatus
	OrderTotals           = domain.OrderTotals
	PaymentStatus         = domain.PaymentStatus
	PaymentProvider       = domain.PaymentProvider
	Address               = domain.Address
	ShippingSelection     = domain.ShippingSelection
	Variant               = domain.Variant
	Price                 = domain.Price
	PriceKey              = domain.PriceKey
	InventoryDelta        = domain.InventoryDelta
	InventoryReference    = domain.InventoryReference
	PendingInventoryDelta = domain.PendingInventoryDelta
)

// CartService reconciles guest carts with server-held carts and keeps quantities within stock.
type CartService interface {
	GetCart(ctx context.Context, userID string) (Cart, error)
	MergeCart(ctx context.Context, cmd MergeCartCommand) (Cart, error)
	ReplaceCart(ctx context.Context, cmd ReplaceCartCommand) (Cart, error)
	ClearCart(ctx context.Context, userID string) error
}

// CouponService validates coupon codes and records redemptions.
type CouponService interface {
	Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error)
	ApplyToOrder(ctx context.Context, cmd ApplyCouponCommand) (CouponRedemption, error)
	ReleaseForOrder(ctx context.Context, couponID, orderID string) error
}

// InventoryService is the only writer of variant stock.
type InventoryService interface {
	ApplyDelta(ctx context.Context, cmd ApplyDeltaCommand) (DeltaResult, error)
	StockLevel(ctx context.Context, variantID string) (int, error)
	StockLevels(ctx context.Context, variantIDs []string) (map[string]int, error)
	VerifyVariant(ctx context.Context, variantID string) (LedgerVerification, error)
}

// PriceService owns list prices. Checkout charges QuoteLines output, never client prices.
type PriceService interface {
	SetPrice(ctx context.Context, cmd SetPriceCommand) (Price, error)
	QuoteLines(ctx context.Context, currency string, lines []CartLine) ([]CartLine, error)
}

// CheckoutService turns a cart into a persisted order.
type CheckoutService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
}

// PaymentService opens provider sessions and folds provider events into order state.
type PaymentService interface {
	CreatePaymentSession(ctx context.Context, cmd CreatePaymentSessionCommand) (PaymentSession, error)
	HandleProviderEvent(ctx context.Context, event ProviderEvent) (Order, error)
}

// OrderService exposes order reads and post-checkout lifecycle transitions.
type OrderService interface {
	GetOrder(ctx context.Context, query GetOrderQuery) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd TransitionStatusCommand) (Order, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	RefundOrder(ctx context.Context, cmd RefundOrderCommand) (Order, error)
}

// InventorySyncService retries ledger writes that failed during checkout.
type InventorySyncService interface {
	RetryPending(ctx context.Context, cmd RetryPendingCommand) (RetryPendingResult, error)
}

// CounterService issues formatted sequence numbers.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (string, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	UserID         string
	PreviousStatus string
	CurrentStatus  string
	PaymentStatus  string
	Total          int64
	Currency       string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// ReceiptArchive stores an immutable receipt once an order is paid.
type ReceiptArchive interface {
	StoreReceipt(ctx context.Context, order Order) (string, error)
}

// SetPriceCommand records a list price. An empty VariantID sets the product-level price used by
// variants without their own row.
type SetPriceCommand struct {
	ProductID string
	VariantID string
	UnitPrice int64
	Currency  string
	ActorID   string
}

// MergeCartCommand carries the guest cart lines collected before sign-in.
type MergeCartCommand struct {
	UserID string
	Lines  []CartLine
}

// ReplaceCartCommand overwrites the server cart with the supplied lines.
type ReplaceCartCommand struct {
	UserID string
	Lines  []CartLine
}

// ValidateCouponCommand describes a coupon check against a prospective subtotal.
type ValidateCouponCommand struct {
	Code     string
	Subtotal int64
	UserID   string
}

// CouponValidation reports whether a coupon may be used and what it is worth.
// Reason is empty when OK is true.
type CouponValidation struct {
	OK             bool
	Reason         string
	DiscountAmount int64
	FreeShipping   bool
	Coupon         *Coupon
}

// ApplyCouponCommand records a coupon redemption for an order.
type ApplyCouponCommand struct {
	Code    string
	OrderID string
	UserID  string
}

// ApplyDeltaCommand describes a single stock movement.
type ApplyDeltaCommand struct {
	VariantID string
	ChangeQty int
	Reason    string
	Reference InventoryReference
	Actor     string
}

// DeltaResult reports the ledger row written (or found) for a delta.
type DeltaResult struct {
	DeltaID     string
	PreviousQty int
	NewQty      int
	Replayed    bool
}

// LedgerVerification compares the stored stock counter with the folded ledger.
type LedgerVerification struct {
	VariantID   string
	StoredQty   int
	FoldedQty   int
	DeltaCount  int
	Consistent  bool
	BrokenChain []string
}

// CreateOrderCommand carries everything checkout needs besides the cart itself.
// When Lines is empty the server cart of UserID is used.
type CreateOrderCommand struct {
	UserID          string
	Email           string
	Lines           []CartLine
	ShippingAddress *Address
	BillingAddress  *Address
	Shipping        ShippingSelection
	PaymentProvider PaymentProvider
	Currency        string
	CouponCode      string
	IdempotencyKey  string
}

// CreatePaymentSessionCommand opens a provider session for an existing order.
type CreatePaymentSessionCommand struct {
	OrderID        string
	UserID         string
	Provider       PaymentProvider
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// PaymentSession is returned to the client to continue payment on the provider.
type PaymentSession struct {
	Provider    PaymentProvider
	RedirectURL string
	Reference   string
	ExpiresAt   *time.Time
}

// ProviderEventKind enumerates normalised provider notifications.
type ProviderEventKind string

const (
	ProviderEventPaid     ProviderEventKind = "paid"
	ProviderEventFailed   ProviderEventKind = "failed"
	ProviderEventRefunded ProviderEventKind = "refunded"
)

// ProviderEvent is a verified provider notification. OrderID is a fallback when the
// provider does not echo the stored reference.
type ProviderEvent struct {
	Provider   PaymentProvider
	EventID    string
	Reference  string
	OrderID    string
	Kind       ProviderEventKind
	OccurredAt time.Time
}

// GetOrderQuery loads a single order. Staff callers may read any order.
type GetOrderQuery struct {
	OrderID string
	UserID  string
	Staff   bool
}

// OrderListFilter narrows order listings.
type OrderListFilter = repositories.OrderListFilter

// TransitionStatusCommand moves a paid order through fulfilment.
type TransitionStatusCommand struct {
	OrderID      string
	TargetStatus OrderStatus
	ActorID      string
}

// CancelOrderCommand cancels an order before it is delivered.
type CancelOrderCommand struct {
	OrderID string
	UserID  string
	ActorID string
	Staff   bool
	Reason  string
}

// RefundOrderCommand refunds a paid order through its payment provider.
type RefundOrderCommand struct {
	OrderID string
	ActorID string
	Reason  string
}

// RetryPendingCommand bounds one retry sweep.
type RetryPendingCommand struct {
	Limit int
}

// RetryPendingResult summarises a retry sweep.
type RetryPendingResult struct {
	Attempted int
	Applied   int
	Failed    int
	Dropped   int
}

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step      int64
	Prefix    string
	Suffix    string
	PadLength int
	Formatter func(now time.Time, value int64) string
}

// CounterValue holds the raw and formatted sequence value.
type CounterValue struct {
	Value     int64
	Formatted string
}
