package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// CartLineKey identifies a cart line. VariantID is empty for products sold without variants.
type CartLineKey struct {
	ProductID string
	VariantID string
}

// CartLine is a single product/variant entry held in a shopper's cart.
type CartLine struct {
	ProductID    string
	VariantID    string
	Quantity     int
	UnitPrice    int64
	StockCeiling int
	ProductName  string
	ImageURL     string
	Size         string
	Color        string
}

// Key returns the uniqueness key of the line.
func (l CartLine) Key() CartLineKey {
	return CartLineKey{ProductID: l.ProductID, VariantID: l.VariantID}
}

// Cart is the server-held cart for an authenticated user.
type Cart struct {
	UserID    string
	Lines     []CartLine
	UpdatedAt time.Time
}

// CouponKind enumerates the discount rules a coupon can carry.
type CouponKind string

const (
	// CouponKindPercentage discounts a percentage of the subtotal.
	CouponKindPercentage CouponKind = "percentage"
	// CouponKindFixed discounts a fixed amount in minor units.
	CouponKindFixed CouponKind = "fixed"
	// CouponKindFreeShipping waives the shipping cost.
	CouponKindFreeShipping CouponKind = "free_shipping"
)

// Coupon is a redeemable discount code. Value is a whole percentage for percentage
// coupons and an amount in minor units for fixed coupons.
type Coupon struct {
	ID             string
	Code           string
	Kind           CouponKind
	Value          int64
	MinPurchase    *int64
	MaxDiscount    *int64
	MaxUses        *int
	MaxUsesPerUser *int
	UsedCount      int
	StartsAt       *time.Time
	EndsAt         *time.Time
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CouponRedemption records one use of a coupon by one user against one order.
type CouponRedemption struct {
	ID         string
	CouponID   string
	UserID     string
	OrderID    string
	RedeemedAt time.Time
}

// OrderStatus enumerates fulfilment lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending is the initial state; payment has not been confirmed.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates the payment provider confirmed payment.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being picked and packed.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to a carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before delivery.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates the order was refunded.
	OrderStatusRefunded OrderStatus = "refunded"
)

// PaymentStatus enumerates payment lifecycle states for orders.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentProvider names an external payment provider.
type PaymentProvider string

const (
	PaymentProviderStripe   PaymentProvider = "stripe"
	PaymentProviderPaystack PaymentProvider = "paystack"
)

// Address represents a postal address. Orders hold copies, never references.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// ShippingSelection is the shipping method chosen at checkout. Cost is the client's quote; the
// charged amount is the configured rate for Method.
type ShippingSelection struct {
	Method string
	Cost   int64
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
}

// Order is the persisted result of one checkout attempt. Totals never change after creation.
type Order struct {
	ID               string
	OrderNumber      string
	UserID           string
	Email            string
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	PaymentProvider  PaymentProvider
	PaymentReference *string
	Currency         string
	Totals           OrderTotals
	ShippingAddress  Address
	BillingAddress   *Address
	ShippingMethod   string
	CouponCode       *string
	IdempotencyKey   *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PaidAt           *time.Time
	CancelledAt      *time.Time
	RefundedAt       *time.Time
	Lines            []OrderLine
}

// ProductSnapshot freezes catalogue details at purchase time.
type ProductSnapshot struct {
	Name     string
	ImageURL string
	Size     string
	Color    string
}

// OrderLine is an immutable line item of an order.
type OrderLine struct {
	ID         string
	OrderID    string
	ProductID  string
	VariantID  string
	Quantity   int
	UnitPrice  int64
	TotalPrice int64
	Snapshot   ProductSnapshot
}

// Variant is a purchasable SKU. StockQuantity is materialised from the inventory ledger.
type Variant struct {
	ID            string
	ProductID     string
	StockQuantity int
	UpdatedAt     time.Time
}

// Price is the list price of a product, or of one variant when VariantID is set. Checkout
// charges these amounts; cart prices are display hints only.
type Price struct {
	ProductID string
	VariantID string
	UnitPrice int64
	Currency  string
	UpdatedAt time.Time
}

// PriceKey identifies a price row. An empty VariantID addresses the product-level price.
type PriceKey struct {
	ProductID string
	VariantID string
}

// Key returns the row key of the price.
func (p Price) Key() PriceKey {
	return PriceKey{ProductID: p.ProductID, VariantID: p.VariantID}
}

// InventoryReference ties a ledger row to the business object that caused it.
type InventoryReference struct {
	Type string
	ID   string
}

// InventoryDelta is an append-only ledger row. NewQty always equals PreviousQty + ChangeQty.
type InventoryDelta struct {
	ID          string
	VariantID   string
	PreviousQty int
	NewQty      int
	ChangeQty   int
	Reason      string
	Reference   InventoryReference
	Actor       string
	At          time.Time
}

// PendingInventoryDelta is a ledger write that failed and awaits an out-of-band retry.
type PendingInventoryDelta struct {
	ID            string
	VariantID     string
	ChangeQty     int
	Reason        string
	Reference     InventoryReference
	Actor         string
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}
