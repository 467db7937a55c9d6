package repositories

import (
	"context"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Coupons() CouponRepository
	Redemptions() RedemptionRepository
	Orders() OrderRepository
	Inventory() InventoryRepository
	Prices() PriceRepository
	PendingDeltas() PendingDeltaRepository
	Counters() CounterRepository
	Ping(ctx context.Context) error
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
// Backends without multi-document transactions run fn directly; callers compensate on failure.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PriceRepository stores list prices keyed by (product, variant).
type PriceRepository interface {
	Upsert(ctx context.Context, price domain.Price) (domain.Price, error)
	GetMany(ctx context.Context, keys []domain.PriceKey) (map[domain.PriceKey]domain.Price, error)
}

// CartRepository persists server-held carts. Replace swaps the full line set atomically.
type CartRepository interface {
	Get(ctx context.Context, userID string) (domain.Cart, error)
	Replace(ctx context.Context, userID string, lines []domain.CartLine, updatedAt time.Time) (domain.Cart, error)
	Clear(ctx context.Context, userID string) error
}

// CouponRepository reads coupons by their normalised (upper-case) code.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
}

// RedeemRequest describes a redemption to record atomically against caps.
type RedeemRequest struct {
	Redemption     domain.CouponRedemption
	MaxUses        *int
	MaxUsesPerUser *int
}

// RedemptionRepository records coupon usage. Redeem must check the global and per-user caps,
// insert the redemption and increment the coupon's used count in one atomic step.
// Redeeming the same (coupon, order) twice returns the original row.
type RedemptionRepository interface {
	CountByUser(ctx context.Context, couponID, userID string) (int, error)
	Redeem(ctx context.Context, req RedeemRequest) (domain.CouponRedemption, error)
	Release(ctx context.Context, couponID, orderID string) error
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

// OrderStateChange is a conditional update of an order's mutable state. It applies only when the
// stored status and payment status still match the expected values; otherwise a conflict is returned.
type OrderStateChange struct {
	OrderID               string
	ExpectedStatus        domain.OrderStatus
	ExpectedPaymentStatus domain.PaymentStatus
	Status                domain.OrderStatus
	PaymentStatus         domain.PaymentStatus
	PaymentProvider       *domain.PaymentProvider
	PaymentReference      *string
	PaidAt                *time.Time
	CancelledAt           *time.Time
	RefundedAt            *time.Time
	UpdatedAt             time.Time
}

// OrderRepository persists order headers and their immutable lines.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	InsertLines(ctx context.Context, orderID string, lines []domain.OrderLine) error
	Delete(ctx context.Context, orderID string) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Order, error)
	FindByPaymentReference(ctx context.Context, provider domain.PaymentProvider, reference string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	UpdateState(ctx context.Context, change OrderStateChange) (domain.Order, error)
}

// DeltaRequest describes a single ledger write.
type DeltaRequest struct {
	DeltaID   string
	VariantID string
	ChangeQty int
	Reason    string
	Reference domain.InventoryReference
	Actor     string
	At        time.Time
}

// DeltaResult reports the appended (or previously appended) ledger row.
type DeltaResult struct {
	Delta    domain.InventoryDelta
	Replayed bool
}

// InventoryRepository is the only writer of variant stock. ApplyDelta performs an atomic
// conditional update that refuses to take stock below zero, and appends the ledger row in the
// same transaction. A request matching an existing row on (reference, variant, reason) is a replay.
type InventoryRepository interface {
	ApplyDelta(ctx context.Context, req DeltaRequest) (DeltaResult, error)
	GetVariant(ctx context.Context, variantID string) (domain.Variant, error)
	GetVariants(ctx context.Context, variantIDs []string) (map[string]domain.Variant, error)
	ListDeltas(ctx context.Context, variantID string) ([]domain.InventoryDelta, error)
}

// PendingDeltaRepository queues ledger writes that must be retried out of band.
type PendingDeltaRepository interface {
	Enqueue(ctx context.Context, pending domain.PendingInventoryDelta) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.PendingInventoryDelta, error)
	MarkAttempt(ctx context.Context, id string, lastError string, nextAttemptAt time.Time) error
	Delete(ctx context.Context, id string) error
}

// CounterRepository issues monotonically increasing sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository aggregates dependency checks for readiness reporting.
type HealthRepository interface {
	Collect(ctx context.Context) (HealthReport, error)
}
