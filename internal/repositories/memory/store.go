// Package memory provides a process-local store used for local development and tests.
// Every operation is serialised through one lock so ledger and redemption rules hold under
// concurrent callers exactly as they do in the durable backends.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/repositories"
)

type txKey struct{}

type state struct {
	carts        map[string]domain.Cart
	coupons      map[string]domain.Coupon
	couponCodes  map[string]string
	redemptions  []domain.CouponRedemption
	orders       map[string]domain.Order
	orderLines   map[string][]domain.OrderLine
	orderKeys    map[string]string
	variants     map[string]domain.Variant
	prices       map[domain.PriceKey]domain.Price
	deltas       []domain.InventoryDelta
	deltaIndex   map[string]int
	pending      map[string]domain.PendingInventoryDelta
	counters     map[string]int64
	counterLimit map[string]int64
}

func newState() *state {
	return &state{
		carts:        make(map[string]domain.Cart),
		coupons:      make(map[string]domain.Coupon),
		couponCodes:  make(map[string]string),
		orders:       make(map[string]domain.Order),
		orderLines:   make(map[string][]domain.OrderLine),
		orderKeys:    make(map[string]string),
		variants:     make(map[string]domain.Variant),
		prices:       make(map[domain.PriceKey]domain.Price),
		deltaIndex:   make(map[string]int),
		pending:      make(map[string]domain.PendingInventoryDelta),
		counters:     make(map[string]int64),
		counterLimit: make(map[string]int64),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.carts {
		v.Lines = append([]domain.CartLine(nil), v.Lines...)
		out.carts[k] = v
	}
	for k, v := range s.coupons {
		out.coupons[k] = v
	}
	for k, v := range s.couponCodes {
		out.couponCodes[k] = v
	}
	out.redemptions = append([]domain.CouponRedemption(nil), s.redemptions...)
	for k, v := range s.orders {
		out.orders[k] = v
	}
	for k, v := range s.orderLines {
		out.orderLines[k] = append([]domain.OrderLine(nil), v...)
	}
	for k, v := range s.orderKeys {
		out.orderKeys[k] = v
	}
	for k, v := range s.variants {
		out.variants[k] = v
	}
	for k, v := range s.prices {
		out.prices[k] = v
	}
	out.deltas = append([]domain.InventoryDelta(nil), s.deltas...)
	for k, v := range s.deltaIndex {
		out.deltaIndex[k] = v
	}
	for k, v := range s.pending {
		out.pending[k] = v
	}
	for k, v := range s.counters {
		out.counters[k] = v
	}
	for k, v := range s.counterLimit {
		out.counterLimit[k] = v
	}
	return out
}

// Store implements repositories.Registry in memory.
type Store struct {
	mu    sync.Mutex
	data  *state
	clock func() time.Time
}

var _ repositories.Registry = (*Store)(nil)

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		data:  newState(),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// acquire takes the store lock unless ctx already belongs to a running transaction on this store.
func (s *Store) acquire(ctx context.Context) func() {
	if owner, ok := ctx.Value(txKey{}).(*Store); ok && owner == s {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// RunInTx runs fn while holding the store lock. Changes made by fn are discarded when it fails.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("memory store: transaction function is nil")
	}
	if owner, ok := ctx.Value(txKey{}).(*Store); ok && owner == s {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// Close is a no-op for the memory store.
func (s *Store) Close(context.Context) error { return nil }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Carts() repositories.CartRepository                 { return cartRepository{s} }
func (s *Store) Coupons() repositories.CouponRepository             { return couponRepository{s} }
func (s *Store) Redemptions() repositories.RedemptionRepository     { return redemptionRepository{s} }
func (s *Store) Orders() repositories.OrderRepository               { return orderRepository{s} }
func (s *Store) Inventory() repositories.InventoryRepository        { return inventoryRepository{s} }
func (s *Store) Prices() repositories.PriceRepository               { return priceRepository{s} }
func (s *Store) PendingDeltas() repositories.PendingDeltaRepository { return pendingDeltaRepository{s} }
func (s *Store) Counters() repositories.CounterRepository           { return counterRepository{s} }

// PutCoupon seeds or replaces a coupon. The code is stored upper-cased.
func (s *Store) PutCoupon(coupon domain.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon.Code = normalizeCode(coupon.Code)
	if previous, ok := s.data.coupons[coupon.ID]; ok {
		delete(s.data.couponCodes, previous.Code)
	}
	s.data.coupons[coupon.ID] = coupon
	s.data.couponCodes[coupon.Code] = coupon.ID
}

// Coupon returns the stored coupon by id.
func (s *Store) Coupon(id string) (domain.Coupon, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon, ok := s.data.coupons[id]
	return coupon, ok
}

// PutPrice seeds or replaces a list price.
func (s *Store) PutPrice(price domain.Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if price.UpdatedAt.IsZero() {
		price.UpdatedAt = s.clock()
	}
	s.data.prices[price.Key()] = price
}

// SeedVariant registers a variant and books its opening stock through the ledger.
func (s *Store) SeedVariant(ctx context.Context, variantID, productID string, quantity int) error {
	s.mu.Lock()
	if _, ok := s.data.variants[variantID]; !ok {
		s.data.variants[variantID] = domain.Variant{ID: variantID, ProductID: productID, UpdatedAt: s.clock()}
	}
	s.mu.Unlock()
	if quantity == 0 {
		return nil
	}
	_, err := s.Inventory().ApplyDelta(ctx, repositories.DeltaRequest{
		DeltaID:   "seed-" + variantID,
		VariantID: variantID,
		ChangeQty: quantity,
		Reason:    "stock received",
		Reference: domain.InventoryReference{Type: "seed", ID: variantID},
		Actor:     "system",
		At:        s.clock(),
	})
	return err
}

// SetCounterLimit caps a counter, mirroring the maxValue setting of durable backends.
func (s *Store) SetCounterLimit(counterID string, limit int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.counterLimit[counterID] = limit
}
