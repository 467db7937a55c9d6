// Package firestore implements the repository registry on Cloud Firestore. Every operation that
// must be atomic (coupon redemption, ledger writes, order state changes, counters) runs in its own
// Firestore transaction.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	pfirestore "github.com/storefront/checkout/internal/platform/firestore"
	"github.com/storefront/checkout/internal/repositories"
)

const (
	cartsCollection          = "carts"
	couponsCollection        = "coupons"
	redemptionsCollection    = "couponRedemptions"
	ordersCollection         = "orders"
	orderLinesCollection     = "lines"
	orderKeysCollection      = "orderIdempotencyKeys"
	variantsCollection       = "variants"
	deltasCollection         = "inventoryDeltas"
	deltaRefsCollection      = "inventoryDeltaRefs"
	pendingDeltasCollection  = "pendingInventoryDeltas"
	countersCollection       = "counters"
	defaultOrderListPageSize = 20
)

// Store implements repositories.Registry on a Firestore provider.
type Store struct {
	provider *pfirestore.Provider

	carts       *CartRepository
	coupons     *CouponRepository
	redemptions *RedemptionRepository
	orders      *OrderRepository
	inventory   *InventoryRepository
	prices      *PriceRepository
	pending     *PendingDeltaRepository
	counters    *CounterRepository
}

var _ repositories.Registry = (*Store)(nil)

// NewStore wires every Firestore repository against provider.
func NewStore(provider *pfirestore.Provider) (*Store, error) {
	if provider == nil {
		return nil, errors.New("firestore store: provider is required")
	}
	return &Store{
		provider:    provider,
		carts:       &CartRepository{base: pfirestore.NewCollection[cartDocument](provider, cartsCollection)},
		coupons:     &CouponRepository{base: pfirestore.NewCollection[couponDocument](provider, couponsCollection)},
		redemptions: newRedemptionRepository(provider),
		orders:      newOrderRepository(provider),
		inventory:   newInventoryRepository(provider),
		prices:      newPriceRepository(provider),
		pending:     &PendingDeltaRepository{base: pfirestore.NewCollection[pendingDocument](provider, pendingDeltasCollection)},
		counters:    newCounterRepository(provider),
	}, nil
}

func (s *Store) Carts() repositories.CartRepository                 { return s.carts }
func (s *Store) Coupons() repositories.CouponRepository             { return s.coupons }
func (s *Store) Redemptions() repositories.RedemptionRepository     { return s.redemptions }
func (s *Store) Orders() repositories.OrderRepository               { return s.orders }
func (s *Store) Inventory() repositories.InventoryRepository        { return s.inventory }
func (s *Store) Prices() repositories.PriceRepository               { return s.prices }
func (s *Store) PendingDeltas() repositories.PendingDeltaRepository { return s.pending }
func (s *Store) Counters() repositories.CounterRepository           { return s.counters }

// RunInTx runs fn directly. Firestore transactions cannot span reads issued after writes, so
// multi-step flows rely on the services' compensation instead.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("firestore store: transaction function is nil")
	}
	return fn(ctx)
}

// Ping checks Firestore reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.provider.Ping(ctx)
}

// Close releases the provider's client.
func (s *Store) Close(ctx context.Context) error {
	return s.provider.Close(ctx)
}

// hashedID builds a deterministic document id from parts that may contain slashes.
func hashedID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}
