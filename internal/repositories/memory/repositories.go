package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/repositories"
)

const defaultPageSize = 20

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func deltaKey(ref domain.InventoryReference, variantID, reason string) string {
	return strings.Join([]string{ref.Type, ref.ID, variantID, reason}, "\x00")
}

func orderKey(userID, key string) string {
	return userID + "\x00" + key
}

type cartRepository struct{ s *Store }

func (r cartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	cart, ok := r.s.data.carts[userID]
	if !ok {
		return domain.Cart{UserID: userID}, nil
	}
	cart.Lines = append([]domain.CartLine(nil), cart.Lines...)
	return cart, nil
}

func (r cartRepository) Replace(ctx context.Context, userID string, lines []domain.CartLine, updatedAt time.Time) (domain.Cart, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	seen := make(map[domain.CartLineKey]struct{}, len(lines))
	for _, line := range lines {
		if _, dup := seen[line.Key()]; dup {
			return domain.Cart{}, repositories.Conflict("carts.replace", fmt.Errorf("duplicate line %s/%s", line.ProductID, line.VariantID))
		}
		seen[line.Key()] = struct{}{}
	}
	cart := domain.Cart{UserID: userID, Lines: append([]domain.CartLine(nil), lines...), UpdatedAt: updatedAt}
	r.s.data.carts[userID] = cart
	cart.Lines = append([]domain.CartLine(nil), lines...)
	return cart, nil
}

func (r cartRepository) Clear(ctx context.Context, userID string) error {
	unlock := r.s.acquire(ctx)
	defer unlock()
	delete(r.s.data.carts, userID)
	return nil
}

type couponRepository struct{ s *Store }

func (r couponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	id, ok := r.s.data.couponCodes[normalizeCode(code)]
	if !ok {
		return domain.Coupon{}, repositories.NotFound("coupons.find", fmt.Errorf("coupon %q not found", code))
	}
	return r.s.data.coupons[id], nil
}

type redemptionRepository struct{ s *Store }

func (r redemptionRepository) CountByUser(ctx context.Context, couponID, userID string) (int, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	return r.s.countByUser(couponID, userID), nil
}

func (s *Store) countByUser(couponID, userID string) int {
	count := 0
	for _, redemption := range s.data.redemptions {
		if redemption.CouponID == couponID && redemption.UserID == userID {
			count++
		}
	}
	return count
}

func (r redemptionRepository) Redeem(ctx context.Context, req repositories.RedeemRequest) (domain.CouponRedemption, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()

	red := req.Redemption
	coupon, ok := r.s.data.coupons[red.CouponID]
	if !ok {
		return domain.CouponRedemption{}, repositories.NewCouponError(repositories.CouponErrorNotFound, red.CouponID, "coupon not found")
	}
	for _, existing := range r.s.data.redemptions {
		if existing.CouponID == red.CouponID && existing.OrderID == red.OrderID {
			return existing, nil
		}
	}
	if req.MaxUses != nil && coupon.UsedCount >= *req.MaxUses {
		return domain.CouponRedemption{}, repositories.NewCouponError(repositories.CouponErrorExhausted, coupon.ID, "coupon usage limit reached")
	}
	if red.UserID != "" && req.MaxUsesPerUser != nil && r.s.countByUser(coupon.ID, red.UserID) >= *req.MaxUsesPerUser {
		return domain.CouponRedemption{}, repositories.NewCouponError(repositories.CouponErrorUserLimit, coupon.ID, "coupon already used by this customer")
	}

	r.s.data.redemptions = append(r.s.data.redemptions, red)
	coupon.UsedCount++
	coupon.UpdatedAt = red.RedeemedAt
	r.s.data.coupons[coupon.ID] = coupon
	return red, nil
}

func (r redemptionRepository) Release(ctx context.Context, couponID, orderID string) error {
	unlock := r.s.acquire(ctx)
	defer unlock()
	for i, existing := range r.s.data.redemptions {
		if existing.CouponID != couponID || existing.OrderID != orderID {
			continue
		}
		r.s.data.redemptions = append(r.s.data.redemptions[:i], r.s.data.redemptions[i+1:]...)
		if coupon, ok := r.s.data.coupons[couponID]; ok && coupon.UsedCount > 0 {
			coupon.UsedCount--
			r.s.data.coupons[couponID] = coupon
		}
		return nil
	}
	return nil
}

type orderRepository struct{ s *Store }

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	unlock := r.s.acquire(ctx)
	defer unlock()
	if _, exists := r.s.data.orders[order.ID]; exists {
		return repositories.Conflict("orders.insert", fmt.Errorf("order %s already exists", order.ID))
	}
	for _, existing := range r.s.data.orders {
		if existing.OrderNumber == order.OrderNumber {
			return repositories.Conflict("orders.insert", fmt.Errorf("order number %s already used", order.OrderNumber))
		}
	}
	if order.IdempotencyKey != nil && *order.IdempotencyKey != "" {
		key := orderKey(order.UserID, *order.IdempotencyKey)
		if _, taken := r.s.data.orderKeys[key]; taken {
			return repositories.Conflict("orders.insert", errors.New("idempotency key already used"))
		}
		r.s.data.orderKeys[key] = order.ID
	}
	order.Lines = nil
	r.s.data.orders[order.ID] = order
	return nil
}

func (r orderRepository) InsertLines(ctx context.Context, orderID string, lines []domain.OrderLine) error {
	unlock := r.s.acquire(ctx)
	defer unlock()
	if _, ok := r.s.data.orders[orderID]; !ok {
		return repositories.NotFound("orders.lines.insert", fmt.Errorf("order %s not found", orderID))
	}
	if len(r.s.data.orderLines[orderID]) > 0 {
		return repositories.Conflict("orders.lines.insert", fmt.Errorf("order %s already has lines", orderID))
	}
	r.s.data.orderLines[orderID] = append([]domain.OrderLine(nil), lines...)
	return nil
}

func (r orderRepository) Delete(ctx context.Context, orderID string) error {
	unlock := r.s.acquire(ctx)
	defer unlock()
	order, ok := r.s.data.orders[orderID]
	if !ok {
		return repositories.NotFound("orders.delete", fmt.Errorf("order %s not found", orderID))
	}
	if order.IdempotencyKey != nil {
		delete(r.s.data.orderKeys, orderKey(order.UserID, *order.IdempotencyKey))
	}
	delete(r.s.data.orders, orderID)
	delete(r.s.data.orderLines, orderID)
	return nil
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	return r.s.loadOrder(orderID)
}

func (s *Store) loadOrder(orderID string) (domain.Order, error) {
	order, ok := s.data.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NotFound("orders.find", fmt.Errorf("order %s not found", orderID))
	}
	order.Lines = append([]domain.OrderLine(nil), s.data.orderLines[orderID]...)
	return order, nil
}

func (r orderRepository) FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Order, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	orderID, ok := r.s.data.orderKeys[orderKey(userID, key)]
	if !ok {
		return domain.Order{}, repositories.NotFound("orders.find_by_key", errors.New("no order for idempotency key"))
	}
	return r.s.loadOrder(orderID)
}

func (r orderRepository) FindByPaymentReference(ctx context.Context, provider domain.PaymentProvider, reference string) (domain.Order, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	for id, order := range r.s.data.orders {
		if order.PaymentProvider == provider && order.PaymentReference != nil && *order.PaymentReference == reference {
			return r.s.loadOrder(id)
		}
	}
	return domain.Order{}, repositories.NotFound("orders.find_by_reference", fmt.Errorf("no order for %s reference %s", provider, reference))
}

func (r orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	unlock := r.s.acquire(ctx)
	defer unlock()

	allowed := make(map[domain.OrderStatus]struct{}, len(filter.Status))
	for _, status := range filter.Status {
		allowed[status] = struct{}{}
	}
	var matched []domain.Order
	for _, order := range r.s.data.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[order.Status]; !ok {
				continue
			}
		}
		matched = append(matched, order)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	offset := 0
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		parsed, err := strconv.Atoi(token)
		if err != nil || parsed < 0 {
			return domain.CursorPage[domain.Order]{}, repositories.Conflict("orders.list", fmt.Errorf("invalid page token %q", token))
		}
		offset = parsed
	}
	size := filter.Pagination.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + size
	if end > len(matched) {
		end = len(matched)
	}
	page := domain.CursorPage[domain.Order]{}
	for _, order := range matched[offset:end] {
		order.Lines = append([]domain.OrderLine(nil), r.s.data.orderLines[order.ID]...)
		page.Items = append(page.Items, order)
	}
	if end < len(matched) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (r orderRepository) UpdateState(ctx context.Context, change repositories.OrderStateChange) (domain.Order, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	order, ok := r.s.data.orders[change.OrderID]
	if !ok {
		return domain.Order{}, repositories.NotFound("orders.update_state", fmt.Errorf("order %s not found", change.OrderID))
	}
	if order.Status != change.ExpectedStatus || order.PaymentStatus != change.ExpectedPaymentStatus {
		return domain.Order{}, repositories.Conflict("orders.update_state",
			fmt.Errorf("order %s is %s/%s, expected %s/%s", order.ID, order.Status, order.PaymentStatus, change.ExpectedStatus, change.ExpectedPaymentStatus))
	}
	applyStateChange(&order, change)
	r.s.data.orders[order.ID] = order
	return r.s.loadOrder(order.ID)
}

func applyStateChange(order *domain.Order, change repositories.OrderStateChange) {
	order.Status = change.Status
	order.PaymentStatus = change.PaymentStatus
	if change.PaymentProvider != nil {
		order.PaymentProvider = *change.PaymentProvider
	}
	if change.PaymentReference != nil {
		ref := *change.PaymentReference
		order.PaymentReference = &ref
	}
	if change.PaidAt != nil {
		order.PaidAt = change.PaidAt
	}
	if change.CancelledAt != nil {
		order.CancelledAt = change.CancelledAt
	}
	if change.RefundedAt != nil {
		order.RefundedAt = change.RefundedAt
	}
	order.UpdatedAt = change.UpdatedAt
}

type inventoryRepository struct{ s *Store }

func (r inventoryRepository) ApplyDelta(ctx context.Context, req repositories.DeltaRequest) (repositories.DeltaResult, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()

	if req.ChangeQty == 0 {
		return repositories.DeltaResult{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidDelta, req.VariantID, "change quantity must be non-zero")
	}
	key := ""
	if req.Reference.ID != "" {
		key = deltaKey(req.Reference, req.VariantID, req.Reason)
		if idx, ok := r.s.data.deltaIndex[key]; ok {
			return repositories.DeltaResult{Delta: r.s.data.deltas[idx], Replayed: true}, nil
		}
	}
	variant, ok := r.s.data.variants[req.VariantID]
	if !ok {
		return repositories.DeltaResult{}, repositories.NewInventoryError(repositories.InventoryErrorVariantNotFound, req.VariantID, "variant not found")
	}
	newQty := variant.StockQuantity + req.ChangeQty
	if newQty < 0 {
		return repositories.DeltaResult{}, repositories.NewInventoryError(repositories.InventoryErrorOutOfStock, req.VariantID,
			fmt.Sprintf("variant %s has %d units, cannot apply %d", req.VariantID, variant.StockQuantity, req.ChangeQty))
	}

	delta := domain.InventoryDelta{
		ID:          req.DeltaID,
		VariantID:   req.VariantID,
		PreviousQty: variant.StockQuantity,
		NewQty:      newQty,
		ChangeQty:   req.ChangeQty,
		Reason:      req.Reason,
		Reference:   req.Reference,
		Actor:       req.Actor,
		At:          req.At,
	}
	variant.StockQuantity = newQty
	variant.UpdatedAt = req.At
	r.s.data.variants[variant.ID] = variant
	r.s.data.deltas = append(r.s.data.deltas, delta)
	if key != "" {
		r.s.data.deltaIndex[key] = len(r.s.data.deltas) - 1
	}
	return repositories.DeltaResult{Delta: delta}, nil
}

func (r inventoryRepository) GetVariant(ctx context.Context, variantID string) (domain.Variant, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	variant, ok := r.s.data.variants[variantID]
	if !ok {
		return domain.Variant{}, repositories.NotFound("variants.get", fmt.Errorf("variant %s not found", variantID))
	}
	return variant, nil
}

func (r inventoryRepository) GetVariants(ctx context.Context, variantIDs []string) (map[string]domain.Variant, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	out := make(map[string]domain.Variant, len(variantIDs))
	for _, id := range variantIDs {
		if variant, ok := r.s.data.variants[id]; ok {
			out[id] = variant
		}
	}
	return out, nil
}

func (r inventoryRepository) ListDeltas(ctx context.Context, variantID string) ([]domain.InventoryDelta, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	var out []domain.InventoryDelta
	for _, delta := range r.s.data.deltas {
		if delta.VariantID == variantID {
			out = append(out, delta)
		}
	}
	return out, nil
}

type priceRepository struct{ s *Store }

func (r priceRepository) Upsert(ctx context.Context, price domain.Price) (domain.Price, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	r.s.data.prices[price.Key()] = price
	return price, nil
}

func (r priceRepository) GetMany(ctx context.Context, keys []domain.PriceKey) (map[domain.PriceKey]domain.Price, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	out := make(map[domain.PriceKey]domain.Price, len(keys))
	for _, key := range keys {
		if price, ok := r.s.data.prices[key]; ok {
			out[key] = price
		}
	}
	return out, nil
}

type pendingDeltaRepository struct{ s *Store }

func (r pendingDeltaRepository) Enqueue(ctx context.Context, pending domain.PendingInventoryDelta) error {
	unlock := r.s.acquire(ctx)
	defer unlock()
	if _, exists := r.s.data.pending[pending.ID]; exists {
		return repositories.Conflict("pending_deltas.enqueue", fmt.Errorf("pending delta %s already queued", pending.ID))
	}
	r.s.data.pending[pending.ID] = pending
	return nil
}

func (r pendingDeltaRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.PendingInventoryDelta, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	var due []domain.PendingInventoryDelta
	for _, pending := range r.s.data.pending {
		if !pending.NextAttemptAt.After(now) {
			due = append(due, pending)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r pendingDeltaRepository) MarkAttempt(ctx context.Context, id string, lastError string, nextAttemptAt time.Time) error {
	unlock := r.s.acquire(ctx)
	defer unlock()
	pending, ok := r.s.data.pending[id]
	if !ok {
		return repositories.NotFound("pending_deltas.mark", fmt.Errorf("pending delta %s not found", id))
	}
	pending.Attempts++
	pending.LastError = lastError
	pending.NextAttemptAt = nextAttemptAt
	r.s.data.pending[id] = pending
	return nil
}

func (r pendingDeltaRepository) Delete(ctx context.Context, id string) error {
	unlock := r.s.acquire(ctx)
	defer unlock()
	delete(r.s.data.pending, id)
	return nil
}

type counterRepository struct{ s *Store }

func (r counterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	unlock := r.s.acquire(ctx)
	defer unlock()
	if strings.TrimSpace(counterID) == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required")
	}
	if step <= 0 {
		step = 1
	}
	next := r.s.data.counters[counterID] + step
	if limit, ok := r.s.data.counterLimit[counterID]; ok && next > limit {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted, fmt.Sprintf("counter %s exceeded max value %d", counterID, limit))
	}
	r.s.data.counters[counterID] = next
	return next, nil
}
