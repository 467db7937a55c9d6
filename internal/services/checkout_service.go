package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/currency"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/platform/textutil"
	"github.com/storefront/checkout/internal/repositories"
)

const (
	orderIDPrefix           = "ord_"
	orderLineIDPrefix       = "oln_"
	pendingDeltaIDPrefix    = "pnd_"
	defaultCheckoutCurrency = "GBP"
	defaultShippingMethod   = "standard"

	eventOrderCreated = "order.created"
)

var (
	// ErrCheckoutUnauthenticated indicates checkout was attempted without a user identity.
	ErrCheckoutUnauthenticated = errors.New("checkout: unauthenticated")
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutOutOfStock indicates at least one line could not be covered by stock.
	ErrCheckoutOutOfStock = errors.New("checkout: out of stock")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutConflict indicates a concurrent modification prevented completing checkout.
	ErrCheckoutConflict = errors.New("checkout: conflict")
)

// defaultShippingRates applies when no rates are configured. Amounts are minor units.
var defaultShippingRates = map[string]int64{
	"standard": 499,
	"express":  999,
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders          repositories.OrderRepository
	PendingDeltas   repositories.PendingDeltaRepository
	UnitOfWork      repositories.UnitOfWork
	Carts           CartService
	Coupons         CouponService
	Prices          PriceService
	Inventory       InventoryService
	Counters        CounterService
	Events          OrderEventPublisher
	DefaultCurrency string
	ShippingRates   map[string]int64
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders          repositories.OrderRepository
	stock           orderStock
	unitOfWork      repositories.UnitOfWork
	carts           CartService
	coupons         CouponService
	prices          PriceService
	inventory       InventoryService
	counters        CounterService
	events          OrderEventPublisher
	defaultCurrency string
	shippingRates   map[string]int64
	now             func() time.Time
	newID           func() string
	logger          func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("checkout service: coupon service is required")
	}
	if deps.Prices == nil {
		return nil, errors.New("checkout service: price service is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("checkout service: inventory service is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("checkout service: counter service is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	defaultCurrency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if defaultCurrency == "" {
		defaultCurrency = defaultCheckoutCurrency
	}

	rates := make(map[string]int64, len(deps.ShippingRates))
	for method, cost := range deps.ShippingRates {
		if method = strings.ToLower(strings.TrimSpace(method)); method != "" && cost >= 0 {
			rates[method] = cost
		}
	}
	if len(rates) == 0 {
		rates = defaultShippingRates
	}

	now := func() time.Time {
		return clock().UTC()
	}

	return &checkoutService{
		orders: deps.Orders,
		stock: orderStock{
			inventory: deps.Inventory,
			pending:   deps.PendingDeltas,
			newID:     idGen,
			now:       now,
			logger:    logger,
		},
		unitOfWork:      unit,
		carts:           deps.Carts,
		coupons:         deps.Coupons,
		prices:          deps.Prices,
		inventory:       deps.Inventory,
		counters:        deps.Counters,
		events:          deps.Events,
		defaultCurrency: defaultCurrency,
		shippingRates:   rates,
		now:             now,
		newID:           idGen,
		logger:          logger,
	}, nil
}

type pricedCheckout struct {
	lines      []CartLine
	totals     OrderTotals
	couponCode string
}

type appliedDelta struct {
	variantID string
	quantity  int
}

// CreateOrder prices the cart, persists the order with its lines, redeems the coupon and books
// stock through the ledger. Any step that fails after the order row exists undoes the earlier
// steps before returning.
func (s *checkoutService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if s == nil || s.orders == nil {
		return Order{}, ErrCheckoutUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, ErrCheckoutUnauthenticated
	}

	idempotencyKey := strings.TrimSpace(cmd.IdempotencyKey)
	if idempotencyKey != "" {
		existing, found, err := s.findByIdempotencyKey(ctx, userID, idempotencyKey)
		if err != nil {
			return Order{}, err
		}
		if found {
			s.logger(ctx, "checkout.idempotent_replay", map[string]any{
				"orderId": existing.ID,
				"userId":  userID,
			})
			return existing, nil
		}
	}

	order, lines, err := s.draftOrder(ctx, userID, cmd)
	if err != nil {
		return Order{}, err
	}

	priced, err := s.price(ctx, userID, order, lines, cmd.CouponCode)
	if err != nil {
		return Order{}, err
	}
	if err := s.checkStock(ctx, priced.lines); err != nil {
		return Order{}, err
	}

	orderNumber, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		s.logger(ctx, "checkout.order_number_failed", map[string]any{"error": err.Error()})
		return Order{}, fmt.Errorf("%w: order number: %v", ErrCheckoutUnavailable, err)
	}

	now := s.now()
	order.ID = orderIDPrefix + s.newID()
	order.OrderNumber = orderNumber
	order.Totals = priced.totals
	order.CreatedAt = now
	order.UpdatedAt = now
	if priced.couponCode != "" {
		code := priced.couponCode
		order.CouponCode = &code
	}
	if idempotencyKey != "" {
		key := idempotencyKey
		order.IdempotencyKey = &key
	}
	order.Lines = s.orderLines(order.ID, priced.lines)

	if err := s.persist(ctx, order); err != nil {
		if idempotencyKey != "" && errors.Is(err, ErrCheckoutConflict) {
			if existing, found, lookupErr := s.findByIdempotencyKey(ctx, userID, idempotencyKey); lookupErr == nil && found {
				return existing, nil
			}
		}
		return Order{}, err
	}

	var couponID string
	if priced.couponCode != "" {
		redemption, err := s.coupons.ApplyToOrder(ctx, ApplyCouponCommand{
			Code:    priced.couponCode,
			OrderID: order.ID,
			UserID:  userID,
		})
		if err != nil {
			s.deleteOrder(ctx, order.ID, "coupon_failed")
			var rejection *CouponRejection
			if errors.As(err, &rejection) {
				return Order{}, err
			}
			return Order{}, fmt.Errorf("%w: coupon redemption: %v", ErrCheckoutUnavailable, err)
		}
		couponID = redemption.CouponID
	}

	applied, err := s.bookStock(ctx, order)
	if err != nil {
		s.revertStock(ctx, order, applied)
		if couponID != "" {
			if releaseErr := s.coupons.ReleaseForOrder(ctx, couponID, order.ID); releaseErr != nil {
				s.logger(ctx, "checkout.coupon_release_failed", map[string]any{
					"orderId":  order.ID,
					"couponId": couponID,
					"error":    releaseErr.Error(),
				})
			}
		}
		s.deleteOrder(ctx, order.ID, "out_of_stock")
		return Order{}, err
	}

	if s.carts != nil {
		if err := s.carts.ClearCart(ctx, userID); err != nil {
			s.logger(ctx, "checkout.cart_clear_failed", map[string]any{
				"orderId": order.ID,
				"userId":  userID,
				"error":   err.Error(),
			})
		}
	}

	s.publishCreated(ctx, order)
	s.logger(ctx, "checkout.order_created", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"total":       order.Totals.Total,
		"currency":    order.Currency,
	})
	return order, nil
}

func (s *checkoutService) findByIdempotencyKey(ctx context.Context, userID, key string) (Order, bool, error) {
	existing, err := s.orders.FindByIdempotencyKey(ctx, userID, key)
	if err == nil {
		return existing, true, nil
	}
	if isRepoNotFound(err) {
		return Order{}, false, nil
	}
	return Order{}, false, s.translateRepoError(err)
}

// draftOrder validates the command and returns the order header with frozen addresses together
// with the lines to be priced.
func (s *checkoutService) draftOrder(ctx context.Context, userID string, cmd CreateOrderCommand) (Order, []CartLine, error) {
	email := strings.ToLower(strings.TrimSpace(cmd.Email))
	if email == "" || !strings.Contains(email, "@") {
		return Order{}, nil, fmt.Errorf("%w: a valid email is required", ErrCheckoutInvalidInput)
	}
	if cmd.ShippingAddress == nil {
		return Order{}, nil, fmt.Errorf("%w: shipping address is required", ErrCheckoutInvalidInput)
	}
	shipping, err := freezeAddress(*cmd.ShippingAddress)
	if err != nil {
		return Order{}, nil, err
	}
	var billing *Address
	if cmd.BillingAddress != nil {
		frozen, err := freezeAddress(*cmd.BillingAddress)
		if err != nil {
			return Order{}, nil, err
		}
		billing = &frozen
	}

	method := strings.ToLower(textutil.PlainText(cmd.Shipping.Method))
	if method == "" {
		method = defaultShippingMethod
	}
	if _, ok := s.shippingRates[method]; !ok {
		return Order{}, nil, fmt.Errorf("%w: unsupported shipping method %q", ErrCheckoutInvalidInput, cmd.Shipping.Method)
	}

	code := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if code == "" {
		code = s.defaultCurrency
	}
	if _, err := currency.ParseISO(code); err != nil {
		return Order{}, nil, fmt.Errorf("%w: unsupported currency %q", ErrCheckoutInvalidInput, cmd.Currency)
	}

	provider := PaymentProvider(strings.ToLower(strings.TrimSpace(string(cmd.PaymentProvider))))
	switch provider {
	case "":
		provider = domain.PaymentProviderStripe
	case domain.PaymentProviderStripe, domain.PaymentProviderPaystack:
	default:
		return Order{}, nil, fmt.Errorf("%w: unsupported payment provider %q", ErrCheckoutInvalidInput, cmd.PaymentProvider)
	}

	lines, err := s.resolveLines(ctx, userID, cmd.Lines)
	if err != nil {
		return Order{}, nil, err
	}

	return Order{
		UserID:          userID,
		Email:           email,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		PaymentProvider: provider,
		Currency:        code,
		ShippingAddress: shipping,
		BillingAddress:  billing,
		ShippingMethod:  method,
	}, lines, nil
}

// resolveLines uses the supplied lines or falls back to the server cart.
func (s *checkoutService) resolveLines(ctx context.Context, userID string, supplied []CartLine) ([]CartLine, error) {
	lines := supplied
	if len(lines) == 0 && s.carts != nil {
		cart, err := s.carts.GetCart(ctx, userID)
		if err != nil {
			s.logger(ctx, "checkout.cart_load_failed", map[string]any{
				"userId": userID,
				"error":  err.Error(),
			})
			return nil, fmt.Errorf("%w: load cart: %v", ErrCheckoutUnavailable, err)
		}
		lines = cart.Lines
	}

	lines = cartLinesForOrder(lines)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", ErrCheckoutInvalidInput)
	}
	for i, line := range lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		line.VariantID = strings.TrimSpace(line.VariantID)
		lines[i] = line
		if line.ProductID == "" {
			return nil, fmt.Errorf("%w: line %d: product id is required", ErrCheckoutInvalidInput, i)
		}
		if line.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: line %d: unit price must not be negative", ErrCheckoutInvalidInput, i)
		}
	}
	return lines, nil
}

// price charges list prices and the configured shipping rate. Client-supplied amounts are only
// quotes and never reach the totals.
func (s *checkoutService) price(ctx context.Context, userID string, order Order, lines []CartLine, coupon string) (pricedCheckout, error) {
	lines, err := s.prices.QuoteLines(ctx, order.Currency, lines)
	if err != nil {
		if errors.Is(err, ErrPriceNotFound) || errors.Is(err, ErrPriceCurrencyMismatch) {
			return pricedCheckout{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		return pricedCheckout{}, fmt.Errorf("%w: pricing: %v", ErrCheckoutUnavailable, err)
	}

	shippingCost := s.shippingRates[order.ShippingMethod]
	subtotal := domain.LineSubtotal(lines)
	var (
		discount   int64
		couponCode string
	)
	if code := strings.TrimSpace(coupon); code != "" {
		validation, err := s.coupons.Validate(ctx, ValidateCouponCommand{
			Code:     code,
			Subtotal: subtotal,
			UserID:   userID,
		})
		if err != nil {
			s.logger(ctx, "checkout.coupon_validate_failed", map[string]any{
				"code":  code,
				"error": err.Error(),
			})
			return pricedCheckout{}, fmt.Errorf("%w: coupon validation: %v", ErrCheckoutUnavailable, err)
		}
		if !validation.OK {
			return pricedCheckout{}, &CouponRejection{Reason: validation.Reason}
		}
		discount = validation.DiscountAmount
		if validation.FreeShipping {
			shippingCost = 0
		}
		couponCode = normalizeCouponCode(code)
		if validation.Coupon != nil && validation.Coupon.Code != "" {
			couponCode = validation.Coupon.Code
		}
	}

	return pricedCheckout{
		lines:      lines,
		totals:     domain.ComputeTotals(subtotal, discount, shippingCost),
		couponCode: couponCode,
	}, nil
}

// checkStock compares live stock with the requested quantity of every variant line.
func (s *checkoutService) checkStock(ctx context.Context, lines []CartLine) error {
	demand := variantDemand(lines)
	if len(demand) == 0 {
		return nil
	}
	ids := make([]string, 0, len(demand))
	for _, d := range demand {
		ids = append(ids, d.variantID)
	}
	levels, err := s.inventory.StockLevels(ctx, ids)
	if err != nil {
		s.logger(ctx, "checkout.stock_lookup_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("%w: stock lookup: %v", ErrCheckoutUnavailable, err)
	}
	for _, d := range demand {
		level, ok := levels[d.variantID]
		if !ok || level < d.quantity {
			return fmt.Errorf("%w: variant %s", ErrCheckoutOutOfStock, d.variantID)
		}
	}
	return nil
}

// variantDemand sums quantities per variant, keeping first-seen order.
func variantDemand(lines []CartLine) []appliedDelta {
	index := make(map[string]int)
	var out []appliedDelta
	for _, line := range lines {
		variantID := strings.TrimSpace(line.VariantID)
		if variantID == "" || line.Quantity <= 0 {
			continue
		}
		if i, ok := index[variantID]; ok {
			out[i].quantity += line.Quantity
			continue
		}
		index[variantID] = len(out)
		out = append(out, appliedDelta{variantID: variantID, quantity: line.Quantity})
	}
	return out
}

func (s *checkoutService) orderLines(orderID string, lines []CartLine) []OrderLine {
	out := make([]OrderLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, OrderLine{
			ID:         orderLineIDPrefix + s.newID(),
			OrderID:    orderID,
			ProductID:  line.ProductID,
			VariantID:  line.VariantID,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			TotalPrice: line.UnitPrice * int64(line.Quantity),
			Snapshot: domain.ProductSnapshot{
				Name:     textutil.PlainText(line.ProductName),
				ImageURL: strings.TrimSpace(line.ImageURL),
				Size:     textutil.PlainText(line.Size),
				Color:    textutil.PlainText(line.Color),
			},
		})
	}
	return out
}

// persist writes the order header and its lines. If the lines cannot be written the header is
// removed again so no order exists without lines.
func (s *checkoutService) persist(ctx context.Context, order Order) error {
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return err
		}
		if err := s.orders.InsertLines(txCtx, order.ID, order.Lines); err != nil {
			s.deleteOrder(txCtx, order.ID, "lines_failed")
			return err
		}
		return nil
	})
	if err != nil {
		s.logger(ctx, "checkout.persist_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return s.translateRepoError(err)
	}
	return nil
}

// bookStock decrements stock for every variant line. An out-of-stock rejection stops the loop and
// is returned together with the decrements already applied. Other ledger failures are queued for
// retry and do not fail the checkout.
func (s *checkoutService) bookStock(ctx context.Context, order Order) ([]appliedDelta, error) {
	demand := variantDemand(orderLinesAsCartLines(order.Lines))
	applied := make([]appliedDelta, 0, len(demand))
	reference := InventoryReference{Type: referenceTypeOrder, ID: order.ID}
	for _, d := range demand {
		_, err := s.inventory.ApplyDelta(ctx, ApplyDeltaCommand{
			VariantID: d.variantID,
			ChangeQty: -d.quantity,
			Reason:    reasonOrderPlaced,
			Reference: reference,
			Actor:     order.UserID,
		})
		switch {
		case err == nil:
			applied = append(applied, d)
		case errors.Is(err, ErrOutOfStock):
			s.logger(ctx, "checkout.out_of_stock", map[string]any{
				"orderId":   order.ID,
				"variantId": d.variantID,
			})
			return applied, fmt.Errorf("%w: variant %s", ErrCheckoutOutOfStock, d.variantID)
		default:
			s.stock.queue(ctx, d.variantID, -d.quantity, reasonOrderPlaced, reference, order.UserID, err)
		}
	}
	return applied, nil
}

func (s *checkoutService) revertStock(ctx context.Context, order Order, applied []appliedDelta) {
	reference := InventoryReference{Type: referenceTypeOrder, ID: order.ID}
	for _, d := range applied {
		_, err := s.inventory.ApplyDelta(ctx, ApplyDeltaCommand{
			VariantID: d.variantID,
			ChangeQty: d.quantity,
			Reason:    reasonOrderReverted,
			Reference: reference,
			Actor:     "system",
		})
		if err != nil {
			s.stock.queue(ctx, d.variantID, d.quantity, reasonOrderReverted, reference, "system", err)
		}
	}
}

func (s *checkoutService) deleteOrder(ctx context.Context, orderID, cause string) {
	if err := s.orders.Delete(ctx, orderID); err != nil && !isRepoNotFound(err) {
		s.logger(ctx, "checkout.compensation_failed", map[string]any{
			"orderId": orderID,
			"cause":   cause,
			"error":   err.Error(),
		})
		return
	}
	s.logger(ctx, "checkout.order_compensated", map[string]any{
		"orderId": orderID,
		"cause":   cause,
	})
}

func (s *checkoutService) publishCreated(ctx context.Context, order Order) {
	if s.events == nil {
		return
	}
	event := OrderEvent{
		Type:          eventOrderCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Total:         order.Totals.Total,
		Currency:      order.Currency,
		ActorID:       order.UserID,
		OccurredAt:    order.CreatedAt,
	}
	if order.CouponCode != nil {
		event.Metadata = map[string]any{"couponCode": *order.CouponCode}
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"orderId": order.ID,
			"event":   event.Type,
			"error":   err.Error(),
		})
	}
}

func (s *checkoutService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCheckoutConflict, err)
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCheckoutConflict, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
}

// freezeAddress sanitises an address into the snapshot stored on the order.
func freezeAddress(addr Address) (Address, error) {
	out := Address{
		Recipient:  textutil.PlainText(addr.Recipient),
		Line1:      textutil.PlainText(addr.Line1),
		Line2:      textutil.PlainTextPtr(addr.Line2),
		City:       textutil.PlainText(addr.City),
		State:      textutil.PlainTextPtr(addr.State),
		PostalCode: strings.ToUpper(textutil.PlainText(addr.PostalCode)),
		Country:    strings.ToUpper(textutil.PlainText(addr.Country)),
		Phone:      textutil.PlainTextPtr(addr.Phone),
	}
	switch {
	case out.Recipient == "":
		return Address{}, fmt.Errorf("%w: address recipient is required", ErrCheckoutInvalidInput)
	case out.Line1 == "":
		return Address{}, fmt.Errorf("%w: address line1 is required", ErrCheckoutInvalidInput)
	case out.City == "":
		return Address{}, fmt.Errorf("%w: address city is required", ErrCheckoutInvalidInput)
	case out.Country == "":
		return Address{}, fmt.Errorf("%w: address country is required", ErrCheckoutInvalidInput)
	}
	return out, nil
}

func orderLinesAsCartLines(lines []OrderLine) []CartLine {
	out := make([]CartLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, CartLine{
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	return out
}
