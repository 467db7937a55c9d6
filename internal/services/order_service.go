package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/payments"
	"github.com/storefront/checkout/internal/repositories"
)

const (
	eventOrderStatusChanged = "order.status_changed"
	eventOrderCancelled     = "order.cancelled"
	eventOrderRefunded      = "order.refunded"

	maxOrderUpdateAttempts = 3
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates order storage or the payment provider could not be reached.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusConfirmed, domain.OrderStatusCancelled, domain.OrderStatusRefunded},
	domain.OrderStatusConfirmed:  {domain.OrderStatusProcessing, domain.OrderStatusCancelled, domain.OrderStatusRefunded},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled, domain.OrderStatusRefunded},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusCancelled, domain.OrderStatusRefunded},
}

var paymentStateTransitions = map[domain.PaymentStatus][]domain.PaymentStatus{
	domain.PaymentStatusPending: {domain.PaymentStatusPaid, domain.PaymentStatusFailed},
	domain.PaymentStatusPaid:    {domain.PaymentStatusRefunded},
}

// fulfilmentTargets are the statuses staff may move an order to directly.
var fulfilmentTargets = []domain.OrderStatus{
	domain.OrderStatusProcessing,
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
}

type refundManager interface {
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) error
}

// OrderServiceDeps bundles the collaborators required by the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Inventory     InventoryService
	PendingDeltas repositories.PendingDeltaRepository
	Payments      refundManager
	Events        OrderEventPublisher
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders   repositories.OrderRepository
	stock    orderStock
	payments refundManager
	events   OrderEventPublisher
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewOrderService constructs an OrderService.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
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
	now := func() time.Time {
		return clock().UTC()
	}

	return &orderService{
		orders: deps.Orders,
		stock: orderStock{
			inventory: deps.Inventory,
			pending:   deps.PendingDeltas,
			newID:     idGen,
			now:       now,
			logger:    logger,
		},
		payments: deps.Payments,
		events:   deps.Events,
		clock:    now,
		logger:   logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, query GetOrderQuery) (Order, error) {
	orderID := strings.TrimSpace(query.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	if !query.Staff && order.UserID != strings.TrimSpace(query.UserID) {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	filter.UserID = strings.TrimSpace(filter.UserID)
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, mapOrderRepositoryError(err)
	}
	return page, nil
}

// TransitionStatus moves a confirmed order through processing, shipped and delivered.
// Moving an order to the status it already has is a no-op.
func (s *orderService) TransitionStatus(ctx context.Context, cmd TransitionStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.TargetStatus))))
	if !slices.Contains(fulfilmentTargets, target) {
		return Order{}, fmt.Errorf("%w: unsupported target status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}

	var previous OrderStatus
	order, changed, err := s.updateWithRetry(ctx, orderID, func(order Order) (*repositories.OrderStateChange, error) {
		if order.Status == target {
			return nil, nil
		}
		if order.PaymentStatus != domain.PaymentStatusPaid {
			return nil, fmt.Errorf("%w: order %s is not paid", ErrOrderInvalidState, order.ID)
		}
		if !canTransition(order.Status, target) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, order.Status, target)
		}
		previous = order.Status
		return &repositories.OrderStateChange{
			Status:        target,
			PaymentStatus: order.PaymentStatus,
		}, nil
	})
	if err != nil {
		return Order{}, err
	}
	if changed {
		s.publishEvent(ctx, orderEvent(eventOrderStatusChanged, order, previous, cmd.ActorID, s.clock()))
	}
	return order, nil
}

// CancelOrder cancels an order whose payment has not been captured and returns its stock to the
// ledger. Paid orders are refunded instead.
func (s *orderService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	userID := strings.TrimSpace(cmd.UserID)

	var previous OrderStatus
	order, changed, err := s.updateWithRetry(ctx, orderID, func(order Order) (*repositories.OrderStateChange, error) {
		if !cmd.Staff && order.UserID != userID {
			return nil, fmt.Errorf("%w: order %s", ErrOrderNotFound, order.ID)
		}
		if order.Status == domain.OrderStatusCancelled {
			return nil, nil
		}
		if order.PaymentStatus == domain.PaymentStatusPaid || order.PaymentStatus == domain.PaymentStatusRefunded {
			return nil, fmt.Errorf("%w: order %s has payment status %s", ErrOrderInvalidState, order.ID, order.PaymentStatus)
		}
		if !canTransition(order.Status, domain.OrderStatusCancelled) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, order.Status, domain.OrderStatusCancelled)
		}
		previous = order.Status
		now := s.clock()
		return &repositories.OrderStateChange{
			Status:        domain.OrderStatusCancelled,
			PaymentStatus: order.PaymentStatus,
			CancelledAt:   &now,
		}, nil
	})
	if err != nil {
		return Order{}, err
	}
	if !changed {
		return order, nil
	}

	actor := firstNonBlank(cmd.ActorID, userID, "system")
	s.stock.restore(ctx, order, reasonOrderCancelled, actor)

	event := orderEvent(eventOrderCancelled, order, previous, actor, s.clock())
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		event.Metadata = map[string]any{"reason": reason}
	}
	s.publishEvent(ctx, event)
	return order, nil
}

// RefundOrder refunds a paid order through its payment provider, then marks both the order and
// its payment refunded and returns the stock to the ledger.
func (s *orderService) RefundOrder(ctx context.Context, cmd RefundOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if s.payments == nil {
		return Order{}, fmt.Errorf("%w: payment manager is not configured", ErrOrderUnavailable)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	if order.PaymentStatus == domain.PaymentStatusRefunded {
		return order, nil
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		return Order{}, fmt.Errorf("%w: order %s has payment status %s", ErrOrderInvalidState, order.ID, order.PaymentStatus)
	}
	if !canTransition(order.Status, domain.OrderStatusRefunded) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, order.Status, domain.OrderStatusRefunded)
	}
	if order.PaymentReference == nil || *order.PaymentReference == "" {
		return Order{}, fmt.Errorf("%w: order %s has no payment reference", ErrOrderInvalidState, order.ID)
	}

	err = s.payments.Refund(ctx, payments.PaymentContext{
		PreferredProvider: string(order.PaymentProvider),
		Currency:          order.Currency,
	}, payments.RefundRequest{
		Reference:      *order.PaymentReference,
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
		Reason:         cmd.Reason,
		IdempotencyKey: "refund-" + order.ID,
	})
	if err != nil {
		var providerErr *payments.ProviderError
		if errors.As(err, &providerErr) {
			return Order{}, providerErr
		}
		s.logger(ctx, "order.refund_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return Order{}, fmt.Errorf("%w: refund: %v", ErrOrderUnavailable, err)
	}

	previous := order.Status
	order, changed, err := s.updateWithRetry(ctx, orderID, func(current Order) (*repositories.OrderStateChange, error) {
		if current.PaymentStatus == domain.PaymentStatusRefunded {
			return nil, nil
		}
		if current.PaymentStatus != domain.PaymentStatusPaid || !canTransition(current.Status, domain.OrderStatusRefunded) {
			return nil, fmt.Errorf("%w: order %s is %s/%s", ErrOrderInvalidState, current.ID, current.Status, current.PaymentStatus)
		}
		previous = current.Status
		now := s.clock()
		return &repositories.OrderStateChange{
			Status:        domain.OrderStatusRefunded,
			PaymentStatus: domain.PaymentStatusRefunded,
			RefundedAt:    &now,
		}, nil
	})
	if err != nil {
		return Order{}, err
	}

	actor := firstNonBlank(cmd.ActorID, "system")
	if order.Status == domain.OrderStatusRefunded {
		s.stock.restore(ctx, order, reasonOrderRefunded, actor)
	}
	if changed {
		event := orderEvent(eventOrderRefunded, order, previous, actor, s.clock())
		if reason := strings.TrimSpace(cmd.Reason); reason != "" {
			event.Metadata = map[string]any{"reason": reason}
		}
		s.publishEvent(ctx, event)
	}
	return order, nil
}

// updateWithRetry loads the order, asks decide for a state change and applies it conditionally on
// the loaded status pair. A conflicting concurrent write causes a reload. decide returning a nil
// change means the order is already where the caller wants it.
func (s *orderService) updateWithRetry(ctx context.Context, orderID string, decide func(Order) (*repositories.OrderStateChange, error)) (Order, bool, error) {
	return updateOrderState(ctx, s.orders, s.clock, orderID, decide)
}

func updateOrderState(ctx context.Context, orders repositories.OrderRepository, clock func() time.Time, orderID string, decide func(Order) (*repositories.OrderStateChange, error)) (Order, bool, error) {
	var lastErr error
	for attempt := 0; attempt < maxOrderUpdateAttempts; attempt++ {
		order, err := orders.FindByID(ctx, orderID)
		if err != nil {
			return Order{}, false, mapOrderRepositoryError(err)
		}
		change, err := decide(order)
		if err != nil {
			return Order{}, false, err
		}
		if change == nil {
			return order, false, nil
		}
		change.OrderID = order.ID
		change.ExpectedStatus = order.Status
		change.ExpectedPaymentStatus = order.PaymentStatus
		change.UpdatedAt = clock()

		updated, err := orders.UpdateState(ctx, *change)
		if err == nil {
			return updated, true, nil
		}
		mapped := mapOrderRepositoryError(err)
		if !errors.Is(mapped, ErrOrderConflict) {
			return Order{}, false, mapped
		}
		lastErr = mapped
	}
	return Order{}, false, lastErr
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	publishOrderEvent(ctx, s.events, s.logger, event)
}

func publishOrderEvent(ctx context.Context, events OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := events.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func orderEvent(eventType string, order Order, previous OrderStatus, actor string, at time.Time) OrderEvent {
	return OrderEvent{
		Type:           eventType,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		PaymentStatus:  string(order.PaymentStatus),
		Total:          order.Totals.Total,
		Currency:       order.Currency,
		ActorID:        actor,
		OccurredAt:     at,
	}
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func canTransition(current, target OrderStatus) bool {
	if current == target {
		return true
	}
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func canTransitionPayment(current, target PaymentStatus) bool {
	if current == target {
		return true
	}
	return slices.Contains(paymentStateTransitions[current], target)
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
