package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/payments"
	"github.com/storefront/checkout/internal/repositories"
)

const (
	eventOrderPaid          = "order.paid"
	eventOrderPaymentFailed = "order.payment_failed"

	paystackReferencePrefix = "psk_"
)

var (
	// ErrPaymentInvalidInput indicates the payment request was malformed.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentUnavailable indicates the payment provider or order storage could not be reached.
	ErrPaymentUnavailable = errors.New("payment: unavailable")
)

type paymentSessionManager interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// PaymentServiceDeps bundles the collaborators required by the payment router.
type PaymentServiceDeps struct {
	Orders        repositories.OrderRepository
	Payments      paymentSessionManager
	Inventory     InventoryService
	PendingDeltas repositories.PendingDeltaRepository
	Receipts      ReceiptArchive
	Events        OrderEventPublisher
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders   repositories.OrderRepository
	payments paymentSessionManager
	stock    orderStock
	receipts ReceiptArchive
	events   OrderEventPublisher
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewPaymentService constructs a PaymentService.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment manager is required")
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

	return &paymentService{
		orders:   deps.Orders,
		payments: deps.Payments,
		stock: orderStock{
			inventory: deps.Inventory,
			pending:   deps.PendingDeltas,
			newID:     idGen,
			now:       now,
			logger:    logger,
		},
		receipts: deps.Receipts,
		events:   deps.Events,
		clock:    now,
		newID:    idGen,
		logger:   logger,
	}, nil
}

// CreatePaymentSession opens a provider session for a pending order owned by the caller and stores
// the provider reference on the order. A provider rejection leaves the order untouched and is
// returned as *payments.ProviderError.
func (s *paymentService) CreatePaymentSession(ctx context.Context, cmd CreatePaymentSessionCommand) (PaymentSession, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	userID := strings.TrimSpace(cmd.UserID)
	if orderID == "" || userID == "" {
		return PaymentSession{}, fmt.Errorf("%w: order id and user id are required", ErrPaymentInvalidInput)
	}
	successURL := strings.TrimSpace(cmd.SuccessURL)
	if successURL == "" {
		return PaymentSession{}, fmt.Errorf("%w: success url is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentSession{}, mapOrderRepositoryError(err)
	}
	if order.UserID != userID {
		return PaymentSession{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		return PaymentSession{}, fmt.Errorf("%w: order %s is %s/%s", ErrOrderInvalidState, order.ID, order.Status, order.PaymentStatus)
	}

	provider := PaymentProvider(strings.ToLower(strings.TrimSpace(string(cmd.Provider))))
	if provider == "" {
		provider = order.PaymentProvider
	}

	req := payments.CheckoutSessionRequest{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
		CustomerEmail:  order.Email,
		SuccessURL:     successURL,
		CancelURL:      strings.TrimSpace(cmd.CancelURL),
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
	}
	if provider == domain.PaymentProviderPaystack {
		req.Reference = paystackReferencePrefix + s.newID()
	}

	session, err := s.payments.CreateCheckoutSession(ctx, payments.PaymentContext{
		PreferredProvider: string(provider),
		Currency:          order.Currency,
	}, req)
	if err != nil {
		var providerErr *payments.ProviderError
		switch {
		case errors.As(err, &providerErr):
			s.logger(ctx, "payment.session_rejected", map[string]any{
				"orderId":  order.ID,
				"provider": providerErr.Provider,
				"code":     providerErr.Code,
				"message":  providerErr.Message,
			})
			return PaymentSession{}, providerErr
		case errors.Is(err, payments.ErrInvalidRequest), errors.Is(err, payments.ErrUnsupportedProvider):
			return PaymentSession{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
		default:
			s.logger(ctx, "payment.session_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			return PaymentSession{}, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
		}
	}

	sessionProvider := PaymentProvider(session.Provider)
	if sessionProvider == "" {
		sessionProvider = provider
	}
	reference := session.Reference
	_, err = s.orders.UpdateState(ctx, repositories.OrderStateChange{
		OrderID:               order.ID,
		ExpectedStatus:        domain.OrderStatusPending,
		ExpectedPaymentStatus: domain.PaymentStatusPending,
		Status:                domain.OrderStatusPending,
		PaymentStatus:         domain.PaymentStatusPending,
		PaymentProvider:       &sessionProvider,
		PaymentReference:      &reference,
		UpdatedAt:             s.clock(),
	})
	if err != nil {
		s.logger(ctx, "payment.reference_store_failed", map[string]any{
			"orderId":   order.ID,
			"reference": reference,
			"error":     err.Error(),
		})
		mapped := mapOrderRepositoryError(err)
		if errors.Is(mapped, ErrOrderConflict) {
			return PaymentSession{}, fmt.Errorf("%w: order %s changed while opening a payment session", ErrOrderInvalidState, order.ID)
		}
		return PaymentSession{}, mapped
	}

	s.logger(ctx, "payment.session_created", map[string]any{
		"orderId":   order.ID,
		"provider":  string(sessionProvider),
		"reference": reference,
	})

	out := PaymentSession{
		Provider:    sessionProvider,
		RedirectURL: session.RedirectURL,
		Reference:   reference,
	}
	if !session.ExpiresAt.IsZero() {
		expires := session.ExpiresAt.UTC()
		out.ExpiresAt = &expires
	}
	return out, nil
}

// HandleProviderEvent folds a verified provider notification into the order's payment state.
// Events that would leave the payment where it already is are no-ops.
func (s *paymentService) HandleProviderEvent(ctx context.Context, event ProviderEvent) (Order, error) {
	target, err := paymentTarget(event.Kind)
	if err != nil {
		return Order{}, err
	}
	event.Reference = strings.TrimSpace(event.Reference)
	event.OrderID = strings.TrimSpace(event.OrderID)
	if event.Reference == "" && event.OrderID == "" {
		return Order{}, fmt.Errorf("%w: event carries neither reference nor order id", ErrPaymentInvalidInput)
	}

	orderID, err := s.locateOrder(ctx, event)
	if err != nil {
		return Order{}, err
	}

	occurredAt := event.OccurredAt.UTC()
	if event.OccurredAt.IsZero() {
		occurredAt = s.clock()
	}

	var previous OrderStatus
	order, changed, err := updateOrderState(ctx, s.orders, s.clock, orderID, func(order Order) (*repositories.OrderStateChange, error) {
		if order.PaymentStatus == target {
			return nil, nil
		}
		if target == domain.PaymentStatusFailed && supersededReference(order, event.Reference) {
			return nil, fmt.Errorf("%w: %s session %s was replaced on order %s", ErrOrderInvalidState, event.Provider, event.Reference, order.ID)
		}
		if !canTransitionPayment(order.PaymentStatus, target) {
			return nil, fmt.Errorf("%w: payment %s -> %s", ErrOrderInvalidState, order.PaymentStatus, target)
		}
		previous = order.Status
		change := &repositories.OrderStateChange{
			Status:        order.Status,
			PaymentStatus: target,
		}
		switch target {
		case domain.PaymentStatusPaid:
			if order.Status == domain.OrderStatusPending {
				change.Status = domain.OrderStatusConfirmed
			}
			change.PaidAt = &occurredAt
		case domain.PaymentStatusRefunded:
			if canTransition(order.Status, domain.OrderStatusRefunded) {
				change.Status = domain.OrderStatusRefunded
			}
			change.RefundedAt = &occurredAt
		}
		return change, nil
	})
	if err != nil {
		if !errors.Is(err, ErrOrderInvalidState) {
			s.logger(ctx, "payment.event_apply_failed", map[string]any{
				"orderId": orderID,
				"eventId": event.EventID,
				"error":   err.Error(),
			})
		}
		return Order{}, err
	}

	fields := map[string]any{
		"orderId":       order.ID,
		"eventId":       event.EventID,
		"provider":      string(event.Provider),
		"paymentStatus": string(order.PaymentStatus),
	}
	if !changed {
		s.logger(ctx, "payment.event_duplicate", fields)
		return order, nil
	}
	s.logger(ctx, "payment.event_applied", fields)

	switch target {
	case domain.PaymentStatusPaid:
		if order.Status != domain.OrderStatusConfirmed {
			s.logger(ctx, "payment.paid_after_close", fields)
		}
		s.archiveReceipt(ctx, order)
		publishOrderEvent(ctx, s.events, s.logger, orderEvent(eventOrderPaid, order, previous, string(event.Provider), occurredAt))
	case domain.PaymentStatusFailed:
		publishOrderEvent(ctx, s.events, s.logger, orderEvent(eventOrderPaymentFailed, order, previous, string(event.Provider), occurredAt))
	case domain.PaymentStatusRefunded:
		if order.Status == domain.OrderStatusRefunded {
			s.stock.restore(ctx, order, reasonOrderRefunded, string(event.Provider))
		}
		publishOrderEvent(ctx, s.events, s.logger, orderEvent(eventOrderRefunded, order, previous, string(event.Provider), occurredAt))
	}
	return order, nil
}

// locateOrder resolves the order by stored provider reference, falling back to the order id the
// provider echoed back.
func (s *paymentService) locateOrder(ctx context.Context, event ProviderEvent) (string, error) {
	if event.Reference != "" {
		order, err := s.orders.FindByPaymentReference(ctx, event.Provider, event.Reference)
		if err == nil {
			return order.ID, nil
		}
		if !isRepoNotFound(err) {
			return "", mapOrderRepositoryError(err)
		}
	}
	if event.OrderID == "" {
		return "", fmt.Errorf("%w: no order for %s reference %s", ErrOrderNotFound, event.Provider, event.Reference)
	}
	order, err := s.orders.FindByID(ctx, event.OrderID)
	if err != nil {
		return "", mapOrderRepositoryError(err)
	}
	if event.Provider != "" && order.PaymentProvider != event.Provider {
		return "", fmt.Errorf("%w: order %s is not paid through %s", ErrOrderNotFound, order.ID, event.Provider)
	}
	return order.ID, nil
}

// supersededReference reports whether the event belongs to a session other than the order's
// current one. A shopper who reopens payment abandons the older session, so its failure must not
// override the live one.
func supersededReference(order Order, reference string) bool {
	if reference == "" || order.PaymentReference == nil {
		return false
	}
	return *order.PaymentReference != reference
}

func (s *paymentService) archiveReceipt(ctx context.Context, order Order) {
	if s.receipts == nil {
		return
	}
	location, err := s.receipts.StoreReceipt(ctx, order)
	if err != nil {
		s.logger(ctx, "payment.receipt_store_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return
	}
	s.logger(ctx, "payment.receipt_stored", map[string]any{
		"orderId":  order.ID,
		"location": location,
	})
}

func paymentTarget(kind ProviderEventKind) (PaymentStatus, error) {
	switch kind {
	case ProviderEventPaid:
		return domain.PaymentStatusPaid, nil
	case ProviderEventFailed:
		return domain.PaymentStatusFailed, nil
	case ProviderEventRefunded:
		return domain.PaymentStatusRefunded, nil
	default:
		return "", fmt.Errorf("%w: unknown event kind %q", ErrPaymentInvalidInput, kind)
	}
}

// ProviderEventFromPayments converts a verified payments.Event into the service representation.
func ProviderEventFromPayments(event payments.Event) ProviderEvent {
	var kind ProviderEventKind
	switch event.Kind {
	case payments.EventPaid:
		kind = ProviderEventPaid
	case payments.EventFailed:
		kind = ProviderEventFailed
	case payments.EventRefunded:
		kind = ProviderEventRefunded
	}
	return ProviderEvent{
		Provider:   PaymentProvider(event.Provider),
		EventID:    event.ID,
		Reference:  event.Reference,
		OrderID:    event.OrderID,
		Kind:       kind,
		OccurredAt: event.OccurredAt,
	}
}
