package firestore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/checkout/internal/domain"
	pfirestore "github.com/storefront/checkout/internal/platform/firestore"
	"github.com/storefront/checkout/internal/repositories"
)

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type totalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Discount int64 `firestore:"discount"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Total    int64 `firestore:"total"`
}

type orderDocument struct {
	OrderNumber      string           `firestore:"orderNumber"`
	UserID           string           `firestore:"userId"`
	Email            string           `firestore:"email"`
	Status           string           `firestore:"status"`
	PaymentStatus    string           `firestore:"paymentStatus"`
	PaymentProvider  string           `firestore:"paymentProvider"`
	PaymentReference *string          `firestore:"paymentReference,omitempty"`
	Currency         string           `firestore:"currency"`
	Totals           totalsDocument   `firestore:"totals"`
	ShippingAddress  addressDocument  `firestore:"shippingAddress"`
	BillingAddress   *addressDocument `firestore:"billingAddress,omitempty"`
	ShippingMethod   string           `firestore:"shippingMethod"`
	CouponCode       *string          `firestore:"couponCode,omitempty"`
	IdempotencyKey   *string          `firestore:"idempotencyKey,omitempty"`
	CreatedAt        time.Time        `firestore:"createdAt"`
	UpdatedAt        time.Time        `firestore:"updatedAt"`
	PaidAt           *time.Time       `firestore:"paidAt,omitempty"`
	CancelledAt      *time.Time       `firestore:"cancelledAt,omitempty"`
	RefundedAt       *time.Time       `firestore:"refundedAt,omitempty"`
}

type orderLineDocument struct {
	Position   int    `firestore:"position"`
	ProductID  string `firestore:"productId"`
	VariantID  string `firestore:"variantId"`
	Quantity   int    `firestore:"quantity"`
	UnitPrice  int64  `firestore:"unitPrice"`
	TotalPrice int64  `firestore:"totalPrice"`
	Name       string `firestore:"name"`
	ImageURL   string `firestore:"imageUrl,omitempty"`
	Size       string `firestore:"size,omitempty"`
	Color      string `firestore:"color,omitempty"`
}

type orderKeyDocument struct {
	OrderID string `firestore:"orderId"`
}

func newOrderDocument(o domain.Order) orderDocument {
	doc := orderDocument{
		OrderNumber:      o.OrderNumber,
		UserID:           o.UserID,
		Email:            o.Email,
		Status:           string(o.Status),
		PaymentStatus:    string(o.PaymentStatus),
		PaymentProvider:  string(o.PaymentProvider),
		PaymentReference: o.PaymentReference,
		Currency:         o.Currency,
		Totals:           totalsDocument(o.Totals),
		ShippingAddress:  addressDocument(o.ShippingAddress),
		ShippingMethod:   o.ShippingMethod,
		CouponCode:       o.CouponCode,
		IdempotencyKey:   o.IdempotencyKey,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
		PaidAt:           o.PaidAt,
		CancelledAt:      o.CancelledAt,
		RefundedAt:       o.RefundedAt,
	}
	if o.BillingAddress != nil {
		billing := addressDocument(*o.BillingAddress)
		doc.BillingAddress = &billing
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:               id,
		OrderNumber:      d.OrderNumber,
		UserID:           d.UserID,
		Email:            d.Email,
		Status:           domain.OrderStatus(d.Status),
		PaymentStatus:    domain.PaymentStatus(d.PaymentStatus),
		PaymentProvider:  domain.PaymentProvider(d.PaymentProvider),
		PaymentReference: d.PaymentReference,
		Currency:         d.Currency,
		Totals:           domain.OrderTotals(d.Totals),
		ShippingAddress:  domain.Address(d.ShippingAddress),
		ShippingMethod:   d.ShippingMethod,
		CouponCode:       d.CouponCode,
		IdempotencyKey:   d.IdempotencyKey,
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
		PaidAt:           d.PaidAt,
		CancelledAt:      d.CancelledAt,
		RefundedAt:       d.RefundedAt,
	}
	if d.BillingAddress != nil {
		billing := domain.Address(*d.BillingAddress)
		order.BillingAddress = &billing
	}
	return order
}

// OrderRepository stores order headers in "orders" with their lines in a "lines" subcollection.
// Idempotency keys and order numbers are claimed through marker documents created in the same
// transaction as the header.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	keys     *pfirestore.Collection[orderKeyDocument]
}

func newOrderRepository(provider *pfirestore.Provider) *OrderRepository {
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		keys:     pfirestore.NewCollection[orderKeyDocument](provider, orderKeysCollection),
	}
}

func idempotencyMarker(userID, key string) string { return hashedID("key", userID, key) }
func orderNumberMarker(number string) string      { return hashedID("number", number) }

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		numberRef, err := r.keys.DocumentRef(ctx, orderNumberMarker(order.OrderNumber))
		if err != nil {
			return err
		}
		var keyRef *firestore.DocumentRef
		if order.IdempotencyKey != nil && *order.IdempotencyKey != "" {
			if keyRef, err = r.keys.DocumentRef(ctx, idempotencyMarker(order.UserID, *order.IdempotencyKey)); err != nil {
				return err
			}
		}
		if err := tx.Create(orderRef, newOrderDocument(order)); err != nil {
			return err
		}
		if err := tx.Create(numberRef, orderKeyDocument{OrderID: order.ID}); err != nil {
			return err
		}
		if keyRef != nil {
			return tx.Create(keyRef, orderKeyDocument{OrderID: order.ID})
		}
		return nil
	}, pfirestore.WithTxAttempts(1))
	// AlreadyExists on any of the three documents surfaces as a conflict.
	return passTyped("orders.insert", err)
}

func (r *OrderRepository) InsertLines(ctx context.Context, orderID string, lines []domain.OrderLine) error {
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		if _, err := tx.Get(orderRef); err != nil {
			if pfirestore.IsNotFound(err) {
				return repositories.NotFound("orders.lines.insert", fmt.Errorf("order %s not found", orderID))
			}
			return err
		}
		existing, err := tx.Documents(orderRef.Collection(orderLinesCollection).Limit(1)).GetAll()
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return repositories.Conflict("orders.lines.insert", fmt.Errorf("order %s already has lines", orderID))
		}
		for i, line := range lines {
			doc := orderLineDocument{
				Position:   i,
				ProductID:  line.ProductID,
				VariantID:  line.VariantID,
				Quantity:   line.Quantity,
				UnitPrice:  line.UnitPrice,
				TotalPrice: line.TotalPrice,
				Name:       line.Snapshot.Name,
				ImageURL:   line.Snapshot.ImageURL,
				Size:       line.Snapshot.Size,
				Color:      line.Snapshot.Color,
			}
			if err := tx.Create(orderRef.Collection(orderLinesCollection).Doc(line.ID), doc); err != nil {
				return err
			}
		}
		return nil
	})
	return passTyped("orders.lines.insert", err)
}

func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return repositories.NotFound("orders.delete", fmt.Errorf("order %s not found", orderID))
			}
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}
		lineSnaps, err := tx.Documents(orderRef.Collection(orderLinesCollection)).GetAll()
		if err != nil {
			return err
		}
		for _, line := range lineSnaps {
			if err := tx.Delete(line.Ref); err != nil {
				return err
			}
		}
		markers := []string{orderNumberMarker(doc.OrderNumber)}
		if doc.IdempotencyKey != nil {
			markers = append(markers, idempotencyMarker(doc.UserID, *doc.IdempotencyKey))
		}
		for _, id := range markers {
			ref, err := r.keys.DocumentRef(ctx, id)
			if err != nil {
				return err
			}
			if err := tx.Delete(ref); err != nil {
				return err
			}
		}
		return tx.Delete(orderRef)
	})
	return passTyped("orders.delete", err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return r.withLines(ctx, doc.Data.toDomain(doc.ID))
}

func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Order, error) {
	marker, err := r.keys.Get(ctx, idempotencyMarker(userID, key))
	if err != nil {
		return domain.Order{}, err
	}
	return r.FindByID(ctx, marker.Data.OrderID)
}

func (r *OrderRepository) FindByPaymentReference(ctx context.Context, provider domain.PaymentProvider, reference string) (domain.Order, error) {
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentProvider", "==", string(provider)).
			Where("paymentReference", "==", reference).
			Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, repositories.NotFound("orders.find_by_reference",
			fmt.Errorf("no order for %s reference %s", provider, reference))
	}
	return r.withLines(ctx, docs[0].Data.toDomain(docs[0].ID))
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
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
		size = defaultOrderListPageSize
	}

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.UserID != "" {
			q = q.Where("userId", "==", filter.UserID)
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, s := range filter.Status {
				statuses = append(statuses, string(s))
			}
			q = q.Where("status", "in", statuses)
		}
		return q.OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc).
			Offset(offset).
			Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	if len(docs) > size {
		docs = docs[:size]
		page.NextPageToken = strconv.Itoa(offset + size)
	}
	for _, doc := range docs {
		order, err := r.withLines(ctx, doc.Data.toDomain(doc.ID))
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.Items = append(page.Items, order)
	}
	return page, nil
}

func (r *OrderRepository) UpdateState(ctx context.Context, change repositories.OrderStateChange) (domain.Order, error) {
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, change.OrderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return repositories.NotFound("orders.update_state", fmt.Errorf("order %s not found", change.OrderID))
			}
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", change.OrderID, err)
		}
		if doc.Status != string(change.ExpectedStatus) || doc.PaymentStatus != string(change.ExpectedPaymentStatus) {
			return repositories.Conflict("orders.update_state",
				fmt.Errorf("order %s is %s/%s, expected %s/%s", change.OrderID, doc.Status, doc.PaymentStatus,
					change.ExpectedStatus, change.ExpectedPaymentStatus))
		}
		updates := []firestore.Update{
			{Path: "status", Value: string(change.Status)},
			{Path: "paymentStatus", Value: string(change.PaymentStatus)},
			{Path: "updatedAt", Value: change.UpdatedAt},
		}
		if change.PaymentProvider != nil {
			updates = append(updates, firestore.Update{Path: "paymentProvider", Value: string(*change.PaymentProvider)})
		}
		if change.PaymentReference != nil {
			updates = append(updates, firestore.Update{Path: "paymentReference", Value: *change.PaymentReference})
		}
		if change.PaidAt != nil {
			updates = append(updates, firestore.Update{Path: "paidAt", Value: *change.PaidAt})
		}
		if change.CancelledAt != nil {
			updates = append(updates, firestore.Update{Path: "cancelledAt", Value: *change.CancelledAt})
		}
		if change.RefundedAt != nil {
			updates = append(updates, firestore.Update{Path: "refundedAt", Value: *change.RefundedAt})
		}
		return tx.Update(ref, updates, firestore.LastUpdateTime(snap.UpdateTime))
	})
	if err != nil {
		return domain.Order{}, passTyped("orders.update_state", err)
	}
	return r.FindByID(ctx, change.OrderID)
}

func (r *OrderRepository) withLines(ctx context.Context, order domain.Order) (domain.Order, error) {
	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	snaps, err := ref.Collection(orderLinesCollection).OrderBy("position", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.lines.load", err)
	}
	order.Lines = make([]domain.OrderLine, 0, len(snaps))
	for _, snap := range snaps {
		var doc orderLineDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Order{}, fmt.Errorf("decode order line %s: %w", snap.Ref.ID, err)
		}
		order.Lines = append(order.Lines, domain.OrderLine{
			ID:         snap.Ref.ID,
			OrderID:    order.ID,
			ProductID:  doc.ProductID,
			VariantID:  doc.VariantID,
			Quantity:   doc.Quantity,
			UnitPrice:  doc.UnitPrice,
			TotalPrice: doc.TotalPrice,
			Snapshot: domain.ProductSnapshot{
				Name:     doc.Name,
				ImageURL: doc.ImageURL,
				Size:     doc.Size,
				Color:    doc.Color,
			},
		})
	}
	return order, nil
}
