package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/repositories"
)

const defaultPageSize = 20

const orderColumns = `id, order_number, user_id, email, status, payment_status, payment_provider,
	payment_reference, currency, subtotal, discount, shipping, tax, total, shipping_address,
	billing_address, shipping_method, coupon_code, idempotency_key, created_at, updated_at,
	paid_at, cancelled_at, refunded_at`

type addressRow struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postalCode"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

type snapshotRow struct {
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl,omitempty"`
	Size     string `json:"size,omitempty"`
	Color    string `json:"color,omitempty"`
}

type orderRepository struct{ s *Store }

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	shipping, err := json.Marshal(addressRow(order.ShippingAddress))
	if err != nil {
		return fmt.Errorf("orders.insert: encode shipping address: %w", err)
	}
	var billing []byte
	if order.BillingAddress != nil {
		if billing, err = json.Marshal(addressRow(*order.BillingAddress)); err != nil {
			return fmt.Errorf("orders.insert: encode billing address: %w", err)
		}
	}
	_, err = r.s.q(ctx).Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		order.ID, order.OrderNumber, order.UserID, order.Email, string(order.Status), string(order.PaymentStatus),
		string(order.PaymentProvider), order.PaymentReference, order.Currency, order.Totals.Subtotal,
		order.Totals.Discount, order.Totals.Shipping, order.Totals.Tax, order.Totals.Total, shipping, billing,
		order.ShippingMethod, order.CouponCode, order.IdempotencyKey, order.CreatedAt, order.UpdatedAt,
		order.PaidAt, order.CancelledAt, order.RefundedAt)
	return mapError("orders.insert", err)
}

func (r orderRepository) InsertLines(ctx context.Context, orderID string, lines []domain.OrderLine) error {
	return r.s.atomic(ctx, func(tx pgx.Tx) error {
		var existing int
		err := tx.QueryRow(ctx, `
			SELECT count(l.id) FROM orders o LEFT JOIN order_lines l ON l.order_id = o.id
			WHERE o.id = $1 GROUP BY o.id`, orderID).Scan(&existing)
		if errors.Is(err, pgx.ErrNoRows) {
			return repositories.NotFound("orders.lines.insert", fmt.Errorf("order %s not found", orderID))
		}
		if err != nil {
			return mapError("orders.lines.insert", err)
		}
		if existing > 0 {
			return repositories.Conflict("orders.lines.insert", fmt.Errorf("order %s already has lines", orderID))
		}

		batch := &pgx.Batch{}
		for i, line := range lines {
			snapshot, err := json.Marshal(snapshotRow(line.Snapshot))
			if err != nil {
				return fmt.Errorf("orders.lines.insert: encode snapshot: %w", err)
			}
			batch.Queue(`
				INSERT INTO order_lines (id, order_id, position, product_id, variant_id, quantity, unit_price, total_price, snapshot)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				line.ID, orderID, i, line.ProductID, line.VariantID, line.Quantity, line.UnitPrice, line.TotalPrice, snapshot)
		}
		results := tx.SendBatch(ctx, batch)
		for range lines {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return mapError("orders.lines.insert", err)
			}
		}
		return mapError("orders.lines.insert", results.Close())
	})
}

func (r orderRepository) Delete(ctx context.Context, orderID string) error {
	tag, err := r.s.q(ctx).Exec(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return mapError("orders.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NotFound("orders.delete", fmt.Errorf("order %s not found", orderID))
	}
	return nil
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find", `WHERE id = $1`, orderID)
}

func (r orderRepository) FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_key", `WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
}

func (r orderRepository) FindByPaymentReference(ctx context.Context, provider domain.PaymentProvider, reference string) (domain.Order, error) {
	return r.findOne(ctx, "orders.find_by_reference",
		`WHERE payment_provider = $1 AND payment_reference = $2`, string(provider), reference)
}

func (r orderRepository) findOne(ctx context.Context, op, where string, args ...any) (domain.Order, error) {
	order, err := scanOrder(r.s.q(ctx).QueryRow(ctx, `SELECT `+orderColumns+` FROM orders `+where+` LIMIT 1`, args...))
	if err != nil {
		return domain.Order{}, mapError(op, err)
	}
	lines, err := r.loadLines(ctx, []string{order.ID})
	if err != nil {
		return domain.Order{}, err
	}
	order.Lines = lines[order.ID]
	return order, nil
}

func (r orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
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

	var (
		conds []string
		args  []any
	)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, status := range filter.Status {
			statuses = append(statuses, string(status))
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	// One extra row tells us whether another page exists.
	args = append(args, size+1, offset)
	query := fmt.Sprintf(`SELECT %s FROM orders %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		orderColumns, where, len(args)-1, len(args))

	rows, err := r.s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, mapError("orders.list", err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, mapError("orders.list", err)
	}

	page := domain.CursorPage[domain.Order]{}
	if len(orders) > size {
		orders = orders[:size]
		page.NextPageToken = strconv.Itoa(offset + size)
	}
	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}
	lines, err := r.loadLines(ctx, ids)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	for i := range orders {
		orders[i].Lines = lines[orders[i].ID]
	}
	page.Items = orders
	return page, nil
}

func (r orderRepository) UpdateState(ctx context.Context, change repositories.OrderStateChange) (domain.Order, error) {
	var provider *string
	if change.PaymentProvider != nil {
		p := string(*change.PaymentProvider)
		provider = &p
	}
	tag, err := r.s.q(ctx).Exec(ctx, `
		UPDATE orders SET
			status = $4,
			payment_status = $5,
			payment_provider = COALESCE($6, payment_provider),
			payment_reference = COALESCE($7, payment_reference),
			paid_at = COALESCE($8, paid_at),
			cancelled_at = COALESCE($9, cancelled_at),
			refunded_at = COALESCE($10, refunded_at),
			updated_at = $11
		WHERE id = $1 AND status = $2 AND payment_status = $3`,
		change.OrderID, string(change.ExpectedStatus), string(change.ExpectedPaymentStatus),
		string(change.Status), string(change.PaymentStatus), provider, change.PaymentReference,
		change.PaidAt, change.CancelledAt, change.RefundedAt, change.UpdatedAt)
	if err != nil {
		return domain.Order{}, mapError("orders.update_state", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := r.FindByID(ctx, change.OrderID)
		if err != nil {
			return domain.Order{}, err
		}
		return domain.Order{}, repositories.Conflict("orders.update_state",
			fmt.Errorf("order %s is %s/%s, expected %s/%s", current.ID, current.Status, current.PaymentStatus,
				change.ExpectedStatus, change.ExpectedPaymentStatus))
	}
	return r.FindByID(ctx, change.OrderID)
}

func (r orderRepository) loadLines(ctx context.Context, orderIDs []string) (map[string][]domain.OrderLine, error) {
	out := make(map[string][]domain.OrderLine, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	rows, err := r.s.q(ctx).Query(ctx, `
		SELECT id, order_id, product_id, variant_id, quantity, unit_price, total_price, snapshot
		FROM order_lines WHERE order_id = ANY($1) ORDER BY order_id, position`, orderIDs)
	if err != nil {
		return nil, mapError("orders.lines.load", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			line domain.OrderLine
			raw  []byte
		)
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.VariantID, &line.Quantity,
			&line.UnitPrice, &line.TotalPrice, &raw); err != nil {
			return nil, mapError("orders.lines.load", err)
		}
		var snap snapshotRow
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("orders.lines.load: decode snapshot: %w", err)
		}
		line.Snapshot = domain.ProductSnapshot(snap)
		out[line.OrderID] = append(out[line.OrderID], line)
	}
	return out, mapError("orders.lines.load", rows.Err())
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                               domain.Order
		status, paymentStatus, provider string
		shipping, billing               []byte
	)
	if err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Email, &status, &paymentStatus, &provider,
		&o.PaymentReference, &o.Currency, &o.Totals.Subtotal, &o.Totals.Discount, &o.Totals.Shipping,
		&o.Totals.Tax, &o.Totals.Total, &shipping, &billing, &o.ShippingMethod, &o.CouponCode,
		&o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.CancelledAt, &o.RefundedAt); err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)
	o.PaymentStatus = domain.PaymentStatus(paymentStatus)
	o.PaymentProvider = domain.PaymentProvider(provider)

	var ship addressRow
	if err := json.Unmarshal(shipping, &ship); err != nil {
		return domain.Order{}, fmt.Errorf("decode shipping address: %w", err)
	}
	o.ShippingAddress = domain.Address(ship)
	if len(billing) > 0 {
		var bill addressRow
		if err := json.Unmarshal(billing, &bill); err != nil {
			return domain.Order{}, fmt.Errorf("decode billing address: %w", err)
		}
		addr := domain.Address(bill)
		o.BillingAddress = &addr
	}
	return o, nil
}
