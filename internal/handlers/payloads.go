package handlers

import (
	"fmt"
	"strings"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/services"
)

// Amounts cross the HTTP boundary in major units and are held as minor units internally.

type cartLinePayload struct {
	ProductID    string  `json:"productId"`
	VariantID    string  `json:"variantId,omitempty"`
	Quantity     int     `json:"quantity"`
	UnitPrice    float64 `json:"unitPrice"`
	StockCeiling int     `json:"stockCeiling,omitempty"`
	ProductName  string  `json:"productName,omitempty"`
	ImageURL     string  `json:"imageUrl,omitempty"`
	Size         string  `json:"size,omitempty"`
	Color        string  `json:"color,omitempty"`
}

type cartPayload struct {
	UserID    string            `json:"userId"`
	Lines     []cartLinePayload `json:"lines"`
	Subtotal  float64           `json:"subtotal"`
	UpdatedAt string            `json:"updatedAt,omitempty"`
}

type addressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postalCode"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

type totalsPayload struct {
	Subtotal float64 `json:"subtotal"`
	Discount float64 `json:"discount"`
	Shipping float64 `json:"shipping"`
	Tax      float64 `json:"tax"`
	Total    float64 `json:"total"`
}

type orderLinePayload struct {
	ID         string  `json:"id"`
	ProductID  string  `json:"productId"`
	VariantID  string  `json:"variantId,omitempty"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unitPrice"`
	TotalPrice float64 `json:"totalPrice"`
	Name       string  `json:"name,omitempty"`
	ImageURL   string  `json:"imageUrl,omitempty"`
	Size       string  `json:"size,omitempty"`
	Color      string  `json:"color,omitempty"`
}

type orderPayload struct {
	ID               string             `json:"id"`
	OrderNumber      string             `json:"orderNumber"`
	UserID           string             `json:"userId"`
	Email            string             `json:"email"`
	Status           string             `json:"status"`
	PaymentStatus    string             `json:"paymentStatus"`
	PaymentProvider  string             `json:"paymentProvider"`
	PaymentReference string             `json:"paymentReference,omitempty"`
	Currency         string             `json:"currency"`
	Totals           totalsPayload      `json:"totals"`
	ShippingAddress  addressPayload     `json:"shippingAddress"`
	BillingAddress   *addressPayload    `json:"billingAddress,omitempty"`
	ShippingMethod   string             `json:"shippingMethod,omitempty"`
	CouponCode       string             `json:"couponCode,omitempty"`
	Lines            []orderLinePayload `json:"lines"`
	CreatedAt        string             `json:"createdAt"`
	UpdatedAt        string             `json:"updatedAt,omitempty"`
	PaidAt           string             `json:"paidAt,omitempty"`
	CancelledAt      string             `json:"cancelledAt,omitempty"`
	RefundedAt       string             `json:"refundedAt,omitempty"`
}

func (p cartLinePayload) toLine() services.CartLine {
	return services.CartLine{
		ProductID:    strings.TrimSpace(p.ProductID),
		VariantID:    strings.TrimSpace(p.VariantID),
		Quantity:     p.Quantity,
		UnitPrice:    domain.MinorUnits(p.UnitPrice),
		StockCeiling: p.StockCeiling,
		ProductName:  p.ProductName,
		ImageURL:     p.ImageURL,
		Size:         p.Size,
		Color:        p.Color,
	}
}

func parseCartLines(payloads []cartLinePayload) ([]services.CartLine, error) {
	lines := make([]services.CartLine, 0, len(payloads))
	for i, p := range payloads {
		if strings.TrimSpace(p.ProductID) == "" {
			return nil, fmt.Errorf("lines[%d].productId is required", i)
		}
		if p.UnitPrice < 0 {
			return nil, fmt.Errorf("lines[%d].unitPrice must not be negative", i)
		}
		lines = append(lines, p.toLine())
	}
	return lines, nil
}

func (p *addressPayload) toAddress() *services.Address {
	if p == nil {
		return nil
	}
	return &services.Address{
		Recipient:  p.Recipient,
		Line1:      p.Line1,
		Line2:      p.Line2,
		City:       p.City,
		State:      p.State,
		PostalCode: p.PostalCode,
		Country:    p.Country,
		Phone:      p.Phone,
	}
}

func buildCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{
		UserID:   cart.UserID,
		Lines:    make([]cartLinePayload, 0, len(cart.Lines)),
		Subtotal: domain.MajorUnits(domain.LineSubtotal(cart.Lines)),
	}
	for _, line := range cart.Lines {
		payload.Lines = append(payload.Lines, cartLinePayload{
			ProductID:    line.ProductID,
			VariantID:    line.VariantID,
			Quantity:     line.Quantity,
			UnitPrice:    domain.MajorUnits(line.UnitPrice),
			StockCeiling: line.StockCeiling,
			ProductName:  line.ProductName,
			ImageURL:     line.ImageURL,
			Size:         line.Size,
			Color:        line.Color,
		})
	}
	if !cart.UpdatedAt.IsZero() {
		payload.UpdatedAt = formatTime(cart.UpdatedAt)
	}
	return payload
}

func buildAddressPayload(addr services.Address) addressPayload {
	return addressPayload{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		Email:           order.Email,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentProvider: string(order.PaymentProvider),
		Currency:        order.Currency,
		Totals: totalsPayload{
			Subtotal: domain.MajorUnits(order.Totals.Subtotal),
			Discount: domain.MajorUnits(order.Totals.Discount),
			Shipping: domain.MajorUnits(order.Totals.Shipping),
			Tax:      domain.MajorUnits(order.Totals.Tax),
			Total:    domain.MajorUnits(order.Totals.Total),
		},
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		ShippingMethod:  order.ShippingMethod,
		Lines:           make([]orderLinePayload, 0, len(order.Lines)),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		PaidAt:          formatTimePtr(order.PaidAt),
		CancelledAt:     formatTimePtr(order.CancelledAt),
		RefundedAt:      formatTimePtr(order.RefundedAt),
	}
	if order.PaymentReference != nil {
		payload.PaymentReference = *order.PaymentReference
	}
	if order.CouponCode != nil {
		payload.CouponCode = *order.CouponCode
	}
	if order.BillingAddress != nil {
		billing := buildAddressPayload(*order.BillingAddress)
		payload.BillingAddress = &billing
	}
	for _, line := range order.Lines {
		payload.Lines = append(payload.Lines, orderLinePayload{
			ID:         line.ID,
			ProductID:  line.ProductID,
			VariantID:  line.VariantID,
			Quantity:   line.Quantity,
			UnitPrice:  domain.MajorUnits(line.UnitPrice),
			TotalPrice: domain.MajorUnits(line.TotalPrice),
			Name:       line.Snapshot.Name,
			ImageURL:   line.Snapshot.ImageURL,
			Size:       line.Snapshot.Size,
			Color:      line.Snapshot.Color,
		})
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
