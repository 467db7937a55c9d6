package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	domain "github.com/storefront/checkout/internal/domain"
)

const receiptContentType = "application/json"

// objectCreator writes an object only if it does not exist yet.
type objectCreator interface {
	CreateObject(ctx context.Context, object, contentType string, data []byte) error
}

// errObjectExists is returned by objectCreator when the precondition fails.
var errObjectExists = errors.New("storage: object already exists")

// ReceiptArchive writes one immutable JSON receipt per paid order.
type ReceiptArchive struct {
	objects objectCreator
	bucket  string
}

// NewReceiptArchive constructs an archive writing into bucket.
func NewReceiptArchive(client *gcs.Client, bucket string) (*ReceiptArchive, error) {
	if client == nil {
		return nil, errors.New("receipt archive: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("receipt archive: bucket is required")
	}
	return &ReceiptArchive{objects: &gcsObjects{bucket: client.Bucket(bucket)}, bucket: bucket}, nil
}

// StoreReceipt writes the receipt and returns its gs:// URI. Writing the same order twice is a no-op.
func (a *ReceiptArchive) StoreReceipt(ctx context.Context, order domain.Order) (string, error) {
	object, err := receiptPath(order)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(newReceipt(order))
	if err != nil {
		return "", fmt.Errorf("receipt archive: marshal: %w", err)
	}
	if err := a.objects.CreateObject(ctx, object, receiptContentType, data); err != nil && !errors.Is(err, errObjectExists) {
		return "", fmt.Errorf("receipt archive: write %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, object), nil
}

// receiptPath lays receipts out by creation month: receipts/2025/03/ord_x.json.
func receiptPath(order domain.Order) (string, error) {
	id := strings.TrimSpace(order.ID)
	if id == "" || strings.ContainsAny(id, "/\\") {
		return "", fmt.Errorf("receipt archive: invalid order id %q", order.ID)
	}
	created := order.CreatedAt.UTC()
	return fmt.Sprintf("receipts/%04d/%02d/%s.json", created.Year(), int(created.Month()), id), nil
}

type receipt struct {
	OrderID          string         `json:"orderId"`
	OrderNumber      string         `json:"orderNumber"`
	UserID           string         `json:"userId"`
	Email            string         `json:"email,omitempty"`
	Currency         string         `json:"currency"`
	Subtotal         int64          `json:"subtotal"`
	Discount         int64          `json:"discount"`
	Shipping         int64          `json:"shipping"`
	Tax              int64          `json:"tax"`
	Total            int64          `json:"total"`
	CouponCode       string         `json:"couponCode,omitempty"`
	PaymentProvider  string         `json:"paymentProvider"`
	PaymentReference string         `json:"paymentReference,omitempty"`
	ShippingMethod   string         `json:"shippingMethod,omitempty"`
	ShippingAddress  domain.Address `json:"shippingAddress"`
	Lines            []receiptLine  `json:"lines"`
	CreatedAt        time.Time      `json:"createdAt"`
	PaidAt           *time.Time     `json:"paidAt,omitempty"`
}

type receiptLine struct {
	VariantID  string `json:"variantId"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unitPrice"`
	TotalPrice int64  `json:"totalPrice"`
}

func newReceipt(order domain.Order) receipt {
	out := receipt{
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		Email:           order.Email,
		Currency:        order.Currency,
		Subtotal:        order.Totals.Subtotal,
		Discount:        order.Totals.Discount,
		Shipping:        order.Totals.Shipping,
		Tax:             order.Totals.Tax,
		Total:           order.Totals.Total,
		PaymentProvider: string(order.PaymentProvider),
		ShippingMethod:  order.ShippingMethod,
		ShippingAddress: order.ShippingAddress,
		Lines:           make([]receiptLine, 0, len(order.Lines)),
		CreatedAt:       order.CreatedAt.UTC(),
		PaidAt:          order.PaidAt,
	}
	if order.CouponCode != nil {
		out.CouponCode = *order.CouponCode
	}
	if order.PaymentReference != nil {
		out.PaymentReference = *order.PaymentReference
	}
	for _, line := range order.Lines {
		out.Lines = append(out.Lines, receiptLine{
			VariantID:  line.VariantID,
			Name:       line.Snapshot.Name,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			TotalPrice: line.TotalPrice,
		})
	}
	return out
}

type gcsObjects struct {
	bucket *gcs.BucketHandle
}

func (g *gcsObjects) CreateObject(ctx context.Context, object, contentType string, data []byte) error {
	w := g.bucket.Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return errObjectExists
		}
		return err
	}
	return nil
}
