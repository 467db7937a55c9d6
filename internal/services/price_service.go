package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/currency"

	"github.com/storefront/checkout/internal/repositories"
)

var (
	// ErrPriceInvalidInput indicates the caller supplied an invalid price.
	ErrPriceInvalidInput = errors.New("price: invalid input")
	// ErrPriceNotFound indicates a line has neither a variant nor a product price.
	ErrPriceNotFound = errors.New("price: not found")
	// ErrPriceCurrencyMismatch indicates the list price is held in another currency.
	ErrPriceCurrencyMismatch = errors.New("price: currency mismatch")
	// ErrPriceUnavailable indicates the price store could not be read.
	ErrPriceUnavailable = errors.New("price: unavailable")
)

// PriceServiceDeps wires the price service.
type PriceServiceDeps struct {
	Prices repositories.PriceRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type priceService struct {
	prices repositories.PriceRepository
	now    func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
}

// NewPriceService constructs a PriceService over the price repository.
func NewPriceService(deps PriceServiceDeps) (PriceService, error) {
	if deps.Prices == nil {
		return nil, errors.New("price service: price repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &priceService{
		prices: deps.Prices,
		now:    func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

func (s *priceService) SetPrice(ctx context.Context, cmd SetPriceCommand) (Price, error) {
	price := Price{
		ProductID: strings.TrimSpace(cmd.ProductID),
		VariantID: strings.TrimSpace(cmd.VariantID),
		UnitPrice: cmd.UnitPrice,
		Currency:  strings.ToUpper(strings.TrimSpace(cmd.Currency)),
		UpdatedAt: s.now(),
	}
	if price.ProductID == "" {
		return Price{}, fmt.Errorf("%w: product id is required", ErrPriceInvalidInput)
	}
	if price.UnitPrice < 0 {
		return Price{}, fmt.Errorf("%w: unit price must not be negative", ErrPriceInvalidInput)
	}
	if _, err := currency.ParseISO(price.Currency); err != nil {
		return Price{}, fmt.Errorf("%w: unsupported currency %q", ErrPriceInvalidInput, cmd.Currency)
	}

	stored, err := s.prices.Upsert(ctx, price)
	if err != nil {
		return Price{}, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	s.logger(ctx, "price.updated", map[string]any{
		"productId": stored.ProductID,
		"variantId": stored.VariantID,
		"unitPrice": stored.UnitPrice,
		"currency":  stored.Currency,
		"actorId":   strings.TrimSpace(cmd.ActorID),
	})
	return stored, nil
}

// QuoteLines returns copies of lines carrying the stored unit price. A variant row wins over the
// product row.
func (s *priceService) QuoteLines(ctx context.Context, code string, lines []CartLine) ([]CartLine, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	keys := make([]PriceKey, 0, len(lines)*2)
	seen := make(map[PriceKey]struct{}, len(lines)*2)
	add := func(key PriceKey) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for _, line := range lines {
		if line.VariantID != "" {
			add(PriceKey{ProductID: line.ProductID, VariantID: line.VariantID})
		}
		add(PriceKey{ProductID: line.ProductID})
	}

	prices, err := s.prices.GetMany(ctx, keys)
	if err != nil {
		s.logger(ctx, "price.lookup_failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}

	out := make([]CartLine, len(lines))
	for i, line := range lines {
		price, ok := Price{}, false
		if line.VariantID != "" {
			price, ok = prices[PriceKey{ProductID: line.ProductID, VariantID: line.VariantID}]
		}
		if !ok {
			price, ok = prices[PriceKey{ProductID: line.ProductID}]
		}
		if !ok {
			return nil, fmt.Errorf("%w: product %s variant %q", ErrPriceNotFound, line.ProductID, line.VariantID)
		}
		if price.Currency != code {
			return nil, fmt.Errorf("%w: product %s is priced in %s, not %s", ErrPriceCurrencyMismatch, line.ProductID, price.Currency, code)
		}
		if line.UnitPrice != price.UnitPrice {
			s.logger(ctx, "price.client_quote_replaced", map[string]any{
				"productId": line.ProductID,
				"variantId": line.VariantID,
				"quoted":    line.UnitPrice,
				"listed":    price.UnitPrice,
			})
		}
		line.UnitPrice = price.UnitPrice
		out[i] = line
	}
	return out, nil
}
