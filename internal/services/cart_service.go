package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/storefront/checkout/internal/domain"
	"github.com/storefront/checkout/internal/repositories"
)

var errCartRepositoryRequired = errors.New("cart service: repository is required")

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartUnavailable indicates the cart service cannot fulfil the request due to backend issues.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
var ErrCartConflict = errors.New("cart service: conflict")

// stockReader is the read-only slice of the ledger the reconciler needs.
type stockReader interface {
	StockLevels(ctx context.Context, variantIDs []string) (map[string]int, error)
}

// CartServiceDeps wires the repository and stock lookup for cart operations.
type CartServiceDeps struct {
	Repository repositories.CartRepository
	Stock      stockReader
	UnitOfWork repositories.UnitOfWork
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	repo       repositories.CartRepository
	stock      stockReader
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService validating required dependencies.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errCartRepositoryRequired
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		repo:       deps.Repository,
		stock:      deps.Stock,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *cartService) GetCart(ctx context.Context, userID string) (Cart, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	cart, err := s.repo.Get(ctx, userID)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	if cart.Lines == nil {
		cart.Lines = []CartLine{}
	}
	cart.UserID = userID
	return cart, nil
}

// MergeCart unions the guest lines with the server cart. Lines present on both sides are summed
// and clamped to stock; lines present on one side are re-clamped against a fresh stock read.
// The merged set replaces the server cart.
func (s *cartService) MergeCart(ctx context.Context, cmd MergeCartCommand) (Cart, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	local, err := normaliseCartLines(cmd.Lines)
	if err != nil {
		return Cart{}, err
	}

	var merged Cart
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		server, err := s.repo.Get(txCtx, userID)
		if err != nil {
			return s.translateRepoError(err)
		}
		serverLines, err := normaliseCartLines(server.Lines)
		if err != nil {
			return err
		}

		lines := unionCartLines(serverLines, local)
		lines = s.clampToStock(txCtx, userID, lines)

		merged, err = s.repo.Replace(txCtx, userID, lines, s.clock())
		if err != nil {
			return s.translateRepoError(err)
		}
		return nil
	})
	if err != nil {
		return Cart{}, err
	}

	s.logger(ctx, "cart.merged", map[string]any{
		"userId":     userID,
		"localLines": len(local),
		"lines":      len(merged.Lines),
	})
	return merged, nil
}

// ReplaceCart overwrites the server cart. Duplicate keys are summed and quantities clamped to stock.
func (s *cartService) ReplaceCart(ctx context.Context, cmd ReplaceCartCommand) (Cart, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	lines, err := normaliseCartLines(cmd.Lines)
	if err != nil {
		return Cart{}, err
	}
	lines = unionCartLines(nil, lines)

	var cart Cart
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		lines = s.clampToStock(txCtx, userID, lines)
		cart, err = s.repo.Replace(txCtx, userID, lines, s.clock())
		if err != nil {
			return s.translateRepoError(err)
		}
		return nil
	})
	if err != nil {
		return Cart{}, err
	}
	return cart, nil
}

func (s *cartService) ClearCart(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if err := s.repo.Clear(ctx, userID); err != nil {
		return s.translateRepoError(err)
	}
	return nil
}

// clampToStock refreshes every variant ceiling from the ledger and drops variant lines that end
// at zero. When the lookup fails the recorded ceiling is kept; the merge never fails on stock
// reads. Lines without a variant carry no stock and are never clamped.
func (s *cartService) clampToStock(ctx context.Context, userID string, lines []CartLine) []CartLine {
	live := map[string]int{}
	if s.stock != nil {
		ids := make([]string, 0, len(lines))
		for _, line := range lines {
			if line.VariantID != "" {
				ids = append(ids, line.VariantID)
			}
		}
		if len(ids) > 0 {
			levels, err := s.stock.StockLevels(ctx, ids)
			if err != nil {
				s.logger(ctx, "cart.stock_lookup_failed", map[string]any{
					"userId": userID,
					"error":  err.Error(),
				})
			} else {
				live = levels
			}
		}
	}

	out := make([]CartLine, 0, len(lines))
	for _, line := range lines {
		if line.VariantID == "" {
			out = append(out, line)
			continue
		}
		if level, ok := live[line.VariantID]; ok {
			line.StockCeiling = max(level, 0)
		}
		if line.Quantity > line.StockCeiling {
			line.Quantity = line.StockCeiling
		}
		if line.Quantity <= 0 {
			continue
		}
		out = append(out, line)
	}
	return out
}

// unionCartLines merges two line sets by (productId, variantId), preserving first-seen order.
// Shared keys sum quantities and keep the larger recorded ceiling.
func unionCartLines(server, local []CartLine) []CartLine {
	index := make(map[CartLineKey]int, len(server)+len(local))
	out := make([]CartLine, 0, len(server)+len(local))
	add := func(line CartLine) {
		key := line.Key()
		pos, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, line)
			return
		}
		existing := out[pos]
		existing.Quantity += line.Quantity
		existing.StockCeiling = max(existing.StockCeiling, line.StockCeiling)
		if existing.ProductName == "" {
			existing.ProductName = line.ProductName
		}
		if existing.ImageURL == "" {
			existing.ImageURL = line.ImageURL
		}
		if existing.Size == "" {
			existing.Size = line.Size
		}
		if existing.Color == "" {
			existing.Color = line.Color
		}
		out[pos] = existing
	}
	for _, line := range server {
		add(line)
	}
	for _, line := range local {
		add(line)
	}
	return out
}

func normaliseCartLines(lines []CartLine) ([]CartLine, error) {
	out := make([]CartLine, 0, len(lines))
	for i, line := range lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		line.VariantID = strings.TrimSpace(line.VariantID)
		line.ProductName = strings.TrimSpace(line.ProductName)
		if line.ProductID == "" {
			return nil, fmt.Errorf("%w: line %d: product id is required", ErrCartInvalidInput, i)
		}
		if line.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: line %d: unit price must not be negative", ErrCartInvalidInput, i)
		}
		if line.StockCeiling < 0 {
			line.StockCeiling = 0
		}
		if line.Quantity <= 0 {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCartInvalidInput) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
}

// cartLinesForOrder drops lines the order cannot carry.
func cartLinesForOrder(lines []domain.CartLine) []domain.CartLine {
	out := make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		if line.Quantity > 0 {
			out = append(out, line)
		}
	}
	return out
}
