package firestore

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/storefront/checkout/internal/repositories"
)

func TestHashedIDIsStableAndSeparatesParts(t *testing.T) {
	if hashedID("a", "bc") != hashedID("a", "bc") {
		t.Fatal("expected deterministic ids")
	}
	if hashedID("a", "bc") == hashedID("ab", "c") {
		t.Fatal("expected part boundaries to change the id")
	}
	if len(hashedID("x/y")) != 64 {
		t.Fatal("expected hex sha256 id")
	}
}

func TestPassTypedKeepsDomainErrors(t *testing.T) {
	invErr := repositories.NewInventoryError(repositories.InventoryErrorOutOfStock, "var_1", "")
	var got *repositories.InventoryError
	if err := passTyped("op", invErr); !errors.As(err, &got) || got != invErr {
		t.Fatalf("expected inventory error passthrough, got %v", err)
	}

	err := passTyped("op", status.Error(codes.AlreadyExists, "exists"))
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict classification, got %v", err)
	}

	err = passTyped("op", status.Error(codes.NotFound, "missing"))
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found classification, got %v", err)
	}

	if passTyped("op", nil) != nil {
		t.Fatal("nil stays nil")
	}
}

func TestNewStoreRequiresProvider(t *testing.T) {
	if _, err := NewStore(nil); err == nil {
		t.Fatal("expected error for nil provider")
	}
}

func TestNextLedgerEntryChainsSequenceAndQuantities(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	variant := variantDocument{ProductID: "prod_1", StockQuantity: 5}
	changes := []int{-2, 3, -6}

	for i, change := range changes {
		// Every row carries the same timestamp; only seq orders them.
		doc, err := nextLedgerEntry(variant, repositories.DeltaRequest{VariantID: "var_1", ChangeQty: change, Reason: "adjust", At: at})
		if err != nil {
			t.Fatalf("entry %d: %v", i, err)
		}
		if doc.Seq != int64(i+1) {
			t.Fatalf("entry %d: expected seq %d, got %d", i, i+1, doc.Seq)
		}
		if doc.PreviousQty != variant.StockQuantity || doc.NewQty != variant.StockQuantity+change {
			t.Fatalf("entry %d: unexpected quantities %+v", i, doc)
		}
		variant.StockQuantity, variant.LedgerSeq = doc.NewQty, doc.Seq
	}
	if variant.StockQuantity != 0 || variant.LedgerSeq != 3 {
		t.Fatalf("unexpected final variant %+v", variant)
	}

	_, err := nextLedgerEntry(variant, repositories.DeltaRequest{VariantID: "var_1", ChangeQty: -1})
	var invErr *repositories.InventoryError
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorOutOfStock {
		t.Fatalf("expected out of stock, got %v", err)
	}
}
