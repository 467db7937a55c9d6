package firestore

import (
	"errors"

	pfirestore "github.com/storefront/checkout/internal/platform/firestore"
	"github.com/storefront/checkout/internal/repositories"
)

// passTyped returns ledger, coupon and counter errors unwrapped so services can switch on their
// codes. Everything else is classified as a Firestore repository error.
func passTyped(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		return invErr
	}
	var couponErr *repositories.CouponError
	if errors.As(err, &couponErr) {
		return couponErr
	}
	var counterErr *repositories.CounterError
	if errors.As(err, &counterErr) {
		return counterErr
	}
	var storeErr *repositories.StoreError
	if errors.As(err, &storeErr) {
		return storeErr
	}
	return pfirestore.WrapError(op, err)
}
