package repositories

import "fmt"

// InventoryErrorCode enumerates ledger failure causes.
type InventoryErrorCode string

const (
	// InventoryErrorOutOfStock indicates the delta would take stock below zero. Nothing was written.
	InventoryErrorOutOfStock InventoryErrorCode = "inventory_out_of_stock"
	// InventoryErrorVariantNotFound indicates the variant has no stock row.
	InventoryErrorVariantNotFound InventoryErrorCode = "inventory_variant_not_found"
	// InventoryErrorInvalidDelta indicates a malformed request such as a zero change.
	InventoryErrorInvalidDelta InventoryErrorCode = "inventory_invalid_delta"
)

// InventoryError wraps ledger failures with machine readable codes.
type InventoryError struct {
	Op        string
	Code      InventoryErrorCode
	VariantID string
	Message   string
	Err       error
}

func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInventoryError constructs a typed inventory error for the variant.
func NewInventoryError(code InventoryErrorCode, variantID, message string) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{Code: code, VariantID: variantID, Message: message}
}

// CouponErrorCode enumerates redemption failure causes.
type CouponErrorCode string

const (
	// CouponErrorExhausted indicates the coupon reached its global use cap.
	CouponErrorExhausted CouponErrorCode = "coupon_exhausted"
	// CouponErrorUserLimit indicates the user reached the per-user cap.
	CouponErrorUserLimit CouponErrorCode = "coupon_user_limit"
	// CouponErrorNotFound indicates the coupon row is missing.
	CouponErrorNotFound CouponErrorCode = "coupon_not_found"
)

// CouponError wraps redemption failures with machine readable codes.
type CouponError struct {
	Code     CouponErrorCode
	CouponID string
	Message  string
}

func (e *CouponError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// NewCouponError constructs a typed coupon error.
func NewCouponError(code CouponErrorCode, couponID, message string) *CouponError {
	if message == "" {
		message = string(code)
	}
	return &CouponError{Code: code, CouponID: couponID, Message: message}
}

// CounterErrorCode enumerates failure reasons for counter operations.
type CounterErrorCode string

const (
	// CounterErrorInvalidInput indicates the caller supplied invalid arguments.
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorExhausted indicates the counter hit its configured max value.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError wraps counter failures with machine readable codes.
type CounterError struct {
	Code    CounterErrorCode
	Message string
}

func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// NewCounterError constructs a typed counter error.
func NewCounterError(code CounterErrorCode, message string) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{Code: code, Message: message}
}

// StoreError is a backend-neutral RepositoryError used by in-memory and SQL backends.
type StoreError struct {
	Op          string
	Err         error
	NotFound    bool
	Conflict    bool
	Unavailable bool
}

func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprint(e.Err)
}

func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.NotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.Conflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Unavailable }

// NotFound builds a not-found StoreError.
func NotFound(op string, err error) error {
	return &StoreError{Op: op, Err: err, NotFound: true}
}

// Conflict builds a conflict StoreError.
func Conflict(op string, err error) error {
	return &StoreError{Op: op, Err: err, Conflict: true}
}

// Unavailable builds an unavailable StoreError.
func Unavailable(op string, err error) error {
	return &StoreError{Op: op, Err: err, Unavailable: true}
}
