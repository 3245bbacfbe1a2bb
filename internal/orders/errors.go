package orders

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
	ErrGateway    = errors.New("payment gateway error")
	ErrInternal   = errors.New("internal error")

	ErrEmptyCart       = fmt.Errorf("%w: cart is empty", ErrValidation)
	ErrOrderNotFound   = fmt.Errorf("%w: order", ErrNotFound)
	ErrProductNotFound = fmt.Errorf("%w: product", ErrNotFound)
	ErrSubOrderMissing = fmt.Errorf("%w: suborder", ErrNotFound)
	ErrNotPending      = fmt.Errorf("%w: order is not pending", ErrConflict)
)

// StockError reports a cart line that asks for more than the product has available.
type StockError struct {
	ProductID   int64
	ProductName string
	Requested   int
	Available   int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for %q: requested %d, available %d", e.ProductName, e.Requested, e.Available)
}

func (e *StockError) Is(target error) bool { return target == ErrConflict }
