package repositories

import "fmt"

// StockErrorCode enumerates ledger failure causes.
type StockErrorCode string

const (
	// StockErrorInsufficient indicates the decrement exceeds the stock at the moment of write.
	StockErrorInsufficient StockErrorCode = "insufficient_stock"
	// StockErrorProductNotFound indicates the product has no ledger entry.
	StockErrorProductNotFound StockErrorCode = "product_not_found"
)

// StockError reports a failed conditional decrement. No part of the batch was applied.
type StockError struct {
	Op        string
	Code      StockErrorCode
	ProductID string
	Requested int
	Available int
	Err       error
}

// Error implements the error interface.
func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: product %s requested %d available %d", e.Code, e.ProductID, e.Requested, e.Available)
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInsufficientStockError constructs the shortfall error for a single product.
func NewInsufficientStockError(op, productID string, requested, available int) *StockError {
	return &StockError{
		Op:        op,
		Code:      StockErrorInsufficient,
		ProductID: productID,
		Requested: requested,
		Available: available,
	}
}

// AsStockErrors collects every StockError in the chain, including errors joined with errors.Join.
func AsStockErrors(err error) []*StockError {
	var out []*StockError
	var walk func(error)
	walk = func(e error) {
		switch v := e.(type) {
		case nil:
			return
		case *StockError:
			out = append(out, v)
		case interface{ Unwrap() []error }:
			for _, inner := range v.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(v.Unwrap())
		}
	}
	walk(err)
	return out
}
