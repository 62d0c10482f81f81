package services

import (
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/repositories"
)

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart service: invalid input")
	// ErrCartUnavailable indicates the cart backend could not serve the request.
	ErrCartUnavailable = errors.New("cart service: unavailable")
	// ErrProductUnavailable indicates the product is inactive, missing or out of stock.
	ErrProductUnavailable = errors.New("cart service: product unavailable")
	// ErrLineNotFound indicates the line does not exist in the caller's cart.
	ErrLineNotFound = errors.New("cart service: line not found")
	// ErrInsufficientStock is matched by *InsufficientStockError.
	ErrInsufficientStock = errors.New("cart service: insufficient stock")

	// ErrCheckoutInvalidInput indicates the checkout request was malformed.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates the checkout backend could not serve the request.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrEmptyCart indicates there was nothing to check out.
	ErrEmptyCart = errors.New("checkout: cart is empty")
	// ErrCheckoutAborted is matched by *CheckoutAbortedError.
	ErrCheckoutAborted = errors.New("checkout: cart changed during reconciliation")
	// ErrCheckoutRaceLost is matched by *CheckoutRaceLostError.
	ErrCheckoutRaceLost = errors.New("checkout: stock claimed by a concurrent checkout")
	// ErrAddressNotFound indicates neither the requested nor a default address exists.
	ErrAddressNotFound = errors.New("checkout: address not found")

	// ErrOrderInvalidInput indicates the order request was malformed.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order does not exist or belongs to another owner.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates the status machine does not allow the change.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates the order changed concurrently.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the order backend could not serve the request.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

// InsufficientStockError reports an add or increment that would exceed stock.
type InsufficientStockError struct {
	ProductID   string
	Requested   int
	Available   int
	AlreadyHeld int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%s: product %s requested %d, available %d, already in cart %d",
		ErrInsufficientStock, e.ProductID, e.Requested, e.Available, e.AlreadyHeld)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// CheckoutAbortedError lists the lines reconciliation changed before checkout could proceed.
type CheckoutAbortedError struct {
	Adjustments []CartAdjustment
}

func (e *CheckoutAbortedError) Error() string {
	ids := make([]string, 0, len(e.Adjustments))
	for _, adj := range e.Adjustments {
		ids = append(ids, fmt.Sprintf("%s(%s)", adj.ProductID, adj.Kind))
	}
	return fmt.Sprintf("%s: %s", ErrCheckoutAborted, strings.Join(ids, ", "))
}

func (e *CheckoutAbortedError) Is(target error) bool {
	return target == ErrCheckoutAborted
}

// StockShortfall is one product a checkout could not claim.
type StockShortfall struct {
	ProductID string
	Requested int
	Available int
}

// CheckoutRaceLostError reports the products whose stock was taken between reconciliation and commit.
type CheckoutRaceLostError struct {
	Lines []StockShortfall
	// Adjustments lists the changes made when the cart was reconciled after the rollback.
	Adjustments []CartAdjustment
}

func (e *CheckoutRaceLostError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, line := range e.Lines {
		parts = append(parts, fmt.Sprintf("%s requested %d available %d", line.ProductID, line.Requested, line.Available))
	}
	return fmt.Sprintf("%s: %s", ErrCheckoutRaceLost, strings.Join(parts, "; "))
}

func (e *CheckoutRaceLostError) Is(target error) bool {
	return target == ErrCheckoutRaceLost
}

func raceLostFromStockErrors(stockErrs []*repositories.StockError) *CheckoutRaceLostError {
	lines := make([]StockShortfall, 0, len(stockErrs))
	for _, se := range stockErrs {
		lines = append(lines, StockShortfall{ProductID: se.ProductID, Requested: se.Requested, Available: se.Available})
	}
	return &CheckoutRaceLostError{Lines: lines}
}

// translateRepoError maps classified repository failures onto a service's sentinels.
func translateRepoError(err error, notFound, conflict, unavailable error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound() && notFound != nil:
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsConflict() && conflict != nil:
			return fmt.Errorf("%w: %v", conflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", unavailable, err)
		}
	}
	return err
}

func isRepoNotFound(err error) bool {
	return repositories.IsNotFound(err)
}

func isRepoConflict(err error) bool {
	return repositories.IsConflict(err)
}

func ownerFields(owner domain.CartOwner) map[string]any {
	return map[string]any{"owner": owner.Key()}
}
