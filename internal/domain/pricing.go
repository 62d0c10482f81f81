package domain

import (
	"errors"
	"fmt"
	"math"
)

// ErrAmountOverflow reports a money amount that does not fit in int64 minor units.
var ErrAmountOverflow = errors.New("domain: amount overflows int64")

// EffectivePrice is the sale price when set, otherwise the list price.
func EffectivePrice(p Product) int64 {
	if p.SalePrice != nil {
		return *p.SalePrice
	}
	return p.Price
}

// LineSubtotal multiplies a unit price by a quantity, saturating at the int64 limits.
func LineSubtotal(unitPrice int64, quantity int) int64 {
	if quantity <= 0 {
		return 0
	}
	v, ok := mulAmount(unitPrice, int64(quantity))
	if !ok {
		return saturate(unitPrice)
	}
	return v
}

func mulAmount(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	v := a * b
	if v/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}
	return v, true
}

func addAmount(a, b int64) (int64, bool) {
	v := a + b
	if (b > 0 && v < a) || (b < 0 && v > a) {
		return 0, false
	}
	return v, true
}

func saturate(sign int64) int64 {
	if sign < 0 {
		return math.MinInt64
	}
	return math.MaxInt64
}

// PricedLine pairs a cart line with its effective price and subtotal.
type PricedLine struct {
	Line      CartLine
	Product   Product
	UnitPrice int64
	Subtotal  int64
}

// CartTotals summarises a priced cart.
type CartTotals struct {
	Subtotal  int64
	ItemCount int
	LineCount int
}

// PriceCart prices each line of the cart against the supplied products. Lines whose product is absent are skipped.
func PriceCart(cart Cart, products map[string]Product) ([]PricedLine, CartTotals) {
	lines := cart.SortedLines()
	priced := make([]PricedLine, 0, len(lines))
	var totals CartTotals
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok || line.Quantity <= 0 {
			continue
		}
		unit := EffectivePrice(product)
		subtotal := LineSubtotal(unit, line.Quantity)
		priced = append(priced, PricedLine{
			Line:      line,
			Product:   product,
			UnitPrice: unit,
			Subtotal:  subtotal,
		})
		if sum, ok := addAmount(totals.Subtotal, subtotal); ok {
			totals.Subtotal = sum
		} else {
			totals.Subtotal = saturate(subtotal)
		}
		totals.ItemCount += line.Quantity
		totals.LineCount++
	}
	return priced, totals
}

// OrderLineFromProduct freezes a product into an order line.
func OrderLineFromProduct(p Product, quantity int) OrderLine {
	unit := EffectivePrice(p)
	return OrderLine{
		ProductID:   p.ID,
		ProductCode: p.Code,
		Name:        p.Name,
		UnitPrice:   unit,
		Quantity:    quantity,
		Subtotal:    LineSubtotal(unit, quantity),
	}
}

// CalculateOrderTotals sums frozen order lines and adds the shipping cost. Line subtotals are recomputed
// from unit price and quantity; any amount outside int64 yields ErrAmountOverflow.
func CalculateOrderTotals(lines []OrderLine, shipping int64) (OrderTotals, error) {
	totals := OrderTotals{Shipping: shipping}
	for _, line := range lines {
		subtotal, ok := mulAmount(line.UnitPrice, int64(line.Quantity))
		if !ok {
			return OrderTotals{}, fmt.Errorf("%w: line %s", ErrAmountOverflow, line.ProductID)
		}
		if totals.Subtotal, ok = addAmount(totals.Subtotal, subtotal); !ok {
			return OrderTotals{}, fmt.Errorf("%w: subtotal", ErrAmountOverflow)
		}
		totals.ItemCount += line.Quantity
	}
	total, ok := addAmount(totals.Subtotal, totals.Shipping)
	if !ok {
		return OrderTotals{}, fmt.Errorf("%w: total", ErrAmountOverflow)
	}
	totals.Total = total
	return totals, nil
}
