package domain

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

type Totals struct {
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	Total          decimal.Decimal
	Profit         decimal.Decimal
}

// LineSubtotal is price times quantity.
func LineSubtotal(price decimal.Decimal, quantity int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(quantity)))
}

// DiscountAmount resolves a discount against a subtotal. Percentage discounts
// are rounded to cents; both kinds are clamped to [0, subtotal].
func DiscountAmount(subtotal decimal.Decimal, discount *Discount) decimal.Decimal {
	if discount == nil || !discount.Value.IsPositive() || !subtotal.IsPositive() {
		return decimal.Zero
	}
	var amount decimal.Decimal
	switch discount.Type {
	case DiscountPercentage:
		amount = subtotal.Mul(discount.Value).Div(hundred).Round(2)
	case DiscountFixed:
		amount = discount.Value
	default:
		return decimal.Zero
	}
	if amount.GreaterThan(subtotal) {
		return subtotal
	}
	return amount
}

// ComputeTotals derives the financial fields of a transaction from its items
// and requested discount. Each item must already carry its sale-time price
// and unit cost.
func ComputeTotals(items []TransactionItem, discount *Discount) Totals {
	subtotal := decimal.Zero
	margin := decimal.Zero
	for _, item := range items {
		qty := decimal.NewFromInt(int64(item.Quantity))
		subtotal = subtotal.Add(item.Price.Mul(qty))
		lineMargin := item.Price.Sub(item.UnitCost).Mul(qty)
		if lineMargin.IsPositive() {
			margin = margin.Add(lineMargin)
		}
	}

	discountAmount := DiscountAmount(subtotal, discount)
	return Totals{
		Subtotal:       subtotal,
		DiscountAmount: discountAmount,
		Total:          nonNegative(subtotal.Sub(discountAmount)),
		Profit:         nonNegative(margin.Sub(discountAmount)),
	}
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// LowStockThreshold is the stock level below which a product counts as low
// on the dashboard and in the low-stock listing.
const LowStockThreshold = 5
