package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestComputeTotalsPercentageDiscount(t *testing.T) {
	items := []TransactionItem{
		{ProductID: "p1", Quantity: 2, Price: dec("50"), UnitCost: dec("30")},
	}

	totals := ComputeTotals(items, &Discount{Type: DiscountPercentage, Value: dec("10")})

	assert.True(t, totals.Subtotal.Equal(dec("100")), "subtotal %s", totals.Subtotal)
	assert.True(t, totals.DiscountAmount.Equal(dec("10")), "discount %s", totals.DiscountAmount)
	assert.True(t, totals.Total.Equal(dec("90")), "total %s", totals.Total)
	assert.True(t, totals.Profit.Equal(dec("30")), "profit %s", totals.Profit)
}

func TestComputeTotalsFixedDiscountClampsToSubtotal(t *testing.T) {
	items := []TransactionItem{
		{ProductID: "p1", Quantity: 1, Price: dec("20"), UnitCost: dec("5")},
	}

	totals := ComputeTotals(items, &Discount{Type: DiscountFixed, Value: dec("25")})

	assert.True(t, totals.DiscountAmount.Equal(dec("20")))
	assert.True(t, totals.Total.IsZero())
	assert.True(t, totals.Profit.IsZero())
}

func TestComputeTotalsLossLinesDoNotReduceProfit(t *testing.T) {
	items := []TransactionItem{
		{ProductID: "p1", Quantity: 3, Price: dec("10"), UnitCost: dec("4")},
		{ProductID: "p2", Quantity: 1, Price: dec("5"), UnitCost: dec("9")},
	}

	totals := ComputeTotals(items, nil)

	assert.True(t, totals.Subtotal.Equal(dec("35")))
	assert.True(t, totals.DiscountAmount.IsZero())
	assert.True(t, totals.Total.Equal(dec("35")))
	assert.True(t, totals.Profit.Equal(dec("18")), "profit %s", totals.Profit)
}

func TestComputeTotalsProfitFloorsAtZero(t *testing.T) {
	items := []TransactionItem{
		{ProductID: "p1", Quantity: 1, Price: dec("100"), UnitCost: dec("95")},
	}

	totals := ComputeTotals(items, &Discount{Type: DiscountFixed, Value: dec("10")})

	assert.True(t, totals.Total.Equal(dec("90")))
	assert.True(t, totals.Profit.IsZero())
}

func TestDiscountAmountRoundsPercentageToCents(t *testing.T) {
	got := DiscountAmount(dec("10.01"), &Discount{Type: DiscountPercentage, Value: dec("12.5")})
	assert.True(t, got.Equal(dec("1.25")), "got %s", got)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusCompleted, true},
		{StatusCompleted, StatusCancelled, true},
		{StatusPending, StatusCancelled, false},
		{StatusCancelled, StatusCompleted, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusCompleted, StatusPending, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
