// Package stats implements the statistics the aggregation engine attaches to
// merged views: trade velocity, stack-size distributions, and price
// summaries. Money arithmetic goes through shopspring/decimal.
package stats

import (
	"github.com/shopspring/decimal"
)

const msPerDay = 86_400_000

// taxRate is the market board's cut on a completed sale.
var taxRate = decimal.NewFromFloat(0.05)

// QuantityAt pairs a unix-ms timestamp with a quantity, for velocity input.
type QuantityAt struct {
	TimestampMs int64
	Quantity    int
}

// VelocityPerDay sums the quantities recorded within the trailing window and
// divides by the window length in days. Entries outside the window are
// ignored; an empty window yields zero.
func VelocityPerDay(entries []QuantityAt, nowMs, windowMs int64) float64 {
	if windowMs <= 0 {
		return 0
	}
	var sold int64
	for _, e := range entries {
		if nowMs-e.TimestampMs < windowMs {
			sold += int64(e.Quantity)
		}
	}
	return float64(sold) / (float64(windowMs) / msPerDay)
}

// Distribution builds a histogram of stack sizes: quantity -> number of
// occurrences.
func Distribution(quantities []int) map[int]int {
	dist := make(map[int]int, len(quantities))
	for _, q := range quantities {
		dist[q]++
	}
	return dist
}

// Priced is anything with a unit price.
type Priced interface {
	UnitPrice() int
}

// MinPricePerUnit returns the smallest unit price, or 0 for an empty slice.
func MinPricePerUnit[T Priced](items []T) int {
	min := 0
	for i, item := range items {
		if p := item.UnitPrice(); i == 0 || p < min {
			min = p
		}
	}
	return min
}

// MaxPricePerUnit returns the largest unit price, or 0 for an empty slice.
func MaxPricePerUnit[T Priced](items []T) int {
	max := 0
	for _, item := range items {
		if p := item.UnitPrice(); p > max {
			max = p
		}
	}
	return max
}

// AveragePricePerUnit returns the mean unit price, or 0 for an empty slice.
func AveragePricePerUnit[T Priced](items []T) float64 {
	if len(items) == 0 {
		return 0
	}
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(decimal.NewFromInt(int64(item.UnitPrice())))
	}
	f, _ := sum.Div(decimal.NewFromInt(int64(len(items)))).Float64()
	return f
}

// CalculateTax returns the market tax on a listing: 5% of the stack total,
// rounded up.
func CalculateTax(pricePerUnit, quantity int) int {
	total := decimal.NewFromInt(int64(pricePerUnit) * int64(quantity))
	return int(total.Mul(taxRate).Ceil().IntPart())
}

// AverageSalePrice divides revenue by quantity. Reports false when quantity
// is not positive, which callers surface as "no data" rather than zero.
func AverageSalePrice(sumSales, quantity int64) (float64, bool) {
	if quantity <= 0 {
		return 0, false
	}
	f, _ := decimal.NewFromInt(sumSales).Div(decimal.NewFromInt(quantity)).Float64()
	return f, true
}
