package stats_test

import (
	"math"
	"testing"

	"github.com/xivmarket/market-board/internal/stats"
)

type priced int

func (p priced) UnitPrice() int { return int(p) }

func TestVelocityPerDay(t *testing.T) {
	const day = int64(86_400_000)
	now := int64(1_700_000_000_000)
	entries := []stats.QuantityAt{
		{TimestampMs: now - day/2, Quantity: 10},
		{TimestampMs: now - 3*day, Quantity: 20},
		{TimestampMs: now - 10*day, Quantity: 99}, // outside window
	}

	got := stats.VelocityPerDay(entries, now, 7*day)
	want := 30.0 / 7.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("velocity = %v, want %v", got, want)
	}

	if v := stats.VelocityPerDay(entries, now, 0); v != 0 {
		t.Errorf("zero window velocity = %v, want 0", v)
	}
}

func TestDistribution(t *testing.T) {
	dist := stats.Distribution([]int{1, 99, 1, 5, 1})
	want := map[int]int{1: 3, 99: 1, 5: 1}
	if len(dist) != len(want) {
		t.Fatalf("distribution = %v, want %v", dist, want)
	}
	for k, v := range want {
		if dist[k] != v {
			t.Errorf("distribution[%d] = %d, want %d", k, dist[k], v)
		}
	}
}

func TestPriceSummaries(t *testing.T) {
	items := []priced{300, 100, 200}
	if min := stats.MinPricePerUnit(items); min != 100 {
		t.Errorf("min = %d, want 100", min)
	}
	if max := stats.MaxPricePerUnit(items); max != 300 {
		t.Errorf("max = %d, want 300", max)
	}
	if avg := stats.AveragePricePerUnit(items); avg != 200 {
		t.Errorf("avg = %v, want 200", avg)
	}

	var empty []priced
	if stats.MinPricePerUnit(empty) != 0 || stats.MaxPricePerUnit(empty) != 0 || stats.AveragePricePerUnit(empty) != 0 {
		t.Error("empty slice summaries should all be zero")
	}
}

func TestCalculateTax(t *testing.T) {
	// 5% of 333 rounds up.
	if tax := stats.CalculateTax(111, 3); tax != 17 {
		t.Errorf("tax = %d, want 17", tax)
	}
	if tax := stats.CalculateTax(100, 2); tax != 10 {
		t.Errorf("tax = %d, want 10", tax)
	}
}

func TestAverageSalePrice(t *testing.T) {
	avg, ok := stats.AverageSalePrice(1000, 4)
	if !ok || avg != 250 {
		t.Errorf("avg = %v ok=%v, want 250 true", avg, ok)
	}
	if _, ok := stats.AverageSalePrice(1000, 0); ok {
		t.Error("zero quantity should report no data")
	}
}
