package execution

import (
	"testing"

	"github.com/shopspring/decimal"
)

// Scenario F
func TestComputeStealthSlices_AlwaysSplitLowerBound(t *testing.T) {
	params := StealthParams{
		TotalQty:    decimal.NewFromInt(100),
		RefPrice:    decimal.NewFromInt(1),
		TickSize:    decimal.NewFromFloat(0.01),
		AskDepthQty: decimal.Zero,
		MaxL1Frac:   0.5,
		MaxTicks:    5,
		MinQty:      decimal.NewFromInt(10),
		MinNotional: decimal.NewFromInt(5),
		Direction:   DirectionUp,
		AlwaysSplit: true,
		MinSlices:   2,
		MaxSlices:   5,
	}

	slices := ComputeStealthSlices(params)
	if len(slices) < 2 || len(slices) > 5 {
		t.Fatalf("expected 2-5 slices, got %d", len(slices))
	}

	sum := decimal.Zero
	for _, s := range slices {
		sum = sum.Add(s.Qty)
		if s.Qty.LessThan(decimal.NewFromInt(10)) {
			t.Errorf("slice qty %s below effective minimum", s.Qty)
		}
	}
	diff := sum.Sub(decimal.NewFromInt(100)).Abs()
	if diff.GreaterThan(decimal.NewFromFloat(1e-8)) {
		t.Errorf("slice quantities sum to %s, want 100", sum)
	}

	base := decimal.NewFromInt(1)
	tick := decimal.NewFromFloat(0.01)
	for _, s := range slices {
		offset := s.Price.Sub(base).Div(tick)
		f, _ := offset.Float64()
		if f < -1e-9 || f > 5.000001 {
			t.Errorf("slice price %s outside ladder [1.00, 1.05]", s.Price)
		}
	}
}

func TestComputeStealthSlices_ZeroQtyReturnsEmpty(t *testing.T) {
	slices := ComputeStealthSlices(StealthParams{TotalQty: decimal.Zero})
	if len(slices) != 0 {
		t.Fatalf("expected no slices for zero qty, got %d", len(slices))
	}
}

func TestComputeStealthSlices_DownDirectionLaddersBelowRef(t *testing.T) {
	params := StealthParams{
		TotalQty:    decimal.NewFromInt(50),
		RefPrice:    decimal.NewFromInt(100),
		TickSize:    decimal.NewFromFloat(0.5),
		MaxL1Frac:   0.5,
		MaxTicks:    4,
		MinQty:      decimal.NewFromInt(5),
		MinNotional: decimal.NewFromInt(1),
		Direction:   DirectionDown,
		AlwaysSplit: true,
		MinSlices:   2,
		MaxSlices:   3,
	}
	slices := ComputeStealthSlices(params)
	for _, s := range slices {
		if s.Price.GreaterThan(decimal.NewFromInt(100)) {
			t.Errorf("down-direction slice price %s above ref", s.Price)
		}
	}
}
