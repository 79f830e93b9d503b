// Package execution implements the order-execution mixins the
// orchestrator drives: stealth order slicing and the
// sell/buy intent execution sequences.
package execution

import (
	"math"
	"math/rand"

	"github.com/shopspring/decimal"
)

// Direction controls which way stealth slices ladder from the
// reference price: "up" for entries, "down" for take-profits.
type Direction int

const (
	DirectionUp Direction = iota
	DirectionDown
)

// StealthSlice is one (qty, price) leg of a split order.
type StealthSlice struct {
	Qty   decimal.Decimal
	Price decimal.Decimal
}

// StealthParams bundles the pure inputs to ComputeStealthSlices.
type StealthParams struct {
	TotalQty     decimal.Decimal
	RefPrice     decimal.Decimal
	TickSize     decimal.Decimal
	AskDepthQty  decimal.Decimal // current opposing-side L1 depth
	MaxL1Frac    float64
	MaxTicks     int
	MinQty       decimal.Decimal
	MinNotional  decimal.Decimal // per-slice floor, $5 on Binance USDM
	Direction    Direction
	AlwaysSplit  bool
	MinSlices    int
	MaxSlices    int
}

// ComputeStealthSlices splits a total order quantity into randomized,
// tick-laddered slices. It is a pure
// function of its inputs except for its use of math/rand for the
// Dirichlet-like slice-weight draw and slice-count/order shuffle.
func ComputeStealthSlices(p StealthParams) []StealthSlice {
	totalQty := p.TotalQty
	if totalQty.IsZero() || totalQty.IsNegative() {
		return nil
	}
	minQty := p.MinQty
	minNotionalQty := decimal.Zero
	refF := mustF(p.RefPrice)
	if refF > 0 && p.MinNotional.IsPositive() {
		minNotionalQty = p.MinNotional.Div(p.RefPrice)
	}
	effectiveMin := minQty
	if minNotionalQty.GreaterThan(effectiveMin) {
		effectiveMin = minNotionalQty
	}
	if effectiveMin.IsZero() {
		effectiveMin = decimal.NewFromFloat(0.000001)
	}

	totalF := mustF(totalQty)
	effMinF := mustF(effectiveMin)
	maxPossible := int(math.Floor(totalF / effMinF))
	if maxPossible < 1 {
		maxPossible = 1
	}

	nSlices := depthBoundSliceCount(p, maxPossible)

	if p.AlwaysSplit && maxPossible >= 2 {
		lo := p.MinSlices
		hi := p.MaxSlices
		if lo < 1 {
			lo = 1
		}
		if hi < lo {
			hi = lo
		}
		if hi > maxPossible {
			hi = maxPossible
		}
		if lo > hi {
			lo = hi
		}
		if nSlices < 2 {
			nSlices = lo + rand.Intn(hi-lo+1)
		}
	}
	if nSlices < 1 {
		nSlices = 1
	}
	if nSlices > maxPossible {
		nSlices = maxPossible
	}

	weights := dirichletWeights(nSlices)
	qtys := make([]float64, nSlices)
	for i, w := range weights {
		qtys[i] = w * totalF
	}

	// Enforce per-slice minimum by stealing from the largest slice.
	for i := range qtys {
		if qtys[i] < effMinF {
			deficit := effMinF - qtys[i]
			qtys[i] = effMinF
			largest := largestIdx(qtys, i)
			qtys[largest] -= deficit
		}
	}

	// Correct rounding drift on the largest slice.
	sum := 0.0
	for _, q := range qtys {
		sum += q
	}
	drift := totalF - sum
	qtys[largestIdx(qtys, -1)] += drift

	ticks := tickLadder(nSlices, p.MaxTicks)

	tickF := mustF(p.TickSize)
	slices := make([]StealthSlice, 0, nSlices)
	for i := 0; i < nSlices; i++ {
		price := p.RefPrice
		offset := decimal.NewFromFloat(float64(ticks[i]) * tickF)
		switch p.Direction {
		case DirectionUp:
			price = price.Add(offset)
		default:
			price = price.Sub(offset)
		}
		if qtys[i] <= 0 {
			continue
		}
		slices = append(slices, StealthSlice{
			Qty:   decimal.NewFromFloat(qtys[i]),
			Price: price,
		})
	}

	rand.Shuffle(len(slices), func(i, j int) { slices[i], slices[j] = slices[j], slices[i] })
	return slices
}

// depthBoundSliceCount caps the slice count so that no single slice
// exceeds max_l1_fraction of the opposing-side depth.
func depthBoundSliceCount(p StealthParams, maxPossible int) int {
	if p.AskDepthQty.IsZero() || p.MaxL1Frac <= 0 {
		return 1
	}
	depthF := mustF(p.AskDepthQty)
	totalF := mustF(p.TotalQty)
	capQty := depthF * p.MaxL1Frac
	if capQty <= 0 {
		return maxPossible
	}
	n := int(math.Ceil(totalF / capQty))
	if n < 1 {
		n = 1
	}
	if n > maxPossible {
		n = maxPossible
	}
	return n
}

// dirichletWeights draws n exponentially-distributed weights and
// normalizes them to sum to 1 (a Dirichlet(1,...,1) draw).
func dirichletWeights(n int) []float64 {
	if n <= 1 {
		return []float64{1.0}
	}
	draws := make([]float64, n)
	sum := 0.0
	for i := range draws {
		draws[i] = rand.ExpFloat64()
		sum += draws[i]
	}
	if sum == 0 {
		for i := range draws {
			draws[i] = 1.0 / float64(n)
		}
		return draws
	}
	for i := range draws {
		draws[i] /= sum
	}
	return draws
}

// tickLadder assigns each slice an increasing tick offset from 0 up to
// max_ticks, saturating at max_ticks, with at least one slice per used
// tick where slice count allows.
func tickLadder(n, maxTicks int) []int {
	ticks := make([]int, n)
	if maxTicks <= 0 {
		return ticks
	}
	for i := 0; i < n; i++ {
		t := i * maxTicks / maxInt(n-1, 1)
		if t > maxTicks {
			t = maxTicks
		}
		ticks[i] = t
	}
	return ticks
}

func largestIdx(xs []float64, exclude int) int {
	best := -1
	bestV := -math.MaxFloat64
	for i, v := range xs {
		if i == exclude {
			continue
		}
		if v > bestV {
			bestV = v
			best = i
		}
	}
	if best == -1 {
		return 0
	}
	return best
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func mustF(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
