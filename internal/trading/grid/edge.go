package grid

import (
	"math"
	"sort"
	"time"
)

// expectedExitSlippageBpsLocked is the 70th percentile of recent
// ask-referenced exit slippage samples, falling back to a default when
// fewer than 5 samples have been observed.
func (t *GridTrader) expectedExitSlippageBpsLocked() float64 {
	minSamples := t.cfg.EdgeMinSamples
	if minSamples <= 0 {
		minSamples = 5
	}
	if len(t.exitSlippageBps) < minSamples {
		return t.cfg.DefaultExitSlippageBps
	}
	sorted := append([]float64(nil), t.exitSlippageBps...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(0.70*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// winsorizedStdevBpsLocked is the stdev of recent close bps, winsorized
// at +/-30 bps.
func (t *GridTrader) winsorizedStdevBpsLocked() float64 {
	minSamples := t.cfg.EdgeMinSamples
	if minSamples < 2 {
		minSamples = 2
	}
	closes := t.behaviorWindowF(t.recentCloseBps)
	if len(closes) < minSamples {
		return 0.0
	}
	clamped := make([]float64, len(closes))
	for i, v := range closes {
		if v > 30 {
			v = 30
		}
		if v < -30 {
			v = -30
		}
		clamped[i] = v
	}
	mean := 0.0
	for _, v := range clamped {
		mean += v
	}
	mean /= float64(len(clamped))
	varSum := 0.0
	for _, v := range clamped {
		d := v - mean
		varSum += d * d
	}
	varSum /= float64(len(clamped))
	return math.Sqrt(varSum)
}

// hasSufficientEdgeLocked implements the lower-confidence-bound edge
// gate shared by the entry and averaging gates.
func (t *GridTrader) hasSufficientEdgeLocked(signalStrength, signalThreshold, projectedNotional float64, now time.Time) bool {
	tpTarget := t.tpTargetBpsLocked(now)

	expectedCost := t.feeFloorBps() + t.expectedExitSlippageBpsLocked() + t.cfg.ExecBufferBps

	signalBonus := math.Max(signalStrength-signalThreshold, 0.0) * t.cfg.EdgeSignalSlopeBps

	ret2sBps := t.signals.Ret2sBps()
	trendPenalty := math.Max(ret2sBps, 0.0) * 0.2

	spreadBps := t.signals.SpreadBps()
	spreadRisk := math.Max(spreadBps-t.medianSpreadBps, 0.0) * 0.1

	expectedEdge := tpTarget + signalBonus - expectedCost - trendPenalty - spreadRisk

	uncertainty := t.cfg.EdgeUncertaintyZ * t.winsorizedStdevBpsLocked()
	if expectedEdge > 0 {
		cap := 0.75 * expectedEdge
		if uncertainty > cap {
			uncertainty = cap
		}
	}
	if uncertainty > 60.0 {
		uncertainty = 60.0
	}

	edgeLCB := expectedEdge - uncertainty

	hurdle := t.recoveryEntryHurdleBpsLocked(projectedNotional)
	required := math.Max(t.cfg.MinEdgeBps, hurdle)

	accepted := edgeLCB >= required

	t.lastEdge = EdgeBreakdown{
		TPTargetBps:     tpTarget,
		ExpectedCostBps: expectedCost,
		SignalBonusBps:  signalBonus,
		TrendPenaltyBps: trendPenalty,
		SpreadRiskBps:   spreadRisk,
		ExpectedEdgeBps: expectedEdge,
		UncertaintyBps:  uncertainty,
		EdgeLCBBps:      edgeLCB,
		RequiredBps:     required,
		Accepted:        accepted,
	}
	return accepted
}
