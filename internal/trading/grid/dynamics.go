package grid

import (
	"math"
	"time"
)

// behaviorMinSamples is the floor below which the adaptive-behavior
// ratios stay neutral.
func (t *GridTrader) behaviorMinSamples() int {
	lookback := t.cfg.BehaviorLookback
	if lookback <= 0 {
		lookback = 10
	}
	if lookback < 10 {
		return lookback
	}
	return 10
}

// behaviorWindowF returns the last behavior_lookback entries of xs.
func (t *GridTrader) behaviorWindowF(xs []float64) []float64 {
	lookback := t.cfg.BehaviorLookback
	if lookback > 0 && len(xs) > lookback {
		return xs[len(xs)-lookback:]
	}
	return xs
}

// dupRatioLocked is the fraction of recent sell fills that landed both
// within the base cooldown of their predecessor and within 0.2x the
// median spread of its price.
func (t *GridTrader) dupRatioLocked() float64 {
	if !t.cfg.DynamicBehaviorEnabled {
		return 0.0
	}
	gapsSec := t.behaviorWindowF(t.sellFillGapsSec)
	gapsBps := t.behaviorWindowF(t.sellFillGapBps)
	n := len(gapsSec)
	if len(gapsBps) < n {
		n = len(gapsBps)
	}
	if n < t.behaviorMinSamples() {
		return 0.0
	}
	priceThresh := 0.2 * t.medianSpreadBps
	count := 0
	for i := 0; i < n; i++ {
		if gapsSec[i] <= t.cfg.BaseCooldownSec && gapsBps[i] <= priceThresh {
			count++
		}
	}
	return float64(count) / float64(n)
}

// nearZeroRatioLocked is the fraction of recent closes with |net_bps|
// within 0.5x the fee floor.
func (t *GridTrader) nearZeroRatioLocked() float64 {
	if !t.cfg.DynamicBehaviorEnabled {
		return 0.0
	}
	closes := t.behaviorWindowF(t.recentCloseBps)
	if len(closes) < t.behaviorMinSamples() {
		return 0.0
	}
	thresh := math.Max(1.0, 0.5*t.feeFloorBps())
	count := 0
	for _, b := range closes {
		if math.Abs(b) <= thresh {
			count++
		}
	}
	return float64(count) / float64(len(closes))
}

// fallingKnifeMultLocked is >1 when more than 60% of the last five
// close prices were lower than their predecessor.
func (t *GridTrader) fallingKnifeMultLocked() float64 {
	n := len(t.recentClosePrices)
	if n < 2 {
		return 1.0
	}
	lookback := n
	if lookback > 6 {
		lookback = 6
	}
	recent := t.recentClosePrices[n-lookback:]
	lower := 0
	total := 0
	for i := 1; i < len(recent); i++ {
		total++
		if recent[i].LessThan(recent[i-1]) {
			lower++
		}
	}
	if total == 0 {
		return 1.0
	}
	ratio := float64(lower) / float64(total)
	if ratio > 0.6 {
		return 1.0 + ratio*4.0
	}
	return 1.0
}

// dynamicEntryCooldownSecLocked computes the adaptive re-entry cooldown.
func (t *GridTrader) dynamicEntryCooldownSecLocked() float64 {
	base := t.cfg.BaseCooldownSec
	if !t.cfg.DynamicBehaviorEnabled {
		return base
	}
	dup := t.dupRatioLocked()
	nearZero := t.nearZeroRatioLocked()
	knife := t.fallingKnifeMultLocked()
	vol := t.vol.Update(0, time.Now())
	driftMult := vol.DriftMult
	if driftMult < 0.5 {
		driftMult = 0.5
	}
	scaled := base * (1.0 + (3.0*dup+2.0*nearZero)/driftMult) * knife
	upper := base * 8.0
	if scaled > upper {
		scaled = upper
	}
	if scaled < base {
		scaled = base
	}
	return scaled
}

// dynamicLayerGapBpsLocked widens layer spacing when recent averaging
// has produced near-zero-edge closes.
func (t *GridTrader) dynamicLayerGapBpsLocked() float64 {
	base := t.cfg.LayerSpacingBps
	if !t.cfg.DynamicBehaviorEnabled {
		return base
	}
	return base * (1.0 + t.nearZeroRatioLocked())
}

func (t *GridTrader) dynamicMinTPProfitBpsLocked() float64 {
	floor := math.Max(t.cfg.MinTPProfitBps, t.feeFloorBps()*1.5)
	if !t.cfg.DynamicBehaviorEnabled {
		return floor
	}
	vol := t.vol.Update(0, time.Now())
	scaled := floor * vol.DriftMult
	if scaled < floor {
		return floor
	}
	return scaled
}

func (t *GridTrader) dynamicMinFastTPBpsLocked() float64 {
	if !t.cfg.DynamicBehaviorEnabled {
		return t.cfg.MinFastTPBps
	}
	return math.Max(t.cfg.MinFastTPBps, -math.Max(1.0, t.feeFloorBps()*0.2))
}

func (t *GridTrader) dynamicMaxLayersLocked() int {
	if !t.cfg.DynamicMaxLayersEnabled {
		return t.cfg.MaxLayers
	}
	vol := t.vol.Update(0, time.Now())
	if vol.HeavyTail {
		reduced := t.cfg.MaxLayers / 2
		if reduced < 1 {
			reduced = 1
		}
		return reduced
	}
	return t.cfg.MaxLayers
}

func (t *GridTrader) effectiveSpacingGrowthLocked() float64 {
	growth := t.cfg.SpacingGrowth
	if growth < 1.0 {
		return 1.0
	}
	return growth
}

func (t *GridTrader) baseSpacingBps() float64 {
	return t.cfg.LayerSpacingBps
}

// effectiveTPModeLocked resolves "auto" to "vol" above $50 notional,
// else "fast"; any other configured mode passes through.
func (t *GridTrader) effectiveTPModeLocked() string {
	mode := t.cfg.TPMode
	if mode != "" && mode != "auto" {
		return mode
	}
	notional, _ := t.totalQtyLocked().Mul(t.avgEntryLocked()).Float64()
	if notional > 50.0 {
		return "vol"
	}
	return "fast"
}

// tpTargetBpsLocked blends spread- and vol-derived targets with
// optional linear time decay.
func (t *GridTrader) tpTargetBpsLocked(now time.Time) float64 {
	vol := t.vol.Update(0, now)
	fromSpread := t.cfg.TPSpreadMult * t.medianSpreadBps
	fromVol := t.cfg.TPVolCaptureRatio * vol.BlendedBps
	if fromVol > t.cfg.TPVolScaleCap {
		fromVol = t.cfg.TPVolScaleCap
	}
	target := math.Max(fromSpread, fromVol)
	if target < t.dynamicMinTPProfitBpsLocked() {
		target = t.dynamicMinTPProfitBpsLocked()
	}

	if !t.lastEntryTs.IsZero() && t.cfg.TPDecayHalfLifeMin > 0 {
		elapsedMin := now.Sub(t.lastEntryTs).Minutes()
		decayFrac := elapsedMin / (t.cfg.TPDecayHalfLifeMin * 2.0)
		if decayFrac > 1.0 {
			decayFrac = 1.0
		}
		target = target - decayFrac*(target-t.cfg.TPDecayFloorBps)
		if target < t.cfg.TPDecayFloorBps {
			target = t.cfg.TPDecayFloorBps
		}
	}
	return target
}

func (t *GridTrader) feeFloorBps() float64 {
	return t.cfg.FeeMakerBps + t.cfg.FeeTakerBps
}
