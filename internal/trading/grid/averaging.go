package grid

import (
	"math"
	"time"

	"market_maker/internal/core"

	"github.com/shopspring/decimal"
)

// averagingMinSpreadBpsLocked relaxes the spread-gate requirement when
// the position is deeply underwater.
func (t *GridTrader) averagingMinSpreadBpsLocked(unrealizedBps float64) float64 {
	full := t.cfg.MinSpreadBps
	threshold := -t.cfg.RecoveryAvgMinUnrealizedBps
	if unrealizedBps >= threshold {
		return full
	}
	floor := 0.15 * full
	// Quadratic ease-out from threshold to -500bps.
	span := 500.0 - math.Abs(threshold)
	if span <= 0 {
		return floor
	}
	progress := (math.Abs(unrealizedBps) - math.Abs(threshold)) / span
	if progress > 1.0 {
		progress = 1.0
	}
	if progress < 0 {
		progress = 0
	}
	ease := 1.0 - progress*progress
	return floor + ease*(full-floor)
}

func (t *GridTrader) logAveragingBlock(now time.Time, reason string) {
	if reason == t.lastAveragingReason && now.Sub(t.lastAveragingLogTs).Seconds() < 10 {
		return
	}
	t.lastAveragingReason = reason
	t.lastAveragingLogTs = now
	if t.logger != nil {
		t.logger.Debug("averaging blocked", "symbol", t.Symbol, "reason", reason)
	}
}

// checkAveraging is the averaging gate. Caller holds t.mu.
func (t *GridTrader) checkAveraging(now time.Time) {
	if now.Before(t.resumeRewarmUntil) {
		t.logAveragingBlock(now, "rewarm")
		return
	}
	if t.pendingOrder || t.pendingExit {
		t.logAveragingBlock(now, "pending")
		return
	}
	n := len(t.layers)
	if n >= t.dynamicMaxLayersLocked() {
		t.logAveragingBlock(now, "max_layers")
		return
	}
	if !t.circuitBreakerUntil.IsZero() && now.Before(t.circuitBreakerUntil) {
		t.logAveragingBlock(now, "circuit_breaker")
		return
	}
	if !t.layerCooldownUntil.IsZero() && now.Before(t.layerCooldownUntil) {
		t.logAveragingBlock(now, "layer_cooldown")
		return
	}
	if !t.lastEntryTs.IsZero() && now.Sub(t.lastEntryTs).Seconds() < t.dynamicEntryCooldownSecLocked() {
		t.logAveragingBlock(now, "entry_cooldown")
		return
	}

	avgEntry := t.avgEntryLocked()
	avgEntryF, _ := avgEntry.Float64()
	askF, _ := t.ask.Float64()
	if avgEntryF <= 0 || askF <= 0 {
		t.logAveragingBlock(now, "no_reference_price")
		return
	}

	priceRiseBps := (askF - avgEntryF) / avgEntryF * 10000.0
	requiredSpacing := t.baseSpacingBps() * math.Pow(t.effectiveSpacingGrowthLocked(), float64(n-1))
	if floor := t.dynamicLayerGapBpsLocked(); requiredSpacing < floor {
		requiredSpacing = floor
	}
	if priceRiseBps > 0 {
		requiredSpacing *= 1.0 + priceRiseBps/t.cfg.TrendSpacingScale
	}
	if priceRiseBps < requiredSpacing {
		t.logAveragingBlock(now, "spacing")
		return
	}

	unrealizedUSD := avgEntry.Sub(t.ask).Mul(t.totalQtyLocked())
	totalNotional, _ := t.totalQtyLocked().Mul(avgEntry).Float64()
	unrealizedBps := 0.0
	if totalNotional > 0 {
		uf, _ := unrealizedUSD.Float64()
		unrealizedBps = uf / totalNotional * 10000.0
	}

	spreadBps := t.signals.SpreadBps()
	minSpread := t.averagingMinSpreadBpsLocked(unrealizedBps)
	if spreadBps < minSpread {
		t.logAveragingBlock(now, "spread_gate")
		return
	}
	if t.cfg.SpreadGateMaxBps > 0 && spreadBps > t.cfg.SpreadGateMaxBps {
		t.logAveragingBlock(now, "spread_ceiling")
		return
	}

	if !t.lastEntryPrice.IsZero() {
		lastF, _ := t.lastEntryPrice.Float64()
		burstBps := math.Abs(askF-lastF) / lastF * 10000.0
		if burstBps < t.dynamicLayerGapBpsLocked() {
			t.logAveragingBlock(now, "burst_guard")
			return
		}
	}

	layerNotional := t.spreadScaledNotionalLocked(spreadBps) * math.Pow(t.cfg.SizeGrowth, float64(n))
	if layerNotional > t.cfg.MaxNotionalUSD {
		layerNotional = t.cfg.MaxNotionalUSD
	}
	projectedNotional := totalNotional + layerNotional
	if t.cfg.SymbolNotionalCap > 0 && projectedNotional > t.cfg.SymbolNotionalCap {
		t.logAveragingBlock(now, "notional_cap")
		return
	}

	if ok, reason := t.recoveryAveragingAllowedLocked(unrealizedBps, layerNotional, now); !ok {
		t.logAveragingBlock(now, reason)
		return
	}

	if !t.hasSufficientEdgeLocked(0.0, 0.0, projectedNotional, now) {
		t.logAveragingBlock(now, "edge")
		return
	}

	if t.portfolioCheck != nil && !t.portfolioCheck(decimal.NewFromFloat(layerNotional)) {
		t.logAveragingBlock(now, "portfolio")
		return
	}

	qty := layerNotional / askF
	debt, _ := t.recoveryDebtUSD.Float64()
	if debt > 0.10 {
		t.recordRecoveryAddLocked(now)
	}

	t.setPendingOrder(now)
	t.enqueue(core.OrderIntent{
		Kind:       core.IntentSell,
		Symbol:     t.Symbol,
		Qty:        decimal.NewFromFloat(qty),
		LayerIdx:   n,
		RefPrice:   t.ask,
		SignalTs:   now,
		EnqueuedAt: now,
	})
}
