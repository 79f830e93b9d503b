package grid

import (
	"math"
	"time"

	"market_maker/internal/core"

	"github.com/shopspring/decimal"
)

// OnSellFill records a new layer from a completed entry/averaging
// fill. Returns excess quantity the orchestrator must buy back
// immediately if the fill pushed the position over the notional cap or
// max-layers.
func (t *GridTrader) OnSellFill(fillPrice, fillQty decimal.Decimal, orderID string, fee decimal.Decimal, layerIdx int, now time.Time) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.layers) >= t.dynamicMaxLayersLocked() {
		t.pendingOrder = false
		return fillQty
	}
	projectedNotional, _ := fillQty.Mul(fillPrice).Add(t.totalQtyLocked().Mul(t.avgEntryLocked())).Float64()
	if t.cfg.SymbolNotionalCap > 0 && projectedNotional > t.cfg.SymbolNotionalCap {
		t.pendingOrder = false
		return fillQty
	}

	layer := core.GridLayer{
		Price:    fillPrice,
		Qty:      fillQty,
		Notional: fillQty.Mul(fillPrice),
		EntryTs:  now,
		LayerIdx: layerIdx,
		ExchangeOrderID: orderID,
		Fee:      fee,
	}
	t.layers = append(t.layers, layer)
	if !t.lastSellFillTs.IsZero() {
		t.sellFillGapsSec = appendCapped(t.sellFillGapsSec, now.Sub(t.lastSellFillTs).Seconds(), sellFillGapRingCap)
		if prevF, _ := t.lastEntryPrice.Float64(); prevF > 0 {
			fillF, _ := fillPrice.Float64()
			t.sellFillGapBps = appendCapped(t.sellFillGapBps, math.Abs(fillF-prevF)/prevF*10000.0, sellFillGapRingCap)
		}
	}
	t.lastSellFillTs = now
	t.lastEntryTs = now
	t.lastEntryPrice = fillPrice
	t.pendingOrder = false
	t.pendingWatchdog = time.Time{}
	t.sessionTrades++

	t.recordEvent("entry", "", fillQty, fillPrice, decimal.Zero, decimal.Zero)
	return decimal.Zero
}

// OnBuyFill records a close or partial inverse-TP close.
func (t *GridTrader) OnBuyFill(fillPrice, fillQty decimal.Decimal, orderID string, fee decimal.Decimal, reason string, decisionAsk decimal.Decimal, partialTP bool, inverseTPZone int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if partialTP && t.inverseTP.Active {
		t.handlePartialInverseTPFillLocked(fillPrice, fillQty, fee, inverseTPZone, now)
		return
	}

	netUSD, netBps := t.estimateClosePnLLocked(fillPrice)
	if !decisionAsk.IsZero() {
		askF, _ := decisionAsk.Float64()
		fillF, _ := fillPrice.Float64()
		if askF > 0 {
			t.exitSlippageBps = appendCapped(t.exitSlippageBps, (fillF-askF)/askF*10000.0, recentCloseRingCap)
		}
	}

	t.applyRealizedPnLLocked(netUSD)
	t.sessionRPnL = t.sessionRPnL.Add(netUSD)
	t.sessionClosedNotional = t.sessionClosedNotional.Add(t.totalQtyLocked().Mul(fillPrice))
	t.sessionTrades++

	t.recentClosePrices = appendCappedDecimal(t.recentClosePrices, fillPrice, recentCloseRingCap)
	t.recentCloseBps = appendCapped(t.recentCloseBps, netBps, recentCloseRingCap)

	profitable := reason == "tp" || reason == "fast_tp"
	if profitable {
		t.cooldownStrikes = 0
	} else {
		t.cooldownStrikes++
		if t.cooldownStrikes >= len(t.cfg.BaseCooldownSchedule) {
			t.cooldownStrikes = len(t.cfg.BaseCooldownSchedule) - 1
		}
	}
	cooldownSec := t.cfg.BaseCooldownSchedule[t.cooldownStrikes]
	if reason == "stop" || reason == "drawdown" {
		cooldownSec *= t.cfg.StopPenaltyMult
	}
	t.layerCooldownUntil = now.Add(time.Duration(cooldownSec * float64(time.Second)))

	t.recordEvent("close", reason, fillQty, fillPrice, decimal.NewFromFloat(netBps), netUSD)
	t.checkCircuitBreakerLocked(now)

	t.resetGridStateLocked()
}

// checkCircuitBreakerLocked pauses the trader when cumulative session
// PnL breaches -max_loss_bps of closed notional. Re-evaluated by OnBook
// once the pause has elapsed.
func (t *GridTrader) checkCircuitBreakerLocked(now time.Time) {
	if t.cfg.MaxLossBps <= 0 || t.sessionClosedNotional.IsZero() {
		return
	}
	pnlF, _ := t.sessionRPnL.Float64()
	notionalF, _ := t.sessionClosedNotional.Float64()
	if pnlF/notionalF*10000.0 < -t.cfg.MaxLossBps {
		pause := t.cfg.CircuitBreakerCooldownSec
		if pause <= 0 {
			pause = 300
		}
		t.circuitBreakerUntil = now.Add(time.Duration(pause * float64(time.Second)))
		if t.logger != nil {
			t.logger.Warn("circuit breaker tripped", "symbol", t.Symbol, "session_pnl_usd", pnlF, "pause_sec", pause)
		}
	}
}

func (t *GridTrader) handlePartialInverseTPFillLocked(fillPrice, fillQty, fee decimal.Decimal, zone int, now time.Time) {
	remainingZones := len(t.inverseTP.Zones) - t.inverseTP.NextZoneIdx
	batchSize := len(t.layers)
	if remainingZones > 1 {
		batchSize = len(t.layers) / remainingZones
		if batchSize < 1 {
			batchSize = 1
		}
	}
	if batchSize > len(t.layers) {
		batchSize = len(t.layers)
	}

	batch := t.layers[:batchSize]
	entryNotional := decimal.Zero
	entryFees := decimal.Zero
	for _, l := range batch {
		entryNotional = entryNotional.Add(l.Notional)
		entryFees = entryFees.Add(l.Fee)
	}
	exitNotional := fillQty.Mul(fillPrice)
	grossUSD := entryNotional.Sub(exitNotional)
	netUSD := grossUSD.Sub(entryFees).Sub(fee)

	t.layers = append([]core.GridLayer(nil), t.layers[batchSize:]...)
	t.applyRealizedPnLLocked(netUSD)
	t.sessionRPnL = t.sessionRPnL.Add(netUSD)
	t.sessionClosedNotional = t.sessionClosedNotional.Add(exitNotional)
	t.sessionTrades++

	t.inverseTP.NextZoneIdx++
	t.recordEvent("close", "inverse_tp", fillQty, fillPrice, decimal.Zero, netUSD)

	if len(t.layers) == 0 || t.inverseTP.NextZoneIdx >= len(t.inverseTP.Zones) {
		t.deactivateInverseTPLocked()
		t.resetGridStateLocked()
		return
	}
	t.pendingOrder = false
	t.pendingExit = false
	t.pendingWatchdog = time.Time{}
}

// resetGridStateLocked clears grid state after a full close.
func (t *GridTrader) resetGridStateLocked() {
	t.layers = nil
	t.pendingOrder = false
	t.pendingExit = false
	t.pendingWatchdog = time.Time{}
	t.lastSellFillTs = time.Time{}
	t.deactivateInverseTPLocked()
}

func appendCapped(xs []float64, v float64, cap int) []float64 {
	xs = append(xs, v)
	if len(xs) > cap {
		xs = xs[len(xs)-cap:]
	}
	return xs
}

func appendCappedDecimal(xs []decimal.Decimal, v decimal.Decimal, cap int) []decimal.Decimal {
	xs = append(xs, v)
	if len(xs) > cap {
		xs = xs[len(xs)-cap:]
	}
	return xs
}
