package grid

import (
	"math"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/signal"

	"github.com/shopspring/decimal"
)

// spreadScaledNotionalLocked scales linearly from min_notional at
// min_spread_bps to max_notional at 3x min_spread_bps.
func (t *GridTrader) spreadScaledNotionalLocked(spreadBps float64) float64 {
	minSpread := t.cfg.MinSpreadBps
	if minSpread <= 0 {
		minSpread = 1.0
	}
	minN := t.cfg.MinNotionalUSD
	maxN := t.cfg.MaxNotionalUSD
	if maxN <= minN {
		return minN
	}
	lo := minSpread
	hi := 3.0 * minSpread
	if spreadBps <= lo {
		return minN
	}
	if spreadBps >= hi {
		return maxN
	}
	frac := (spreadBps - lo) / (hi - lo)
	return minN + frac*(maxN-minN)
}

// waterfallScoreLocked is the drawdown-from-30s-high in volatility
// units, decayed by the age of the peak.
func (t *GridTrader) waterfallScoreLocked(now time.Time) float64 {
	if t.peakPrice.IsZero() || t.ask.IsZero() {
		return 0.0
	}
	peakF, _ := t.peakPrice.Float64()
	askF, _ := t.ask.Float64()
	if peakF <= 0 {
		return 0.0
	}
	dropBps := (peakF - askF) / peakF * 10000.0
	if dropBps <= 0 {
		return 0.0
	}
	vol := t.vol.Update(0, now)
	volFloor := math.Max(vol.BlendedBps, 1.0)
	score := dropBps / volFloor

	ageSec := now.Sub(t.peakTs).Seconds()
	decaySec := t.cfg.WaterfallDecaySec
	if decaySec <= 0 {
		decaySec = waterfallRingSec
	}
	decay := math.Max(0.0, 1.0-ageSec/decaySec)
	return score * decay
}

// checkEntry is the entry gate. Caller holds t.mu.
func (t *GridTrader) checkEntry(now time.Time) {
	if !t.entryEnabled || now.Before(t.resumeRewarmUntil) {
		return
	}
	if len(t.layers) != 0 || t.pendingOrder || t.pendingExit {
		return
	}
	if now.Sub(t.startedAt).Seconds() < t.cfg.WarmupSec {
		return
	}
	if !t.circuitBreakerUntil.IsZero() && now.Before(t.circuitBreakerUntil) {
		return
	}
	if len(t.spreadHistory) < 10 || t.medianSpreadBps <= 0 {
		return
	}
	if !t.lastEntryTs.IsZero() && now.Sub(t.lastEntryTs).Seconds() < t.dynamicEntryCooldownSecLocked() {
		return
	}
	if t.waterfallScoreLocked(now) > t.cfg.WaterfallVolThreshold {
		return
	}
	if !t.signals.IsWarm() {
		return
	}
	entrySig := t.signals.EntrySignal(signal.EntryParams{
		PumpThresh:     t.cfg.EntryPumpScoreMin,
		ExhaustThresh:  t.cfg.EntryExhaustScoreMax,
		MinSpread:      t.cfg.MinSpreadBps,
		MaxSpread:      t.cfg.MaxSpreadBps,
		MaxTrendBps:    t.cfg.MaxTrendBps,
		MaxTrend30sBps: t.cfg.MaxTrend30sBps,
		MaxBuyRatio:    t.cfg.MaxBuyRatio,
	})
	if !entrySig.ShouldEnter {
		return
	}

	spreadBps := t.signals.SpreadBps()
	notional := t.spreadScaledNotionalLocked(spreadBps)
	notional = t.signals.PositionSize(notional, 1.0, t.cfg.MinNotionalUSD, t.cfg.MaxNotionalUSD)
	if notional < t.cfg.MinNotionalUSD {
		notional = t.cfg.MinNotionalUSD
	}
	if notional > t.cfg.MaxNotionalUSD {
		notional = t.cfg.MaxNotionalUSD
	}

	if t.cfg.SymbolNotionalCap > 0 && notional > t.cfg.SymbolNotionalCap {
		return
	}

	if !t.hasSufficientEdgeLocked(entrySig.SignalStrength, t.cfg.EntryPumpScoreMin, notional, now) {
		return
	}

	if t.portfolioCheck != nil && !t.portfolioCheck(decimal.NewFromFloat(notional)) {
		return
	}

	askF, _ := t.ask.Float64()
	if askF <= 0 {
		return
	}
	qty := notional / askF

	t.setPendingOrder(now)
	t.enqueue(core.OrderIntent{
		Kind:       core.IntentSell,
		Symbol:     t.Symbol,
		Qty:        decimal.NewFromFloat(qty),
		LayerIdx:   0,
		RefPrice:   t.ask,
		SignalTs:   now,
		EnqueuedAt: now,
	})
}
