package grid

import (
	"math"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/signal"

	"github.com/shopspring/decimal"
)

// estimateClosePnLLocked prices a full close at ask: each layer's
// actual entry fee if recorded, else a maker-fee estimate, plus a
// taker-fee exit estimate on current quantity.
func (t *GridTrader) estimateClosePnLLocked(ask decimal.Decimal) (netUSD decimal.Decimal, netBps float64) {
	totalQty := t.totalQtyLocked()
	if totalQty.IsZero() {
		return decimal.Zero, 0
	}
	avgEntry := t.avgEntryLocked()
	grossUSD := avgEntry.Sub(ask).Mul(totalQty)

	fees := decimal.Zero
	for _, l := range t.layers {
		if l.Fee.IsPositive() {
			fees = fees.Add(l.Fee)
		} else {
			fees = fees.Add(l.Notional.Mul(decimal.NewFromFloat(t.cfg.FeeMakerBps / 10000.0)))
		}
	}
	exitNotional := totalQty.Mul(ask)
	fees = fees.Add(exitNotional.Mul(decimal.NewFromFloat(t.cfg.FeeTakerBps / 10000.0)))

	netUSD = grossUSD.Sub(fees)
	avgNotional, _ := avgEntry.Mul(totalQty).Float64()
	if avgNotional == 0 {
		return netUSD, 0
	}
	netF, _ := netUSD.Float64()
	netBps = netF / avgNotional * 10000.0
	return netUSD, netBps
}

// checkExit is the exit gate. Caller holds t.mu.
func (t *GridTrader) checkExit(now time.Time) {
	if len(t.layers) == 0 || t.pendingOrder || t.pendingExit {
		return
	}
	if t.inverseTP.Active {
		t.handleInverseTP(now)
		return
	}

	netUSD, netBps := t.estimateClosePnLLocked(t.ask)

	avgEntry := t.avgEntryLocked()
	exitSig := t.signals.ExitSignal(mustFloat(avgEntry), signal.ExitParams{
		TPSpreadMult:   t.cfg.TPSpreadMult,
		FastTPTI:       t.cfg.FastTPTI,
		MinFastTPBps:   t.dynamicMinFastTPBpsLocked(),
		MinTPProfitBps: t.dynamicMinTPProfitBpsLocked(),
	})
	if !exitSig.ShouldExit {
		t.checkStopLoss(now, netBps)
		return
	}

	reason := exitSig.Reason
	if reason == "fast_tp" && t.effectiveTPModeLocked() == "vol" {
		t.checkStopLoss(now, netBps)
		return
	}

	var minExecBps float64
	switch reason {
	case "fast_tp":
		minExecBps = math.Max(1.0, t.feeFloorBps()*0.2)
	case "tp":
		minExecBps = 0.0
	}
	if reason == "tp" || reason == "fast_tp" {
		minExecBps += t.recoveryExitHurdleBpsLocked()
		if minExecBps > t.cfg.RecoveryMaxPaydownBps {
			minExecBps = t.cfg.RecoveryMaxPaydownBps
		}
	}

	if (reason == "tp" || reason == "fast_tp") && netBps < minExecBps {
		t.checkStopLoss(now, netBps)
		return
	}

	if reason == "tp" && t.cfg.InverseTPEnabled && len(t.layers) >= t.cfg.InverseTPMinLayers {
		t.activateInverseTPLocked(now)
		return
	}

	t.enqueueClose(now, reason, netUSD, netBps)
}

func (t *GridTrader) checkStopLoss(now time.Time, netBps float64) {
	if t.cfg.StopLossBps <= 0 {
		return
	}
	if netBps < -t.cfg.StopLossBps {
		netUSD, _ := t.estimateClosePnLLocked(t.ask)
		t.enqueueClose(now, "stop", netUSD, netBps)
	}
}

func (t *GridTrader) enqueueClose(now time.Time, reason string, netUSD decimal.Decimal, netBps float64) {
	t.pendingOrder = true
	t.pendingExit = true
	t.pendingWatchdog = now.Add(time.Duration(pendingWatchdogSec * float64(time.Second)))
	t.enqueue(core.OrderIntent{
		Kind:       core.IntentBuy,
		Symbol:     t.Symbol,
		Qty:        t.totalQtyLocked(),
		Reason:     reason,
		NLayers:    len(t.layers),
		EstPnLBps:  decimal.NewFromFloat(netBps),
		Bid:        t.bid,
		Ask:        t.ask,
		SignalTs:   now,
		MinNetBps:  decimal.NewFromFloat(netBps),
		EnqueuedAt: now,
	})
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
