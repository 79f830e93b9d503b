package grid

import (
	"time"

	"github.com/shopspring/decimal"
)

// recoveryEntryHurdleBpsLocked is the extra edge required on entries
// and averages while the symbol carries realized-loss debt.
func (t *GridTrader) recoveryEntryHurdleBpsLocked(notionalUSD float64) float64 {
	debt, _ := t.recoveryDebtUSD.Float64()
	if debt <= 0 || notionalUSD <= 0 {
		return 0.0
	}
	hurdle := debt * t.cfg.RecoveryPaydownRatio / notionalUSD * 10000.0
	if hurdle > t.cfg.RecoveryMaxPaydownBps {
		return t.cfg.RecoveryMaxPaydownBps
	}
	return hurdle
}

// recoveryExitHurdleBpsLocked is the extra bps required over the fee
// floor for TP-like exits while debt is outstanding.
func (t *GridTrader) recoveryExitHurdleBpsLocked() float64 {
	totalQty := t.totalQtyLocked()
	notional, _ := totalQty.Mul(t.avgEntryLocked()).Float64()
	return t.recoveryEntryHurdleBpsLocked(notional)
}

// applyRealizedPnLLocked pays down or accumulates recovery debt on a
// close, clamped to [0, RecoveryDebtCapUSD].
func (t *GridTrader) applyRealizedPnLLocked(realizedPnLUSD decimal.Decimal) {
	if !t.cfg.RecoveryDebtEnabled {
		return
	}
	if realizedPnLUSD.IsNegative() {
		t.recoveryDebtUSD = t.recoveryDebtUSD.Add(realizedPnLUSD.Abs())
	} else {
		t.recoveryDebtUSD = t.recoveryDebtUSD.Sub(realizedPnLUSD)
	}
	if t.recoveryDebtUSD.IsNegative() {
		t.recoveryDebtUSD = decimal.Zero
	}
	cap := decimal.NewFromFloat(t.cfg.RecoveryDebtCapUSD)
	if cap.IsPositive() && t.recoveryDebtUSD.GreaterThan(cap) {
		t.recoveryDebtUSD = cap
	}
}

// recoveryAveragingAllowedLocked enforces the recovery-averaging
// guardrail: deep-underwater requirement, cooldown, hourly rate cap,
// and minimum hurdle improvement.
func (t *GridTrader) recoveryAveragingAllowedLocked(unrealizedBps float64, projectedNotional float64, now time.Time) (bool, string) {
	debt, _ := t.recoveryDebtUSD.Float64()
	if debt <= 0.10 {
		return true, ""
	}
	if unrealizedBps > -t.cfg.RecoveryAvgMinUnrealizedBps {
		return false, "recovery_avg_unrealized_floor"
	}
	if !t.lastRecoveryAddTs.IsZero() && now.Sub(t.lastRecoveryAddTs).Seconds() < t.cfg.RecoveryAvgCooldownSec {
		return false, "recovery_avg_cooldown"
	}
	cutoff := now.Add(-time.Hour)
	recentAdds := 0
	for _, ts := range t.recoveryAddTimestamps {
		if ts.After(cutoff) {
			recentAdds++
		}
	}
	if recentAdds >= t.cfg.RecoveryAvgMaxAddsPerHour {
		return false, "recovery_avg_rate_cap"
	}
	before := t.recoveryEntryHurdleBpsLocked(projectedNotional)
	totalQty, _ := t.totalQtyLocked().Float64()
	avgEntry, _ := t.avgEntryLocked().Float64()
	after := t.recoveryEntryHurdleBpsLocked(projectedNotional + totalQty*avgEntry)
	if (before - after) < t.cfg.RecoveryAvgMinHurdleImproveBps {
		return false, "recovery_avg_hurdle_improve"
	}
	return true, ""
}

func (t *GridTrader) recordRecoveryAddLocked(now time.Time) {
	t.lastRecoveryAddTs = now
	t.recoveryAddTimestamps = append(t.recoveryAddTimestamps, now)
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(t.recoveryAddTimestamps) && t.recoveryAddTimestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		t.recoveryAddTimestamps = t.recoveryAddTimestamps[i:]
	}
}
