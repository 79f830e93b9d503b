package grid

import (
	"time"

	"market_maker/internal/core"

	"github.com/shopspring/decimal"
)

// Status is the read-only per-symbol snapshot consumed by the
// dashboard/telemetry loop and the HTTP bridge's get_all_status().
type Status struct {
	Symbol          string
	EntryEnabled    bool
	Layers          int
	TotalQty        decimal.Decimal
	TotalNotional   decimal.Decimal
	AvgEntry        decimal.Decimal
	PendingOrder    bool
	PendingExit     bool
	RecoveryDebtUSD decimal.Decimal
	SessionRPnL     decimal.Decimal
	SessionTrades   int64
	InverseTPActive bool
	InverseTPZone   int
	CooldownUntil   time.Time
	LastEdge        EdgeBreakdown
}

// GetStatus renders the trader's current state for telemetry.
func (t *GridTrader) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Symbol:          t.Symbol,
		EntryEnabled:    t.entryEnabled,
		Layers:          len(t.layers),
		TotalQty:        t.totalQtyLocked(),
		TotalNotional:   t.totalQtyLocked().Mul(t.avgEntryLocked()),
		AvgEntry:        t.avgEntryLocked(),
		PendingOrder:    t.pendingOrder,
		PendingExit:     t.pendingExit,
		RecoveryDebtUSD: t.recoveryDebtUSD,
		SessionRPnL:     t.sessionRPnL,
		SessionTrades:   t.sessionTrades,
		InverseTPActive: t.inverseTP.Active,
		InverseTPZone:   t.inverseTP.NextZoneIdx,
		CooldownUntil:   t.layerCooldownUntil,
		LastEdge:        t.lastEdge,
	}
}

// TotalNotional is the current position's notional value (0 when flat).
func (t *GridTrader) TotalNotional() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalQtyLocked().Mul(t.avgEntryLocked())
}

// TotalQty is the current position's open quantity.
func (t *GridTrader) TotalQty() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalQtyLocked()
}

// AvgEntry is the current position's volume-weighted average entry.
func (t *GridTrader) AvgEntry() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.avgEntryLocked()
}

// NLayers is the current open-layer count.
func (t *GridTrader) NLayers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.layers)
}

// IsFlat reports whether the trader currently holds no layers.
func (t *GridTrader) IsFlat() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.layers) == 0
}

// HasPendingOrder reports whether an order/exit is in flight.
func (t *GridTrader) HasPendingOrder() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingOrder || t.pendingExit
}

// HasCompletedTrades reports whether this trader has recorded at
// least one fill (entry or close) this session (used by pair-rotation
// to avoid dropping session stats).
func (t *GridTrader) HasCompletedTrades() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionTrades > 0
}

// InverseTPActive reports whether the inverse-TP state machine is
// currently running for this symbol.
func (t *GridTrader) InverseTPActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inverseTP.Active
}

// InverseTPZonePrice returns the price the resting-TP manager should
// rest at while inverse-TP is active.
func (t *GridTrader) InverseTPZonePrice() (decimal.Decimal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inverseTP.Active || t.inverseTP.NextZoneIdx >= len(t.inverseTP.Zones) {
		return decimal.Zero, false
	}
	zoneBps := t.inverseTP.Zones[t.inverseTP.NextZoneIdx]
	factor := decimal.NewFromFloat(1.0 - zoneBps/10000.0)
	return t.inverseTP.AvgEntryAtStart.Mul(factor), true
}

// SetEntryEnabled toggles whether the entry gate can fire. Used to pin
// adopted orphan positions to recovery-only mode.
func (t *GridTrader) SetEntryEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entryEnabled = enabled
}

// SetRecoveryDebt seeds the recovery debt ledger at startup.
func (t *GridTrader) SetRecoveryDebt(debtUSD decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recoveryDebtUSD = debtUSD
}

// ArmContextRewarm sets the resume-context-rewarm timer: no entries
// until it elapses, and clears derived context (spread history and
// median spread); a rewarm timer gates re-entry after restore.
func (t *GridTrader) ArmContextRewarm(now time.Time, rewarmSec float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumeRewarmUntil = now.Add(time.Duration(rewarmSec * float64(time.Second)))
	t.spreadHistory = nil
	t.medianSpreadBps = 0
	t.lastMedianRecalc = time.Time{}
}

// RestoreRecovery seeds the recovery-velocity ledger from its
// separately persisted snapshot.
func (t *GridTrader) RestoreRecovery(s core.RecoverySnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionRPnL = s.SessionRPnL
	t.sessionTrades = s.SessionTrades
	t.sessionClosedNotional = s.SessionClosedNotional
	t.lastRecoveryAddTs = s.LastRecoveryAddTs
	t.recoveryAddTimestamps = append([]time.Time(nil), s.RecoveryAddTimestamps...)
}

// RecoverySnapshot renders the separately-persisted recovery ledger.
func (t *GridTrader) RecoverySnapshot() core.RecoverySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return core.RecoverySnapshot{
		Symbol:                t.Symbol,
		SessionRPnL:           t.sessionRPnL,
		SessionTrades:         t.sessionTrades,
		SessionClosedNotional: t.sessionClosedNotional,
		LastRecoveryAddTs:     t.lastRecoveryAddTs,
		RecoveryAddTimestamps: append([]time.Time(nil), t.recoveryAddTimestamps...),
		SavedAt:               time.Now(),
	}
}

// SyncWithExchangePosition replaces local layers with a synthesized
// layer list reverse-derived from exchange truth.
// A single synthetic layer is used when no session config is
// available to reverse-simulate the grid sizing; callers that can
// reverse-simulate should pass a pre-built layer list via
// SyncWithExchangeLayers instead.
func (t *GridTrader) SyncWithExchangePosition(qty, avgEntry decimal.Decimal, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if qty.IsZero() {
		t.layers = nil
		t.pendingOrder = false
		t.pendingExit = false
		t.deactivateInverseTPLocked()
		return
	}
	t.layers = []core.GridLayer{{
		Price:    avgEntry,
		Qty:      qty,
		Notional: qty.Mul(avgEntry),
		EntryTs:  now,
		LayerIdx: 0,
	}}
}

// SyncWithExchangeLayers replaces local layers with a pre-synthesized
// list (e.g. reverse-simulated from session_config sizing).
func (t *GridTrader) SyncWithExchangeLayers(layers []core.GridLayer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.layers = append([]core.GridLayer(nil), layers...)
}

// LayersMatch reports whether the given exchange qty/avgEntry are
// within tolerance of the locally tracked position.
func (t *GridTrader) LayersMatch(exchangeQty, exchangeAvgEntry decimal.Decimal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	localQty := t.totalQtyLocked()
	localAvg := t.avgEntryLocked()
	if localQty.IsZero() && exchangeQty.IsZero() {
		return true
	}
	if localQty.IsZero() || exchangeQty.IsZero() {
		return false
	}
	qtyDiff := localQty.Sub(exchangeQty).Abs().Div(localQty.Abs())
	if qtyDiff.GreaterThan(decimal.NewFromFloat(0.01)) {
		return false
	}
	if localAvg.IsZero() || exchangeAvgEntry.IsZero() {
		return true
	}
	avgDiff := localAvg.Sub(exchangeAvgEntry).Abs().Div(localAvg.Abs())
	return avgDiff.LessThanOrEqual(decimal.NewFromFloat(0.0025))
}

// ClearPendingOrder releases the pending flags without a fill, used
// when the orchestrator rejects an intent post-submission (portfolio
// cap breach, stale-entry reaping, virtual-close delegation).
func (t *GridTrader) ClearPendingOrder() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingOrder = false
	t.pendingExit = false
}

