package grid

import (
	"time"

	"market_maker/internal/core"

	"github.com/shopspring/decimal"
)

// activateInverseTPLocked freezes the zone ladder and enters inverse-TP
// mode. Caller holds t.mu.
func (t *GridTrader) activateInverseTPLocked(now time.Time) {
	maxZones := t.cfg.InverseTPMaxZones
	n := len(t.layers)
	if n < maxZones {
		maxZones = n
	}
	zones := make([]float64, 0, maxZones)
	growth := t.effectiveSpacingGrowthLocked()
	base := t.baseSpacingBps()
	for i := 0; i < maxZones; i++ {
		z := base
		for j := 0; j < i; j++ {
			z *= growth
		}
		zones = append(zones, z)
	}
	if len(zones) == 0 && len(t.cfg.InverseTPZonesBps) > 0 {
		zones = append([]float64(nil), t.cfg.InverseTPZonesBps...)
	}

	t.inverseTP = core.InverseTPState{
		Active:          true,
		Zones:           zones,
		NextZoneIdx:     0,
		StartTs:         now,
		LayersAtStart:   n,
		AvgEntryAtStart: t.avgEntryLocked(),
	}
}

// handleInverseTP runs one on_book tick while inverse-TP is active.
// Caller holds t.mu.
func (t *GridTrader) handleInverseTP(now time.Time) {
	elapsed := now.Sub(t.inverseTP.StartTs).Seconds()
	if elapsed > t.cfg.InverseTPTimeCapSec {
		t.enqueueInverseTPClose(now, "inverse_tp_timeout", len(t.layers))
		t.deactivateInverseTPLocked()
		return
	}
	if t.inverseTP.NextZoneIdx >= len(t.inverseTP.Zones) {
		t.enqueueInverseTPClose(now, "inverse_tp_final", len(t.layers))
		t.deactivateInverseTPLocked()
		return
	}

	zoneBps := t.inverseTP.Zones[t.inverseTP.NextZoneIdx]
	tpPrice := t.inverseTP.AvgEntryAtStart.Mul(decimal.NewFromFloat(1.0 - zoneBps/10000.0))
	if t.bid.GreaterThan(tpPrice) {
		return
	}

	remainingZones := len(t.inverseTP.Zones) - t.inverseTP.NextZoneIdx
	remainingLayers := len(t.layers)
	isLastZone := remainingZones <= 1

	var batchSize int
	if isLastZone {
		batchSize = remainingLayers
	} else {
		batchSize = remainingLayers / remainingZones
		if batchSize < 1 {
			batchSize = 1
		}
	}
	if batchSize > remainingLayers {
		batchSize = remainingLayers
	}
	if batchSize <= 0 {
		t.deactivateInverseTPLocked()
		return
	}

	t.pendingOrder = true
	t.pendingExit = true
	t.pendingWatchdog = now.Add(time.Duration(pendingWatchdogSec * float64(time.Second)))

	batchQty := decimal.Zero
	for i := 0; i < batchSize; i++ {
		batchQty = batchQty.Add(t.layers[i].Qty)
	}

	t.enqueue(core.OrderIntent{
		Kind:          core.IntentBuy,
		Symbol:        t.Symbol,
		Qty:           batchQty,
		Reason:        "inverse_tp",
		NLayers:       batchSize,
		Bid:           t.bid,
		Ask:           t.ask,
		SignalTs:      now,
		PartialTP:     true,
		InverseTPZone: t.inverseTP.NextZoneIdx,
		EnqueuedAt:    now,
	})
}

func (t *GridTrader) enqueueInverseTPClose(now time.Time, reason string, nLayers int) {
	t.pendingOrder = true
	t.pendingExit = true
	t.pendingWatchdog = now.Add(time.Duration(pendingWatchdogSec * float64(time.Second)))
	t.enqueue(core.OrderIntent{
		Kind:       core.IntentBuy,
		Symbol:     t.Symbol,
		Qty:        t.totalQtyLocked(),
		Reason:     reason,
		NLayers:    nLayers,
		Bid:        t.bid,
		Ask:        t.ask,
		SignalTs:   now,
		EnqueuedAt: now,
	})
}

func (t *GridTrader) deactivateInverseTPLocked() {
	t.inverseTP = core.InverseTPState{}
}

// RestingTPPrice returns the price the orchestrator's resting-TP
// manager should quote: the inverse-TP zone price while active, or the
// zero value otherwise (caller falls back to the normal TP price).
func (t *GridTrader) RestingTPPrice() (decimal.Decimal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inverseTP.Active || t.inverseTP.NextZoneIdx >= len(t.inverseTP.Zones) {
		return decimal.Zero, false
	}
	zoneBps := t.inverseTP.Zones[t.inverseTP.NextZoneIdx]
	return t.inverseTP.AvgEntryAtStart.Mul(decimal.NewFromFloat(1.0 - zoneBps/10000.0)), true
}
