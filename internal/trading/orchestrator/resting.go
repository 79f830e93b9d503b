package orchestrator

import (
	"context"
	"time"

	"market_maker/internal/trading/execution"

	"github.com/shopspring/decimal"
)

const (
	restingEntryMaxAgeSec    = 8.0
	restingEntryStaleAgeSec  = 2.0
	restingEntryAmendMinGap  = 500 * time.Millisecond
	restingTPMaxAgeSec       = 30.0
	restingLoopIntervalMs    = 500
)

// runRestingEntriesLoop amends or reaps tracked pending entry orders.
func (o *Orchestrator) runRestingEntriesLoop(ctx context.Context) {
	ticker := time.NewTicker(restingLoopIntervalMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tickRestingEntries(ctx)
		}
	}
}

func (o *Orchestrator) tickRestingEntries(ctx context.Context) {
	now := time.Now()
	for symbol, p := range o.allPairs() {
		o.mu.Lock()
		for orderID, pe := range p.entrySlices {
			age := now.Sub(pe.Ts).Seconds()
			switch {
			case age > restingEntryMaxAgeSec:
				o.cancelOrderLocked(ctx, symbol, orderID)
				delete(p.entrySlices, orderID)
				p.trader.ClearPendingOrder()
			case age > restingEntryStaleAgeSec && !p.trader.HasPendingOrder():
				o.cancelOrderLocked(ctx, symbol, orderID)
				delete(p.entrySlices, orderID)
			case !p.lastAsk.IsZero() && !p.lastAsk.Equal(pe.RefPrice) && now.Sub(p.entryLastAmendAt) >= restingEntryAmendMinGap:
				newID, err := o.exchange.AmendOrder(ctx, orderID, symbol, "SELL", pe.Qty, p.lastAsk)
				if err == nil && newID != "" && newID != orderID {
					delete(p.entrySlices, orderID)
					pe.RefPrice = p.lastAsk
					pe.Ts = now
					p.entrySlices[newID] = pe
				}
				p.entryLastAmendAt = now
			}
		}
		o.mu.Unlock()
	}
}

// cancelEntrySlicesLocked cancels every tracked entry slice for a
// symbol. Caller holds o.mu.
func (o *Orchestrator) cancelEntrySlicesLocked(ctx context.Context, symbol string, p *pairState) {
	for orderID := range p.entrySlices {
		o.cancelOrderLocked(ctx, symbol, orderID)
	}
	p.entrySlices = make(map[string]pendingEntry)
}

func (o *Orchestrator) cancelOrderLocked(ctx context.Context, symbol, orderID string) {
	if _, err := o.exchange.CancelOrder(ctx, orderID, symbol); err != nil {
		o.logger.Debug("cancel order failed", "symbol", symbol, "order_id", orderID, "error", err)
	}
}

// runRestingTPLoop amends, reaps, or re-issues the resting take-profit
// order(s) for every symbol.
func (o *Orchestrator) runRestingTPLoop(ctx context.Context) {
	ticker := time.NewTicker(restingLoopIntervalMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tickRestingTPs(ctx)
		}
	}
}

func (o *Orchestrator) tickRestingTPs(ctx context.Context) {
	now := time.Now()
	for symbol, p := range o.allPairs() {
		o.mu.Lock()
		hasTP := len(p.tpOrderIDs) > 0
		o.mu.Unlock()
		if !hasTP {
			if p.trader.NLayers() > 0 && !p.trader.HasPendingOrder() {
				o.placeTPOrder(ctx, symbol, p)
			}
			continue
		}

		o.mu.Lock()
		if p.trader.IsFlat() {
			o.cancelTPLocked(ctx, symbol, p)
			o.mu.Unlock()
			continue
		}
		age := now.Sub(p.tpPlacedAt).Seconds()
		if age > restingTPMaxAgeSec {
			o.cancelTPLocked(ctx, symbol, p)
			o.mu.Unlock()
			o.placeTPOrder(ctx, symbol, p)
			continue
		}
		target := o.tpTargetPrice(p)
		qty := p.trader.TotalQty()
		needsAmend := !target.Equal(p.tpPrice) || !qty.Equal(p.tpQty)
		if needsAmend && now.Sub(p.tpLastAmend) >= restingEntryAmendMinGap && len(p.tpOrderIDs) == 1 {
			newID, err := o.exchange.AmendOrder(ctx, p.tpOrderIDs[0], symbol, "BUY", qty, target)
			if err == nil && newID != "" {
				p.tpOrderIDs[0] = newID
				p.tpPrice = target
				p.tpQty = qty
			}
			p.tpLastAmend = now
		}
		o.mu.Unlock()
	}
}

// cancelTPLocked cancels every tracked TP slice for a symbol. Caller
// holds o.mu.
func (o *Orchestrator) cancelTPLocked(ctx context.Context, symbol string, p *pairState) {
	for _, id := range p.tpOrderIDs {
		o.cancelOrderLocked(ctx, symbol, id)
	}
	p.tpOrderIDs = nil
}

// tpTargetPrice is the resting-TP quote: the frozen inverse-TP zone
// price while that state machine is active, else the configured
// take-profit offset below average entry.
func (o *Orchestrator) tpTargetPrice(p *pairState) decimal.Decimal {
	if target, ok := p.trader.InverseTPZonePrice(); ok {
		return target
	}
	tpBps := decimal.NewFromFloat(o.cfg.Exit.TakeProfitBps / 10000.0)
	return p.trader.AvgEntry().Mul(decimal.NewFromInt(1).Sub(tpBps))
}

// placeTPOrder rests the take-profit: stealth-sliced, direction
// "down", post-only reduce-only limit buys.
func (o *Orchestrator) placeTPOrder(ctx context.Context, symbol string, p *pairState) {
	qty := p.trader.TotalQty()
	if qty.IsZero() {
		return
	}
	target := o.tpTargetPrice(p)

	info, err := o.exchange.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return
	}

	o.mu.RLock()
	bidDepth := p.lastBidQty
	o.mu.RUnlock()

	slices := execution.ComputeStealthSlices(execution.StealthParams{
		TotalQty:    qty,
		RefPrice:    target,
		TickSize:    info.PriceStep,
		AskDepthQty: bidDepth,
		MaxL1Frac:   o.cfg.Stealth.MaxL1Fraction,
		MaxTicks:    o.cfg.Stealth.MaxTicks,
		MinQty:      info.MinQty,
		MinNotional: info.MinNotional,
		Direction:   execution.DirectionDown,
		AlwaysSplit: o.cfg.Stealth.AlwaysSplit,
		MinSlices:   o.cfg.Stealth.MinSlices,
		MaxSlices:   o.cfg.Stealth.MaxSlices,
	})

	var ids []string
	for _, slice := range slices {
		orderID, fill, err := o.exchange.LimitBuy(ctx, symbol, slice.Qty, slice.Price)
		if err != nil {
			continue
		}
		if fill != nil {
			p.trader.OnBuyFill(fill.AvgPrice, fill.Qty, orderID, fill.Fee, "tp", fill.AvgPrice, false, 0, time.Now())
			o.mu.Lock()
			for _, id := range ids {
				o.cancelOrderLocked(ctx, symbol, id)
			}
			o.mu.Unlock()
			return
		}
		if orderID != "" {
			ids = append(ids, orderID)
		}
	}

	if len(ids) == 0 {
		return
	}
	o.mu.Lock()
	p.tpOrderIDs = ids
	p.tpPrice = target
	p.tpQty = qty
	p.tpPlacedAt = time.Now()
	p.tpLastAmend = time.Now()
	o.mu.Unlock()
}
