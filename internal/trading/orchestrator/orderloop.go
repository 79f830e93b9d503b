package orchestrator

import (
	"context"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/trading/execution"

	"github.com/shopspring/decimal"
)

// runOrderLoop drains every trader's enqueued intents whenever the
// orders_ready signal fires, with a 50 ms timeout fallback.
func (o *Orchestrator) runOrderLoop(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.ordersReady:
			o.drainAndExecute(ctx)
		case <-ticker.C:
			o.drainAndExecute(ctx)
		}
	}
}

func (o *Orchestrator) drainAndExecute(ctx context.Context) {
	for symbol, p := range o.allPairs() {
		for _, intent := range p.trader.DrainIntents() {
			symbol, p, intent := symbol, p, intent
			if err := o.orderPool.Submit(func() { o.executeOrder(ctx, symbol, p, intent) }); err != nil {
				o.logger.Warn("order pool saturated, dispatching inline", "symbol", symbol, "error", err)
				go o.executeOrder(ctx, symbol, p, intent)
			}
		}
		for _, ev := range p.trader.DrainEvents() {
			o.bufferEvent(ev)
		}
	}
}

func (o *Orchestrator) executeOrder(ctx context.Context, symbol string, p *pairState, intent core.OrderIntent) {
	switch intent.Kind {
	case core.IntentSell:
		o.executeSellIntent(ctx, symbol, p, intent)
	case core.IntentBuy:
		o.executeBuyIntent(ctx, symbol, p, intent)
	}
}

// executeSellIntent runs the open/average path: portfolio cap check,
// cancel any stale resting entry, stealth-slice, fire post-only sells.
func (o *Orchestrator) executeSellIntent(ctx context.Context, symbol string, p *pairState, intent core.OrderIntent) {
	if !o.portfolioCheck(intent.Qty.Mul(intent.RefPrice)) {
		p.trader.ClearPendingOrder()
		return
	}

	o.mu.Lock()
	if len(p.entrySlices) > 0 {
		o.cancelEntrySlicesLocked(ctx, symbol, p)
	}
	o.mu.Unlock()

	info, err := o.exchange.GetSymbolInfo(ctx, symbol)
	if err != nil {
		o.logger.Warn("get symbol info failed", "symbol", symbol, "error", err)
		return
	}

	o.mu.RLock()
	askDepth := p.lastAskQty
	o.mu.RUnlock()

	slices := execution.ComputeStealthSlices(execution.StealthParams{
		TotalQty:    intent.Qty,
		RefPrice:    intent.RefPrice,
		TickSize:    info.PriceStep,
		AskDepthQty: askDepth,
		MaxL1Frac:   o.cfg.Stealth.MaxL1Fraction,
		MaxTicks:    o.cfg.Stealth.MaxTicks,
		MinQty:      info.MinQty,
		MinNotional: info.MinNotional,
		Direction:   execution.DirectionUp,
		AlwaysSplit: o.cfg.Stealth.AlwaysSplit,
		MinSlices:   o.cfg.Stealth.MinSlices,
		MaxSlices:   o.cfg.Stealth.MaxSlices,
	})

	o.mu.Lock()
	p.entryRefPrice = intent.RefPrice
	p.entryFirstSeenAt = time.Now()
	o.mu.Unlock()

	for _, slice := range slices {
		orderID, err := o.exchange.FireLimitSell(ctx, symbol, slice.Qty, slice.Price)
		if err != nil || orderID == "" {
			o.logger.Warn("entry slice rejected", "symbol", symbol, "error", err)
			continue
		}
		o.mu.Lock()
		p.entrySlices[orderID] = pendingEntry{
			Symbol:   symbol,
			LayerIdx: intent.LayerIdx,
			RefPrice: intent.RefPrice,
			Qty:      slice.Qty,
			Ts:       time.Now(),
		}
		o.mu.Unlock()
	}
}

// executeBuyIntent runs the close path: cancel any resting TP, then
// the maker -> IOC -> market waterfall, then the trader's fill handler.
// A symbol registered as a virtual position never touches the
// exchange; its close is delegated to the PMS instead.
func (o *Orchestrator) executeBuyIntent(ctx context.Context, symbol string, p *pairState, intent core.OrderIntent) {
	if positionID, ok := o.virtualPositionFor(symbol); ok {
		if err := o.virtualCloser.ClosePosition(ctx, positionID, intent.Bid, intent.Reason); err != nil {
			o.logger.Warn("virtual close failed", "symbol", symbol, "position_id", positionID, "error", err)
		} else {
			o.UnregisterVirtualPosition(symbol)
		}
		p.trader.ClearPendingOrder()
		return
	}

	o.mu.Lock()
	if len(p.tpOrderIDs) > 0 {
		o.cancelTPLocked(ctx, symbol, p)
	}
	o.mu.Unlock()

	if intent.Reason == "tp" || intent.Reason == "fast_tp" {
		if intent.Reason == "fast_tp" && time.Since(intent.SignalTs) > 1200*time.Millisecond {
			return
		}
	}

	info, err := o.exchange.GetSymbolInfo(ctx, symbol)
	tick := decimal.NewFromFloat(0.01)
	if err == nil {
		tick = info.PriceStep
	}

	makerWait := time.Duration(o.cfg.ExitEscalation.MakerWaitMs) * time.Millisecond
	iocWait := time.Duration(o.cfg.ExitEscalation.IOCWaitMs) * time.Millisecond
	result, err := execution.RunBuyCloseWaterfall(ctx, o.exchange, symbol, intent.Qty, intent.Bid, tick, intent.Reason, makerWait, iocWait)
	if err != nil {
		o.logger.Error("buy waterfall failed", "symbol", symbol, "error", err)
		return
	}

	if result.FilledQty.LessThan(intent.Qty) && !intent.PartialTP {
		sweep, err := execution.SweepMarketBuy(ctx, o.exchange, symbol, intent.Qty.Sub(result.FilledQty))
		if err != nil {
			o.logger.Error("sweep market buy failed", "symbol", symbol, "error", err)
		} else if sweep != nil {
			result.FilledQty = result.FilledQty.Add(sweep.Qty)
		}
		if result.FilledQty.LessThan(intent.Qty) {
			o.logger.Warn("short close, deferring to reconciliation", "symbol", symbol, "requested", intent.Qty, "filled", result.FilledQty)
		}
	}

	if result.FilledQty.IsZero() {
		return
	}
	p.trader.OnBuyFill(result.AvgPrice, result.FilledQty, "", result.Fee, intent.Reason, intent.Ask, intent.PartialTP, intent.InverseTPZone, time.Now())
}

// onOrderUpdate is the exchange's user-data stream callback.
func (o *Orchestrator) onOrderUpdate(orderID string, status core.OrderStatus, fill *core.FillResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for symbol, p := range o.pairs {
		if pe, ok := p.entrySlices[orderID]; ok {
			switch status {
			case core.OrderStatusFilled:
				delete(p.entrySlices, orderID)
				if fill != nil {
					p.trader.OnSellFill(fill.AvgPrice, fill.Qty, orderID, fill.Fee, pe.LayerIdx, time.Now())
				}
			case core.OrderStatusCanceled, core.OrderStatusExpired:
				delete(p.entrySlices, orderID)
			}
			return
		}
		for _, id := range p.tpOrderIDs {
			if id == orderID && status == core.OrderStatusFilled && fill != nil {
				p.trader.OnBuyFill(fill.AvgPrice, fill.Qty, orderID, fill.Fee, "tp", fill.AvgPrice, false, 0, time.Now())
				o.cancelTPLocked(context.Background(), symbol, p)
				return
			}
		}
	}
}
