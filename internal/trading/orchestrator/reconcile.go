package orchestrator

import (
	"context"
	"sync"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/trading/grid"

	"github.com/shopspring/decimal"
)

const reconcileIntervalSec = 2.0

// runReconcileLoop periodically syncs every idle trader's local
// position against exchange truth.
func (o *Orchestrator) runReconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(reconcileIntervalSec * float64(time.Second)))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reconcileOnce(ctx)
		}
	}
}

func (o *Orchestrator) reconcileOnce(ctx context.Context) {
	positions, err := o.exchange.GetPositions(ctx)
	if err != nil {
		o.logger.Warn("reconcile: get positions failed", "error", err)
		return
	}
	var wg sync.WaitGroup
	for symbol, p := range o.allPairs() {
		if p.trader.HasPendingOrder() {
			continue
		}
		pos, found := positions[symbol]
		var exQty, exAvg decimal.Decimal
		if found && pos.Side != "FLAT" {
			exQty = pos.Contracts
			exAvg = pos.EntryPrice
		}
		if p.trader.LayersMatch(exQty, exAvg) {
			continue
		}
		symbol, p, exQty, exAvg := symbol, p, exQty, exAvg
		wg.Add(1)
		task := func() {
			defer wg.Done()
			o.syncTraderToExchange(symbol, p, exQty, exAvg)
		}
		if err := o.orderPool.Submit(task); err != nil {
			o.logger.Warn("reconcile pool saturated, syncing inline", "symbol", symbol, "error", err)
			task()
		}
	}
	wg.Wait()
}

// syncTraderToExchange reverse-simulates a plausible layer split from
// aggregate exchange notional and applies it.
func (o *Orchestrator) syncTraderToExchange(symbol string, p *pairState, exQty, exAvg decimal.Decimal) {
	now := time.Now()
	if exQty.IsZero() {
		p.trader.SyncWithExchangePosition(decimal.Zero, decimal.Zero, now)
		return
	}
	gridCfg := grid.NewConfigFromApp(o.cfg)
	notional := exQty.Mul(exAvg)
	layers := reverseSimulateLayers(notional, exAvg, gridCfg, now)
	if len(layers) == 0 {
		p.trader.SyncWithExchangePosition(exQty, exAvg, now)
		return
	}
	p.trader.SyncWithExchangeLayers(layers)
}

// reverseSimulateLayers rebuilds a plausible per-layer notional split
// by replaying the grid's min_notional/size_growth schedule until the
// cumulative notional reaches the exchange total, then scaling every
// layer proportionally so the split sums exactly to it.
func reverseSimulateLayers(totalNotional, avgEntry decimal.Decimal, cfg grid.Config, now time.Time) []core.GridLayer {
	totalF, _ := totalNotional.Float64()
	avgF, _ := avgEntry.Float64()
	if totalF <= 0 || avgF <= 0 {
		return nil
	}
	base := cfg.MinNotionalUSD
	if base <= 0 {
		base = cfg.BaseSizeUSD
	}
	if base <= 0 {
		base = totalF
	}
	growth := cfg.SizeGrowth
	if growth < 1 {
		growth = 1
	}
	maxLayers := cfg.MaxLayers
	if maxLayers <= 0 {
		maxLayers = 12
	}

	var notionals []float64
	cum := 0.0
	size := base
	for i := 0; i < maxLayers && cum < totalF; i++ {
		notionals = append(notionals, size)
		cum += size
		size *= growth
	}
	if len(notionals) == 0 {
		notionals = []float64{totalF}
		cum = totalF
	}
	// Scale proportionally so the split sums exactly to totalF.
	scale := totalF / cum
	layers := make([]core.GridLayer, 0, len(notionals))
	for i, n := range notionals {
		scaled := n * scale
		qty := decimal.NewFromFloat(scaled / avgF)
		layers = append(layers, core.GridLayer{
			Price:    avgEntry,
			Qty:      qty,
			Notional: decimal.NewFromFloat(scaled),
			EntryTs:  now,
			LayerIdx: i,
		})
	}
	return layers
}

// reconcileStartup fetches open positions at boot, adopts
// orphans, and align every tracked trader's layers to exchange truth.
func (o *Orchestrator) reconcileStartup(ctx context.Context) {
	positions, err := o.exchange.GetPositions(ctx)
	if err != nil {
		o.logger.Warn("startup reconcile: get positions failed", "error", err)
		return
	}

	for symbol, pos := range positions {
		if pos.Side == "FLAT" || pos.Contracts.IsZero() {
			continue
		}
		if _, ok := o.pairFor(symbol); !ok {
			if err := o.addSymbol(ctx, symbol); err != nil {
				o.logger.Error("orphan adoption failed", "symbol", symbol, "error", err)
				continue
			}
			p, _ := o.pairFor(symbol)
			p.trader.SetEntryEnabled(false)
			p.orphanAdopted = true
			o.logger.Info("adopted orphan position", "symbol", symbol, "qty", pos.Contracts)
		}
		p, _ := o.pairFor(symbol)
		if p.trader.LayersMatch(pos.Contracts, pos.EntryPrice) {
			continue
		}
		o.syncTraderToExchange(symbol, p, pos.Contracts, pos.EntryPrice)
	}

	for symbol, p := range o.allPairs() {
		if p.trader.IsFlat() {
			continue
		}
		pos, found := positions[symbol]
		if !found || pos.Side == "FLAT" || pos.Contracts.IsZero() {
			p.trader.SyncWithExchangePosition(decimal.Zero, decimal.Zero, time.Now())
		}
	}

	for symbol, p := range o.allPairs() {
		snap := p.trader.Snapshot()
		if err := o.store.SaveRuntimeState(ctx, o.scope, symbol, snap); err != nil {
			o.logger.Warn("persist startup snapshot failed", "symbol", symbol, "error", err)
		}
	}
}
