package orchestrator

import (
	"context"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// AddTradingPair durably registers symbol and starts a GridTrader for
// it, outside the periodic rescan (e.g. from an admin API).
func (o *Orchestrator) AddTradingPair(ctx context.Context, symbol string) error {
	o.mu.RLock()
	dbosCtx := o.dbosCtx
	workflows := o.workflows
	o.mu.RUnlock()
	if dbosCtx == nil || workflows == nil {
		o.logger.Warn("DBOS not initialized, adding symbol without durable registry", "symbol", symbol)
		return o.addSymbol(ctx, symbol)
	}

	entry := RegistryEntry{Symbol: symbol, Status: "ACTIVE", AddedAt: time.Now()}
	handle, err := dbosCtx.RunWorkflow(dbosCtx, workflows.AddTradingPair, entry)
	if err != nil {
		return err
	}
	_, err = handle.GetResult()
	return err
}

// RemoveTradingPair durably drops symbol from the registry and tears
// down its GridTrader once flat.
func (o *Orchestrator) RemoveTradingPair(ctx context.Context, symbol string) error {
	o.mu.RLock()
	dbosCtx := o.dbosCtx
	workflows := o.workflows
	o.mu.RUnlock()
	if dbosCtx == nil || workflows == nil {
		o.logger.Warn("DBOS not initialized, removing symbol without durable registry", "symbol", symbol)
		o.removeSymbol(symbol)
		return nil
	}

	handle, err := dbosCtx.RunWorkflow(dbosCtx, workflows.RemoveTradingPair, symbol)
	if err != nil {
		return err
	}
	_, err = handle.GetResult()
	return err
}

// runRotationLoop rescans the durable symbol registry and adds/removes
// GridTraders to match it. Only runs when cfg.Rotation.Enabled and a
// registry has been wired via SetDBOS.
func (o *Orchestrator) runRotationLoop(ctx context.Context) {
	intervalSec := o.cfg.Rotation.ScanIntervalSec
	if intervalSec <= 0 {
		intervalSec = 60
	}
	ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.rescanUniverse(ctx)
		}
	}
}

func (o *Orchestrator) rescanUniverse(ctx context.Context) {
	o.mu.RLock()
	dbosCtx := o.dbosCtx
	workflows := o.workflows
	o.mu.RUnlock()
	if dbosCtx == nil || workflows == nil {
		return
	}

	handle, err := dbosCtx.RunWorkflow(dbosCtx, func(ctx dbos.DBOSContext, input any) (any, error) {
		return workflows.GetActiveSymbols(ctx)
	}, nil)
	if err != nil {
		o.logger.Warn("rotation: get active symbols failed", "error", err)
		return
	}
	res, err := handle.GetResult()
	if err != nil {
		o.logger.Warn("rotation: get active symbols result failed", "error", err)
		return
	}
	entries, _ := res.([]RegistryEntry)

	blacklist := make(map[string]bool, len(o.cfg.Rotation.Blacklist))
	for _, s := range o.cfg.Rotation.Blacklist {
		blacklist[s] = true
	}

	wanted := make(map[string]bool, len(entries))
	for _, e := range entries {
		if blacklist[e.Symbol] {
			continue
		}
		wanted[e.Symbol] = true
		if _, ok := o.pairFor(e.Symbol); !ok {
			if err := o.addSymbol(ctx, e.Symbol); err != nil {
				o.logger.Error("rotation: add symbol failed", "symbol", e.Symbol, "error", err)
				continue
			}
			o.logger.Info("rotation: added symbol", "symbol", e.Symbol)
		}
	}

	for symbol := range o.allPairs() {
		if wanted[symbol] {
			continue
		}
		if o.removeSymbol(symbol) {
			o.logger.Info("rotation: removed symbol", "symbol", symbol)
		}
	}
}

// shutdownSequence runs the graceful-stop ladder: cancel
// resting orders, flatten positions (unless configured to keep them),
// then flush durable state.
func (o *Orchestrator) shutdownSequence(ctx context.Context) {
	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for symbol, p := range o.allPairs() {
		o.mu.Lock()
		if len(p.entrySlices) > 0 {
			o.cancelEntrySlicesLocked(shutCtx, symbol, p)
		}
		if len(p.tpOrderIDs) > 0 {
			o.cancelTPLocked(shutCtx, symbol, p)
		}
		p.trader.ClearPendingOrder()
		o.mu.Unlock()
	}

	if n, err := o.exchange.CancelAllTrackedOrders(shutCtx); err != nil {
		o.logger.Warn("shutdown: cancel all tracked orders failed", "error", err)
	} else if n > 0 {
		o.logger.Info("shutdown: canceled tracked orders", "count", n)
	}
	for symbol := range o.allPairs() {
		if _, err := o.exchange.CancelAllSymbolOrders(shutCtx, symbol); err != nil {
			o.logger.Debug("shutdown: cancel all symbol orders failed", "symbol", symbol, "error", err)
		}
	}

	if o.cfg.Rotation.KeepPositions {
		o.logger.Info("shutdown: keep_positions set, leaving open positions")
		o.flushSnapshots(shutCtx)
		o.flushEvents(shutCtx)
		return
	}

	blacklist := make(map[string]bool, len(o.cfg.Rotation.Blacklist))
	for _, s := range o.cfg.Rotation.Blacklist {
		blacklist[s] = true
	}
	o.flattenAllPositions(shutCtx, blacklist)

	positions, err := o.exchange.GetPositions(shutCtx)
	if err != nil {
		o.logger.Warn("shutdown: post-flatten position check failed", "error", err)
	} else {
		stillOpen := false
		for symbol, pos := range positions {
			if blacklist[symbol] || pos.Side == "FLAT" || pos.Contracts.IsZero() {
				continue
			}
			stillOpen = true
		}
		if stillOpen {
			o.flattenAllPositions(shutCtx, blacklist)
		}
	}

	if final, err := o.exchange.GetPositions(shutCtx); err == nil {
		flat := true
		for symbol, pos := range final {
			if blacklist[symbol] || pos.Side == "FLAT" || pos.Contracts.IsZero() {
				continue
			}
			flat = false
			o.logger.Warn("shutdown: position remains open", "symbol", symbol, "qty", pos.Contracts)
		}
		o.logger.Info("shutdown: final position check", "flat", flat)
	}

	o.flushSnapshots(shutCtx)
	o.flushEvents(shutCtx)
}

func (o *Orchestrator) flattenAllPositions(ctx context.Context, blacklist map[string]bool) {
	positions, err := o.exchange.GetPositions(ctx)
	if err != nil {
		o.logger.Warn("shutdown: get positions failed", "error", err)
		return
	}
	for symbol, pos := range positions {
		if blacklist[symbol] || pos.Side == "FLAT" || pos.Contracts.IsZero() {
			continue
		}
		if _, err := o.exchange.MarketBuy(ctx, symbol, pos.Contracts); err != nil {
			o.logger.Error("shutdown: market close failed", "symbol", symbol, "error", err)
		}
	}
}
