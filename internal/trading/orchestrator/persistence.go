package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/telemetry"
)

// runPersistenceLoop periodically writes every trader's runtime and
// recovery snapshots, flushes buffered StrategyEvents, and prunes old
// events hourly.
func (o *Orchestrator) runPersistenceLoop(ctx context.Context) {
	intervalSec := o.cfg.Persistence.SnapshotIntervalSec
	if intervalSec <= 0 {
		intervalSec = 5
	}
	ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(time.Hour)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.flushSnapshots(ctx)
			o.flushEvents(ctx)
			return
		case <-ticker.C:
			o.flushSnapshots(ctx)
			o.flushEvents(ctx)
		case <-pruneTicker.C:
			hours := o.cfg.Persistence.EventRetentionHours
			if hours <= 0 {
				hours = 72
			}
			if err := o.store.PruneEvents(ctx, o.scope, time.Now().Add(-time.Duration(hours)*time.Hour)); err != nil {
				o.logger.Warn("prune events failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) flushSnapshots(ctx context.Context) {
	for symbol, p := range o.allPairs() {
		snap := p.trader.Snapshot()
		if err := o.store.SaveRuntimeState(ctx, o.scope, symbol, snap); err != nil {
			o.logger.Warn("save runtime state failed", "symbol", symbol, "error", err)
		}
		rec := p.trader.RecoverySnapshot()
		if err := o.store.SaveRecoveryState(ctx, o.scope, symbol, rec); err != nil {
			o.logger.Warn("save recovery state failed", "symbol", symbol, "error", err)
		}
	}
}

// bufferEvent appends a drained StrategyEvent to the pending flush buffer.
func (o *Orchestrator) bufferEvent(ev core.StrategyEvent) {
	o.eventBufMu.Lock()
	o.eventBuf = append(o.eventBuf, ev)
	o.eventBufMu.Unlock()
}

func (o *Orchestrator) flushEvents(ctx context.Context) {
	o.eventBufMu.Lock()
	if len(o.eventBuf) == 0 {
		o.eventBufMu.Unlock()
		return
	}
	batch := o.eventBuf
	o.eventBuf = nil
	o.eventBufMu.Unlock()

	batchSize := o.cfg.Persistence.EventBatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	for start := 0; start < len(batch); start += batchSize {
		end := start + batchSize
		if end > len(batch) {
			end = len(batch)
		}
		if err := o.store.AppendEvents(ctx, o.scope, batch[start:end]); err != nil {
			o.logger.Warn("append events failed, requeueing batch", "error", err)
			o.eventBufMu.Lock()
			o.eventBuf = append(append([]core.StrategyEvent(nil), batch[start:]...), o.eventBuf...)
			o.eventBufMu.Unlock()
			return
		}
	}
}

// runTelemetryLoop renders a dashboard snapshot of every trader's
// status to logs and OTel gauges on a fixed interval.
func (o *Orchestrator) runTelemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	metrics := telemetry.GetGlobalMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.renderTelemetry(metrics)
		}
	}
}

func (o *Orchestrator) renderTelemetry(metrics *telemetry.MetricsHolder) {
	var lines []string
	total := 0.0
	for symbol, p := range o.allPairs() {
		st := p.trader.GetStatus()
		pnl, _ := st.SessionRPnL.Float64()
		notional, _ := st.TotalNotional.Float64()
		debt, _ := st.RecoveryDebtUSD.Float64()
		total += notional
		lines = append(lines, fmt.Sprintf("%s layers=%d notional=%.2f pnl=%.2f debt=%.2f inverse_tp=%v",
			symbol, st.Layers, notional, pnl, debt, st.InverseTPActive))
		if metrics != nil {
			o.mu.RLock()
			ask := p.lastAsk
			o.mu.RUnlock()
			unrealized := 0.0
			if !ask.IsZero() {
				// Short position: in profit while the ask is below average entry.
				unrealized, _ = st.AvgEntry.Sub(ask).Mul(st.TotalQty).Float64()
			}
			metrics.SetUnrealizedPnL(symbol, unrealized)
			metrics.SetLayersActive(symbol, int64(st.Layers))
			metrics.SetRecoveryDebt(symbol, debt)
			metrics.SetCircuitBreakerOpen(symbol, !st.CooldownUntil.IsZero() && st.CooldownUntil.After(time.Now()))
		}
	}
	if metrics != nil {
		metrics.SetPortfolioNotional(total)
	}
	o.logger.Info("portfolio snapshot", "total_notional", total, "symbols", len(lines))
	if len(lines) > 0 {
		o.logger.Debug("dashboard", "detail", strings.Join(lines, " | "))
	}
}
