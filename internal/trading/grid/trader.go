package grid

import (
	"sync"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/signal"
	"market_maker/internal/volatility"

	"github.com/shopspring/decimal"
)

const (
	spreadRingCap       = 500
	waterfallRingSec    = 30.0
	medianRecalcEverySec = 2.0
	pendingWatchdogSec  = 10.0
	minDepthBucketSec   = 60.0
	recentCloseRingCap  = 40
	sellFillGapRingCap  = 20
)

type midPoint struct {
	ts  time.Time
	mid decimal.Decimal
}

// EdgeBreakdown is the last computed has_sufficient_edge decomposition,
// retained for telemetry.
type EdgeBreakdown struct {
	TPTargetBps      float64
	ExpectedCostBps  float64
	SignalBonusBps   float64
	TrendPenaltyBps  float64
	SpreadRiskBps    float64
	ExpectedEdgeBps  float64
	UncertaintyBps   float64
	EdgeLCBBps       float64
	RequiredBps      float64
	Accepted         bool
}

// GridTrader is the per-symbol strategy state machine. One
// instance owns one symbol's layers, cooldowns, and recovery ledger;
// it never talks to the exchange directly, only emits OrderIntents for
// the orchestrator's order loop to execute.
type GridTrader struct {
	Symbol string
	cfg    Config
	logger core.ILogger

	signals *signal.MicroSignals
	vol     *volatility.Calibrator

	orderReady     core.IOrderReadySignal
	portfolioCheck core.IPortfolioCheck

	mu sync.Mutex

	entryEnabled      bool
	resumeRewarmUntil time.Time
	pendingOrder      bool
	pendingExit       bool
	pendingWatchdog   time.Time

	layers             []core.GridLayer
	lastEntryTs        time.Time
	lastEntryPrice     decimal.Decimal
	cooldownUntil      time.Time
	layerCooldownUntil time.Time
	circuitBreakerUntil time.Time

	spreadHistory    []float64
	medianSpreadBps  float64
	lastMedianRecalc time.Time

	midRing   []midPoint
	peakTs    time.Time
	peakPrice decimal.Decimal

	bid, ask decimal.Decimal
	startedAt time.Time

	recoveryDebtUSD       decimal.Decimal
	sessionRPnL           decimal.Decimal
	sessionTrades         int64
	sessionClosedNotional decimal.Decimal
	lastRecoveryAddTs     time.Time
	recoveryAddTimestamps []time.Time

	lastSellFillTs  time.Time
	sellFillGapsSec []float64
	sellFillGapBps  []float64
	recentClosePrices []decimal.Decimal
	recentCloseBps    []float64
	exitSlippageBps   []float64

	cooldownStrikes int

	inverseTP core.InverseTPState

	pendingEvents []core.StrategyEvent
	seq           uint64

	lastEdge           EdgeBreakdown
	lastAveragingLogTs time.Time
	lastAveragingReason string

	outbox []core.OrderIntent
}

// New constructs a GridTrader for one symbol. orderReady is invoked
// (non-blocking) whenever an intent is enqueued; portfolioCheck is
// consulted before any entry/averaging intent is emitted.
func New(symbol string, cfg Config, logger core.ILogger, vol *volatility.Calibrator, orderReady core.IOrderReadySignal, portfolioCheck core.IPortfolioCheck) *GridTrader {
	return &GridTrader{
		Symbol:         symbol,
		cfg:            cfg,
		logger:         logger,
		signals:        signal.NewMicroSignals(),
		vol:            vol,
		orderReady:     orderReady,
		portfolioCheck: portfolioCheck,
		entryEnabled:   true,
		startedAt:      time.Now(),
	}
}

// OnBook is the tick handler for one L1 book update.
func (t *GridTrader) OnBook(tick core.BookTick, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bidF, _ := tick.Bid.Float64()
	askF, _ := tick.Ask.Float64()
	bidQF, _ := tick.BidQty.Float64()
	askQF, _ := tick.AskQty.Float64()
	nowSec := float64(now.UnixNano()) / 1e9

	t.bid = tick.Bid
	t.ask = tick.Ask

	t.signals.OnBook(bidF, askF, bidQF, askQF, nowSec)
	volSnap := t.vol.Update(t.signals.RV1s()*10000.0, now)
	if volSnap.HeavyTail && t.cfg.VolTailCooldownSec > 0 {
		tailUntil := now.Add(time.Duration(t.cfg.VolTailCooldownSec * float64(time.Second)))
		if tailUntil.After(t.layerCooldownUntil) {
			t.layerCooldownUntil = tailUntil
		}
	}

	spreadBps := t.signals.SpreadBps()
	t.spreadHistory = append(t.spreadHistory, spreadBps)
	if len(t.spreadHistory) > spreadRingCap {
		t.spreadHistory = t.spreadHistory[len(t.spreadHistory)-spreadRingCap:]
	}
	if now.Sub(t.lastMedianRecalc).Seconds() >= medianRecalcEverySec && len(t.spreadHistory) >= 10 {
		t.medianSpreadBps = median(t.spreadHistory)
		t.lastMedianRecalc = now
	}

	mid := tick.Bid.Add(tick.Ask).Div(decimal.NewFromInt(2))
	t.midRing = append(t.midRing, midPoint{ts: now, mid: mid})
	cutoff := now.Add(-time.Duration(waterfallRingSec * float64(time.Second)))
	i := 0
	for i < len(t.midRing) && t.midRing[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.midRing = t.midRing[i:]
	}
	t.peakPrice = decimal.Zero
	for _, p := range t.midRing {
		if p.mid.GreaterThan(t.peakPrice) {
			t.peakPrice = p.mid
			t.peakTs = p.ts
		}
	}

	if !t.pendingWatchdog.IsZero() && now.After(t.pendingWatchdog) {
		t.pendingOrder = false
		t.pendingExit = false
		t.pendingWatchdog = time.Time{}
	}
	// Once a circuit-breaker pause has elapsed, re-check the session loss
	// and pause again while it is still in breach.
	if !t.circuitBreakerUntil.IsZero() && !now.Before(t.circuitBreakerUntil) {
		t.circuitBreakerUntil = time.Time{}
		t.checkCircuitBreakerLocked(now)
	}
	if t.pendingOrder || t.pendingExit {
		return
	}

	if len(t.layers) > 0 {
		t.checkExit(now)
	} else {
		t.checkEntry(now)
	}

	if len(t.layers) > 0 && !t.pendingOrder && !t.pendingExit &&
		len(t.layers) < t.dynamicMaxLayersLocked() {
		t.checkAveraging(now)
	}
}

// OnTrade feeds a public trade print into the signal engine.
func (t *GridTrader) OnTrade(tick core.TradeTick, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	priceF, _ := tick.Price.Float64()
	qtyF, _ := tick.Qty.Float64()
	nowSec := float64(now.UnixNano()) / 1e9
	t.signals.OnTrade(priceF, qtyF, tick.IsBuyerMaker, nowSec)
}

func (t *GridTrader) setPendingOrder(now time.Time) {
	t.pendingOrder = true
	t.pendingWatchdog = now.Add(time.Duration(pendingWatchdogSec * float64(time.Second)))
}

func (t *GridTrader) enqueue(intent core.OrderIntent) {
	t.outbox = append(t.outbox, intent)
	if t.orderReady != nil {
		t.orderReady()
	}
}

// DrainIntents returns and clears any OrderIntents accumulated since
// the last drain. Called by the orchestrator's order loop.
func (t *GridTrader) DrainIntents() []core.OrderIntent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.outbox) == 0 {
		return nil
	}
	out := t.outbox
	t.outbox = nil
	return out
}

// DrainEvents returns and clears buffered telemetry events. Called by
// the persistence loop.
func (t *GridTrader) DrainEvents() []core.StrategyEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pendingEvents) == 0 {
		return nil
	}
	out := t.pendingEvents
	t.pendingEvents = nil
	return out
}

func (t *GridTrader) recordEvent(action, reason string, qty, price, pnlBps, pnlUSD decimal.Decimal) {
	t.seq++
	ev := core.StrategyEvent{
		Scope:      "grid",
		Symbol:     t.Symbol,
		Action:     action,
		Reason:     reason,
		Qty:        qty,
		Price:      price,
		PnLBps:     pnlBps,
		PnLUSD:     pnlUSD,
		SpreadBps:  t.signals.SpreadBps(),
		VolBlended: t.vol.Update(0, time.Now()).BlendedBps,
		EdgeLCBBps: t.lastEdge.EdgeLCBBps,
		RequiredEdgeBps: t.lastEdge.RequiredBps,
		RecoveryDebtUSD: t.recoveryDebtUSD,
		Seq:        t.seq,
		EventMs:    time.Now().UnixMilli(),
	}
	t.pendingEvents = append(t.pendingEvents, ev)
}

// Snapshot renders the persistable runtime state.
func (t *GridTrader) Snapshot() core.RuntimeSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	spreads := t.spreadHistory
	if len(spreads) > 240 {
		spreads = spreads[len(spreads)-240:]
	}
	return core.RuntimeSnapshot{
		Symbol:                t.Symbol,
		EntryEnabled:          t.entryEnabled,
		LastEntryTs:           t.lastEntryTs,
		LastEntryPrice:        t.lastEntryPrice,
		CooldownUntil:         t.cooldownUntil,
		LayerCooldownUntil:    t.layerCooldownUntil,
		Layers:                append([]core.GridLayer(nil), t.layers...),
		SpreadHistory:         append([]float64(nil), spreads...),
		MedianSpreadBps:       t.medianSpreadBps,
		RecoveryDebtUSD:       t.recoveryDebtUSD,
		SessionRPnL:           t.sessionRPnL,
		SessionTrades:         t.sessionTrades,
		SessionClosedNotional: t.sessionClosedNotional,
		InverseTP:             t.inverseTP,
		SavedAt:               time.Now(),
	}
}

// Restore seeds state from a persisted snapshot at startup.
func (t *GridTrader) Restore(s core.RuntimeSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entryEnabled = s.EntryEnabled
	t.lastEntryTs = s.LastEntryTs
	t.lastEntryPrice = s.LastEntryPrice
	t.cooldownUntil = s.CooldownUntil
	t.layerCooldownUntil = s.LayerCooldownUntil
	t.layers = append([]core.GridLayer(nil), s.Layers...)
	t.recoveryDebtUSD = s.RecoveryDebtUSD
	t.sessionRPnL = s.SessionRPnL
	t.sessionTrades = s.SessionTrades
	t.sessionClosedNotional = s.SessionClosedNotional
	t.inverseTP = s.InverseTP

	// Market context does not survive a restart: spread history and the
	// volatility snapshot are rebuilt live, and entries wait out a
	// rewarm window first.
	t.spreadHistory = nil
	t.medianSpreadBps = 0
	if t.cfg.ResumeRewarmSec > 0 {
		t.resumeRewarmUntil = time.Now().Add(time.Duration(t.cfg.ResumeRewarmSec * float64(time.Second)))
	}
}

// Layers returns a copy of the current open layers.
func (t *GridTrader) Layers() []core.GridLayer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]core.GridLayer(nil), t.layers...)
}

// TotalQty sums the open layers' quantity.
func (t *GridTrader) totalQtyLocked() decimal.Decimal {
	total := decimal.Zero
	for _, l := range t.layers {
		total = total.Add(l.Qty)
	}
	return total
}

// AvgEntryLocked computes the quantity-weighted average entry price.
func (t *GridTrader) avgEntryLocked() decimal.Decimal {
	totalQty := decimal.Zero
	totalNotional := decimal.Zero
	for _, l := range t.layers {
		totalQty = totalQty.Add(l.Qty)
		totalNotional = totalNotional.Add(l.Qty.Mul(l.Price))
	}
	if totalQty.IsZero() {
		return decimal.Zero
	}
	return totalNotional.Div(totalQty)
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2.0
}
