// Package orchestrator multiplexes many GridTraders over a shared
// market-data stream, enforces the portfolio-wide notional cap,
// persists crash-safe per-symbol state, reconciles against exchange
// truth, and drives order execution.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"market_maker/internal/config"
	"market_maker/internal/core"
	"market_maker/internal/signal"
	"market_maker/internal/trading/grid"
	"market_maker/internal/volatility"
	"market_maker/pkg/concurrency"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
)

// pairState bundles one symbol's strategy state machine with the
// orchestrator-owned bookkeeping the entry/TP managers need (resting
// order tracking, the volatility source).
type pairState struct {
	trader *grid.GridTrader
	vol    *volatility.Calibrator

	addedAt       time.Time
	orphanAdopted bool

	lastBid, lastAsk       decimal.Decimal
	lastBidQty, lastAskQty decimal.Decimal

	// resting entry tracking, owned by the resting-entries manager
	entrySlices      map[string]pendingEntry
	entryRefPrice    decimal.Decimal
	entryFirstSeenAt time.Time
	entryLastAmendAt time.Time

	// resting TP tracking, owned by the resting-TP manager
	tpOrderIDs  []string
	tpPrice     decimal.Decimal
	tpQty       decimal.Decimal
	tpPlacedAt  time.Time
	tpLastAmend time.Time
}

type pendingEntry struct {
	Symbol   string
	LayerIdx int
	RefPrice decimal.Decimal
	Qty      decimal.Decimal
	Ts       time.Time
}

// Orchestrator is the single-account runtime driving one or more
// GridTraders against a shared exchange/market-data/state-store set of
// collaborators.
type Orchestrator struct {
	cfg      *config.Config
	scope    string
	exchange core.IExchange
	feed     core.IMarketDataFeed
	store    core.IStateStore
	logger   core.ILogger

	flow *signal.SecondBucketFlow

	mu    sync.RWMutex
	pairs map[string]*pairState

	virtualCloser    core.IVirtualCloser
	virtualPositions map[string]string

	candles volatility.CandleSource

	ordersReady chan struct{}

	eventBufMu sync.Mutex
	eventBuf   []core.StrategyEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	workflows *OrchestratorWorkflows
	dbosCtx   dbos.DBOSContext

	orderPool *concurrency.WorkerPool
}

// SetDBOS wires the durable symbol registry used by the pair-rotation
// loop. Safe to call once before Start; without it, rotation scans are
// a no-op.
func (o *Orchestrator) SetDBOS(ctx dbos.DBOSContext, w *OrchestratorWorkflows) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dbosCtx = ctx
	o.workflows = w
}

// New constructs an Orchestrator. The account scope is either the
// configured AccountScope or, when unset, the first twelve hex
// characters of the SHA-256 of the exchange API key.
func New(cfg *config.Config, exchange core.IExchange, feed core.IMarketDataFeed, store core.IStateStore, logger core.ILogger) *Orchestrator {
	scope := cfg.App.AccountScope
	if scope == "" || scope == "default" {
		scope = deriveAccountScope(string(cfg.Exchange.APIKey))
	}
	scopedLogger := logger.WithField("component", "orchestrator").WithField("scope", scope)
	poolSize := cfg.Concurrency.OrderPoolSize
	if poolSize <= 0 {
		poolSize = 16
	}
	poolBuffer := cfg.Concurrency.OrderPoolBuffer
	if poolBuffer <= 0 {
		poolBuffer = 256
	}
	return &Orchestrator{
		cfg:         cfg,
		scope:       scope,
		exchange:    exchange,
		feed:        feed,
		store:       store,
		logger:      scopedLogger,
		flow:             signal.NewSecondBucketFlow(600),
		pairs:            make(map[string]*pairState),
		virtualPositions: make(map[string]string),
		ordersReady: make(chan struct{}, 1),
		orderPool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "order_execution",
			MaxWorkers:  poolSize,
			MaxCapacity: poolBuffer,
		}, scopedLogger),
	}
}

func deriveAccountScope(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:12]
}

// Scope returns the derived/configured account scope.
func (o *Orchestrator) Scope() string { return o.scope }

// SetCandleSource wires the candle fetcher every symbol's volatility
// calibrator uses for its background multi-timeframe baseline refresh.
// Safe to call once before Start; without it, calibrators run in
// live-only mode.
func (o *Orchestrator) SetCandleSource(src volatility.CandleSource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.candles = src
}

// volConfig translates the application's volatility section into the
// calibrator's config, joining the per-timeframe weight and lookback
// maps into one sorted ladder.
func (o *Orchestrator) volConfig() volatility.Config {
	v := o.cfg.Volatility
	out := volatility.DefaultConfig()
	out.DriftEnabled = v.DriftEnabled
	if v.RefreshSec > 0 {
		out.RefreshSec = v.RefreshSec
	}
	if v.LiveWeight > 0 {
		out.LiveWeight = v.LiveWeight
	}
	if v.DriftMin > 0 {
		out.DriftMin = v.DriftMin
	}
	if v.DriftMax > 0 {
		out.DriftMax = v.DriftMax
	}
	if v.TailMult > 0 {
		out.TailMult = v.TailMult
	}
	if v.LiveEMAAlpha > 0 {
		out.LiveEMAAlpha = v.LiveEMAAlpha
	}
	if len(v.TFWeights) > 0 {
		tfs := make([]string, 0, len(v.TFWeights))
		for tf := range v.TFWeights {
			tfs = append(tfs, tf)
		}
		sort.Strings(tfs)
		weights := make([]volatility.TFWeight, 0, len(tfs))
		for _, tf := range tfs {
			lookback := v.TFLookbacks[tf]
			if lookback == "" {
				continue
			}
			weights = append(weights, volatility.TFWeight{Timeframe: tf, Weight: v.TFWeights[tf], Lookback: lookback})
		}
		if len(weights) > 0 {
			out.TFWeights = weights
		}
	}
	return out
}

// SetVirtualCloser wires the position-management-service client used
// to close virtual positions. Safe to call once before Start.
func (o *Orchestrator) SetVirtualCloser(vc core.IVirtualCloser) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.virtualCloser = vc
}

// RegisterVirtualPosition marks symbol as owned by the PMS under the
// given position id. Buy intents for it are routed to the virtual
// closer instead of the exchange until it is unregistered.
func (o *Orchestrator) RegisterVirtualPosition(symbol, positionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.virtualPositions[symbol] = positionID
}

// UnregisterVirtualPosition removes a symbol's virtual-position mapping.
func (o *Orchestrator) UnregisterVirtualPosition(symbol string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.virtualPositions, symbol)
}

func (o *Orchestrator) virtualPositionFor(symbol string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.virtualPositions[symbol]
	return id, ok && o.virtualCloser != nil
}

// signalOrderReady is handed to each GridTrader as its
// core.IOrderReadySignal. Never blocks: the order loop also polls on a
// fixed interval, so a dropped wakeup just costs at most one tick.
func (o *Orchestrator) signalOrderReady() {
	select {
	case o.ordersReady <- struct{}{}:
	default:
	}
}

// portfolioCheck is handed to each GridTrader as its core.IPortfolioCheck.
func (o *Orchestrator) portfolioCheck(additionalNotional decimal.Decimal) bool {
	maxNotional := decimal.NewFromFloat(o.cfg.Portfolio.MaxTotalNotionalUSD)
	if maxNotional.LessThanOrEqual(decimal.Zero) {
		return true
	}
	total := o.totalNotional()
	return total.Add(additionalNotional).LessThanOrEqual(maxNotional)
}

func (o *Orchestrator) totalNotional() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	total := decimal.Zero
	for _, p := range o.pairs {
		total = total.Add(p.trader.TotalNotional())
	}
	return total
}

// Start constructs one GridTrader per
// configured symbol, runs startup reconciliation, and spawns every
// long-running loop (orders, resting entries/TPs, reconciliation,
// persistence, telemetry, rotation).
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	for _, symbol := range o.cfg.App.Symbols {
		if err := o.addSymbol(o.ctx, symbol); err != nil {
			o.logger.Error("add symbol at startup", "symbol", symbol, "error", err)
			continue
		}
		if err := o.exchange.SetLeverage(o.ctx, symbol, o.cfg.Exchange.Leverage); err != nil {
			o.logger.Warn("set leverage failed", "symbol", symbol, "error", err)
		}
	}

	o.reconcileStartup(o.ctx)

	if err := o.exchange.StartOrderUpdateStream(o.ctx, o.onOrderUpdate); err != nil {
		return err
	}

	if err := o.feed.Subscribe(o.ctx, o.trackedSymbols(), o.onBook, o.onTrade); err != nil {
		return err
	}

	o.wg.Add(6)
	go func() { defer o.wg.Done(); o.runOrderLoop(o.ctx) }()
	go func() { defer o.wg.Done(); o.runRestingEntriesLoop(o.ctx) }()
	go func() { defer o.wg.Done(); o.runRestingTPLoop(o.ctx) }()
	go func() { defer o.wg.Done(); o.runReconcileLoop(o.ctx) }()
	go func() { defer o.wg.Done(); o.runPersistenceLoop(o.ctx) }()
	go func() { defer o.wg.Done(); o.runTelemetryLoop(o.ctx) }()

	if o.cfg.Rotation.Enabled {
		o.wg.Add(1)
		go func() { defer o.wg.Done(); o.runRotationLoop(o.ctx) }()
	}

	return nil
}

func (o *Orchestrator) trackedSymbols() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.pairs))
	for s := range o.pairs {
		out = append(out, s)
	}
	return out
}

// addSymbol constructs a GridTrader for symbol, seeding it from any
// persisted runtime/recovery snapshot.
func (o *Orchestrator) addSymbol(ctx context.Context, symbol string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.pairs[symbol]; ok {
		return nil
	}

	gridCfg := grid.NewConfigFromApp(o.cfg)
	vol := volatility.NewCalibrator(symbol, o.candles, o.volConfig())
	trader := grid.New(symbol, gridCfg, o.logger.WithField("symbol", symbol), vol, o.signalOrderReady, o.portfolioCheck)

	if snap, err := o.store.LoadRuntimeState(ctx, o.scope, symbol); err != nil {
		o.logger.Warn("load runtime state", "symbol", symbol, "error", err)
	} else if snap != nil {
		trader.Restore(*snap)
	}
	if rec, err := o.store.LoadRecoveryState(ctx, o.scope, symbol); err != nil {
		o.logger.Warn("load recovery state", "symbol", symbol, "error", err)
	} else if rec != nil {
		trader.RestoreRecovery(*rec)
	}

	o.pairs[symbol] = &pairState{
		trader:      trader,
		vol:         vol,
		addedAt:     time.Now(),
		entrySlices: make(map[string]pendingEntry),
	}
	return nil
}

// removeSymbol drops a symbol that is fully flat with no pending
// orders/TPs and no completed trades this session.
func (o *Orchestrator) removeSymbol(symbol string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pairs[symbol]
	if !ok {
		return false
	}
	if !p.trader.IsFlat() || p.trader.HasPendingOrder() || p.trader.HasCompletedTrades() {
		return false
	}
	if len(p.tpOrderIDs) > 0 || len(p.entrySlices) > 0 {
		return false
	}
	delete(o.pairs, symbol)
	return true
}

func (o *Orchestrator) pairFor(symbol string) (*pairState, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.pairs[symbol]
	return p, ok
}

func (o *Orchestrator) allPairs() map[string]*pairState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]*pairState, len(o.pairs))
	for k, v := range o.pairs {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) onBook(tick core.BookTick) {
	now := time.Now()
	if p, ok := o.pairFor(tick.Symbol); ok {
		p.trader.OnBook(tick, now)
		o.mu.Lock()
		p.lastBid, p.lastAsk = tick.Bid, tick.Ask
		p.lastBidQty, p.lastAskQty = tick.BidQty, tick.AskQty
		o.mu.Unlock()
	}
	mid := tick.Bid.Add(tick.Ask).Div(decimal.NewFromInt(2))
	if err := o.store.SetPrice(o.ctx, o.scope, tick.Symbol, mid, now, "book", 30*time.Second); err != nil {
		o.logger.Debug("set price cache failed", "symbol", tick.Symbol, "error", err)
	}
}

func (o *Orchestrator) onTrade(tick core.TradeTick) {
	now := time.Now()
	if p, ok := o.pairFor(tick.Symbol); ok {
		p.trader.OnTrade(tick, now)
	}
	priceF, _ := tick.Price.Float64()
	qtyF, _ := tick.Qty.Float64()
	o.flow.Add(float64(tick.EventMs)/1000.0, qtyF, priceF, tick.IsBuyerMaker)
}

// Stop runs the full shutdown sequence and releases
// every long-running task.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.orderPool.Stop()
	o.shutdownSequence(ctx)
	return o.store.Close()
}
