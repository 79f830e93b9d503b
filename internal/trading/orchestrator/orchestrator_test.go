package orchestrator

import (
	"context"
	"testing"
	"time"

	"market_maker/internal/config"
	"market_maker/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLogger is a no-op core.ILogger.
type fakeLogger struct{}

func (fakeLogger) Debug(msg string, fields ...interface{}) {}
func (fakeLogger) Info(msg string, fields ...interface{})  {}
func (fakeLogger) Warn(msg string, fields ...interface{})  {}
func (fakeLogger) Error(msg string, fields ...interface{}) {}
func (fakeLogger) Fatal(msg string, fields ...interface{}) {}
func (f fakeLogger) WithField(key string, value interface{}) core.ILogger {
	return f
}
func (f fakeLogger) WithFields(fields map[string]interface{}) core.ILogger {
	return f
}

// fakeExchange is an in-memory core.IExchange recording every call the
// orchestrator makes against it.
type fakeExchange struct {
	sells []struct {
		symbol string
		qty    decimal.Decimal
		price  decimal.Decimal
	}
	limitBuyFill  *core.FillResult
	iocBuyFill    *core.FillResult
	marketBuyFill *core.FillResult
	positions     map[string]core.ExchangePosition
	symbolInfo    core.SymbolInfo
}

func (f *fakeExchange) GetName() string { return "fake" }
func (f *fakeExchange) GetSymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	info := f.symbolInfo
	if info.PriceStep.IsZero() {
		info.PriceStep = decimal.RequireFromString("0.01")
	}
	if info.QtyStep.IsZero() {
		info.QtyStep = decimal.RequireFromString("0.001")
	}
	return info, nil
}
func (f *fakeExchange) FireLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (string, error) {
	f.sells = append(f.sells, struct {
		symbol string
		qty    decimal.Decimal
		price  decimal.Decimal
	}{symbol, qty, price})
	return "order-" + symbol + "-" + qty.String(), nil
}
func (f *fakeExchange) LimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (string, *core.FillResult, error) {
	if f.limitBuyFill == nil {
		return "order-1", nil, nil
	}
	return "", f.limitBuyFill, nil
}
func (f *fakeExchange) IOCBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (*core.FillResult, error) {
	return f.iocBuyFill, nil
}
func (f *fakeExchange) MarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (*core.FillResult, error) {
	return f.marketBuyFill, nil
}
func (f *fakeExchange) AmendOrder(ctx context.Context, orderID, symbol, side string, qty, price decimal.Decimal) (string, error) {
	return orderID, nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	return true, nil
}
func (f *fakeExchange) CancelAllSymbolOrders(ctx context.Context, symbol string) (int, error) {
	return 0, nil
}
func (f *fakeExchange) CancelAllTrackedOrders(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeExchange) GetPositions(ctx context.Context) (map[string]core.ExchangePosition, error) {
	return f.positions, nil
}
func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}
func (f *fakeExchange) StartOrderUpdateStream(ctx context.Context, onUpdate func(string, core.OrderStatus, *core.FillResult)) error {
	return nil
}

// fakeFeed is a no-op core.IMarketDataFeed.
type fakeFeed struct{}

func (fakeFeed) Subscribe(ctx context.Context, symbols []string, onBook func(core.BookTick), onTrade func(core.TradeTick)) error {
	return nil
}

// fakeStore is an in-memory core.IStateStore.
type fakeStore struct {
	runtime  map[string]core.RuntimeSnapshot
	recovery map[string]core.RecoverySnapshot
	events   []core.StrategyEvent
	closed   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{runtime: map[string]core.RuntimeSnapshot{}, recovery: map[string]core.RecoverySnapshot{}}
}
func (s *fakeStore) SaveRuntimeState(ctx context.Context, scope, symbol string, snap core.RuntimeSnapshot) error {
	s.runtime[symbol] = snap
	return nil
}
func (s *fakeStore) LoadRuntimeState(ctx context.Context, scope, symbol string) (*core.RuntimeSnapshot, error) {
	if snap, ok := s.runtime[symbol]; ok {
		return &snap, nil
	}
	return nil, nil
}
func (s *fakeStore) SaveRecoveryState(ctx context.Context, scope, symbol string, snap core.RecoverySnapshot) error {
	s.recovery[symbol] = snap
	return nil
}
func (s *fakeStore) LoadRecoveryState(ctx context.Context, scope, symbol string) (*core.RecoverySnapshot, error) {
	if snap, ok := s.recovery[symbol]; ok {
		return &snap, nil
	}
	return nil, nil
}
func (s *fakeStore) SaveSessionConfig(ctx context.Context, scope string, cfg core.SessionConfig) error {
	return nil
}
func (s *fakeStore) LoadSessionConfig(ctx context.Context, scope string) (*core.SessionConfig, error) {
	return nil, nil
}
func (s *fakeStore) SetPrice(ctx context.Context, scope, symbol string, mark decimal.Decimal, ts time.Time, source string, ttl time.Duration) error {
	return nil
}
func (s *fakeStore) AppendEvents(ctx context.Context, scope string, events []core.StrategyEvent) error {
	s.events = append(s.events, events...)
	return nil
}
func (s *fakeStore) PruneEvents(ctx context.Context, scope string, olderThan time.Time) error {
	return nil
}
func (s *fakeStore) Close() error {
	s.closed = true
	return nil
}

func testCfg() *config.Config {
	cfg := config.DefaultConfig()
	cfg.App.Symbols = []string{"BTCUSDT"}
	cfg.App.AccountScope = "test-scope"
	return cfg
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeExchange, *fakeStore) {
	t.Helper()
	ex := &fakeExchange{}
	store := newFakeStore()
	o := New(testCfg(), ex, fakeFeed{}, store, fakeLogger{})
	return o, ex, store
}

func TestNew_DerivesConfiguredScope(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	assert.Equal(t, "test-scope", o.Scope())
}

func TestNew_DerivesScopeFromAPIKeyWhenUnset(t *testing.T) {
	cfg := testCfg()
	cfg.App.AccountScope = ""
	o := New(cfg, &fakeExchange{}, fakeFeed{}, newFakeStore(), fakeLogger{})
	assert.Len(t, o.Scope(), 12)
	assert.Equal(t, deriveAccountScope(string(cfg.Exchange.APIKey)), o.Scope())
}

func TestAddSymbol_IsIdempotent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	require.NoError(t, o.addSymbol(context.Background(), "BTCUSDT"))
	require.NoError(t, o.addSymbol(context.Background(), "BTCUSDT"))
	assert.Len(t, o.allPairs(), 1)
}

func TestRemoveSymbol_BlockedWhileOpenOrAfterTrades(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	require.NoError(t, o.addSymbol(context.Background(), "BTCUSDT"))

	p, ok := o.pairFor("BTCUSDT")
	require.True(t, ok)
	p.trader.OnSellFill(decimal.RequireFromString("100"), decimal.RequireFromString("1"), "order-1", decimal.Zero, 0, time.Now())

	assert.False(t, o.removeSymbol("BTCUSDT"))

	p.trader.OnBuyFill(decimal.RequireFromString("99"), decimal.RequireFromString("1"), "", decimal.Zero, "tp", decimal.RequireFromString("99"), false, 0, time.Now())
	// Flat again, but a trader with completed trades this session is kept.
	assert.False(t, o.removeSymbol("BTCUSDT"))
}

func TestPortfolioCheck_RespectsNotionalCap(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.cfg.Portfolio.MaxTotalNotionalUSD = 100

	assert.True(t, o.portfolioCheck(decimal.NewFromInt(50)))
	assert.False(t, o.portfolioCheck(decimal.NewFromInt(150)))
}

func TestOnBook_UpdatesPairAndPriceCache(t *testing.T) {
	o, _, store := newTestOrchestrator(t)
	require.NoError(t, o.addSymbol(context.Background(), "BTCUSDT"))
	o.ctx = context.Background()
	o.store = store

	tick := core.BookTick{
		Symbol: "BTCUSDT",
		Bid:    decimal.RequireFromString("100"),
		Ask:    decimal.RequireFromString("100.02"),
		BidQty: decimal.RequireFromString("5"),
		AskQty: decimal.RequireFromString("5"),
	}
	o.onBook(tick)

	p, ok := o.pairFor("BTCUSDT")
	require.True(t, ok)
	assert.True(t, p.lastBid.Equal(tick.Bid))
	assert.True(t, p.lastAsk.Equal(tick.Ask))
}

func TestExecuteSellIntent_PlacesStealthSlices(t *testing.T) {
	o, ex, _ := newTestOrchestrator(t)
	require.NoError(t, o.addSymbol(context.Background(), "BTCUSDT"))
	p, _ := o.pairFor("BTCUSDT")

	intent := core.OrderIntent{
		Kind:     core.IntentSell,
		Symbol:   "BTCUSDT",
		Qty:      decimal.RequireFromString("1.0"),
		RefPrice: decimal.RequireFromString("100"),
	}
	o.executeSellIntent(context.Background(), "BTCUSDT", p, intent)

	assert.NotEmpty(t, ex.sells)
	o.mu.RLock()
	defer o.mu.RUnlock()
	assert.NotEmpty(t, p.entrySlices)
}

func TestExecuteSellIntent_RejectedByPortfolioCapPlacesNoOrders(t *testing.T) {
	o, ex, _ := newTestOrchestrator(t)
	o.cfg.Portfolio.MaxTotalNotionalUSD = 1
	require.NoError(t, o.addSymbol(context.Background(), "BTCUSDT"))
	p, _ := o.pairFor("BTCUSDT")

	intent := core.OrderIntent{
		Kind:     core.IntentSell,
		Symbol:   "BTCUSDT",
		Qty:      decimal.RequireFromString("1.0"),
		RefPrice: decimal.RequireFromString("100"),
	}
	o.executeSellIntent(context.Background(), "BTCUSDT", p, intent)

	assert.Empty(t, ex.sells)
	assert.False(t, p.trader.HasPendingOrder())
}

func TestExecuteBuyIntent_AppliesFillToTrader(t *testing.T) {
	o, ex, _ := newTestOrchestrator(t)
	require.NoError(t, o.addSymbol(context.Background(), "BTCUSDT"))
	p, _ := o.pairFor("BTCUSDT")
	p.trader.OnSellFill(decimal.RequireFromString("100"), decimal.RequireFromString("1"), "order-1", decimal.Zero, 0, time.Now())

	ex.limitBuyFill = &core.FillResult{Qty: decimal.RequireFromString("1"), AvgPrice: decimal.RequireFromString("99"), IsMaker: true}

	intent := core.OrderIntent{
		Kind:   core.IntentBuy,
		Symbol: "BTCUSDT",
		Qty:    decimal.RequireFromString("1"),
		Bid:    decimal.RequireFromString("99"),
		Ask:    decimal.RequireFromString("99.02"),
		Reason: "tp",
	}
	o.executeBuyIntent(context.Background(), "BTCUSDT", p, intent)

	assert.True(t, p.trader.IsFlat())
}

func TestOnOrderUpdate_FilledEntrySliceCreatesLayer(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	require.NoError(t, o.addSymbol(context.Background(), "BTCUSDT"))
	p, _ := o.pairFor("BTCUSDT")

	o.mu.Lock()
	p.entrySlices["order-1"] = pendingEntry{Symbol: "BTCUSDT", LayerIdx: 0, RefPrice: decimal.RequireFromString("100"), Qty: decimal.RequireFromString("1"), Ts: time.Now()}
	o.mu.Unlock()

	fill := &core.FillResult{Qty: decimal.RequireFromString("1"), AvgPrice: decimal.RequireFromString("100")}
	o.onOrderUpdate("order-1", core.OrderStatusFilled, fill)

	assert.Len(t, p.trader.Layers(), 1)
	o.mu.RLock()
	_, stillPending := p.entrySlices["order-1"]
	o.mu.RUnlock()
	assert.False(t, stillPending)
}

func TestOnOrderUpdate_CanceledEntrySliceIsDropped(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	require.NoError(t, o.addSymbol(context.Background(), "BTCUSDT"))
	p, _ := o.pairFor("BTCUSDT")

	o.mu.Lock()
	p.entrySlices["order-1"] = pendingEntry{Symbol: "BTCUSDT", Qty: decimal.RequireFromString("1"), Ts: time.Now()}
	o.mu.Unlock()

	o.onOrderUpdate("order-1", core.OrderStatusCanceled, nil)

	o.mu.RLock()
	defer o.mu.RUnlock()
	assert.Empty(t, p.entrySlices)
}

func TestReconcileOnce_SyncsFlatTraderToZero(t *testing.T) {
	o, ex, _ := newTestOrchestrator(t)
	require.NoError(t, o.addSymbol(context.Background(), "BTCUSDT"))
	p, _ := o.pairFor("BTCUSDT")
	p.trader.OnSellFill(decimal.RequireFromString("100"), decimal.RequireFromString("1"), "order-1", decimal.Zero, 0, time.Now())
	require.False(t, p.trader.IsFlat())

	ex.positions = map[string]core.ExchangePosition{}
	o.reconcileOnce(context.Background())

	assert.True(t, p.trader.IsFlat())
}

func TestStop_DrainsOrderPoolAndClosesStore(t *testing.T) {
	o, _, store := newTestOrchestrator(t)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	require.NoError(t, o.Stop(context.Background()))
	assert.True(t, store.closed)
}

// fakeVirtualCloser records PMS close requests.
type fakeVirtualCloser struct {
	calls []struct {
		positionID string
		closePrice decimal.Decimal
		reason     string
	}
	err error
}

func (f *fakeVirtualCloser) ClosePosition(ctx context.Context, positionID string, closePrice decimal.Decimal, reason string) error {
	f.calls = append(f.calls, struct {
		positionID string
		closePrice decimal.Decimal
		reason     string
	}{positionID, closePrice, reason})
	return f.err
}

func TestExecuteBuyIntent_VirtualPositionRoutesToPMS(t *testing.T) {
	o, ex, _ := newTestOrchestrator(t)
	require.NoError(t, o.addSymbol(context.Background(), "BTCUSDT"))
	p, _ := o.pairFor("BTCUSDT")

	vc := &fakeVirtualCloser{}
	o.SetVirtualCloser(vc)
	o.RegisterVirtualPosition("BTCUSDT", "pos-42")

	intent := core.OrderIntent{
		Kind:   core.IntentBuy,
		Symbol: "BTCUSDT",
		Qty:    decimal.RequireFromString("1"),
		Bid:    decimal.RequireFromString("99"),
		Ask:    decimal.RequireFromString("99.02"),
		Reason: "tp",
	}
	o.executeBuyIntent(context.Background(), "BTCUSDT", p, intent)

	require.Len(t, vc.calls, 1)
	assert.Equal(t, "pos-42", vc.calls[0].positionID)
	assert.True(t, vc.calls[0].closePrice.Equal(intent.Bid))
	assert.Equal(t, "tp", vc.calls[0].reason)

	// No exchange order of any kind was submitted.
	assert.Empty(t, ex.sells)
	assert.False(t, p.trader.HasPendingOrder())

	// Successful close deregisters the virtual mapping.
	_, still := o.virtualPositionFor("BTCUSDT")
	assert.False(t, still)
}

func TestExecuteBuyIntent_VirtualCloseFailureKeepsMapping(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	require.NoError(t, o.addSymbol(context.Background(), "BTCUSDT"))
	p, _ := o.pairFor("BTCUSDT")

	vc := &fakeVirtualCloser{err: context.DeadlineExceeded}
	o.SetVirtualCloser(vc)
	o.RegisterVirtualPosition("BTCUSDT", "pos-42")

	o.executeBuyIntent(context.Background(), "BTCUSDT", p, core.OrderIntent{
		Kind:   core.IntentBuy,
		Symbol: "BTCUSDT",
		Qty:    decimal.RequireFromString("1"),
		Bid:    decimal.RequireFromString("99"),
		Reason: "tp",
	})

	require.Len(t, vc.calls, 1)
	id, still := o.virtualPositionFor("BTCUSDT")
	assert.True(t, still)
	assert.Equal(t, "pos-42", id)
}
