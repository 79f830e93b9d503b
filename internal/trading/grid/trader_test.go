package grid

import (
	"testing"
	"time"

	"market_maker/internal/config"
	"market_maker/internal/core"
	"market_maker/internal/volatility"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickFrom(bid, ask decimal.Decimal) core.BookTick {
	return core.BookTick{
		Symbol: "BTCUSDT",
		Bid:    bid,
		Ask:    ask,
		BidQty: decimal.RequireFromString("10"),
		AskQty: decimal.RequireFromString("10"),
	}
}

func testConfig() Config {
	cfg := NewConfigFromApp(config.DefaultConfig())
	cfg.WarmupSec = 0
	return cfg
}

func newTestTrader(t *testing.T) *GridTrader {
	t.Helper()
	vol := volatility.NewCalibrator("BTCUSDT", nil, volatility.DefaultConfig())
	gt := New("BTCUSDT", testConfig(), nil, vol, func() {}, func(decimal.Decimal) bool { return true })
	gt.startedAt = time.Now().Add(-time.Hour)
	return gt
}

func TestGridTrader_OnBook_WarmsUpSpreadHistory(t *testing.T) {
	gt := newTestTrader(t)
	now := time.Now()
	bid := decimal.RequireFromString("100.00")
	ask := decimal.RequireFromString("100.02")
	for i := 0; i < 12; i++ {
		gt.OnBook(tickFrom(bid, ask), now.Add(time.Duration(i)*100*time.Millisecond))
	}
	gt.mu.Lock()
	defer gt.mu.Unlock()
	assert.True(t, len(gt.spreadHistory) >= 10)
}

func TestGridTrader_CheckEntry_BlockedWhenDisabled(t *testing.T) {
	gt := newTestTrader(t)
	gt.mu.Lock()
	gt.entryEnabled = false
	gt.mu.Unlock()

	now := time.Now()
	bid := decimal.RequireFromString("100.00")
	ask := decimal.RequireFromString("100.02")
	for i := 0; i < 60; i++ {
		gt.OnBook(tickFrom(bid, ask), now.Add(time.Duration(i)*100*time.Millisecond))
	}

	assert.Empty(t, gt.DrainIntents())
}

func TestGridTrader_OnSellFill_CreatesLayer(t *testing.T) {
	gt := newTestTrader(t)
	now := time.Now()
	excess := gt.OnSellFill(decimal.RequireFromString("100.0"), decimal.RequireFromString("1.0"), "order-1", decimal.RequireFromString("0.02"), 0, now)
	require.True(t, excess.IsZero())

	layers := gt.Layers()
	require.Len(t, layers, 1)
	assert.Equal(t, "order-1", layers[0].ExchangeOrderID)
	assert.True(t, layers[0].Qty.Equal(decimal.RequireFromString("1.0")))
}

func TestGridTrader_OnBuyFill_ClosesAndResetsState(t *testing.T) {
	gt := newTestTrader(t)
	now := time.Now()
	gt.OnSellFill(decimal.RequireFromString("100.0"), decimal.RequireFromString("1.0"), "order-1", decimal.RequireFromString("0.02"), 0, now)

	gt.mu.Lock()
	gt.ask = decimal.RequireFromString("99.0")
	gt.bid = decimal.RequireFromString("98.9")
	gt.mu.Unlock()

	gt.OnBuyFill(decimal.RequireFromString("99.0"), decimal.RequireFromString("1.0"), "order-2", decimal.RequireFromString("0.02"), "tp", decimal.RequireFromString("99.0"), false, 0, now.Add(time.Second))

	assert.Empty(t, gt.Layers())
	gt.mu.Lock()
	assert.False(t, gt.pendingOrder)
	assert.False(t, gt.pendingExit)
	gt.mu.Unlock()
}

func TestGridTrader_InverseTP_ActivatesAndTargetsZone(t *testing.T) {
	gt := newTestTrader(t)
	now := time.Now()
	for i := 0; i < 4; i++ {
		gt.OnSellFill(decimal.RequireFromString("100.0"), decimal.RequireFromString("1.0"), "order", decimal.RequireFromString("0.02"), i, now)
	}

	gt.mu.Lock()
	gt.activateInverseTPLocked(now)
	active := gt.inverseTP.Active
	nZones := len(gt.inverseTP.Zones)
	gt.mu.Unlock()

	assert.True(t, active)
	assert.True(t, nZones > 0)

	price, ok := gt.RestingTPPrice()
	assert.True(t, ok)
	assert.True(t, price.LessThan(decimal.RequireFromString("100.0")))
}

func TestGridTrader_RecoveryDebt_AccumulatesOnLoss(t *testing.T) {
	gt := newTestTrader(t)
	now := time.Now()
	gt.OnSellFill(decimal.RequireFromString("100.0"), decimal.RequireFromString("1.0"), "order-1", decimal.RequireFromString("0.02"), 0, now)

	gt.mu.Lock()
	gt.ask = decimal.RequireFromString("101.0")
	gt.bid = decimal.RequireFromString("100.9")
	gt.mu.Unlock()

	gt.OnBuyFill(decimal.RequireFromString("101.0"), decimal.RequireFromString("1.0"), "order-2", decimal.RequireFromString("0.02"), "stop", decimal.RequireFromString("101.0"), false, 0, now.Add(time.Second))

	gt.mu.Lock()
	defer gt.mu.Unlock()
	assert.True(t, gt.recoveryDebtUSD.IsPositive())
}

func TestDynamicEntryCooldown_WidensOnFallingKnife(t *testing.T) {
	gt := newTestTrader(t)
	gt.mu.Lock()
	defer gt.mu.Unlock()
	gt.recentClosePrices = []decimal.Decimal{
		decimal.RequireFromString("105"),
		decimal.RequireFromString("104"),
		decimal.RequireFromString("103"),
		decimal.RequireFromString("102"),
		decimal.RequireFromString("101"),
		decimal.RequireFromString("100"),
	}
	base := gt.cfg.BaseCooldownSec
	widened := gt.dynamicEntryCooldownSecLocked()
	assert.Greater(t, widened, base)
}

func TestRecoveryEntryHurdle_ZeroWithoutDebt(t *testing.T) {
	gt := newTestTrader(t)
	gt.mu.Lock()
	defer gt.mu.Unlock()
	assert.Equal(t, 0.0, gt.recoveryEntryHurdleBpsLocked(100.0))
}

func TestRecoveryEntryHurdle_CappedAtMaxPaydown(t *testing.T) {
	gt := newTestTrader(t)
	gt.mu.Lock()
	defer gt.mu.Unlock()
	gt.recoveryDebtUSD = decimal.RequireFromString("1000")
	hurdle := gt.recoveryEntryHurdleBpsLocked(10.0)
	assert.Equal(t, gt.cfg.RecoveryMaxPaydownBps, hurdle)
}

func TestGridTrader_SnapshotRestore_RoundTrip(t *testing.T) {
	gt := newTestTrader(t)
	now := time.Now()
	gt.OnSellFill(decimal.RequireFromString("100.0"), decimal.RequireFromString("1.0"), "order-1", decimal.RequireFromString("0.02"), 0, now)
	gt.OnSellFill(decimal.RequireFromString("100.5"), decimal.RequireFromString("1.0"), "order-2", decimal.RequireFromString("0.02"), 1, now.Add(time.Second))

	gt.mu.Lock()
	gt.recoveryDebtUSD = decimal.RequireFromString("12.5")
	gt.spreadHistory = []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	gt.activateInverseTPLocked(now)
	gt.mu.Unlock()

	snap := gt.Snapshot()

	restored := newTestTrader(t)
	restored.Restore(snap)

	assert.Equal(t, gt.Layers(), restored.Layers())
	assert.True(t, restored.TotalQty().Equal(gt.TotalQty()))
	assert.True(t, restored.AvgEntry().Equal(gt.AvgEntry()))

	restored.mu.Lock()
	defer restored.mu.Unlock()
	assert.True(t, restored.recoveryDebtUSD.Equal(decimal.RequireFromString("12.5")))
	assert.True(t, restored.inverseTP.Active)
	assert.Equal(t, gt.inverseTP.Zones, restored.inverseTP.Zones)
	// Market context is rebuilt live after a restart.
	assert.Empty(t, restored.spreadHistory)
	assert.True(t, restored.resumeRewarmUntil.After(time.Now()))
}

func TestGridTrader_OnSellFill_ExcessWhenOverMaxLayers(t *testing.T) {
	gt := newTestTrader(t)
	gt.cfg.MaxLayers = 1
	gt.cfg.DynamicMaxLayersEnabled = false
	now := time.Now()

	excess := gt.OnSellFill(decimal.RequireFromString("100.0"), decimal.RequireFromString("1.0"), "order-1", decimal.Zero, 0, now)
	require.True(t, excess.IsZero())

	excess = gt.OnSellFill(decimal.RequireFromString("100.5"), decimal.RequireFromString("1.0"), "order-2", decimal.Zero, 1, now)
	assert.True(t, excess.Equal(decimal.RequireFromString("1.0")))
	assert.Len(t, gt.Layers(), 1)
}
