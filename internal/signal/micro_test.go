package signal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// warmEngine feeds enough trades and book updates that IsWarm holds,
// with a flat mid around base and the given final spread in absolute
// price terms.
func warmEngine(t *testing.T, base, finalSpread float64) *MicroSignals {
	t.Helper()
	m := NewMicroSignals()
	ts := 1000.0
	for i := 0; i < 30; i++ {
		m.OnTrade(base, 1.0, i%2 == 0, ts)
		ts += 0.05
	}
	for i := 0; i < 60; i++ {
		m.OnBook(base-0.5, base+0.5, 5, 5, ts)
		ts += 0.05
	}
	m.OnBook(base-finalSpread/2, base+finalSpread/2, 5, 5, ts)
	require.True(t, m.IsWarm())
	return m
}

func TestEMAZScore_WarmupReturnsZero(t *testing.T) {
	z := NewEMAZScore(5.0, 0.1, 5.0)
	for i := 0; i < 5; i++ {
		assert.Zero(t, z.Update(float64(i)*3.0))
	}
	assert.NotZero(t, z.Update(100.0))
}

func TestEMAZScore_ClampIsSymmetric(t *testing.T) {
	z := NewEMAZScore(5.0, 0.1, 5.0)
	for i := 0; i < 50; i++ {
		z.Update(1.0)
	}
	assert.LessOrEqual(t, z.Update(1e9), 5.0)
	assert.GreaterOrEqual(t, z.Update(-1e9), -5.0)
}

func TestSecondBucketFlow_LongShortRatioSentinels(t *testing.T) {
	f := NewSecondBucketFlow(600)

	// Empty window: both sides zero.
	snap := f.Snapshot(1000.0)
	assert.Equal(t, 1.0, snap["1s"].LongShortRatio)

	// Buys only.
	f.Add(1000.0, 2.0, 100.0, false)
	snap = f.Snapshot(1000.0)
	assert.Equal(t, 999.0, snap["1s"].LongShortRatio)
	assert.Equal(t, 1.0, snap["1s"].Imbalance)

	// Both sides present.
	f.Add(1000.2, 1.0, 100.0, true)
	snap = f.Snapshot(1000.0)
	assert.InDelta(t, 2.0, snap["1s"].LongShortRatio, 1e-12)
	assert.InDelta(t, 1.0/3.0, snap["1s"].Imbalance, 1e-12)
}

func TestSecondBucketFlow_WindowsExcludeOldTrades(t *testing.T) {
	f := NewSecondBucketFlow(600)
	f.Add(1000.0, 5.0, 100.0, true)
	f.Add(1059.0, 1.0, 100.0, false)

	snap := f.Snapshot(1059.0)
	assert.InDelta(t, 1.0, snap["1s"].TradeWeight, 1e-12)
	assert.InDelta(t, 6.0, snap["60s"].TradeWeight, 1e-12)
}

func TestMicroSignals_EntryBlockedWhenCold(t *testing.T) {
	m := NewMicroSignals()
	m.OnBook(99.5, 100.5, 5, 5, 1000.0)
	sig := m.EntrySignal(EntryParams{MinSpread: 0, MaxSpread: 1000, PumpThresh: -10, ExhaustThresh: -10, MaxTrendBps: 1000, MaxBuyRatio: 1.0})
	assert.False(t, sig.ShouldEnter)
}

func TestMicroSignals_EntrySpreadBounds(t *testing.T) {
	params := EntryParams{
		PumpThresh:    -100,
		ExhaustThresh: -100,
		MinSpread:     5,
		MaxSpread:     60,
		MaxTrendBps:   1000,
		MaxBuyRatio:   1.0,
	}

	// Spread of 1 bp on a 10000 mid: below the 5 bp floor.
	narrow := warmEngine(t, 10000.0, 1.0)
	assert.False(t, narrow.EntrySignal(params).ShouldEnter)

	// 100 bp: above the 60 bp ceiling.
	wide := warmEngine(t, 10000.0, 100.0)
	assert.False(t, wide.EntrySignal(params).ShouldEnter)

	// 10 bp: inside the band; every other gate is disarmed.
	ok := warmEngine(t, 10000.0, 10.0)
	assert.True(t, ok.EntrySignal(params).ShouldEnter)
}

func TestMicroSignals_ExitTPRequiresProfitFloor(t *testing.T) {
	m := NewMicroSignals()
	// Entry at 50035; book now 49965/49990: -9 bp, under the 10 bp floor.
	m.OnBook(49965, 49990, 5, 5, 1000.0)
	p := ExitParams{TPSpreadMult: 1.2, MinTPProfitBps: 10, FastTPTI: -10, MinFastTPBps: -5}
	sig := m.ExitSignal(50035, p)
	assert.False(t, sig.ShouldExit)

	// Book moves to 49955/49980: about -11 bp, past the floor.
	m.OnBook(49955, 49980, 5, 5, 1000.5)
	sig = m.ExitSignal(50035, p)
	require.True(t, sig.ShouldExit)
	assert.Equal(t, "tp", sig.Reason)
}

func TestMicroSignals_FastTPOnSellPressure(t *testing.T) {
	m := NewMicroSignals()
	// Heavy sell aggression inside the 500 ms window.
	for i := 0; i < 10; i++ {
		m.OnTrade(100.0, 2.0, true, 1000.0+float64(i)*0.04)
	}
	m.OnBook(99.94, 99.96, 5, 5, 1000.5)

	// Entry at 100.0; ask 99.96 is -4 bp, at the fast-TP floor.
	sig := m.ExitSignal(100.0, ExitParams{TPSpreadMult: 10, MinTPProfitBps: 1000, FastTPTI: -0.5, MinFastTPBps: -3})
	require.True(t, sig.ShouldExit)
	assert.Equal(t, "fast_tp", sig.Reason)
	assert.True(t, sig.FastTP)
}

func TestMicroSignals_ZScoresStayWithinClamp(t *testing.T) {
	m := NewMicroSignals()
	ts := 1000.0
	for i := 0; i < 500; i++ {
		price := 100.0 + 50.0*math.Sin(float64(i)/3.0)
		m.OnTrade(price, 1.0+float64(i%7), i%3 == 0, ts)
		m.OnBook(price-0.01, price+0.01, 1+float64(i%5), 1+float64((i+2)%5), ts)
		ts += 0.1
	}
	for _, z := range []float64{m.ZRet2s, m.ZTI2s, m.ZMD2s, m.ZNegDTI, m.ZNegDQI} {
		assert.LessOrEqual(t, math.Abs(z), 5.0)
	}
}

func TestMicroSignals_SnapshotCarriesAllFlowWindows(t *testing.T) {
	m := warmEngine(t, 100.0, 0.02)
	snap := m.FlowSnapshot(0)
	for _, w := range FlowWindows {
		_, ok := snap[w.Label]
		assert.True(t, ok, w.Label)
	}
}
