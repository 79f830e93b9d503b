package volatility

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCandleSource struct {
	closes map[string][]float64
	err    error
}

func (f *fakeCandleSource) FetchCloses(ctx context.Context, symbol, timeframe, lookback string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.closes[timeframe], nil
}

func TestUpdate_LiveOnlyUsesFloorBaseline(t *testing.T) {
	c := NewCalibrator("BTCUSDT", nil, DefaultConfig())

	snap := c.Update(20.0, time.Now())
	assert.Equal(t, "live_only", snap.Source)
	// No baseline yet: substituted with max(live, 8).
	assert.InDelta(t, 20.0, snap.BaselineBps, 1e-9)
	assert.InDelta(t, 20.0, snap.BlendedBps, 1e-9)
	assert.InDelta(t, 1.0, snap.DriftMult, 1e-9)
	assert.False(t, snap.HeavyTail)
}

func TestUpdate_FloorAppliesWhenLiveIsTiny(t *testing.T) {
	c := NewCalibrator("BTCUSDT", nil, DefaultConfig())
	snap := c.Update(2.0, time.Now())
	assert.InDelta(t, 8.0, snap.BaselineBps, 1e-9)
}

func TestUpdate_DriftMultIsClamped(t *testing.T) {
	cfg := DefaultConfig()
	c := NewCalibrator("BTCUSDT", nil, cfg)
	c.baselineBps = 10.0

	// Live vol far above baseline: drift clamps at DriftMax and the
	// tail ratio flags a heavy-tail regime.
	var snap = c.Update(500.0, time.Now())
	for i := 0; i < 50; i++ {
		snap = c.Update(500.0, time.Now())
	}
	assert.InDelta(t, cfg.DriftMax, snap.DriftMult, 1e-9)
	assert.True(t, snap.HeavyTail)
	assert.GreaterOrEqual(t, snap.TailRatio, cfg.TailMult)

	// Live vol collapsing toward zero clamps at DriftMin.
	c2 := NewCalibrator("BTCUSDT", nil, cfg)
	c2.baselineBps = 100.0
	c2.liveVolEMABps = 0.1
	snap = c2.Update(0.1, time.Now())
	assert.InDelta(t, cfg.DriftMin, snap.DriftMult, 1e-9)
}

func TestUpdate_LiveEMASmoothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LiveEMAAlpha = 0.5
	c := NewCalibrator("BTCUSDT", nil, cfg)

	c.Update(10.0, time.Now())
	snap := c.Update(20.0, time.Now())
	// EMA: 10 + 0.5*(20-10) = 15.
	assert.InDelta(t, 15.0, snap.LiveBps, 1e-9)
}

func TestBackgroundRefresh_BuildsWeightedBaseline(t *testing.T) {
	cfg := DefaultConfig()
	src := &fakeCandleSource{closes: map[string][]float64{
		"1m":  {100, 101, 100, 101, 100, 101, 100, 101},
		"5m":  {100, 102, 100, 102, 100, 102, 100, 102},
		"15m": {100, 103, 100, 103, 100, 103, 100, 103},
	}}
	c := NewCalibrator("BTCUSDT", src, cfg)

	c.Update(10.0, time.Now())
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.baselineBps > 0
	}, 2*time.Second, 10*time.Millisecond)

	snap := c.Update(10.0, time.Now())
	assert.Equal(t, "mtf+live", snap.Source)
	assert.Greater(t, snap.BaselineBps, 0.0)
}

func TestBackgroundRefresh_FailureHoldsBaseline(t *testing.T) {
	src := &fakeCandleSource{err: context.DeadlineExceeded}
	c := NewCalibrator("BTCUSDT", src, DefaultConfig())

	c.Update(12.0, time.Now())
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.refreshRunning
	}, 2*time.Second, 10*time.Millisecond)

	snap := c.Update(12.0, time.Now())
	assert.Equal(t, "live_only", snap.Source)
	assert.InDelta(t, 12.0, snap.BaselineBps, 1e-9)
}

func TestNormalizeWeights_DropsNonPositiveAndRenormalizes(t *testing.T) {
	out := normalizeWeights([]TFWeight{
		{"1m", 0.5, "6h"},
		{"5m", 0.0, "2d"},
		{"15m", 0.5, "7d"},
	})
	require.Len(t, out, 2)
	assert.InDelta(t, 0.5, out[0].Weight, 1e-12)
	assert.InDelta(t, 0.5, out[1].Weight, 1e-12)
}
