// Package volatility blends a slow multi-timeframe baseline with a
// live EMA of realized volatility, refreshing the baseline in the
// background so the tick loop never blocks on candle fetches.
package volatility

import (
	"context"
	"math"
	"sync"
	"time"

	"market_maker/internal/core"

	"golang.org/x/sync/singleflight"
)

// CandleSource fetches recent closes for a symbol/timeframe pair. An
// external collaborator; candle retrieval itself is out of core scope.
type CandleSource interface {
	FetchCloses(ctx context.Context, symbol, timeframe, lookback string) ([]float64, error)
}

// TFWeight pairs a timeframe label with its blend weight and lookback.
type TFWeight struct {
	Timeframe string
	Weight    float64
	Lookback  string
}

// Config holds the calibrator's tuning knobs. DriftEnabled off pins
// DriftMult to 1 while everything else keeps updating.
type Config struct {
	DriftEnabled bool
	TFWeights    []TFWeight
	RefreshSec   float64
	LiveWeight   float64
	DriftMin     float64
	DriftMax     float64
	TailMult     float64
	LiveEMAAlpha float64
}

// DefaultConfig is a sane multi-timeframe blend for liquid perps.
func DefaultConfig() Config {
	return Config{
		DriftEnabled: true,
		TFWeights: []TFWeight{
			{"1m", 0.5, "6h"},
			{"5m", 0.3, "2d"},
			{"15m", 0.2, "7d"},
		},
		RefreshSec:   120.0,
		LiveWeight:   0.45,
		DriftMin:     0.8,
		DriftMax:     3.0,
		TailMult:     2.2,
		LiveEMAAlpha: 0.25,
	}
}

func normalizeWeights(in []TFWeight) []TFWeight {
	total := 0.0
	for _, w := range in {
		if w.Weight > 0 {
			total += w.Weight
		}
	}
	if total <= 0 {
		return []TFWeight{{"1m", 1.0, "6h"}}
	}
	out := make([]TFWeight, 0, len(in))
	for _, w := range in {
		if w.Weight > 0 {
			out = append(out, TFWeight{w.Timeframe, w.Weight / total, w.Lookback})
		}
	}
	return out
}

// Calibrator produces a stable baseline volatility blended with live
// realized vol. Safe for concurrent use; Update is called
// from the single-threaded tick path while a background goroutine
// refreshes the baseline.
type Calibrator struct {
	symbol string
	source CandleSource
	cfg    Config

	mu             sync.Mutex
	lastRefreshTs  float64
	baselineBps    float64
	liveVolEMABps  float64
	refreshRunning bool

	group singleflight.Group
}

// NewCalibrator constructs a calibrator for one symbol. source may be
// nil, in which case the calibrator runs in "live-only" mode forever.
func NewCalibrator(symbol string, source CandleSource, cfg Config) *Calibrator {
	cfg.TFWeights = normalizeWeights(cfg.TFWeights)
	if cfg.RefreshSec < 15 {
		cfg.RefreshSec = 15
	}
	cfg.LiveWeight = clamp(cfg.LiveWeight, 0, 1)
	if cfg.DriftMin < 0.1 {
		cfg.DriftMin = 0.1
	}
	if cfg.DriftMax < cfg.DriftMin {
		cfg.DriftMax = cfg.DriftMin
	}
	if cfg.TailMult < 1.0 {
		cfg.TailMult = 1.0
	}
	cfg.LiveEMAAlpha = clamp(cfg.LiveEMAAlpha, 0.01, 1.0)

	return &Calibrator{symbol: symbol, source: source, cfg: cfg}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Update folds in a new live volatility sample (bps) and returns the
// current blended snapshot. Triggers a detached background refresh
// when the baseline is stale.
func (c *Calibrator) Update(liveVolBps float64, now time.Time) core.VolatilitySnapshot {
	nowSec := float64(now.UnixNano()) / 1e9
	lv := math.Max(liveVolBps, 0.0)

	c.mu.Lock()
	if lv > 0 {
		if c.liveVolEMABps <= 0 {
			c.liveVolEMABps = lv
		} else {
			c.liveVolEMABps += c.cfg.LiveEMAAlpha * (lv - c.liveVolEMABps)
		}
	}
	baselineBps := c.baselineBps
	liveBps := c.liveVolEMABps
	lastRefresh := c.lastRefreshTs
	needsRefresh := c.source != nil && !c.refreshRunning &&
		(c.lastRefreshTs == 0 || (nowSec-c.lastRefreshTs) >= c.cfg.RefreshSec)
	if needsRefresh {
		c.refreshRunning = true
	}
	c.mu.Unlock()

	if needsRefresh {
		go c.backgroundRefresh(nowSec)
	}

	if baselineBps <= 0 {
		baselineBps = math.Max(liveBps, 8.0)
	}
	if liveBps <= 0 {
		liveBps = baselineBps
	}

	blendedBps := (1.0-c.cfg.LiveWeight)*baselineBps + c.cfg.LiveWeight*liveBps
	driftMult := 1.0
	if c.cfg.DriftEnabled {
		driftMult = clamp(blendedBps/math.Max(baselineBps, 1e-9), c.cfg.DriftMin, c.cfg.DriftMax)
	}
	tailRatio := math.Max(liveBps, blendedBps) / math.Max(baselineBps, 1e-9)
	heavyTail := tailRatio >= c.cfg.TailMult

	source := "live_only"
	c.mu.Lock()
	hasBaseline := c.baselineBps > 0
	c.mu.Unlock()
	if c.source != nil && hasBaseline {
		source = "mtf+live"
	}

	return core.VolatilitySnapshot{
		BaselineBps:   baselineBps,
		LiveBps:       liveBps,
		BlendedBps:    blendedBps,
		DriftMult:     driftMult,
		TailRatio:     tailRatio,
		HeavyTail:     heavyTail,
		LastRefreshTs: time.Unix(int64(lastRefresh), 0),
		Source:        source,
	}
}

// backgroundRefresh fetches candle closes for each configured timeframe
// and computes a renormalized weighted-mean baseline. Deduplicated via
// singleflight so overlapping Update calls never spawn concurrent
// fetches for the same symbol.
func (c *Calibrator) backgroundRefresh(nowSec float64) {
	defer func() {
		c.mu.Lock()
		c.refreshRunning = false
		c.mu.Unlock()
	}()

	_, _, _ = c.group.Do(c.symbol, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tfVols := make(map[string]float64)
		for _, w := range c.cfg.TFWeights {
			closes, err := c.source.FetchCloses(ctx, c.symbol, w.Timeframe, w.Lookback)
			if err != nil {
				continue // logged by caller-supplied source; baseline holds
			}
			volBps := volBpsFromCloses(closes)
			if volBps > 0 {
				tfVols[w.Timeframe] = volBps
			}
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.lastRefreshTs = nowSec
		if len(tfVols) == 0 {
			return nil, nil
		}

		totalW := 0.0
		for _, w := range c.cfg.TFWeights {
			if v, ok := tfVols[w.Timeframe]; ok && v > 0 {
				totalW += w.Weight
			}
		}
		var baseline float64
		if totalW <= 0 {
			sum := 0.0
			for _, v := range tfVols {
				sum += v
			}
			baseline = sum / float64(len(tfVols))
		} else {
			for _, w := range c.cfg.TFWeights {
				if v, ok := tfVols[w.Timeframe]; ok {
					baseline += v * (w.Weight / totalW)
				}
			}
		}
		c.baselineBps = math.Max(baseline, 0.0)
		return nil, nil
	})
}

func volBpsFromCloses(closes []float64) float64 {
	if len(closes) < 2 {
		return 0.0
	}
	var logRets []float64
	for i := 1; i < len(closes); i++ {
		prev, cur := closes[i-1], closes[i]
		if prev > 0 && cur > 0 {
			logRets = append(logRets, math.Log(cur/prev))
		}
	}
	if len(logRets) < 2 {
		return 0.0
	}
	mean := 0.0
	for _, r := range logRets {
		mean += r
	}
	mean /= float64(len(logRets))
	varSum := 0.0
	for _, r := range logRets {
		d := r - mean
		varSum += d * d
	}
	varSum /= float64(len(logRets))
	return math.Max(0.0, math.Sqrt(varSum)*10000.0)
}
