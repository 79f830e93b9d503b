package signal

import "math"

// FlowWindowSpec pairs a rolling window (seconds) with its label.
type FlowWindowSpec struct {
	Sec   int
	Label string
}

// FlowWindows are the multi-timeframe aggregation windows.
var FlowWindows = []FlowWindowSpec{
	{1, "1s"},
	{5, "5s"},
	{10, "10s"},
	{30, "30s"},
	{60, "60s"},
	{300, "5m"},
	{600, "10m"},
}

type flowBucket struct {
	sec      int64
	buyQty   float64
	sellQty  float64
	trades   float64
	notional float64
}

// SecondBucketFlow is a bounded-memory, per-second flow aggregator
// serving rolling-window metrics with O(1) amortized update cost.
type SecondBucketFlow struct {
	maxWindowSec int64
	buckets      []flowBucket
}

// NewSecondBucketFlow builds an aggregator retaining at most
// maxWindowSec of per-second buckets.
func NewSecondBucketFlow(maxWindowSec int) *SecondBucketFlow {
	if maxWindowSec < 1 {
		maxWindowSec = 1
	}
	return &SecondBucketFlow{maxWindowSec: int64(maxWindowSec)}
}

// Add folds in one trade event at time ts (seconds, fractional).
func (f *SecondBucketFlow) Add(ts, qty, price float64, isSell bool) {
	sec := int64(ts)
	if sec <= 0 || qty <= 0 || price <= 0 {
		return
	}

	f.evict(sec)
	b := f.ensureBucket(sec)
	if b == nil {
		return
	}
	if isSell {
		b.sellQty += qty
	} else {
		b.buyQty += qty
	}
	b.trades++
	b.notional += qty * price
}

func (f *SecondBucketFlow) ensureBucket(sec int64) *flowBucket {
	n := len(f.buckets)
	if n == 0 {
		f.buckets = append(f.buckets, flowBucket{sec: sec})
		return &f.buckets[len(f.buckets)-1]
	}
	last := &f.buckets[n-1]
	if sec > last.sec {
		f.buckets = append(f.buckets, flowBucket{sec: sec})
		return &f.buckets[len(f.buckets)-1]
	}
	if sec == last.sec {
		return last
	}
	// Out-of-order trade: search recent buckets, else drop.
	for i := n - 1; i >= 0; i-- {
		if f.buckets[i].sec == sec {
			return &f.buckets[i]
		}
		if f.buckets[i].sec < sec {
			break
		}
	}
	return nil
}

func (f *SecondBucketFlow) evict(nowSec int64) {
	cutoff := nowSec - f.maxWindowSec - 1
	i := 0
	for i < len(f.buckets) && f.buckets[i].sec < cutoff {
		i++
	}
	if i > 0 {
		f.buckets = f.buckets[i:]
	}
}

func (f *SecondBucketFlow) windowTotals(nowSec int64, windowSec int64) (buy, sell, trades, notional float64) {
	cutoff := nowSec - windowSec + 1
	for i := len(f.buckets) - 1; i >= 0; i-- {
		b := f.buckets[i]
		if b.sec < cutoff {
			break
		}
		buy += b.buyQty
		sell += b.sellQty
		trades += b.trades
		notional += b.notional
	}
	return
}

// FlowMetrics is one window's output.
type FlowMetrics struct {
	TradeWeight    float64
	TradesPerSec   float64
	NotionalPerSec float64
	Imbalance      float64
	LongShortRatio float64
}

// Snapshot computes per-window metrics for every configured window as
// of nowTs (seconds).
func (f *SecondBucketFlow) Snapshot(nowTs float64) map[string]FlowMetrics {
	nowSec := int64(nowTs)
	f.evict(nowSec)
	out := make(map[string]FlowMetrics, len(FlowWindows))
	for _, w := range FlowWindows {
		buy, sell, trades, notional := f.windowTotals(nowSec, int64(w.Sec))
		total := buy + sell
		ti := 0.0
		if total > 1e-12 {
			ti = (buy - sell) / total
		}
		var lsr float64
		switch {
		case sell > 1e-12:
			lsr = buy / sell
		case buy > 0:
			lsr = 999.0
		default:
			lsr = 1.0
		}
		denom := math.Max(float64(w.Sec), 1.0)
		out[w.Label] = FlowMetrics{
			TradeWeight:    total,
			TradesPerSec:   trades / denom,
			NotionalPerSec: notional / denom,
			Imbalance:      ti,
			LongShortRatio: lsr,
		}
	}
	return out
}
