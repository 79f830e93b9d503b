package signal

import "math"

type tsQty struct {
	ts  float64
	qty float64
}

// RollingQty is a rolling sum of buy/sell qty over a trailing time
// window, used to compute trade imbalance.
type RollingQty struct {
	windowSec float64
	buys      []tsQty
	sells     []tsQty
	buySum    float64
	sellSum   float64
}

// NewRollingQty builds a tracker over the given window in seconds.
func NewRollingQty(windowSec float64) *RollingQty {
	return &RollingQty{windowSec: windowSec}
}

// Add folds in one trade at time ts (seconds).
func (r *RollingQty) Add(ts, qty float64, isSell bool) {
	if isSell {
		r.sells = append(r.sells, tsQty{ts, qty})
		r.sellSum += qty
	} else {
		r.buys = append(r.buys, tsQty{ts, qty})
		r.buySum += qty
	}
	r.evict(ts)
}

func (r *RollingQty) evict(now float64) {
	cutoff := now - r.windowSec
	i := 0
	for i < len(r.buys) && r.buys[i].ts < cutoff {
		r.buySum -= r.buys[i].qty
		i++
	}
	if i > 0 {
		r.buys = r.buys[i:]
	}
	j := 0
	for j < len(r.sells) && r.sells[j].ts < cutoff {
		r.sellSum -= r.sells[j].qty
		j++
	}
	if j > 0 {
		r.sells = r.sells[j:]
	}
	if r.buySum < 0 {
		r.buySum = 0
	}
	if r.sellSum < 0 {
		r.sellSum = 0
	}
}

// TI returns trade imbalance (buy-sell)/(buy+sell), range [-1, 1].
func (r *RollingQty) TI() float64 {
	total := r.buySum + r.sellSum
	if total < 1e-12 {
		return 0.0
	}
	return (r.buySum - r.sellSum) / total
}

// BuyRatio returns the fraction of volume that is buy-aggression.
func (r *RollingQty) BuyRatio() float64 {
	total := r.buySum + r.sellSum
	if total < 1e-12 {
		return 0.5
	}
	return r.buySum / total
}

type tsPrice struct {
	ts    float64
	price float64
}

// RollingRV computes realized volatility (stdev of log returns) over a
// trailing time window.
type RollingRV struct {
	windowSec float64
	prices    []tsPrice
}

// NewRollingRV builds a tracker over the given window in seconds.
func NewRollingRV(windowSec float64) *RollingRV {
	return &RollingRV{windowSec: windowSec}
}

// Add folds in one price observation at time ts (seconds).
func (r *RollingRV) Add(ts, price float64) {
	r.prices = append(r.prices, tsPrice{ts, price})
	cutoff := ts - r.windowSec
	i := 0
	for i < len(r.prices) && r.prices[i].ts < cutoff {
		i++
	}
	if i > 0 {
		r.prices = r.prices[i:]
	}
}

// RV returns the stdev of log returns within the window.
func (r *RollingRV) RV() float64 {
	if len(r.prices) < 3 {
		return 0.0
	}
	var logRets []float64
	for i := 1; i < len(r.prices); i++ {
		prev := r.prices[i-1].price
		cur := r.prices[i].price
		if prev > 0 {
			logRets = append(logRets, math.Log(cur/prev))
		}
	}
	if len(logRets) < 2 {
		return 0.0
	}
	mean := 0.0
	for _, v := range logRets {
		mean += v
	}
	mean /= float64(len(logRets))
	varSum := 0.0
	for _, v := range logRets {
		d := v - mean
		varSum += d * d
	}
	varSum /= float64(len(logRets))
	if varSum < 0 {
		varSum = 0
	}
	return math.Sqrt(varSum)
}
