package execution

import (
	"context"
	"time"

	"market_maker/internal/core"

	"github.com/shopspring/decimal"
)

// BuyWaterfallResult aggregates the fill(s) obtained across the
// maker -> IOC -> market close waterfall.
type BuyWaterfallResult struct {
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Fee       decimal.Decimal
	IsMaker   bool
}

func (r *BuyWaterfallResult) accumulate(f *core.FillResult) {
	if f == nil || f.Qty.IsZero() {
		return
	}
	priorNotional := r.FilledQty.Mul(r.AvgPrice)
	newNotional := f.Qty.Mul(f.AvgPrice)
	r.FilledQty = r.FilledQty.Add(f.Qty)
	r.Fee = r.Fee.Add(f.Fee)
	if !r.FilledQty.IsZero() {
		r.AvgPrice = priorNotional.Add(newNotional).Div(r.FilledQty)
	}
	if f.IsMaker {
		r.IsMaker = true
	}
}

// RunBuyCloseWaterfall executes the maker-exit -> IOC -> market close
// sequence for a Buy intent. reason == "stop" skips the maker-exit
// attempt. makerWait is how long a resting maker close may sit before
// escalating to IOC; iocWait paces the IOC -> market step. It stops
// early once the requested quantity is filled.
func RunBuyCloseWaterfall(ctx context.Context, ex core.IExchange, symbol string, qty, bid, tickSize decimal.Decimal, reason string, makerWait, iocWait time.Duration) (*BuyWaterfallResult, error) {
	result := &BuyWaterfallResult{}

	if reason != "stop" {
		makerPrice := bid.Add(tickSize)
		orderID, fill, err := ex.LimitBuy(ctx, symbol, qty, makerPrice)
		if err == nil && fill != nil {
			result.accumulate(fill)
		}
		if err == nil && orderID != "" && fill == nil && makerWait > 0 {
			// Resting; the resting-TP/entry managers don't track maker
			// closes, so give it a brief window to fill before IOC.
			time.Sleep(makerWait)
		}
		if result.FilledQty.GreaterThanOrEqual(qty) {
			return result, nil
		}
	}

	remaining := qty.Sub(result.FilledQty)
	if remaining.IsPositive() {
		iocPrice := bid
		fill, err := ex.IOCBuy(ctx, symbol, remaining, iocPrice)
		if err != nil {
			return result, err
		}
		if fill != nil {
			result.accumulate(fill)
		}
	}
	if result.FilledQty.GreaterThanOrEqual(qty) {
		return result, nil
	}
	if iocWait > 0 {
		// Let the book settle before paying the market spread.
		time.Sleep(iocWait)
	}

	remaining = qty.Sub(result.FilledQty)
	if remaining.IsPositive() {
		fill, err := ex.MarketBuy(ctx, symbol, remaining)
		if err != nil {
			return result, err
		}
		if fill != nil {
			result.accumulate(fill)
		}
	}
	return result, nil
}

// SweepMarketBuy fills any quantity still outstanding after the
// waterfall.
func SweepMarketBuy(ctx context.Context, ex core.IExchange, symbol string, remaining decimal.Decimal) (*core.FillResult, error) {
	if remaining.IsZero() || remaining.IsNegative() {
		return nil, nil
	}
	return ex.MarketBuy(ctx, symbol, remaining)
}
