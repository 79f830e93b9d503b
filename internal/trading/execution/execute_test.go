package execution

import (
	"context"
	"testing"

	"market_maker/internal/core"

	"github.com/shopspring/decimal"
)

type fakeExchange struct {
	limitBuyFill  *core.FillResult
	iocBuyFill    *core.FillResult
	marketBuyFill *core.FillResult
}

func (f *fakeExchange) GetName() string { return "fake" }
func (f *fakeExchange) GetSymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	return core.SymbolInfo{}, nil
}
func (f *fakeExchange) FireLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (string, error) {
	return "", nil
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
	return "", nil
}
func (f *fakeExchange) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	return true, nil
}
func (f *fakeExchange) CancelAllSymbolOrders(ctx context.Context, symbol string) (int, error) {
	return 0, nil
}
func (f *fakeExchange) CancelAllTrackedOrders(ctx context.Context) (int, error) { return 0, nil }
func (f *fakeExchange) GetPositions(ctx context.Context) (map[string]core.ExchangePosition, error) {
	return nil, nil
}
func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}
func (f *fakeExchange) StartOrderUpdateStream(ctx context.Context, onUpdate func(string, core.OrderStatus, *core.FillResult)) error {
	return nil
}

func TestRunBuyCloseWaterfall_MakerFillsImmediately(t *testing.T) {
	ex := &fakeExchange{
		limitBuyFill: &core.FillResult{Qty: decimal.NewFromInt(1), AvgPrice: decimal.NewFromInt(100), IsMaker: true},
	}
	res, err := RunBuyCloseWaterfall(context.Background(), ex, "BTCUSDT", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromFloat(0.01), "tp", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.FilledQty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected full maker fill, got %s", res.FilledQty)
	}
	if !res.IsMaker {
		t.Fatalf("expected maker fill flag set")
	}
}

func TestRunBuyCloseWaterfall_FallsBackToIOCThenMarket(t *testing.T) {
	ex := &fakeExchange{
		iocBuyFill:    &core.FillResult{Qty: decimal.NewFromFloat(0.4), AvgPrice: decimal.NewFromInt(100)},
		marketBuyFill: &core.FillResult{Qty: decimal.NewFromFloat(0.6), AvgPrice: decimal.NewFromInt(101)},
	}
	res, err := RunBuyCloseWaterfall(context.Background(), ex, "BTCUSDT", decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromFloat(0.01), "stop", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.FilledQty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected combined fill of 1, got %s", res.FilledQty)
	}
}

func TestSweepMarketBuy_NoOpWhenZero(t *testing.T) {
	ex := &fakeExchange{}
	fill, err := SweepMarketBuy(context.Background(), ex, "BTCUSDT", decimal.Zero)
	if err != nil || fill != nil {
		t.Fatalf("expected no-op for zero remaining, got fill=%v err=%v", fill, err)
	}
}

