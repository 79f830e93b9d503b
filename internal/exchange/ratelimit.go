// Package exchange wraps a core.IExchange with outbound rate limiting
// and transient-error retry. Binance-specific wire details live one
// level down in internal/exchange/binanceusdm; this wrapper is what
// the orchestrator actually holds a reference to.
package exchange

import (
	"context"
	"time"

	apperrors "market_maker/internal/apperrors"
	"market_maker/internal/core"
	"market_maker/pkg/retry"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// RateLimitedExchange decorates a core.IExchange with a token-bucket
// limiter on every outbound call and a short jittered retry on
// transient errors only (network failures, rate-limit, system-overload
// and timestamp-out-of-bounds errors).
// Submission/amendment rejections and order-not-found are intentionally
// NOT retried here; those are final, caller-handled
// outcomes, not transport failures.
type RateLimitedExchange struct {
	inner   core.IExchange
	limiter *rate.Limiter
	policy  retry.RetryPolicy
	logger  core.ILogger
}

// NewRateLimited wraps inner with a limit-per-second/burst token bucket
// (a non-positive limit or burst defaults to 25/sec, burst 30) and a
// 3-attempt jittered retry for the transient errors isTransient accepts.
func NewRateLimited(inner core.IExchange, limit float64, burst int, logger core.ILogger) *RateLimitedExchange {
	if limit <= 0 {
		limit = 25
	}
	if burst <= 0 {
		burst = 30
	}
	return &RateLimitedExchange{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
		policy:  retry.RetryPolicy{MaxAttempts: 3, InitialBackoff: 150 * time.Millisecond, MaxBackoff: 2 * time.Second},
		logger:  logger.WithField("component", "exchange_ratelimit"),
	}
}

func isTransient(err error) bool {
	switch err {
	case apperrors.ErrNetwork, apperrors.ErrRateLimitExceeded, apperrors.ErrSystemOverload, apperrors.ErrTimestampOutOfBounds:
		return true
	default:
		return false
	}
}

func (e *RateLimitedExchange) wait(ctx context.Context) error {
	return e.limiter.Wait(ctx)
}

func (e *RateLimitedExchange) GetName() string { return e.inner.GetName() }

func (e *RateLimitedExchange) GetSymbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	if err := e.wait(ctx); err != nil {
		return core.SymbolInfo{}, err
	}
	var out core.SymbolInfo
	err := retry.Do(ctx, e.policy, isTransient, func() error {
		var err error
		out, err = e.inner.GetSymbolInfo(ctx, symbol)
		return err
	})
	return out, err
}

func (e *RateLimitedExchange) FireLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (string, error) {
	if err := e.wait(ctx); err != nil {
		return "", err
	}
	var id string
	err := retry.Do(ctx, e.policy, isTransient, func() error {
		var err error
		id, err = e.inner.FireLimitSell(ctx, symbol, qty, price)
		return err
	})
	return id, err
}

func (e *RateLimitedExchange) LimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (string, *core.FillResult, error) {
	if err := e.wait(ctx); err != nil {
		return "", nil, err
	}
	var id string
	var fill *core.FillResult
	err := retry.Do(ctx, e.policy, isTransient, func() error {
		var err error
		id, fill, err = e.inner.LimitBuy(ctx, symbol, qty, price)
		return err
	})
	return id, fill, err
}

func (e *RateLimitedExchange) IOCBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (*core.FillResult, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	var fill *core.FillResult
	err := retry.Do(ctx, e.policy, isTransient, func() error {
		var err error
		fill, err = e.inner.IOCBuy(ctx, symbol, qty, price)
		return err
	})
	return fill, err
}

func (e *RateLimitedExchange) MarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (*core.FillResult, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	var fill *core.FillResult
	err := retry.Do(ctx, e.policy, isTransient, func() error {
		var err error
		fill, err = e.inner.MarketBuy(ctx, symbol, qty)
		return err
	})
	return fill, err
}

func (e *RateLimitedExchange) AmendOrder(ctx context.Context, orderID, symbol, side string, qty, price decimal.Decimal) (string, error) {
	if err := e.wait(ctx); err != nil {
		return "", err
	}
	var newID string
	err := retry.Do(ctx, e.policy, isTransient, func() error {
		var err error
		newID, err = e.inner.AmendOrder(ctx, orderID, symbol, side, qty, price)
		if err == apperrors.ErrOrderUnchanged {
			newID = orderID
			return nil
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

func (e *RateLimitedExchange) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	if err := e.wait(ctx); err != nil {
		return false, err
	}
	var ok bool
	err := retry.Do(ctx, e.policy, isTransient, func() error {
		var err error
		ok, err = e.inner.CancelOrder(ctx, orderID, symbol)
		return err
	})
	return ok, err
}

func (e *RateLimitedExchange) CancelAllSymbolOrders(ctx context.Context, symbol string) (int, error) {
	if err := e.wait(ctx); err != nil {
		return 0, err
	}
	var n int
	err := retry.Do(ctx, e.policy, isTransient, func() error {
		var err error
		n, err = e.inner.CancelAllSymbolOrders(ctx, symbol)
		return err
	})
	return n, err
}

func (e *RateLimitedExchange) CancelAllTrackedOrders(ctx context.Context) (int, error) {
	if err := e.wait(ctx); err != nil {
		return 0, err
	}
	var n int
	err := retry.Do(ctx, e.policy, isTransient, func() error {
		var err error
		n, err = e.inner.CancelAllTrackedOrders(ctx)
		return err
	})
	return n, err
}

func (e *RateLimitedExchange) GetPositions(ctx context.Context) (map[string]core.ExchangePosition, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	var out map[string]core.ExchangePosition
	err := retry.Do(ctx, e.policy, isTransient, func() error {
		var err error
		out, err = e.inner.GetPositions(ctx)
		return err
	})
	return out, err
}

func (e *RateLimitedExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	return retry.Do(ctx, e.policy, isTransient, func() error {
		return e.inner.SetLeverage(ctx, symbol, leverage)
	})
}

// StartOrderUpdateStream is passed through unwrapped: it is a
// long-lived subscription, not a request/response call the limiter or
// retry policy apply to.
func (e *RateLimitedExchange) StartOrderUpdateStream(ctx context.Context, onUpdate func(orderID string, status core.OrderStatus, fill *core.FillResult)) error {
	return e.inner.StartOrderUpdateStream(ctx, onUpdate)
}

var _ core.IExchange = (*RateLimitedExchange)(nil)
