// Package core defines the shared domain types and collaborator
// interfaces for the grid trading runtime.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger is the structured logging contract used throughout the
// module. Implemented by internal/logging.ZapLogger.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IExchange is the abstracted exchange-executor contract.
// Binance-specific REST/WebSocket wire details live behind an adapter;
// this interface is the only surface the grid/orchestrator layers see.
type IExchange interface {
	GetName() string
	GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)

	// FireLimitSell posts a non-blocking post-only limit sell. Returns
	// "" (no error) on rejection rather than an order id.
	FireLimitSell(ctx context.Context, symbol string, qty, price decimal.Decimal) (orderID string, err error)

	// LimitBuy posts a post-only reduce-only limit buy. May return a
	// non-nil FillResult if the submission response is already closed.
	LimitBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (orderID string, fill *FillResult, err error)
	IOCBuy(ctx context.Context, symbol string, qty, price decimal.Decimal) (*FillResult, error)
	MarketBuy(ctx context.Context, symbol string, qty decimal.Decimal) (*FillResult, error)

	// AmendOrder atomically replaces price/qty. A distinguished
	// apperrors.ErrOrderUnchanged return means the original id is
	// still alive.
	AmendOrder(ctx context.Context, orderID, symbol, side string, qty, price decimal.Decimal) (newOrderID string, err error)

	CancelOrder(ctx context.Context, orderID, symbol string) (bool, error)
	CancelAllSymbolOrders(ctx context.Context, symbol string) (int, error)
	CancelAllTrackedOrders(ctx context.Context) (int, error)

	GetPositions(ctx context.Context) (map[string]ExchangePosition, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// StartOrderUpdateStream registers the callback invoked from the
	// exchange's user-data stream for per-order terminal/non-terminal
	// updates.
	StartOrderUpdateStream(ctx context.Context, onUpdate func(orderID string, status OrderStatus, fill *FillResult)) error
}

// IMarketDataFeed is the abstracted combined bookTicker+aggTrade
// stream contract.
type IMarketDataFeed interface {
	// Subscribe opens one or more connections, each carrying up to 100
	// symbols, dispatching parsed ticks to the callbacks.
	Subscribe(ctx context.Context, symbols []string, onBook func(BookTick), onTrade func(TradeTick)) error
}

// IStateStore is the key-value + event-stream collaborator.
type IStateStore interface {
	SaveRuntimeState(ctx context.Context, scope, symbol string, snap RuntimeSnapshot) error
	LoadRuntimeState(ctx context.Context, scope, symbol string) (*RuntimeSnapshot, error)
	SaveRecoveryState(ctx context.Context, scope, symbol string, snap RecoverySnapshot) error
	LoadRecoveryState(ctx context.Context, scope, symbol string) (*RecoverySnapshot, error)
	SaveSessionConfig(ctx context.Context, scope string, cfg SessionConfig) error
	LoadSessionConfig(ctx context.Context, scope string) (*SessionConfig, error)
	SetPrice(ctx context.Context, scope, symbol string, mark decimal.Decimal, ts time.Time, source string, ttl time.Duration) error
	AppendEvents(ctx context.Context, scope string, events []StrategyEvent) error
	PruneEvents(ctx context.Context, scope string, olderThan time.Time) error
	Close() error
}

// IPortfolioCheck is the weak, non-owning capability the orchestrator
// injects into each trader's entry/averaging gates.
type IPortfolioCheck func(additionalNotional decimal.Decimal) bool

// IOrderReadySignal lets a trader notify the orchestrator's order loop
// without holding an owning reference to it.
type IOrderReadySignal func()

// IVirtualCloser closes a virtual position held by the external
// position-management service. Close intents for a symbol registered
// as virtual are routed here; no exchange order is ever submitted for
// them.
type IVirtualCloser interface {
	ClosePosition(ctx context.Context, positionID string, closePrice decimal.Decimal, reason string) error
}
