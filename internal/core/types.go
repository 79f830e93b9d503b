// Package core holds the shared domain types and collaborator
// interfaces used across the signal, volatility, grid, and
// orchestrator layers.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalSnapshot is the immutable output of the SignalEngine for one
// symbol at one instant. It is derived on demand and never persisted.
type SignalSnapshot struct {
	TI2s       float64
	TI500ms    float64
	TI300ms    float64
	QI         float64
	MD         float64 // micro-price displacement
	RV1s       float64
	ZRet2s     float64
	ZTI2s      float64
	ZMD2s      float64
	ZNegDTI    float64
	ZNegDQI    float64
	PumpScore  float64
	ExhaustScore float64
	Ret2sBps   float64
	Ret30sBps  float64
	// Flow is keyed by window label ("1s","5s","10s","30s","60s","5m","10m"),
	// each holding trade-weight, trades/sec, notional/sec, signed
	// imbalance, and long/short ratio.
	Flow map[string]FlowWindow
	Warm bool
	Ts   time.Time
}

// FlowWindow is the multi-timeframe flow metric bundle for one window.
type FlowWindow struct {
	TradeWeight    float64
	TradesPerSec   float64
	NotionalPerSec float64
	Imbalance      float64
	LongShortRatio float64
}

// VolatilitySnapshot is the immutable output of the VolatilityCalibrator.
type VolatilitySnapshot struct {
	BaselineBps   float64
	LiveBps       float64
	BlendedBps    float64
	DriftMult     float64
	TailRatio     float64
	HeavyTail     bool
	LastRefreshTs time.Time
	Source        string
}

// GridLayer is one short entry in a grid position. Immutable once
// constructed.
type GridLayer struct {
	Price         decimal.Decimal
	Qty           decimal.Decimal
	Notional      decimal.Decimal
	EntryTs       time.Time
	LayerIdx      int
	ExchangeOrderID string
	Fee           decimal.Decimal
	EntrySignals  SignalSnapshot
}

// OrderIntentKind distinguishes Sell (open/average) from Buy (close).
type OrderIntentKind int

const (
	IntentSell OrderIntentKind = iota
	IntentBuy
)

// OrderIntent is enqueued by a GridTrader and consumed by the
// orchestrator's order loop.
type OrderIntent struct {
	Kind     OrderIntentKind
	Symbol   string
	Qty      decimal.Decimal

	// Sell fields.
	LayerIdx int
	RefPrice decimal.Decimal

	// Buy fields.
	Reason        string
	NLayers       int
	EstPnLBps     decimal.Decimal
	Bid           decimal.Decimal
	Ask           decimal.Decimal
	SignalTs      time.Time
	MinNetBps     decimal.Decimal
	PartialTP     bool
	InverseTPZone int

	EnqueuedAt time.Time
}

// StrategyEvent is a compact, bounded telemetry record describing an
// entry or close.
type StrategyEvent struct {
	Scope       string
	Symbol      string
	Action      string // "entry" | "close"
	Reason      string
	Qty         decimal.Decimal
	Price       decimal.Decimal
	PnLBps      decimal.Decimal
	PnLUSD      decimal.Decimal
	SpreadBps   float64
	VolBlended  float64
	EdgeLCBBps  float64
	RequiredEdgeBps float64
	RecoveryDebtUSD decimal.Decimal
	Signals     *SignalSnapshot
	SessionID   string
	Seq         uint64
	EventMs     int64
}

// EventID derives the event's stable identifier.
func (e StrategyEvent) EventID() string {
	return e.Scope + "|" + e.Symbol + "|" + e.Action + "|" +
		itoa64(e.EventMs) + "|" + e.SessionID + "|" + itoa64(int64(e.Seq))
}

func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// InverseTPState captures the inverse-grid partial-close state machine.
type InverseTPState struct {
	Active        bool
	Zones         []float64 // bps, FIFO-indexed
	NextZoneIdx   int
	StartTs       time.Time
	LayersAtStart int
	AvgEntryAtStart decimal.Decimal
}

// RuntimeSnapshot is the full per-symbol persisted state used to
// restore context on restart.
type RuntimeSnapshot struct {
	Symbol             string
	EntryEnabled       bool
	LastEntryTs        time.Time
	LastEntryPrice     decimal.Decimal
	CooldownUntil      time.Time
	LayerCooldownUntil time.Time
	Layers             []GridLayer
	SpreadHistory      []float64 // trimmed to last 240
	MedianSpreadBps    float64
	Vol                VolatilitySnapshot
	RecoveryDebtUSD    decimal.Decimal
	SessionRPnL        decimal.Decimal
	SessionTrades      int64
	SessionClosedNotional decimal.Decimal
	InverseTP          InverseTPState
	SavedAt            time.Time
}

// RecoverySnapshot is the smaller, separately-persisted recovery
// bookkeeping state; it survives even when the runtime snapshot is
// dropped.
type RecoverySnapshot struct {
	Symbol              string
	AdoptionTs          time.Time
	SessionRPnL         decimal.Decimal
	SessionTrades       int64
	SessionClosedNotional decimal.Decimal
	LastRecoveryAddTs   time.Time
	RecoveryAddTimestamps []time.Time // last hour
	SavedAt             time.Time
}

// SessionConfig mirrors the shared `session_config` state-store key.
type SessionConfig struct {
	MinNotional decimal.Decimal
	MaxNotional decimal.Decimal
	SizeGrowth  decimal.Decimal
	MaxLayers   int
	UpdatedTs   time.Time
}

// SymbolInfo is the exchange's rounding/precision grid for a symbol.
type SymbolInfo struct {
	MinQty         decimal.Decimal
	QtyStep        decimal.Decimal
	PriceStep      decimal.Decimal
	PricePrecision int32
	QtyPrecision   int32
	MinNotional    decimal.Decimal
}

// FillResult describes an exchange fill, partial or full.
type FillResult struct {
	OrderID   string
	Symbol    string
	Side      string // "BUY" | "SELL"
	Qty       decimal.Decimal
	AvgPrice  decimal.Decimal
	Cost      decimal.Decimal
	Fee       decimal.Decimal
	IsMaker   bool
	Timestamp time.Time
}

// OrderStatus is the terminal/non-terminal state reported by the
// exchange's user-data stream.
type OrderStatus int

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusFilled
	OrderStatusCanceled
	OrderStatusExpired
)

// ExchangePosition is one side of get_positions().
type ExchangePosition struct {
	Side         string // "LONG" | "SHORT" | "FLAT"
	Contracts    decimal.Decimal
	Notional     decimal.Decimal
	EntryPrice   decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// BookTick is the abstract market-data feed's book event.
type BookTick struct {
	Symbol  string
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	BidQty  decimal.Decimal
	AskQty  decimal.Decimal
	EventMs int64
}

// TradeTick is the abstract market-data feed's trade event.
type TradeTick struct {
	Symbol         string
	Price          decimal.Decimal
	Qty            decimal.Decimal
	IsBuyerMaker   bool // true => seller is taker => sell aggressor
	EventMs        int64
}
