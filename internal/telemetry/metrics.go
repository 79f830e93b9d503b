package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names.
const (
	MetricPnLRealizedTotal  = "grid_trader_pnl_realized_total"
	MetricPnLUnrealized     = "grid_trader_pnl_unrealized"
	MetricLayersActive      = "grid_trader_layers_active"
	MetricEntriesTotal      = "grid_trader_entries_total"
	MetricExitsTotal        = "grid_trader_exits_total"
	MetricRecoveryDebtUSD   = "grid_trader_recovery_debt_usd"
	MetricEdgeLCBBps        = "grid_trader_edge_lcb_bps"
	MetricPortfolioNotional = "grid_trader_portfolio_notional_usd"
	MetricCircuitBreakerOpen = "grid_trader_circuit_breaker_open"
	MetricStealthSliceCount = "grid_trader_stealth_slice_count"
	MetricLatencyExchange   = "grid_trader_latency_exchange_ms"
	MetricLatencyTickToTrade = "grid_trader_latency_tick_to_trade_ms"
)

// MetricsHolder holds initialized instruments.
type MetricsHolder struct {
	PnLRealizedTotal   metric.Float64Counter
	EntriesTotal       metric.Int64Counter
	ExitsTotal         metric.Int64Counter
	StealthSliceCount  metric.Int64Histogram
	EdgeLCBBps         metric.Float64Histogram
	LatencyExchange    metric.Float64Histogram
	LatencyTickToTrade metric.Float64Histogram

	PnLUnrealized      metric.Float64ObservableGauge
	LayersActive       metric.Int64ObservableGauge
	RecoveryDebtUSD    metric.Float64ObservableGauge
	PortfolioNotional  metric.Float64ObservableGauge
	CircuitBreakerOpen metric.Int64ObservableGauge

	mu                sync.RWMutex
	unrealizedPnLMap  map[string]float64
	layersActiveMap   map[string]int64
	recoveryDebtMap   map[string]float64
	cbOpenMap         map[string]int64
	portfolioNotional float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
			layersActiveMap:  make(map[string]int64),
			recoveryDebtMap:  make(map[string]float64),
			cbOpenMap:        make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal,
		metric.WithDescription("Cumulative realized PnL across all symbols")); err != nil {
		return err
	}
	if m.EntriesTotal, err = meter.Int64Counter(MetricEntriesTotal,
		metric.WithDescription("Total grid entry/average orders fired")); err != nil {
		return err
	}
	if m.ExitsTotal, err = meter.Int64Counter(MetricExitsTotal,
		metric.WithDescription("Total grid closes, by reason")); err != nil {
		return err
	}
	if m.StealthSliceCount, err = meter.Int64Histogram(MetricStealthSliceCount,
		metric.WithDescription("Number of slices produced by stealth order splitting")); err != nil {
		return err
	}
	if m.EdgeLCBBps, err = meter.Float64Histogram(MetricEdgeLCBBps,
		metric.WithDescription("Computed edge lower-confidence-bound at gate evaluation")); err != nil {
		return err
	}
	if m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange,
		metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.LatencyTickToTrade, err = meter.Float64Histogram(MetricLatencyTickToTrade,
		metric.WithDescription("Time from price update to order action"), metric.WithUnit("ms")); err != nil {
		return err
	}

	if m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized,
		metric.WithDescription("Current unrealized PnL"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.LayersActive, err = meter.Int64ObservableGauge(MetricLayersActive,
		metric.WithDescription("Number of active grid layers"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.layersActiveMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.RecoveryDebtUSD, err = meter.Float64ObservableGauge(MetricRecoveryDebtUSD,
		metric.WithDescription("Outstanding recovery debt per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.recoveryDebtMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen,
		metric.WithDescription("Circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.PortfolioNotional, err = meter.Float64ObservableGauge(MetricPortfolioNotional,
		metric.WithDescription("Total portfolio notional across all symbols"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.portfolioNotional)
			return nil
		})); err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) SetLayersActive(symbol string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layersActiveMap[symbol] = n
}

func (m *MetricsHolder) SetRecoveryDebt(symbol string, usd float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoveryDebtMap[symbol] = usd
}

func (m *MetricsHolder) SetCircuitBreakerOpen(symbol string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[symbol] = val
}

func (m *MetricsHolder) SetPortfolioNotional(usd float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolioNotional = usd
}
