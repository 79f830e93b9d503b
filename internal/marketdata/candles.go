package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"market_maker/internal/core"
	phttp "market_maker/pkg/http"
)

// CandleClient fetches kline closes from the exchange's public REST
// API. It satisfies the volatility calibrator's CandleSource contract.
type CandleClient struct {
	http   *phttp.Client
	logger core.ILogger
}

// NewCandleClient builds a candle client against the futures REST host
// (the same base URL the order adapter uses).
func NewCandleClient(baseURL string, logger core.ILogger) *CandleClient {
	return &CandleClient{
		http:   phttp.NewClient(baseURL, 10*time.Second, nil),
		logger: logger.WithField("component", "candles"),
	}
}

// FetchCloses returns the close prices of the most recent candles for
// symbol at the given timeframe, covering the lookback window (e.g.
// timeframe "1m" with lookback "6h" returns up to 360 closes).
func (c *CandleClient) FetchCloses(ctx context.Context, symbol, timeframe, lookback string) ([]float64, error) {
	limit, err := candleLimit(timeframe, lookback)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/fapi/v1/klines?symbol=%s&interval=%s&limit=%d", symbol, timeframe, limit)
	body, err := c.http.Get(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("candles: fetch %s %s: %w", symbol, timeframe, err)
	}

	// Klines arrive as arrays of mixed types; the close is index 4.
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("candles: decode %s %s: %w", symbol, timeframe, err)
	}
	closes := make([]float64, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		str, ok := row[4].(string)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(str, 64)
		if err != nil || v <= 0 {
			continue
		}
		closes = append(closes, v)
	}
	return closes, nil
}

// candleLimit converts a lookback window into a candle count for the
// given timeframe, capped at the exchange's 1000-candle page limit.
func candleLimit(timeframe, lookback string) (int, error) {
	tf, err := parseWindow(timeframe)
	if err != nil {
		return 0, fmt.Errorf("candles: bad timeframe %q: %w", timeframe, err)
	}
	lb, err := parseWindow(lookback)
	if err != nil {
		return 0, fmt.Errorf("candles: bad lookback %q: %w", lookback, err)
	}
	n := int(lb / tf)
	if n < 2 {
		n = 2
	}
	if n > 1000 {
		n = 1000
	}
	return n, nil
}

// parseWindow parses durations like "1m", "6h", "2d", "7d".
func parseWindow(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("too short")
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad count %q", s)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("bad unit %q", unit)
	}
}
