package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"market_maker/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{})                {}
func (nopLogger) Info(msg string, fields ...interface{})                 {}
func (nopLogger) Warn(msg string, fields ...interface{})                 {}
func (nopLogger) Error(msg string, fields ...interface{})                {}
func (nopLogger) Fatal(msg string, fields ...interface{})                {}
func (l nopLogger) WithField(key string, value interface{}) core.ILogger { return l }
func (l nopLogger) WithFields(fields map[string]interface{}) core.ILogger {
	return l
}

func TestCandleClient_FetchCloses(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		w.Write([]byte(`[
			[1690000000000, "100.0", "101.0", "99.0", "100.5", "12.3"],
			[1690000060000, "100.5", "102.0", "100.0", "101.2", "9.8"],
			[1690000120000, "101.2", "101.5", "100.8", "bogus", "3.2"]
		]`))
	}))
	defer srv.Close()

	c := NewCandleClient(srv.URL, nopLogger{})
	closes, err := c.FetchCloses(context.Background(), "BTCUSDT", "1m", "6h")
	require.NoError(t, err)

	// The malformed third close is skipped, not fatal.
	require.Len(t, closes, 2)
	assert.InDelta(t, 100.5, closes[0], 1e-9)
	assert.InDelta(t, 101.2, closes[1], 1e-9)
	assert.Contains(t, gotPath, "symbol=BTCUSDT")
	assert.Contains(t, gotPath, "interval=1m")
	assert.Contains(t, gotPath, "limit=360")
}

func TestCandleLimit(t *testing.T) {
	n, err := candleLimit("1m", "6h")
	require.NoError(t, err)
	assert.Equal(t, 360, n)

	n, err = candleLimit("5m", "2d")
	require.NoError(t, err)
	assert.Equal(t, 576, n)

	// Capped at the exchange's page limit.
	n, err = candleLimit("1m", "7d")
	require.NoError(t, err)
	assert.Equal(t, 1000, n)

	_, err = candleLimit("1x", "6h")
	assert.Error(t, err)
}

func TestParseWindow(t *testing.T) {
	d, err := parseWindow("15m")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)

	d, err = parseWindow("2d")
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, d)

	_, err = parseWindow("m")
	assert.Error(t, err)
}
