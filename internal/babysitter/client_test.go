package babysitter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"market_maker/internal/core"

	"github.com/shopspring/decimal"
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

func TestClosePosition_PostsExpectedBody(t *testing.T) {
	var got closeRequest
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(closeResponse{Success: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nopLogger{})
	err := c.ClosePosition(context.Background(), "pos-7", decimal.RequireFromString("0.12331"), "tp")
	require.NoError(t, err)

	assert.Equal(t, "/babysitter/close-position", gotPath)
	assert.Equal(t, "pos-7", got.PositionID)
	assert.Equal(t, "0.12331", got.ClosePrice)
	assert.Equal(t, "tp", got.Reason)
}

func TestClosePosition_RejectionIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(closeResponse{Success: false, Error: "position not found"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nopLogger{})
	err := c.ClosePosition(context.Background(), "pos-7", decimal.RequireFromString("1"), "tp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "position not found")
}
