// Package marketdata implements the combined bookTicker+aggTrade
// stream consumer, fanning parsed ticks out
// to per-symbol callbacks and the process-wide second-bucket flow
// aggregator.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"market_maker/internal/core"
	"market_maker/pkg/websocket"

	"github.com/shopspring/decimal"
)

// MaxSymbolsPerConnection mirrors the exchange's combined-stream cap.
const MaxSymbolsPerConnection = 100

// frame is the envelope every combined-stream message arrives in.
type frame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bookTickerPayload struct {
	B string `json:"b"`
	A string `json:"a"`
	BQ string `json:"B"`
	AQ string `json:"A"`
	E  int64  `json:"E"`
}

type aggTradePayload struct {
	P string `json:"p"`
	Q string `json:"q"`
	M bool   `json:"m"`
	E int64  `json:"E"`
}

// Feed implements core.IMarketDataFeed over the combined
// bookTicker+aggTrade WebSocket stream, splitting symbols across
// multiple underlying connections of at most MaxSymbolsPerConnection
// each.
type Feed struct {
	baseURL string
	logger  core.ILogger
	clients []*websocket.Client
}

// New constructs a Feed. baseURL is the combined-stream endpoint
// (e.g. "wss://fstream.binance.com/stream").
func New(baseURL string, logger core.ILogger) *Feed {
	return &Feed{baseURL: baseURL, logger: logger}
}

// Subscribe opens one or more underlying WebSocket connections
// covering all of symbols and dispatches parsed frames to onBook/onTrade.
func (f *Feed) Subscribe(ctx context.Context, symbols []string, onBook func(core.BookTick), onTrade func(core.TradeTick)) error {
	for start := 0; start < len(symbols); start += MaxSymbolsPerConnection {
		end := start + MaxSymbolsPerConnection
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[start:end]
		url := buildStreamURL(f.baseURL, batch)

		handler := func(raw []byte) {
			dispatchFrame(raw, onBook, onTrade, f.logger)
		}

		client := websocket.NewClient(url, handler, f.logger)
		client.Start()
		f.clients = append(f.clients, client)
	}
	return nil
}

// Close stops every underlying connection.
func (f *Feed) Close() {
	for _, c := range f.clients {
		c.Stop()
	}
}

func buildStreamURL(base string, symbols []string) string {
	parts := make([]string, 0, len(symbols)*2)
	for _, s := range symbols {
		lower := strings.ToLower(s)
		parts = append(parts, lower+"@bookTicker", lower+"@aggTrade")
	}
	return fmt.Sprintf("%s?streams=%s", base, strings.Join(parts, "/"))
}

func dispatchFrame(raw []byte, onBook func(core.BookTick), onTrade func(core.TradeTick), logger core.ILogger) {
	var fr frame
	if err := json.Unmarshal(raw, &fr); err != nil {
		if logger != nil {
			logger.Debug("marketdata: malformed frame", "error", err)
		}
		return
	}

	idx := strings.LastIndex(fr.Stream, "@")
	if idx < 0 {
		return
	}
	symbol := strings.ToUpper(fr.Stream[:idx])
	kind := fr.Stream[idx+1:]

	switch kind {
	case "bookTicker":
		var p bookTickerPayload
		if err := json.Unmarshal(fr.Data, &p); err != nil {
			return
		}
		bid, err1 := decimal.NewFromString(p.B)
		ask, err2 := decimal.NewFromString(p.A)
		bidQty, err3 := decimal.NewFromString(p.BQ)
		askQty, err4 := decimal.NewFromString(p.AQ)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return
		}
		if onBook != nil {
			onBook(core.BookTick{
				Symbol:  symbol,
				Bid:     bid,
				Ask:     ask,
				BidQty:  bidQty,
				AskQty:  askQty,
				EventMs: p.E,
			})
		}
	case "aggTrade":
		var p aggTradePayload
		if err := json.Unmarshal(fr.Data, &p); err != nil {
			return
		}
		price, err1 := decimal.NewFromString(p.P)
		qty, err2 := decimal.NewFromString(p.Q)
		if err1 != nil || err2 != nil {
			return
		}
		if onTrade != nil {
			onTrade(core.TradeTick{
				Symbol:       symbol,
				Price:        price,
				Qty:          qty,
				IsBuyerMaker: p.M,
				EventMs:      p.E,
			})
		}
	}
}
