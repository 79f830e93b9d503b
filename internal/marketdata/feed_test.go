package marketdata

import (
	"testing"

	"market_maker/internal/core"

	"github.com/shopspring/decimal"
)

func TestDispatchFrame_BookTicker(t *testing.T) {
	raw := []byte(`{"stream":"btcusdt@bookTicker","data":{"b":"50000.1","a":"50000.5","B":"1.2","A":"0.8","E":1690000000000}}`)

	var got core.BookTick
	dispatchFrame(raw, func(tick core.BookTick) { got = tick }, nil, nil)

	if got.Symbol != "BTCUSDT" {
		t.Fatalf("expected symbol BTCUSDT, got %s", got.Symbol)
	}
	if !got.Bid.Equal(decimal.RequireFromString("50000.1")) {
		t.Errorf("bid mismatch: %s", got.Bid)
	}
	if got.EventMs != 1690000000000 {
		t.Errorf("event ms mismatch: %d", got.EventMs)
	}
}

func TestDispatchFrame_AggTrade(t *testing.T) {
	raw := []byte(`{"stream":"ethusdt@aggTrade","data":{"p":"3000.5","q":"0.5","m":true,"E":1690000001000}}`)

	var got core.TradeTick
	dispatchFrame(raw, nil, func(tick core.TradeTick) { got = tick }, nil)

	if got.Symbol != "ETHUSDT" {
		t.Fatalf("expected symbol ETHUSDT, got %s", got.Symbol)
	}
	if !got.IsBuyerMaker {
		t.Errorf("expected is_buyer_maker true => sell aggressor")
	}
}

func TestDispatchFrame_MalformedIgnored(t *testing.T) {
	called := false
	dispatchFrame([]byte(`not json`), func(core.BookTick) { called = true }, nil, nil)
	if called {
		t.Fatalf("expected malformed frame to be silently ignored")
	}
}

func TestBuildStreamURL(t *testing.T) {
	url := buildStreamURL("wss://fstream.binance.com/stream", []string{"BTCUSDT", "ETHUSDT"})
	want := "wss://fstream.binance.com/stream?streams=btcusdt@bookTicker/btcusdt@aggTrade/ethusdt@bookTicker/ethusdt@aggTrade"
	if url != want {
		t.Fatalf("got %s, want %s", url, want)
	}
}
