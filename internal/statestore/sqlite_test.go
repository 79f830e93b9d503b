package statestore

import (
	"context"
	"testing"
	"time"

	"market_maker/internal/core"

	"github.com/shopspring/decimal"
)

func TestSQLiteStore_RuntimeStateRoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	snap := core.RuntimeSnapshot{
		Symbol:          "BTCUSDT",
		EntryEnabled:    true,
		RecoveryDebtUSD: decimal.NewFromFloat(12.5),
		MedianSpreadBps: 7.3,
		SavedAt:         time.Now(),
	}
	if err := store.SaveRuntimeState(ctx, "acct1", "BTCUSDT", snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LoadRuntimeState(ctx, "acct1", "BTCUSDT")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || got.Symbol != "BTCUSDT" || !got.RecoveryDebtUSD.Equal(decimal.NewFromFloat(12.5)) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestSQLiteStore_LoadMissingReturnsNil(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	got, err := store.LoadRuntimeState(context.Background(), "acct1", "NOSYMBOL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing key, got %+v", got)
	}
}

func TestSQLiteStore_PriceTTLExpiry(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.SetPrice(ctx, "acct1", "BTCUSDT", decimal.NewFromInt(50000), time.Now(), "trade", -time.Second); err != nil {
		t.Fatalf("set price: %v", err)
	}
	var rec priceRecord
	ok, err := store.getJSON(ctx, priceKey("acct1", "BTCUSDT"), &rec)
	if err != nil {
		t.Fatalf("getJSON: %v", err)
	}
	if ok {
		t.Fatalf("expected already-expired price to be treated as absent")
	}
}

func TestSQLiteStore_PruneEvents(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	old := core.StrategyEvent{Scope: "grid", Symbol: "BTCUSDT", EventMs: time.Now().Add(-48 * time.Hour).UnixMilli()}
	recent := core.StrategyEvent{Scope: "grid", Symbol: "BTCUSDT", EventMs: time.Now().UnixMilli()}
	if err := store.AppendEvents(ctx, "acct1", []core.StrategyEvent{old, recent}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.PruneEvents(ctx, "acct1", time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	var count int
	row := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE scope = ?`, "acct1")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 event to survive prune, got %d", count)
	}
}
