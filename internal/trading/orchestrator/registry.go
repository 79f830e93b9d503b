package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// RegistryEntry is one row of the durable symbol registry.
type RegistryEntry struct {
	Symbol  string    `json:"symbol"`
	Status  string    `json:"status"`
	AddedAt time.Time `json:"added_at"`
}

// OrchestratorWorkflows wraps the symbol registry in DBOS durable steps
// so add/remove survives a crash mid-transition.
type OrchestratorWorkflows struct {
	orch *Orchestrator
	db   *sql.DB
}

func NewOrchestratorWorkflows(orch *Orchestrator, db *sql.DB) *OrchestratorWorkflows {
	return &OrchestratorWorkflows{orch: orch, db: db}
}

// AddTradingPair durably records a new symbol in the registry, then
// starts a GridTrader for it.
func (w *OrchestratorWorkflows) AddTradingPair(ctx dbos.DBOSContext, input any) (any, error) {
	entry := input.(RegistryEntry)

	_, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		_, err := w.db.Exec(`
				INSERT INTO symbol_registry (symbol, status, added_at)
				VALUES (?, ?, ?)
				ON CONFLICT (symbol) DO UPDATE SET status = excluded.status`,
			entry.Symbol, entry.Status, entry.AddedAt)
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("update registry: %w", err)
	}

	_, err = ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return nil, w.orch.addSymbol(ctx, entry.Symbol)
	})
	return nil, err
}

// RemoveTradingPair durably drops a symbol from the registry and tears
// down its GridTrader once flat.
func (w *OrchestratorWorkflows) RemoveTradingPair(ctx dbos.DBOSContext, input any) (any, error) {
	symbol := input.(string)

	_, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		_, err := w.db.Exec("DELETE FROM symbol_registry WHERE symbol = ?", symbol)
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("remove from registry: %w", err)
	}

	_, err = ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		w.orch.removeSymbol(symbol)
		return nil, nil
	})
	return nil, err
}

// Recover replays the registry into live GridTraders after a restart.
func (w *OrchestratorWorkflows) Recover(ctx dbos.DBOSContext) (any, error) {
	entries, err := w.GetActiveSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("get active symbols: %w", err)
	}

	for _, entry := range entries {
		current := entry
		_, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
			return nil, w.orch.addSymbol(ctx, current.Symbol)
		})
		if err != nil {
			return nil, fmt.Errorf("recover symbol %s: %w", current.Symbol, err)
		}
	}
	return nil, nil
}

// GetActiveSymbols retrieves every ACTIVE row from the registry.
func (w *OrchestratorWorkflows) GetActiveSymbols(ctx dbos.DBOSContext) ([]RegistryEntry, error) {
	res, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		rows, err := w.db.Query("SELECT symbol, status, added_at FROM symbol_registry WHERE status = 'ACTIVE'")
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var entries []RegistryEntry
		for rows.Next() {
			var e RegistryEntry
			if err := rows.Scan(&e.Symbol, &e.Status, &e.AddedAt); err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]RegistryEntry), nil
}

func (w *OrchestratorWorkflows) InitializeSchema(ctx dbos.DBOSContext) error {
	_, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		_, err := w.db.Exec(`
				CREATE TABLE IF NOT EXISTS symbol_registry (
					symbol VARCHAR(50) PRIMARY KEY,
					status VARCHAR(20) NOT NULL,
					added_at TIMESTAMP NOT NULL
				);`)
		return nil, err
	})
	return err
}
