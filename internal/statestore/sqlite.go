package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"market_maker/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore is the degrade-gracefully fallback used when Redis is
// unavailable. Strategy logic and
// the reconciliation loop keep working off exchange truth either way;
// this only needs to durably round-trip the per-symbol snapshots.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) a WAL-mode sqlite database
// at dbPath and ensures the key-value schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite state store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite state store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	schema := `
CREATE TABLE IF NOT EXISTS kv (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL,
	expires_at INTEGER,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	scope TEXT NOT NULL,
	event_ms INTEGER NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_scope_ms ON events(scope, event_ms);
`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create state store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) putJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var expiresAt sql.NullInt64
	if ttl != 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(ttl).UnixMilli(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (k, v, expires_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		key, string(data), expiresAt, time.Now().UnixMilli())
	return err
}

func (s *SQLiteStore) getJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	var data string
	var expiresAt sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT v, expires_at FROM kv WHERE k = ?`, key)
	if err := row.Scan(&data, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	if expiresAt.Valid && expiresAt.Int64 < time.Now().UnixMilli() {
		return false, nil
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) SaveRuntimeState(ctx context.Context, scope, symbol string, snap core.RuntimeSnapshot) error {
	return s.putJSON(ctx, runtimeKey(scope, symbol), snap, 0)
}

func (s *SQLiteStore) LoadRuntimeState(ctx context.Context, scope, symbol string) (*core.RuntimeSnapshot, error) {
	var snap core.RuntimeSnapshot
	ok, err := s.getJSON(ctx, runtimeKey(scope, symbol), &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLiteStore) SaveRecoveryState(ctx context.Context, scope, symbol string, snap core.RecoverySnapshot) error {
	return s.putJSON(ctx, recoveryKey(scope, symbol), snap, 0)
}

func (s *SQLiteStore) LoadRecoveryState(ctx context.Context, scope, symbol string) (*core.RecoverySnapshot, error) {
	var snap core.RecoverySnapshot
	ok, err := s.getJSON(ctx, recoveryKey(scope, symbol), &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLiteStore) SaveSessionConfig(ctx context.Context, scope string, cfg core.SessionConfig) error {
	return s.putJSON(ctx, sessionConfigKey(scope), cfg, 0)
}

func (s *SQLiteStore) LoadSessionConfig(ctx context.Context, scope string) (*core.SessionConfig, error) {
	var cfg core.SessionConfig
	ok, err := s.getJSON(ctx, sessionConfigKey(scope), &cfg)
	if err != nil || !ok {
		return nil, err
	}
	return &cfg, nil
}

func (s *SQLiteStore) SetPrice(ctx context.Context, scope, symbol string, mark decimal.Decimal, ts time.Time, source string, ttl time.Duration) error {
	rec := priceRecord{Mark: mark.String(), TsMs: ts.UnixMilli(), Source: source}
	return s.putJSON(ctx, priceKey(scope, symbol), rec, ttl)
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, scope string, events []core.StrategyEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO events (scope, event_ms, data) VALUES (?, ?, ?)`, scope, ev.EventMs, string(data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) PruneEvents(ctx context.Context, scope string, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE scope = ? AND event_ms < ?`, scope, olderThan.UnixMilli())
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
