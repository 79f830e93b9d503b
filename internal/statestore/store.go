package statestore

import (
	"context"
	"time"

	"market_maker/internal/core"

	"github.com/shopspring/decimal"
)

// FallbackStore implements core.IStateStore over a Redis primary with
// an on-disk sqlite secondary. Every call tries Redis first; any error
// (including Redis being unreachable) falls through to sqlite so a
// single-account runtime keeps persisting crash-safe state without an
// operator having to babysit the Redis connection.
type FallbackStore struct {
	primary   *RedisStore
	secondary *SQLiteStore
	logger    core.ILogger
}

// New opens both backing stores and wires the fallback. redisAddr ==
// "" skips Redis entirely and runs sqlite-only.
func New(ctx context.Context, redisAddr, redisPassword string, redisDB int, sqlitePath string, logger core.ILogger) (*FallbackStore, error) {
	secondary, err := NewSQLiteStore(sqlitePath)
	if err != nil {
		return nil, err
	}

	fs := &FallbackStore{secondary: secondary, logger: logger}
	if redisAddr == "" {
		return fs, nil
	}

	primary, err := NewRedisStore(ctx, redisAddr, redisPassword, redisDB, logger)
	if err != nil {
		logger.Warn("redis unavailable at startup, running sqlite-only", "addr", redisAddr, "error", err)
		return fs, nil
	}
	fs.primary = primary
	return fs, nil
}

func (s *FallbackStore) SaveRuntimeState(ctx context.Context, scope, symbol string, snap core.RuntimeSnapshot) error {
	if s.primary != nil {
		if err := s.primary.SaveRuntimeState(ctx, scope, symbol, snap); err != nil {
			s.logger.Warn("redis save runtime state failed, falling back to sqlite", "symbol", symbol, "error", err)
		} else {
			return nil
		}
	}
	return s.secondary.SaveRuntimeState(ctx, scope, symbol, snap)
}

func (s *FallbackStore) LoadRuntimeState(ctx context.Context, scope, symbol string) (*core.RuntimeSnapshot, error) {
	if s.primary != nil {
		if snap, err := s.primary.LoadRuntimeState(ctx, scope, symbol); err == nil {
			return snap, nil
		} else {
			s.logger.Warn("redis load runtime state failed, falling back to sqlite", "symbol", symbol, "error", err)
		}
	}
	return s.secondary.LoadRuntimeState(ctx, scope, symbol)
}

func (s *FallbackStore) SaveRecoveryState(ctx context.Context, scope, symbol string, snap core.RecoverySnapshot) error {
	if s.primary != nil {
		if err := s.primary.SaveRecoveryState(ctx, scope, symbol, snap); err != nil {
			s.logger.Warn("redis save recovery state failed, falling back to sqlite", "symbol", symbol, "error", err)
		} else {
			return nil
		}
	}
	return s.secondary.SaveRecoveryState(ctx, scope, symbol, snap)
}

func (s *FallbackStore) LoadRecoveryState(ctx context.Context, scope, symbol string) (*core.RecoverySnapshot, error) {
	if s.primary != nil {
		if snap, err := s.primary.LoadRecoveryState(ctx, scope, symbol); err == nil {
			return snap, nil
		} else {
			s.logger.Warn("redis load recovery state failed, falling back to sqlite", "symbol", symbol, "error", err)
		}
	}
	return s.secondary.LoadRecoveryState(ctx, scope, symbol)
}

func (s *FallbackStore) SaveSessionConfig(ctx context.Context, scope string, cfg core.SessionConfig) error {
	if s.primary != nil {
		if err := s.primary.SaveSessionConfig(ctx, scope, cfg); err != nil {
			s.logger.Warn("redis save session config failed, falling back to sqlite", "error", err)
		} else {
			return nil
		}
	}
	return s.secondary.SaveSessionConfig(ctx, scope, cfg)
}

func (s *FallbackStore) LoadSessionConfig(ctx context.Context, scope string) (*core.SessionConfig, error) {
	if s.primary != nil {
		if cfg, err := s.primary.LoadSessionConfig(ctx, scope); err == nil {
			return cfg, nil
		} else {
			s.logger.Warn("redis load session config failed, falling back to sqlite", "error", err)
		}
	}
	return s.secondary.LoadSessionConfig(ctx, scope)
}

func (s *FallbackStore) SetPrice(ctx context.Context, scope, symbol string, mark decimal.Decimal, ts time.Time, source string, ttl time.Duration) error {
	if s.primary != nil {
		if err := s.primary.SetPrice(ctx, scope, symbol, mark, ts, source, ttl); err == nil {
			return nil
		}
	}
	return s.secondary.SetPrice(ctx, scope, symbol, mark, ts, source, ttl)
}

func (s *FallbackStore) AppendEvents(ctx context.Context, scope string, events []core.StrategyEvent) error {
	if s.primary != nil {
		if err := s.primary.AppendEvents(ctx, scope, events); err != nil {
			s.logger.Warn("redis append events failed, falling back to sqlite", "error", err)
		} else {
			return nil
		}
	}
	return s.secondary.AppendEvents(ctx, scope, events)
}

func (s *FallbackStore) PruneEvents(ctx context.Context, scope string, olderThan time.Time) error {
	var err error
	if s.primary != nil {
		if rErr := s.primary.PruneEvents(ctx, scope, olderThan); rErr != nil {
			s.logger.Warn("redis prune events failed", "error", rErr)
			err = rErr
		}
	}
	if sErr := s.secondary.PruneEvents(ctx, scope, olderThan); sErr != nil {
		err = sErr
	}
	return err
}

func (s *FallbackStore) Close() error {
	if s.primary != nil {
		if err := s.primary.Close(); err != nil {
			s.logger.Warn("redis close failed", "error", err)
		}
	}
	return s.secondary.Close()
}
