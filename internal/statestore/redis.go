package statestore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"market_maker/internal/core"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// priceRecord is the JSON shape written under price:{SYMBOL}.
type priceRecord struct {
	Mark   string `json:"mark"`
	TsMs   int64  `json:"ts_ms"`
	Source string `json:"source"`
}

// RedisStore implements core.IStateStore over a Redis connection.
type RedisStore struct {
	client *redis.Client
	logger core.ILogger
}

// NewRedisStore dials Redis and confirms connectivity with a PING.
func NewRedisStore(ctx context.Context, addr, password string, db int, logger core.ILogger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client, logger: logger}, nil
}

func (s *RedisStore) SaveRuntimeState(ctx context.Context, scope, symbol string, snap core.RuntimeSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, runtimeKey(scope, symbol), data, 0).Err()
}

func (s *RedisStore) LoadRuntimeState(ctx context.Context, scope, symbol string) (*core.RuntimeSnapshot, error) {
	data, err := s.client.Get(ctx, runtimeKey(scope, symbol)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap core.RuntimeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *RedisStore) SaveRecoveryState(ctx context.Context, scope, symbol string, snap core.RecoverySnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, recoveryKey(scope, symbol), data, 0).Err()
}

func (s *RedisStore) LoadRecoveryState(ctx context.Context, scope, symbol string) (*core.RecoverySnapshot, error) {
	data, err := s.client.Get(ctx, recoveryKey(scope, symbol)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap core.RecoverySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *RedisStore) SaveSessionConfig(ctx context.Context, scope string, cfg core.SessionConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionConfigKey(scope), data, 0).Err()
}

func (s *RedisStore) LoadSessionConfig(ctx context.Context, scope string) (*core.SessionConfig, error) {
	data, err := s.client.Get(ctx, sessionConfigKey(scope)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg core.SessionConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *RedisStore) SetPrice(ctx context.Context, scope, symbol string, mark decimal.Decimal, ts time.Time, source string, ttl time.Duration) error {
	rec := priceRecord{Mark: mark.String(), TsMs: ts.UnixMilli(), Source: source}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, priceKey(scope, symbol), data, ttl).Err()
}

func (s *RedisStore) AppendEvents(ctx context.Context, scope string, events []core.StrategyEvent) error {
	if len(events) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		pipe.ZAdd(ctx, eventsKey(scope), redis.Z{Score: float64(ev.EventMs), Member: data})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) PruneEvents(ctx context.Context, scope string, olderThan time.Time) error {
	return s.client.ZRemRangeByScore(ctx, eventsKey(scope), "-inf", strconv.FormatInt(olderThan.UnixMilli(), 10)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
