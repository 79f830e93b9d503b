// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Grid        GridConfig        `yaml:"grid"`
	Signals     SignalsConfig     `yaml:"signals"`
	Exit        ExitConfig        `yaml:"exit"`
	InverseTP   InverseTPConfig   `yaml:"inverse_tp"`
	Risk        RiskConfig        `yaml:"risk"`
	Dynamics    DynamicsConfig    `yaml:"dynamics"`
	Edge        EdgeConfig        `yaml:"edge"`
	Waterfall   WaterfallConfig   `yaml:"waterfall"`
	ExitEscalation ExitEscalationConfig `yaml:"exit_escalation"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Volatility  VolatilityConfig  `yaml:"volatility"`
	Stealth     StealthConfig     `yaml:"stealth"`
	Portfolio   PortfolioConfig   `yaml:"portfolio"`
	System      SystemConfig      `yaml:"system"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	MarketData  MarketDataConfig  `yaml:"market_data"`
	StateStore  StateStoreConfig  `yaml:"state_store"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Rotation    RotationConfig    `yaml:"rotation"`
	Babysitter  BabysitterConfig  `yaml:"babysitter"`
}

// BabysitterConfig points at the position-management service that owns
// virtual positions. Empty PMSAPIURL disables virtual-close routing.
type BabysitterConfig struct {
	PMSAPIURL string `yaml:"pms_api_url"`
}

// MarketDataConfig contains the combined bookTicker+aggTrade feed's
// connection settings.
type MarketDataConfig struct {
	BaseURL string `yaml:"base_url"`
}

// StateStoreConfig selects and configures the Redis/sqlite state-store
// backend.
type StateStoreConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword Secret `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SQLitePath    string `yaml:"sqlite_path"`
}

// PersistenceConfig contains the runtime/recovery snapshot and event
// log flush cadence.
type PersistenceConfig struct {
	SnapshotIntervalSec int `yaml:"snapshot_interval_sec" validate:"min=1"`
	EventRetentionHours int `yaml:"event_retention_hours" validate:"min=1"`
	EventBatchSize      int `yaml:"event_batch_size" validate:"min=1"`
}

// RotationConfig contains the pair-rotation loop's scan cadence and
// shutdown-time exclusion lists.
type RotationConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ScanIntervalSec int     `yaml:"scan_interval_sec" validate:"min=1"`
	KeepPositions  bool     `yaml:"keep_positions"`
	Blacklist      []string `yaml:"blacklist"`
}

// AppConfig contains account/session-level settings.
type AppConfig struct {
	AccountScope string   `yaml:"account_scope" validate:"required"`
	Symbols      []string `yaml:"symbols" validate:"required,min=1"`
	DatabaseURL  string   `yaml:"database_url"` // Required when EngineType uses DBOS
	EngineType   string   `yaml:"engine_type" validate:"required,oneof=simple dbos"`
}

// ExchangeConfig contains exchange credentials and connection settings.
type ExchangeConfig struct {
	Name      string `yaml:"name" validate:"required"`
	APIKey    Secret `yaml:"api_key" validate:"required"`
	SecretKey Secret `yaml:"secret_key" validate:"required"`
	BaseURL   string `yaml:"base_url"`
	WSBaseURL string `yaml:"ws_base_url"`
	Leverage  int    `yaml:"leverage" validate:"required,min=1,max=125"`

	MakerFeeBps float64 `yaml:"maker_fee_bps" validate:"min=0"`
	TakerFeeBps float64 `yaml:"taker_fee_bps" validate:"min=0"`
}

// GridConfig contains per-symbol grid entry/averaging parameters.
type GridConfig struct {
	BaseSizeUSD         float64 `yaml:"base_size_usd" validate:"required,min=0"`
	SizeGrowth          float64 `yaml:"size_growth" validate:"required,min=1"`
	SpacingGrowth       float64 `yaml:"spacing_growth" validate:"min=1"`
	MaxLayers           int     `yaml:"max_layers" validate:"required,min=1,max=50"`
	LayerSpacingBps     float64 `yaml:"layer_spacing_bps" validate:"required,min=0"`
	SpreadGateMaxBps    float64 `yaml:"spread_gate_max_bps" validate:"required,min=0"`
	TrendSpacingScale   float64 `yaml:"trend_spacing_scale" validate:"min=0"`
	BurstGuardWindowSec int     `yaml:"burst_guard_window_sec" validate:"min=0"`
	BurstGuardMaxAdds   int     `yaml:"burst_guard_max_adds" validate:"min=0"`
	MinNotionalUSD      float64 `yaml:"min_notional_usd" validate:"min=0"`
	MaxNotionalUSD      float64 `yaml:"max_notional_usd" validate:"min=0"`
}

// SignalsConfig contains SignalEngine tuning parameters.
type SignalsConfig struct {
	EntryPumpScoreMin      float64  `yaml:"entry_pump_score_min"`
	EntryExhaustScoreMax   float64  `yaml:"entry_exhaust_score_max"`
	MinSpreadBps           float64  `yaml:"min_spread_bps" validate:"min=0"`
	MaxSpreadBps           float64  `yaml:"max_spread_bps" validate:"min=0"`
	MaxTrendBps            float64  `yaml:"max_trend_bps" validate:"min=0"`
	MaxTrend30sBps         float64  `yaml:"max_trend_30s_bps" validate:"min=0"`
	MaxBuyRatio            float64  `yaml:"max_buy_ratio" validate:"min=0,max=1"`
	WarmupSec              float64  `yaml:"warmup_sec" validate:"min=0"`
	ResumeContextRewarmSec float64  `yaml:"resume_context_rewarm_sec" validate:"min=0"`
	EMAWarmupTicks         int      `yaml:"ema_warmup_ticks" validate:"min=1"`
	ZScoreClamp            float64  `yaml:"zscore_clamp" validate:"min=0"`
	FlowWindows            []string `yaml:"flow_windows"`
}

// ExitConfig contains take-profit and stop-loss gate parameters.
type ExitConfig struct {
	TakeProfitBps      float64 `yaml:"take_profit_bps" validate:"required,min=0"`
	TPSpreadMult       float64 `yaml:"tp_spread_mult" validate:"min=0"`
	MinTPProfitBps     float64 `yaml:"min_tp_profit_bps" validate:"min=0"`
	TPDecayHalfLifeMin float64 `yaml:"tp_decay_half_life_min" validate:"min=0"`
	TPDecayFloorBps    float64 `yaml:"tp_decay_floor_bps" validate:"min=0"`
	FastTPTI           float64 `yaml:"fast_tp_ti"`
	MinFastTPBps       float64 `yaml:"min_fast_tp_bps"`
	StopLossBps        float64 `yaml:"stop_loss_bps" validate:"min=0"`
	TPMode             string  `yaml:"tp_mode" validate:"oneof=auto fast vol long_short"`
	TPVolCaptureRatio  float64 `yaml:"tp_vol_capture_ratio" validate:"min=0"`
	TPVolScaleCap      float64 `yaml:"tp_vol_scale_cap" validate:"min=0"`
}

// InverseTPConfig contains inverse-grid partial-close zone parameters.
type InverseTPConfig struct {
	Enabled   bool      `yaml:"enabled"`
	ZonesBps  []float64 `yaml:"zones_bps"`
	MinLayers int       `yaml:"min_layers" validate:"min=0"`
}

// RiskConfig contains circuit-breaker and drawdown limits.
type RiskConfig struct {
	MaxRecoveryDebtUSD        float64 `yaml:"max_recovery_debt_usd" validate:"min=0"`
	MaxDrawdownBps            float64 `yaml:"max_drawdown_bps" validate:"min=0"`
	MaxLossBps                float64 `yaml:"max_loss_bps" validate:"min=0"`
	CircuitBreakerCooldownSec int     `yaml:"circuit_breaker_cooldown_sec" validate:"min=0"`
	LossCooldownSec           float64 `yaml:"loss_cooldown_sec" validate:"min=0"`
}

// DynamicsConfig contains adaptive cooldown/layer-count tuning. All
// behavioral adaptation (dup-ratio, near-zero-close-ratio, adaptive
// gaps and layer counts) is gated on Enabled and windowed to the last
// BehaviorLookback samples.
type DynamicsConfig struct {
	Enabled                 bool    `yaml:"enabled"`
	BehaviorLookback        int     `yaml:"behavior_lookback" validate:"min=1"`
	BaseEntryCooldownSec    float64 `yaml:"base_entry_cooldown_sec" validate:"min=0"`
	BaseCooldownSec         []int   `yaml:"base_cooldown_schedule_sec"`
	StopPenaltyMult         float64 `yaml:"stop_penalty_mult" validate:"min=1"`
	FallingKnifeRetBps      float64 `yaml:"falling_knife_ret_bps"`
	DynamicMaxLayersEnabled bool    `yaml:"dynamic_max_layers_enabled"`
}

// EdgeConfig contains edge-gate (has_sufficient_edge) weights.
type EdgeConfig struct {
	MinEdgeBps         float64 `yaml:"min_edge_bps"`
	SignalSlopeBps     float64 `yaml:"signal_slope_bps" validate:"min=0"`
	ExecBufferBps      float64 `yaml:"exec_buffer_bps" validate:"min=0"`
	DefaultSlippageBps float64 `yaml:"default_slippage_bps" validate:"min=0"`
	UncertaintyZ       float64 `yaml:"uncertainty_z" validate:"min=0"`
	MinSamples         int     `yaml:"min_samples" validate:"min=1"`
}

// WaterfallConfig tunes the crash-detection entry gate: the
// drawdown-from-30s-high score (in vol units) above which entries are
// blocked, and the decay horizon applied to the age of the peak.
type WaterfallConfig struct {
	VolThreshold float64 `yaml:"vol_threshold" validate:"min=0"`
	DecaySec     float64 `yaml:"decay_sec" validate:"min=0"`
}

// ExitEscalationConfig contains the maker-then-IOC-then-market close
// sequence's pacing.
type ExitEscalationConfig struct {
	MakerWaitMs int `yaml:"maker_wait_ms" validate:"min=0"`
	IOCWaitMs   int `yaml:"ioc_wait_ms" validate:"min=0"`
}

// RecoveryConfig contains the recovery-debt ledger and the
// recovery-averaging guardrails.
type RecoveryConfig struct {
	DebtEnabled            bool    `yaml:"debt_enabled"`
	PaydownRatio           float64 `yaml:"paydown_ratio" validate:"min=0,max=1"`
	MaxPaydownBps          float64 `yaml:"max_paydown_bps" validate:"min=0"`
	AvgMinUnrealizedBps    float64 `yaml:"avg_min_unrealized_bps" validate:"min=0"`
	AvgCooldownSec         float64 `yaml:"avg_cooldown_sec" validate:"min=0"`
	AvgMinHurdleImproveBps float64 `yaml:"avg_min_hurdle_improve_bps" validate:"min=0"`
	MaxAddsPerHour         int     `yaml:"avg_max_adds_per_hour" validate:"min=0"`
	RingSize               int     `yaml:"ring_size" validate:"min=1"`
}

// VolatilityConfig contains the VolatilityCalibrator's blend, drift,
// and background-refresh settings. TFWeights/TFLookbacks are keyed by
// candle timeframe ("1m", "5m", "15m").
type VolatilityConfig struct {
	DriftEnabled    bool               `yaml:"drift_enabled"`
	RefreshSec      float64            `yaml:"refresh_sec" validate:"min=1"`
	LiveWeight      float64            `yaml:"live_weight" validate:"min=0,max=1"`
	DriftMin        float64            `yaml:"drift_min" validate:"min=0"`
	DriftMax        float64            `yaml:"drift_max" validate:"min=0"`
	TailMult        float64            `yaml:"tail_mult" validate:"min=1"`
	TailCooldownSec float64            `yaml:"tail_cooldown_sec" validate:"min=0"`
	TFWeights       map[string]float64 `yaml:"tf_weights"`
	TFLookbacks     map[string]string  `yaml:"tf_lookbacks"`
	LiveEMAAlpha    float64            `yaml:"live_ema_alpha" validate:"min=0,max=1"`
}

// StealthConfig contains order-slicing parameters.
type StealthConfig struct {
	AlwaysSplit   bool    `yaml:"always_split"`
	MaxL1Fraction float64 `yaml:"max_l1_fraction" validate:"min=0,max=1"`
	MaxTicks      int     `yaml:"max_ticks" validate:"min=0"`
	MinSlices     int     `yaml:"min_slices" validate:"min=1"`
	MaxSlices     int     `yaml:"max_slices" validate:"min=1"`
}

// PortfolioConfig contains account-wide and per-symbol notional caps.
type PortfolioConfig struct {
	MaxTotalNotionalUSD  float64 `yaml:"max_total_notional_usd" validate:"min=0"`
	MaxSymbolNotionalUSD float64 `yaml:"max_symbol_notional_usd" validate:"min=0"`
	MaxSymbolCount      int     `yaml:"max_symbol_count" validate:"min=1"`
}

// SystemConfig contains logging and lifecycle settings.
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// ConcurrencyConfig contains worker pool sizing.
type ConcurrencyConfig struct {
	OrderPoolSize     int `yaml:"order_pool_size" validate:"min=1,max=100"`
	OrderPoolBuffer   int `yaml:"order_pool_buffer" validate:"min=1,max=10000"`
	ReconcilePoolSize int `yaml:"reconcile_pool_size" validate:"min=1,max=100"`
}

// TelemetryConfig contains telemetry export settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExchangeConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateGridConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validatePortfolioConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if len(c.App.Symbols) == 0 {
		return ValidationError{
			Field:   "app.symbols",
			Message: "at least one symbol must be configured",
		}
	}
	return nil
}

func (c *Config) validateExchangeConfig() error {
	if c.Exchange.Name == "" {
		return ValidationError{Field: "exchange.name", Message: "exchange name is required"}
	}
	if c.Exchange.APIKey == "" {
		return ValidationError{Field: "exchange.api_key", Message: "API key is required"}
	}
	if c.Exchange.SecretKey == "" {
		return ValidationError{Field: "exchange.secret_key", Message: "secret key is required"}
	}
	return nil
}

func (c *Config) validateGridConfig() error {
	if c.Grid.BaseSizeUSD <= 0 {
		return ValidationError{
			Field:   "grid.base_size_usd",
			Value:   c.Grid.BaseSizeUSD,
			Message: "base size must be positive",
		}
	}
	if c.Grid.MaxLayers <= 0 {
		return ValidationError{
			Field:   "grid.max_layers",
			Value:   c.Grid.MaxLayers,
			Message: "max layers must be positive",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.MaxRecoveryDebtUSD < 0 {
		return ValidationError{
			Field:   "risk.max_recovery_debt_usd",
			Value:   c.Risk.MaxRecoveryDebtUSD,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validatePortfolioConfig() error {
	if c.Portfolio.MaxSymbolCount > 0 && len(c.App.Symbols) > c.Portfolio.MaxSymbolCount {
		return ValidationError{
			Field:   "app.symbols",
			Value:   len(c.App.Symbols),
			Message: "exceeds portfolio.max_symbol_count",
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			AccountScope: "default",
			Symbols:      []string{"BTCUSDT", "ETHUSDT"},
			EngineType:   "simple",
		},
		Exchange: ExchangeConfig{
			Name:        "binance",
			APIKey:      "test_api_key",
			SecretKey:   "test_secret_key",
			Leverage:    5,
			MakerFeeBps: 2.0,
			TakerFeeBps: 5.0,
		},
		Grid: GridConfig{
			BaseSizeUSD:       20.0,
			SizeGrowth:        1.3,
			SpacingGrowth:     1.6,
			MaxLayers:         12,
			LayerSpacingBps:   25.0,
			SpreadGateMaxBps:  8.0,
			TrendSpacingScale: 200.0,
		},
		Signals: SignalsConfig{
			EntryPumpScoreMin:      1.5,
			EntryExhaustScoreMax:   -1.0,
			MinSpreadBps:           1.6,
			MaxSpreadBps:           8.0,
			MaxTrendBps:            50.0,
			MaxTrend30sBps:         120.0,
			MaxBuyRatio:            0.85,
			WarmupSec:              30.0,
			ResumeContextRewarmSec: 30.0,
			EMAWarmupTicks:         100,
			ZScoreClamp:            4.0,
			FlowWindows:            []string{"1s", "5s", "10s", "30s", "60s", "5m", "10m"},
		},
		Exit: ExitConfig{
			TakeProfitBps:      35.0,
			TPSpreadMult:       1.8,
			MinTPProfitBps:     10.0,
			TPDecayHalfLifeMin: 20.0,
			TPDecayFloorBps:    12.0,
			FastTPTI:           0.3,
			MinFastTPBps:       -3.0,
			StopLossBps:        0.0,
			TPMode:             "auto",
			TPVolCaptureRatio:  0.5,
			TPVolScaleCap:      120.0,
		},
		InverseTP: InverseTPConfig{
			Enabled:   true,
			ZonesBps:  []float64{15, 25, 40, 60},
			MinLayers: 3,
		},
		Risk: RiskConfig{
			MaxRecoveryDebtUSD:        500.0,
			MaxDrawdownBps:            800.0,
			MaxLossBps:                250.0,
			CircuitBreakerCooldownSec: 300,
			LossCooldownSec:           8.0,
		},
		Dynamics: DynamicsConfig{
			Enabled:                 true,
			BehaviorLookback:        40,
			BaseEntryCooldownSec:    8.0,
			BaseCooldownSec:         []int{8, 30, 90, 300},
			StopPenaltyMult:         1.5,
			FallingKnifeRetBps:      -80.0,
			DynamicMaxLayersEnabled: true,
		},
		Edge: EdgeConfig{
			MinEdgeBps:         6.0,
			SignalSlopeBps:     4.0,
			ExecBufferBps:      1.5,
			DefaultSlippageBps: 2.0,
			UncertaintyZ:       1.0,
			MinSamples:         5,
		},
		Waterfall: WaterfallConfig{
			VolThreshold: 2.5,
			DecaySec:     30.0,
		},
		ExitEscalation: ExitEscalationConfig{
			MakerWaitMs: 150,
			IOCWaitMs:   800,
		},
		Recovery: RecoveryConfig{
			DebtEnabled:            true,
			PaydownRatio:           0.35,
			MaxPaydownBps:          25.0,
			AvgMinUnrealizedBps:    150.0,
			AvgCooldownSec:         60.0,
			AvgMinHurdleImproveBps: 1.0,
			MaxAddsPerHour:         6,
			RingSize:               64,
		},
		Volatility: VolatilityConfig{
			DriftEnabled:    true,
			RefreshSec:      120.0,
			LiveWeight:      0.45,
			DriftMin:        0.8,
			DriftMax:        3.0,
			TailMult:        2.2,
			TailCooldownSec: 180.0,
			TFWeights:       map[string]float64{"1m": 0.5, "5m": 0.3, "15m": 0.2},
			TFLookbacks:     map[string]string{"1m": "6h", "5m": "2d", "15m": "7d"},
			LiveEMAAlpha:    0.25,
		},
		Stealth: StealthConfig{
			AlwaysSplit:   true,
			MaxL1Fraction: 0.5,
			MaxTicks:      5,
			MinSlices:     2,
			MaxSlices:     5,
		},
		Portfolio: PortfolioConfig{
			MaxTotalNotionalUSD:  5000.0,
			MaxSymbolNotionalUSD: 1000.0,
			MaxSymbolCount:       10,
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
		Concurrency: ConcurrencyConfig{
			OrderPoolSize:     8,
			OrderPoolBuffer:   256,
			ReconcilePoolSize: 2,
		},
		MarketData: MarketDataConfig{
			BaseURL: "wss://fstream.binance.com/stream",
		},
		StateStore: StateStoreConfig{
			RedisAddr:  "127.0.0.1:6379",
			SQLitePath: "./data/state.db",
		},
		Persistence: PersistenceConfig{
			SnapshotIntervalSec: 5,
			EventRetentionHours: 72,
			EventBatchSize:      64,
		},
		Rotation: RotationConfig{
			Enabled:        false,
			ScanIntervalSec: 60,
			KeepPositions:  false,
		},
	}
}
