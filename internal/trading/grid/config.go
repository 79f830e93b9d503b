// Package grid implements the per-symbol GridTrader state machine: an
// event-driven short-grid strategy with inverse-TP partial closes,
// adaptive dynamics, and lower-confidence-bound edge gating.
package grid

import "market_maker/internal/config"

// Config is the flattened set of tunables a GridTrader needs, derived
// from the application config once at startup.
type Config struct {
	BaseSizeUSD       float64
	SizeGrowth        float64
	SpacingGrowth     float64
	MaxLayers         int
	LayerSpacingBps   float64
	SpreadGateMaxBps  float64
	MinNotionalUSD    float64
	MaxNotionalUSD    float64
	SymbolNotionalCap float64

	WarmupSec         float64
	BaseCooldownSec   float64
	TrendSpacingScale float64
	ResumeRewarmSec   float64

	MinSpreadBps   float64
	MaxSpreadBps   float64
	MaxTrendBps    float64
	MaxTrend30sBps float64
	MaxBuyRatio    float64

	TakeProfitBps  float64
	MinTPProfitBps float64
	FastTPTI      float64
	MinFastTPBps  float64
	StopLossBps   float64
	TPMode        string

	InverseTPEnabled    bool
	InverseTPZonesBps   []float64
	InverseTPMinLayers  int
	InverseTPMaxZones   int
	InverseTPTimeCapSec float64

	MaxRecoveryDebtUSD        float64
	MaxLossBps                float64
	CircuitBreakerCooldownSec float64

	DynamicBehaviorEnabled  bool
	BehaviorLookback        int
	BaseCooldownSchedule    []float64
	StopPenaltyMult         float64
	FallingKnifeRetBps      float64
	DynamicMaxLayersEnabled bool

	MinEdgeBps             float64
	EdgeSignalSlopeBps     float64
	EdgeUncertaintyZ       float64
	EdgeMinSamples         int
	ExecBufferBps          float64
	DefaultExitSlippageBps float64
	FeeMakerBps            float64
	FeeTakerBps            float64

	RecoveryDebtEnabled            bool
	RecoveryPaydownRatio           float64
	RecoveryMaxPaydownBps          float64
	RecoveryAvgMinUnrealizedBps    float64
	RecoveryAvgCooldownSec         float64
	RecoveryAvgMaxAddsPerHour      int
	RecoveryAvgMinHurdleImproveBps float64
	RecoveryDebtCapUSD             float64

	TPSpreadMult       float64
	TPVolCaptureRatio  float64
	TPVolScaleCap      float64
	TPDecayFloorBps    float64
	TPDecayHalfLifeMin float64

	EntryPumpScoreMin    float64
	EntryExhaustScoreMax float64

	WaterfallVolThreshold float64
	WaterfallDecaySec     float64

	VolTailCooldownSec float64

	BurstGuardWindowSec int
	BurstGuardMaxAdds   int
}

// NewConfigFromApp derives a GridTrader config from the application's
// top-level config.
func NewConfigFromApp(c *config.Config) Config {
	zones := c.InverseTP.ZonesBps
	if len(zones) == 0 {
		zones = []float64{15, 25, 40, 60}
	}
	schedule := make([]float64, 0, len(c.Dynamics.BaseCooldownSec))
	for _, s := range c.Dynamics.BaseCooldownSec {
		schedule = append(schedule, float64(s))
	}
	if len(schedule) == 0 {
		schedule = []float64{8, 30, 90, 300}
	}
	spacingGrowth := c.Grid.SpacingGrowth
	if spacingGrowth < 1 {
		spacingGrowth = 1.6
	}
	tpMode := c.Exit.TPMode
	if tpMode == "" {
		tpMode = "auto"
	}

	return Config{
		BaseSizeUSD:       c.Grid.BaseSizeUSD,
		SizeGrowth:        c.Grid.SizeGrowth,
		SpacingGrowth:     spacingGrowth,
		MaxLayers:         c.Grid.MaxLayers,
		LayerSpacingBps:   c.Grid.LayerSpacingBps,
		SpreadGateMaxBps:  c.Grid.SpreadGateMaxBps,
		MinNotionalUSD:    c.Grid.MinNotionalUSD,
		MaxNotionalUSD:    c.Grid.MaxNotionalUSD,
		SymbolNotionalCap: c.Portfolio.MaxSymbolNotionalUSD,

		WarmupSec:         c.Signals.WarmupSec,
		BaseCooldownSec:   c.Dynamics.BaseEntryCooldownSec,
		TrendSpacingScale: c.Grid.TrendSpacingScale,
		ResumeRewarmSec:   c.Signals.ResumeContextRewarmSec,

		MinSpreadBps:   c.Signals.MinSpreadBps,
		MaxSpreadBps:   c.Signals.MaxSpreadBps,
		MaxTrendBps:    c.Signals.MaxTrendBps,
		MaxTrend30sBps: c.Signals.MaxTrend30sBps,
		MaxBuyRatio:    c.Signals.MaxBuyRatio,

		TakeProfitBps:  c.Exit.TakeProfitBps,
		MinTPProfitBps: c.Exit.MinTPProfitBps,
		FastTPTI:      c.Exit.FastTPTI,
		MinFastTPBps:  c.Exit.MinFastTPBps,
		StopLossBps:   c.Exit.StopLossBps,
		TPMode:        tpMode,

		InverseTPEnabled:    c.InverseTP.Enabled,
		InverseTPZonesBps:   zones,
		InverseTPMinLayers:  c.InverseTP.MinLayers,
		InverseTPMaxZones:   len(zones),
		InverseTPTimeCapSec: 900.0,

		MaxRecoveryDebtUSD:        c.Risk.MaxRecoveryDebtUSD,
		MaxLossBps:                c.Risk.MaxLossBps,
		CircuitBreakerCooldownSec: float64(c.Risk.CircuitBreakerCooldownSec),

		DynamicBehaviorEnabled:  c.Dynamics.Enabled,
		BehaviorLookback:        c.Dynamics.BehaviorLookback,
		BaseCooldownSchedule:    schedule,
		StopPenaltyMult:         c.Dynamics.StopPenaltyMult,
		FallingKnifeRetBps:      c.Dynamics.FallingKnifeRetBps,
		DynamicMaxLayersEnabled: c.Dynamics.DynamicMaxLayersEnabled,

		MinEdgeBps:             c.Edge.MinEdgeBps,
		EdgeSignalSlopeBps:     c.Edge.SignalSlopeBps,
		EdgeUncertaintyZ:       c.Edge.UncertaintyZ,
		EdgeMinSamples:         c.Edge.MinSamples,
		ExecBufferBps:          c.Edge.ExecBufferBps,
		DefaultExitSlippageBps: c.Edge.DefaultSlippageBps,
		FeeMakerBps:            c.Exchange.MakerFeeBps,
		FeeTakerBps:            c.Exchange.TakerFeeBps,

		RecoveryDebtEnabled:            c.Recovery.DebtEnabled,
		RecoveryPaydownRatio:           c.Recovery.PaydownRatio,
		RecoveryMaxPaydownBps:          c.Recovery.MaxPaydownBps,
		RecoveryAvgMinUnrealizedBps:    c.Recovery.AvgMinUnrealizedBps,
		RecoveryAvgCooldownSec:         c.Recovery.AvgCooldownSec,
		RecoveryAvgMaxAddsPerHour:      c.Recovery.MaxAddsPerHour,
		RecoveryAvgMinHurdleImproveBps: c.Recovery.AvgMinHurdleImproveBps,
		RecoveryDebtCapUSD:             c.Risk.MaxRecoveryDebtUSD,

		TPSpreadMult:       c.Exit.TPSpreadMult,
		TPVolCaptureRatio:  c.Exit.TPVolCaptureRatio,
		TPVolScaleCap:      c.Exit.TPVolScaleCap,
		TPDecayFloorBps:    c.Exit.TPDecayFloorBps,
		TPDecayHalfLifeMin: c.Exit.TPDecayHalfLifeMin,

		EntryPumpScoreMin:    c.Signals.EntryPumpScoreMin,
		EntryExhaustScoreMax: c.Signals.EntryExhaustScoreMax,

		WaterfallVolThreshold: c.Waterfall.VolThreshold,
		WaterfallDecaySec:     c.Waterfall.DecaySec,

		VolTailCooldownSec: c.Volatility.TailCooldownSec,

		BurstGuardWindowSec: c.Grid.BurstGuardWindowSec,
		BurstGuardMaxAdds:   c.Grid.BurstGuardMaxAdds,
	}
}
