package signal

import (
	"time"

	"market_maker/internal/core"
)

type ringPoint struct {
	ts  float64
	mid float64
}

// ring is a bounded FIFO used for the 2s/30s mid-price history.
type ring struct {
	buf   []ringPoint
	limit int
}

func newRing(limit int) *ring {
	return &ring{limit: limit}
}

func (r *ring) push(p ringPoint) {
	r.buf = append(r.buf, p)
	if len(r.buf) > r.limit {
		r.buf = r.buf[len(r.buf)-r.limit:]
	}
}

func (r *ring) retAtCutoff(mid, cutoff float64) float64 {
	for _, p := range r.buf {
		if p.ts >= cutoff {
			if p.mid > 0 {
				return (mid - p.mid) / p.mid * 10000.0
			}
			break
		}
	}
	return 0.0
}

// EntrySignal is the result of MicroSignals.EntrySignal.
type EntrySignal struct {
	ShouldEnter    bool
	Pump           float64
	Exhaust        float64
	SignalStrength float64
}

// ExitSignal is the result of MicroSignals.ExitSignal.
type ExitSignal struct {
	ShouldExit bool
	Reason     string
	FastTP     bool
}

// EntryParams parameterizes EntrySignal.
type EntryParams struct {
	PumpThresh     float64
	ExhaustThresh  float64
	MinSpread      float64
	MaxSpread      float64
	MaxTrendBps    float64
	MaxTrend30sBps float64
	MaxBuyRatio    float64
}

// ExitParams parameterizes ExitSignal.
type ExitParams struct {
	TPSpreadMult   float64
	FastTPTI       float64
	MinFastTPBps   float64
	MinTPProfitBps float64
}

// MicroSignals is the per-symbol microstructure signal engine. Feed
// with OnTrade/OnBook; query with EntrySignal, ExitSignal,
// FlowSnapshot, PositionSize. Pure math, no I/O.
type MicroSignals struct {
	ti2s    *RollingQty
	ti500ms *RollingQty
	ti300ms *RollingQty

	prevTI300ms    float64
	prevQI         float64
	prevTIUpdateTs float64
	prevQIUpdateTs float64

	rv   *RollingRV
	flow *SecondBucketFlow

	bid, ask, bidQty, askQty float64
	mid, spread, spreadBps   float64
	microPrice, md           float64

	price2s  *ring
	price30s *ring

	lastBookTs float64

	zRet2s   *EMAZScore
	zTI2s    *EMAZScore
	zMD2s    *EMAZScore
	zNegDTI  *EMAZScore
	zNegDQI  *EMAZScore

	TI2s, TI500ms, TI300ms, QI float64
	ZRet2s, ZTI2s, ZMD2s       float64
	ZNegDTI, ZNegDQI           float64
	PumpScore, ExhaustScore    float64

	mdPositiveSince float64

	tradeCount, bookCount int
}

// NewMicroSignals constructs a fresh engine.
func NewMicroSignals() *MicroSignals {
	return &MicroSignals{
		ti2s:     NewRollingQty(2.0),
		ti500ms:  NewRollingQty(0.5),
		ti300ms:  NewRollingQty(0.3),
		rv:       NewRollingRV(1.0),
		flow:     NewSecondBucketFlow(600),
		price2s:  newRing(200),
		price30s: newRing(600),
		zRet2s:   NewEMAZScore(5.0, 0.1, 5.0),
		zTI2s:    NewEMAZScore(5.0, 0.1, 5.0),
		zMD2s:    NewEMAZScore(5.0, 0.1, 5.0),
		zNegDTI:  NewEMAZScore(3.0, 0.1, 5.0),
		zNegDQI:  NewEMAZScore(3.0, 0.1, 5.0),
	}
}

// OnTrade folds in an aggTrade event. isBuyerMaker=true means the
// seller is the taker (sell aggressor).
func (m *MicroSignals) OnTrade(price, qty float64, isBuyerMaker bool, ts float64) {
	isSell := isBuyerMaker

	m.ti2s.Add(ts, qty, isSell)
	m.ti500ms.Add(ts, qty, isSell)
	m.ti300ms.Add(ts, qty, isSell)
	m.flow.Add(ts, qty, price, isSell)
	m.rv.Add(ts, price)
	m.tradeCount++

	m.TI2s = m.ti2s.TI()
	m.TI500ms = m.ti500ms.TI()
	m.TI300ms = m.ti300ms.TI()

	if ts-m.prevTIUpdateTs > 0.05 {
		dti := m.TI300ms - m.prevTI300ms
		m.ZNegDTI = m.zNegDTI.Update(-dti)
		m.prevTI300ms = m.TI300ms
		m.prevTIUpdateTs = ts
	}
}

// OnBook folds in an L1 book update. Recomputes QI, MD, and the
// composite scores.
func (m *MicroSignals) OnBook(bid, ask, bidQty, askQty, ts float64) {
	m.bid, m.ask, m.bidQty, m.askQty = bid, ask, bidQty, askQty

	if bid <= 0 || ask <= 0 {
		return
	}

	m.mid = (bid + ask) / 2.0
	m.spread = ask - bid
	if m.mid > 0 {
		m.spreadBps = m.spread / m.mid * 10000.0
	} else {
		m.spreadBps = 0
	}

	totalQty := bidQty + askQty
	if totalQty > 1e-12 {
		m.QI = (bidQty - askQty) / totalQty
	} else {
		m.QI = 0.0
	}

	if totalQty > 1e-12 && m.spread > 0 {
		m.microPrice = (ask*bidQty + bid*askQty) / totalQty
		m.md = (m.microPrice - m.mid) / m.spread
	} else {
		m.microPrice = m.mid
		m.md = 0.0
	}

	m.price2s.push(ringPoint{ts, m.mid})
	m.price30s.push(ringPoint{ts, m.mid})

	ret2s := m.price2s.retAtCutoff(m.mid, ts-2.0)

	m.ZRet2s = m.zRet2s.Update(ret2s)
	m.ZTI2s = m.zTI2s.Update(m.TI2s)
	m.ZMD2s = m.zMD2s.Update(m.md)

	if ts-m.prevQIUpdateTs > 0.05 {
		dqi := m.QI - m.prevQI
		m.ZNegDQI = m.zNegDQI.Update(-dqi)
		m.prevQI = m.QI
		m.prevQIUpdateTs = ts
	}

	// pump = 0.4*z(ret_2s) + 0.8*z(TI_2s) + 0.6*z(MD_2s)
	m.PumpScore = 0.4*m.ZRet2s + 0.8*m.ZTI2s + 0.6*m.ZMD2s

	// exhaust = z(-dTI_300ms) + z(-dQI_300ms) + 1[MD<0]
	mdIndicator := 0.0
	if m.md < 0 {
		mdIndicator = 1.0
	}
	m.ExhaustScore = m.ZNegDTI + m.ZNegDQI + mdIndicator

	if m.md > 0 {
		if m.mdPositiveSince == 0 {
			m.mdPositiveSince = ts
		}
	} else {
		m.mdPositiveSince = 0.0
	}

	m.bookCount++
	m.lastBookTs = ts
}

// Bid, Ask, Mid, SpreadBps, MD expose the latest L1 state.
func (m *MicroSignals) Bid() float64       { return m.bid }
func (m *MicroSignals) Ask() float64       { return m.ask }
func (m *MicroSignals) Mid() float64       { return m.mid }
func (m *MicroSignals) SpreadBps() float64 { return m.spreadBps }
func (m *MicroSignals) MD() float64        { return m.md }

// Ret2sBps returns the current 2s return in bps.
func (m *MicroSignals) Ret2sBps() float64 {
	if len(m.price2s.buf) == 0 || m.mid <= 0 {
		return 0.0
	}
	return m.price2s.retAtCutoff(m.mid, m.lastBookTs-2.0)
}

// Ret30sBps returns the current 30s return in bps.
func (m *MicroSignals) Ret30sBps() float64 {
	if len(m.price30s.buf) == 0 || m.mid <= 0 {
		return 0.0
	}
	return m.price30s.retAtCutoff(m.mid, m.lastBookTs-30.0)
}

// RV1s returns the current rolling 1s realized volatility.
func (m *MicroSignals) RV1s() float64 { return m.rv.RV() }

// FlowSnapshot returns the multi-timeframe flow metrics as of now.
func (m *MicroSignals) FlowSnapshot(now float64) map[string]FlowMetrics {
	ts := now
	if ts == 0 {
		ts = m.lastBookTs
	}
	return m.flow.Snapshot(ts)
}

// IsWarm reports whether the engine has enough data for meaningful
// signals: more than 20 trades and 50 book updates.
func (m *MicroSignals) IsWarm() bool {
	return m.tradeCount > 20 && m.bookCount > 50
}

// EntrySignal evaluates the short-entry condition.
func (m *MicroSignals) EntrySignal(p EntryParams) EntrySignal {
	if !m.IsWarm() {
		return EntrySignal{}
	}
	if m.spreadBps < p.MinSpread || m.spreadBps > p.MaxSpread {
		return EntrySignal{}
	}
	if m.PumpScore <= p.PumpThresh {
		return EntrySignal{Pump: m.PumpScore, Exhaust: m.ExhaustScore}
	}
	if m.ExhaustScore <= p.ExhaustThresh {
		return EntrySignal{Pump: m.PumpScore, Exhaust: m.ExhaustScore}
	}

	ret2s := m.Ret2sBps()
	if ret2s > p.MaxTrendBps {
		return EntrySignal{Pump: m.PumpScore, Exhaust: m.ExhaustScore}
	}

	if p.MaxTrend30sBps > 0 {
		ret30s := m.Ret30sBps()
		if ret30s > p.MaxTrend30sBps || ret30s < -p.MaxTrend30sBps {
			return EntrySignal{Pump: m.PumpScore, Exhaust: m.ExhaustScore}
		}
	}

	if p.MaxBuyRatio < 1.0 && m.ti2s.BuyRatio() > p.MaxBuyRatio {
		return EntrySignal{Pump: m.PumpScore, Exhaust: m.ExhaustScore}
	}

	strength := m.PumpScore*0.5 + m.ExhaustScore*0.5
	return EntrySignal{
		ShouldEnter:    true,
		Pump:           m.PumpScore,
		Exhaust:        m.ExhaustScore,
		SignalStrength: strength,
	}
}

// ExitSignal evaluates exit conditions for an open short.
func (m *MicroSignals) ExitSignal(entryPrice float64, p ExitParams) ExitSignal {
	if entryPrice <= 0 || m.ask <= 0 {
		return ExitSignal{}
	}

	retFromEntry := (m.ask - entryPrice) / entryPrice * 10000.0

	tpTargetBps := -maxF(p.TPSpreadMult*m.spreadBps, p.MinTPProfitBps)
	if retFromEntry <= tpTargetBps {
		return ExitSignal{ShouldExit: true, Reason: "tp"}
	}

	if m.TI500ms < p.FastTPTI && retFromEntry <= p.MinFastTPBps {
		return ExitSignal{ShouldExit: true, Reason: "fast_tp", FastTP: true}
	}

	return ExitSignal{}
}

// PositionSize is vol-normalized position sizing:
// notional = clip(base * k * strength / rv_1s_bps, min, max), with
// strength = max(0.5*pump + 0.5*exhaust, 0.5). When rv_1s is ~0 it
// returns base unclamped.
func (m *MicroSignals) PositionSize(baseNotional, k, minNotional, maxNotional float64) float64 {
	rv := m.rv.RV()
	if rv < 1e-8 {
		return baseNotional
	}
	strength := maxF(m.PumpScore*0.5+m.ExhaustScore*0.5, 0.5)
	raw := k * strength / (rv * 10000.0)
	return clampF(raw*baseNotional, minNotional, maxNotional)
}

// ResetEntryTracking clears flow-stop state when a position closes.
func (m *MicroSignals) ResetEntryTracking() {
	m.mdPositiveSince = 0.0
}

// Snapshot renders the current state as an immutable core.SignalSnapshot.
func (m *MicroSignals) Snapshot(ts time.Time) core.SignalSnapshot {
	flow := m.FlowSnapshot(float64(ts.UnixNano()) / 1e9)
	fw := make(map[string]core.FlowWindow, len(flow))
	for label, f := range flow {
		fw[label] = core.FlowWindow{
			TradeWeight:    f.TradeWeight,
			TradesPerSec:   f.TradesPerSec,
			NotionalPerSec: f.NotionalPerSec,
			Imbalance:      f.Imbalance,
			LongShortRatio: f.LongShortRatio,
		}
	}
	return core.SignalSnapshot{
		TI2s: m.TI2s, TI500ms: m.TI500ms, TI300ms: m.TI300ms,
		QI: m.QI, MD: m.md, RV1s: m.rv.RV(),
		ZRet2s: m.ZRet2s, ZTI2s: m.ZTI2s, ZMD2s: m.ZMD2s,
		ZNegDTI: m.ZNegDTI, ZNegDQI: m.ZNegDQI,
		PumpScore: m.PumpScore, ExhaustScore: m.ExhaustScore,
		Ret2sBps: m.Ret2sBps(), Ret30sBps: m.Ret30sBps(),
		Flow: fw,
		Warm: m.IsWarm(),
		Ts:   ts,
	}
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
