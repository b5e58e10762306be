package engine

import (
	"math"
	"strings"
	"time"

	"gold-decision-engine/internal/market"
	"gold-decision-engine/internal/signal"
)

// inMarketGuardWindow reports whether the broker clock sits inside the
// rollover session windows 23:50-23:59 and 00:00-00:30.
func inMarketGuardWindow(brokerTime time.Time) bool {
	h, m := brokerTime.Hour(), brokerTime.Minute()
	if h == 23 && m >= 50 {
		return true
	}
	if h == 0 && m < 30 {
		return true
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// atrEffective bounds the working ATR between floor and spike-cap
// multiples of the 24h average.
func atrEffective(snap market.Snapshot, floorMult, spikeMult float64) float64 {
	if snap.ATR24hAvg <= 0 {
		return snap.ATR
	}
	return clamp(snap.ATR, snap.ATR24hAvg*floorMult, snap.ATR24hAvg*spikeMult)
}

func isGoldSymbol(symbol string) bool {
	u := strings.ToUpper(symbol)
	return u == "GOLD" || strings.Contains(u, "XAU")
}

// driftPoint returns the point size used for drift math. Gold quoted
// with $0.01 points uses a $0.10 drift unit.
func driftPoint(symbol string, rawPoint float64) float64 {
	if isGoldSymbol(symbol) && rawPoint <= 0.01 {
		return 0.10
	}
	if rawPoint > 0 {
		return rawPoint
	}
	return 0.01
}

// driftInfo is the price-chase measurement passed to the drift gate and
// the AI prompt.
type driftInfo struct {
	Known       bool    `json:"known"`
	DriftPoints float64 `json:"drift_points"`
	LimitPoints float64 `json:"limit_points"`
	Point       float64 `json:"point"`
}

// computeDrift measures how far price moved since the trigger, in drift
// points, against the dynamic limit derived from effective ATR.
func (e *Engine) computeDrift(trig signal.Signal, snap market.Snapshot, atrEff float64) driftInfo {
	dp := driftPoint(trig.Symbol, snap.Point)
	_, driftMult := e.TunedGuards()
	limit := clamp(atrEff*driftMult/dp, e.cfg.DriftMinPoints, e.cfg.DriftMaxPoints)
	info := driftInfo{LimitPoints: limit, Point: dp}
	if trig.Price <= 0 {
		return info
	}
	current := (snap.Bid + snap.Ask) / 2
	info.Known = true
	info.DriftPoints = math.Abs(current-trig.Price) / dp
	return info
}

// hardGuardResult carries the first tripped deterministic gate and the
// measurements observed on the way, for guard stats and prompts.
type hardGuardResult struct {
	Outcome     string
	SpreadRatio float64
	ATRToSpread float64
	DistATR     float64
	PanicRatio  float64
	Drift       driftInfo
	ATREff      float64
}

// runHardGuards walks gates 7-11: spread sanity, spread-vs-ATR, the LRR
// rejects, cooldown, and the drift guard. First trip wins.
func (e *Engine) runHardGuards(trig signal.Signal, snap market.Snapshot, now time.Time) hardGuardResult {
	res := hardGuardResult{ATREff: atrEffective(snap, e.cfg.ATRFloorMult, e.cfg.ATRSpikeCapMult)}

	// 7: spread sanity.
	if snap.SpreadPoints <= 0 {
		res.Outcome = OutcomeBlockedNoSpread
		return res
	}
	if snap.SpreadPoints >= e.cfg.SpreadHardCapPoints {
		res.Outcome = OutcomeBlockedSpread
		return res
	}

	atrPoints := snap.ATRPoints
	res.ATRToSpread = 0
	if snap.SpreadPoints > 0 {
		res.ATRToSpread = atrPoints / snap.SpreadPoints
	}
	if atrPoints > 0 {
		res.SpreadRatio = snap.SpreadPoints / atrPoints
	} else {
		res.SpreadRatio = math.Inf(1)
	}
	e.metrics.ObserveGuard(trig.Symbol, "spread_to_atr", res.SpreadRatio)
	e.metrics.ObserveGuard(trig.Symbol, "atr_to_spread", res.ATRToSpread)

	// 8: spread-vs-ATR, hard only when expectancy is also thin.
	spreadMaxRatio, _ := e.TunedGuards()
	if res.SpreadRatio > spreadMaxRatio && res.ATRToSpread < e.cfg.SpreadATRSoftMin {
		res.Outcome = OutcomeBlockedSpreadVsATR
		return res
	}

	// 9: LRR hard rejects.
	if res.ATRToSpread < e.cfg.LRREVHardMin {
		res.Outcome = OutcomeLRRBlockedEV
		return res
	}
	if snap.SpreadMedianPoints > 0 && snap.SpreadPoints > snap.SpreadMedianPoints*e.cfg.LRRSpreadSpikeMult {
		res.Outcome = OutcomeLRRBlockedSpreadSpike
		return res
	}
	if snap.SMAM15 > 0 && snap.ATR > 0 {
		mid := (snap.Bid + snap.Ask) / 2
		res.DistATR = math.Abs(mid-snap.SMAM15) / snap.ATR
		e.metrics.ObserveGuard(trig.Symbol, "dist_from_sma_atr", res.DistATR)
		if res.DistATR >= e.cfg.LRRDistHardReject {
			res.Outcome = OutcomeLRRBlockedDist
			return res
		}
	}
	if snap.ATR24hAvg > 0 && snap.ATR > 0 {
		res.PanicRatio = snap.ATR / snap.ATR24hAvg
		e.metrics.ObserveGuard(trig.Symbol, "atr_panic_ratio", res.PanicRatio)
		if res.PanicRatio >= e.cfg.LRRVolPanicRatio {
			res.Outcome = OutcomeLRRBlockedPanicVol
			return res
		}
	}

	// 10: cooldown after the last sent order.
	e.mu.Lock()
	last, sent := e.lastOrderSent[trig.Symbol]
	e.mu.Unlock()
	if sent && now.Sub(last) < time.Duration(e.cfg.EntryCooldownSec)*time.Second {
		res.Outcome = OutcomeBlockedCooldown
		return res
	}

	// 11: dynamic drift guard.
	res.Drift = e.computeDrift(trig, snap, res.ATREff)
	if res.Drift.Known {
		e.metrics.ObserveGuard(trig.Symbol, "drift_points", res.Drift.DriftPoints)
		if e.cfg.DriftHardBlock && res.Drift.DriftPoints > res.Drift.LimitPoints {
			res.Outcome = OutcomeBlockedPriceDrift
			return res
		}
	}

	return res
}
