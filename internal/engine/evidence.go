package engine

import (
	"math"
	"strings"
	"time"

	"gold-decision-engine/internal/market"
	"gold-decision-engine/internal/signal"
)

// entryEvidence bundles the context gathered after the settle window.
type entryEvidence struct {
	Window     signal.WindowSignals
	QTrend     signal.QTrendContext
	QTrendOK   bool
	Confluence signal.ConfluenceStats
	Zones      map[string]any
	Heuristic  int
}

// buildEntryEvidence collects window signals, Q-Trend context (store
// first, window fallback), confluence stats, and zone evidence.
func (e *Engine) buildEntryEvidence(trig signal.Signal, now time.Time) entryEvidence {
	ev := entryEvidence{}
	ev.Window = signal.CollectWindow(e.cache, trig.Symbol, trig.EffectiveTime(), trig.Side, e.cfg.EntryWindowSec)

	ev.QTrend, ev.QTrendOK = e.qtrend.Get(trig.Symbol, trig.TF, now)
	if !ev.QTrendOK {
		raw := e.cache.Window(trig.Symbol, trig.EffectiveTime(), e.cfg.EntryWindowSec)
		ev.QTrend, ev.QTrendOK = e.qtrend.FromWindowSignals(raw, now)
	}

	fresh := e.cache.FilterFresh(trig.Symbol, now)
	ev.Confluence = signal.BuildConfluence(fresh, e.cfg.ConfluenceWindowSec)
	ev.Zones = zonesEvidence(fresh, now)
	ev.Heuristic = heuristicPoints(ev.Window, ev.QTrend, ev.QTrendOK, trig.Side, ev.Confluence)
	return ev
}

// zonesEvidence extracts the latest zone/FVG touches and the count of
// recent zone confirmations from fresh signals.
func zonesEvidence(fresh []signal.Signal, now time.Time) map[string]any {
	var zoneTouch, fvgTouch *signal.Signal
	confirmations := 0
	for i := range fresh {
		s := fresh[i]
		switch signal.Classify(s) {
		case signal.RetentionZonePresence:
			confirmations++
		case signal.RetentionZoneTouch:
			if zoneTouch == nil || s.EffectiveTime() > zoneTouch.EffectiveTime() {
				zoneTouch = &fresh[i]
			}
		case signal.RetentionFVG:
			if s.Event == "fvg_touch" && (fvgTouch == nil || s.EffectiveTime() > fvgTouch.EffectiveTime()) {
				fvgTouch = &fresh[i]
			}
		}
	}

	out := map[string]any{"zone_confirmations": confirmations}
	if zoneTouch != nil {
		out["latest_zone_touch"] = map[string]any{
			"side":    zoneTouch.Side,
			"event":   zoneTouch.Event,
			"age_sec": now.Unix() - zoneTouch.EffectiveTime(),
		}
	}
	if fvgTouch != nil {
		out["latest_fvg_touch"] = map[string]any{
			"side":    fvgTouch.Side,
			"event":   fvgTouch.Event,
			"age_sec": now.Unix() - fvgTouch.EffectiveTime(),
		}
	}
	return out
}

// heuristicPoints is the deterministic local score passed as a prompt
// hint. Distinct from the model's confluence_score output.
func heuristicPoints(w signal.WindowSignals, qt signal.QTrendContext, qtOK bool, trigSide string, conf signal.ConfluenceStats) int {
	pts := 2*w.AlignedCount - 2*w.OpposedCount
	if qtOK {
		switch {
		case qt.Side == trigSide && qt.Strength == signal.StrengthStrong:
			pts += 3
		case qt.Side == trigSide:
			pts += 2
		case qt.Side != "":
			pts -= 3
		}
	}
	if conf.Available && !conf.Cancelled {
		pts += int(math.Round(conf.ConfirmWeight - conf.OpposeWeight))
	}
	return pts
}

func qtrendPayload(qt signal.QTrendContext, qtOK bool, trigSide string, now time.Time) map[string]any {
	if !qtOK {
		return map[string]any{"available": false}
	}
	return map[string]any{
		"available": true,
		"side":      qt.Side,
		"strength":  qt.Strength,
		"tf":        qt.TF,
		"aligned":   trigSide != "" && qt.Side == trigSide,
		"age_sec":   qt.Age(now),
	}
}

func marketPayload(snap market.Snapshot, guards hardGuardResult) map[string]any {
	return map[string]any{
		"bid":                  snap.Bid,
		"ask":                  snap.Ask,
		"spread_points":        snap.SpreadPoints,
		"spread_median_points": snap.SpreadMedianPoints,
		"spread_avg_points":    snap.SpreadAvgPoints,
		"atr":                  snap.ATR,
		"atr_points":           snap.ATRPoints,
		"atr_h1":               snap.ATRH1,
		"atr_24h_avg":          snap.ATR24hAvg,
		"atr_eff":              guards.ATREff,
		"atr_to_spread":        guards.ATRToSpread,
		"sma_m15":              snap.SMAM15,
		"sma_slope":            snap.SMASlope,
		"dist_from_sma_atr":    guards.DistATR,
		"tick_age_sec":         snap.TickAgeSec,
	}
}

// entryPayload builds the entry_score prompt payload.
func (e *Engine) entryPayload(trig signal.Signal, entryMode string, isAddon bool,
	snap market.Snapshot, guards hardGuardResult, ev entryEvidence, now time.Time) map[string]any {

	bt := e.hb.BrokerTime(now)
	return map[string]any{
		"task":           "entry_score",
		"symbol":         trig.Symbol,
		"action":         strings.ToUpper(trig.Side),
		"is_addon":       isAddon,
		"entry_mode":     entryMode,
		"trigger":        trig,
		"qtrend":         qtrendPayload(ev.QTrend, ev.QTrendOK, trig.Side, now),
		"window_signals": ev.Window,
		"confluence":     ev.Confluence,
		"market":         marketPayload(snap, guards),
		"session": map[string]any{
			"broker_time":         bt.Format("15:04"),
			"market_guard_window": inMarketGuardWindow(bt),
		},
		"zones":            ev.Zones,
		"price_drift":      guards.Drift,
		"freshness_sec":    now.Unix() - trig.EffectiveTime(),
		"heuristic_points": ev.Heuristic,
	}
}
