package engine

import (
	"context"
	"math"
	"strings"
	"time"

	"gold-decision-engine/internal/ai"
	"gold-decision-engine/internal/bus"
	"gold-decision-engine/internal/journal"
	"gold-decision-engine/internal/market"
	"gold-decision-engine/internal/metrics"
	"gold-decision-engine/internal/signal"
)

// Management phase hints passed to the close/hold prompt.
const (
	PhaseDevelopment   = "DEVELOPMENT"
	PhaseNormal        = "NORMAL"
	PhaseProfitProtect = "PROFIT_PROTECT"
)

// positionContext is the broker-position view embedded in close/hold
// prompts and used for phase derivation.
type positionContext struct {
	NetSide             string  `json:"net_side"`
	Positions           int     `json:"positions"`
	AvgPrice            float64 `json:"avg_price"`
	PLPoints            float64 `json:"pl_points"`
	HoldingSec          int64   `json:"holding_sec"`
	Phase               string  `json:"phase"`
	BreakevenBandPoints float64 `json:"breakeven_band_points"`
	ProfitProtectPoints float64 `json:"profit_protect_points"`
	InProfitProtect     bool    `json:"in_profit_protect"`
	NearBreakeven       bool    `json:"near_breakeven"`
}

// positionContext derives open P&L in points, the phase bands, and the
// phase hint from broker state and the market snapshot.
func (e *Engine) positionContext(broker bus.BrokerState, snap market.Snapshot, now time.Time) positionContext {
	point := snap.Point
	if point <= 0 {
		point = 0.01
	}
	pc := positionContext{
		NetSide:   broker.NetSide,
		Positions: broker.Positions,
		AvgPrice:  broker.AvgPrice,
	}
	if broker.AvgPrice > 0 {
		switch broker.NetSide {
		case signal.SideBuy:
			if snap.Bid > 0 {
				pc.PLPoints = (snap.Bid - broker.AvgPrice) / point
			}
		case signal.SideSell:
			if snap.Ask > 0 {
				pc.PLPoints = (broker.AvgPrice - snap.Ask) / point
			}
		}
	}
	if broker.OldestOpenTS > 0 && now.Unix() > broker.OldestOpenTS {
		pc.HoldingSec = now.Unix() - broker.OldestOpenTS
	}

	pc.BreakevenBandPoints = math.Max(snap.SpreadPoints*e.cfg.BreakevenBandSpreadMult, snap.ATRPoints*e.cfg.BreakevenBandATRMult)
	pc.ProfitProtectPoints = math.Max(snap.SpreadPoints*e.cfg.ProfitProtectSpreadMult, snap.ATRPoints*e.cfg.ProfitProtectATRMult)
	pc.InProfitProtect = pc.ProfitProtectPoints > 0 && pc.PLPoints >= pc.ProfitProtectPoints
	pc.NearBreakeven = math.Abs(pc.PLPoints) <= pc.BreakevenBandPoints

	switch {
	case pc.InProfitProtect || pc.HoldingSec >= e.cfg.MaxDevelopmentSec:
		pc.Phase = PhaseProfitProtect
	case pc.NearBreakeven:
		pc.Phase = PhaseDevelopment
	default:
		pc.Phase = PhaseNormal
	}
	return pc
}

// pyramidEligible reports whether a same-direction trigger may pyramid:
// open P&L must cover half the profit-protect threshold.
func (e *Engine) pyramidEligible(trig signal.Signal, now time.Time) bool {
	broker := e.hb.Broker()
	if broker.Positions <= 0 || !trig.IsDirectional() || broker.NetSide != trig.Side {
		return false
	}
	snap, err := e.markets.Snapshot(trig.Symbol, now)
	if err != nil {
		return false
	}
	pc := e.positionContext(broker, snap, now)
	return pc.ProfitProtectPoints > 0 && pc.PLPoints >= 0.5*pc.ProfitProtectPoints
}

// scheduleMgmt joins or opens the management settle batch for a signal
// arriving while positions are open. New batches respect the close-call
// throttle unless the signal looks like a reversal against the net side.
func (e *Engine) scheduleMgmt(sig signal.Signal) {
	now := e.now()
	broker := e.hb.Broker()
	reversal := sig.IsDirectional() &&
		(broker.NetSide == signal.SideBuy || broker.NetSide == signal.SideSell) &&
		sig.Side != broker.NetSide

	wait := time.Duration(e.cfg.MgmtWaitSec) * time.Second
	e.mu.Lock()
	if agg, ok := e.mgmtAggs[sig.Symbol]; ok {
		due := now.Add(wait)
		if due.After(agg.maxDueAt) {
			due = agg.maxDueAt
		}
		if due.After(agg.dueAt) {
			agg.dueAt = due
		}
		agg.lastSignal = sig
		agg.ring = append(agg.ring, sig)
		if len(agg.ring) > e.cfg.MgmtRingSize {
			agg.ring = agg.ring[len(agg.ring)-e.cfg.MgmtRingSize:]
		}
		e.mu.Unlock()
		return
	}

	last, called := e.lastMgmtCall[sig.Symbol]
	if called && now.Sub(last) < time.Duration(e.cfg.AICloseThrottleSec)*time.Second && !reversal {
		e.mu.Unlock()
		e.log.Debug().Str("symbol", sig.Symbol).Str("source", sig.Source).Msg("management call throttled")
		return
	}

	maxDue := now.Add(time.Duration(e.cfg.MgmtMaxWaitSec) * time.Second)
	due := now.Add(wait)
	if due.After(maxDue) {
		due = maxDue
	}
	e.mgmtAggs[sig.Symbol] = &mgmtAgg{
		createdAt:  now,
		dueAt:      due,
		maxDueAt:   maxDue,
		lastSignal: sig,
		ring:       []signal.Signal{sig},
	}
	e.workers.Add(1)
	go e.mgmtWorker(sig.Symbol)
	e.mu.Unlock()

	e.log.Info().Str("symbol", sig.Symbol).Str("source", sig.Source).
		Bool("reversal", reversal).Msg("management decision scheduled")
}

// mgmtWorker polls the batch until its sliding deadline passes, then
// runs the close/hold decision over the collected signals.
func (e *Engine) mgmtWorker(symbol string) {
	defer e.workers.Done()
	for {
		e.mu.Lock()
		agg, ok := e.mgmtAggs[symbol]
		if !ok {
			e.mu.Unlock()
			return
		}
		now := e.now()
		if !now.Before(agg.dueAt) {
			last := agg.lastSignal
			ring := append([]signal.Signal(nil), agg.ring...)
			delete(e.mgmtAggs, symbol)
			e.mu.Unlock()
			e.runMgmtDecision(context.Background(), symbol, last, ring)
			return
		}
		wait := agg.dueAt.Sub(now)
		e.mu.Unlock()
		if wait > 200*time.Millisecond {
			wait = 200 * time.Millisecond
		}
		time.Sleep(wait)
	}
}

// runMgmtDecision makes one close/hold decision for the batch. Batch
// evaluations always bypass the call throttle.
func (e *Engine) runMgmtDecision(ctx context.Context, symbol string, last signal.Signal, recent []signal.Signal) {
	now := e.now()
	broker := e.hb.Broker()
	if broker.Positions <= 0 {
		e.log.Debug().Str("symbol", symbol).Msg("flat before management decision, skipping")
		return
	}
	if e.hb.Frozen(now) {
		e.recordMgmtEvent(symbol, "frozen", "heartbeat_stale", 0)
		return
	}

	snap, snapErr := e.markets.Snapshot(symbol, now)
	pc := e.positionContext(broker, snap, now)
	payload := e.mgmtPayload(symbol, last, recent, snap, snapErr == nil, pc, now)

	e.mu.Lock()
	e.lastMgmtCall[symbol] = now
	e.mu.Unlock()

	confidence, reason, trail, tp, ok := 0, "", ModeNormal, ModeNormal, false
	prompt, err := ai.BuildClosePrompt(payload, e.cfg.PromptOptions)
	if err == nil {
		var resp map[string]any
		resp, err = e.oracle.CallJSON(ctx, prompt, ai.KindCloseHold, symbol)
		if err == nil && resp != nil {
			confidence, reason, trail, tp, ok = validateCloseResponse(resp)
			if !ok {
				e.metrics.IncAIValidationFail(symbol)
			}
		}
	}

	decision := "hold"
	if ok {
		if confidence >= e.cfg.AICloseMinConfidence {
			decision = "close"
		}
	} else if e.cfg.MgmtAIFallback == "default_close" {
		decision = "close"
		confidence = e.cfg.MgmtFallbackConfidence
		reason = "ai_fallback_close"
		trail, tp = ModeNormal, ModeNormal
	} else {
		decision = "hold"
		confidence = 0
		reason = "ai_fallback_hold"
		trail, tp = ModeNormal, ModeNormal
	}

	// Heartbeat may have gone stale during the AI call.
	if e.hb.Frozen(e.now()) {
		e.recordMgmtEvent(symbol, "frozen", "heartbeat_stale", confidence)
		return
	}

	var sendErr error
	if decision == "close" {
		sendErr = e.pub.Publish(ctx, symbol, "CLOSE", CloseMessage{Type: "CLOSE", Reason: reason, TrailMode: trail, TPMode: tp})
	} else {
		sendErr = e.pub.Publish(ctx, symbol, "HOLD", HoldMessage{Type: "HOLD", Reason: reason, TrailMode: trail, TPMode: tp})
	}
	if sendErr != nil {
		// Counted by the publisher; the executor stays authoritative,
		// so a failed send is never retried.
		e.log.Error().Err(sendErr).Str("symbol", symbol).Str("decision", decision).Msg("management send failed")
	}

	e.metrics.RecordMgmtDecision(symbol, decision, pc.Phase, confidence)
	e.metrics.AddMgmtExample(metrics.MgmtExample{
		TS: now.Unix(), Symbol: symbol, Decision: decision,
		Phase: pc.Phase, Confidence: confidence, Reason: reason,
	})
	e.recordMgmtEvent(symbol, decision, reason, confidence)
	e.journal.Record(ctx, journal.Decision{
		TS: now, Symbol: symbol, Kind: "mgmt", Action: strings.ToUpper(decision),
		Outcome: OutcomeOK, AIScore: confidence, AIReason: reason,
	})
	e.log.Info().Str("symbol", symbol).Str("decision", decision).Str("phase", pc.Phase).
		Int("confidence", confidence).Str("reason", reason).Msg("management decision")
}

// mgmtPayload builds the close_hold prompt payload.
func (e *Engine) mgmtPayload(symbol string, last signal.Signal, recent []signal.Signal,
	snap market.Snapshot, marketOK bool, pc positionContext, now time.Time) map[string]any {

	recentOut := make([]map[string]any, 0, len(recent))
	for _, s := range recent {
		recentOut = append(recentOut, map[string]any{
			"source":  s.Source,
			"event":   s.Event,
			"side":    s.Side,
			"type":    s.SignalType,
			"age_sec": now.Unix() - s.EffectiveTime(),
		})
	}
	qt, qtOK := e.qtrend.Get(symbol, last.TF, now)

	bt := e.hb.BrokerTime(now)
	m := map[string]any{
		"task":           "close_hold",
		"symbol":         symbol,
		"latest_signal":  last,
		"recent_signals": recentOut,
		"qtrend":         qtrendPayload(qt, qtOK, pc.NetSide, now),
		"position":       pc,
		"session": map[string]any{
			"broker_time":         bt.Format("15:04"),
			"market_guard_window": inMarketGuardWindow(bt),
		},
		"freshness_sec": now.Unix() - last.EffectiveTime(),
	}
	if marketOK {
		m["market"] = map[string]any{
			"bid":                  snap.Bid,
			"ask":                  snap.Ask,
			"spread_points":        snap.SpreadPoints,
			"spread_median_points": snap.SpreadMedianPoints,
			"atr":                  snap.ATR,
			"atr_points":           snap.ATRPoints,
			"atr_24h_avg":          snap.ATR24hAvg,
			"sma_m15":              snap.SMAM15,
			"sma_slope":            snap.SMASlope,
			"tick_age_sec":         snap.TickAgeSec,
		}
	} else {
		m["market"] = map[string]any{"available": false}
	}
	return m
}

// validateCloseResponse checks the close_hold schema: confidence in
// [0,100] and a non-empty reason. Missing or unknown modes fall back to
// NORMAL without failing validation.
func validateCloseResponse(resp map[string]any) (confidence int, reason, trail, tp string, ok bool) {
	c, cok := numValue(resp["confidence"])
	if !cok || c < 0 || c > 100 {
		return 0, "", "", "", false
	}
	r, rok := resp["reason"].(string)
	if !rok || r == "" {
		return 0, "", "", "", false
	}
	return int(c + 0.5), r, modeOrDefault(resp["trail_mode"]), modeOrDefault(resp["tp_mode"]), true
}

func modeOrDefault(v any) string {
	s, _ := v.(string)
	s = strings.ToUpper(strings.TrimSpace(s))
	if validMode(s) {
		return s
	}
	return ModeNormal
}
