package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"gold-decision-engine/internal/ai"
	"gold-decision-engine/internal/journal"
	"gold-decision-engine/internal/market"
	"gold-decision-engine/internal/metrics"
	"gold-decision-engine/internal/signal"
)

// scheduleEntry registers a trigger in the sliding settle window and
// starts the per-symbol worker when none is active. The latest trigger
// wins the evaluation.
func (e *Engine) scheduleEntry(trig signal.Signal, mode string) {
	now := e.now()
	e.upsertPending(trig, mode, now)

	wait := time.Duration(e.cfg.EntryWaitSec) * time.Second
	e.mu.Lock()
	if agg, ok := e.entryAggs[trig.Symbol]; ok {
		due := now.Add(wait)
		if due.After(agg.maxDueAt) {
			due = agg.maxDueAt
		}
		if due.After(agg.dueAt) {
			agg.dueAt = due
		}
		agg.trigger = trig
		if mode != "" {
			agg.entryMode = mode
		}
		agg.triggerCount++
		e.mu.Unlock()
		return
	}

	maxDue := now.Add(time.Duration(e.cfg.EntryMaxWaitSec) * time.Second)
	due := now.Add(wait)
	if due.After(maxDue) {
		due = maxDue
	}
	e.entryAggs[trig.Symbol] = &entryAgg{
		createdAt:    now,
		dueAt:        due,
		maxDueAt:     maxDue,
		trigger:      trig,
		entryMode:    mode,
		triggerCount: 1,
	}
	e.workers.Add(1)
	go e.entryWorker(trig.Symbol)
	e.mu.Unlock()

	e.log.Info().Str("symbol", trig.Symbol).Str("source", trig.Source).
		Str("side", trig.Side).Str("mode", mode).Msg("entry trigger scheduled")
}

// entryWorker polls the aggregation until its sliding deadline passes,
// then evaluates the final trigger.
func (e *Engine) entryWorker(symbol string) {
	defer e.workers.Done()
	for {
		e.mu.Lock()
		agg, ok := e.entryAggs[symbol]
		if !ok {
			e.mu.Unlock()
			return
		}
		now := e.now()
		if !now.Before(agg.dueAt) {
			trig, mode, count := agg.trigger, agg.entryMode, agg.triggerCount
			delete(e.entryAggs, symbol)
			e.mu.Unlock()
			e.log.Debug().Str("symbol", symbol).Int("triggers", count).Msg("entry settle window closed")
			e.processEntry(context.Background(), trig, mode, false)
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

// processEntry runs the ordered entry gates, the AI gate, and ORDER
// publication for one trigger. Returns the outcome code.
func (e *Engine) processEntry(ctx context.Context, trig signal.Signal, entryMode string, delayed bool) string {
	symbol := trig.Symbol
	now := e.now()
	e.metrics.IncEntryAttempt(symbol)

	// 1: processed dedupe, fast path.
	key := TriggerKey(trig)
	if e.isProcessed(symbol, key, now) {
		return e.finishBlocked(ctx, trig, OutcomeTriggerProcessed, 0, nil, nil)
	}

	// 2: per-symbol evaluation lock.
	if !e.tryAcquireLock(symbol, trig.Source+"/"+trig.Event, now) {
		return e.finishBlocked(ctx, trig, OutcomeEntryLocked, 0, nil, nil)
	}
	defer e.releaseLock(symbol)

	// 1': dedupe again under the lock, a racing evaluation may have
	// published while this one waited.
	if e.isProcessed(symbol, key, now) {
		return e.finishBlocked(ctx, trig, OutcomeTriggerProcessed, 0, nil, nil)
	}

	// 3: tradable side.
	if !trig.IsDirectional() {
		return e.finishBlocked(ctx, trig, OutcomeInvalidTrigger, 0, nil, nil)
	}

	// 4: executor heartbeat.
	if !e.hb.Fresh(now) {
		return e.finishBlocked(ctx, trig, OutcomeBlockedHeartbeat, 0, nil, nil)
	}

	// 5: rollover market guard, with protective close when holding.
	broker := e.hb.Broker()
	if e.cfg.MarketGuardEnabled && inMarketGuardWindow(e.hb.BrokerTime(now)) {
		if broker.Positions > 0 {
			e.marketGuardClose(ctx, symbol)
		}
		return e.finishBlocked(ctx, trig, OutcomeBlockedMarketGuard, 0, nil, nil)
	}

	// 6: open-positions policy.
	isAddon := false
	if broker.Positions > 0 {
		if broker.NetSide != signal.SideBuy && broker.NetSide != signal.SideSell {
			return e.finishBlocked(ctx, trig, OutcomeSkipNetSideUnknown, 0, nil, nil)
		}
		if broker.NetSide != trig.Side || !e.cfg.AddonEnabled {
			return e.finishBlocked(ctx, trig, OutcomeSkipPositionOpen, 0, nil, nil)
		}
		if e.addonCount(symbol, broker.NetSide, now) >= e.cfg.AddonMaxPerSession {
			return e.finishBlocked(ctx, trig, OutcomeSkipAddonLimit, 0, nil, nil)
		}
		isAddon = true
	} else {
		e.resetAddonSession(symbol)
	}

	// 7-11: deterministic market guards.
	snap, err := e.markets.Snapshot(symbol, now)
	if err != nil {
		return e.finishBlocked(ctx, trig, OutcomeBlockedNoSpread, 0, nil, nil)
	}
	guards := e.runHardGuards(trig, snap, now)
	if guards.Outcome != "" {
		return e.finishBlocked(ctx, trig, guards.Outcome, 0, &snap, &guards)
	}

	// AI gate: per-trigger throttle, bypassed for delayed re-evaluations.
	tkey := throttleKey(trig)
	throttle := time.Duration(e.cfg.AIEntryThrottleSec) * time.Second
	e.mu.Lock()
	last, attempted := e.lastAIAttempt[tkey]
	if !delayed && attempted && now.Sub(last) < throttle {
		e.mu.Unlock()
		return e.finishBlocked(ctx, trig, OutcomeAIThrottled, 0, &snap, &guards)
	}
	e.lastAIAttempt[tkey] = now
	e.mu.Unlock()

	ev := e.buildEntryEvidence(trig, now)
	payload := e.entryPayload(trig, entryMode, isAddon, snap, guards, ev, now)
	prompt, err := ai.BuildEntryPrompt(payload, e.cfg.PromptOptions)
	if err != nil {
		return e.finishBlocked(ctx, trig, OutcomeBlockedAINoScore, 0, &snap, &guards)
	}

	resp, err := e.oracle.CallJSON(ctx, prompt, ai.KindEntryScore, symbol)
	if err != nil || resp == nil {
		return e.finishBlocked(ctx, trig, OutcomeBlockedAINoScore, 0, &snap, &guards)
	}
	score, mult, aiReason, valid := validateEntryResponse(resp)
	if !valid {
		e.metrics.IncAIValidationFail(symbol)
		return e.finishBlocked(ctx, trig, OutcomeBlockedAINoScore, 0, &snap, &guards)
	}
	e.metrics.ObserveAIScore(symbol, score)

	if score < e.minEntryScore(isAddon, ev, trig.Side) {
		outcome := OutcomeBlockedAIScore
		if isAddon {
			outcome = OutcomeBlockedAddonAI
		}
		return e.finishBlocked(ctx, trig, outcome, score, &snap, &guards)
	}

	// Heartbeat may have gone stale during the AI call.
	if !e.hb.Fresh(e.now()) {
		return e.finishBlocked(ctx, trig, OutcomeBlockedHeartbeat, score, &snap, &guards)
	}

	action := strings.ToUpper(trig.Side)
	sweep := snap.SwingLow
	if trig.Side == signal.SideSell {
		sweep = snap.SwingHigh
	}
	order := OrderMessage{
		Type:         "ORDER",
		Action:       action,
		Symbol:       symbol,
		ATR:          guards.ATREff,
		SweepExtreme: sweep,
		Multiplier:   clamp(mult, 0.5, 2.0),
		Reason:       entryReason(entryMode, isAddon, delayed),
		AIConfidence: score,
		AIReason:     aiReason,
	}
	if err := e.pub.Publish(ctx, symbol, "ORDER", order); err != nil {
		// No state mutation: the trigger stays unprocessed and the
		// pending entry survives for a delayed retry.
		return e.finishBlocked(ctx, trig, OutcomeOrderSendFailed, score, &snap, &guards)
	}

	sentAt := e.now()
	e.markProcessed(symbol, key, sentAt)
	e.mu.Lock()
	e.lastOrderSent[symbol] = sentAt
	e.mu.Unlock()
	if isAddon {
		e.bumpAddonCount(symbol, broker.NetSide, sentAt)
	}
	e.clearPending(symbol, "order_sent")

	e.metrics.IncEntryOK(symbol, action)
	e.metrics.AddExample(entryExample(trig, OutcomeOK, score, &snap, &guards, sentAt))
	e.recordEntryEvent(symbol, OutcomeOK, order.Reason, score)
	e.journal.Record(ctx, journal.Decision{
		TS: sentAt, Symbol: symbol, Kind: "entry", Action: action,
		Outcome: OutcomeOK, AIScore: score, AIReason: aiReason, Payload: order,
	})
	e.log.Info().Str("symbol", symbol).Str("action", action).
		Int("score", score).Str("reason", order.Reason).Msg("order published")
	return OutcomeOK
}

// marketGuardClose flattens open positions entering the rollover window.
func (e *Engine) marketGuardClose(ctx context.Context, symbol string) {
	msg := CloseMessage{Type: "CLOSE", Reason: "market_guard_close", TrailMode: ModeNormal, TPMode: ModeNormal}
	if err := e.pub.Publish(ctx, symbol, "CLOSE", msg); err != nil {
		e.log.Error().Err(err).Str("symbol", symbol).Msg("market guard close failed")
		return
	}
	e.recordMgmtEvent(symbol, "close", "market_guard_close", 0)
	e.journal.Record(ctx, journal.Decision{
		TS: e.now(), Symbol: symbol, Kind: "mgmt", Action: "CLOSE",
		Outcome: OutcomeOK, AIReason: "market_guard_close", Payload: msg,
	})
}

// finishBlocked books a non-placed outcome: metrics, example, status
// ring, journal, and the pending-entry attempt stamp.
func (e *Engine) finishBlocked(ctx context.Context, trig signal.Signal, outcome string, score int,
	snap *market.Snapshot, guards *hardGuardResult) string {

	now := e.now()
	symbol := trig.Symbol
	e.metrics.IncBlocked(symbol, outcome)
	e.metrics.AddExample(entryExample(trig, outcome, score, snap, guards, now))
	e.recordEntryEvent(symbol, outcome, trig.Source+"/"+trig.Event, score)
	e.journal.Record(ctx, journal.Decision{
		TS: now, Symbol: symbol, Kind: "entry",
		Action: strings.ToUpper(trig.Side), Outcome: outcome, AIScore: score,
	})
	e.touchPendingAttempt(symbol, outcome, now)
	return outcome
}

func entryExample(trig signal.Signal, outcome string, score int,
	snap *market.Snapshot, guards *hardGuardResult, now time.Time) metrics.EntryExample {

	ex := metrics.EntryExample{
		TS:      now.Unix(),
		Symbol:  trig.Symbol,
		Action:  strings.ToUpper(trig.Side),
		Outcome: outcome,
		Score:   score,
	}
	if snap != nil {
		ex.ATRPoints = snap.ATRPoints
		ex.SpreadPoints = snap.SpreadPoints
		ex.ATRToSpread = snap.ATRToSpread()
	}
	if guards != nil && guards.Drift.Known {
		ex.DriftPoints = guards.Drift.DriftPoints
	}
	return ex
}

// touchPendingAttempt stamps the live pending entry after an evaluation
// so the delayed-retry throttle counts from the last attempt.
func (e *Engine) touchPendingAttempt(symbol, outcome string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pending[symbol]; ok {
		p.LastAttemptAt = now
		p.LastAttemptContext = outcome
	}
}

// minEntryScore picks the applicable acceptance threshold.
func (e *Engine) minEntryScore(isAddon bool, ev entryEvidence, trigSide string) int {
	if isAddon {
		return e.cfg.AddonMinAIScore
	}
	min := e.cfg.AIEntryMinScore
	if ev.QTrendOK && ev.QTrend.Side == trigSide && ev.QTrend.Strength == signal.StrengthStrong &&
		e.cfg.AIEntryMinScoreStrongAligned < min {
		min = e.cfg.AIEntryMinScoreStrongAligned
	}
	return min
}

func entryReason(entryMode string, isAddon, delayed bool) string {
	switch {
	case entryMode == "PYRAMID":
		return "pyramid"
	case delayed:
		return "delayed_entry"
	case isAddon:
		return "addon"
	default:
		return "entry_trigger"
	}
}

// validateEntryResponse checks the entry_score schema: confluence_score
// in [1,100], lot_multiplier in [0.5,2.0], non-empty reason.
func validateEntryResponse(resp map[string]any) (score int, mult float64, reason string, ok bool) {
	s, sok := numValue(resp["confluence_score"])
	if !sok || s < 1 || s > 100 {
		return 0, 0, "", false
	}
	m, mok := numValue(resp["lot_multiplier"])
	if !mok || m < 0.5 || m > 2.0 {
		return 0, 0, "", false
	}
	r, rok := resp["reason"].(string)
	if !rok || r == "" {
		return 0, 0, "", false
	}
	return int(s + 0.5), m, r, true
}

func numValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
