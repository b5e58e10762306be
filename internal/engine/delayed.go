package engine

import (
	"context"
	"time"

	"gold-decision-engine/internal/signal"
)

// tryDelayedReEval re-runs a blocked pending entry when a supportive
// signal arrives later. Returns (outcome, true) when an attempt was
// reserved and evaluated.
func (e *Engine) tryDelayedReEval(ctx context.Context, sig signal.Signal) (string, bool) {
	now := e.now()
	symbol := sig.Symbol

	p, ok := e.pendingFor(symbol, now)
	if !ok {
		return "", false
	}
	if e.isProcessed(symbol, TriggerKey(p.Trigger), now) {
		e.clearPending(symbol, "already_processed")
		return "", false
	}
	if !delayedSupportive(sig, p.Trigger.Side) {
		return "", false
	}
	if e.hb.Broker().Positions > 0 && p.EntryMode != "PYRAMID" {
		return "", false
	}

	trig, mode, reserved := e.reserveDelayedAttempt(symbol, sig, now)
	if !reserved {
		return "", false
	}
	e.log.Info().Str("symbol", symbol).Str("retry_signal", sig.Source+"/"+sig.Event).
		Str("side", trig.Side).Msg("delayed re-evaluation")
	return e.processEntry(ctx, trig, mode, true), true
}

// delayedSupportive reports whether an incoming signal qualifies as
// evidence for retrying the pending trigger. Touch events and trend
// filters additionally need bar-close confirmation or strong strength.
func delayedSupportive(sig signal.Signal, side string) bool {
	supportive := false
	switch sig.Source {
	case signal.SourceQTrend, signal.SourceQTrendStrong, signal.SourceZones, signal.SourceFVG, signal.SourceOSGFC:
		supportive = true
	}
	if !supportive {
		switch sig.SignalType {
		case signal.TypeContext, signal.TypeStructure, signal.TypeTrendFilter:
			supportive = true
		}
	}
	if !supportive {
		return false
	}
	if sig.IsDirectional() && sig.Side != side {
		return false
	}

	needsConfirm := sig.SignalType == signal.TypeTrendFilter ||
		signal.Classify(sig) == signal.RetentionZoneTouch ||
		(sig.Source == signal.SourceFVG && sig.Event == "fvg_touch")
	if needsConfirm && sig.Confirmed != signal.ConfirmedBarClose && sig.Strength != signal.StrengthStrong {
		return false
	}
	return true
}

// reserveDelayedAttempt atomically claims one retry slot on the pending
// entry. Pendings past their TTL or attempt budget are dropped here.
func (e *Engine) reserveDelayedAttempt(symbol string, sig signal.Signal, now time.Time) (signal.Signal, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[symbol]
	if !ok {
		return signal.Signal{}, "", false
	}
	if now.After(p.ExpiresAt) {
		delete(e.pending, symbol)
		return signal.Signal{}, "", false
	}
	if p.Attempts >= e.cfg.DelayedMaxAttempts {
		delete(e.pending, symbol)
		e.log.Debug().Str("symbol", symbol).Int("attempts", p.Attempts).Msg("pending entry attempts exhausted")
		return signal.Signal{}, "", false
	}
	if !p.LastAttemptAt.IsZero() && now.Sub(p.LastAttemptAt) < time.Duration(e.cfg.DelayedMinRetrySec)*time.Second {
		return signal.Signal{}, "", false
	}
	p.Attempts++
	p.LastAttemptAt = now
	p.LastRetrySignal = sig.Source + "/" + sig.Event
	p.LastAttemptContext = "delayed_reeval"
	return p.Trigger, p.EntryMode, true
}
