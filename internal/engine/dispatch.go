package engine

import (
	"context"
	"net/http"

	"gold-decision-engine/internal/signal"
)

// HandleWebhook runs one raw webhook payload through normalization, the
// signal cache, and the dispatch pipeline. It always returns a Response;
// evaluation happens on worker goroutines unless a delayed re-eval fires.
func (e *Engine) HandleWebhook(ctx context.Context, raw map[string]any) Response {
	now := e.now()
	sig, err := e.norm.Normalize(raw, now)
	if err != nil {
		e.log.Warn().Err(err).Msg("webhook rejected")
		return respond(http.StatusBadRequest, "Invalid data", OutcomeInvalidData)
	}
	e.metrics.IncWebhook(sig.Symbol)

	if !e.cache.Append(sig, now) {
		e.metrics.IncDuplicate(sig.Symbol)
		return respond(http.StatusOK, "Duplicate", "")
	}
	e.qtrend.UpdateFromSignal(sig)
	e.log.Debug().Str("symbol", sig.Symbol).Str("source", sig.Source).
		Str("event", sig.Event).Str("side", sig.Side).Msg("signal cached")

	// 1: freeze short-circuit.
	if e.hb.Frozen(now) {
		return respond(http.StatusOK, "Frozen by heartbeat", OutcomeBlockedHeartbeat)
	}

	// 2: open positions route to management, plus pyramid consideration
	// for unprocessed same-direction triggers.
	if e.hb.Broker().Positions > 0 {
		e.scheduleMgmt(sig)
		if isLorentzianTrigger(sig) && sig.IsDirectional() &&
			!e.isProcessed(sig.Symbol, TriggerKey(sig), now) && e.pyramidEligible(sig, now) {
			e.scheduleEntry(sig, "PYRAMID")
		}
		return respond(http.StatusOK, "Mgmt deferred", "")
	}

	// 3: flat book, Lorentzian entry trigger.
	if isLorentzianTrigger(sig) {
		if !sig.IsDirectional() {
			e.metrics.IncBlocked(sig.Symbol, OutcomeInvalidTrigger)
			return respond(http.StatusBadRequest, "Invalid trigger", OutcomeInvalidTrigger)
		}
		if e.isProcessed(sig.Symbol, TriggerKey(sig), now) {
			return respond(http.StatusOK, "Trigger already processed", OutcomeTriggerProcessed)
		}
		if e.lockBusy(sig.Symbol, now) {
			return respond(http.StatusOK, "Entry processing locked", OutcomeEntryLocked)
		}
		e.scheduleEntry(sig, "")
		return respond(http.StatusOK, "Entry deferred", "")
	}

	// 4: supportive evidence may retry a pending blocked entry.
	if e.cfg.DelayedEntryEnabled {
		if outcome, attempted := e.tryDelayedReEval(ctx, sig); attempted {
			return respond(outcomeStatus(outcome), outcomeBody(outcome), outcome)
		}
	}

	// 5: kept for context only.
	if sig.SignalType == signal.TypeContext || sig.IsQTrend() {
		return respond(http.StatusOK, "Context stored", "")
	}
	return respond(http.StatusOK, "Stored", "")
}

func isLorentzianTrigger(sig signal.Signal) bool {
	return sig.Source == signal.SourceLorentzian && sig.SignalType == signal.TypeEntryTrigger
}
