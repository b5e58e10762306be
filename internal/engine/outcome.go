// Package engine implements the decision core: the webhook dispatcher,
// the entry pipeline with its ordered guards and AI gate, the management
// pipeline with settle-window batching, and the per-symbol state that
// keeps racing webhooks from double-firing.
package engine

import "net/http"

// Outcome codes surfaced in metrics, logs, and HTTP bodies. Every
// evaluation ends in exactly one of these.
const (
	OutcomeOK = "ok"

	OutcomeInvalidTrigger = "invalid_trigger"
	OutcomeInvalidData    = "invalid_data"

	OutcomeBlockedNoSpread    = "blocked_no_spread"
	OutcomeBlockedHeartbeat   = "blocked_heartbeat"
	OutcomeBlockedMarketGuard = "blocked_market_guard"
	OutcomeEntryLocked        = "entry_locked"
	OutcomeTriggerProcessed   = "trigger_already_processed"

	OutcomeBlockedSpread         = "blocked_spread"
	OutcomeBlockedSpreadVsATR    = "blocked_spread_vs_atr"
	OutcomeLRRBlockedEV          = "lrr_blocked_ev"
	OutcomeLRRBlockedSpreadSpike = "lrr_blocked_spread_spike"
	OutcomeLRRBlockedDist        = "lrr_blocked_dist"
	OutcomeLRRBlockedPanicVol    = "lrr_blocked_panic_vol"
	OutcomeBlockedCooldown       = "blocked_cooldown"
	OutcomeBlockedPriceDrift     = "blocked_price_drift"

	OutcomeSkipNetSideUnknown = "skip_net_side_unknown"
	OutcomeSkipPositionOpen   = "skip_position_open"
	OutcomeSkipAddonLimit     = "skip_addon_limit"
	OutcomeAIThrottled        = "ai_throttled"

	OutcomeBlockedAINoScore = "blocked_ai_no_score"
	OutcomeBlockedAIScore   = "blocked_ai_score"
	OutcomeBlockedAddonAI   = "blocked_addon_ai"

	OutcomeOrderSendFailed = "order_send_failed"
)

// Response is what the dispatcher hands back to the HTTP layer.
type Response struct {
	Status  int    `json:"-"`
	Body    string `json:"message"`
	Outcome string `json:"outcome,omitempty"`
}

func respond(status int, body, outcome string) Response {
	return Response{Status: status, Body: body, Outcome: outcome}
}

// outcomeStatus maps evaluation outcomes to HTTP status codes.
func outcomeStatus(outcome string) int {
	switch outcome {
	case OutcomeOK:
		return http.StatusOK
	case OutcomeInvalidTrigger, OutcomeInvalidData:
		return http.StatusBadRequest
	case OutcomeBlockedAIScore, OutcomeBlockedAddonAI:
		return http.StatusForbidden
	case OutcomeBlockedHeartbeat, OutcomeBlockedAINoScore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

// outcomeBody renders the short human string returned over HTTP.
func outcomeBody(outcome string) string {
	switch outcome {
	case OutcomeOK:
		return "OK"
	case OutcomeTriggerProcessed:
		return "Trigger already processed"
	case OutcomeEntryLocked:
		return "Entry processing locked"
	case OutcomeInvalidTrigger:
		return "Invalid trigger"
	case OutcomeBlockedHeartbeat:
		return "Blocked by heartbeat"
	default:
		return "Blocked: " + outcome
	}
}

// Trail and take-profit mode hints carried on CLOSE and HOLD messages.
const (
	ModeWide   = "WIDE"
	ModeNormal = "NORMAL"
	ModeTight  = "TIGHT"
)

// OrderMessage opens or adds to a position. The execution process owns
// lot sizing and stop placement; atr and sweep_extreme parameterize them.
type OrderMessage struct {
	Type         string  `json:"type"`
	Action       string  `json:"action"`
	Symbol       string  `json:"symbol"`
	ATR          float64 `json:"atr"`
	SweepExtreme float64 `json:"sweep_extreme"`
	Multiplier   float64 `json:"multiplier"`
	Reason       string  `json:"reason"`
	AIConfidence int     `json:"ai_confidence"`
	AIReason     string  `json:"ai_reason,omitempty"`
}

// CloseMessage asks the executor to flatten.
type CloseMessage struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	TrailMode string `json:"trail_mode"`
	TPMode    string `json:"tp_mode"`
}

// HoldMessage keeps positions with updated trail/tp hints.
type HoldMessage struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	TrailMode string `json:"trail_mode"`
	TPMode    string `json:"tp_mode"`
}

func validMode(m string) bool {
	return m == ModeWide || m == ModeNormal || m == ModeTight
}
