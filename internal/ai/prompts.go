package ai

import (
	"encoding/json"
	"fmt"
)

// SystemPrompt pins the oracle to machine-readable output.
const SystemPrompt = "You are a strict trading engine. Output ONLY JSON."

const entryPromptHeader = `Respond with STRICT JSON only, no prose, no markdown.
Task: score an XAUUSD entry trigger against the supplied evidence.
Output schema: {"confluence_score": <int 1-100>, "lot_multiplier": <float 0.5-2.0>, "reason": "<short string>"}
Scoring guidance:
- Reward aligned Q-Trend context, zone/FVG touches on the trigger side and a rising confirm weight.
- Punish opposition signals, wide spread vs ATR, large price drift and counter-slope SMA.
- confluence_score below 50 means do not trade; above 75 means solid confluence.
Payload:
`

const closePromptHeader = `Respond with STRICT JSON only, no prose, no markdown.
Task: decide CLOSE or HOLD for the open XAUUSD position from the supplied evidence.
Output schema: {"confidence": <int 0-100>, "reason": "<short string>", "trail_mode": "WIDE|NORMAL|TIGHT", "tp_mode": "WIDE|NORMAL|TIGHT"}
Guidance:
- confidence is the conviction that closing NOW is right; high only on clear reversal evidence.
- In DEVELOPMENT phase prefer HOLD with NORMAL modes unless strong reversal confluence.
- In PROFIT_PROTECT phase tighten modes as opposing evidence accumulates.
Payload:
`

// PromptOptions bounds payload size when compaction is enabled.
type PromptOptions struct {
	Compact   bool
	MaxItems  int
	MaxStrLen int
}

// DefaultPromptOptions returns compaction defaults (disabled).
func DefaultPromptOptions() PromptOptions {
	return PromptOptions{Compact: false, MaxItems: 20, MaxStrLen: 600}
}

// BuildEntryPrompt renders the deterministic entry_score prompt: header
// plus the marshaled payload.
func BuildEntryPrompt(payload any, opts PromptOptions) (string, error) {
	return buildPrompt(entryPromptHeader, payload, opts)
}

// BuildClosePrompt renders the deterministic close_hold prompt.
func BuildClosePrompt(payload any, opts PromptOptions) (string, error) {
	return buildPrompt(closePromptHeader, payload, opts)
}

func buildPrompt(header string, payload any, opts PromptOptions) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal prompt payload: %w", err)
	}
	if opts.Compact {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return "", fmt.Errorf("failed to reparse payload for compaction: %w", err)
		}
		v = compactValue(v, opts)
		body, err = json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal compacted payload: %w", err)
		}
	}
	return header + string(body), nil
}

// compactValue bounds list lengths and string sizes recursively.
func compactValue(v any, opts PromptOptions) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = compactValue(e, opts)
		}
		return t
	case []any:
		if opts.MaxItems > 0 && len(t) > opts.MaxItems {
			t = t[:opts.MaxItems]
		}
		for i, e := range t {
			t[i] = compactValue(e, opts)
		}
		return t
	case string:
		if opts.MaxStrLen > 0 && len(t) > opts.MaxStrLen {
			return t[:opts.MaxStrLen]
		}
		return t
	default:
		return v
	}
}
