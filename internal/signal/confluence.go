package signal

import "sort"

// Confirmation and event weights for confluence counting.
const (
	weightBarClose = 1.0
	weightIntrabar = 0.6
	weightDefault  = 0.8
	weightTouch    = 0.7
)

// ConfluenceStats summarizes evidence around the newest Q-Trend anchor.
// Prompt context only: it never gates an entry on its own.
type ConfluenceStats struct {
	Available      bool     `json:"available"`
	AnchorSide     string   `json:"anchor_side,omitempty"`
	AnchorStrength string   `json:"anchor_strength,omitempty"`
	AnchorTime     int64    `json:"anchor_time,omitempty"`
	ConfirmSources int      `json:"confirm_sources"`
	ConfirmWeight  float64  `json:"confirm_weight"`
	OpposeSources  int      `json:"oppose_sources"`
	OpposeWeight   float64  `json:"oppose_weight"`
	Cancelled      bool     `json:"cancelled"`
	CancelReason   string   `json:"cancel_reason,omitempty"`
	Contributors   []string `json:"contributors,omitempty"`
}

// BuildConfluence picks the newest Q-Trend among fresh signals (strong
// preferred) and counts per-source confluence vs opposition within
// +/-windowSec of its timestamp. An opposite-side bar_close trigger or
// structure event after the anchor invalidates it.
func BuildConfluence(fresh []Signal, windowSec int64) ConfluenceStats {
	anchor, ok := pickAnchor(fresh)
	if !ok {
		return ConfluenceStats{}
	}

	stats := ConfluenceStats{
		Available:      true,
		AnchorSide:     anchor.Side,
		AnchorStrength: anchorStrength(anchor),
		AnchorTime:     anchor.EffectiveTime(),
	}

	confirm := make(map[string]float64)
	oppose := make(map[string]float64)

	for _, s := range fresh {
		if s.IsQTrend() {
			continue
		}
		dt := s.EffectiveTime() - stats.AnchorTime
		if dt < -windowSec || dt > windowSec {
			continue
		}
		if dt > 0 && s.Side != "" && s.Side != anchor.Side && s.Confirmed == ConfirmedBarClose &&
			(s.SignalType == TypeEntryTrigger || s.SignalType == TypeStructure) {
			stats.Cancelled = true
			stats.CancelReason = "cancel_due_to_opposite_bar_close"
		}
		if s.Side == "" {
			continue
		}
		w := confluenceWeight(s)
		if s.Side == anchor.Side {
			if w > confirm[s.Source] {
				confirm[s.Source] = w
			}
		} else {
			if w > oppose[s.Source] {
				oppose[s.Source] = w
			}
		}
	}

	for src, w := range confirm {
		stats.ConfirmSources++
		stats.ConfirmWeight += w
		stats.Contributors = append(stats.Contributors, src)
	}
	for _, w := range oppose {
		stats.OpposeSources++
		stats.OpposeWeight += w
	}
	sort.Strings(stats.Contributors)
	return stats
}

func pickAnchor(fresh []Signal) (Signal, bool) {
	var best Signal
	found := false
	for _, s := range fresh {
		if !s.IsQTrend() || !s.IsDirectional() {
			continue
		}
		if !found {
			best, found = s, true
			continue
		}
		bestStrong := anchorStrength(best) == StrengthStrong
		curStrong := anchorStrength(s) == StrengthStrong
		if curStrong != bestStrong {
			if curStrong {
				best = s
			}
			continue
		}
		if s.EffectiveTime() > best.EffectiveTime() {
			best = s
		}
	}
	return best, found
}

func anchorStrength(s Signal) string {
	if s.Source == SourceQTrendStrong || s.Strength == StrengthStrong {
		return StrengthStrong
	}
	return StrengthNormal
}

func confluenceWeight(s Signal) float64 {
	var w float64
	switch s.Confirmed {
	case ConfirmedBarClose:
		w = weightBarClose
	case ConfirmedIntrabar:
		w = weightIntrabar
	default:
		w = weightDefault
	}
	if isTouchLike(s.Event) {
		w *= weightTouch
	}
	return w
}
