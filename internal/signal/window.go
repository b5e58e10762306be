package signal

import "sort"

// Window list caps keep prompts bounded.
const (
	maxAlignedSignals = 30
	maxOpposedSignals = 30
	maxNeutralSignals = 20
)

// WindowSignal is the compact per-signal view embedded in AI prompts.
type WindowSignal struct {
	Source     string  `json:"source"`
	Event      string  `json:"event,omitempty"`
	Side       string  `json:"side,omitempty"`
	Confirmed  string  `json:"confirmed,omitempty"`
	Strength   string  `json:"strength,omitempty"`
	TF         string  `json:"tf,omitempty"`
	Price      float64 `json:"price,omitempty"`
	SignalTime int64   `json:"signal_time"`
	AgeSec     int64   `json:"age_sec"`
}

// WindowSignals is the deduped evidence around an entry trigger, split by
// direction relative to the trigger side.
type WindowSignals struct {
	Aligned      []WindowSignal `json:"aligned"`
	Opposed      []WindowSignal `json:"opposed"`
	Neutral      []WindowSignal `json:"neutral"`
	AlignedCount int            `json:"aligned_count"`
	OpposedCount int            `json:"opposed_count"`
	NeutralCount int            `json:"neutral_count"`
	CenterTS     int64          `json:"center_ts"`
	WindowSec    int64          `json:"window_sec"`
}

// windowAllowed filters sources and events admitted into trigger windows.
func windowAllowed(s Signal) bool {
	switch s.Source {
	case SourceQTrend, SourceQTrendStrong:
		return true
	case SourceZones:
		switch s.Event {
		case "zone_retrace_touch", "zone_touch", "new_zone_confirmed", "zone_confirmed":
			return true
		}
		return false
	case SourceFVG:
		return s.Event == "fvg_touch"
	default:
		return false
	}
}

// CollectWindow builds the aligned/opposed/neutral evidence lists around
// centerTS for a trigger side. Signals are deduped by (source, event, side)
// keeping the latest, then hard-capped per list.
func CollectWindow(cache *Cache, symbol string, centerTS int64, triggerSide string, windowSec int64) WindowSignals {
	out := WindowSignals{CenterTS: centerTS, WindowSec: windowSec}

	candidates := cache.Window(symbol, centerTS, windowSec)
	latest := make(map[string]Signal)
	for _, s := range candidates {
		if !windowAllowed(s) {
			continue
		}
		key := s.Source + "|" + s.Event + "|" + s.Side
		if prev, ok := latest[key]; !ok || s.EffectiveTime() > prev.EffectiveTime() {
			latest[key] = s
		}
	}

	deduped := make([]Signal, 0, len(latest))
	for _, s := range latest {
		deduped = append(deduped, s)
	}
	sort.Slice(deduped, func(i, j int) bool {
		return deduped[i].EffectiveTime() > deduped[j].EffectiveTime()
	})

	for _, s := range deduped {
		ws := WindowSignal{
			Source:     s.Source,
			Event:      s.Event,
			Side:       s.Side,
			Confirmed:  s.Confirmed,
			Strength:   s.Strength,
			TF:         s.TF,
			Price:      s.Price,
			SignalTime: s.EffectiveTime(),
			AgeSec:     centerTS - s.EffectiveTime(),
		}
		switch {
		case s.Side == "" || triggerSide == "":
			if len(out.Neutral) < maxNeutralSignals {
				out.Neutral = append(out.Neutral, ws)
			}
		case s.Side == triggerSide:
			if len(out.Aligned) < maxAlignedSignals {
				out.Aligned = append(out.Aligned, ws)
			}
		default:
			if len(out.Opposed) < maxOpposedSignals {
				out.Opposed = append(out.Opposed, ws)
			}
		}
	}

	out.AlignedCount = len(out.Aligned)
	out.OpposedCount = len(out.Opposed)
	out.NeutralCount = len(out.Neutral)
	return out
}
