// Package signal implements the normalized signal model, the per-symbol
// signal cache with event-specific retention, the Q-Trend context store,
// and the window/confluence aggregation used to build AI prompts.
package signal

import (
	"fmt"
	"strings"
)

// Canonical source names produced by the normalizer.
const (
	SourceQTrend       = "Q-Trend"
	SourceQTrendStrong = "Q-Trend Strong"
	SourceZones        = "Zones"
	SourceFVG          = "FVG"
	SourceOSGFC        = "OSGFC"
	SourceLorentzian   = "Lorentzian"
	SourceUnknown      = "unknown"
)

// Side values
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Signal types
const (
	TypeContext      = "context"
	TypeEntryTrigger = "entry_trigger"
	TypeStructure    = "structure"
	TypeTrendFilter  = "trend_filter"
)

// Confirmation kinds
const (
	ConfirmedBarClose = "bar_close"
	ConfirmedIntrabar = "intrabar"
)

// Strength values
const (
	StrengthNormal = "normal"
	StrengthStrong = "strong"
)

// Signal is a normalized webhook event. Immutable after normalization:
// SignalTime is set exactly once and never overwritten afterwards, so
// dedupe keys and window math stay stable across re-normalization.
type Signal struct {
	Symbol      string  `json:"symbol"`
	Source      string  `json:"source"`
	Side        string  `json:"side,omitempty"`
	SignalType  string  `json:"signal_type,omitempty"`
	Event       string  `json:"event,omitempty"`
	Confirmed   string  `json:"confirmed,omitempty"`
	Strength    string  `json:"strength,omitempty"`
	TF          string  `json:"tf,omitempty"`
	Price       float64 `json:"price,omitempty"`
	SignalTime  int64   `json:"signal_time"`
	ReceiveTime int64   `json:"receive_time"`
}

// EffectiveTime returns the signal's own timestamp, falling back to the
// receive time when the source did not provide one.
func (s Signal) EffectiveTime() int64 {
	if s.SignalTime > 0 {
		return s.SignalTime
	}
	return s.ReceiveTime
}

// IsQTrend reports whether the signal comes from the Q-Trend family.
func (s Signal) IsQTrend() bool {
	return s.Source == SourceQTrend || s.Source == SourceQTrendStrong
}

// IsDirectional reports whether the signal carries a tradable side.
func (s Signal) IsDirectional() bool {
	return s.Side == SideBuy || s.Side == SideSell
}

// DedupeKey identifies a signal for cache-level de-duplication. The key
// excludes ReceiveTime so near-simultaneous deliveries of the same event
// collapse to one entry.
func (s Signal) DedupeKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d",
		s.Symbol, s.Source, s.Event, s.SignalType, s.Confirmed, s.Side, s.EffectiveTime())
}

// RetentionClass groups signals by how long the cache keeps them.
type RetentionClass int

const (
	RetentionDefault RetentionClass = iota
	RetentionZonePresence
	RetentionZoneTouch
	RetentionFVG
)

// zonePresenceEvents are zone lifecycle events retained for the full zone
// lookback so later touches can reference them.
var zonePresenceEvents = map[string]bool{
	"new_zone_confirmed": true,
	"zone_confirmed":     true,
	"new_zone":           true,
	"zone_created":       true,
	"zone_breakout":      true,
}

var zoneTouchEvents = map[string]bool{
	"zone_retrace_touch": true,
	"zone_touch":         true,
}

// Classify maps a signal to its retention class.
func Classify(s Signal) RetentionClass {
	switch s.Source {
	case SourceZones:
		if zonePresenceEvents[s.Event] {
			return RetentionZonePresence
		}
		if zoneTouchEvents[s.Event] || isTouchLike(s.Event) {
			return RetentionZoneTouch
		}
		return RetentionDefault
	case SourceFVG:
		return RetentionFVG
	default:
		return RetentionDefault
	}
}

func isTouchLike(event string) bool {
	return strings.Contains(event, "touch") ||
		strings.Contains(event, "retrace") ||
		strings.Contains(event, "bounce")
}

// retentionBasis returns the timestamp retention is measured against.
// Presence events age by receive time (the zone exists from when we heard
// about it); everything else ages by receive time as well for pruning, but
// freshness filtering uses the signal's own time for non-presence classes.
func retentionBasis(s Signal) int64 {
	return s.ReceiveTime
}

func freshnessBasis(s Signal) int64 {
	if Classify(s) == RetentionZonePresence {
		return s.ReceiveTime
	}
	return s.EffectiveTime()
}
