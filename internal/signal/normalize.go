package signal

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrMissingSymbol is returned when a payload carries no recognizable
// symbol field and no default symbol is configured.
var ErrMissingSymbol = errors.New("webhook payload has no symbol")

// maxFieldLen bounds every sanitized string before it reaches logs or
// prompts.
const maxFieldLen = 200

// sourceAliases maps lowercase raw source strings to canonical names.
var sourceAliases = map[string]string{
	"q-trend":                   SourceQTrend,
	"qtrend":                    SourceQTrend,
	"q_trend":                   SourceQTrend,
	"qtrendnormal":              SourceQTrend,
	"q-trend strong":            SourceQTrendStrong,
	"qtrendstrong":              SourceQTrendStrong,
	"q_trend_strong":            SourceQTrendStrong,
	"zones":                     SourceZones,
	"zonesdetector":             SourceZones,
	"zones_detector":            SourceZones,
	"fvg":                       SourceFVG,
	"luxalgo_fvg":               SourceFVG,
	"osgfc":                     SourceOSGFC,
	"lorentzian":                SourceLorentzian,
	"lorentzian classification": SourceLorentzian,
	"lorentzian_classification": SourceLorentzian,
}

// NormalizerConfig holds symbol mapping and legacy compatibility knobs.
type NormalizerConfig struct {
	SymbolAliases map[string]string // e.g. XAUUSD -> GOLD
	DefaultSymbol string
	// AssumeActionIsQTrend infers a Q-Trend source when the payload has an
	// action but no source. Legacy compatibility knob, off by default.
	AssumeActionIsQTrend bool
}

// Normalizer converts raw webhook payloads into immutable Signals.
type Normalizer struct {
	cfg NormalizerConfig
}

// NewNormalizer creates a normalizer with the given config.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	if cfg.SymbolAliases == nil {
		cfg.SymbolAliases = map[string]string{}
	}
	return &Normalizer{cfg: cfg}
}

// Normalize canonicalizes a raw payload into a Signal. The returned Signal
// always has Symbol, Source, SignalTime and ReceiveTime set.
func (n *Normalizer) Normalize(raw map[string]any, now time.Time) (Signal, error) {
	recv := now.Unix()

	sym := firstString(raw, "symbol", "ticker", "instrument", "market", "pair")
	sym = n.normalizeSymbol(sym)
	if sym == "" {
		if n.cfg.DefaultSymbol == "" {
			return Signal{}, ErrMissingSymbol
		}
		sym = strings.ToUpper(n.cfg.DefaultSymbol)
	}

	side := strings.ToLower(sanitize(firstString(raw, "side")))
	if side != SideBuy && side != SideSell {
		side = ""
	}
	action := strings.ToLower(sanitize(firstString(raw, "action")))
	if side == "" && (action == SideBuy || action == SideSell) {
		side = action
	}

	strength := strings.ToLower(sanitize(firstString(raw, "strength")))
	if strength != StrengthNormal && strength != StrengthStrong {
		strength = ""
	}

	rawSource := sanitize(firstString(raw, "source"))
	source := canonicalSource(rawSource, strength)
	if source == SourceUnknown && rawSource == "" && n.cfg.AssumeActionIsQTrend && action != "" {
		source = SourceQTrend
	}
	if source == SourceQTrendStrong {
		strength = StrengthStrong
	}

	sigType := strings.ToLower(sanitize(firstString(raw, "signal_type")))
	switch sigType {
	case TypeContext, TypeEntryTrigger, TypeStructure, TypeTrendFilter:
	default:
		sigType = ""
	}

	event := strings.ToLower(sanitize(firstString(raw, "event")))

	confirmed := strings.ToLower(sanitize(firstString(raw, "confirmed")))
	if confirmed != ConfirmedBarClose && confirmed != ConfirmedIntrabar {
		confirmed = ""
	}

	tf := NormalizeTF(firstString(raw, "tf", "timeframe", "interval"))

	price, _ := toFloat(firstValue(raw, "price", "close", "c"))

	sigTime := parseSignalTime(firstValue(raw, "time", "timenow", "timestamp"), recv)

	return Signal{
		Symbol:      sym,
		Source:      source,
		Side:        side,
		SignalType:  sigType,
		Event:       event,
		Confirmed:   confirmed,
		Strength:    strength,
		TF:          tf,
		Price:       price,
		SignalTime:  sigTime,
		ReceiveTime: recv,
	}, nil
}

// EnsureNormalized repairs a signal restored from disk without touching
// SignalTime once set.
func EnsureNormalized(s *Signal, now time.Time) {
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	if s.Source == "" {
		s.Source = SourceUnknown
	}
	if s.ReceiveTime == 0 {
		s.ReceiveTime = now.Unix()
	}
	if s.SignalTime == 0 {
		s.SignalTime = s.ReceiveTime
	}
}

func (n *Normalizer) normalizeSymbol(sym string) string {
	sym = strings.TrimSpace(sanitize(sym))
	if sym == "" {
		return ""
	}
	// "OANDA:XAUUSD" -> "XAUUSD"
	if i := strings.LastIndex(sym, ":"); i >= 0 {
		sym = sym[i+1:]
	}
	sym = strings.ToUpper(sym)
	if mapped, ok := n.cfg.SymbolAliases[sym]; ok {
		return strings.ToUpper(mapped)
	}
	return sym
}

func canonicalSource(raw, strength string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return SourceUnknown
	}
	src, ok := sourceAliases[key]
	if !ok {
		if strings.Contains(key, "qtrend") || strings.Contains(key, "q-trend") || strings.Contains(key, "q_trend") {
			src = SourceQTrend
			if strings.Contains(key, "strong") {
				src = SourceQTrendStrong
			}
		} else {
			return raw
		}
	}
	if src == SourceQTrend && strength == StrengthStrong {
		return SourceQTrendStrong
	}
	return src
}

// NormalizeTF canonicalizes timeframe labels: integer minutes become
// "m<n>" with the common hour/day aliases, and known labels pass through
// lowercased. Unknown input returns "".
func NormalizeTF(raw string) string {
	tf := strings.ToLower(strings.TrimSpace(sanitize(raw)))
	if tf == "" {
		return ""
	}
	if mins, err := strconv.Atoi(tf); err == nil {
		switch mins {
		case 60:
			return "h1"
		case 240:
			return "h4"
		case 1440:
			return "d1"
		default:
			if mins > 0 {
				return "m" + strconv.Itoa(mins)
			}
			return ""
		}
	}
	if len(tf) >= 2 && (tf[0] == 'm' || tf[0] == 'h' || tf[0] == 'd' || tf[0] == 'w') {
		if _, err := strconv.Atoi(tf[1:]); err == nil {
			return tf
		}
	}
	return ""
}

// parseSignalTime resolves the signal's own timestamp: numeric epoch
// (milliseconds when >= 1e12, else seconds), then ISO-8601 (UTC assumed
// when no zone), then the receive time.
func parseSignalTime(v any, recv int64) int64 {
	if v == nil {
		return recv
	}
	if f, ok := toFloat(v); ok && f > 0 {
		if f >= 1e12 {
			return int64(f / 1000)
		}
		return int64(f)
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		for _, layout := range []string{
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
		} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC().Unix()
			}
		}
	}
	return recv
}

// sanitize bounds a string and strips control bytes before it can reach
// logs or prompts.
func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if len(out) > maxFieldLen {
		out = out[:maxFieldLen]
	}
	return out
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			switch t := v.(type) {
			case string:
				if strings.TrimSpace(t) != "" {
					return t
				}
			case float64:
				return strconv.FormatFloat(t, 'f', -1, 64)
			case int:
				return strconv.Itoa(t)
			}
		}
	}
	return ""
}

func firstValue(raw map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
