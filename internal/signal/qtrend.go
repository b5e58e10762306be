package signal

import (
	"sync"
	"time"
)

// QTrendContext is the latest trend state for a (symbol, tf) pair.
// Context-only: it never triggers an entry by itself.
type QTrendContext struct {
	Symbol    string  `json:"symbol"`
	TF        string  `json:"tf"`
	Side      string  `json:"side"`
	Strength  string  `json:"strength"`
	Price     float64 `json:"price,omitempty"`
	Confirmed string  `json:"confirmed,omitempty"`
	Event     string  `json:"event,omitempty"`
	Source    string  `json:"source"`
	UpdatedAt int64   `json:"updated_at"`
}

// Age returns seconds since the context was updated.
func (c QTrendContext) Age(now time.Time) int64 {
	return now.Unix() - c.UpdatedAt
}

// QTrendStore keeps at most one context per (symbol, tf), replaced on
// newer signals and treated as absent past MaxAgeSec.
type QTrendStore struct {
	mu         sync.RWMutex
	byKey      map[string]QTrendContext
	maxAgeSec  int64
	tfFallback bool
}

// NewQTrendStore creates a context store. tfFallback enables returning the
// freshest entry across timeframes when the requested tf has none.
func NewQTrendStore(maxAgeSec int64, tfFallback bool) *QTrendStore {
	return &QTrendStore{
		byKey:      make(map[string]QTrendContext),
		maxAgeSec:  maxAgeSec,
		tfFallback: tfFallback,
	}
}

// UpdateFromSignal stores trend state from Q-Trend signals with a valid
// side. Other signals are ignored.
func (q *QTrendStore) UpdateFromSignal(sig Signal) {
	if !sig.IsQTrend() || !sig.IsDirectional() {
		return
	}
	strength := StrengthNormal
	if sig.Source == SourceQTrendStrong || sig.Strength == StrengthStrong {
		strength = StrengthStrong
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	key := sig.Symbol + "|" + sig.TF
	prev, ok := q.byKey[key]
	if ok && prev.UpdatedAt > sig.EffectiveTime() {
		return
	}
	q.byKey[key] = QTrendContext{
		Symbol:    sig.Symbol,
		TF:        sig.TF,
		Side:      sig.Side,
		Strength:  strength,
		Price:     sig.Price,
		Confirmed: sig.Confirmed,
		Event:     sig.Event,
		Source:    sig.Source,
		UpdatedAt: sig.EffectiveTime(),
	}
}

// Get resolves a context: exact tf first, then the tf-less entry, then
// (when fallback is on) the freshest entry for the symbol. Entries older
// than the max age are absent.
func (q *QTrendStore) Get(symbol, tf string, now time.Time) (QTrendContext, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	nowSec := now.Unix()
	if ctx, ok := q.byKey[symbol+"|"+tf]; ok && q.fresh(ctx, nowSec) {
		return ctx, true
	}
	if tf != "" {
		if ctx, ok := q.byKey[symbol+"|"]; ok && q.fresh(ctx, nowSec) {
			return ctx, true
		}
	}
	if q.tfFallback {
		var best QTrendContext
		found := false
		for _, ctx := range q.byKey {
			if ctx.Symbol != symbol || !q.fresh(ctx, nowSec) {
				continue
			}
			if !found || ctx.UpdatedAt > best.UpdatedAt {
				best = ctx
				found = true
			}
		}
		if found {
			return best, true
		}
	}
	return QTrendContext{}, false
}

func (q *QTrendStore) fresh(ctx QTrendContext, nowSec int64) bool {
	return nowSec-ctx.UpdatedAt <= q.maxAgeSec
}

// FromWindowSignals derives a context from Q-Trend signals found inside a
// trigger window when the store itself has nothing fresh. The newest
// directional Q-Trend signal within maxAgeSec wins, strong preferred.
func (q *QTrendStore) FromWindowSignals(sigs []Signal, now time.Time) (QTrendContext, bool) {
	nowSec := now.Unix()
	var best Signal
	found := false
	for _, s := range sigs {
		if !s.IsQTrend() || !s.IsDirectional() {
			continue
		}
		if nowSec-s.EffectiveTime() > q.maxAgeSec {
			continue
		}
		if !found {
			best, found = s, true
			continue
		}
		bestStrong := best.Source == SourceQTrendStrong || best.Strength == StrengthStrong
		curStrong := s.Source == SourceQTrendStrong || s.Strength == StrengthStrong
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
	if !found {
		return QTrendContext{}, false
	}
	strength := StrengthNormal
	if best.Source == SourceQTrendStrong || best.Strength == StrengthStrong {
		strength = StrengthStrong
	}
	return QTrendContext{
		Symbol:    best.Symbol,
		TF:        best.TF,
		Side:      best.Side,
		Strength:  strength,
		Price:     best.Price,
		Confirmed: best.Confirmed,
		Event:     best.Event,
		Source:    best.Source,
		UpdatedAt: best.EffectiveTime(),
	}, true
}
