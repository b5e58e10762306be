package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gold-decision-engine/internal/signal"
)

// PendingEntry survives a blocked evaluation so late-arriving evidence
// can retry it. At most one per symbol.
type PendingEntry struct {
	Trigger            signal.Signal `json:"trigger"`
	EntryMode          string        `json:"entry_mode,omitempty"` // "" or "PYRAMID"
	CreatedAt          time.Time     `json:"created_at"`
	ExpiresAt          time.Time     `json:"expires_at"`
	Attempts           int           `json:"attempts"`
	LastAttemptAt      time.Time     `json:"last_attempt_at"`
	LastRetrySignal    string        `json:"last_retry_signal,omitempty"`
	LastAttemptContext string        `json:"last_attempt_context,omitempty"`
}

// entryAgg is the sliding settle window for entry triggers. One worker
// goroutine per symbol while active.
type entryAgg struct {
	createdAt    time.Time
	dueAt        time.Time
	maxDueAt     time.Time
	trigger      signal.Signal
	entryMode    string
	triggerCount int
}

// mgmtAgg batches signals arriving while positions are open into one
// management decision.
type mgmtAgg struct {
	createdAt  time.Time
	dueAt      time.Time
	maxDueAt   time.Time
	lastSignal signal.Signal
	ring       []signal.Signal
}

// entryLock serializes evaluation and publication per symbol.
type entryLock struct {
	acquiredAt time.Time
	context    string
}

// AddonSession counts same-direction add-ons while a position is held.
type AddonSession struct {
	Side      string    `json:"side"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerKey is the processed-set dedupe key for an entry trigger. It is
// deterministic and excludes receive time, so racing deliveries of the
// same trigger hash identically.
func TriggerKey(s signal.Signal) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%.3f|%.5f",
		s.Symbol, strings.ToUpper(s.Side), s.TF, s.Source, s.Event,
		float64(s.EffectiveTime()), s.Price)
}

// throttleKey identifies one AI entry attempt for throttling.
func throttleKey(s signal.Signal) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d",
		s.Symbol, strings.ToUpper(s.Side), s.Source, s.Event, s.EffectiveTime()*1000)
}

// Event is one decision recorded in the /status ring buffers.
type Event struct {
	TS      int64  `json:"ts"`
	Symbol  string `json:"symbol"`
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
	Score   int    `json:"score,omitempty"`
}

// Ring is a bounded FIFO of recent events.
type Ring struct {
	mu    sync.Mutex
	size  int
	items []Event
}

// NewRing creates a ring keeping the last size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 50
	}
	return &Ring{size: size}
}

// Add appends an event, dropping the oldest past capacity.
func (r *Ring) Add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, e)
	if len(r.items) > r.size {
		r.items = r.items[len(r.items)-r.size:]
	}
}

// Items returns a copy, newest last.
func (r *Ring) Items() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.items...)
}

// --- per-symbol state accessors (all take e.mu) ---

func (e *Engine) isProcessed(symbol, key string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isProcessedLocked(symbol, key, now)
}

func (e *Engine) isProcessedLocked(symbol, key string, now time.Time) bool {
	set, ok := e.processed[symbol]
	if !ok {
		return false
	}
	ttl := time.Duration(e.cfg.ProcessedTriggerTTLSec) * time.Second
	for k, at := range set {
		if now.Sub(at) > ttl {
			delete(set, k)
		}
	}
	_, hit := set[key]
	return hit
}

func (e *Engine) markProcessed(symbol, key string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.processed[symbol]
	if !ok {
		set = make(map[string]time.Time)
		e.processed[symbol] = set
	}
	set[key] = now
}

// tryAcquireLock takes the per-symbol entry lock, reclaiming locks held
// past MaxHold.
func (e *Engine) tryAcquireLock(symbol, context string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.locks[symbol]; ok {
		if now.Sub(l.acquiredAt) < time.Duration(e.cfg.EntryLockMaxHoldSec)*time.Second {
			return false
		}
		e.log.Warn().Str("symbol", symbol).Str("context", l.context).Msg("reclaiming expired entry lock")
	}
	e.locks[symbol] = &entryLock{acquiredAt: now, context: context}
	return true
}

func (e *Engine) releaseLock(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, symbol)
}

func (e *Engine) lockBusy(symbol string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[symbol]
	if !ok {
		return false
	}
	return now.Sub(l.acquiredAt) < time.Duration(e.cfg.EntryLockMaxHoldSec)*time.Second
}

// upsertPending installs or refreshes the pending entry. The hard TTL is
// anchored at first creation.
func (e *Engine) upsertPending(sig signal.Signal, mode string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pending[sig.Symbol]; ok {
		p.Trigger = sig
		if mode != "" {
			p.EntryMode = mode
		}
		return
	}
	e.pending[sig.Symbol] = &PendingEntry{
		Trigger:   sig,
		EntryMode: mode,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(e.cfg.DelayedHardTTLSec) * time.Second),
	}
}

func (e *Engine) clearPending(symbol, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[symbol]; ok {
		delete(e.pending, symbol)
		e.log.Debug().Str("symbol", symbol).Str("reason", reason).Msg("pending entry cleared")
	}
}

// pendingFor returns a copy of the live pending entry, dropping it when
// the hard TTL has passed.
func (e *Engine) pendingFor(symbol string, now time.Time) (PendingEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[symbol]
	if !ok {
		return PendingEntry{}, false
	}
	if now.After(p.ExpiresAt) {
		delete(e.pending, symbol)
		return PendingEntry{}, false
	}
	return *p, true
}

// addonSession returns the session for a net side, resetting on flips.
// Caller must hold e.mu.
func (e *Engine) addonSessionLocked(symbol, netSide string, now time.Time) *AddonSession {
	s, ok := e.addons[symbol]
	if !ok || s.Side != netSide {
		s = &AddonSession{Side: netSide, UpdatedAt: now}
		e.addons[symbol] = s
	}
	return s
}

func (e *Engine) resetAddonSession(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.addons, symbol)
}

func (e *Engine) addonCount(symbol, netSide string, now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addonSessionLocked(symbol, netSide, now).Count
}

func (e *Engine) bumpAddonCount(symbol, netSide string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.addonSessionLocked(symbol, netSide, now)
	s.Count++
	s.UpdatedAt = now
}
