// Package metrics keeps the rolling per-day, per-symbol decision counters
// persisted to disk, with an optional Prometheus mirror for dashboards.
package metrics

import (
	"fmt"
	"sync"
	"time"
)

// GuardStat aggregates one guard's observed values.
type GuardStat struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// EntryExample is one evaluated entry kept for auto-tuning and audit.
type EntryExample struct {
	TS           int64   `json:"ts"`
	Symbol       string  `json:"symbol"`
	Action       string  `json:"action"`
	Outcome      string  `json:"outcome"`
	Score        int     `json:"score,omitempty"`
	ATRPoints    float64 `json:"atr_points,omitempty"`
	SpreadPoints float64 `json:"spread_points,omitempty"`
	ATRToSpread  float64 `json:"atr_to_spread,omitempty"`
	DriftPoints  float64 `json:"drift_points,omitempty"`
}

// MgmtExample is one close/hold decision kept for audit.
type MgmtExample struct {
	TS         int64  `json:"ts"`
	Symbol     string `json:"symbol"`
	Decision   string `json:"decision"`
	Phase      string `json:"phase,omitempty"`
	Confidence int    `json:"confidence"`
	Reason     string `json:"reason,omitempty"`
}

// MgmtMetrics groups management-side counters.
type MgmtMetrics struct {
	Decisions      int64            `json:"decisions"`
	Close          int64            `json:"close"`
	Hold           int64            `json:"hold"`
	PhaseCounts    map[string]int64 `json:"phase_counts"`
	ConfidenceHist map[string]int64 `json:"confidence_hist"`
	Examples       []MgmtExample    `json:"examples"`
}

// SymbolMetrics is one day's counters for one symbol.
type SymbolMetrics struct {
	Webhooks         int64                 `json:"webhooks"`
	Duplicates       int64                 `json:"duplicates"`
	EntryAttempts    int64                 `json:"entry_attempts"`
	EntryOK          int64                 `json:"entry_ok"`
	Blocked          map[string]int64      `json:"blocked"`
	AIScoreHist      map[string]int64      `json:"ai_score_hist"`
	GuardStats       map[string]*GuardStat `json:"guard_stats"`
	Examples         []EntryExample        `json:"examples"`
	AICalls          int64                 `json:"ai_calls"`
	AIErrors         int64                 `json:"ai_errors"`
	AILatencyMsSum   int64                 `json:"ai_latency_ms_sum"`
	AIValidationFail int64                 `json:"ai_validation_fail"`
	BusSendOK        int64                 `json:"bus_send_ok"`
	BusSendFail      int64                 `json:"bus_send_fail"`
	Mgmt             *MgmtMetrics          `json:"mgmt"`
}

func newSymbolMetrics() *SymbolMetrics {
	return &SymbolMetrics{
		Blocked:     make(map[string]int64),
		AIScoreHist: make(map[string]int64),
		GuardStats:  make(map[string]*GuardStat),
		Mgmt: &MgmtMetrics{
			PhaseCounts:    make(map[string]int64),
			ConfidenceHist: make(map[string]int64),
		},
	}
}

// ByDay is the persisted metrics shape: day -> symbol -> counters.
type ByDay map[string]map[string]*SymbolMetrics

// Config bounds the registry.
type Config struct {
	KeepDays    int
	MaxExamples int
}

// DefaultConfig returns the production retention bounds.
func DefaultConfig() Config {
	return Config{KeepDays: 14, MaxExamples: 80}
}

// Registry is the concurrent rolling metrics store. All write paths mark
// it dirty for the flusher; the optional Prometheus mirror is updated
// inline.
type Registry struct {
	mu    sync.Mutex
	cfg   Config
	days  ByDay
	dirty bool
	prom  *Prom
	now   func() time.Time
}

// NewRegistry creates an empty registry. prom may be nil.
func NewRegistry(cfg Config, prom *Prom) *Registry {
	if cfg.KeepDays <= 0 {
		cfg.KeepDays = 14
	}
	if cfg.MaxExamples <= 0 {
		cfg.MaxExamples = 80
	}
	return &Registry{
		cfg:  cfg,
		days: make(ByDay),
		prom: prom,
		now:  time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (r *Registry) SetNowFunc(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// bucket returns the lazily initialized counters for today and symbol.
// Caller must hold the lock.
func (r *Registry) bucket(symbol string) *SymbolMetrics {
	day := dayKey(r.now())
	symbols, ok := r.days[day]
	if !ok {
		symbols = make(map[string]*SymbolMetrics)
		r.days[day] = symbols
		r.pruneLocked()
	}
	m, ok := symbols[symbol]
	if !ok {
		m = newSymbolMetrics()
		symbols[symbol] = m
	}
	r.dirty = true
	return m
}

// IncWebhook counts one accepted webhook.
func (r *Registry) IncWebhook(symbol string) {
	r.mu.Lock()
	r.bucket(symbol).Webhooks++
	r.mu.Unlock()
	if r.prom != nil {
		r.prom.Webhooks.WithLabelValues(symbol).Inc()
	}
}

// IncDuplicate counts one deduplicated webhook.
func (r *Registry) IncDuplicate(symbol string) {
	r.mu.Lock()
	r.bucket(symbol).Duplicates++
	r.mu.Unlock()
}

// IncEntryAttempt counts one entry evaluation.
func (r *Registry) IncEntryAttempt(symbol string) {
	r.mu.Lock()
	r.bucket(symbol).EntryAttempts++
	r.mu.Unlock()
}

// IncEntryOK counts one published ORDER.
func (r *Registry) IncEntryOK(symbol, action string) {
	r.mu.Lock()
	r.bucket(symbol).EntryOK++
	r.mu.Unlock()
	if r.prom != nil {
		r.prom.Orders.WithLabelValues(action).Inc()
	}
}

// IncBlocked counts one outcome code.
func (r *Registry) IncBlocked(symbol, code string) {
	r.mu.Lock()
	r.bucket(symbol).Blocked[code]++
	r.mu.Unlock()
	if r.prom != nil {
		r.prom.Blocked.WithLabelValues(code).Inc()
	}
}

// ObserveAIScore records an entry score into decade buckets.
func (r *Registry) ObserveAIScore(symbol string, score int) {
	b := scoreBucket(score)
	r.mu.Lock()
	r.bucket(symbol).AIScoreHist[b]++
	r.mu.Unlock()
}

func scoreBucket(score int) string {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	lo := (score / 10) * 10
	if lo == 100 {
		lo = 90
	}
	return fmt.Sprintf("%d-%d", lo, lo+9)
}

// ObserveGuard records one guard measurement.
func (r *Registry) ObserveGuard(symbol, name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.bucket(symbol)
	g, ok := m.GuardStats[name]
	if !ok {
		g = &GuardStat{Min: value, Max: value}
		m.GuardStats[name] = g
	}
	g.Count++
	g.Sum += value
	if value < g.Min {
		g.Min = value
	}
	if value > g.Max {
		g.Max = value
	}
}

// AddExample appends an entry example, bounded to MaxExamples.
func (r *Registry) AddExample(ex EntryExample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.bucket(ex.Symbol)
	m.Examples = append(m.Examples, ex)
	if len(m.Examples) > r.cfg.MaxExamples {
		m.Examples = m.Examples[len(m.Examples)-r.cfg.MaxExamples:]
	}
}

// RecordAICall counts one oracle round trip.
func (r *Registry) RecordAICall(kind, symbol string, latencyMs int64, ok bool) {
	r.mu.Lock()
	m := r.bucket(symbol)
	m.AICalls++
	if !ok {
		m.AIErrors++
	}
	m.AILatencyMsSum += latencyMs
	r.mu.Unlock()
	if r.prom != nil {
		outcome := "ok"
		if !ok {
			outcome = "error"
		}
		r.prom.AICalls.WithLabelValues(kind, outcome).Inc()
		r.prom.AILatency.Observe(float64(latencyMs) / 1000.0)
	}
}

// IncAIValidationFail counts one malformed oracle response.
func (r *Registry) IncAIValidationFail(symbol string) {
	r.mu.Lock()
	r.bucket(symbol).AIValidationFail++
	r.mu.Unlock()
}

// IncBusSend counts one publish attempt per kind.
func (r *Registry) IncBusSend(symbol, kind string, ok bool) {
	r.mu.Lock()
	m := r.bucket(symbol)
	if ok {
		m.BusSendOK++
	} else {
		m.BusSendFail++
	}
	r.mu.Unlock()
	if r.prom != nil {
		outcome := "ok"
		if !ok {
			outcome = "fail"
		}
		r.prom.BusSend.WithLabelValues(kind, outcome).Inc()
	}
}

// RecordMgmtDecision counts one close/hold decision.
func (r *Registry) RecordMgmtDecision(symbol, decision, phase string, confidence int) {
	r.mu.Lock()
	m := r.bucket(symbol).Mgmt
	m.Decisions++
	if decision == "close" {
		m.Close++
	} else {
		m.Hold++
	}
	if phase != "" {
		m.PhaseCounts[phase]++
	}
	m.ConfidenceHist[scoreBucket(confidence)]++
	r.mu.Unlock()
	if r.prom != nil {
		r.prom.MgmtDecisions.WithLabelValues(decision).Inc()
	}
}

// AddMgmtExample appends a management example, bounded to MaxExamples.
func (r *Registry) AddMgmtExample(ex MgmtExample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.bucket(ex.Symbol).Mgmt
	m.Examples = append(m.Examples, ex)
	if len(m.Examples) > r.cfg.MaxExamples {
		m.Examples = m.Examples[len(m.Examples)-r.cfg.MaxExamples:]
	}
}

// Prune drops days older than KeepDays.
func (r *Registry) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
}

func (r *Registry) pruneLocked() {
	cutoff := dayKey(r.now().AddDate(0, 0, -r.cfg.KeepDays))
	for day := range r.days {
		if day < cutoff {
			delete(r.days, day)
			r.dirty = true
		}
	}
}

// Snapshot deep-copies the rolling map for persistence and /metrics.
func (r *Registry) Snapshot() ByDay {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(ByDay, len(r.days))
	for day, symbols := range r.days {
		copied := make(map[string]*SymbolMetrics, len(symbols))
		for sym, m := range symbols {
			copied[sym] = copySymbolMetrics(m)
		}
		out[day] = copied
	}
	return out
}

func copySymbolMetrics(m *SymbolMetrics) *SymbolMetrics {
	c := *m
	c.Blocked = copyCounts(m.Blocked)
	c.AIScoreHist = copyCounts(m.AIScoreHist)
	c.GuardStats = make(map[string]*GuardStat, len(m.GuardStats))
	for k, g := range m.GuardStats {
		gc := *g
		c.GuardStats[k] = &gc
	}
	c.Examples = append([]EntryExample(nil), m.Examples...)
	if m.Mgmt != nil {
		mgmt := *m.Mgmt
		mgmt.PhaseCounts = copyCounts(m.Mgmt.PhaseCounts)
		mgmt.ConfidenceHist = copyCounts(m.Mgmt.ConfidenceHist)
		mgmt.Examples = append([]MgmtExample(nil), m.Mgmt.Examples...)
		c.Mgmt = &mgmt
	}
	return &c
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Restore loads persisted metrics, pruning stale days.
func (r *Registry) Restore(days ByDay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if days == nil {
		return
	}
	for day, symbols := range days {
		if symbols == nil {
			continue
		}
		for sym, m := range symbols {
			if m == nil {
				delete(symbols, sym)
				continue
			}
			if m.Blocked == nil {
				m.Blocked = make(map[string]int64)
			}
			if m.AIScoreHist == nil {
				m.AIScoreHist = make(map[string]int64)
			}
			if m.GuardStats == nil {
				m.GuardStats = make(map[string]*GuardStat)
			}
			if m.Mgmt == nil {
				m.Mgmt = &MgmtMetrics{}
			}
			if m.Mgmt.PhaseCounts == nil {
				m.Mgmt.PhaseCounts = make(map[string]int64)
			}
			if m.Mgmt.ConfidenceHist == nil {
				m.Mgmt.ConfidenceHist = make(map[string]int64)
			}
		}
		r.days[day] = symbols
	}
	r.pruneLocked()
	r.dirty = false
}

// RecentExamples returns entry examples from the last keepDays, newest
// last, for the auto-tuner.
func (r *Registry) RecentExamples() []EntryExample {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []EntryExample
	for _, symbols := range r.days {
		for _, m := range symbols {
			out = append(out, m.Examples...)
		}
	}
	return out
}

// Dirty reports pending changes since the last MarkClean.
func (r *Registry) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// MarkClean clears the dirty flag after a flush.
func (r *Registry) MarkClean() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = false
}
