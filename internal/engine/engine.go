package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gold-decision-engine/internal/ai"
	"gold-decision-engine/internal/bus"
	"gold-decision-engine/internal/journal"
	"gold-decision-engine/internal/market"
	"gold-decision-engine/internal/metrics"
	"gold-decision-engine/internal/signal"
)

// Config holds the decision parameters. Two of them
// (SpreadMaxATRRatio, DriftLimitATRMult) are retuned at runtime by the
// auto-tuner through SetTunedGuards.
type Config struct {
	// settle windows
	EntryWaitSec    int64
	EntryMaxWaitSec int64
	EntryWindowSec  int64
	MgmtWaitSec     int64
	MgmtMaxWaitSec  int64
	MgmtRingSize    int

	ConfluenceWindowSec int64

	// market guards
	MarketGuardEnabled  bool
	SpreadHardCapPoints float64
	SpreadMaxATRRatio   float64
	SpreadATRSoftMin    float64
	LRREVHardMin        float64
	LRRSpreadSpikeMult  float64
	LRRDistHardReject   float64
	LRRVolPanicRatio    float64
	EntryCooldownSec    int64
	DriftLimitATRMult   float64
	DriftMinPoints      float64
	DriftMaxPoints      float64
	DriftHardBlock      bool
	ATRFloorMult        float64
	ATRSpikeCapMult     float64

	// AI gate
	AIEntryMinScore              int
	AIEntryMinScoreStrongAligned int
	AddonMinAIScore              int
	AIEntryThrottleSec           int64
	AICloseThrottleSec           int64
	AICloseMinConfidence         int
	MgmtAIFallback               string // "hold" or "default_close"
	MgmtFallbackConfidence       int

	// entry policy
	AddonEnabled           bool
	AddonMaxPerSession     int
	DelayedEntryEnabled    bool
	DelayedMaxAttempts     int
	DelayedMinRetrySec     int64
	DelayedHardTTLSec      int64
	EntryLockMaxHoldSec    int64
	ProcessedTriggerTTLSec int64

	// management phases
	MaxDevelopmentSec       int64
	BreakevenBandSpreadMult float64
	BreakevenBandATRMult    float64
	ProfitProtectSpreadMult float64
	ProfitProtectATRMult    float64

	PromptOptions ai.PromptOptions
}

// DefaultConfig returns the production decision parameters.
func DefaultConfig() Config {
	return Config{
		EntryWaitSec:    3,
		EntryMaxWaitSec: 12,
		EntryWindowSec:  90,
		MgmtWaitSec:     3,
		MgmtMaxWaitSec:  10,
		MgmtRingSize:    12,

		ConfluenceWindowSec: 600,

		MarketGuardEnabled:  true,
		SpreadHardCapPoints: 90,
		SpreadMaxATRRatio:   0.10,
		SpreadATRSoftMin:    10,
		LRREVHardMin:        10,
		LRRSpreadSpikeMult:  2.5,
		LRRDistHardReject:   5.0,
		LRRVolPanicRatio:    2.0,
		EntryCooldownSec:    60,
		DriftLimitATRMult:   0.35,
		DriftMinPoints:      30,
		DriftMaxPoints:      400,
		DriftHardBlock:      true,
		ATRFloorMult:        0.7,
		ATRSpikeCapMult:     1.6,

		AIEntryMinScore:              75,
		AIEntryMinScoreStrongAligned: 68,
		AddonMinAIScore:              75,
		AIEntryThrottleSec:           15,
		AICloseThrottleSec:           20,
		AICloseMinConfidence:         70,
		MgmtAIFallback:               "hold",
		MgmtFallbackConfidence:       75,

		AddonEnabled:           true,
		AddonMaxPerSession:     5,
		DelayedEntryEnabled:    true,
		DelayedMaxAttempts:     3,
		DelayedMinRetrySec:     20,
		DelayedHardTTLSec:      600,
		EntryLockMaxHoldSec:    45,
		ProcessedTriggerTTLSec: 3600,

		MaxDevelopmentSec:       1800,
		BreakevenBandSpreadMult: 1.5,
		BreakevenBandATRMult:    0.10,
		ProfitProtectSpreadMult: 4.0,
		ProfitProtectATRMult:    0.9,

		PromptOptions: ai.DefaultPromptOptions(),
	}
}

// MarketSource supplies market snapshots; *market.Provider in production.
type MarketSource interface {
	Snapshot(symbol string, now time.Time) (market.Snapshot, error)
}

// Liveness reports executor heartbeat state; *bus.Heartbeat in production.
type Liveness interface {
	Fresh(now time.Time) bool
	Frozen(now time.Time) bool
	AgeSec(now time.Time) int64
	Broker() bus.BrokerState
	BrokerTime(now time.Time) time.Time
}

// Publisher sends serialized decisions; *bus.Publisher in production.
type Publisher interface {
	Publish(ctx context.Context, symbol, kind string, payload any) error
}

// Engine owns all decision state. One value per process; dependencies are
// injected explicitly.
type Engine struct {
	cfg Config
	log zerolog.Logger

	norm    *signal.Normalizer
	cache   *signal.Cache
	qtrend  *signal.QTrendStore
	markets MarketSource
	oracle  ai.Oracle
	pub     Publisher
	hb      Liveness
	metrics *metrics.Registry
	journal journal.Recorder

	// Notify pushes decision events to live dashboards. Optional.
	Notify func(Event)

	mu            sync.Mutex
	pending       map[string]*PendingEntry
	entryAggs     map[string]*entryAgg
	mgmtAggs      map[string]*mgmtAgg
	processed     map[string]map[string]time.Time
	locks         map[string]*entryLock
	addons        map[string]*AddonSession
	lastOrderSent map[string]time.Time
	lastAIAttempt map[string]time.Time
	lastMgmtCall  map[string]time.Time

	tunedMu           sync.RWMutex
	spreadMaxATRRatio float64
	driftLimitATRMult float64

	entryRing *Ring
	mgmtRing  *Ring

	workers sync.WaitGroup
	now     func() time.Time
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Normalizer *signal.Normalizer
	Cache      *signal.Cache
	QTrend     *signal.QTrendStore
	Market     MarketSource
	Oracle     ai.Oracle
	Pub        Publisher
	HB         Liveness
	Metrics    *metrics.Registry
	Journal    journal.Recorder
}

// New wires an engine. Normalizer and Journal may be nil (defaulted and
// no-op respectively).
func New(cfg Config, deps Deps, log zerolog.Logger) *Engine {
	j := deps.Journal
	if j == nil {
		j = journal.Noop()
	}
	n := deps.Normalizer
	if n == nil {
		n = signal.NewNormalizer(signal.NormalizerConfig{})
	}
	return &Engine{
		cfg:     cfg,
		log:     log.With().Str("component", "engine").Logger(),
		norm:    n,
		cache:   deps.Cache,
		qtrend:  deps.QTrend,
		markets: deps.Market,
		oracle:  deps.Oracle,
		pub:     deps.Pub,
		hb:      deps.HB,
		metrics: deps.Metrics,
		journal: j,

		pending:       make(map[string]*PendingEntry),
		entryAggs:     make(map[string]*entryAgg),
		mgmtAggs:      make(map[string]*mgmtAgg),
		processed:     make(map[string]map[string]time.Time),
		locks:         make(map[string]*entryLock),
		addons:        make(map[string]*AddonSession),
		lastOrderSent: make(map[string]time.Time),
		lastAIAttempt: make(map[string]time.Time),
		lastMgmtCall:  make(map[string]time.Time),

		spreadMaxATRRatio: cfg.SpreadMaxATRRatio,
		driftLimitATRMult: cfg.DriftLimitATRMult,

		entryRing: NewRing(50),
		mgmtRing:  NewRing(50),

		now: time.Now,
	}
}

// SetTunedGuards installs auto-tuned guard values.
func (e *Engine) SetTunedGuards(spreadMaxATRRatio, driftLimitATRMult float64) {
	e.tunedMu.Lock()
	defer e.tunedMu.Unlock()
	if spreadMaxATRRatio > 0 {
		e.spreadMaxATRRatio = spreadMaxATRRatio
	}
	if driftLimitATRMult > 0 {
		e.driftLimitATRMult = driftLimitATRMult
	}
}

// TunedGuards returns the live guard values.
func (e *Engine) TunedGuards() (spreadMaxATRRatio, driftLimitATRMult float64) {
	e.tunedMu.RLock()
	defer e.tunedMu.RUnlock()
	return e.spreadMaxATRRatio, e.driftLimitATRMult
}

// Drain waits for in-flight aggregation workers to finish.
func (e *Engine) Drain() {
	e.workers.Wait()
}

// EntryRing returns recent entry decisions for /status.
func (e *Engine) EntryRing() []Event { return e.entryRing.Items() }

// MgmtRing returns recent management decisions for /status.
func (e *Engine) MgmtRing() []Event { return e.mgmtRing.Items() }

// Status summarizes live engine state for the /status endpoint.
func (e *Engine) Status(now time.Time) map[string]any {
	e.mu.Lock()
	pendingOut := make(map[string]PendingEntry, len(e.pending))
	for sym, p := range e.pending {
		pendingOut[sym] = *p
	}
	entryAggs := len(e.entryAggs)
	mgmtAggs := len(e.mgmtAggs)
	addonsOut := make(map[string]AddonSession, len(e.addons))
	for sym, s := range e.addons {
		addonsOut[sym] = *s
	}
	lastOrder := make(map[string]int64, len(e.lastOrderSent))
	for sym, t := range e.lastOrderSent {
		lastOrder[sym] = t.Unix()
	}
	e.mu.Unlock()

	spreadRatio, driftMult := e.TunedGuards()
	return map[string]any{
		"heartbeat": map[string]any{
			"fresh":   e.hb.Fresh(now),
			"age_sec": e.hb.AgeSec(now),
			"frozen":  e.hb.Frozen(now),
			"broker":  e.hb.Broker(),
		},
		"pending_entries":      pendingOut,
		"entry_aggregations":   entryAggs,
		"mgmt_aggregations":    mgmtAggs,
		"addon_sessions":       addonsOut,
		"last_order_sent":      lastOrder,
		"recent_entry_events":  e.entryRing.Items(),
		"recent_mgmt_events":   e.mgmtRing.Items(),
		"spread_max_atr_ratio": spreadRatio,
		"drift_limit_atr_mult": driftMult,
	}
}

func (e *Engine) notify(ev Event) {
	if e.Notify != nil {
		e.Notify(ev)
	}
}

func (e *Engine) recordEntryEvent(symbol, outcome, detail string, score int) {
	ev := Event{
		TS:      e.now().Unix(),
		Symbol:  symbol,
		Kind:    "entry",
		Outcome: outcome,
		Detail:  detail,
		Score:   score,
	}
	e.entryRing.Add(ev)
	e.notify(ev)
}

func (e *Engine) recordMgmtEvent(symbol, outcome, detail string, score int) {
	ev := Event{
		TS:      e.now().Unix(),
		Symbol:  symbol,
		Kind:    "mgmt",
		Outcome: outcome,
		Detail:  detail,
		Score:   score,
	}
	e.mgmtRing.Add(ev)
	e.notify(ev)
}
