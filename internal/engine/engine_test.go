package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gold-decision-engine/internal/ai"
	"gold-decision-engine/internal/bus"
	"gold-decision-engine/internal/market"
	"gold-decision-engine/internal/metrics"
	"gold-decision-engine/internal/signal"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

type fakeOracle struct {
	mu         sync.Mutex
	entryResp  map[string]any
	entryErr   error
	closeResp  map[string]any
	closeErr   error
	entryCalls int
	closeCalls int
	onCall     func(kind string)
}

func (f *fakeOracle) CallJSON(_ context.Context, _ string, kind, _ string) (map[string]any, error) {
	f.mu.Lock()
	var resp map[string]any
	var err error
	if kind == ai.KindEntryScore {
		f.entryCalls++
		resp, err = f.entryResp, f.entryErr
	} else {
		f.closeCalls++
		resp, err = f.closeResp, f.closeErr
	}
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(kind)
	}
	return resp, err
}

func (f *fakeOracle) setEntry(resp map[string]any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entryResp, f.entryErr = resp, err
}

func (f *fakeOracle) setClose(resp map[string]any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeResp, f.closeErr = resp, err
}

func (f *fakeOracle) setHook(fn func(kind string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCall = fn
}

func (f *fakeOracle) calls() (entry, close int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entryCalls, f.closeCalls
}

type published struct {
	symbol  string
	kind    string
	payload any
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	sent []published
}

func (f *fakePublisher) Publish(_ context.Context, symbol, kind string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{symbol: symbol, kind: kind, payload: payload})
	return nil
}

func (f *fakePublisher) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.sent...)
}

func (f *fakePublisher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeHB struct {
	mu     sync.Mutex
	fresh  bool
	frozen bool
	broker bus.BrokerState
	offset time.Duration
}

func (f *fakeHB) Fresh(time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fresh
}

func (f *fakeHB) Frozen(time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frozen
}

func (f *fakeHB) AgeSec(time.Time) int64 { return 1 }

func (f *fakeHB) Broker() bus.BrokerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broker
}

func (f *fakeHB) BrokerTime(now time.Time) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return now.Add(f.offset).UTC()
}

func (f *fakeHB) setFresh(fresh bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fresh = fresh
}

func (f *fakeHB) setFrozen(frozen bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen = frozen
}

func (f *fakeHB) setBroker(b bus.BrokerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broker = b
}

func (f *fakeHB) setOffset(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offset = d
}

type fakeMarket struct {
	mu   sync.Mutex
	snap market.Snapshot
	err  error
}

func (f *fakeMarket) Snapshot(string, time.Time) (market.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fakeMarket) set(mut func(s *market.Snapshot)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mut(&f.snap)
}

func (f *fakeMarket) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// goodSnapshot passes every hard guard for the default config.
func goodSnapshot() market.Snapshot {
	return market.Snapshot{
		Symbol:             "GOLD",
		Bid:                2650.00,
		Ask:                2650.18,
		Point:              0.01,
		SpreadPoints:       18,
		SpreadMedianPoints: 15,
		SpreadAvgPoints:    16,
		ATR:                2.5,
		ATRPoints:          250,
		ATR24hAvg:          2.4,
		SMAM15:             2649.50,
		SMASlope:           "up",
		SwingLow:           2648.00,
		SwingHigh:          2652.00,
		TickAgeSec:         1,
	}
}

func goodEntryResp() map[string]any {
	return map[string]any{"confluence_score": 85.0, "lot_multiplier": 1.2, "reason": "aligned evidence"}
}

type testEnv struct {
	eng    *Engine
	oracle *fakeOracle
	pub    *fakePublisher
	mkt    *fakeMarket
	hb     *fakeHB
	reg    *metrics.Registry
	clock  *fakeClock
}

// newTestEnv builds an engine on fakes with a Monday-noon fixed clock,
// fresh heartbeat, flat book, and an oracle that approves entries.
func newTestEnv(mutate func(*Config)) *testEnv {
	cfg := DefaultConfig()
	cfg.EntryWaitSec = 0
	cfg.EntryMaxWaitSec = 0
	cfg.MgmtWaitSec = 0
	cfg.MgmtMaxWaitSec = 0
	if mutate != nil {
		mutate(&cfg)
	}

	clock := &fakeClock{t: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)}
	reg := metrics.NewRegistry(metrics.DefaultConfig(), nil)
	reg.SetNowFunc(clock.Now)
	oracle := &fakeOracle{entryResp: goodEntryResp()}
	pub := &fakePublisher{}
	mkt := &fakeMarket{snap: goodSnapshot()}
	hb := &fakeHB{fresh: true}

	eng := New(cfg, Deps{
		Cache:   signal.NewCache(signal.DefaultCacheConfig()),
		QTrend:  signal.NewQTrendStore(900, true),
		Market:  mkt,
		Oracle:  oracle,
		Pub:     pub,
		HB:      hb,
		Metrics: reg,
	}, zerolog.Nop())
	eng.now = clock.Now

	return &testEnv{eng: eng, oracle: oracle, pub: pub, mkt: mkt, hb: hb, reg: reg, clock: clock}
}

func buyTrigger(ts int64) signal.Signal {
	return signal.Signal{
		Symbol:      "GOLD",
		Source:      signal.SourceLorentzian,
		Side:        signal.SideBuy,
		SignalType:  signal.TypeEntryTrigger,
		Event:       "entry",
		TF:          "m5",
		Price:       2650.10,
		SignalTime:  ts,
		ReceiveTime: ts,
	}
}

func (env *testEnv) symbolMetrics(t *testing.T) *metrics.SymbolMetrics {
	t.Helper()
	day := env.clock.Now().UTC().Format("2006-01-02")
	snap := env.reg.Snapshot()
	if snap[day] == nil || snap[day]["GOLD"] == nil {
		return &metrics.SymbolMetrics{Blocked: map[string]int64{}}
	}
	return snap[day]["GOLD"]
}

func (env *testEnv) blockedCount(t *testing.T, code string) int64 {
	t.Helper()
	return env.symbolMetrics(t).Blocked[code]
}

func TestHandleWebhookDuplicate(t *testing.T) {
	env := newTestEnv(nil)
	raw := map[string]any{
		"symbol": "GOLD", "source": "Q-Trend", "side": "buy",
		"signal_type": "context", "tf": "5", "time": float64(env.clock.Now().Unix()),
	}
	r1 := env.eng.HandleWebhook(context.Background(), raw)
	if r1.Body != "Context stored" {
		t.Fatalf("first webhook: got %q", r1.Body)
	}
	r2 := env.eng.HandleWebhook(context.Background(), raw)
	if r2.Body != "Duplicate" {
		t.Fatalf("second webhook: got %q", r2.Body)
	}
	sm := env.symbolMetrics(t)
	if sm.Webhooks != 2 || sm.Duplicates != 1 {
		t.Fatalf("webhooks=%d duplicates=%d", sm.Webhooks, sm.Duplicates)
	}
}

func TestHandleWebhookMissingSymbol(t *testing.T) {
	env := newTestEnv(nil)
	r := env.eng.HandleWebhook(context.Background(), map[string]any{"source": "Zones"})
	if r.Status != 400 || r.Outcome != OutcomeInvalidData {
		t.Fatalf("got status=%d outcome=%q", r.Status, r.Outcome)
	}
}

func TestHandleWebhookFrozen(t *testing.T) {
	env := newTestEnv(nil)
	env.hb.setFrozen(true)

	raw := map[string]any{"symbol": "GOLD", "source": "Lorentzian", "signal_type": "entry_trigger", "side": "buy"}
	r := env.eng.HandleWebhook(context.Background(), raw)
	if r.Body != "Frozen by heartbeat" || r.Status != 200 {
		t.Fatalf("got body=%q status=%d", r.Body, r.Status)
	}
	env.eng.Drain()
	if n := len(env.pub.messages()); n != 0 {
		t.Fatalf("expected no messages while frozen, got %d", n)
	}
}

func TestHandleWebhookEntryDeferredAndWorkerOrder(t *testing.T) {
	env := newTestEnv(nil)
	ts := env.clock.Now().Unix()
	raw := map[string]any{
		"symbol": "GOLD", "source": "Lorentzian", "signal_type": "entry_trigger",
		"side": "buy", "event": "entry", "tf": "5", "price": 2650.10, "time": float64(ts),
	}
	r := env.eng.HandleWebhook(context.Background(), raw)
	if r.Body != "Entry deferred" {
		t.Fatalf("got %q", r.Body)
	}
	env.eng.Drain()

	msgs := env.pub.messages()
	if len(msgs) != 1 || msgs[0].kind != "ORDER" {
		t.Fatalf("expected one ORDER, got %+v", msgs)
	}
	order, ok := msgs[0].payload.(OrderMessage)
	if !ok {
		t.Fatalf("payload type %T", msgs[0].payload)
	}
	if order.Action != "BUY" || order.Symbol != "GOLD" || order.Reason != "entry_trigger" {
		t.Fatalf("order %+v", order)
	}
	if order.SweepExtreme != 2648.00 {
		t.Fatalf("sweep extreme %v, want swing low", order.SweepExtreme)
	}
}

func TestHandleWebhookInvalidTrigger(t *testing.T) {
	env := newTestEnv(nil)
	raw := map[string]any{"symbol": "GOLD", "source": "Lorentzian", "signal_type": "entry_trigger"}
	r := env.eng.HandleWebhook(context.Background(), raw)
	if r.Status != 400 || r.Outcome != OutcomeInvalidTrigger {
		t.Fatalf("got status=%d outcome=%q", r.Status, r.Outcome)
	}
}

func TestHandleWebhookMgmtDeferredWhenHolding(t *testing.T) {
	env := newTestEnv(nil)
	env.hb.setBroker(bus.BrokerState{Positions: 2, NetSide: "buy", AvgPrice: 2649.00, OldestOpenTS: env.clock.Now().Unix() - 600})
	env.oracle.setClose(map[string]any{"confidence": 40.0, "reason": "still developing", "trail_mode": "NORMAL", "tp_mode": "NORMAL"}, nil)

	raw := map[string]any{"symbol": "GOLD", "source": "Zones", "event": "zone_retrace_touch", "side": "buy", "confirmed": "bar_close"}
	r := env.eng.HandleWebhook(context.Background(), raw)
	if r.Body != "Mgmt deferred" {
		t.Fatalf("got %q", r.Body)
	}
	env.eng.Drain()
	msgs := env.pub.messages()
	if len(msgs) != 1 || msgs[0].kind != "HOLD" {
		t.Fatalf("expected one HOLD, got %+v", msgs)
	}
}

func TestStatusShape(t *testing.T) {
	env := newTestEnv(func(c *Config) { c.EntryWaitSec = 3600; c.EntryMaxWaitSec = 7200 })
	env.eng.scheduleEntry(buyTrigger(env.clock.Now().Unix()), "")

	st := env.eng.Status(env.clock.Now())
	if st["entry_aggregations"].(int) != 1 {
		t.Fatalf("entry_aggregations = %v", st["entry_aggregations"])
	}
	pending := st["pending_entries"].(map[string]PendingEntry)
	if _, ok := pending["GOLD"]; !ok {
		t.Fatalf("pending entry missing: %+v", pending)
	}

	env.eng.mu.Lock()
	delete(env.eng.entryAggs, "GOLD")
	env.eng.mu.Unlock()
	env.eng.Drain()
}

func TestOneWorkerPerSymbol(t *testing.T) {
	env := newTestEnv(func(c *Config) { c.EntryWaitSec = 3600; c.EntryMaxWaitSec = 7200 })
	trig := buyTrigger(env.clock.Now().Unix())
	env.eng.scheduleEntry(trig, "")
	env.clock.Advance(1 * time.Second)
	later := buyTrigger(env.clock.Now().Unix())
	env.eng.scheduleEntry(later, "")

	env.eng.mu.Lock()
	agg := env.eng.entryAggs["GOLD"]
	count := agg.triggerCount
	finalTS := agg.trigger.SignalTime
	delete(env.eng.entryAggs, "GOLD")
	env.eng.mu.Unlock()
	env.eng.Drain()

	if count != 2 {
		t.Fatalf("trigger count = %d, want 2", count)
	}
	if finalTS != later.SignalTime {
		t.Fatalf("latest trigger should win, got ts %d", finalTS)
	}
}

func TestSettleWindowSlidesUpToMax(t *testing.T) {
	env := newTestEnv(func(c *Config) { c.EntryWaitSec = 3; c.EntryMaxWaitSec = 5 })
	start := env.clock.Now()
	env.eng.scheduleEntry(buyTrigger(start.Unix()), "")

	env.clock.Advance(2 * time.Second)
	env.eng.scheduleEntry(buyTrigger(env.clock.Now().Unix()), "")

	env.eng.mu.Lock()
	agg := env.eng.entryAggs["GOLD"]
	due := agg.dueAt
	maxDue := agg.maxDueAt
	delete(env.eng.entryAggs, "GOLD")
	env.eng.mu.Unlock()
	env.eng.Drain()

	if want := start.Add(5 * time.Second); !maxDue.Equal(want) {
		t.Fatalf("maxDue = %v, want %v", maxDue, want)
	}
	// second trigger at +2s asks for +5s, capped at maxDue
	if !due.Equal(maxDue) {
		t.Fatalf("due = %v, want capped at %v", due, maxDue)
	}
}
