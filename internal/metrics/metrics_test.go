package metrics

import (
	"fmt"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRegistry_CountersLandOnTodayAndSymbol(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	r.SetNowFunc(fixedClock(now))

	r.IncWebhook("XAUUSD")
	r.IncWebhook("XAUUSD")
	r.IncDuplicate("XAUUSD")
	r.IncEntryAttempt("XAUUSD")
	r.IncBlocked("XAUUSD", "blocked_spread")
	r.IncEntryOK("XAUUSD", "BUY")

	snap := r.Snapshot()
	day, ok := snap["2025-03-10"]
	if !ok {
		t.Fatalf("expected day bucket 2025-03-10, got %v", snap)
	}
	m, ok := day["XAUUSD"]
	if !ok {
		t.Fatalf("expected symbol bucket XAUUSD")
	}
	if m.Webhooks != 2 || m.Duplicates != 1 || m.EntryAttempts != 1 || m.EntryOK != 1 {
		t.Errorf("unexpected counters: %+v", m)
	}
	if m.Blocked["blocked_spread"] != 1 {
		t.Errorf("expected blocked_spread=1, got %v", m.Blocked)
	}
}

func TestRegistry_DayRollover(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	day1 := time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC)
	r.SetNowFunc(fixedClock(day1))
	r.IncWebhook("XAUUSD")

	r.SetNowFunc(fixedClock(day1.Add(2 * time.Minute)))
	r.IncWebhook("XAUUSD")

	snap := r.Snapshot()
	if snap["2025-03-10"]["XAUUSD"].Webhooks != 1 {
		t.Errorf("expected 1 webhook on day one")
	}
	if snap["2025-03-11"]["XAUUSD"].Webhooks != 1 {
		t.Errorf("expected 1 webhook on day two")
	}
}

func TestRegistry_PruneDropsOldDays(t *testing.T) {
	r := NewRegistry(Config{KeepDays: 14, MaxExamples: 80}, nil)
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 20; i++ {
		r.SetNowFunc(fixedClock(start.AddDate(0, 0, i)))
		r.IncWebhook("XAUUSD")
	}

	snap := r.Snapshot()
	if len(snap) != 15 {
		t.Fatalf("expected 15 retained days (cutoff inclusive), got %d", len(snap))
	}
	if _, ok := snap["2025-03-01"]; ok {
		t.Errorf("expected 2025-03-01 pruned")
	}
	if _, ok := snap["2025-03-20"]; !ok {
		t.Errorf("expected newest day retained")
	}
}

func TestScoreBucket(t *testing.T) {
	cases := []struct {
		score int
		want  string
	}{
		{0, "0-9"},
		{9, "0-9"},
		{10, "10-19"},
		{75, "70-79"},
		{99, "90-99"},
		{100, "90-99"},
		{-5, "0-9"},
		{140, "90-99"},
	}
	for _, c := range cases {
		if got := scoreBucket(c.score); got != c.want {
			t.Errorf("scoreBucket(%d) = %q, want %q", c.score, got, c.want)
		}
	}
}

func TestRegistry_GuardStats(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	r.SetNowFunc(fixedClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)))

	r.ObserveGuard("XAUUSD", "spread_to_atr", 0.05)
	r.ObserveGuard("XAUUSD", "spread_to_atr", 0.12)
	r.ObserveGuard("XAUUSD", "spread_to_atr", 0.02)

	g := r.Snapshot()["2025-03-10"]["XAUUSD"].GuardStats["spread_to_atr"]
	if g == nil {
		t.Fatalf("expected guard stat")
	}
	if g.Count != 3 {
		t.Errorf("count = %d, want 3", g.Count)
	}
	if g.Min != 0.02 || g.Max != 0.12 {
		t.Errorf("min/max = %v/%v, want 0.02/0.12", g.Min, g.Max)
	}
	if g.Sum < 0.189 || g.Sum > 0.191 {
		t.Errorf("sum = %v, want ~0.19", g.Sum)
	}
}

func TestRegistry_ExamplesRingBounded(t *testing.T) {
	r := NewRegistry(Config{KeepDays: 14, MaxExamples: 5}, nil)
	r.SetNowFunc(fixedClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)))

	for i := 0; i < 8; i++ {
		r.AddExample(EntryExample{TS: int64(i), Symbol: "XAUUSD", Outcome: "ok"})
	}

	ex := r.Snapshot()["2025-03-10"]["XAUUSD"].Examples
	if len(ex) != 5 {
		t.Fatalf("expected ring bounded to 5, got %d", len(ex))
	}
	if ex[0].TS != 3 || ex[4].TS != 7 {
		t.Errorf("expected oldest dropped, got first=%d last=%d", ex[0].TS, ex[4].TS)
	}
}

func TestRegistry_MgmtDecisionSplit(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	r.SetNowFunc(fixedClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)))

	r.RecordMgmtDecision("XAUUSD", "CLOSE", "profit_protect", 82)
	r.RecordMgmtDecision("XAUUSD", "HOLD", "entry", 40)
	r.RecordMgmtDecision("XAUUSD", "HOLD", "entry", 55)

	m := r.Snapshot()["2025-03-10"]["XAUUSD"].Mgmt
	if m.Decisions != 3 || m.Close != 1 || m.Hold != 2 {
		t.Errorf("unexpected mgmt counters: %+v", m)
	}
	if m.PhaseCounts["entry"] != 2 || m.PhaseCounts["profit_protect"] != 1 {
		t.Errorf("unexpected phases: %v", m.PhaseCounts)
	}
	if m.ConfidenceHist["80-89"] != 1 || m.ConfidenceHist["40-49"] != 1 || m.ConfidenceHist["50-59"] != 1 {
		t.Errorf("unexpected confidence hist: %v", m.ConfidenceHist)
	}
}

func TestRegistry_SnapshotIsDeepCopy(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	r.SetNowFunc(fixedClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)))
	r.IncBlocked("XAUUSD", "blocked_spread")

	snap := r.Snapshot()
	snap["2025-03-10"]["XAUUSD"].Blocked["blocked_spread"] = 99
	snap["2025-03-10"]["XAUUSD"].Webhooks = 42

	fresh := r.Snapshot()
	if fresh["2025-03-10"]["XAUUSD"].Blocked["blocked_spread"] != 1 {
		t.Errorf("snapshot mutation leaked into registry")
	}
	if fresh["2025-03-10"]["XAUUSD"].Webhooks != 0 {
		t.Errorf("snapshot mutation leaked into registry counters")
	}
}

func TestRegistry_RestoreFillsNilMapsAndPrunes(t *testing.T) {
	r := NewRegistry(Config{KeepDays: 14, MaxExamples: 80}, nil)
	now := time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)
	r.SetNowFunc(fixedClock(now))

	persisted := ByDay{
		"2025-03-19": {"XAUUSD": {Webhooks: 7}},
		"2025-01-01": {"XAUUSD": {Webhooks: 3}},
	}
	r.Restore(persisted)

	if r.Dirty() {
		t.Errorf("restore should leave registry clean")
	}
	snap := r.Snapshot()
	if _, ok := snap["2025-01-01"]; ok {
		t.Errorf("expected stale day pruned on restore")
	}
	m := snap["2025-03-19"]["XAUUSD"]
	if m.Webhooks != 7 {
		t.Errorf("expected restored webhooks=7, got %d", m.Webhooks)
	}
	if m.Blocked == nil || m.AIScoreHist == nil || m.GuardStats == nil || m.Mgmt == nil {
		t.Errorf("expected nil maps initialized on restore")
	}

	// Counters must keep working on the restored bucket.
	r.SetNowFunc(fixedClock(time.Date(2025, 3, 19, 23, 0, 0, 0, time.UTC)))
	r.IncBlocked("XAUUSD", "blocked_cooldown")
}

func TestRegistry_RecentExamplesAcrossDays(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	for i := 0; i < 3; i++ {
		r.SetNowFunc(fixedClock(time.Date(2025, 3, 10+i, 12, 0, 0, 0, time.UTC)))
		r.AddExample(EntryExample{TS: int64(i), Symbol: "XAUUSD", Outcome: fmt.Sprintf("o%d", i)})
	}

	ex := r.RecentExamples()
	if len(ex) != 3 {
		t.Fatalf("expected 3 examples across days, got %d", len(ex))
	}
}

func TestRegistry_DirtyTracking(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	if r.Dirty() {
		t.Errorf("fresh registry should be clean")
	}
	r.IncWebhook("XAUUSD")
	if !r.Dirty() {
		t.Errorf("increment should mark dirty")
	}
	r.MarkClean()
	if r.Dirty() {
		t.Errorf("MarkClean should clear the flag")
	}
}

func TestRegistry_AICallAccounting(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil)
	r.SetNowFunc(fixedClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)))

	r.RecordAICall("entry_score", "XAUUSD", 900, true)
	r.RecordAICall("entry_score", "XAUUSD", 1500, false)
	r.IncAIValidationFail("XAUUSD")

	m := r.Snapshot()["2025-03-10"]["XAUUSD"]
	if m.AICalls != 2 || m.AIErrors != 1 {
		t.Errorf("calls/errors = %d/%d, want 2/1", m.AICalls, m.AIErrors)
	}
	if m.AILatencyMsSum != 2400 {
		t.Errorf("latency sum = %d, want 2400", m.AILatencyMsSum)
	}
	if m.AIValidationFail != 1 {
		t.Errorf("validation fails = %d, want 1", m.AIValidationFail)
	}
}
