package signal

import (
	"testing"
	"time"
)

func makeSignal(symbol, source, event, side string, sigTime, recvTime int64) Signal {
	return Signal{
		Symbol:      symbol,
		Source:      source,
		Event:       event,
		Side:        side,
		SignalTime:  sigTime,
		ReceiveTime: recvTime,
	}
}

func TestCache_IdempotentIngestion(t *testing.T) {
	c := NewCache(DefaultCacheConfig())
	now := time.Unix(1700000000, 0)

	s := makeSignal("GOLD", SourceZones, "zone_touch", "buy", now.Unix(), now.Unix())
	if !c.Append(s, now) {
		t.Fatal("first append rejected")
	}
	// Same key 200ms later (same floor second).
	dup := s
	dup.ReceiveTime = now.Unix()
	if c.Append(dup, now.Add(200*time.Millisecond)) {
		t.Error("duplicate within dedupe window was appended")
	}
	if c.Size() != 1 {
		t.Errorf("expected 1 entry, got %d", c.Size())
	}
}

func TestCache_DifferentTimestampsNotDuplicates(t *testing.T) {
	c := NewCache(DefaultCacheConfig())
	now := time.Unix(1700000000, 0)

	a := makeSignal("GOLD", SourceZones, "zone_touch", "buy", now.Unix(), now.Unix())
	b := makeSignal("GOLD", SourceZones, "zone_touch", "buy", now.Unix()+5, now.Unix()+5)
	if !c.Append(a, now) {
		t.Fatal("first append rejected")
	}
	if !c.Append(b, now.Add(5*time.Second)) {
		t.Error("distinct signal_time treated as duplicate")
	}
}

func TestCache_RetentionClasses(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.SignalLookbackSec = 100
	cfg.ZoneLookbackSec = 300
	cfg.ZoneTouchLookbackSec = 200
	cfg.FVGLookbackSec = 150
	c := NewCache(cfg)

	t0 := time.Unix(1700000000, 0)
	sigs := []Signal{
		makeSignal("GOLD", SourceZones, "new_zone_confirmed", "buy", t0.Unix(), t0.Unix()),
		makeSignal("GOLD", SourceZones, "zone_retrace_touch", "buy", t0.Unix(), t0.Unix()),
		makeSignal("GOLD", SourceFVG, "fvg_touch", "sell", t0.Unix(), t0.Unix()),
		makeSignal("GOLD", SourceLorentzian, "entry", "buy", t0.Unix(), t0.Unix()),
	}
	for _, s := range sigs {
		if !c.Append(s, t0) {
			t.Fatalf("append rejected for %s/%s", s.Source, s.Event)
		}
	}

	// At t0+120: default class (100s) expired, rest retained.
	c.Prune(t0.Add(120 * time.Second))
	if got := c.Size(); got != 3 {
		t.Errorf("after 120s: expected 3, got %d", got)
	}
	// At t0+180: FVG (150s) also gone.
	c.Prune(t0.Add(180 * time.Second))
	if got := c.Size(); got != 2 {
		t.Errorf("after 180s: expected 2, got %d", got)
	}
	// At t0+250: zone touch (200s) gone, presence (300s) retained.
	c.Prune(t0.Add(250 * time.Second))
	if got := c.Size(); got != 1 {
		t.Errorf("after 250s: expected 1, got %d", got)
	}
	c.Prune(t0.Add(301 * time.Second))
	if got := c.Size(); got != 0 {
		t.Errorf("after 301s: expected 0, got %d", got)
	}
}

func TestCache_FilterFresh(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.SignalMaxAgeSec = 60
	c := NewCache(cfg)

	t0 := time.Unix(1700000000, 0)
	old := makeSignal("GOLD", SourceLorentzian, "entry", "buy", t0.Unix()-120, t0.Unix())
	young := makeSignal("GOLD", SourceLorentzian, "entry", "sell", t0.Unix()-10, t0.Unix())
	c.Append(old, t0)
	c.Append(young, t0)

	fresh := c.FilterFresh("GOLD", t0)
	if len(fresh) != 1 {
		t.Fatalf("expected 1 fresh signal, got %d", len(fresh))
	}
	if fresh[0].Side != "sell" {
		t.Errorf("wrong signal survived freshness filter: %+v", fresh[0])
	}
}

func TestCache_WindowQueryWithAndWithoutBuckets(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	build := func(bucketSec int64) *Cache {
		cfg := DefaultCacheConfig()
		cfg.BucketSec = bucketSec
		c := NewCache(cfg)
		for i := int64(0); i < 10; i++ {
			s := makeSignal("GOLD", SourceQTrend, "trend", "buy", t0.Unix()+i*30, t0.Unix()+i*30)
			c.Append(s, time.Unix(t0.Unix()+i*30, 0))
		}
		return c
	}

	center := t0.Unix() + 150
	plain := build(0).Window("GOLD", center, 60)
	indexed := build(60).Window("GOLD", center, 60)

	if len(plain) != len(indexed) {
		t.Fatalf("bucket index disagrees with scan: %d vs %d", len(plain), len(indexed))
	}
	for _, s := range plain {
		dt := s.EffectiveTime() - center
		if dt < -60 || dt > 60 {
			t.Errorf("signal outside window: dt=%d", dt)
		}
	}
	// Offsets 90,120,150,180,210 fall inside +/-60 of 150.
	if len(plain) != 5 {
		t.Errorf("expected 5 signals in window, got %d", len(plain))
	}
}

func TestCache_RestoreDedupesAndPrunes(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.SignalLookbackSec = 600
	c := NewCache(cfg)
	now := time.Unix(1700000000, 0)

	persisted := []Signal{
		makeSignal("gold", SourceLorentzian, "entry", "buy", now.Unix()-30, now.Unix()-30),
		makeSignal("GOLD", SourceLorentzian, "entry", "buy", now.Unix()-30, now.Unix()-30), // dup after normalize
		makeSignal("GOLD", SourceZones, "zone_touch", "sell", now.Unix()-5000, now.Unix()-5000),
	}
	restored := c.Restore(persisted, now)
	if restored != 2 {
		t.Errorf("expected 2 stored before prune, got %d", restored)
	}
	if c.Size() != 1 {
		t.Errorf("expected 1 retained after prune, got %d", c.Size())
	}
	if c.Dirty() {
		t.Error("cache should be clean right after restore")
	}
}

func TestCache_RoundTripRetention(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.SignalLookbackSec = 100
	c := NewCache(cfg)
	t0 := time.Unix(1700000000, 0)

	s := makeSignal("GOLD", SourceLorentzian, "entry", "buy", t0.Unix(), t0.Unix())
	c.Append(s, t0)

	c.Prune(t0.Add(99 * time.Second))
	if c.Size() != 1 {
		t.Error("signal pruned before retention elapsed")
	}
	c.Prune(t0.Add(100 * time.Second))
	if c.Size() != 0 {
		t.Error("signal survived past retention")
	}
}
