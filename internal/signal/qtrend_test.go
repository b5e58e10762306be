package signal

import (
	"testing"
	"time"
)

func qtrendSignal(symbol, tf, side, strength string, ts int64) Signal {
	src := SourceQTrend
	if strength == StrengthStrong {
		src = SourceQTrendStrong
	}
	return Signal{
		Symbol:     symbol,
		Source:     src,
		Side:       side,
		Strength:   strength,
		TF:         tf,
		SignalTime: ts, ReceiveTime: ts,
	}
}

func TestQTrendStore_UpdateAndGet(t *testing.T) {
	store := NewQTrendStore(300, true)
	now := time.Unix(1700000000, 0)

	store.UpdateFromSignal(qtrendSignal("GOLD", "m5", "buy", StrengthNormal, now.Unix()-60))

	ctx, ok := store.Get("GOLD", "m5", now)
	if !ok {
		t.Fatal("expected context for exact tf")
	}
	if ctx.Side != "buy" || ctx.Strength != StrengthNormal {
		t.Errorf("unexpected context: %+v", ctx)
	}
}

func TestQTrendStore_IgnoresNonQTrendAndSideless(t *testing.T) {
	store := NewQTrendStore(300, true)
	now := time.Unix(1700000000, 0)

	store.UpdateFromSignal(Signal{Symbol: "GOLD", Source: SourceZones, Side: "buy", SignalTime: now.Unix()})
	store.UpdateFromSignal(Signal{Symbol: "GOLD", Source: SourceQTrend, SignalTime: now.Unix()})

	if _, ok := store.Get("GOLD", "m5", now); ok {
		t.Error("store accepted non-qtrend or sideless signal")
	}
}

func TestQTrendStore_MaxAgeExpiry(t *testing.T) {
	store := NewQTrendStore(300, true)
	t0 := time.Unix(1700000000, 0)

	store.UpdateFromSignal(qtrendSignal("GOLD", "m5", "sell", StrengthStrong, t0.Unix()))

	if _, ok := store.Get("GOLD", "m5", t0.Add(299*time.Second)); !ok {
		t.Error("context expired too early")
	}
	if _, ok := store.Get("GOLD", "m5", t0.Add(301*time.Second)); ok {
		t.Error("stale context still returned")
	}
}

func TestQTrendStore_TFFallbackOrder(t *testing.T) {
	store := NewQTrendStore(300, true)
	now := time.Unix(1700000000, 0)

	store.UpdateFromSignal(qtrendSignal("GOLD", "m15", "sell", StrengthNormal, now.Unix()-100))
	store.UpdateFromSignal(qtrendSignal("GOLD", "", "buy", StrengthNormal, now.Unix()-50))

	// No m5 entry: tf-less entry wins over cross-tf fallback.
	ctx, ok := store.Get("GOLD", "m5", now)
	if !ok || ctx.TF != "" {
		t.Errorf("expected tf-less entry, got %+v ok=%v", ctx, ok)
	}

	// Without a tf-less entry the freshest other tf is used.
	store2 := NewQTrendStore(300, true)
	store2.UpdateFromSignal(qtrendSignal("GOLD", "m15", "sell", StrengthNormal, now.Unix()-100))
	store2.UpdateFromSignal(qtrendSignal("GOLD", "h1", "buy", StrengthNormal, now.Unix()-20))
	ctx, ok = store2.Get("GOLD", "m5", now)
	if !ok || ctx.TF != "h1" {
		t.Errorf("expected freshest h1 fallback, got %+v ok=%v", ctx, ok)
	}

	// Fallback disabled: nothing for m5.
	store3 := NewQTrendStore(300, false)
	store3.UpdateFromSignal(qtrendSignal("GOLD", "m15", "sell", StrengthNormal, now.Unix()-100))
	if _, ok := store3.Get("GOLD", "m5", now); ok {
		t.Error("fallback disabled but cross-tf entry returned")
	}
}

func TestQTrendStore_OlderSignalDoesNotReplace(t *testing.T) {
	store := NewQTrendStore(300, true)
	now := time.Unix(1700000000, 0)

	store.UpdateFromSignal(qtrendSignal("GOLD", "m5", "buy", StrengthNormal, now.Unix()-10))
	store.UpdateFromSignal(qtrendSignal("GOLD", "m5", "sell", StrengthNormal, now.Unix()-120))

	ctx, _ := store.Get("GOLD", "m5", now)
	if ctx.Side != "buy" {
		t.Errorf("older signal replaced newer context: %+v", ctx)
	}
}

func TestQTrendStore_FromWindowSignals(t *testing.T) {
	store := NewQTrendStore(300, true)
	now := time.Unix(1700000000, 0)

	sigs := []Signal{
		qtrendSignal("GOLD", "m5", "buy", StrengthNormal, now.Unix()-200),
		qtrendSignal("GOLD", "m5", "buy", StrengthStrong, now.Unix()-250),
		{Symbol: "GOLD", Source: SourceZones, Side: "buy", SignalTime: now.Unix() - 10},
	}
	ctx, ok := store.FromWindowSignals(sigs, now)
	if !ok {
		t.Fatal("expected derived context")
	}
	// Strong preferred even though older.
	if ctx.Strength != StrengthStrong {
		t.Errorf("expected strong preferred, got %+v", ctx)
	}

	stale := []Signal{qtrendSignal("GOLD", "m5", "buy", StrengthStrong, now.Unix()-400)}
	if _, ok := store.FromWindowSignals(stale, now); ok {
		t.Error("derived context from stale qtrend signal")
	}
}
