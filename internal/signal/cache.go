package signal

import (
	"sort"
	"sync"
	"time"
)

// CacheConfig holds retention windows in seconds per event class plus the
// dedupe window and the optional bucket index width (0 disables it).
type CacheConfig struct {
	DedupeWindowSec      int64
	SignalLookbackSec    int64
	ZoneLookbackSec      int64
	ZoneTouchLookbackSec int64
	FVGLookbackSec       int64
	SignalMaxAgeSec      int64
	BucketSec            int64
}

// DefaultCacheConfig returns the production retention windows.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		DedupeWindowSec:      120,
		SignalLookbackSec:    1200,
		ZoneLookbackSec:      1200,
		ZoneTouchLookbackSec: 1200,
		FVGLookbackSec:       1200,
		SignalMaxAgeSec:      900,
		BucketSec:            0,
	}
}

type seenEntry struct {
	receiveTime int64
	inCache     bool
}

// Cache is the per-symbol time-indexed signal store. One mutex serializes
// every operation; read paths hand out copies so prompt building never
// observes a mutating slice.
type Cache struct {
	mu       sync.Mutex
	cfg      CacheConfig
	bySymbol map[string][]Signal
	seen     map[string]seenEntry
	buckets  map[string]map[int64][]Signal
	dirty    bool
}

// NewCache creates an empty signal cache.
func NewCache(cfg CacheConfig) *Cache {
	return &Cache{
		cfg:      cfg,
		bySymbol: make(map[string][]Signal),
		seen:     make(map[string]seenEntry),
		buckets:  make(map[string]map[int64][]Signal),
	}
}

// Append stores a signal unless it duplicates a retained entry or a key
// seen within the dedupe window. Returns true when appended. The cache is
// pruned on every append.
func (c *Cache) Append(sig Signal, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowSec := now.Unix()
	c.pruneLocked(nowSec)

	key := sig.DedupeKey()
	if e, ok := c.seen[key]; ok {
		if e.inCache || nowSec-e.receiveTime <= c.cfg.DedupeWindowSec {
			return false
		}
	}

	c.bySymbol[sig.Symbol] = append(c.bySymbol[sig.Symbol], sig)
	c.seen[key] = seenEntry{receiveTime: sig.ReceiveTime, inCache: true}
	if c.cfg.BucketSec > 0 {
		c.bucketAdd(sig)
	}
	c.dirty = true
	return true
}

// Prune removes entries past their retention class window.
func (c *Cache) Prune(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now.Unix())
}

func (c *Cache) pruneLocked(nowSec int64) {
	changed := false
	for sym, sigs := range c.bySymbol {
		kept := sigs[:0]
		for _, s := range sigs {
			if nowSec-retentionBasis(s) < c.retentionFor(s) {
				kept = append(kept, s)
				continue
			}
			changed = true
			key := s.DedupeKey()
			if e, ok := c.seen[key]; ok {
				if nowSec-e.receiveTime > c.cfg.DedupeWindowSec {
					delete(c.seen, key)
				} else {
					e.inCache = false
					c.seen[key] = e
				}
			}
		}
		if len(kept) == 0 {
			delete(c.bySymbol, sym)
			delete(c.buckets, sym)
			continue
		}
		c.bySymbol[sym] = kept
		if c.cfg.BucketSec > 0 {
			c.rebuildBuckets(sym)
		}
	}
	// Forget pruned keys whose dedupe window elapsed.
	for key, e := range c.seen {
		if !e.inCache && nowSec-e.receiveTime > c.cfg.DedupeWindowSec {
			delete(c.seen, key)
		}
	}
	if changed {
		c.dirty = true
	}
}

func (c *Cache) retentionFor(s Signal) int64 {
	switch Classify(s) {
	case RetentionZonePresence:
		return c.cfg.ZoneLookbackSec
	case RetentionZoneTouch:
		return c.cfg.ZoneTouchLookbackSec
	case RetentionFVG:
		return c.cfg.FVGLookbackSec
	default:
		return c.cfg.SignalLookbackSec
	}
}

// FilterFresh returns copies of a symbol's signals whose freshness basis
// (signal time, or receive time for zone presence events) is within
// SignalMaxAgeSec.
func (c *Cache) FilterFresh(symbol string, now time.Time) []Signal {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowSec := now.Unix()
	var out []Signal
	for _, s := range c.bySymbol[symbol] {
		if nowSec-retentionBasis(s) >= c.retentionFor(s) {
			continue
		}
		if nowSec-freshnessBasis(s) <= c.cfg.SignalMaxAgeSec {
			out = append(out, s)
		}
	}
	return out
}

// Window returns copies of signals with |signal_time - center| <= windowSec
// for the symbol. Uses the bucket index when enabled, otherwise scans.
func (c *Cache) Window(symbol string, centerTS, windowSec int64) []Signal {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Signal
	match := func(s Signal) {
		dt := s.EffectiveTime() - centerTS
		if dt < 0 {
			dt = -dt
		}
		if dt <= windowSec {
			out = append(out, s)
		}
	}

	if c.cfg.BucketSec > 0 {
		buckets := c.buckets[symbol]
		if buckets == nil {
			return nil
		}
		// One bucket of slack each side covers receive-vs-signal-time skew.
		lo := (centerTS-windowSec)/c.cfg.BucketSec - 1
		hi := (centerTS+windowSec)/c.cfg.BucketSec + 1
		for id := lo; id <= hi; id++ {
			for _, s := range buckets[id] {
				match(s)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].EffectiveTime() < out[j].EffectiveTime() })
		return out
	}

	for _, s := range c.bySymbol[symbol] {
		match(s)
	}
	return out
}

// Snapshot returns all retained signals ordered by receive time, for
// persistence.
func (c *Cache) Snapshot() []Signal {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Signal
	for _, sigs := range c.bySymbol {
		out = append(out, sigs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceiveTime < out[j].ReceiveTime })
	return out
}

// Restore loads persisted signals: each entry is re-normalized, appended
// through dedupe, and the cache pruned afterwards.
func (c *Cache) Restore(sigs []Signal, now time.Time) int {
	restored := 0
	for _, s := range sigs {
		EnsureNormalized(&s, now)
		if c.Append(s, now) {
			restored++
		}
	}
	c.Prune(now)
	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
	return restored
}

// Size returns the retained signal count across symbols.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, sigs := range c.bySymbol {
		n += len(sigs)
	}
	return n
}

// Dirty reports whether the cache changed since the last MarkClean.
func (c *Cache) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// MarkClean clears the dirty flag after a successful flush.
func (c *Cache) MarkClean() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = false
}

func (c *Cache) bucketAdd(sig Signal) {
	b := c.buckets[sig.Symbol]
	if b == nil {
		b = make(map[int64][]Signal)
		c.buckets[sig.Symbol] = b
	}
	id := sig.ReceiveTime / c.cfg.BucketSec
	b[id] = append(b[id], sig)
}

func (c *Cache) rebuildBuckets(symbol string) {
	b := make(map[int64][]Signal)
	for _, s := range c.bySymbol[symbol] {
		id := s.ReceiveTime / c.cfg.BucketSec
		b[id] = append(b[id], s)
	}
	c.buckets[symbol] = b
}
