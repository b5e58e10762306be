// Package market maintains per-symbol market state fed from the bus
// (ticks and closed bars) and serves on-demand snapshots with ATR, SMA,
// spread and swing figures for the decision pipeline.
package market

import "sync"

// MedianTracker approximates a running median with a Robbins-Monro sign
// update: the step is proportional to the sample, so with lr 0.03 about
// 33 samples reach the level while a single spike moves it only 3%.
type MedianTracker struct {
	mu          sync.Mutex
	value       float64
	lr          float64
	samples     int
	initialized bool
}

// NewMedianTracker creates a tracker with the given learning rate.
func NewMedianTracker(lr float64) *MedianTracker {
	return &MedianTracker{lr: lr}
}

// Update feeds one sample.
func (m *MedianTracker) Update(sample float64) {
	if sample <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples++
	if !m.initialized {
		m.value = sample
		m.initialized = true
		return
	}
	switch {
	case sample > m.value:
		m.value += m.lr * sample
	case sample < m.value:
		m.value -= m.lr * sample
	}
	if m.value < 0 {
		m.value = 0
	}
}

// Value returns the current estimate and whether enough samples arrived
// to trust it.
func (m *MedianTracker) Value() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, m.initialized
}

// Samples returns how many updates the tracker has seen.
func (m *MedianTracker) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples
}

// RollingWindow keeps recent samples bounded by age and count for a
// stable average used in prompts.
type RollingWindow struct {
	mu       sync.Mutex
	maxAge   int64
	maxCount int
	values   []windowSample
}

type windowSample struct {
	value float64
	ts    int64
}

// NewRollingWindow creates a window bounded by maxAgeSec and maxCount.
func NewRollingWindow(maxAgeSec int64, maxCount int) *RollingWindow {
	return &RollingWindow{maxAge: maxAgeSec, maxCount: maxCount}
}

// Add appends a sample at ts and evicts expired ones.
func (w *RollingWindow) Add(value float64, ts int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values = append(w.values, windowSample{value: value, ts: ts})
	w.evict(ts)
}

// Avg returns the window average as of ts.
func (w *RollingWindow) Avg(ts int64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(ts)
	if len(w.values) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range w.values {
		sum += s.value
	}
	return sum / float64(len(w.values))
}

func (w *RollingWindow) evict(now int64) {
	cut := 0
	for cut < len(w.values) && now-w.values[cut].ts > w.maxAge {
		cut++
	}
	if cut > 0 {
		w.values = w.values[cut:]
	}
	if w.maxCount > 0 && len(w.values) > w.maxCount {
		w.values = w.values[len(w.values)-w.maxCount:]
	}
}
