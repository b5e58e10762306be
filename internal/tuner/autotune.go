// Package tuner adapts the spread and drift guard thresholds to observed
// market behavior by recomputing percentiles over recent entry examples.
package tuner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"gold-decision-engine/internal/metrics"
)

// Target receives the tuned guard values.
type Target interface {
	TunedGuards() (spreadMaxATRRatio, driftLimitATRMult float64)
	SetTunedGuards(spreadMaxATRRatio, driftLimitATRMult float64)
}

// ExampleSource supplies the entry examples the percentiles run over.
type ExampleSource interface {
	RecentExamples() []metrics.EntryExample
}

// Config controls the tuning cadence and the clamp bounds.
type Config struct {
	Enabled      bool
	IntervalSec  int
	Percentile   float64
	MinSamples   int
	EnvFile      string
	RatioMin     float64
	RatioMax     float64
	DriftMultMin float64
	DriftMultMax float64
}

func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		IntervalSec:  86400,
		Percentile:   0.98,
		MinSamples:   80,
		EnvFile:      ".env",
		RatioMin:     0.05,
		RatioMax:     0.25,
		DriftMultMin: 0.15,
		DriftMultMax: 0.80,
	}
}

// Tuner recomputes SPREAD_MAX_ATR_RATIO and DRIFT_LIMIT_ATR_MULT on a
// timer, applying them to the live engine first and the env file second.
type Tuner struct {
	cfg      Config
	target   Target
	examples ExampleSource
	log      zerolog.Logger
}

func New(cfg Config, target Target, examples ExampleSource, log zerolog.Logger) *Tuner {
	return &Tuner{
		cfg:      cfg,
		target:   target,
		examples: examples,
		log:      log.With().Str("component", "tuner").Logger(),
	}
}

// Run tunes once at startup, then on every interval tick until the
// context is cancelled. No-op when disabled.
func (t *Tuner) Run(ctx context.Context) {
	if !t.cfg.Enabled {
		return
	}
	t.RunOnce()

	interval := time.Duration(t.cfg.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.RunOnce()
		}
	}
}

// RunOnce recomputes both thresholds from the current example log. A
// series with fewer than MinSamples observations keeps its prior value.
func (t *Tuner) RunOnce() {
	exs := t.examples.RecentExamples()
	var ratios, drifts []float64
	for _, ex := range exs {
		if ex.ATRToSpread > 0 {
			ratios = append(ratios, 1/ex.ATRToSpread)
		}
		if ex.ATRPoints > 0 && ex.DriftPoints != 0 {
			drifts = append(drifts, math.Abs(ex.DriftPoints)/ex.ATRPoints)
		}
	}

	curRatio, curDrift := t.target.TunedGuards()
	newRatio, newDrift := curRatio, curDrift
	tuned := false

	if len(ratios) >= t.cfg.MinSamples {
		newRatio = clampF(percentile(ratios, t.cfg.Percentile), t.cfg.RatioMin, t.cfg.RatioMax)
		tuned = true
	} else {
		t.log.Debug().Int("samples", len(ratios)).Int("min", t.cfg.MinSamples).
			Msg("not enough spread samples to tune")
	}
	if len(drifts) >= t.cfg.MinSamples {
		newDrift = clampF(percentile(drifts, t.cfg.Percentile), t.cfg.DriftMultMin, t.cfg.DriftMultMax)
		tuned = true
	} else {
		t.log.Debug().Int("samples", len(drifts)).Int("min", t.cfg.MinSamples).
			Msg("not enough drift samples to tune")
	}
	if !tuned {
		return
	}

	t.target.SetTunedGuards(newRatio, newDrift)
	t.log.Info().
		Float64("spread_max_atr_ratio_old", curRatio).
		Float64("spread_max_atr_ratio", newRatio).
		Float64("drift_limit_atr_mult_old", curDrift).
		Float64("drift_limit_atr_mult", newDrift).
		Int("examples", len(exs)).
		Msg("guard thresholds tuned")

	if t.cfg.EnvFile == "" {
		return
	}
	updates := map[string]string{
		"SPREAD_MAX_ATR_RATIO": fmt.Sprintf("%.4f", newRatio),
		"DRIFT_LIMIT_ATR_MULT": fmt.Sprintf("%.4f", newDrift),
	}
	if err := ApplyEnv(t.cfg.EnvFile, updates); err != nil {
		t.log.Error().Err(err).Str("file", t.cfg.EnvFile).Msg("env file rewrite failed")
	}
}

// percentile returns the p-quantile (0..1) of xs with linear
// interpolation between closest ranks.
func percentile(xs []float64, p float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	switch {
	case len(sorted) == 0:
		return 0
	case len(sorted) == 1 || p <= 0:
		return sorted[0]
	case p >= 1:
		return sorted[len(sorted)-1]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
