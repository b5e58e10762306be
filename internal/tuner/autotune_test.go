package tuner

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"gold-decision-engine/internal/metrics"
)

type fakeTarget struct {
	mu    sync.Mutex
	ratio float64
	mult  float64
	sets  int
}

func (f *fakeTarget) TunedGuards() (float64, float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ratio, f.mult
}

func (f *fakeTarget) SetTunedGuards(ratio, mult float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ratio, f.mult = ratio, mult
	f.sets++
}

type fakeSource struct {
	exs []metrics.EntryExample
}

func (f *fakeSource) RecentExamples() []metrics.EntryExample { return f.exs }

// rampExamples builds n examples with spread_to_atr = step*i and drift
// ratio driftStep*i, i in 1..n.
func rampExamples(n int, step, driftStep float64) []metrics.EntryExample {
	exs := make([]metrics.EntryExample, 0, n)
	for i := 1; i <= n; i++ {
		exs = append(exs, metrics.EntryExample{
			ATRToSpread: 1 / (step * float64(i)),
			ATRPoints:   250,
			DriftPoints: driftStep * float64(i) * 250,
		})
	}
	return exs
}

func testTuner(cfg Config, target *fakeTarget, src *fakeSource) *Tuner {
	return New(cfg, target, src, zerolog.Nop())
}

func TestRunOnceBelowMinSamples(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.EnvFile = ""
	target := &fakeTarget{ratio: 0.10, mult: 0.35}
	src := &fakeSource{exs: rampExamples(10, 0.001, 0.004)}

	testTuner(cfg, target, src).RunOnce()

	if target.sets != 0 {
		t.Fatalf("tuned with %d samples, min is %d", len(src.exs), cfg.MinSamples)
	}
	ratio, mult := target.TunedGuards()
	if ratio != 0.10 || mult != 0.35 {
		t.Fatalf("values changed: %v %v", ratio, mult)
	}
}

func TestRunOncePercentiles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.EnvFile = ""
	target := &fakeTarget{ratio: 0.10, mult: 0.35}
	// spread_to_atr ramps 0.001..0.100, drift ratio 0.004..0.400
	src := &fakeSource{exs: rampExamples(100, 0.001, 0.004)}

	testTuner(cfg, target, src).RunOnce()

	ratio, mult := target.TunedGuards()
	// p98 over 100 evenly spaced samples interpolates between ranks 97 and 98
	wantRatio := 0.098 + 0.02*0.001
	wantMult := 0.392 + 0.02*0.004
	if math.Abs(ratio-wantRatio) > 1e-9 {
		t.Errorf("ratio = %v, want %v", ratio, wantRatio)
	}
	if math.Abs(mult-wantMult) > 1e-9 {
		t.Errorf("mult = %v, want %v", mult, wantMult)
	}
}

func TestRunOnceClamps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.EnvFile = ""

	// quiet market: tiny spreads and drifts clamp up to the minimums
	target := &fakeTarget{ratio: 0.10, mult: 0.35}
	testTuner(cfg, target, &fakeSource{exs: rampExamples(100, 0.0001, 0.0005)}).RunOnce()
	ratio, mult := target.TunedGuards()
	if ratio != cfg.RatioMin || mult != cfg.DriftMultMin {
		t.Fatalf("low clamp: got %v %v", ratio, mult)
	}

	// violent market: huge values clamp down to the maximums
	target = &fakeTarget{ratio: 0.10, mult: 0.35}
	testTuner(cfg, target, &fakeSource{exs: rampExamples(100, 0.01, 0.02)}).RunOnce()
	ratio, mult = target.TunedGuards()
	if ratio != cfg.RatioMax || mult != cfg.DriftMultMax {
		t.Fatalf("high clamp: got %v %v", ratio, mult)
	}
}

func TestRunOnceDriftSeriesAloneTunes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.EnvFile = ""
	target := &fakeTarget{ratio: 0.10, mult: 0.35}

	// drift samples only: examples with no spread measurement
	exs := make([]metrics.EntryExample, 0, 100)
	for i := 1; i <= 100; i++ {
		exs = append(exs, metrics.EntryExample{ATRPoints: 250, DriftPoints: float64(i)})
	}
	testTuner(cfg, target, &fakeSource{exs: exs}).RunOnce()

	ratio, mult := target.TunedGuards()
	if ratio != 0.10 {
		t.Fatalf("ratio should keep its prior value, got %v", ratio)
	}
	if mult == 0.35 {
		t.Fatal("drift mult should have been tuned")
	}
}

func TestRunOnceWritesEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	seed := "# engine config\nOPENAI_MODEL=gpt-4o-mini\nSPREAD_MAX_ATR_RATIO=0.1000\n\nLOG_LEVEL=info\n"
	if err := os.WriteFile(envPath, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.EnvFile = envPath
	target := &fakeTarget{ratio: 0.10, mult: 0.35}
	testTuner(cfg, target, &fakeSource{exs: rampExamples(100, 0.001, 0.004)}).RunOnce()

	raw, err := os.ReadFile(envPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if lines[0] != "# engine config" || lines[1] != "OPENAI_MODEL=gpt-4o-mini" {
		t.Fatalf("prefix lines disturbed: %q", lines[:2])
	}
	if lines[2] != "SPREAD_MAX_ATR_RATIO=0.0980" {
		t.Fatalf("ratio line = %q", lines[2])
	}
	if lines[3] != "" || lines[4] != "LOG_LEVEL=info" {
		t.Fatalf("suffix lines disturbed: %q", lines[3:])
	}
	// missing key appended at the end
	if lines[len(lines)-1] != "DRIFT_LIMIT_ATR_MULT=0.3921" {
		t.Fatalf("appended line = %q", lines[len(lines)-1])
	}
}

func TestPercentile(t *testing.T) {
	xs := []float64{4, 1, 3, 2}
	if got := percentile(xs, 0); got != 1 {
		t.Fatalf("p0 = %v", got)
	}
	if got := percentile(xs, 1); got != 4 {
		t.Fatalf("p100 = %v", got)
	}
	if got := percentile(xs, 0.5); got != 2.5 {
		t.Fatalf("p50 = %v", got)
	}
	if got := percentile([]float64{7}, 0.98); got != 7 {
		t.Fatalf("single = %v", got)
	}
}
