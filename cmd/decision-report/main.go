// Command decision-report prints a per-day summary of the engine's
// persisted metrics snapshot: webhook and entry counters, block reasons,
// guard observations and the percentile values an auto-tune pass would
// derive from the recent entry examples.
//
// Usage: decision-report [metrics-file]
// The file defaults to METRICS_FILE from the environment, then
// data/metrics.json.
package main

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"gold-decision-engine/internal/metrics"
	"gold-decision-engine/internal/store"
)

func main() {
	_ = godotenv.Load()

	path := os.Getenv("METRICS_FILE")
	if path == "" {
		path = "data/metrics.json"
	}
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	var days metrics.ByDay
	if err := store.LoadJSON(path, &days); err != nil {
		fmt.Fprintf(os.Stderr, "cannot read %s: %v\n", path, err)
		os.Exit(1)
	}
	if len(days) == 0 {
		fmt.Printf("%s holds no metrics yet\n", path)
		return
	}

	dayKeys := make([]string, 0, len(days))
	for d := range days {
		dayKeys = append(dayKeys, d)
	}
	sort.Strings(dayKeys)

	bar := strings.Repeat("=", 112)
	fmt.Println(bar)
	fmt.Println("GOLD DECISION ENGINE - METRICS REPORT")
	fmt.Printf("file: %s   days: %d (%s .. %s)\n", path, len(dayKeys), dayKeys[0], dayKeys[len(dayKeys)-1])
	fmt.Println(bar)

	blockTotals := make(map[string]int64)
	guardTotals := make(map[string]*metrics.GuardStat)
	var examples []metrics.EntryExample
	var totWebhooks, totAttempts, totEntries, totBlocked, totClose, totHold int64

	fmt.Printf("\n%-12s %-8s %9s %5s %9s %8s %8s %8s %6s %7s %8s %6s %6s\n",
		"DAY", "SYMBOL", "WEBHOOKS", "DUP", "ATTEMPTS", "ENTRIES", "BLOCKED", "AICALLS", "AIERR", "AVG MS", "BUSFAIL", "CLOSE", "HOLD")
	for _, day := range dayKeys {
		symbols := make([]string, 0, len(days[day]))
		for sym := range days[day] {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)

		for _, sym := range symbols {
			m := days[day][sym]
			var blocked int64
			for reason, n := range m.Blocked {
				blocked += n
				blockTotals[reason] += n
			}
			for name, g := range m.GuardStats {
				mergeGuard(guardTotals, name, g)
			}
			examples = append(examples, m.Examples...)

			var avgMs float64
			if m.AICalls > 0 {
				avgMs = float64(m.AILatencyMsSum) / float64(m.AICalls)
			}
			var closeN, holdN int64
			if m.Mgmt != nil {
				closeN, holdN = m.Mgmt.Close, m.Mgmt.Hold
			}

			totWebhooks += m.Webhooks
			totAttempts += m.EntryAttempts
			totEntries += m.EntryOK
			totBlocked += blocked
			totClose += closeN
			totHold += holdN

			fmt.Printf("%-12s %-8s %9d %5d %9d %8d %8d %8d %6d %7.0f %8d %6d %6d\n",
				day, sym, m.Webhooks, m.Duplicates, m.EntryAttempts, m.EntryOK, blocked,
				m.AICalls, m.AIErrors, avgMs, m.BusSendFail, closeN, holdN)
		}
	}

	fmt.Printf("\nTOTALS: webhooks=%d attempts=%d entries=%d blocked=%d close=%d hold=%d",
		totWebhooks, totAttempts, totEntries, totBlocked, totClose, totHold)
	if totAttempts > 0 {
		fmt.Printf("  pass-rate=%.1f%%", 100*float64(totEntries)/float64(totAttempts))
	}
	fmt.Println()

	printBlockReasons(blockTotals)
	printGuardStats(guardTotals)
	printTuningView(examples)
}

func printBlockReasons(totals map[string]int64) {
	if len(totals) == 0 {
		return
	}
	type reasonCount struct {
		reason string
		n      int64
	}
	rows := make([]reasonCount, 0, len(totals))
	for r, n := range totals {
		rows = append(rows, reasonCount{r, n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].n != rows[j].n {
			return rows[i].n > rows[j].n
		}
		return rows[i].reason < rows[j].reason
	})

	fmt.Println("\nBLOCK REASONS")
	for _, row := range rows {
		fmt.Printf("  %-32s %8d\n", row.reason, row.n)
	}
}

func printGuardStats(totals map[string]*metrics.GuardStat) {
	if len(totals) == 0 {
		return
	}
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("\nGUARD OBSERVATIONS")
	fmt.Printf("  %-24s %8s %10s %10s %10s\n", "GUARD", "COUNT", "MIN", "AVG", "MAX")
	for _, name := range names {
		g := totals[name]
		var avg float64
		if g.Count > 0 {
			avg = g.Sum / float64(g.Count)
		}
		fmt.Printf("  %-24s %8d %10.3f %10.3f %10.3f\n", name, g.Count, g.Min, avg, g.Max)
	}
}

// printTuningView reports the p98 of the same two series the auto-tuner
// derives thresholds from, so an operator can preview a tune before
// enabling it.
func printTuningView(examples []metrics.EntryExample) {
	var ratios, drifts []float64
	for _, ex := range examples {
		if ex.ATRToSpread > 0 {
			ratios = append(ratios, 1/ex.ATRToSpread)
		}
		if ex.ATRPoints > 0 && ex.DriftPoints != 0 {
			drifts = append(drifts, math.Abs(ex.DriftPoints)/ex.ATRPoints)
		}
	}
	if len(ratios) == 0 && len(drifts) == 0 {
		return
	}

	fmt.Println("\nAUTO-TUNE PREVIEW (p98 over retained entry examples)")
	if len(ratios) > 0 {
		fmt.Printf("  spread/atr ratio:  p98=%.4f over %d samples (guard SPREAD_MAX_ATR_RATIO)\n",
			quantile(ratios, 0.98), len(ratios))
	}
	if len(drifts) > 0 {
		fmt.Printf("  drift/atr mult:    p98=%.4f over %d samples (guard DRIFT_LIMIT_ATR_MULT)\n",
			quantile(drifts, 0.98), len(drifts))
	}
}

func mergeGuard(totals map[string]*metrics.GuardStat, name string, g *metrics.GuardStat) {
	agg, ok := totals[name]
	if !ok {
		agg = &metrics.GuardStat{Min: g.Min, Max: g.Max}
		totals[name] = agg
	}
	if g.Min < agg.Min || agg.Count == 0 {
		agg.Min = g.Min
	}
	if g.Max > agg.Max {
		agg.Max = g.Max
	}
	agg.Count += g.Count
	agg.Sum += g.Sum
}

func quantile(xs []float64, p float64) float64 {
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
