package market

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoData is returned when no tick has arrived for a symbol yet.
var ErrNoData = errors.New("no market data for symbol")

// Tick is one bid/ask update from the market feed.
type Tick struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Point  float64 `json:"point"`
	TS     int64   `json:"ts"`
}

// Snapshot is the on-demand market bundle consumed by guards and prompts.
type Snapshot struct {
	Symbol             string  `json:"symbol"`
	Bid                float64 `json:"bid"`
	Ask                float64 `json:"ask"`
	Point              float64 `json:"point"`
	SpreadPoints       float64 `json:"spread_points"`
	SpreadMedianPoints float64 `json:"spread_median_points"`
	SpreadAvgPoints    float64 `json:"spread_avg_points"`
	ATR                float64 `json:"atr"`
	ATRPoints          float64 `json:"atr_points"`
	ATRH1              float64 `json:"atr_h1,omitempty"`
	ATR24hAvg          float64 `json:"atr_24h_avg"`
	SMAM15             float64 `json:"sma_m15"`
	SMASlope           string  `json:"sma_slope"`
	SwingLow           float64 `json:"swing_low"`
	SwingHigh          float64 `json:"swing_high"`
	TickAgeSec         int64   `json:"tick_age_sec"`
	TS                 int64   `json:"ts"`
}

// ATRToSpread returns ATR expressed in spread multiples, the expectancy
// figure the hard guards compare against.
func (s Snapshot) ATRToSpread() float64 {
	if s.SpreadPoints <= 0 {
		return 0
	}
	return s.ATRPoints / s.SpreadPoints
}

// ProviderConfig holds the indicator parameters.
type ProviderConfig struct {
	ATRPeriod         int     // closed M5 bars per ATR
	ATRDailyWindow    int     // M5 bars approximating 24h
	SMAPeriod         int     // closed M15 bars per SMA
	SwingBars         int     // closed M5 bars per swing scan
	SlopeEps          float64 // minimum per-bar SMA move that counts as a slope
	MedianLR          float64 // Robbins-Monro learning rate
	SpreadWindowSec   int64   // rolling spread average age bound
	SpreadWindowCount int     // rolling spread average count bound
}

// DefaultProviderConfig returns the production indicator parameters.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		ATRPeriod:         14,
		ATRDailyWindow:    288,
		SMAPeriod:         20,
		SwingBars:         20,
		SlopeEps:          0.01,
		MedianLR:          0.03,
		SpreadWindowSec:   600,
		SpreadWindowCount: 200,
	}
}

type symbolState struct {
	bid        float64
	ask        float64
	point      float64
	lastTickTS int64
	series     map[string]*BarSeries
	median     *MedianTracker
	window     *RollingWindow
	lastATR    float64
	lastATR24  float64
	lastATRH1  float64
}

// Provider serves market snapshots built from bus ticks and closed bars.
// Missing bars are tolerated by reusing the last known ATR per symbol.
type Provider struct {
	mu      sync.RWMutex
	cfg     ProviderConfig
	symbols map[string]*symbolState
	logger  zerolog.Logger
}

// NewProvider creates an empty provider.
func NewProvider(cfg ProviderConfig, logger zerolog.Logger) *Provider {
	return &Provider{
		cfg:     cfg,
		symbols: make(map[string]*symbolState),
		logger:  logger.With().Str("component", "market").Logger(),
	}
}

func (p *Provider) state(symbol string) *symbolState {
	st, ok := p.symbols[symbol]
	if !ok {
		st = &symbolState{
			series: make(map[string]*BarSeries),
			median: NewMedianTracker(p.cfg.MedianLR),
			window: NewRollingWindow(p.cfg.SpreadWindowSec, p.cfg.SpreadWindowCount),
		}
		p.symbols[symbol] = st
	}
	return st
}

// OnTick ingests a bid/ask update and feeds the spread trackers.
func (p *Provider) OnTick(t Tick) {
	if t.Symbol == "" || t.Bid <= 0 || t.Ask < t.Bid {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state(t.Symbol)
	st.bid = t.Bid
	st.ask = t.Ask
	if t.Point > 0 {
		st.point = t.Point
	}
	if t.TS > 0 {
		st.lastTickTS = t.TS
	}
	if st.point > 0 {
		spreadPts := (t.Ask - t.Bid) / st.point
		if spreadPts > 0 {
			st.median.Update(spreadPts)
			st.window.Add(spreadPts, st.lastTickTS)
		}
	}
}

// OnBar ingests a closed bar into the per-tf series.
func (p *Provider) OnBar(b Bar) {
	if b.Symbol == "" || b.TF == "" || b.High < b.Low {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state(b.Symbol)
	series, ok := st.series[b.TF]
	if !ok {
		series = NewBarSeries(p.seriesCap(b.TF))
		st.series[b.TF] = series
	}
	series.Add(b)
}

func (p *Provider) seriesCap(tf string) int {
	switch tf {
	case "m5":
		return p.cfg.ATRDailyWindow + p.cfg.ATRPeriod + 16
	case "m15":
		return p.cfg.SMAPeriod*4 + 8
	case "h1":
		return 64
	default:
		return 64
	}
}

// SpreadMedian returns the Robbins-Monro spread median in points.
func (p *Provider) SpreadMedian(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.symbols[symbol]
	if !ok {
		return 0, false
	}
	return st.median.Value()
}

// Snapshot builds the market bundle for a symbol as of now.
func (p *Provider) Snapshot(symbol string, now time.Time) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.symbols[symbol]
	if !ok || st.lastTickTS == 0 {
		return Snapshot{}, ErrNoData
	}

	point := st.point
	if point <= 0 {
		point = 0.01
	}

	snap := Snapshot{
		Symbol: symbol,
		Bid:    st.bid,
		Ask:    st.ask,
		Point:  point,
		TS:     now.Unix(),
	}
	snap.SpreadPoints = (st.ask - st.bid) / point
	if med, ok := st.median.Value(); ok {
		snap.SpreadMedianPoints = med
	}
	snap.SpreadAvgPoints = st.window.Avg(now.Unix())
	snap.TickAgeSec = now.Unix() - st.lastTickTS

	if m5 := st.series["m5"]; m5 != nil {
		if atr := m5.ATR(p.cfg.ATRPeriod); atr > 0 {
			st.lastATR = atr
		}
		n := m5.Len() - 1
		if n > p.cfg.ATRDailyWindow {
			n = p.cfg.ATRDailyWindow
		}
		// The daily average needs at least two ATR periods of history.
		if n >= p.cfg.ATRPeriod*2 {
			if atr24 := m5.ATR(n); atr24 > 0 {
				st.lastATR24 = atr24
			}
		}
		if low, high, ok := m5.Swing(p.cfg.SwingBars); ok {
			snap.SwingLow = low
			snap.SwingHigh = high
		}
	}
	if h1 := st.series["h1"]; h1 != nil {
		if atr := h1.ATR(p.cfg.ATRPeriod); atr > 0 {
			st.lastATRH1 = atr
		}
	}
	if m15 := st.series["m15"]; m15 != nil {
		snap.SMAM15 = m15.SMA(p.cfg.SMAPeriod, 0)
		snap.SMASlope = m15.SMASlope(p.cfg.SMAPeriod, p.cfg.SlopeEps)
	} else {
		snap.SMASlope = SlopeFlat
	}

	snap.ATR = st.lastATR
	snap.ATRPoints = st.lastATR / point
	snap.ATRH1 = st.lastATRH1
	if st.lastATR24 > 0 {
		snap.ATR24hAvg = st.lastATR24
	} else {
		// Neutral ratio until a day of history accumulates.
		snap.ATR24hAvg = st.lastATR
	}
	return snap, nil
}
