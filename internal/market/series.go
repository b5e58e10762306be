package market

import "math"

// Bar is one closed OHLC bar from the market feed. The execution process
// publishes bars on close, so a forming bar never enters a series.
type Bar struct {
	Symbol string  `json:"symbol"`
	TF     string  `json:"tf"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	TS     int64   `json:"ts"`
}

// BarSeries keeps the most recent closed bars for one (symbol, tf).
type BarSeries struct {
	bars []Bar
	cap  int
}

// NewBarSeries creates a series bounded to capacity bars.
func NewBarSeries(capacity int) *BarSeries {
	return &BarSeries{cap: capacity}
}

// Add appends a closed bar, replacing the last one when the timestamp
// repeats (feed resend) and dropping out-of-order bars.
func (bs *BarSeries) Add(b Bar) {
	n := len(bs.bars)
	if n > 0 {
		last := bs.bars[n-1]
		if b.TS == last.TS {
			bs.bars[n-1] = b
			return
		}
		if b.TS < last.TS {
			return
		}
	}
	bs.bars = append(bs.bars, b)
	if len(bs.bars) > bs.cap {
		bs.bars = bs.bars[len(bs.bars)-bs.cap:]
	}
}

// Len returns the number of retained bars.
func (bs *BarSeries) Len() int { return len(bs.bars) }

// Last returns the most recent closed bar.
func (bs *BarSeries) Last() (Bar, bool) {
	if len(bs.bars) == 0 {
		return Bar{}, false
	}
	return bs.bars[len(bs.bars)-1], true
}

// ATR computes the true-range average over the last period bars.
// Returns 0 when fewer than period+1 bars are available.
func (bs *BarSeries) ATR(period int) float64 {
	n := len(bs.bars)
	if period <= 0 || n < period+1 {
		return 0
	}
	sum := 0.0
	for i := n - period; i < n; i++ {
		sum += trueRange(bs.bars[i], bs.bars[i-1])
	}
	return sum / float64(period)
}

func trueRange(cur, prev Bar) float64 {
	tr := cur.High - cur.Low
	if d := math.Abs(cur.High - prev.Close); d > tr {
		tr = d
	}
	if d := math.Abs(cur.Low - prev.Close); d > tr {
		tr = d
	}
	return tr
}

// SMA computes the simple moving average of closes over the last period
// bars, optionally skipping the newest `skip` bars. Returns 0 when not
// enough bars.
func (bs *BarSeries) SMA(period, skip int) float64 {
	n := len(bs.bars) - skip
	if period <= 0 || n < period {
		return 0
	}
	sum := 0.0
	for i := n - period; i < n; i++ {
		sum += bs.bars[i].Close
	}
	return sum / float64(period)
}

// Slope labels for SMA direction.
const (
	SlopeUp   = "UP"
	SlopeDown = "DOWN"
	SlopeFlat = "FLAT"
)

// SMASlope compares the SMA against the same SMA one bar earlier and
// labels the direction. eps is the minimum per-bar move that counts.
func (bs *BarSeries) SMASlope(period int, eps float64) string {
	cur := bs.SMA(period, 0)
	prev := bs.SMA(period, 1)
	if cur == 0 || prev == 0 {
		return SlopeFlat
	}
	switch {
	case cur-prev > eps:
		return SlopeUp
	case prev-cur > eps:
		return SlopeDown
	default:
		return SlopeFlat
	}
}

// Swing returns the lowest low and highest high over the last period bars.
func (bs *BarSeries) Swing(period int) (low, high float64, ok bool) {
	n := len(bs.bars)
	if n == 0 {
		return 0, 0, false
	}
	start := n - period
	if start < 0 {
		start = 0
	}
	low = bs.bars[start].Low
	high = bs.bars[start].High
	for _, b := range bs.bars[start:] {
		if b.Low < low {
			low = b.Low
		}
		if b.High > high {
			high = b.High
		}
	}
	return low, high, true
}
