package indicators

import "fmt"

// Trend classifies the broader direction of a symbol.
type Trend string

const (
	TrendUp       Trend = "UP"
	TrendDown     Trend = "DOWN"
	TrendSideways Trend = "SIDEWAYS"
)

// Bar is one OHLCV candle as consumed by the snapshot builder.
type Bar struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// Snapshot is the opaque indicator view handed to the rule evaluator.
type Snapshot struct {
	Symbol     string
	Price      float64
	EmaFast    []float64
	EmaSlow    []float64
	Trend      Trend
	Support    float64
	Resistance float64
	ATR        float64
	RSI        float64
}

// Params controls which periods feed a snapshot.
type Params struct {
	FastPeriod int
	SlowPeriod int
	ATRPeriod  int
	RSIPeriod  int
}

// DefaultParams mirrors the canonical 34x72 EMA configuration.
func DefaultParams() Params {
	return Params{FastPeriod: 34, SlowPeriod: 72, ATRPeriod: 14, RSIPeriod: 14}
}

// Build computes a snapshot from a candle window. It needs at least
// SlowPeriod+1 bars so the evaluator can observe a cross.
func Build(symbol string, bars []Bar, p Params) (Snapshot, error) {
	if len(bars) < p.SlowPeriod+1 {
		return Snapshot{}, fmt.Errorf("indicators: %s has %d bars, need %d", symbol, len(bars), p.SlowPeriod+1)
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
		lows[i] = b.Low
	}

	fast := EMA(closes, p.FastPeriod)
	slow := EMA(closes, p.SlowPeriod)

	n := len(closes) - 1
	trend := TrendSideways
	switch {
	case fast[n] > slow[n]:
		trend = TrendUp
	case fast[n] < slow[n]:
		trend = TrendDown
	}

	return Snapshot{
		Symbol:     symbol,
		Price:      closes[n],
		EmaFast:    fast,
		EmaSlow:    slow,
		Trend:      trend,
		Support:    RecentSupport(lows),
		Resistance: RecentResistance(highs),
		ATR:        ATR(highs, lows, closes, p.ATRPeriod),
		RSI:        RSI(closes, p.RSIPeriod),
	}, nil
}
