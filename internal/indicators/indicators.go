package indicators

import "math"

// EMA computes the exponential moving average series over values. The output
// has the same length as the input; entries before the first full period are
// seeded with a simple average ramp.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) == 0 {
		return nil
	}
	out := make([]float64, len(values))
	k := 2.0 / (float64(period) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI computes the Wilder relative strength index for the latest bar.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// ATR computes the average true range over the last period bars.
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if period <= 0 || n < period+1 || len(highs) < n || len(lows) < n {
		return 0
	}
	var sum float64
	for i := n - period; i < n; i++ {
		tr := highs[i] - lows[i]
		tr = math.Max(tr, math.Abs(highs[i]-closes[i-1]))
		tr = math.Max(tr, math.Abs(lows[i]-closes[i-1]))
		sum += tr
	}
	return sum / float64(period)
}

// RecentSupport scans backwards for the most recent local low pivot.
func RecentSupport(lows []float64) float64 {
	if len(lows) < 3 {
		return 0
	}
	for i := len(lows) - 3; i >= 10 && i >= 1; i-- {
		if lows[i] < lows[i-1] && lows[i] < lows[i+1] {
			return lows[i]
		}
	}
	return lows[len(lows)-2]
}

// RecentResistance scans backwards for the most recent local high pivot.
func RecentResistance(highs []float64) float64 {
	if len(highs) < 3 {
		return 0
	}
	for i := len(highs) - 3; i >= 10 && i >= 1; i-- {
		if highs[i] > highs[i-1] && highs[i] > highs[i+1] {
			return highs[i]
		}
	}
	return highs[len(highs)-2]
}
