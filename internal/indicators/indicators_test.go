package indicators

import (
	"math"
	"testing"
)

func TestEMATracksConstantSeries(t *testing.T) {
	values := []float64{50, 50, 50, 50, 50}
	out := EMA(values, 3)
	if len(out) != len(values) {
		t.Fatalf("len = %d, want %d", len(out), len(values))
	}
	for i, v := range out {
		if v != 50 {
			t.Fatalf("out[%d] = %v, want 50", i, v)
		}
	}
}

func TestEMAFollowsDirection(t *testing.T) {
	rising := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	out := EMA(rising, 3)
	for i := 1; i < len(out); i++ {
		if out[i] <= out[i-1] {
			t.Fatalf("ema not rising at %d: %v", i, out)
		}
	}
	// The EMA lags the raw series.
	if out[len(out)-1] >= rising[len(rising)-1] {
		t.Fatalf("ema %v ahead of price %v", out[len(out)-1], rising[len(rising)-1])
	}
}

func TestRSIExtremes(t *testing.T) {
	up := make([]float64, 20)
	down := make([]float64, 20)
	for i := range up {
		up[i] = float64(100 + i)
		down[i] = float64(100 - i)
	}
	if got := RSI(up, 14); got != 100 {
		t.Fatalf("all-gains RSI = %v, want 100", got)
	}
	if got := RSI(down, 14); got != 0 {
		t.Fatalf("all-losses RSI = %v, want 0", got)
	}
	if got := RSI([]float64{1, 2}, 14); got != 50 {
		t.Fatalf("short series RSI = %v, want neutral 50", got)
	}
}

func TestATRConstantRange(t *testing.T) {
	n := 20
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		closes[i] = 100
		highs[i] = 101
		lows[i] = 99
	}
	if got := ATR(highs, lows, closes, 14); math.Abs(got-2) > 1e-9 {
		t.Fatalf("ATR = %v, want 2", got)
	}
}

func TestRecentSupportFindsPivotLow(t *testing.T) {
	lows := make([]float64, 30)
	for i := range lows {
		lows[i] = 100
	}
	lows[20] = 90 // local low pivot
	if got := RecentSupport(lows); got != 90 {
		t.Fatalf("support = %v, want 90", got)
	}
}

func TestBuildRequiresEnoughBars(t *testing.T) {
	bars := make([]Bar, 10)
	for i := range bars {
		bars[i] = Bar{Close: 100, High: 101, Low: 99}
	}
	if _, err := Build("BTCUSDT", bars, DefaultParams()); err == nil {
		t.Fatal("expected error with too few bars for the slow period")
	}

	p := Params{FastPeriod: 3, SlowPeriod: 8, ATRPeriod: 3, RSIPeriod: 3}
	snap, err := Build("BTCUSDT", bars, p)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Price != 100 || snap.Trend != TrendSideways {
		t.Fatalf("snapshot = %+v", snap)
	}
}
