package rules

import (
	"os"
	"path/filepath"
	"testing"

	"perpbot/internal/indicators"
	"perpbot/pkg/exchanges/common"
)

// snapWith builds a snapshot around explicit EMA tails. The tails are the
// last entries of the series; earlier entries keep the pre-cross ordering so
// lookback scans see exactly one transition.
func snapWith(price float64, fast, slow []float64) indicators.Snapshot {
	trend := indicators.TrendSideways
	n := len(fast) - 1
	switch {
	case fast[n] > slow[n]:
		trend = indicators.TrendUp
	case fast[n] < slow[n]:
		trend = indicators.TrendDown
	}
	return indicators.Snapshot{
		Symbol:  "BTCUSDT",
		Price:   price,
		EmaFast: fast,
		EmaSlow: slow,
		Trend:   trend,
		RSI:     50,
	}
}

func TestDecideLongOnFreshCrossNearSupport(t *testing.T) {
	snap := snapWith(100, []float64{98, 99, 101}, []float64{100, 100, 100})
	snap.Support = 99.8 // 0.2% below price
	snap.Resistance = 110

	p := DefaultParams()
	p.Lookback = 5
	e := NewEvaluator(p)

	if got := e.Decide(snap); got != AdviceLong {
		t.Fatalf("advice = %s, want LONG", got)
	}
}

func TestDecideHoldsWhenSupportTooFar(t *testing.T) {
	snap := snapWith(100, []float64{98, 99, 101}, []float64{100, 100, 100})
	snap.Support = 95 // 5% away, outside the 0.5% proximity gate

	e := NewEvaluator(DefaultParams())
	if got := e.Decide(snap); got != AdviceHold {
		t.Fatalf("advice = %s, want HOLD", got)
	}
}

func TestDecideHoldsUnderHysteresisThreshold(t *testing.T) {
	// Crossed, but the separation is a hair over zero: 0.005% < 0.02%.
	snap := snapWith(100, []float64{99.99, 100.005}, []float64{100, 100})
	snap.Support = 99.9

	e := NewEvaluator(DefaultParams())
	if got := e.Decide(snap); got != AdviceHold {
		t.Fatalf("advice = %s, want HOLD", got)
	}
}

func TestDecideHoldsWithoutCross(t *testing.T) {
	// Fast above slow the whole way; no transition inside the lookback.
	snap := snapWith(100, []float64{101, 102, 103}, []float64{100, 100, 100})
	snap.Support = 99.9

	e := NewEvaluator(DefaultParams())
	if got := e.Decide(snap); got != AdviceHold {
		t.Fatalf("advice = %s, want HOLD", got)
	}
}

func TestDecideShortOnCrossDownNearResistance(t *testing.T) {
	snap := snapWith(100, []float64{102, 101, 99}, []float64{100, 100, 100})
	snap.Support = 90
	snap.Resistance = 100.3 // 0.3% above price

	e := NewEvaluator(DefaultParams())
	if got := e.Decide(snap); got != AdviceShort {
		t.Fatalf("advice = %s, want SHORT", got)
	}
}

func TestDecideRespectsRSIGate(t *testing.T) {
	snap := snapWith(100, []float64{98, 99, 101}, []float64{100, 100, 100})
	snap.Support = 99.8
	snap.RSI = 85 // overbought past the default 70 cap

	e := NewEvaluator(DefaultParams())
	if got := e.Decide(snap); got != AdviceHold {
		t.Fatalf("advice = %s, want HOLD", got)
	}
}

func TestDecideRespectsLookbackWindow(t *testing.T) {
	// The only cross sits 4 bars back; a lookback of 2 must not see it.
	fast := []float64{99, 101, 102, 102, 102}
	slow := []float64{100, 100, 100, 100, 100}
	snap := snapWith(100, fast, slow)
	snap.Support = 99.8

	p := DefaultParams()
	p.Lookback = 2
	if got := NewEvaluator(p).Decide(snap); got != AdviceHold {
		t.Fatalf("advice = %s, want HOLD", got)
	}

	p.Lookback = 5
	if got := NewEvaluator(p).Decide(snap); got != AdviceLong {
		t.Fatalf("advice = %s, want LONG with wider lookback", got)
	}
}

func TestShouldCloseOnOppositeCross(t *testing.T) {
	e := NewEvaluator(DefaultParams())

	// Long with the fast EMA dropping under the slow one on the latest bar.
	snap := snapWith(100, []float64{101, 99}, []float64{100, 100})
	closed, reason := e.ShouldClose(common.SideBuy, snap, 0)
	if !closed || reason != "ema cross down" {
		t.Fatalf("closed=%v reason=%q", closed, reason)
	}

	// Short mirrored.
	snap = snapWith(100, []float64{99, 101}, []float64{100, 100})
	closed, reason = e.ShouldClose(common.SideSell, snap, 0)
	if !closed || reason != "ema cross up" {
		t.Fatalf("closed=%v reason=%q", closed, reason)
	}
}

func TestShouldCloseRequiresRSIConfirmation(t *testing.T) {
	e := NewEvaluator(DefaultParams()) // exit confirmation at 50

	// Long with a fresh cross down but momentum still strong.
	long := snapWith(100, []float64{101, 99}, []float64{100, 100})
	long.RSI = 65
	if closed, _ := e.ShouldClose(common.SideBuy, long, 0); closed {
		t.Fatal("closed long before RSI fell to the floor")
	}
	long.RSI = 40
	if closed, _ := e.ShouldClose(common.SideBuy, long, 0); !closed {
		t.Fatal("confirmed cross down did not close")
	}

	// Short mirrored against 100-floor.
	short := snapWith(100, []float64{99, 101}, []float64{100, 100})
	short.RSI = 35
	if closed, _ := e.ShouldClose(common.SideSell, short, 0); closed {
		t.Fatal("closed short before RSI rose to the ceiling")
	}
	short.RSI = 60
	if closed, _ := e.ShouldClose(common.SideSell, short, 0); !closed {
		t.Fatal("confirmed cross up did not close")
	}

	// Zero disables the confirmation entirely.
	p := DefaultParams()
	p.ExitRSIMin = 0
	long.RSI = 99
	if closed, _ := NewEvaluator(p).ShouldClose(common.SideBuy, long, 0); !closed {
		t.Fatal("disabled confirmation still gated the close")
	}
}

func TestShouldCloseOnStopBreach(t *testing.T) {
	e := NewEvaluator(DefaultParams())
	// Healthy long trend; only the stop can close. Entry 100 with a 2-point
	// offset puts the stop at 98.
	mk := func(price float64) indicators.Snapshot {
		return snapWith(price, []float64{101, 102}, []float64{100, 100})
	}

	if closed, _ := e.ShouldClose(common.SideBuy, mk(99), 98); closed {
		t.Fatal("closed above the stop")
	}
	closed, reason := e.ShouldClose(common.SideBuy, mk(97), 98)
	if !closed || reason != "stop level breached" {
		t.Fatalf("closed=%v reason=%q", closed, reason)
	}

	// Zero disables the stop check entirely.
	if closed, _ := e.ShouldClose(common.SideBuy, mk(1), 0); closed {
		t.Fatal("disabled stop still closed")
	}
}

func TestLoadParamsFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	body := "rule:\n  fast_period: 21\n  lookback: 10\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadParams(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.FastPeriod != 21 || p.Lookback != 10 {
		t.Fatalf("overrides lost: %+v", p)
	}
	if p.SlowPeriod != 72 || p.MinDeltaPct != 0.02 {
		t.Fatalf("defaults lost: %+v", p)
	}
}

func TestLoadParamsMissingFileYieldsDefaults(t *testing.T) {
	p, err := LoadParams(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if p != DefaultParams() {
		t.Fatalf("params = %+v", p)
	}
}
