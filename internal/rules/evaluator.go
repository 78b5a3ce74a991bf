package rules

import (
	"log"
	"math"

	"perpbot/internal/indicators"
	"perpbot/pkg/exchanges/common"
)

// Advice is the outcome of evaluating a snapshot.
type Advice string

const (
	AdviceLong  Advice = "LONG"
	AdviceShort Advice = "SHORT"
	AdviceHold  Advice = "HOLD"
)

// Evaluator maps an indicator snapshot to an entry advice. It is a pure
// decision function; it never touches the exchange.
type Evaluator struct {
	params Params
}

// NewEvaluator creates an evaluator with the given rule parameters.
func NewEvaluator(p Params) *Evaluator {
	return &Evaluator{params: p}
}

// Params returns the active rule configuration.
func (e *Evaluator) Params() Params { return e.params }

// Decide returns the entry advice for a snapshot.
//
// Long: the fast EMA crossed above the slow EMA within the lookback window,
// the trend classification agrees, price sits within the configured distance
// of recent support, and the post-cross separation clears the hysteresis
// threshold. Short is the mirror against resistance.
func (e *Evaluator) Decide(snap indicators.Snapshot) Advice {
	if snap.Price <= 0 || len(snap.EmaFast) < 2 {
		return AdviceHold
	}

	deltaPct := e.emaDeltaPct(snap)

	if e.crossedUp(snap) && snap.Trend == indicators.TrendUp && snap.Support > 0 {
		distPct := (snap.Price - snap.Support) / snap.Price * 100
		if distPct >= 0 && distPct <= e.params.ProximityPct &&
			deltaPct >= e.params.MinDeltaPct &&
			snap.RSI <= e.params.EntryRSIMax {
			log.Printf("rules: %s LONG signal price=%.4f support=%.4f dist=%.2f%% delta=%.2f%%",
				snap.Symbol, snap.Price, snap.Support, distPct, deltaPct)
			return AdviceLong
		}
	}

	if e.crossedDown(snap) && snap.Trend == indicators.TrendDown && snap.Resistance > 0 {
		distPct := (snap.Resistance - snap.Price) / snap.Price * 100
		if distPct >= 0 && distPct <= e.params.ProximityPct &&
			deltaPct >= e.params.MinDeltaPct &&
			snap.RSI >= 100-e.params.EntryRSIMax {
			log.Printf("rules: %s SHORT signal price=%.4f resistance=%.4f dist=%.2f%% delta=%.2f%%",
				snap.Symbol, snap.Price, snap.Resistance, distPct, deltaPct)
			return AdviceShort
		}
	}

	return AdviceHold
}

// ShouldClose reports whether an open position should be flattened: the fast
// EMA crossed to the losing side of the slow EMA on the latest bar and the
// RSI confirms the momentum loss, or the stop level was breached. The stop
// check needs no confirmation. Pass stop=0 to disable the stop check.
func (e *Evaluator) ShouldClose(side common.Side, snap indicators.Snapshot, stop float64) (bool, string) {
	n := len(snap.EmaFast) - 1
	if n < 1 {
		return false, ""
	}

	prevFast, prevSlow := snap.EmaFast[n-1], snap.EmaSlow[n-1]
	currFast, currSlow := snap.EmaFast[n], snap.EmaSlow[n]

	if side == common.SideBuy {
		if currFast < currSlow && prevFast >= prevSlow && e.exitConfirmed(side, snap.RSI) {
			return true, "ema cross down"
		}
		if stop > 0 && snap.Price <= stop {
			return true, "stop level breached"
		}
	} else {
		if currFast > currSlow && prevFast <= prevSlow && e.exitConfirmed(side, snap.RSI) {
			return true, "ema cross up"
		}
		if stop > 0 && snap.Price >= stop {
			return true, "stop level breached"
		}
	}
	return false, ""
}

// exitConfirmed gates cross-based closes on momentum: a long exits once the
// RSI has fallen to the configured floor, a short once it has risen to the
// mirrored ceiling. Zero disables the confirmation.
func (e *Evaluator) exitConfirmed(side common.Side, rsi float64) bool {
	floor := e.params.ExitRSIMin
	if floor <= 0 {
		return true
	}
	if side == common.SideBuy {
		return rsi <= floor
	}
	return rsi >= 100-floor
}

func (e *Evaluator) emaDeltaPct(snap indicators.Snapshot) float64 {
	n := len(snap.EmaFast) - 1
	return math.Abs(snap.EmaFast[n]-snap.EmaSlow[n]) / snap.Price * 100
}

func (e *Evaluator) crossedUp(snap indicators.Snapshot) bool {
	lookback := e.params.Lookback
	n := len(snap.EmaFast)
	for i := 1; i <= lookback && n-i-1 >= 0; i++ {
		prevFast, prevSlow := snap.EmaFast[n-i-1], snap.EmaSlow[n-i-1]
		currFast, currSlow := snap.EmaFast[n-i], snap.EmaSlow[n-i]
		if prevFast <= prevSlow && currFast > currSlow {
			return true
		}
	}
	return false
}

func (e *Evaluator) crossedDown(snap indicators.Snapshot) bool {
	lookback := e.params.Lookback
	n := len(snap.EmaFast)
	for i := 1; i <= lookback && n-i-1 >= 0; i++ {
		prevFast, prevSlow := snap.EmaFast[n-i-1], snap.EmaSlow[n-i-1]
		currFast, currSlow := snap.EmaFast[n-i], snap.EmaSlow[n-i]
		if prevFast >= prevSlow && currFast < currSlow {
			return true
		}
	}
	return false
}
