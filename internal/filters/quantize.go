package filters

import (
	"math"
	"strconv"

	"perpbot/pkg/exchanges/common"
)

// FloorStep rounds value down to a multiple of step.
func FloorStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Floor(value/step+1e-9) * step
}

// CeilStep rounds value up to a multiple of step.
func CeilStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Ceil(value/step-1e-9) * step
}

// StepPrecision derives the decimal precision implied by a step size
// (0.001 -> 3).
func StepPrecision(step float64) int {
	if step <= 0 || step >= 1 {
		return 0
	}
	p := int(math.Round(-math.Log10(step)))
	if p < 0 {
		return 0
	}
	return p
}

// FormatQty formats a quantity with the precision implied by step.
func FormatQty(qty, step float64) string {
	return strconv.FormatFloat(qty, 'f', StepPrecision(step), 64)
}

// Quantity computes the order quantity for the given notional at lastPrice,
// quantized to step: up for buys so the position is at least as large as
// requested, down for sells so we never oversell.
func Quantity(notional, lastPrice, step float64, side common.Side) string {
	raw := notional / lastPrice
	var qty float64
	if side == common.SideBuy {
		qty = CeilStep(raw, step)
	} else {
		qty = FloorStep(raw, step)
	}
	return FormatQty(qty, step)
}

// MinNotionalQty computes the smallest step-aligned quantity whose notional
// at lastPrice is at least minNotional.
func MinNotionalQty(minNotional, lastPrice, step float64) string {
	return FormatQty(CeilStep(minNotional/lastPrice, step), step)
}

// QuantizePrice rounds a trigger/limit price to the symbol's tick size.
func QuantizePrice(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
