package filters

import (
	"strconv"
	"testing"

	"perpbot/pkg/exchanges/common"
)

func TestQuantityRoundsUpForBuys(t *testing.T) {
	// 200/50000 = 0.004 exactly; a buy must never land below it.
	got := Quantity(200, 50000, 0.001, common.SideBuy)
	if got != "0.004" {
		t.Fatalf("buy qty = %q, expected %q", got, "0.004")
	}

	qty, err := strconv.ParseFloat(got, 64)
	if err != nil {
		t.Fatalf("parse qty: %v", err)
	}
	if notional := qty * 50000; notional < 200 {
		t.Fatalf("buy notional = %v, expected >= 200", notional)
	}
}

func TestQuantityNeverRoundsUpForSells(t *testing.T) {
	tests := []struct {
		name     string
		notional float64
		price    float64
		step     float64
		want     string
	}{
		{name: "exact multiple", notional: 200, price: 50000, step: 0.001, want: "0.004"},
		{name: "fraction floors", notional: 210, price: 50000, step: 0.001, want: "0.004"},
		{name: "below one step", notional: 30, price: 50000, step: 0.001, want: "0.000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Quantity(tt.notional, tt.price, tt.step, common.SideSell)
			if got != tt.want {
				t.Fatalf("sell qty = %q, expected %q", got, tt.want)
			}

			qty, _ := strconv.ParseFloat(got, 64)
			raw := tt.notional / tt.price
			if qty > raw+1e-12 {
				t.Fatalf("sell qty %v exceeds raw %v", qty, raw)
			}
		})
	}
}

func TestMinNotionalQtyNeverBelowMinimum(t *testing.T) {
	// notional=3 at price=50000 is below the exchange minimum of 5; the
	// corrected quantity must satisfy it.
	got := MinNotionalQty(5, 50000, 0.001)
	qty, err := strconv.ParseFloat(got, 64)
	if err != nil {
		t.Fatalf("parse qty: %v", err)
	}
	if notional := qty * 50000; notional < 5 {
		t.Fatalf("corrected notional = %v, expected >= 5", notional)
	}
}

func TestStepPrecision(t *testing.T) {
	tests := []struct {
		step float64
		want int
	}{
		{1, 0},
		{0.1, 1},
		{0.001, 3},
		{0.00001, 5},
	}
	for _, tt := range tests {
		if got := StepPrecision(tt.step); got != tt.want {
			t.Fatalf("StepPrecision(%v) = %d, expected %d", tt.step, got, tt.want)
		}
	}
}

func TestQuantizePrice(t *testing.T) {
	if got := QuantizePrice(98.004, 0.01); got != 98.0 {
		t.Fatalf("QuantizePrice = %v, expected 98.0", got)
	}
	if got := QuantizePrice(98.006, 0.01); got != 98.01 {
		t.Fatalf("QuantizePrice = %v, expected 98.01", got)
	}
}
