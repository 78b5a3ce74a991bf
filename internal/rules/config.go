package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Params parameterizes the canonical entry/close rule. Lookback and the
// minimum-delta hysteresis are configuration values, not separate code paths.
type Params struct {
	FastPeriod   int     `yaml:"fast_period"`
	SlowPeriod   int     `yaml:"slow_period"`
	Lookback     int     `yaml:"lookback"`       // bars scanned for a recent cross
	MinDeltaPct  float64 `yaml:"min_delta_pct"`  // min |fast-slow|/price*100 after a cross
	ProximityPct float64 `yaml:"proximity_pct"`  // max distance to support/resistance, in %
	EntryRSIMax  float64 `yaml:"entry_rsi_max"`  // oscillator gate for longs (mirrored for shorts)
	ExitRSIMin   float64 `yaml:"exit_rsi_min"`   // RSI confirmation for cross-based closes, 0 disables
}

// DefaultParams is the canonical 34x72 EMA crossover configuration.
func DefaultParams() Params {
	return Params{
		FastPeriod:   34,
		SlowPeriod:   72,
		Lookback:     15,
		MinDeltaPct:  0.02,
		ProximityPct: 0.5,
		EntryRSIMax:  70,
		ExitRSIMin:   50,
	}
}

type configFile struct {
	Rule Params `yaml:"rule"`
}

// LoadParams reads rule parameters from a YAML file, filling unset fields
// with defaults. A missing file yields the defaults.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("read rules config: %w", err)
	}

	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return p, fmt.Errorf("parse rules config: %w", err)
	}

	if file.Rule.FastPeriod > 0 {
		p.FastPeriod = file.Rule.FastPeriod
	}
	if file.Rule.SlowPeriod > 0 {
		p.SlowPeriod = file.Rule.SlowPeriod
	}
	if file.Rule.Lookback > 0 {
		p.Lookback = file.Rule.Lookback
	}
	if file.Rule.MinDeltaPct > 0 {
		p.MinDeltaPct = file.Rule.MinDeltaPct
	}
	if file.Rule.ProximityPct > 0 {
		p.ProximityPct = file.Rule.ProximityPct
	}
	if file.Rule.EntryRSIMax > 0 {
		p.EntryRSIMax = file.Rule.EntryRSIMax
	}
	if file.Rule.ExitRSIMin > 0 {
		p.ExitRSIMin = file.Rule.ExitRSIMin
	}
	return p, nil
}
