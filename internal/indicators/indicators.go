// Copyright (c) 2025 Neomantra Corp

// Package indicators is the built-in numeric provider: a small indicator
// library satisfying both halves of the numeric provider contract
// (registry.NumericProvider and feed.IndicatorCompute). The engine only
// ever talks to the contract interfaces, so swapping this package for an
// external math library requires no engine changes.
package indicators

import (
	"fmt"
	"math"
)

// Provider implements registry.NumericProvider and feed.IndicatorCompute.
type Provider struct{}

// New returns the built-in provider.
func New() *Provider { return &Provider{} }

// indicatorMeta describes one supported indicator type.
type indicatorMeta struct {
	suffixes []string // nil = single output
	warmup   func(p params) int
	validate func(p params) error
	compute  func(in map[string][]float64, p params) map[string][]float64
}

var catalog = map[string]indicatorMeta{
	"sma": {
		warmup:   func(p params) int { return p.int("length", 14) },
		validate: requireLength,
		compute: func(in map[string][]float64, p params) map[string][]float64 {
			return single(sma(in["input"], p.int("length", 14)))
		},
	},
	"ema": {
		warmup:   func(p params) int { return p.int("length", 14) },
		validate: requireLength,
		compute: func(in map[string][]float64, p params) map[string][]float64 {
			return single(ema(in["input"], p.int("length", 14)))
		},
	},
	"rsi": {
		warmup:   func(p params) int { return p.int("length", 14) + 1 },
		validate: requireLength,
		compute: func(in map[string][]float64, p params) map[string][]float64 {
			return single(rsi(in["input"], p.int("length", 14)))
		},
	},
	"atr": {
		warmup:   func(p params) int { return p.int("length", 14) + 1 },
		validate: requireLength,
		compute: func(in map[string][]float64, p params) map[string][]float64 {
			return single(atr(in["high"], in["low"], in["close"], p.int("length", 14)))
		},
	},
	"macd": {
		suffixes: []string{"macd", "signal", "hist"},
		warmup: func(p params) int {
			return p.int("slow", 26) + p.int("signal", 9)
		},
		validate: func(p params) error {
			if p.int("fast", 12) <= 0 || p.int("slow", 26) <= 0 || p.int("signal", 9) <= 0 {
				return fmt.Errorf("macd fast/slow/signal must be positive")
			}
			if p.int("fast", 12) >= p.int("slow", 26) {
				return fmt.Errorf("macd fast period must be below slow period")
			}
			return nil
		},
		compute: func(in map[string][]float64, p params) map[string][]float64 {
			macdLine, signal, hist := macd(in["input"], p.int("fast", 12), p.int("slow", 26), p.int("signal", 9))
			return map[string][]float64{"macd": macdLine, "signal": signal, "hist": hist}
		},
	},
	"supertrend": {
		suffixes: []string{"long", "short"},
		warmup:   func(p params) int { return p.int("length", 10) + 1 },
		validate: requireLength,
		compute: func(in map[string][]float64, p params) map[string][]float64 {
			long, short := supertrend(in["high"], in["low"], in["close"],
				p.int("length", 10), p.float("multiplier", 3))
			return map[string][]float64{"long": long, "short": short}
		},
	},
}

func requireLength(p params) error {
	if p.int("length", 0) <= 0 {
		return fmt.Errorf("length must be a positive integer")
	}
	return nil
}

// IsSupported implements registry.NumericProvider.
func (*Provider) IsSupported(indicatorType string) bool {
	_, ok := catalog[indicatorType]
	return ok
}

// ValidateParams implements registry.NumericProvider.
func (*Provider) ValidateParams(indicatorType string, raw map[string]any) error {
	meta, ok := catalog[indicatorType]
	if !ok {
		return fmt.Errorf("unsupported indicator type %q", indicatorType)
	}
	return meta.validate(params(raw))
}

// GetWarmupBars implements registry.NumericProvider.
func (*Provider) GetWarmupBars(indicatorType string, raw map[string]any) (int, error) {
	meta, ok := catalog[indicatorType]
	if !ok {
		return 0, fmt.Errorf("unsupported indicator type %q", indicatorType)
	}
	return meta.warmup(params(raw)), nil
}

// GetOutputSuffixes implements registry.NumericProvider. Empty means a
// single-output indicator.
func (*Provider) GetOutputSuffixes(indicatorType string) []string {
	return catalog[indicatorType].suffixes
}

// GetExpandedKeys implements registry.NumericProvider.
func (*Provider) GetExpandedKeys(indicatorType, baseKey string) []string {
	return []string{baseKey}
}

// GetMutuallyExclusiveGroups implements registry.NumericProvider: at any
// bar, only one of a SuperTrend feature's long/short columns is non-NaN.
func (*Provider) GetMutuallyExclusiveGroups(keys []string) [][]string {
	byBase := map[string][2]string{}
	for _, k := range keys {
		if base, ok := cutSuffix(k, "_long"); ok {
			pair := byBase[base]
			pair[0] = k
			byBase[base] = pair
		}
		if base, ok := cutSuffix(k, "_short"); ok {
			pair := byBase[base]
			pair[1] = k
			byBase[base] = pair
		}
	}
	var groups [][]string
	for _, pair := range byBase {
		if pair[0] != "" && pair[1] != "" {
			groups = append(groups, []string{pair[0], pair[1]})
		}
	}
	return groups
}

func cutSuffix(s, suffix string) (string, bool) {
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)], true
	}
	return "", false
}

// Compute implements feed.IndicatorCompute. Outputs are keyed by suffix
// ("" for single-output indicators).
func (*Provider) Compute(indicatorType string, inputs map[string][]float64, raw map[string]any) (map[string][]float64, error) {
	meta, ok := catalog[indicatorType]
	if !ok {
		return nil, fmt.Errorf("unsupported indicator type %q", indicatorType)
	}
	if err := meta.validate(params(raw)); err != nil {
		return nil, err
	}
	return meta.compute(inputs, params(raw)), nil
}

// params wraps the YAML-decoded parameter map; numbers may arrive as int
// or float64 depending on how the document spelled them.
type params map[string]any

func (p params) int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func (p params) float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	default:
		return def
	}
}

func single(col []float64) map[string][]float64 {
	return map[string][]float64{"": col}
}

var nan = math.NaN()

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = nan
	}
	return out
}
