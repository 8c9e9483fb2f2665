// Copyright (c) 2025 Neomantra Corp

package indicators

import (
	"fmt"
	"math"

	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/registry"
)

// Structures is the built-in registry.StructureProvider: pivot-style
// detectors computed from raw OHLCV columns (and, for composites, from the
// columns of the structures they use). Like the numeric provider, only the
// contract interface is visible to the registry and feed builder.
type Structures struct{}

// NewStructures returns the built-in structure provider.
func NewStructures() *Structures { return &Structures{} }

// structureMeta describes one supported structure type.
type structureMeta struct {
	fields       map[string]backtest.FeatureOutputType
	allowedDeps  []registry.FeatureKind
	validate     func(p params) error
	warmup       func(p params) int
	compute      func(in map[string][]float64, uses []string, deps map[string]map[string][]float64, p params) (map[string][]float64, error)
}

// pivotWarmup is the standard pivot-style warmup: 5*(left+right+1) bars.
func pivotWarmup(p params) int {
	return 5 * (p.int("left", 2) + p.int("right", 2) + 1)
}

func validatePivotParams(p params) error {
	if p.int("left", 2) <= 0 || p.int("right", 2) <= 0 {
		return fmt.Errorf("pivot left/right must be positive")
	}
	return nil
}

var structureCatalog = map[string]structureMeta{
	// pivot_high forward-fills the price of the most recently confirmed
	// pivot high; a pivot at bar p confirms `right` bars later.
	"pivot_high": {
		fields:   map[string]backtest.FeatureOutputType{"": backtest.OutputFloat},
		validate: validatePivotParams,
		warmup:   pivotWarmup,
		compute: func(in map[string][]float64, uses []string, deps map[string]map[string][]float64, p params) (map[string][]float64, error) {
			return map[string][]float64{"": pivotLevels(in["high"], p.int("left", 2), p.int("right", 2), true)}, nil
		},
	},
	// pivot_low is the symmetric detector on lows.
	"pivot_low": {
		fields:   map[string]backtest.FeatureOutputType{"": backtest.OutputFloat},
		validate: validatePivotParams,
		warmup:   pivotWarmup,
		compute: func(in map[string][]float64, uses []string, deps map[string]map[string][]float64, p params) (map[string][]float64, error) {
			return map[string][]float64{"": pivotLevels(in["low"], p.int("left", 2), p.int("right", 2), false)}, nil
		},
	},
	// swing is the leg direction: +1 after the most recent confirmed pivot
	// low (rising leg), -1 after the most recent confirmed pivot high.
	// With `uses: [pivot_high_id, pivot_low_id]` it reads those computed
	// columns; with no uses it runs its own pivots from high/low.
	"swing": {
		fields:      map[string]backtest.FeatureOutputType{"": backtest.OutputInt},
		allowedDeps: []registry.FeatureKind{registry.KindStructure},
		validate:    validatePivotParams,
		warmup:      pivotWarmup,
		compute: func(in map[string][]float64, uses []string, deps map[string]map[string][]float64, p params) (map[string][]float64, error) {
			var highs, lows []float64
			switch len(uses) {
			case 0:
				highs = pivotLevels(in["high"], p.int("left", 2), p.int("right", 2), true)
				lows = pivotLevels(in["low"], p.int("left", 2), p.int("right", 2), false)
			case 2:
				highs = deps[uses[0]][""]
				lows = deps[uses[1]][""]
				if highs == nil || lows == nil {
					return nil, fmt.Errorf("swing uses must be two single-output pivot structures")
				}
			default:
				return nil, fmt.Errorf("swing takes no uses, or exactly [pivot_high, pivot_low]")
			}
			return map[string][]float64{"": swingDirection(highs, lows)}, nil
		},
	},
}

// IsSupported implements registry.StructureProvider.
func (*Structures) IsSupported(structureType string) bool {
	_, ok := structureCatalog[structureType]
	return ok
}

// ValidateParams implements registry.StructureProvider.
func (*Structures) ValidateParams(structureType string, raw map[string]any) error {
	meta, ok := structureCatalog[structureType]
	if !ok {
		return fmt.Errorf("unsupported structure type %q", structureType)
	}
	return meta.validate(params(raw))
}

// GetWarmup implements registry.StructureProvider.
func (*Structures) GetWarmup(structureType string, raw map[string]any) (int, error) {
	meta, ok := structureCatalog[structureType]
	if !ok {
		return 0, fmt.Errorf("unsupported structure type %q", structureType)
	}
	return meta.warmup(params(raw)), nil
}

// AllowedDependencyKinds implements registry.StructureProvider.
func (*Structures) AllowedDependencyKinds(structureType string) []registry.FeatureKind {
	return structureCatalog[structureType].allowedDeps
}

// GetOutputFields implements registry.StructureProvider.
func (*Structures) GetOutputFields(structureType string) map[string]backtest.FeatureOutputType {
	return structureCatalog[structureType].fields
}

// Compute implements registry.StructureProvider.
func (*Structures) Compute(structureType string, inputs map[string][]float64, uses []string, deps map[string]map[string][]float64, raw map[string]any) (map[string][]float64, error) {
	meta, ok := structureCatalog[structureType]
	if !ok {
		return nil, fmt.Errorf("unsupported structure type %q", structureType)
	}
	if err := meta.validate(params(raw)); err != nil {
		return nil, err
	}
	return meta.compute(inputs, uses, deps, params(raw))
}

///////////////////////////////////////////////////////////////////////////////

// pivotLevels returns a column where bar i carries the level of the most
// recently confirmed pivot (NaN before the first confirmation). A pivot at
// bar p is a strict extreme over [p-left, p+right] and confirms at bar
// p+right, so the column never looks ahead of the bar it is read at.
func pivotLevels(src []float64, left, right int, findHigh bool) []float64 {
	out := nanSlice(len(src))
	last := nan
	for i := 0; i < len(src); i++ {
		p := i - right
		if p >= left && isPivot(src, p, left, right, findHigh) {
			last = src[p]
		}
		out[i] = last
	}
	return out
}

func isPivot(src []float64, p, left, right int, findHigh bool) bool {
	for j := p - left; j <= p+right; j++ {
		if j == p {
			continue
		}
		if findHigh && src[j] >= src[p] {
			return false
		}
		if !findHigh && src[j] <= src[p] {
			return false
		}
	}
	return true
}

// swingDirection derives the leg direction from forward-filled pivot
// columns: a change in the pivot-low column means a fresh low confirmed
// (+1, rising leg); a change in the pivot-high column means a fresh high
// confirmed (-1). NaN until the first confirmation of either kind.
func swingDirection(highs, lows []float64) []float64 {
	out := nanSlice(len(highs))
	cur := nan
	for i := 0; i < len(highs); i++ {
		newHigh := freshPivot(highs, i)
		newLow := freshPivot(lows, i)
		switch {
		case newHigh && newLow:
			// Both legs confirmed on the same bar: keep the prior direction.
		case newHigh:
			cur = -1
		case newLow:
			cur = 1
		}
		out[i] = cur
	}
	return out
}

// freshPivot reports whether column col confirmed a new pivot at bar i.
func freshPivot(col []float64, i int) bool {
	if math.IsNaN(col[i]) {
		return false
	}
	if i == 0 || math.IsNaN(col[i-1]) {
		return true
	}
	return col[i] != col[i-1]
}
