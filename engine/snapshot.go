// Package engine implements the bar processor: the
// array-backed, bar-by-bar hot loop that advances the 1m inner loop nested
// inside the execution-timeframe outer loop, builds the Snapshot View,
// runs the DSL against it, and drives the Simulated Exchange.
package engine

import (
	"math"

	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/dsl"
	"github.com/tradeforge/perpbacktest/feed"
	"github.com/tradeforge/perpbacktest/registry"
)

// rollupKeyPrefix identifies the synthetic px.rollup.* feature keys the
// Snapshot View exposes from the frozen Execution Rollup Bucket.
const rollupKeyPrefix = "px.rollup."

const (
	pxMark      = "px.mark"
	pxLast      = "px.last"
	pxPrevLast  = "px.prev_last"
)

// Snapshot is the O(1), non-owning per-tick view: a bundle of
// fixed indices into the Feed Stores plus current prices, the rollup
// bucket's frozen values, and a reference to the exchange/history it
// borrows from. It implements dsl.Snapshot. Snapshots never outlive the
// bar they were constructed for.
type Snapshot struct {
	reg    *registry.Registry
	stores map[backtest.Timeframe]*feed.Store
	tfMap  backtest.TFMapping

	execIdx, medIdx, highIdx int
	history                  *feed.History

	rollup RollupSet

	MarkPrice, LastPrice, PrevLastPrice float64
	TsClose                             int64
}

// RollupSet is the current frozen rollup values exposed as px.rollup.*
// keys.
type RollupSet = feed.RollupValues

func (s *Snapshot) roleForTF(tf backtest.Timeframe) (idx int, isExec, isMed, isHigh bool) {
	switch tf {
	case s.tfMap.Exec:
		return s.execIdx, true, false, false
	case s.tfMap.Med:
		return s.medIdx, false, true, false
	case s.tfMap.High:
		return s.highIdx, false, false, true
	default:
		return -1, false, false, false
	}
}

// FeatureValueAt implements dsl.Snapshot. offset is "k bars ago" on the
// feature's own declared TF: offset 0 reads the live forward-fill index;
// offset > 0 reads the bounded History ring for that TF's role.
func (s *Snapshot) FeatureValueAt(featureID, field string, offset int) (dsl.Value, bool) {
	if v, ok := s.syntheticValue(featureID, offset); ok {
		return v, true
	}
	f, ok := s.reg.Get(featureID)
	if !ok {
		return dsl.Value{}, false
	}
	key := f.OutputKeyFor(field)
	outType := f.OutputKeys[field]

	if offset == 0 {
		idx, _, _, _ := s.roleForTF(f.TF)
		if idx < 0 {
			return dsl.Value{}, false
		}
		store := s.stores[f.TF]
		col, ok := store.Indicators[key]
		if !ok || idx >= len(col) {
			return dsl.Value{}, false
		}
		v := col[idx]
		if math.IsNaN(v) {
			return dsl.Value{}, false
		}
		return typedValue(outType, v), true
	}

	_, isExec, isMed, isHigh := s.roleForTF(f.TF)
	var snap feed.FeatureSnapshot
	switch {
	case isExec:
		snap, ok = s.history.ExecFeatureAt(offset - 1)
	case isMed:
		snap, ok = s.history.MedFeatureAt(offset - 1)
	case isHigh:
		snap, ok = s.history.HighFeatureAt(offset - 1)
	default:
		return dsl.Value{}, false
	}
	if !ok {
		return dsl.Value{}, false
	}
	v, ok := snap[key]
	if !ok || math.IsNaN(v) {
		return dsl.Value{}, false
	}
	return typedValue(outType, v), true
}

func (s *Snapshot) syntheticValue(featureID string, offset int) (dsl.Value, bool) {
	if offset != 0 {
		return dsl.Value{}, false
	}
	if len(featureID) > len(rollupKeyPrefix) && featureID[:len(rollupKeyPrefix)] == rollupKeyPrefix {
		vals := s.rollup.AsFeatureKeys()
		v, ok := vals[featureID]
		return dsl.FloatValue(v), ok
	}
	switch featureID {
	case pxMark:
		return dsl.FloatValue(s.MarkPrice), true
	case pxLast:
		return dsl.FloatValue(s.LastPrice), true
	case pxPrevLast:
		return dsl.FloatValue(s.PrevLastPrice), true
	}
	return dsl.Value{}, false
}

func typedValue(t backtest.FeatureOutputType, v float64) dsl.Value {
	switch t {
	case backtest.OutputBool:
		return dsl.BoolValue(v != 0)
	case backtest.OutputInt:
		return dsl.IntValue(int64(v))
	default:
		return dsl.FloatValue(v)
	}
}

// IsAnchorClose implements dsl.Snapshot: reports whether the current
// tsClose coincides with a close of anchorTF.
func (s *Snapshot) IsAnchorClose(anchorTF backtest.Timeframe) bool {
	if anchorTF == backtest.TF1m || anchorTF == "" {
		return true // the 1m inner loop ticks every anchor bar by definition
	}
	store, ok := s.stores[anchorTF]
	if !ok {
		return false
	}
	return store.IsCloseAt(s.TsClose)
}
