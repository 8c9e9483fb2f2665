package dsl

import backtest "github.com/tradeforge/perpbacktest"

// Snapshot is the read-only view the evaluator consumes, satisfied by
// engine.Snapshot. It never copies feature arrays: every access is an O(1)
// array lookup at a fixed index bundle.
type Snapshot interface {
	// FeatureValueAt returns the value of featureID's field, offset bars
	// ago on that feature's own declared timeframe. ok=false means the
	// value is not available (NaN, insufficient history, not yet warm),
	// which the evaluator treats as indeterminate.
	FeatureValueAt(featureID, field string, offset int) (Value, bool)

	// IsAnchorClose reports whether the current tick coincides with a bar
	// close on anchorTF, gating when window nodes should advance their
	// history ring.
	IsAnchorClose(anchorTF backtest.Timeframe) bool
}
