// Copyright (c) 2024 Neomantra Corp

package backtest

// FeatureOutputType is the declared output type of a feature field, used by
// the DSL parser to validate operator/type compatibility (e.g. eq/neq is
// restricted to discrete types; near_abs/near_pct to numeric types).
type FeatureOutputType string

const (
	OutputFloat FeatureOutputType = "FLOAT"
	OutputInt   FeatureOutputType = "INT"
	OutputBool  FeatureOutputType = "BOOL"
	OutputEnum  FeatureOutputType = "ENUM"
)

// IsNumeric reports whether values of this type support arithmetic,
// comparison, and proximity operators.
func (t FeatureOutputType) IsNumeric() bool {
	return t == OutputFloat || t == OutputInt
}

// IsDiscrete reports whether values of this type are restricted to
// eq/neq/in-style membership comparisons.
func (t FeatureOutputType) IsDiscrete() bool {
	return t == OutputBool || t == OutputEnum
}

// StopReason classifies why a run halted. Only a terminal StopState carries
// one of these; non-terminal starvation is tracked separately since the run
// continues.
type StopReason string

const (
	StopNone             StopReason = ""
	StopLiquidated       StopReason = "LIQUIDATED"
	StopEquityFloorHit   StopReason = "EQUITY_FLOOR_HIT"
	StopMaxDrawdownHit   StopReason = "MAX_DRAWDOWN_HIT"
	StopStrategyStarved  StopReason = "STRATEGY_STARVED" // non-terminal
)

// Priority returns the stop-condition precedence rank (lower = checked
// first / wins ties): LIQUIDATED > EQUITY_FLOOR_HIT >
// MAX_DRAWDOWN_HIT > STRATEGY_STARVED.
func (r StopReason) Priority() int {
	switch r {
	case StopLiquidated:
		return 0
	case StopEquityFloorHit:
		return 1
	case StopMaxDrawdownHit:
		return 2
	case StopStrategyStarved:
		return 3
	default:
		return 99
	}
}

// Terminal reports whether this stop reason ends the run.
func (r StopReason) Terminal() bool {
	switch r {
	case StopLiquidated, StopEquityFloorHit, StopMaxDrawdownHit:
		return true
	default:
		return false
	}
}

// RunState is the exchange's coarse state machine.
type RunState string

const (
	RunRunning           RunState = "running"
	RunStarved           RunState = "starved"
	RunTerminallyStopped RunState = "terminally_stopped"
)

// Side is a position or order direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}
