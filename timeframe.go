// Copyright (c) 2024 Neomantra Corp

package backtest

import "fmt"

// Timeframe is a canonical timeframe string. The zero value is invalid.
type Timeframe string

// The canonical timeframe set. 1m is the privileged action timeframe: all
// intrabar TP/SL resolution and strategy evaluation happens at 1m
// granularity regardless of the declared execution timeframe.
const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
	TF12h Timeframe = "12h"
	TF1D  Timeframe = "1D"

	// ActionTF is the 1-minute granularity at which signals are evaluated
	// and TP/SL is checked, per the GLOSSARY.
	ActionTF Timeframe = TF1m

	// ActionTFMinutes is ActionTF's duration in minutes.
	ActionTFMinutes = 1

	// WindowBarsCeiling is the hard cap on window-operator bar counts
	// (holds_for / occurred_within / count_true).
	WindowBarsCeiling = 1440

	// WindowDurationCeilingMinutes bounds holds_for_duration-style operators
	// to at most 24h, matching WindowBarsCeiling at a 1m anchor.
	WindowDurationCeilingMinutes = 24 * 60
)

// tfMinutes maps every canonical timeframe to its duration in minutes. This
// is the single source of truth other components (feed gap checks, warmup
// math, window-operator bar conversion) must consult.
var tfMinutes = map[Timeframe]int{
	TF1m: 1, TF3m: 3, TF5m: 5, TF15m: 15, TF30m: 30,
	TF1h: 60, TF2h: 120, TF4h: 240, TF6h: 360, TF12h: 720,
	TF1D: 1440,
}

// Minutes returns the timeframe's duration in minutes, and whether tf is a
// recognized canonical timeframe.
func (tf Timeframe) Minutes() (int, bool) {
	m, ok := tfMinutes[tf]
	return m, ok
}

// Valid reports whether tf is a member of the canonical timeframe set.
func (tf Timeframe) Valid() bool {
	_, ok := tfMinutes[tf]
	return ok
}

// DividesEvenly reports whether tf divides evenly into other, i.e. other's
// duration is an integer multiple of tf's duration. Every execution
// timeframe declared by a Play must divide evenly into every higher
// timeframe it declares features on.
func (tf Timeframe) DividesEvenly(other Timeframe) (bool, error) {
	tfMin, ok := tf.Minutes()
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}
	otherMin, ok := other.Minutes()
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrInvalidTimeframe, other)
	}
	if tfMin == 0 {
		return false, fmt.Errorf("%w: %q has zero duration", ErrInvalidTimeframe, tf)
	}
	return otherMin%tfMin == 0, nil
}

// TFRole is a role a timeframe plays relative to a Play's execution
// timeframe. The source material carries two overlapping naming schemes
// (htf/mtf/ltf and low_tf/med_tf/high_tf with an exec pointer); the
// exec-pointer form is treated as canonical
// and the other is normalized onto it.
type TFRole string

const (
	RoleExec TFRole = "exec" // the execution timeframe itself (ltf by default)
	RoleMed  TFRole = "mtf"  // medium timeframe: trade bias / structure context
	RoleHigh TFRole = "htf"  // high timeframe: higher-level trend
)

// TFMapping resolves the role-based timeframe names a Snapshot View exposes
// (exec/mtf/htf) from a Play's declared timeframes. NormalizeTFMapping is
// the single place that reconciles the two historical naming schemes.
type TFMapping struct {
	Exec Timeframe
	Med  Timeframe
	High Timeframe
}

// NormalizeTFMapping builds a canonical TFMapping from a Play's raw
// declaration. execTF is always authoritative (it is the engine's
// bar-stepping clock). med and high are optional; when omitted they default
// to execTF so that forward-fill code can always dereference a role without
// a nil check, and a Play that never declares medium/high-TF features still
// produces a valid, if degenerate, mapping.
func NormalizeTFMapping(execTF, med, high Timeframe) (TFMapping, error) {
	if !execTF.Valid() {
		return TFMapping{}, fmt.Errorf("%w: exec tf %q", ErrInvalidTimeframe, execTF)
	}
	m := TFMapping{Exec: execTF, Med: execTF, High: execTF}
	if med != "" {
		if !med.Valid() {
			return TFMapping{}, fmt.Errorf("%w: med tf %q", ErrInvalidTimeframe, med)
		}
		if ok, err := execTF.DividesEvenly(med); err != nil || !ok {
			return TFMapping{}, fmt.Errorf("%w: exec tf %q does not divide med tf %q", ErrInvalidTimeframe, execTF, med)
		}
		m.Med = med
	}
	if high != "" {
		if !high.Valid() {
			return TFMapping{}, fmt.Errorf("%w: high tf %q", ErrInvalidTimeframe, high)
		}
		if ok, err := execTF.DividesEvenly(high); err != nil || !ok {
			return TFMapping{}, fmt.Errorf("%w: exec tf %q does not divide high tf %q", ErrInvalidTimeframe, execTF, high)
		}
		m.High = high
		if m.Med != execTF {
			medMin, _ := m.Med.Minutes()
			highMin, _ := m.High.Minutes()
			if highMin < medMin {
				return TFMapping{}, fmt.Errorf("%w: high tf %q must be >= med tf %q", ErrInvalidTimeframe, high, m.Med)
			}
		}
	}
	return m, nil
}

// AsMap renders the TFMapping the way RuntimeSnapshot.tf_mapping does in the
// source material: role name -> timeframe string.
func (m TFMapping) AsMap() map[string]string {
	return map[string]string{
		string(RoleExec): string(m.Exec),
		string(RoleMed):  string(m.Med),
		string(RoleHigh): string(m.High),
	}
}
