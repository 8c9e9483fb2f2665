package dsl

import (
	"fmt"
	"math"

	backtest "github.com/tradeforge/perpbacktest"
)

// Evaluator evaluates a compiled Expr tree against a Snapshot, producing a
// tri-valued boolean result. It carries no per-run state of its own; the
// only mutable state touched during Eval is the caller-owned WindowState,
// threaded explicitly rather than hidden as evaluator state, so the
// evaluator itself stays state-free.
type Evaluator struct {
	Setups Setups
}

// NewEvaluator constructs an Evaluator bound to a resolved Setups table.
func NewEvaluator(setups Setups) *Evaluator {
	return &Evaluator{Setups: setups}
}

// EvalBool evaluates expr's boolean result at the current snapshot.
func (ev *Evaluator) EvalBool(expr *Expr, snap Snapshot, ws *WindowState) (TriBool, error) {
	return ev.evalBool(expr, snap, ws, 0)
}

func (ev *Evaluator) evalBool(expr *Expr, snap Snapshot, ws *WindowState, base int) (TriBool, error) {
	switch expr.Kind {
	case NodeCond:
		return ev.evalCond(expr, snap, ws, base)
	case NodeAll:
		result := TriTrue
		for _, c := range expr.Children {
			r, err := ev.evalBool(c, snap, ws, base)
			if err != nil {
				return TriUnknown, err
			}
			result = result.And(r)
		}
		return result, nil
	case NodeAny:
		result := TriFalse
		for _, c := range expr.Children {
			r, err := ev.evalBool(c, snap, ws, base)
			if err != nil {
				return TriUnknown, err
			}
			result = result.Or(r)
		}
		return result, nil
	case NodeNot:
		r, err := ev.evalBool(expr.Children[0], snap, ws, base)
		if err != nil {
			return TriUnknown, err
		}
		return r.Not(), nil
	case NodeHoldsFor, NodeOccurredWithin, NodeCountTrue:
		return ev.evalWindow(expr, snap, ws, base)
	case NodeSetupRef:
		target, ok := ev.Setups[expr.SetupID]
		if !ok {
			return TriUnknown, &backtest.ConfigurationError{Kind: backtest.ErrUnknownSetupReference, ID: expr.SetupID}
		}
		return ev.evalBool(target, snap, ws, base)
	default:
		return TriUnknown, fmt.Errorf("node kind %d is not a boolean expression", expr.Kind)
	}
}

func (ev *Evaluator) evalCond(expr *Expr, snap Snapshot, ws *WindowState, base int) (TriBool, error) {
	if expr.CondOp.isCrossover() {
		lhsNow, okLN := ev.evalValue(expr.LHS, snap, base)
		rhsNow, okRN := ev.evalValue(expr.RHS, snap, base)
		lhsPrev, okLP := ev.evalValue(expr.LHS, snap, base+1)
		rhsPrev, okRP := ev.evalValue(expr.RHS, snap, base+1)
		if !okLN || !okRN || !okLP || !okRP {
			return TriUnknown, nil
		}
		switch expr.CondOp {
		case CondCrossAbove:
			return FromBool(lhsPrev.Num <= rhsPrev.Num && lhsNow.Num > rhsNow.Num), nil
		case CondCrossBelow:
			return FromBool(lhsPrev.Num >= rhsPrev.Num && lhsNow.Num < rhsNow.Num), nil
		}
	}

	lhs, okL := ev.evalValue(expr.LHS, snap, base)
	if !okL {
		return TriUnknown, nil
	}

	switch expr.CondOp {
	case CondBetween:
		if math.IsNaN(expr.RHS.Lo.Num) || math.IsNaN(expr.RHS.Hi.Num) {
			return TriUnknown, nil
		}
		return FromBool(lhs.Num >= expr.RHS.Lo.Num && lhs.Num <= expr.RHS.Hi.Num), nil
	case CondIn:
		for _, v := range expr.RHS.List {
			if lhs.Equal(v) {
				return TriTrue, nil
			}
		}
		return TriFalse, nil
	}

	rhs, okR := ev.evalValue(expr.RHS, snap, base)
	if !okR {
		return TriUnknown, nil
	}
	switch expr.CondOp {
	case CondGt:
		return FromBool(lhs.Num > rhs.Num), nil
	case CondLt:
		return FromBool(lhs.Num < rhs.Num), nil
	case CondGte:
		return FromBool(lhs.Num >= rhs.Num), nil
	case CondLte:
		return FromBool(lhs.Num <= rhs.Num), nil
	case CondEq:
		return FromBool(lhs.Equal(rhs)), nil
	case CondNeq:
		return FromBool(!lhs.Equal(rhs)), nil
	case CondNearAbs:
		// near_abs(value): rhs is the target value, Tolerance the absolute
		// distance. Absolute-distance semantics regardless of sign (see
		// DESIGN.md).
		return FromBool(math.Abs(lhs.Num-rhs.Num) <= absTolerance(expr.Tolerance)), nil
	case CondNearPct:
		if rhs.Num == 0 {
			return TriUnknown, nil
		}
		pctDist := math.Abs((lhs.Num - rhs.Num) / rhs.Num)
		return FromBool(pctDist <= absTolerance(expr.Tolerance)), nil
	default:
		return TriUnknown, fmt.Errorf("unhandled cond op %d", expr.CondOp)
	}
}

func absTolerance(v *Value) float64 {
	if v == nil {
		return 0
	}
	return math.Abs(v.Num)
}

// evalValue evaluates a FeatureRef/Scalar/Arithmetic node to a concrete
// Value, honoring `base` as an additional bars-ago shift applied to every
// FeatureRef offset reached from this node (used by window operators to
// re-evaluate an inner expression as of k anchor-bars ago).
func (ev *Evaluator) evalValue(expr *Expr, snap Snapshot, base int) (Value, bool) {
	switch expr.Kind {
	case NodeFeatureRef:
		return snap.FeatureValueAt(expr.FeatureID, expr.Field, expr.Offset+base)
	case NodeScalar:
		return expr.Scalar, true
	case NodeArithmetic:
		l, okL := ev.evalValue(expr.ArithLeft, snap, base)
		r, okR := ev.evalValue(expr.ArithRight, snap, base)
		if !okL || !okR {
			return Value{}, false
		}
		var out float64
		switch expr.ArithOp {
		case ArithAdd:
			out = l.Num + r.Num
		case ArithSub:
			out = l.Num - r.Num
		case ArithMul:
			out = l.Num * r.Num
		case ArithDiv:
			if r.Num == 0 {
				return Value{}, false
			}
			out = l.Num / r.Num
		case ArithMod:
			if r.Num == 0 {
				return Value{}, false
			}
			out = math.Mod(l.Num, r.Num)
		}
		return FloatValue(out), true
	default:
		return Value{}, false
	}
}

// evalWindow evaluates a HoldsFor/OccurredWithin/CountTrue node: the inner
// expression is (re)evaluated against the current snapshot; on an
// anchor-TF close, the result is pushed into this node's history ring; the
// operator then reads the ring's last `bars` entries.
//
// Indeterminate propagation: fewer than `bars` entries (insufficient
// history) or any Unknown entry within the window yields TriUnknown.
func (ev *Evaluator) evalWindow(expr *Expr, snap Snapshot, ws *WindowState, base int) (TriBool, error) {
	inner, err := ev.evalBool(expr.Inner, snap, ws, base)
	if err != nil {
		return TriUnknown, err
	}
	ring := ws.ringFor(expr.NodeID(), expr.Bars)
	if snap.IsAnchorClose(expr.AnchorTF) {
		ring.push(inner)
	}
	entries, full := ring.last(expr.Bars)
	if !full {
		return TriUnknown, nil
	}
	hasUnknown := false
	trueCount := 0
	for _, e := range entries {
		switch e {
		case TriUnknown:
			hasUnknown = true
		case TriTrue:
			trueCount++
		}
	}
	if hasUnknown {
		return TriUnknown, nil
	}
	switch expr.Kind {
	case NodeHoldsFor:
		return FromBool(trueCount == len(entries)), nil
	case NodeOccurredWithin:
		return FromBool(trueCount > 0), nil
	case NodeCountTrue:
		return FromBool(trueCount >= expr.MinTrue), nil
	default:
		return TriUnknown, fmt.Errorf("evalWindow called on non-window node kind %d", expr.Kind)
	}
}
