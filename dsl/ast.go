package dsl

import backtest "github.com/tradeforge/perpbacktest"

// NodeKind tags the variant an Expr carries. The AST is a frozen, hashable
// tree: one struct type with a tag, rather than per-kind structs behind an
// interface, so evaluation is a switch over the tag with no virtual-method
// overhead in the hot path.
type NodeKind int

const (
	NodeFeatureRef NodeKind = iota
	NodeScalar
	NodeRange
	NodeList
	NodeArithmetic
	NodeCond
	NodeAll
	NodeAny
	NodeNot
	NodeHoldsFor
	NodeOccurredWithin
	NodeCountTrue
	NodeSetupRef
)

// ArithOp is an ArithmeticExpr operator.
type ArithOp int

const (
	ArithAdd ArithOp = iota
	ArithSub
	ArithMul
	ArithDiv
	ArithMod
)

// CondOp is a Cond comparison/crossover/range/proximity operator.
type CondOp int

const (
	CondGt CondOp = iota
	CondLt
	CondGte
	CondLte
	CondEq
	CondNeq
	CondCrossAbove
	CondCrossBelow
	CondBetween
	CondIn
	CondNearAbs
	CondNearPct
)

// isCrossover reports whether op requires a well-defined offset-1 value on
// both operands (implying warmup >= 1).
func (op CondOp) isCrossover() bool { return op == CondCrossAbove || op == CondCrossBelow }

// discreteOnly reports whether op is restricted to BOOL/ENUM operands.
func (op CondOp) discreteOnly() bool { return op == CondEq || op == CondNeq }

// numericOnly reports whether op requires FLOAT/INT operands.
func (op CondOp) numericOnly() bool {
	switch op {
	case CondGt, CondLt, CondGte, CondLte, CondBetween, CondNearAbs, CondNearPct, CondCrossAbove, CondCrossBelow:
		return true
	default:
		return false
	}
}

// Expr is one node of the frozen DSL tree.
type Expr struct {
	Kind NodeKind

	// FeatureRef: feature_id, field (empty for single-output), offset = k
	// exec-bars-ago on the feature's own TF.
	FeatureID string
	Field     string
	Offset    int

	// ScalarValue.
	Scalar Value

	// RangeValue (between).
	Lo, Hi Value

	// ListValue (in).
	List []Value

	// ArithmeticExpr.
	ArithLeft, ArithRight *Expr
	ArithOp               ArithOp

	// Cond.
	LHS, RHS  *Expr
	CondOp    CondOp
	Tolerance *Value // near_abs(value) / near_pct(pct)

	// Boolean (All/Any/Not).
	Children []*Expr

	// Window operators (HoldsFor/OccurredWithin/CountTrue).
	Bars     int
	MinTrue  int
	AnchorTF backtest.Timeframe
	Inner    *Expr
	nodeID   int // assigned by Compile; identifies this node's history ring

	// SetupRef, resolved to its target during Compile.
	SetupID string
}

// FeatureRef builds a feature reference node. offset 0 means the current
// bar; offset k means k exec-bars-ago on the feature's own TF.
func FeatureRef(featureID, field string, offset int) *Expr {
	return &Expr{Kind: NodeFeatureRef, FeatureID: featureID, Field: field, Offset: offset}
}

// Scalar builds a literal scalar node.
func Scalar(v Value) *Expr { return &Expr{Kind: NodeScalar, Scalar: v} }

// Range builds a RangeValue node for `between`.
func Range(lo, hi Value) *Expr { return &Expr{Kind: NodeRange, Lo: lo, Hi: hi} }

// List builds a ListValue node for `in`.
func List(vals ...Value) *Expr { return &Expr{Kind: NodeList, List: vals} }

// Arith builds an ArithmeticExpr node.
func Arith(left *Expr, op ArithOp, right *Expr) *Expr {
	return &Expr{Kind: NodeArithmetic, ArithLeft: left, ArithOp: op, ArithRight: right}
}

// Cond builds a comparison/crossover/range/proximity condition node.
func Cond(lhs *Expr, op CondOp, rhs *Expr, tolerance *Value) *Expr {
	return &Expr{Kind: NodeCond, LHS: lhs, CondOp: op, RHS: rhs, Tolerance: tolerance}
}

// All builds a boolean AND-of-all node.
func All(children ...*Expr) *Expr { return &Expr{Kind: NodeAll, Children: children} }

// Any builds a boolean OR-of-any node.
func Any(children ...*Expr) *Expr { return &Expr{Kind: NodeAny, Children: children} }

// Not builds a boolean negation node.
func Not(child *Expr) *Expr { return &Expr{Kind: NodeNot, Children: []*Expr{child}} }

// HoldsFor builds a window node requiring expr true for every one of the
// last `bars` anchor-TF bars.
func HoldsFor(bars int, expr *Expr, anchorTF backtest.Timeframe) *Expr {
	return &Expr{Kind: NodeHoldsFor, Bars: bars, Inner: expr, AnchorTF: anchorTF}
}

// OccurredWithin builds a window node requiring expr true at least once in
// the last `bars` anchor-TF bars.
func OccurredWithin(bars int, expr *Expr, anchorTF backtest.Timeframe) *Expr {
	return &Expr{Kind: NodeOccurredWithin, Bars: bars, Inner: expr, AnchorTF: anchorTF}
}

// CountTrue builds a window node requiring expr true at least minTrue times
// in the last `bars` anchor-TF bars.
func CountTrue(bars, minTrue int, expr *Expr, anchorTF backtest.Timeframe) *Expr {
	return &Expr{Kind: NodeCountTrue, Bars: bars, MinTrue: minTrue, Inner: expr, AnchorTF: anchorTF}
}

// SetupRef builds a reference to a named reusable Block (Setup), resolved
// at Compile time.
func SetupRef(id string) *Expr { return &Expr{Kind: NodeSetupRef, SetupID: id} }

// WarmupInfo summarizes the warmup contribution a compiled expression tree
// places on its declaring TF.
type WarmupInfo struct {
	MaxOffset            int
	MaxWindowBars        int
	CrossoverRequiresOne bool
}

// AnalyzeWarmup walks expr and returns the warmup contributions it implies.
func AnalyzeWarmup(expr *Expr) WarmupInfo {
	var info WarmupInfo
	var walk func(e *Expr)
	walk = func(e *Expr) {
		if e == nil {
			return
		}
		switch e.Kind {
		case NodeFeatureRef:
			if e.Offset > info.MaxOffset {
				info.MaxOffset = e.Offset
			}
		case NodeArithmetic:
			walk(e.ArithLeft)
			walk(e.ArithRight)
		case NodeCond:
			walk(e.LHS)
			walk(e.RHS)
			if e.CondOp.isCrossover() {
				info.CrossoverRequiresOne = true
			}
		case NodeAll, NodeAny, NodeNot:
			for _, c := range e.Children {
				walk(c)
			}
		case NodeHoldsFor, NodeOccurredWithin, NodeCountTrue:
			if e.Bars > info.MaxWindowBars {
				info.MaxWindowBars = e.Bars
			}
			walk(e.Inner)
		}
	}
	walk(expr)
	return info
}
