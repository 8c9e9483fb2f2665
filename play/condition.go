// Copyright (c) 2025 Neomantra Corp

package play

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/dsl"
)

// ConditionSpec is the YAML shape of one DSL expression. Exactly one of
// the variant groups is set: a boolean combinator (all/any/not), a window
// operator (holds_for/occurred_within/count_true), a setup reference, or
// a leaf comparison (lhs/op/rhs).
type ConditionSpec struct {
	All []ConditionSpec `yaml:"all,omitempty"`
	Any []ConditionSpec `yaml:"any,omitempty"`
	Not *ConditionSpec  `yaml:"not,omitempty"`

	Setup string `yaml:"setup,omitempty"`

	HoldsFor       *WindowSpec `yaml:"holds_for,omitempty"`
	OccurredWithin *WindowSpec `yaml:"occurred_within,omitempty"`
	CountTrue      *WindowSpec `yaml:"count_true,omitempty"`

	LHS       *OperandSpec `yaml:"lhs,omitempty"`
	Op        string       `yaml:"op,omitempty"`
	RHS       *OperandSpec `yaml:"rhs,omitempty"`
	Tolerance *float64     `yaml:"tolerance,omitempty"`
}

// WindowSpec is the body of a window operator. Bars and Duration are
// mutually exclusive; Duration strings (`Nm | Nh | Nd`) convert to bars on
// the anchor timeframe. AnchorTF defaults to the 1m action timeframe.
type WindowSpec struct {
	Bars     int            `yaml:"bars,omitempty"`
	Duration string         `yaml:"duration,omitempty"`
	MinTrue  int            `yaml:"min_true,omitempty"`
	AnchorTF string         `yaml:"anchor_tf,omitempty"`
	Expr     *ConditionSpec `yaml:"expr"`
}

// OperandSpec is one side of a leaf comparison. It decodes from:
//   - a number, bool: a scalar literal
//   - a string: a feature reference ("id", "id.field", "id.field@2") when
//     the name resolves against the Play's declared features, otherwise an
//     ENUM scalar
//   - a 2-element sequence: a range (for `between`)
//   - a longer sequence: a list (for `in`)
//   - a map {feature, field, offset}: an explicit feature reference
//   - a map {left, op, right}: an arithmetic expression
type OperandSpec struct {
	scalar   *dsl.Value
	str      string // unresolved string: feature ref or enum literal
	seq      []OperandSpec
	feature  *featureRefSpec
	arith    *arithSpec
}

type featureRefSpec struct {
	Feature string `yaml:"feature"`
	Field   string `yaml:"field,omitempty"`
	Offset  int    `yaml:"offset,omitempty"`
}

type arithSpec struct {
	Left  OperandSpec `yaml:"left"`
	Op    string      `yaml:"op"`
	Right OperandSpec `yaml:"right"`
}

// MarshalYAML implements yaml.Marshaler, re-emitting whichever variant the
// operand decoded from so Canonical() round-trips losslessly.
func (o OperandSpec) MarshalYAML() (any, error) {
	switch {
	case o.scalar != nil:
		return scalarToAny(*o.scalar), nil
	case o.str != "":
		return o.str, nil
	case o.seq != nil:
		return o.seq, nil
	case o.feature != nil:
		return o.feature, nil
	case o.arith != nil:
		return o.arith, nil
	default:
		return nil, nil
	}
}

func scalarToAny(v dsl.Value) any {
	switch v.Type {
	case backtest.OutputInt:
		return int64(v.Num)
	case backtest.OutputBool:
		return v.Bool
	case backtest.OutputEnum:
		return v.Enum
	default:
		return v.Num
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *OperandSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!int":
			n, err := strconv.ParseInt(node.Value, 10, 64)
			if err != nil {
				return err
			}
			v := dsl.IntValue(n)
			o.scalar = &v
		case "!!float":
			f, err := strconv.ParseFloat(node.Value, 64)
			if err != nil {
				return err
			}
			v := dsl.FloatValue(f)
			o.scalar = &v
		case "!!bool":
			b, err := strconv.ParseBool(node.Value)
			if err != nil {
				return err
			}
			v := dsl.BoolValue(b)
			o.scalar = &v
		default:
			o.str = node.Value
		}
		return nil
	case yaml.SequenceNode:
		return node.Decode(&o.seq)
	case yaml.MappingNode:
		keys := map[string]bool{}
		for i := 0; i+1 < len(node.Content); i += 2 {
			keys[node.Content[i].Value] = true
		}
		if keys["feature"] {
			o.feature = &featureRefSpec{}
			return node.Decode(o.feature)
		}
		if keys["left"] && keys["op"] {
			o.arith = &arithSpec{}
			return node.Decode(o.arith)
		}
		return fmt.Errorf("operand map must be {feature, field?, offset?} or {left, op, right}")
	default:
		return fmt.Errorf("unsupported operand yaml kind %d", node.Kind)
	}
}

// arithOps maps YAML arithmetic operator spellings to AST operators.
var arithOps = map[string]dsl.ArithOp{
	"+": dsl.ArithAdd, "add": dsl.ArithAdd,
	"-": dsl.ArithSub, "sub": dsl.ArithSub,
	"*": dsl.ArithMul, "mul": dsl.ArithMul,
	"/": dsl.ArithDiv, "div": dsl.ArithDiv,
	"%": dsl.ArithMod, "mod": dsl.ArithMod,
}

// condOps maps YAML comparison operator spellings to AST operators.
var condOps = map[string]dsl.CondOp{
	"gt": dsl.CondGt, "lt": dsl.CondLt, "gte": dsl.CondGte, "lte": dsl.CondLte,
	"eq": dsl.CondEq, "neq": dsl.CondNeq,
	"cross_above": dsl.CondCrossAbove, "cross_below": dsl.CondCrossBelow,
	"between": dsl.CondBetween, "in": dsl.CondIn,
	"near_abs": dsl.CondNearAbs, "near_pct": dsl.CondNearPct,
}

// builder carries the context a ConditionSpec needs to become a dsl.Expr:
// the declared feature ids, which disambiguate feature references from
// enum literals in string operands.
type builder struct {
	featureIDs map[string]bool
}

// Build converts spec into a frozen dsl.Expr.
func (b *builder) Build(spec *ConditionSpec, path string) (*dsl.Expr, error) {
	set := 0
	for _, on := range []bool{
		len(spec.All) > 0, len(spec.Any) > 0, spec.Not != nil, spec.Setup != "",
		spec.HoldsFor != nil, spec.OccurredWithin != nil, spec.CountTrue != nil,
		spec.Op != "",
	} {
		if on {
			set++
		}
	}
	if set != 1 {
		return nil, &backtest.DslTypeError{
			Kind: backtest.ErrIncompatibleOperatorType, NodePath: path,
			Detail: "condition must set exactly one of all/any/not/setup/holds_for/occurred_within/count_true/op",
		}
	}

	switch {
	case len(spec.All) > 0:
		children, err := b.buildList(spec.All, path+".all")
		if err != nil {
			return nil, err
		}
		return dsl.All(children...), nil
	case len(spec.Any) > 0:
		children, err := b.buildList(spec.Any, path+".any")
		if err != nil {
			return nil, err
		}
		return dsl.Any(children...), nil
	case spec.Not != nil:
		child, err := b.Build(spec.Not, path+".not")
		if err != nil {
			return nil, err
		}
		return dsl.Not(child), nil
	case spec.Setup != "":
		return dsl.SetupRef(spec.Setup), nil
	case spec.HoldsFor != nil:
		return b.buildWindow(spec.HoldsFor, dsl.HoldsFor, path+".holds_for")
	case spec.OccurredWithin != nil:
		return b.buildWindow(spec.OccurredWithin, dsl.OccurredWithin, path+".occurred_within")
	case spec.CountTrue != nil:
		w := spec.CountTrue
		bars, anchor, err := b.windowBars(w, path+".count_true")
		if err != nil {
			return nil, err
		}
		if w.MinTrue < 1 {
			return nil, &backtest.DslTypeError{
				Kind: backtest.ErrWindowOutOfRange, NodePath: path + ".count_true",
				Detail: "min_true must be >= 1",
			}
		}
		inner, err := b.Build(w.Expr, path+".count_true.expr")
		if err != nil {
			return nil, err
		}
		return dsl.CountTrue(bars, w.MinTrue, inner, anchor), nil
	default:
		return b.buildCond(spec, path)
	}
}

func (b *builder) buildList(specs []ConditionSpec, path string) ([]*dsl.Expr, error) {
	out := make([]*dsl.Expr, 0, len(specs))
	for i := range specs {
		child, err := b.Build(&specs[i], fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

func (b *builder) buildWindow(w *WindowSpec, mk func(int, *dsl.Expr, backtest.Timeframe) *dsl.Expr, path string) (*dsl.Expr, error) {
	bars, anchor, err := b.windowBars(w, path)
	if err != nil {
		return nil, err
	}
	inner, err := b.Build(w.Expr, path+".expr")
	if err != nil {
		return nil, err
	}
	return mk(bars, inner, anchor), nil
}

// windowBars resolves a WindowSpec's bar count and anchor timeframe.
// Duration strings are converted via the anchor; a missing anchor defaults
// to the 1m action timeframe.
func (b *builder) windowBars(w *WindowSpec, path string) (int, backtest.Timeframe, error) {
	if w.Expr == nil {
		return 0, "", &backtest.DslTypeError{
			Kind: backtest.ErrWindowOutOfRange, NodePath: path, Detail: "window operator requires expr",
		}
	}
	anchor := backtest.ActionTF
	if w.AnchorTF != "" {
		anchor = backtest.Timeframe(w.AnchorTF)
		if !anchor.Valid() {
			return 0, "", &backtest.DslTypeError{
				Kind: backtest.ErrMalformedDuration, NodePath: path,
				Detail: fmt.Sprintf("unknown anchor_tf %q", w.AnchorTF),
			}
		}
	}
	if w.Duration != "" {
		if w.Bars != 0 {
			return 0, "", &backtest.DslTypeError{
				Kind: backtest.ErrWindowOutOfRange, NodePath: path, Detail: "bars and duration are mutually exclusive",
			}
		}
		bars, err := dsl.ParseDurationBars(w.Duration, anchor)
		if err != nil {
			return 0, "", err
		}
		return bars, anchor, nil
	}
	if w.Bars < 1 || w.Bars > backtest.WindowBarsCeiling {
		return 0, "", &backtest.DslTypeError{
			Kind: backtest.ErrWindowOutOfRange, NodePath: path,
			Detail: fmt.Sprintf("bars %d must be within [1, %d]", w.Bars, backtest.WindowBarsCeiling),
		}
	}
	return w.Bars, anchor, nil
}

func (b *builder) buildCond(spec *ConditionSpec, path string) (*dsl.Expr, error) {
	op, ok := condOps[spec.Op]
	if !ok {
		return nil, &backtest.DslTypeError{
			Kind: backtest.ErrIncompatibleOperatorType, NodePath: path,
			Detail: fmt.Sprintf("unknown operator %q", spec.Op),
		}
	}
	if spec.LHS == nil || spec.RHS == nil {
		return nil, &backtest.DslTypeError{
			Kind: backtest.ErrIncompatibleOperatorType, NodePath: path,
			Detail: fmt.Sprintf("operator %q requires lhs and rhs", spec.Op),
		}
	}
	lhs, err := b.buildOperand(spec.LHS, op, true, path+".lhs")
	if err != nil {
		return nil, err
	}
	rhs, err := b.buildOperand(spec.RHS, op, false, path+".rhs")
	if err != nil {
		return nil, err
	}
	var tol *dsl.Value
	if spec.Tolerance != nil {
		v := dsl.FloatValue(*spec.Tolerance)
		tol = &v
	}
	if (op == dsl.CondNearAbs || op == dsl.CondNearPct) && tol == nil {
		return nil, &backtest.DslTypeError{
			Kind: backtest.ErrIncompatibleOperatorType, NodePath: path,
			Detail: fmt.Sprintf("operator %q requires tolerance", spec.Op),
		}
	}
	return dsl.Cond(lhs, op, rhs, tol), nil
}

// buildOperand lowers one OperandSpec. isLHS controls string resolution:
// an lhs string must be a feature reference, while an rhs string that does
// not name a declared feature becomes an ENUM literal.
func (b *builder) buildOperand(o *OperandSpec, op dsl.CondOp, isLHS bool, path string) (*dsl.Expr, error) {
	switch {
	case o.scalar != nil:
		return dsl.Scalar(*o.scalar), nil
	case o.feature != nil:
		if !b.featureIDs[o.feature.Feature] {
			return nil, &backtest.ConfigurationError{
				Kind: backtest.ErrDanglingDependency, ID: o.feature.Feature,
				Detail: fmt.Sprintf("operand at %s references an undeclared feature", path),
			}
		}
		if o.feature.Offset < 0 {
			return nil, &backtest.DslTypeError{
				Kind: backtest.ErrOffsetExceedsHistory, NodePath: path, Detail: "offset must be >= 0",
			}
		}
		return dsl.FeatureRef(o.feature.Feature, o.feature.Field, o.feature.Offset), nil
	case o.arith != nil:
		aop, ok := arithOps[o.arith.Op]
		if !ok {
			return nil, &backtest.DslTypeError{
				Kind: backtest.ErrIncompatibleOperatorType, NodePath: path,
				Detail: fmt.Sprintf("unknown arithmetic operator %q", o.arith.Op),
			}
		}
		left, err := b.buildOperand(&o.arith.Left, op, isLHS, path+".left")
		if err != nil {
			return nil, err
		}
		right, err := b.buildOperand(&o.arith.Right, op, isLHS, path+".right")
		if err != nil {
			return nil, err
		}
		return dsl.Arith(left, aop, right), nil
	case o.seq != nil:
		return b.buildSequence(o, op, path)
	case o.str != "":
		if ref, ok := b.parseFeatureString(o.str); ok {
			return ref, nil
		}
		if isLHS {
			return nil, &backtest.ConfigurationError{
				Kind: backtest.ErrDanglingDependency, ID: o.str,
				Detail: fmt.Sprintf("lhs at %s does not name a declared feature", path),
			}
		}
		return dsl.Scalar(dsl.EnumValue(o.str)), nil
	default:
		return nil, &backtest.DslTypeError{
			Kind: backtest.ErrIncompatibleOperatorType, NodePath: path, Detail: "empty operand",
		}
	}
}

// buildSequence lowers a YAML sequence operand: a 2-element range for
// `between`, a member list for `in`.
func (b *builder) buildSequence(o *OperandSpec, op dsl.CondOp, path string) (*dsl.Expr, error) {
	vals := make([]dsl.Value, 0, len(o.seq))
	for i := range o.seq {
		item := &o.seq[i]
		switch {
		case item.scalar != nil:
			vals = append(vals, *item.scalar)
		case item.str != "":
			vals = append(vals, dsl.EnumValue(item.str))
		default:
			return nil, &backtest.DslTypeError{
				Kind: backtest.ErrIncompatibleOperatorType, NodePath: path,
				Detail: "sequence operands must contain scalars only",
			}
		}
	}
	switch op {
	case dsl.CondBetween:
		if len(vals) != 2 {
			return nil, &backtest.DslTypeError{
				Kind: backtest.ErrIncompatibleOperatorType, NodePath: path,
				Detail: fmt.Sprintf("between requires [lo, hi], got %d elements", len(vals)),
			}
		}
		return dsl.Range(vals[0], vals[1]), nil
	case dsl.CondIn:
		if len(vals) == 0 {
			return nil, &backtest.DslTypeError{
				Kind: backtest.ErrIncompatibleOperatorType, NodePath: path,
				Detail: "in requires a non-empty list",
			}
		}
		return dsl.List(vals...), nil
	default:
		return nil, &backtest.DslTypeError{
			Kind: backtest.ErrIncompatibleOperatorType, NodePath: path,
			Detail: "sequence operand only valid with between/in",
		}
	}
}

// parseFeatureString resolves the "id", "id.field", and "id.field@k"
// shorthand. Returns ok=false when the id part does not name a declared
// feature.
func (b *builder) parseFeatureString(s string) (*dsl.Expr, bool) {
	name, offsetPart, hasOffset := strings.Cut(s, "@")
	id, field, _ := strings.Cut(name, ".")
	if !b.featureIDs[id] {
		return nil, false
	}
	offset := 0
	if hasOffset {
		n, err := strconv.Atoi(offsetPart)
		if err != nil || n < 0 {
			return nil, false
		}
		offset = n
	}
	return dsl.FeatureRef(id, field, offset), true
}
