package dsl

import (
	"fmt"

	backtest "github.com/tradeforge/perpbacktest"
)

// TypeResolver resolves a feature field's declared output type, satisfied
// by *registry.Registry in production and by a fake in tests.
type TypeResolver interface {
	GetOutputType(featureID, field string) (backtest.FeatureOutputType, error)
}

// ValidateTypes walks expr and checks every operator/type compatibility
// rule against reg: eq/neq restricted to discrete
// (BOOL/ENUM) types; gt/lt/gte/lte/between/near_abs/near_pct/crossover
// restricted to numeric (FLOAT/INT) types. Runs once at parse time, before
// any bar is processed.
func ValidateTypes(expr *Expr, reg TypeResolver, setups Setups, nodePath string) error {
	switch expr.Kind {
	case NodeFeatureRef:
		if _, err := reg.GetOutputType(expr.FeatureID, expr.Field); err != nil {
			return err
		}
	case NodeArithmetic:
		if err := ValidateTypes(expr.ArithLeft, reg, setups, nodePath+".left"); err != nil {
			return err
		}
		return ValidateTypes(expr.ArithRight, reg, setups, nodePath+".right")
	case NodeCond:
		if err := ValidateTypes(expr.LHS, reg, setups, nodePath+".lhs"); err != nil {
			return err
		}
		if err := ValidateTypes(expr.RHS, reg, setups, nodePath+".rhs"); err != nil {
			return err
		}
		t, err := exprOutputType(expr.LHS, reg)
		if err != nil {
			return err
		}
		if expr.CondOp.discreteOnly() && t.IsNumeric() {
			return &backtest.DslTypeError{
				Kind: backtest.ErrIncompatibleOperatorType, NodePath: nodePath,
				Detail: fmt.Sprintf("eq/neq requires a discrete operand, got %s", t),
			}
		}
		if expr.CondOp.numericOnly() && !t.IsNumeric() {
			return &backtest.DslTypeError{
				Kind: backtest.ErrIncompatibleOperatorType, NodePath: nodePath,
				Detail: fmt.Sprintf("this operator requires a numeric operand, got %s", t),
			}
		}
		if expr.CondOp.isCrossover() {
			if expr.LHS.Kind != NodeFeatureRef || expr.RHS.Kind != NodeFeatureRef {
				return &backtest.DslTypeError{
					Kind: backtest.ErrIncompatibleOperatorType, NodePath: nodePath,
					Detail: "cross_above/cross_below operands must be feature references with a defined offset-1 value",
				}
			}
		}
	case NodeAll, NodeAny, NodeNot:
		for i, c := range expr.Children {
			if err := ValidateTypes(c, reg, setups, fmt.Sprintf("%s.children[%d]", nodePath, i)); err != nil {
				return err
			}
		}
	case NodeHoldsFor, NodeOccurredWithin, NodeCountTrue:
		if expr.Bars < 1 || expr.Bars > backtest.WindowBarsCeiling {
			return &backtest.DslTypeError{
				Kind: backtest.ErrWindowOutOfRange, NodePath: nodePath,
				Detail: fmt.Sprintf("bars=%d out of [1,%d]", expr.Bars, backtest.WindowBarsCeiling),
			}
		}
		if expr.Kind == NodeCountTrue && (expr.MinTrue < 1 || expr.MinTrue > expr.Bars) {
			return &backtest.DslTypeError{
				Kind: backtest.ErrWindowOutOfRange, NodePath: nodePath,
				Detail: fmt.Sprintf("min_true=%d must be within [1,bars=%d]", expr.MinTrue, expr.Bars),
			}
		}
		return ValidateTypes(expr.Inner, reg, setups, nodePath+".inner")
	case NodeSetupRef:
		target, ok := setups[expr.SetupID]
		if !ok {
			return &backtest.ConfigurationError{Kind: backtest.ErrUnknownSetupReference, ID: expr.SetupID, Detail: "setup not declared"}
		}
		return ValidateTypes(target, reg, setups, "setup:"+expr.SetupID)
	}
	return nil
}

// exprOutputType resolves the effective output type an expr node produces,
// used to validate the operator applied to it in a parent Cond.
func exprOutputType(e *Expr, reg TypeResolver) (backtest.FeatureOutputType, error) {
	switch e.Kind {
	case NodeFeatureRef:
		return reg.GetOutputType(e.FeatureID, e.Field)
	case NodeScalar:
		return e.Scalar.Type, nil
	case NodeArithmetic:
		return backtest.OutputFloat, nil
	default:
		return backtest.OutputFloat, nil
	}
}
