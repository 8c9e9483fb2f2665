package dsl

import (
	"fmt"

	backtest "github.com/tradeforge/perpbacktest"
)

// Setups is the map of named reusable sub-expressions (Blocks) a Play
// declares, resolved at parse time by SetupRef nodes.
type Setups map[string]*Expr

// Compile resolves every SetupRef in expr against setups (detecting cycles
// via DFS) and assigns a stable node id to every window operator node (so
// its runtime history ring can be keyed). SetupRef nodes are NOT removed in
// place; resolution happens through a side table so the original tree stays
// hashable/frozen. Window bar bounds and crossover-operand shape are checked
// by ValidateTypes, not here. Returns only an error.
//
// Compile must run once, after every feature/setup has been declared, and
// before the tree is ever evaluated.
func Compile(expr *Expr, setups Setups) error {
	resolving := map[string]bool{}
	resolved := map[string]bool{}
	var resolve func(id string, path []string) error
	resolve = func(id string, path []string) error {
		if resolved[id] {
			return nil
		}
		if resolving[id] {
			return &backtest.ConfigurationError{
				Kind: backtest.ErrCircularSetupReference, ID: id,
				Detail: fmt.Sprintf("cycle: %v", append(path, id)),
			}
		}
		target, ok := setups[id]
		if !ok {
			return &backtest.ConfigurationError{Kind: backtest.ErrUnknownSetupReference, ID: id, Detail: "setup not declared"}
		}
		resolving[id] = true
		if err := walkResolve(target, setups, resolve, append(path, id)); err != nil {
			return err
		}
		resolving[id] = false
		resolved[id] = true
		return nil
	}

	if err := walkResolve(expr, setups, resolve, nil); err != nil {
		return err
	}

	nextID := 0
	var assign func(e *Expr)
	assign = func(e *Expr) {
		if e == nil {
			return
		}
		switch e.Kind {
		case NodeArithmetic:
			assign(e.ArithLeft)
			assign(e.ArithRight)
		case NodeCond:
			assign(e.LHS)
			assign(e.RHS)
		case NodeAll, NodeAny, NodeNot:
			for _, c := range e.Children {
				assign(c)
			}
		case NodeHoldsFor, NodeOccurredWithin, NodeCountTrue:
			e.nodeID = nextID
			nextID++
			assign(e.Inner)
		case NodeSetupRef:
			assign(setups[e.SetupID])
		}
	}
	assign(expr)
	return nil
}

// walkResolve visits every SetupRef reachable from e (through arithmetic,
// boolean, cond, and window children) and calls resolve on each.
func walkResolve(e *Expr, setups Setups, resolve func(id string, path []string) error, path []string) error {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case NodeArithmetic:
		if err := walkResolve(e.ArithLeft, setups, resolve, path); err != nil {
			return err
		}
		return walkResolve(e.ArithRight, setups, resolve, path)
	case NodeCond:
		if err := walkResolve(e.LHS, setups, resolve, path); err != nil {
			return err
		}
		return walkResolve(e.RHS, setups, resolve, path)
	case NodeAll, NodeAny, NodeNot:
		for _, c := range e.Children {
			if err := walkResolve(c, setups, resolve, path); err != nil {
				return err
			}
		}
		return nil
	case NodeHoldsFor, NodeOccurredWithin, NodeCountTrue:
		return walkResolve(e.Inner, setups, resolve, path)
	case NodeSetupRef:
		return resolve(e.SetupID, path)
	default:
		return nil
	}
}

// NodeID returns the stable identifier Compile assigned to a window
// operator node, used to key its runtime history ring in a WindowState.
func (e *Expr) NodeID() int { return e.nodeID }
