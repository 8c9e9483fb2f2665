package dsl

// Action is the kind of intent a case/else clause can emit.
type Action string

const (
	ActionEntryLong  Action = "entry_long"
	ActionEntryShort Action = "entry_short"
	ActionExitLong   Action = "exit_long"
	ActionExitShort  Action = "exit_short"
	ActionExitAll    Action = "exit_all"
	ActionNoAction   Action = "no_action"
)

// MetadataValue is a case/else emit metadata value: either a literal or a
// feature reference resolved against the snapshot at emit time.
type MetadataValue struct {
	Literal Value
	FeatureRef *Expr // when non-nil, resolve via FeatureValueAt instead of Literal
}

// Intent is one emitted action with resolved metadata, handed to the
// Exchange by the Bar Processor.
type Intent struct {
	Action   Action
	Metadata map[string]Value
}

// IntentSpec is the declared (unresolved) emit entry inside a Case/Else.
type IntentSpec struct {
	Action   Action
	Metadata map[string]MetadataValue
}

// Case is one `{when, emit}` pair inside a Block.
type Case struct {
	When *Expr
	Emit []IntentSpec
}

// Block is a Play action block: an ordered list of cases evaluated
// first-match, with an optional else clause.
type Block struct {
	ID    string
	Cases []Case
	Else  []IntentSpec // nil if no else clause
}

// Evaluate runs a Block's cases in declaration order against the current
// snapshot. The first case whose `when` evaluates to TriTrue (definite,
// never indeterminate) emits its intents and the block is done. If no case
// matches and Else is present, Else emits. Otherwise the block emits
// nothing.
func (b *Block) Evaluate(ev *Evaluator, snap Snapshot, ws *WindowState) ([]Intent, error) {
	for _, c := range b.Cases {
		result, err := ev.EvalBool(c.When, snap, ws)
		if err != nil {
			return nil, err
		}
		if result.IsTrue() {
			return resolveIntents(c.Emit, snap), nil
		}
	}
	if b.Else != nil {
		return resolveIntents(b.Else, snap), nil
	}
	return nil, nil
}

func resolveIntents(specs []IntentSpec, snap Snapshot) []Intent {
	out := make([]Intent, 0, len(specs))
	for _, s := range specs {
		md := make(map[string]Value, len(s.Metadata))
		for k, v := range s.Metadata {
			if v.FeatureRef != nil {
				if val, ok := snap.FeatureValueAt(v.FeatureRef.FeatureID, v.FeatureRef.Field, v.FeatureRef.Offset); ok {
					md[k] = val
				}
				continue
			}
			md[k] = v.Literal
		}
		out = append(out, Intent{Action: s.Action, Metadata: md})
	}
	return out
}

// EvaluateBlocks runs every block in order and concatenates their emitted
// intents in block order, ready to hand to the exchange.
func EvaluateBlocks(ev *Evaluator, blocks []*Block, snap Snapshot, ws *WindowState) ([]Intent, error) {
	var all []Intent
	for _, b := range blocks {
		intents, err := b.Evaluate(ev, snap, ws)
		if err != nil {
			return nil, err
		}
		all = append(all, intents...)
	}
	return all, nil
}
