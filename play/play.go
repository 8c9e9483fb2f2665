// Copyright (c) 2025 Neomantra Corp

// Package play implements the Play document format: the
// declarative strategy document a run consumes. A Play is decoded from
// YAML (or JSON, which is a YAML subset), normalized into a canonical
// form, and compiled into the Feature Registry entries, DSL blocks, and
// exchange configuration the engine runs.
package play

import (
	"fmt"

	"gopkg.in/yaml.v3"

	backtest "github.com/tradeforge/perpbacktest"
)

// Document is the raw decoded Play before normalization. Field shapes
// mirror the authoritative input format; Normalize turns a Document into a
// validated Play.
type Document struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`
	Symbol  string `yaml:"symbol"`
	TF      string `yaml:"tf"`

	// MedTF/HighTF are the optional forward-fill context timeframes. They
	// decode from the `mtf` and `htf` keys only; no other spelling of these
	// roles is read.
	MedTF  string `yaml:"mtf,omitempty"`
	HighTF string `yaml:"htf,omitempty"`

	Account        Account         `yaml:"account"`
	Features       FeatureList     `yaml:"features"`
	Actions        Actions         `yaml:"actions"`
	Risk           Risk            `yaml:"risk"`
	PositionPolicy PositionPolicy  `yaml:"position_policy"`
	History        *HistoryConfig `yaml:"history,omitempty"`

	// Blocks are the reusable Setup specifications (the atomic unit:
	// features + one condition, no account/risk) that SetupRef conditions
	// resolve against.
	Blocks map[string]BlockSpec `yaml:"blocks,omitempty"`
}

// Account is the Play's `account` section.
type Account struct {
	StartingEquityUSDT   float64   `yaml:"starting_equity_usdt"`
	MaxLeverage          float64   `yaml:"max_leverage"`
	MaxDrawdownPct       float64   `yaml:"max_drawdown_pct"`
	FeeModel             *FeeModel `yaml:"fee_model,omitempty"`
	SlippageBps          float64   `yaml:"slippage_bps,omitempty"`
	MinTradeNotionalUSDT float64   `yaml:"min_trade_notional_usdt,omitempty"`
	MaxNotionalUSDT      float64   `yaml:"max_notional_usdt,omitempty"`
	StopEquityUSDT       float64   `yaml:"stop_equity_usdt,omitempty"`
	MarginMode           string    `yaml:"margin_mode"`

	// IncludeEstCloseFeeInEntryGate reserves an estimated close fee against
	// available balance when gating new entries.
	IncludeEstCloseFeeInEntryGate bool `yaml:"include_est_close_fee_in_entry_gate,omitempty"`

	// SLBeyondLiquidation selects the fill-time policy when a configured
	// stop-loss would sit beyond the liquidation price: reject (default),
	// adjust, or warn.
	SLBeyondLiquidation string `yaml:"sl_beyond_liquidation"`
}

// FeeModel is the `account.fee_model` sub-section, in basis points.
type FeeModel struct {
	TakerBps float64 `yaml:"taker_bps"`
	MakerBps float64 `yaml:"maker_bps"`
}

// Risk is the Play's required `risk` section.
type Risk struct {
	StopLossPct    float64          `yaml:"stop_loss_pct"`
	TakeProfitPct  float64          `yaml:"take_profit_pct"`
	MaxPositionPct float64          `yaml:"max_position_pct"`
	Trailing       *TrailingSpec  `yaml:"trailing_config,omitempty"`
	BreakEven      *BreakEvenSpec `yaml:"break_even_config,omitempty"`
}

// TrailingSpec activates a trailing stop after ActivateAtR multiples of
// favorable excursion and trails by TrailOffsetPct.
type TrailingSpec struct {
	ActivateAtR    float64 `yaml:"activate_at_r"`
	TrailOffsetPct float64 `yaml:"trail_offset_pct"`
}

// BreakEvenSpec moves the stop to entry (plus BufferPct) once ActivateAtR
// multiples of favorable excursion are reached.
type BreakEvenSpec struct {
	ActivateAtR float64 `yaml:"activate_at_r"`
	BufferPct   float64 `yaml:"buffer_pct"`
}

// PositionPolicy is the Play's `position_policy` section.
type PositionPolicy struct {
	Mode                  string `yaml:"mode"`
	ExitMode              string `yaml:"exit_mode"`
	MaxPositionsPerSymbol int    `yaml:"max_positions_per_symbol"`
}

// HistoryConfig sets the History Manager ring-window depths. Zero fields
// fall back to defaults at normalization.
type HistoryConfig struct {
	BarsExecCount       int `yaml:"bars_exec_count"`
	FeaturesExecCount   int `yaml:"features_exec_count"`
	FeaturesHighTFCount int `yaml:"features_high_tf_count"`
	FeaturesMedTFCount  int `yaml:"features_med_tf_count"`
}

// FeatureSpec is one declared feature (indicator or structure).
type FeatureSpec struct {
	ID            string         `yaml:"id"`
	TF            string         `yaml:"tf"`
	Type          string         `yaml:"type"` // indicator | structure
	IndicatorType string         `yaml:"indicator,omitempty"`
	StructureType string         `yaml:"structure,omitempty"`
	InputSource   string         `yaml:"input_source,omitempty"`
	Params        map[string]any `yaml:"params,omitempty"`
	Uses          []string       `yaml:"uses,omitempty"`
}

// FeatureList decodes the `features` section from either its map form
// (`{id: spec}`) or its list form (`[{id: ..., ...}]`), preserving
// declaration order in both cases (map form uses document order, not
// sorted keys, so feature registration order is stable).
type FeatureList []FeatureSpec

// UnmarshalYAML implements yaml.Unmarshaler.
func (fl *FeatureList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var specs []FeatureSpec
		if err := node.Decode(&specs); err != nil {
			return err
		}
		*fl = specs
		return nil
	case yaml.MappingNode:
		specs := make([]FeatureSpec, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			var spec FeatureSpec
			if err := node.Content[i+1].Decode(&spec); err != nil {
				return err
			}
			spec.ID = node.Content[i].Value
			specs = append(specs, spec)
		}
		*fl = specs
		return nil
	default:
		return fmt.Errorf("features must be a map or a list, got yaml kind %d", node.Kind)
	}
}

// MarshalYAML renders the canonical (list) form.
func (fl FeatureList) MarshalYAML() (any, error) {
	return []FeatureSpec(fl), nil
}

// BlockSpec is a reusable Setup: features plus one condition, no
// account/risk. Its features are merged into the Play's registry at
// compile time, whether or not any case references the block.
type BlockSpec struct {
	Features  FeatureList    `yaml:"features,omitempty"`
	Condition *ConditionSpec `yaml:"condition"`
}

// BlockDoc is one entry of the `actions` list form.
type BlockDoc struct {
	ID    string     `yaml:"id"`
	Cases []CaseDoc  `yaml:"cases"`
	Else  *EmitDoc   `yaml:"else,omitempty"`
}

// CaseDoc is one `{when, emit}` pair.
type CaseDoc struct {
	When *ConditionSpec `yaml:"when"`
	Emit []IntentDoc    `yaml:"emit"`
}

// EmitDoc is an `else` clause.
type EmitDoc struct {
	Emit []IntentDoc `yaml:"emit"`
}

// IntentDoc is one declared emit entry.
type IntentDoc struct {
	Action   string         `yaml:"action"`
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

// Actions decodes the `actions` section from either its map form
// (`{action_name: condition}`) or its list form (blocks with cases/else).
// The map form is normalized into one block per action, each with a single
// case emitting that action, preserving document order.
type Actions struct {
	Blocks []BlockDoc
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Actions) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		return node.Decode(&a.Blocks)
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			name := node.Content[i].Value
			var cond ConditionSpec
			if err := node.Content[i+1].Decode(&cond); err != nil {
				return fmt.Errorf("actions[%s]: %w", name, err)
			}
			a.Blocks = append(a.Blocks, BlockDoc{
				ID: name,
				Cases: []CaseDoc{{
					When: &cond,
					Emit: []IntentDoc{{Action: name}},
				}},
			})
		}
		return nil
	default:
		return fmt.Errorf("actions must be a map or a list, got yaml kind %d", node.Kind)
	}
}

// MarshalYAML renders the canonical (list) form.
func (a Actions) MarshalYAML() (any, error) {
	return a.Blocks, nil
}

// validActions is the closed set of intent actions a case may emit.
var validActions = map[string]bool{
	"entry_long": true, "entry_short": true,
	"exit_long": true, "exit_short": true,
	"exit_all": true, "no_action": true,
}

// Play is a normalized, validated Document. Construct via Normalize; the
// zero value is not usable.
type Play struct {
	Doc Document

	ExecTF backtest.Timeframe
	TFMap  backtest.TFMapping
}
