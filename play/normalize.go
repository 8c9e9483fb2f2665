// Copyright (c) 2025 Neomantra Corp

package play

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"

	backtest "github.com/tradeforge/perpbacktest"
)

// Defaults applied during normalization when the Play leaves a field unset.
const (
	DefaultMarginMode   = "isolated_usdt"
	DefaultExitMode     = "first_hit"
	DefaultPositionMode = "long_short"

	DefaultHistoryBarsExec     = 64
	DefaultHistoryFeaturesExec = 64
	DefaultHistoryFeaturesMed  = 16
	DefaultHistoryFeaturesHigh = 16
)

// Parse decodes a raw YAML (or JSON) Play document without normalizing it.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &backtest.ConfigurationError{
			Kind: backtest.ErrInvalidPlayField, ID: "document", Detail: fmt.Sprintf("yaml decode: %v", err),
		}
	}
	return &doc, nil
}

// Normalize validates a decoded Document and produces the canonical Play.
// The document-level ConfigurationError checks run here, before the
// registry or feed builder ever see the declaration; provider-dependent
// checks (feature types, params, dependencies) run later in Compile.
func Normalize(doc *Document) (*Play, error) {
	if doc.Name == "" {
		return nil, configErr(backtest.ErrInvalidPlayField, "name", "play name is required", "")
	}
	if err := backtest.Symbol(doc.Symbol).Validate(); err != nil {
		return nil, err
	}

	execTF := backtest.Timeframe(doc.TF)
	tfMap, err := backtest.NormalizeTFMapping(execTF, backtest.Timeframe(doc.MedTF), backtest.Timeframe(doc.HighTF))
	if err != nil {
		return nil, err
	}

	if err := normalizeAccount(&doc.Account); err != nil {
		return nil, err
	}
	if err := normalizeRisk(&doc.Risk); err != nil {
		return nil, err
	}
	if err := normalizePolicy(&doc.PositionPolicy); err != nil {
		return nil, err
	}
	if doc.History == nil {
		doc.History = &HistoryConfig{}
	}
	applyHistoryDefaults(doc.History)

	if err := normalizeFeatures(doc.Features, execTF); err != nil {
		return nil, err
	}
	for name, block := range doc.Blocks {
		if block.Condition == nil {
			return nil, configErr(backtest.ErrUnknownSetupReference, name, "block has no condition", "")
		}
		if err := normalizeFeatures(block.Features, execTF); err != nil {
			return nil, fmt.Errorf("block %s: %w", name, err)
		}
	}

	if len(doc.Actions.Blocks) == 0 {
		return nil, configErr(backtest.ErrInvalidPlayField, "actions", "at least one action block is required", "")
	}
	seenBlocks := map[string]bool{}
	for _, b := range doc.Actions.Blocks {
		if b.ID == "" {
			return nil, configErr(backtest.ErrInvalidPlayField, "actions", "action block id is required", "")
		}
		if seenBlocks[b.ID] {
			return nil, configErr(backtest.ErrDuplicateFeatureID, b.ID, "duplicate action block id", "")
		}
		seenBlocks[b.ID] = true
		if len(b.Cases) == 0 && b.Else == nil {
			return nil, configErr(backtest.ErrInvalidPlayField, b.ID, "action block has no cases and no else", "")
		}
		for i, c := range b.Cases {
			if c.When == nil {
				return nil, configErr(backtest.ErrInvalidPlayField, b.ID,
					fmt.Sprintf("cases[%d] has no when condition", i), "")
			}
			if err := validateIntents(b.ID, c.Emit); err != nil {
				return nil, err
			}
		}
		if b.Else != nil {
			if err := validateIntents(b.ID, b.Else.Emit); err != nil {
				return nil, err
			}
		}
	}

	return &Play{Doc: *doc, ExecTF: execTF, TFMap: tfMap}, nil
}

func validateIntents(blockID string, intents []IntentDoc) error {
	if len(intents) == 0 {
		return configErr(backtest.ErrInvalidPlayField, blockID, "emit list is empty", "")
	}
	for _, in := range intents {
		if !validActions[in.Action] {
			return configErr(backtest.ErrInvalidPlayField, blockID,
				fmt.Sprintf("unknown emit action %q", in.Action),
				"entry_long, entry_short, exit_long, exit_short, exit_all, no_action")
		}
	}
	return nil
}

func normalizeAccount(a *Account) error {
	if a.StartingEquityUSDT <= 0 {
		return configErr(backtest.ErrInvalidPlayField, "account.starting_equity_usdt", "must be > 0", "")
	}
	if a.MaxLeverage <= 0 {
		return configErr(backtest.ErrInvalidPlayField, "account.max_leverage", "must be > 0", "")
	}
	if a.MaxDrawdownPct <= 0 {
		return configErr(backtest.ErrInvalidPlayField, "account.max_drawdown_pct", "must be > 0", "")
	}
	if a.MarginMode == "" {
		a.MarginMode = DefaultMarginMode
	}
	if a.MarginMode != DefaultMarginMode {
		return configErr(backtest.ErrInvalidMarginMode, "account.margin_mode",
			fmt.Sprintf("got %q", a.MarginMode), DefaultMarginMode)
	}
	if a.FeeModel == nil {
		a.FeeModel = &FeeModel{}
	}
	switch a.SLBeyondLiquidation {
	case "":
		a.SLBeyondLiquidation = "reject"
	case "reject", "adjust", "warn":
	default:
		return configErr(backtest.ErrInvalidPlayField, "account.sl_beyond_liquidation",
			fmt.Sprintf("got %q", a.SLBeyondLiquidation), "reject, adjust, warn")
	}
	return nil
}

func normalizeRisk(r *Risk) error {
	if r.StopLossPct <= 0 {
		return configErr(backtest.ErrInvalidPlayField, "risk.stop_loss_pct", "must be > 0", "")
	}
	if r.TakeProfitPct <= 0 {
		return configErr(backtest.ErrInvalidPlayField, "risk.take_profit_pct", "must be > 0", "")
	}
	if r.MaxPositionPct <= 0 || r.MaxPositionPct > 1 {
		return configErr(backtest.ErrInvalidPlayField, "risk.max_position_pct", "must be in (0, 1]", "")
	}
	return nil
}

func normalizePolicy(p *PositionPolicy) error {
	if p.Mode == "" {
		p.Mode = DefaultPositionMode
	}
	switch p.Mode {
	case "long_only", "short_only", "long_short":
	default:
		return configErr(backtest.ErrInvalidPlayField, "position_policy.mode",
			fmt.Sprintf("got %q", p.Mode), "long_only, short_only, long_short")
	}
	if p.ExitMode == "" {
		p.ExitMode = DefaultExitMode
	}
	switch p.ExitMode {
	case "sl_tp_only", "signal", "first_hit":
	default:
		return configErr(backtest.ErrInvalidPlayField, "position_policy.exit_mode",
			fmt.Sprintf("got %q", p.ExitMode), "sl_tp_only, signal, first_hit")
	}
	if p.MaxPositionsPerSymbol == 0 {
		p.MaxPositionsPerSymbol = 1
	}
	if p.MaxPositionsPerSymbol != 1 {
		return configErr(backtest.ErrInvalidPlayField, "position_policy.max_positions_per_symbol",
			fmt.Sprintf("got %d", p.MaxPositionsPerSymbol), "1")
	}
	return nil
}

func applyHistoryDefaults(h *HistoryConfig) {
	if h.BarsExecCount == 0 {
		h.BarsExecCount = DefaultHistoryBarsExec
	}
	if h.FeaturesExecCount == 0 {
		h.FeaturesExecCount = DefaultHistoryFeaturesExec
	}
	if h.FeaturesMedTFCount == 0 {
		h.FeaturesMedTFCount = DefaultHistoryFeaturesMed
	}
	if h.FeaturesHighTFCount == 0 {
		h.FeaturesHighTFCount = DefaultHistoryFeaturesHigh
	}
}

func normalizeFeatures(features FeatureList, execTF backtest.Timeframe) error {
	seen := map[string]bool{}
	for i := range features {
		f := &features[i]
		if f.ID == "" {
			return configErr(backtest.ErrDuplicateFeatureID, fmt.Sprintf("features[%d]", i), "feature id is required", "")
		}
		if seen[f.ID] {
			return configErr(backtest.ErrDuplicateFeatureID, f.ID, "declared more than once", "")
		}
		seen[f.ID] = true
		if f.TF == "" {
			f.TF = string(execTF)
		}
		tf := backtest.Timeframe(f.TF)
		if !tf.Valid() {
			return configErr(backtest.ErrInvalidTimeframe, f.ID, fmt.Sprintf("got %q", f.TF), "")
		}
		if ok, err := execTF.DividesEvenly(tf); err != nil || !ok {
			return configErr(backtest.ErrInvalidTimeframe, f.ID,
				fmt.Sprintf("feature tf %q is not a multiple of exec tf %q", f.TF, execTF), "")
		}
		switch f.Type {
		case "indicator":
			if f.IndicatorType == "" {
				return configErr(backtest.ErrUnknownIndicatorType, f.ID, "indicator type is required", "")
			}
		case "structure":
			if f.StructureType == "" {
				return configErr(backtest.ErrUnknownStructureType, f.ID, "structure type is required", "")
			}
		case "":
			// Infer from which type field is set.
			switch {
			case f.IndicatorType != "":
				f.Type = "indicator"
			case f.StructureType != "":
				f.Type = "structure"
			default:
				return configErr(backtest.ErrUnknownIndicatorType, f.ID, "feature declares neither indicator nor structure", "")
			}
		default:
			return configErr(backtest.ErrUnknownIndicatorType, f.ID,
				fmt.Sprintf("got type %q", f.Type), "indicator, structure")
		}
	}
	return nil
}

func configErr(kind error, id, detail, expected string) error {
	return &backtest.ConfigurationError{Kind: kind, ID: id, Detail: detail, Expected: expected}
}

// Canonical renders the normalized Play in its canonical serialized form.
// Normalize(Parse(Canonical(p))) yields an equal Play.
func (p *Play) Canonical() ([]byte, error) {
	return yaml.Marshal(&p.Doc)
}

// Hash returns the hex SHA-256 of the canonical form. Stored alongside run
// artifacts so a reloaded Play can be checked against the one that
// produced them.
func (p *Play) Hash() (string, error) {
	data, err := p.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
