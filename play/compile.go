// Copyright (c) 2025 Neomantra Corp

package play

import (
	"fmt"

	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/dsl"
	"github.com/tradeforge/perpbacktest/engine"
	"github.com/tradeforge/perpbacktest/exchange"
	"github.com/tradeforge/perpbacktest/feed"
	"github.com/tradeforge/perpbacktest/registry"
)

// DefaultMMR is the maintenance margin rate applied when the Play does not
// override it. Matches the common linear-perpetual tier-1 bracket.
const DefaultMMR = 0.005

// Compiled bundles everything a Play resolves into: the populated Feature
// Registry, the compiled DSL blocks and setups, and the exchange/engine
// configurations. A Compiled play plus a feed.BuildResult is all engine.New
// needs.
type Compiled struct {
	Play *Play

	Registry  *registry.Registry
	Setups    dsl.Setups
	Blocks    []*dsl.Block
	Evaluator *dsl.Evaluator

	ExchangeConfig exchange.Config
	Risk           engine.RiskConfig
	HistoryDepth   feed.HistoryDepth
}

// Compile resolves the Play against the numeric and structure providers:
// features are registered and validated, indicator outputs expanded, every
// condition is lowered to a dsl.Expr, setups are resolved (cycles
// rejected), and operator/type compatibility is checked against the
// registry. Everything that can fail does so here, before the hot loop.
func (p *Play) Compile(numeric registry.NumericProvider, structure registry.StructureProvider) (*Compiled, error) {
	reg := registry.New(numeric, structure)
	featureIDs := map[string]bool{}

	addFeatures := func(features FeatureList) error {
		for i := range features {
			spec := &features[i]
			f := &registry.Feature{
				ID:            spec.ID,
				TF:            backtest.Timeframe(spec.TF),
				IndicatorType: spec.IndicatorType,
				StructureType: spec.StructureType,
				InputSource:   registry.InputSource(spec.InputSource),
				Params:        spec.Params,
				Uses:          spec.Uses,
			}
			if spec.Type == "structure" {
				f.Kind = registry.KindStructure
			} else {
				f.Kind = registry.KindIndicator
			}
			if err := reg.Add(f); err != nil {
				return err
			}
			featureIDs[spec.ID] = true
		}
		return nil
	}

	if err := addFeatures(p.Doc.Features); err != nil {
		return nil, err
	}
	// Block features merge into the same registry; a block re-declaring an
	// id the Play already declared is a duplicate, same as any other.
	for _, name := range sortedBlockNames(p.Doc.Blocks) {
		if err := addFeatures(p.Doc.Blocks[name].Features); err != nil {
			return nil, fmt.Errorf("block %s: %w", name, err)
		}
	}

	if err := reg.Validate(); err != nil {
		return nil, err
	}
	if err := reg.ExpandIndicatorOutputs(); err != nil {
		return nil, err
	}

	b := &builder{featureIDs: featureIDs}

	setups := make(dsl.Setups, len(p.Doc.Blocks))
	for _, name := range sortedBlockNames(p.Doc.Blocks) {
		expr, err := b.Build(p.Doc.Blocks[name].Condition, "blocks["+name+"]")
		if err != nil {
			return nil, err
		}
		setups[name] = expr
	}

	var blocks []*dsl.Block
	for _, bd := range p.Doc.Actions.Blocks {
		blk := &dsl.Block{ID: bd.ID}
		for i, cd := range bd.Cases {
			path := fmt.Sprintf("blocks[%s].cases[%d]", bd.ID, i)
			when, err := b.Build(cd.When, path+".when")
			if err != nil {
				return nil, err
			}
			if err := dsl.Compile(when, setups); err != nil {
				return nil, err
			}
			if err := dsl.ValidateTypes(when, reg, setups, path+".when"); err != nil {
				return nil, err
			}
			blk.Cases = append(blk.Cases, dsl.Case{When: when, Emit: intentSpecs(cd.Emit, b)})
		}
		if bd.Else != nil {
			blk.Else = intentSpecs(bd.Else.Emit, b)
		}
		blocks = append(blocks, blk)
	}

	return &Compiled{
		Play:           p,
		Registry:       reg,
		Setups:         setups,
		Blocks:         blocks,
		Evaluator:      dsl.NewEvaluator(setups),
		ExchangeConfig: p.exchangeConfig(),
		Risk: engine.RiskConfig{
			StopLossPct:    p.Doc.Risk.StopLossPct,
			TakeProfitPct:  p.Doc.Risk.TakeProfitPct,
			MaxPositionPct: p.Doc.Risk.MaxPositionPct,
		},
		HistoryDepth: feed.HistoryDepth{
			BarsExec:     p.Doc.History.BarsExecCount,
			FeaturesExec: p.Doc.History.FeaturesExecCount,
			FeaturesMed:  p.Doc.History.FeaturesMedTFCount,
			FeaturesHigh: p.Doc.History.FeaturesHighTFCount,
		},
	}, nil
}

// intentSpecs lowers declared emit entries. Metadata string values that
// resolve against declared features become FeatureRefs resolved at emit
// time; everything else is a literal.
func intentSpecs(docs []IntentDoc, b *builder) []dsl.IntentSpec {
	out := make([]dsl.IntentSpec, 0, len(docs))
	for _, d := range docs {
		spec := dsl.IntentSpec{Action: dsl.Action(d.Action)}
		if len(d.Metadata) > 0 {
			spec.Metadata = make(map[string]dsl.MetadataValue, len(d.Metadata))
			for k, raw := range d.Metadata {
				spec.Metadata[k] = metadataValue(raw, b)
			}
		}
		out = append(out, spec)
	}
	return out
}

func metadataValue(raw any, b *builder) dsl.MetadataValue {
	switch v := raw.(type) {
	case int:
		return dsl.MetadataValue{Literal: dsl.IntValue(int64(v))}
	case int64:
		return dsl.MetadataValue{Literal: dsl.IntValue(v)}
	case float64:
		return dsl.MetadataValue{Literal: dsl.FloatValue(v)}
	case bool:
		return dsl.MetadataValue{Literal: dsl.BoolValue(v)}
	case string:
		if ref, ok := b.parseFeatureString(v); ok {
			return dsl.MetadataValue{FeatureRef: ref}
		}
		return dsl.MetadataValue{Literal: dsl.EnumValue(v)}
	default:
		return dsl.MetadataValue{Literal: dsl.EnumValue(fmt.Sprintf("%v", raw))}
	}
}

func (p *Play) exchangeConfig() exchange.Config {
	a := p.Doc.Account
	cfg := exchange.Config{
		StartingEquity:   a.StartingEquityUSDT,
		MaxLeverage:      a.MaxLeverage,
		IMR:              1.0 / a.MaxLeverage,
		MMR:              DefaultMMR,
		Fees:             exchange.FeeModel{TakerBps: a.FeeModel.TakerBps, MakerBps: a.FeeModel.MakerBps},
		SlippageBps:      a.SlippageBps,
		MinTradeNotional: a.MinTradeNotionalUSDT,
		MaxNotional:      a.MaxNotionalUSDT,
		StopEquityUSDT:   a.StopEquityUSDT,
		MaxDrawdownPct:   a.MaxDrawdownPct,

		IncludeEstCloseFeeInEntryGate: a.IncludeEstCloseFeeInEntryGate,
		SLBeyondLiquidationPolicy:     exchange.SLBeyondLiquidationPolicy(a.SLBeyondLiquidation),

		PositionPolicy: exchange.PositionPolicyMode(p.Doc.PositionPolicy.Mode),
		ExitMode:       exchange.ExitMode(p.Doc.PositionPolicy.ExitMode),
	}
	if r := p.Doc.Risk.Trailing; r != nil {
		// Carried through on positions opened by the engine; the exchange
		// re-evaluates at each 1m step.
		cfg.Trailing = exchange.TrailingConfig{Enabled: true, ActivateAtR: r.ActivateAtR, TrailOffsetPct: r.TrailOffsetPct}
	}
	if r := p.Doc.Risk.BreakEven; r != nil {
		cfg.BreakEven = exchange.BreakEvenConfig{Enabled: true, ActivateAtR: r.ActivateAtR, BufferPct: r.BufferPct}
	}
	return cfg
}

func sortedBlockNames(blocks map[string]BlockSpec) []string {
	names := make([]string, 0, len(blocks))
	for name := range blocks {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	return names
}
