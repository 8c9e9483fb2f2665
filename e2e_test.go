// Copyright (c) 2025 Neomantra Corp

package backtest_test

import (
	"math"
	"time"

	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/engine"
	"github.com/tradeforge/perpbacktest/exchange"
	"github.com/tradeforge/perpbacktest/feed"
	"github.com/tradeforge/perpbacktest/historydb"
	"github.com/tradeforge/perpbacktest/internal/indicators"
	"github.com/tradeforge/perpbacktest/play"
	"github.com/tradeforge/perpbacktest/report"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const e2ePlayYAML = `
version: 1
name: ema-cross-e2e
symbol: BTCUSDT
tf: 15m
htf: 1h
account:
  starting_equity_usdt: 10000
  max_leverage: 10
  max_drawdown_pct: 0.5
  fee_model: {taker_bps: 6}
  slippage_bps: 2
  min_trade_notional_usdt: 10
features:
  ema_fast: {type: indicator, indicator: ema, params: {length: 9}}
  ema_slow: {type: indicator, indicator: ema, params: {length: 21}}
actions:
  entry_long: {lhs: ema_fast, op: cross_above, rhs: ema_slow}
  exit_long: {lhs: ema_fast, op: cross_below, rhs: ema_slow}
risk:
  stop_loss_pct: 0.02
  take_profit_pct: 0.04
  max_position_pct: 0.25
position_policy:
  mode: long_only
  exit_mode: first_hit
`

// runOnce wires the full stack the way cmd/backtest-run does and drives a
// complete run over the synthetic path.
func runOnce(seed uint64) (*engine.Result, *play.Play) {
	doc, err := play.Parse([]byte(e2ePlayYAML))
	Expect(err).NotTo(HaveOccurred())
	p, err := play.Normalize(doc)
	Expect(err).NotTo(HaveOccurred())
	compiled, err := p.Compile(indicators.New(), indicators.NewStructures())
	Expect(err).NotTo(HaveOccurred())

	provider := historydb.NewSynthetic(seed)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)

	builder := &feed.Builder{OHLCV: provider, Indicators: indicators.New(), Structures: indicators.NewStructures(), TailBuffer: 2}
	built, err := builder.Build(p.Doc.Symbol, p.ExecTF, compiled.Registry, start, end)
	Expect(err).NotTo(HaveOccurred())

	events, err := provider.LoadFunding(p.Doc.Symbol, start, end)
	Expect(err).NotTo(HaveOccurred())

	ex := exchange.New(compiled.ExchangeConfig, nil)
	hist := feed.NewHistory(compiled.HistoryDepth)
	eng := engine.New(p.Doc.Symbol, p.TFMap, compiled.Registry, built.Stores, built.SimStartIdx,
		ex, hist, compiled.Evaluator, compiled.Blocks, compiled.Risk,
		historydb.NewFundingSchedule(events), nil)

	res, err := eng.Run()
	Expect(err).NotTo(HaveOccurred())
	return res, p
}

const swingPlayYAML = `
version: 1
name: swing-structure-e2e
symbol: BTCUSDT
tf: 15m
account:
  starting_equity_usdt: 10000
  max_leverage: 5
  max_drawdown_pct: 0.9
  fee_model: {taker_bps: 6}
features:
  ph: {type: structure, structure: pivot_high, params: {left: 2, right: 2}}
  pl: {type: structure, structure: pivot_low, params: {left: 2, right: 2}}
  leg: {type: structure, structure: swing, params: {left: 2, right: 2}, uses: [ph, pl]}
actions:
  entry_long: {lhs: leg, op: gt, rhs: 0}
  exit_long: {lhs: leg, op: lt, rhs: 0}
risk:
  stop_loss_pct: 0.05
  take_profit_pct: 0.1
  max_position_pct: 0.25
position_policy:
  mode: long_only
  exit_mode: first_hit
`

var _ = Describe("end-to-end Play run with structure features", func() {
	runSwing := func(seed uint64) (*play.Play, *play.Compiled, *feed.BuildResult, *engine.Result) {
		doc, err := play.Parse([]byte(swingPlayYAML))
		Expect(err).NotTo(HaveOccurred())
		p, err := play.Normalize(doc)
		Expect(err).NotTo(HaveOccurred())
		compiled, err := p.Compile(indicators.New(), indicators.NewStructures())
		Expect(err).NotTo(HaveOccurred())

		provider := historydb.NewSynthetic(seed)
		start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		end := start.Add(48 * time.Hour)

		builder := &feed.Builder{OHLCV: provider, Indicators: indicators.New(), Structures: indicators.NewStructures(), TailBuffer: 2}
		built, err := builder.Build(p.Doc.Symbol, p.ExecTF, compiled.Registry, start, end)
		Expect(err).NotTo(HaveOccurred())

		ex := exchange.New(compiled.ExchangeConfig, nil)
		hist := feed.NewHistory(compiled.HistoryDepth)
		eng := engine.New(p.Doc.Symbol, p.TFMap, compiled.Registry, built.Stores, built.SimStartIdx,
			ex, hist, compiled.Evaluator, compiled.Blocks, compiled.Risk, nil, nil)
		res, err := eng.Run()
		Expect(err).NotTo(HaveOccurred())
		return p, compiled, built, res
	}

	It("compiles a condition over a declared structure field", func() {
		_, compiled, _, _ := runSwing(42)
		typ, err := compiled.Registry.GetOutputType("leg", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(typ).To(Equal(backtest.OutputInt))
		typ, err = compiled.Registry.GetOutputType("ph", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(typ).To(Equal(backtest.OutputFloat))
	})

	It("computes structure columns that evaluate correctly across bars", func() {
		p, _, built, _ := runSwing(42)
		store := built.Stores[p.ExecTF]
		ph := store.Indicators["ph"]
		pl := store.Indicators["pl"]
		leg := store.Indicators["leg"]
		Expect(ph).To(HaveLen(store.Len()))
		Expect(pl).To(HaveLen(store.Len()))
		Expect(leg).To(HaveLen(store.Len()))

		// The trading window never starts on a bar where any structure
		// column is still NaN.
		for i := built.SimStartIdx; i < store.Len(); i++ {
			Expect(math.IsNaN(ph[i])).To(BeFalse(), "ph[%d]", i)
			Expect(math.IsNaN(pl[i])).To(BeFalse(), "pl[%d]", i)
			Expect(leg[i]).To(BeElementOf(1.0, -1.0), "leg[%d]", i)
		}

		// Leg direction flips exactly when a fresh pivot confirms: a
		// pivot-high change turns it to -1, a pivot-low change to +1, and
		// it never moves on a bar where neither column changed.
		flips := 0
		for i := built.SimStartIdx + 1; i < store.Len(); i++ {
			newHigh := ph[i] != ph[i-1]
			newLow := pl[i] != pl[i-1]
			switch {
			case newHigh && !newLow:
				Expect(leg[i]).To(Equal(-1.0), "bar %d confirmed a pivot high", i)
			case newLow && !newHigh:
				Expect(leg[i]).To(Equal(1.0), "bar %d confirmed a pivot low", i)
			case !newHigh && !newLow:
				Expect(leg[i]).To(Equal(leg[i-1]), "bar %d confirmed nothing", i)
			}
			if leg[i] != leg[i-1] {
				flips++
			}
		}
		Expect(flips).To(BeNumerically(">", 0), "the oscillating path must flip the swing at least once")
	})

	It("trades off the structure signal deterministically", func() {
		_, _, _, res1 := runSwing(42)
		_, _, _, res2 := runSwing(42)
		Expect(res1.Trades).NotTo(BeEmpty())
		Expect(res1.Trades).To(HaveLen(len(res2.Trades)))
		for i := range res1.Trades {
			Expect(res1.Trades[i]).To(Equal(res2.Trades[i]))
		}
	})
})

var _ = Describe("end-to-end Play run over synthetic history", func() {
	It("produces bit-identical trades and equity across identical runs", func() {
		res1, _ := runOnce(42)
		res2, _ := runOnce(42)

		Expect(res1.BarsProcessed).To(BeNumerically(">", 0))
		Expect(res1.Trades).To(HaveLen(len(res2.Trades)))
		for i := range res1.Trades {
			Expect(res1.Trades[i]).To(Equal(res2.Trades[i]))
		}
		Expect(res1.EquityCurve).To(HaveLen(len(res2.EquityCurve)))
		for i := range res1.EquityCurve {
			Expect(res1.EquityCurve[i]).To(Equal(res2.EquityCurve[i]))
		}
		Expect(res1.StopReason).To(Equal(res2.StopReason))
	})

	It("keeps the ledger invariants on every recorded point", func() {
		res, _ := runOnce(42)
		for _, pt := range res.EquityCurve {
			// used_margin + free_margin == equity, exactly (float epsilon).
			free := pt.Equity - pt.UsedMargin
			Expect(pt.UsedMargin + free).To(BeNumerically("~", pt.Equity, backtest.MoneyEpsilon))
			Expect(pt.MaintenanceMargin).To(BeNumerically(">=", 0))
		}
	})

	It("builds a result document whose metrics reconcile with the trade list", func() {
		res, p := runOnce(42)
		hash, err := p.Hash()
		Expect(err).NotTo(HaveOccurred())

		doc := report.BuildResultDocument(p.Doc.Name, hash, p.Doc.Symbol, p.ExecTF, res, false)
		Expect(doc.Metrics.TradeCount).To(Equal(len(res.Trades)))

		var net float64
		for _, t := range res.Trades {
			net += t.NetPnL
		}
		Expect(doc.Metrics.NetPnL).To(BeNumerically("~", net, backtest.MoneyEpsilon))
		Expect(doc.Metrics.BarsProcessed).To(Equal(res.BarsProcessed))
	})
})
