package engine

import (
	"log/slog"

	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/dsl"
	"github.com/tradeforge/perpbacktest/exchange"
	"github.com/tradeforge/perpbacktest/feed"
	"github.com/tradeforge/perpbacktest/registry"
)

// FundingProvider is the optional funding-rate feed. Returns ok=false
// when no funding event falls at tsMs.
type FundingProvider interface {
	FundingRateAt(tsMs int64) (rate float64, ok bool)
}

// RiskConfig is a Play's required `risk` section: the
// default stop-loss/take-profit distance and position sizing applied to
// entry intents that don't override them via emitted metadata.
type RiskConfig struct {
	StopLossPct    float64
	TakeProfitPct  float64
	MaxPositionPct float64
}

// EquityPoint is one bar-close account snapshot on the equity curve.
type EquityPoint struct {
	TsMs              int64
	Equity            float64
	Cash              float64
	UsedMargin        float64
	MaintenanceMargin float64
}

// ProgressEvent is a per-exec-bar notification for run observers (the TUI
// dashboard, CLI progress logs). Observers must not block: the callback
// runs inline on the hot loop's thread.
type ProgressEvent struct {
	BarIndex  int
	TotalBars int
	TsCloseMs int64
	Equity    float64
	Trades    int
	State     backtest.RunState
	Warmup    bool
}

// Result is everything a completed (or terminally stopped) run produced.
type Result struct {
	EquityCurve   []EquityPoint
	Trades        []exchange.Trade
	Rejections    []exchange.Order
	StopReason    backtest.StopReason
	FinalState    backtest.RunState
	BarsProcessed int
}

// Engine is the bar processor: the single-threaded,
// cooperative hot loop that owns a run's Feed Stores, Exchange, History
// Manager, and compiled DSL, and advances them bar by bar.
type Engine struct {
	Symbol      string
	TFMap       backtest.TFMapping
	Reg         *registry.Registry
	Stores      map[backtest.Timeframe]*feed.Store
	SimStartIdx int

	Exchange  *exchange.Exchange
	History   *feed.History
	Evaluator *dsl.Evaluator
	Blocks    []*dsl.Block
	Risk      RiskConfig
	Funding   FundingProvider
	Logger    *slog.Logger

	// Progress, when set, is invoked once per processed exec bar.
	Progress func(ProgressEvent)

	// LastRollup is the most recently frozen execution rollup bucket,
	// exposed for reporting and tests.
	LastRollup feed.RollupValues

	rollup  *feed.RollupBucket
	ws      *dsl.WindowState
	medIdx  int
	highIdx int
}

// New constructs an Engine ready to Run. SimStartIdx, the Stores map, and
// a Validate()'d+ExpandIndicatorOutputs()'d Reg are expected to come from
// a feed.Builder.Build call.
func New(symbol string, tfMap backtest.TFMapping, reg *registry.Registry, stores map[backtest.Timeframe]*feed.Store,
	simStartIdx int, ex *exchange.Exchange, hist *feed.History, ev *dsl.Evaluator, blocks []*dsl.Block,
	risk RiskConfig, funding FundingProvider, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Symbol: symbol, TFMap: tfMap, Reg: reg, Stores: stores, SimStartIdx: simStartIdx,
		Exchange: ex, History: hist, Evaluator: ev, Blocks: blocks, Risk: risk, Funding: funding, Logger: logger,
		rollup: feed.NewRollupBucket(), ws: dsl.NewWindowState(),
	}
}

// Run drives the run to completion or a terminal stop, advancing the
// fixed per-exec-bar sequence.
func (e *Engine) Run() (*Result, error) {
	execStore := e.Stores[e.TFMap.Exec]
	quoteStore := e.Stores[backtest.TF1m]
	res := &Result{FinalState: backtest.RunRunning}

	var prevLastClose float64
	e.updateForwardFill(execStore.TsCloseMs[0])

	for i := 0; i < execStore.Len(); i++ {
		execBar := execStore.Bar(i)
		res.BarsProcessed++
		lo, hi, ok := quoteStore.Get1mIndicesForExec(execBar.TsOpen.UnixMilli(), execBar.TsClose.UnixMilli())
		if !ok {
			e.Logger.Warn("no 1m bars for exec bar, skipping", "ts_open", execBar.TsOpen)
			continue
		}

		if i < e.SimStartIdx {
			for j := lo; j <= hi; j++ {
				oneBar := quoteStore.Bar(j)
				rate, hasFunding := e.fundingAt(oneBar.TsClose.UnixMilli())
				if _, err := e.Exchange.Step1m(oneBar, rate, hasFunding); err != nil {
					return res, err
				}
				prevLastClose = oneBar.Close
			}
			e.updateForwardFill(execBar.TsClose.UnixMilli())
			e.updateHistory(execBar)
			e.emitProgress(i, execStore.Len(), execBar, true)
			continue
		}

		for j := lo; j <= hi; j++ {
			oneBar := quoteStore.Bar(j)
			rate, hasFunding := e.fundingAt(oneBar.TsClose.UnixMilli())
			if _, err := e.Exchange.Step1m(oneBar, rate, hasFunding); err != nil {
				return res, err
			}
			e.rollup.Accumulate(oneBar.Low, oneBar.High, oneBar.Open, oneBar.Close, oneBar.Volume)
		}

		e.updateForwardFill(execBar.TsClose.UnixMilli())

		reason, _ := e.Exchange.CheckStops(execBar.Close, execBar.TsClose.UnixMilli())
		if reason.Terminal() {
			res.StopReason = reason
			res.FinalState = e.Exchange.State()
			e.recordEquity(res, execBar.TsClose.UnixMilli(), execBar.Close)
			e.emitProgress(i, execStore.Len(), execBar, false)
			break
		}

		rollupVals := e.rollup.Freeze()
		e.rollup.Reset()
		e.LastRollup = rollupVals

		entrySubmitted := false
		for j := lo; j <= hi; j++ {
			oneBar := quoteStore.Bar(j)
			snap := &Snapshot{
				reg: e.Reg, stores: e.Stores, tfMap: e.TFMap,
				execIdx: i, medIdx: e.medIdx, highIdx: e.highIdx, history: e.History,
				rollup: rollupVals, MarkPrice: oneBar.Close, LastPrice: oneBar.Close,
				PrevLastPrice: prevLastClose, TsClose: oneBar.TsClose.UnixMilli(),
			}
			intents, err := dsl.EvaluateBlocks(e.Evaluator, e.Blocks, snap, e.ws)
			if err != nil {
				return res, err
			}
			entrySubmitted = e.applyIntents(intents, oneBar, entrySubmitted)
			prevLastClose = oneBar.Close
		}

		e.recordEquity(res, execBar.TsClose.UnixMilli(), execBar.Close)
		e.updateHistory(execBar)
		e.emitProgress(i, execStore.Len(), execBar, false)
	}

	res.Rejections = e.Exchange.Rejections()
	if res.FinalState == backtest.RunRunning {
		res.FinalState = e.Exchange.State()
		res.StopReason = e.Exchange.StopReason()
	}
	// The exchange's trade log is the single source of truth: fills, signal
	// closes, and forced stop closes all land there and only there.
	res.Trades = e.Exchange.Trades()
	return res, nil
}

func (e *Engine) emitProgress(barIdx, total int, execBar backtest.Bar, warmup bool) {
	if e.Progress == nil {
		return
	}
	e.Progress(ProgressEvent{
		BarIndex: barIdx, TotalBars: total,
		TsCloseMs: execBar.TsClose.UnixMilli(),
		Equity:    e.Exchange.Equity(execBar.Close),
		Trades:    len(e.Exchange.Trades()),
		State:     e.Exchange.State(),
		Warmup:    warmup,
	})
}

func (e *Engine) fundingAt(tsMs int64) (float64, bool) {
	if e.Funding == nil {
		return 0, false
	}
	return e.Funding.FundingRateAt(tsMs)
}

// applyIntents processes one 1m tick's emitted intents: at most one
// entry-intent is ever acted on per exec bar (subsequent entries this bar
// are ignored), while exit intents are always processed immediately.
func (e *Engine) applyIntents(intents []dsl.Intent, tick backtest.Bar, entrySubmitted bool) bool {
	for _, intent := range intents {
		switch intent.Action {
		case dsl.ActionEntryLong, dsl.ActionEntryShort:
			if entrySubmitted || e.Exchange.Position() != nil || e.Exchange.Pending() != nil {
				continue
			}
			side := backtest.SideLong
			if intent.Action == dsl.ActionEntryShort {
				side = backtest.SideShort
			}
			size, sl, tp := e.resolveEntry(intent, side, tick.Close)
			if err := e.Exchange.SubmitOrder(side, size, sl, tp, tick.TsClose.UnixMilli()); err == nil {
				entrySubmitted = true
			}
		case dsl.ActionExitLong:
			if pos := e.Exchange.Position(); pos != nil && pos.Side == backtest.SideLong && e.Exchange.SignalExitsAllowed() {
				e.Exchange.CloseAll(tick.Close, tick.TsClose.UnixMilli(), exchange.ExitSignalClose)
			}
		case dsl.ActionExitShort:
			if pos := e.Exchange.Position(); pos != nil && pos.Side == backtest.SideShort && e.Exchange.SignalExitsAllowed() {
				e.Exchange.CloseAll(tick.Close, tick.TsClose.UnixMilli(), exchange.ExitSignalClose)
			}
		case dsl.ActionExitAll:
			if e.Exchange.SignalExitsAllowed() {
				e.Exchange.CloseAll(tick.Close, tick.TsClose.UnixMilli(), exchange.ExitSignalClose)
			}
		case dsl.ActionNoAction:
		}
	}
	return entrySubmitted
}

// resolveEntry computes order size and SL/TP price levels from the
// intent's emitted metadata, falling back to the Play's default risk
// config. SL/TP percentages are anchored to the current 1m close as an
// estimate of the coming fill price, since the actual next-bar-open fill
// price (with slippage) is not yet known at signal time.
func (e *Engine) resolveEntry(intent dsl.Intent, side backtest.Side, refPrice float64) (sizeUSDT float64, sl, tp *float64) {
	equity := e.Exchange.Equity(refPrice)
	sizeUSDT = equity * e.Risk.MaxPositionPct
	if v, ok := intent.Metadata["size_usdt"]; ok {
		sizeUSDT = v.Num
	}
	slPct, tpPct := e.Risk.StopLossPct, e.Risk.TakeProfitPct
	if v, ok := intent.Metadata["stop_loss_pct"]; ok {
		slPct = v.Num
	}
	if v, ok := intent.Metadata["take_profit_pct"]; ok {
		tpPct = v.Num
	}
	dir := 1.0
	if side == backtest.SideShort {
		dir = -1.0
	}
	if slPct > 0 {
		v := refPrice * (1 - dir*slPct)
		sl = &v
	}
	if tpPct > 0 {
		v := refPrice * (1 + dir*tpPct)
		tp = &v
	}
	return sizeUSDT, sl, tp
}

func (e *Engine) recordEquity(res *Result, tsMs int64, mark float64) {
	equity := e.Exchange.Equity(mark)
	ledger := e.Exchange.LedgerSnapshot()
	res.EquityCurve = append(res.EquityCurve, EquityPoint{
		TsMs: tsMs, Equity: equity, Cash: ledger.Cash,
		UsedMargin: ledger.UsedMargin, MaintenanceMargin: ledger.MaintenanceMargin,
	})
}

// updateForwardFill advances the med/high forward-fill indices to the
// last-closed bar at or before tsCloseMs. The
// index never regresses: a lookup that lands before the current index is
// ignored and the index is kept; no error is raised.
func (e *Engine) updateForwardFill(tsCloseMs int64) {
	if store, ok := e.Stores[e.TFMap.Med]; ok {
		if idx, found := store.GetIdxAtTsClose(tsCloseMs); found && idx >= e.medIdx {
			e.medIdx = idx
		}
	}
	if store, ok := e.Stores[e.TFMap.High]; ok {
		if idx, found := store.GetIdxAtTsClose(tsCloseMs); found && idx >= e.highIdx {
			e.highIdx = idx
		}
	}
}

// updateHistory pushes the just-processed exec bar and its feature
// snapshots into the History Manager, and does the same for med/high TF
// snapshots when this exec close coincided with one of their closes. Must
// run after strategy evaluation, never before, so crossover detectors
// see bar N-1 in history when evaluating bar N.
func (e *Engine) updateHistory(execBar backtest.Bar) {
	e.History.UpdateExecBar(execBar)
	e.History.UpdateExecFeatures(e.featureSnapshot(e.TFMap.Exec, e.indexFor(e.TFMap.Exec, execBar.TsClose.UnixMilli())))

	if e.TFMap.Med != e.TFMap.Exec {
		if store, ok := e.Stores[e.TFMap.Med]; ok && store.IsCloseAt(execBar.TsClose.UnixMilli()) {
			e.History.UpdateMedTFFeatures(e.featureSnapshot(e.TFMap.Med, e.medIdx))
		}
	}
	if e.TFMap.High != e.TFMap.Exec {
		if store, ok := e.Stores[e.TFMap.High]; ok && store.IsCloseAt(execBar.TsClose.UnixMilli()) {
			e.History.UpdateHighTFFeatures(e.featureSnapshot(e.TFMap.High, e.highIdx))
		}
	}
}

func (e *Engine) indexFor(tf backtest.Timeframe, tsCloseMs int64) int {
	store := e.Stores[tf]
	idx, ok := store.GetIdxAtTsClose(tsCloseMs)
	if !ok {
		return 0
	}
	return idx
}

// featureSnapshot captures every feature column — indicator and structure
// alike — at idx, for the History rings that back offset reads.
func (e *Engine) featureSnapshot(tf backtest.Timeframe, idx int) feed.FeatureSnapshot {
	store := e.Stores[tf]
	snap := make(feed.FeatureSnapshot)
	for _, f := range e.Reg.ForTF(tf) {
		for field := range f.OutputKeys {
			key := f.OutputKeyFor(field)
			if col, ok := store.Indicators[key]; ok && idx < len(col) {
				snap[key] = col[idx]
			}
		}
	}
	return snap
}
