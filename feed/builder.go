package feed

import (
	"fmt"
	"time"

	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/registry"
)

// OHLCVProvider is the historical-data provider contract.
type OHLCVProvider interface {
	LoadOHLCV(symbol string, tf backtest.Timeframe, start, end time.Time) ([]backtest.Bar, error)
}

// IndicatorCompute is the compute half of the numeric provider contract:
// given named input series and params, produce named
// output arrays. Outputs are keyed by suffix: "" for a single-output
// indicator, the canonical suffix ("signal", "hist", ...) otherwise.
type IndicatorCompute interface {
	Compute(indicatorType string, inputs map[string][]float64, params map[string]any) (map[string][]float64, error)
}

// SafetyBufferBars is added on top of the computed warmup span before
// extending the load window backward, absorbing off-by-one effects in
// third-party indicator warmup math.
const SafetyBufferBars = 5

// Builder constructs Feed Stores for every timeframe a Play declares
// features on, extending the requested window backward for warmup and
// forward for a small tail buffer.
type Builder struct {
	OHLCV       OHLCVProvider
	Indicators  IndicatorCompute
	Structures  registry.StructureProvider
	TailBuffer  int // extra bars appended past `end`, in the tf's own units
}

// BuildResult bundles the built stores with the resolved trading-window
// start index on the exec TF.
type BuildResult struct {
	Stores      map[backtest.Timeframe]*Store
	SimStartIdx int // index into Stores[execTF] where warmup ends
}

// Build loads raw OHLCV for every TF the registry declares features on
// (plus the 1m quote feed), computes indicator columns, and assembles Feed
// Stores. The engine's trading window starts at
// max(first_valid_bar, requested_start); bars before that are warmup.
func (bld *Builder) Build(symbol string, execTF backtest.Timeframe, reg *registry.Registry, start, end time.Time) (*BuildResult, error) {
	tfs := reg.SortedTFs()
	needsExec := false
	for _, tf := range tfs {
		if tf == execTF {
			needsExec = true
		}
	}
	if !needsExec {
		tfs = append(tfs, execTF)
	}
	needs1m := false
	for _, tf := range tfs {
		if tf == backtest.TF1m {
			needs1m = true
		}
	}
	if !needs1m {
		tfs = append(tfs, backtest.TF1m)
	}

	maxWarmupMinutes := 0
	for _, tf := range tfs {
		w, err := reg.GetWarmupForTF(tf)
		if err != nil {
			return nil, err
		}
		mins, _ := tf.Minutes()
		span := w * mins
		if span > maxWarmupMinutes {
			maxWarmupMinutes = span
		}
	}
	loadStart := start.Add(-time.Duration(maxWarmupMinutes+SafetyBufferBars) * time.Minute)
	loadEnd := end
	if bld.TailBuffer > 0 {
		execMins, _ := execTF.Minutes()
		loadEnd = end.Add(time.Duration(bld.TailBuffer*execMins) * time.Minute)
	}

	stores := make(map[backtest.Timeframe]*Store, len(tfs))
	for _, tf := range tfs {
		store, err := bld.buildOne(symbol, tf, reg, loadStart, loadEnd)
		if err != nil {
			return nil, err
		}
		stores[tf] = store
	}

	execStore := stores[execTF]
	// Warmup gating covers every exec-TF feature column, structures
	// included: the trading window cannot start on a bar where any
	// declared feature is still NaN.
	var requiredKeys []string
	var exclusiveGroups [][]string
	for _, f := range reg.ForTF(execTF) {
		for field := range f.OutputKeys {
			requiredKeys = append(requiredKeys, f.OutputKeyFor(field))
		}
		exclusiveGroups = append(exclusiveGroups, f.MutuallyExclusiveGroups...)
	}
	firstValid := 0
	if len(requiredKeys) > 0 {
		firstValid = execStore.FindFirstValidBar(requiredKeys, exclusiveGroups)
		if firstValid < 0 {
			return nil, &backtest.DataError{
				Kind: backtest.ErrNaNAtTradingStart, Symbol: symbol, TF: string(execTF),
				Detail: "no bar has every required indicator warmed",
			}
		}
	}
	requestedStartIdx, ok := execStore.GetIdxAtTsClose(start.UnixMilli())
	if !ok {
		requestedStartIdx = 0
	}
	simStart := firstValid
	if requestedStartIdx > simStart {
		simStart = requestedStartIdx
	}

	return &BuildResult{Stores: stores, SimStartIdx: simStart}, nil
}

func (bld *Builder) buildOne(symbol string, tf backtest.Timeframe, reg *registry.Registry, start, end time.Time) (*Store, error) {
	bars, err := bld.OHLCV.LoadOHLCV(symbol, tf, start, end)
	if err != nil {
		return nil, err
	}
	n := len(bars)
	store := NewStore(symbol, tf)
	store.TsOpenMs = make([]int64, n)
	store.TsCloseMs = make([]int64, n)
	store.Open = make([]float64, n)
	store.High = make([]float64, n)
	store.Low = make([]float64, n)
	store.Close = make([]float64, n)
	store.Volume = make([]float64, n)
	for i, b := range bars {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		store.TsOpenMs[i] = b.TsOpen.UnixMilli()
		store.TsCloseMs[i] = b.TsClose.UnixMilli()
		store.Open[i] = b.Open
		store.High[i] = b.High
		store.Low[i] = b.Low
		store.Close[i] = b.Close
		store.Volume[i] = b.Volume
	}

	inputs := map[string][]float64{
		"open": store.Open, "high": store.High, "low": store.Low,
		"close": store.Close, "volume": store.Volume,
		"hl2":   avg2(store.High, store.Low),
		"hlc3":  avg3(store.High, store.Low, store.Close),
		"ohlc4": avg4(store.Open, store.High, store.Low, store.Close),
	}

	for _, f := range reg.ForTF(tf) {
		if f.Kind != registry.KindIndicator {
			continue
		}
		src := string(f.InputSource)
		if src == "" {
			src = "close"
		}
		// The selected source is passed as "input"; the raw series ride
		// along for range-based indicators (ATR, SuperTrend) that need
		// high/low/close regardless of the declared input source.
		computeInputs := map[string][]float64{
			"input": inputs[src],
			"open":  store.Open, "high": store.High, "low": store.Low,
			"close": store.Close, "volume": store.Volume,
		}
		out, err := bld.Indicators.Compute(f.IndicatorType, computeInputs, f.Params)
		if err != nil {
			return nil, &backtest.DataError{Kind: backtest.ErrGappedOHLCV, Symbol: symbol, TF: string(tf), Detail: err.Error()}
		}
		// Declared outputs must all be present; provider extras are dropped.
		for field := range f.OutputKeys {
			key := f.OutputKeyFor(field)
			col, ok := out[field]
			if !ok {
				return nil, &backtest.DataError{
					Kind: backtest.ErrGappedOHLCV, Symbol: symbol, TF: string(tf),
					Detail: "numeric provider did not produce declared output " + key,
				}
			}
			store.Indicators[key] = col
		}
	}

	if err := bld.computeStructures(symbol, tf, reg, store); err != nil {
		return nil, err
	}

	if err := store.Build(); err != nil {
		return nil, err
	}
	return store, nil
}

// computeStructures fills in the structure columns for one store. Runtime
// structure state is computed in topological order: every feature's `uses`
// dependencies are resolved to their already-computed columns before the
// feature itself runs.
func (bld *Builder) computeStructures(symbol string, tf backtest.Timeframe, reg *registry.Registry, store *Store) error {
	ordered, err := reg.StructuresInTopoOrder(tf)
	if err != nil {
		return err
	}
	if len(ordered) == 0 {
		return nil
	}
	if bld.Structures == nil {
		return &backtest.DataError{
			Kind: backtest.ErrGappedOHLCV, Symbol: symbol, TF: string(tf),
			Detail: "play declares structure features but no structure provider is configured",
		}
	}

	inputs := map[string][]float64{
		"open": store.Open, "high": store.High, "low": store.Low,
		"close": store.Close, "volume": store.Volume,
	}
	for _, f := range ordered {
		deps := make(map[string]map[string][]float64, len(f.Uses))
		for _, depID := range f.Uses {
			dep, ok := reg.Get(depID)
			if !ok {
				continue // Validate already rejected dangling references
			}
			cols := make(map[string][]float64, len(dep.OutputKeys))
			for field := range dep.OutputKeys {
				col, ok := store.Indicators[dep.OutputKeyFor(field)]
				if !ok {
					return &backtest.DataError{
						Kind: backtest.ErrGappedOHLCV, Symbol: symbol, TF: string(tf),
						Detail: fmt.Sprintf("structure %s uses %s, which has no column on tf %s", f.ID, depID, tf),
					}
				}
				cols[field] = col
			}
			deps[depID] = cols
		}

		out, err := bld.Structures.Compute(f.StructureType, inputs, f.Uses, deps, f.Params)
		if err != nil {
			return &backtest.DataError{Kind: backtest.ErrGappedOHLCV, Symbol: symbol, TF: string(tf), Detail: err.Error()}
		}
		for field := range f.OutputKeys {
			key := f.OutputKeyFor(field)
			col, ok := out[field]
			if !ok {
				return &backtest.DataError{
					Kind: backtest.ErrGappedOHLCV, Symbol: symbol, TF: string(tf),
					Detail: "structure provider did not produce declared output " + key,
				}
			}
			store.Indicators[key] = col
		}
	}
	return nil
}

func avg2(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = (a[i] + b[i]) / 2
	}
	return out
}

func avg3(a, b, c []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = (a[i] + b[i] + c[i]) / 3
	}
	return out
}

func avg4(a, b, c, d []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = (a[i] + b[i] + c[i] + d[i]) / 4
	}
	return out
}
