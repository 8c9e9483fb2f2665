package engine_test

import (
	"time"

	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/dsl"
	"github.com/tradeforge/perpbacktest/engine"
	"github.com/tradeforge/perpbacktest/exchange"
	"github.com/tradeforge/perpbacktest/feed"
	"github.com/tradeforge/perpbacktest/registry"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// emaSeries computes a standard exponential moving average over closes,
// seeded at the first value, matching the reference behavior the fake
// numeric provider would delegate to in a full Play run.
func emaSeries(closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	k := 2.0 / float64(period+1)
	out[0] = closes[0]
	for i := 1; i < len(closes); i++ {
		out[i] = closes[i]*k + out[i-1]*(1-k)
	}
	return out
}

// buildFlatThenRisingCloses builds a series flat at 100 for the first 60 bars,
// then rising linearly to 110 by bar 99.
func buildFlatThenRisingCloses(n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		if i < 60 {
			out[i] = 100
		} else {
			out[i] = 100 + 10*float64(i-59)/float64(n-60)
		}
	}
	return out
}

var base15m = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func build15mStore(closes []float64, emaFast, emaSlow []float64) *feed.Store {
	n := len(closes)
	store := feed.NewStore("BTCUSDT", backtest.TF15m)
	store.TsOpenMs = make([]int64, n)
	store.TsCloseMs = make([]int64, n)
	store.Open = make([]float64, n)
	store.High = make([]float64, n)
	store.Low = make([]float64, n)
	store.Close = make([]float64, n)
	store.Volume = make([]float64, n)
	for i := 0; i < n; i++ {
		open := base15m.Add(time.Duration(i) * 15 * time.Minute)
		store.TsOpenMs[i] = open.UnixMilli()
		store.TsCloseMs[i] = open.Add(15 * time.Minute).UnixMilli()
		store.Open[i] = closes[i]
		store.High[i] = closes[i]
		store.Low[i] = closes[i]
		store.Close[i] = closes[i]
		store.Volume[i] = 1
	}
	store.Indicators["ema_fast"] = emaFast
	store.Indicators["ema_slow"] = emaSlow
	Expect(store.Build()).To(Succeed())
	return store
}

// build1mStore builds a matching 1m quote feed spanning the same wall-clock
// range as the 15m store, with each 1m bar's close equal to the enclosing
// 15m bar's close (a flat intrabar path), so fills/TP/SL math stays simple.
func build1mStore(closes15m []float64) *feed.Store {
	n := len(closes15m) * 15
	store := feed.NewStore("BTCUSDT", backtest.TF1m)
	store.TsOpenMs = make([]int64, n)
	store.TsCloseMs = make([]int64, n)
	store.Open = make([]float64, n)
	store.High = make([]float64, n)
	store.Low = make([]float64, n)
	store.Close = make([]float64, n)
	store.Volume = make([]float64, n)
	for i := 0; i < n; i++ {
		open := base15m.Add(time.Duration(i) * time.Minute)
		c := closes15m[i/15]
		store.TsOpenMs[i] = open.UnixMilli()
		store.TsCloseMs[i] = open.Add(time.Minute).UnixMilli()
		store.Open[i] = c
		store.High[i] = c
		store.Low[i] = c
		store.Close[i] = c
		store.Volume[i] = 1
	}
	Expect(store.Build()).To(Succeed())
	return store
}

var _ = Describe("deterministic EMA cross entry", func() {
	It("fires exactly one entry_long at the crossing bar and fills at the next 1m open", func() {
		closes := buildFlatThenRisingCloses(100)
		fast := emaSeries(closes, 9)
		slow := emaSeries(closes, 21)

		execStore := build15mStore(closes, fast, slow)
		quoteStore := build1mStore(closes)

		reg := registry.New(nil, nil)
		Expect(reg.Add(&registry.Feature{ID: "ema_fast", TF: backtest.TF15m, Kind: registry.KindIndicator,
			OutputKeys: map[string]backtest.FeatureOutputType{"": backtest.OutputFloat}})).To(Succeed())
		Expect(reg.Add(&registry.Feature{ID: "ema_slow", TF: backtest.TF15m, Kind: registry.KindIndicator,
			OutputKeys: map[string]backtest.FeatureOutputType{"": backtest.OutputFloat}})).To(Succeed())

		cross := dsl.Cond(dsl.FeatureRef("ema_fast", "", 0), dsl.CondCrossAbove, dsl.FeatureRef("ema_slow", "", 0), nil)
		setups := dsl.Setups{}
		Expect(dsl.Compile(cross, setups)).To(Succeed())
		block := &dsl.Block{ID: "entries", Cases: []dsl.Case{
			{When: cross, Emit: []dsl.IntentSpec{{Action: dsl.ActionEntryLong}}},
		}}

		tfMap, err := backtest.NormalizeTFMapping(backtest.TF15m, "", "")
		Expect(err).NotTo(HaveOccurred())

		ex := exchange.New(exchange.Config{
			StartingEquity: 10000, IMR: 0.1, MMR: 0.05, SlippageBps: 2,
			MinTradeNotional: 10, PositionPolicy: exchange.PolicyLongShort,
		}, nil)
		hist := feed.NewHistory(feed.HistoryDepth{BarsExec: 5, FeaturesExec: 5, FeaturesHigh: 1, FeaturesMed: 1})

		eng := engine.New("BTCUSDT", tfMap, reg,
			map[backtest.Timeframe]*feed.Store{backtest.TF15m: execStore, backtest.TF1m: quoteStore},
			0, ex, hist, dsl.NewEvaluator(setups), []*dsl.Block{block},
			engine.RiskConfig{MaxPositionPct: 0.1}, nil, nil)

		result, err := eng.Run()
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Rejections).To(BeEmpty())
		Expect(ex.Position()).NotTo(BeNil())
		Expect(ex.Position().Side).To(Equal(backtest.SideLong))

		// The cross happens once the rising segment lets ema_fast overtake
		// ema_slow; the fill is the next 1m bar's open plus 2bps slippage.
		crossIdx := -1
		for i := 1; i < len(fast); i++ {
			if fast[i-1] <= slow[i-1] && fast[i] > slow[i] {
				crossIdx = i
				break
			}
		}
		Expect(crossIdx).To(BeNumerically(">", 0))
		expectedFillRef := closes[crossIdx] // the bar's own 1m closes equal its 15m close in this fixture
		Expect(ex.Position().EntryPrice).To(BeNumerically("~", expectedFillRef*1.0002, expectedFillRef*0.01))
	})
})

var _ = Describe("rollup min/max over a 15-bar exec window", func() {
	It("freezes px.rollup.max_1m/min_1m/bars_1m correctly at exec close", func() {
		n := 2
		closes := []float64{105, 106}
		fast := emaSeries(closes, 9)
		slow := emaSeries(closes, 21)
		execStore := build15mStore(closes, fast, slow)

		quoteStore := feed.NewStore("BTCUSDT", backtest.TF1m)
		total := n * 15
		quoteStore.TsOpenMs = make([]int64, total)
		quoteStore.TsCloseMs = make([]int64, total)
		quoteStore.Open = make([]float64, total)
		quoteStore.High = make([]float64, total)
		quoteStore.Low = make([]float64, total)
		quoteStore.Close = make([]float64, total)
		quoteStore.Volume = make([]float64, total)
		for i := 0; i < total; i++ {
			open := base15m.Add(time.Duration(i) * time.Minute)
			quoteStore.TsOpenMs[i] = open.UnixMilli()
			quoteStore.TsCloseMs[i] = open.Add(time.Minute).UnixMilli()
			local := i % 15
			quoteStore.Open[i] = 100 + float64(local)
			quoteStore.High[i] = 100 + float64(local)
			quoteStore.Low[i] = 99 + float64(local)
			quoteStore.Close[i] = 100 + float64(local)
			quoteStore.Volume[i] = 2
		}
		Expect(quoteStore.Build()).To(Succeed())

		reg := registry.New(nil, nil)
		Expect(reg.Add(&registry.Feature{ID: "ema_fast", TF: backtest.TF15m, Kind: registry.KindIndicator,
			OutputKeys: map[string]backtest.FeatureOutputType{"": backtest.OutputFloat}})).To(Succeed())
		Expect(reg.Add(&registry.Feature{ID: "ema_slow", TF: backtest.TF15m, Kind: registry.KindIndicator,
			OutputKeys: map[string]backtest.FeatureOutputType{"": backtest.OutputFloat}})).To(Succeed())

		tfMap, err := backtest.NormalizeTFMapping(backtest.TF15m, "", "")
		Expect(err).NotTo(HaveOccurred())
		ex := exchange.New(exchange.Config{StartingEquity: 10000, IMR: 0.1, MMR: 0.05, MinTradeNotional: 10,
			PositionPolicy: exchange.PolicyLongShort}, nil)
		hist := feed.NewHistory(feed.HistoryDepth{BarsExec: 5, FeaturesExec: 5, FeaturesHigh: 1, FeaturesMed: 1})
		setups := dsl.Setups{}

		eng := engine.New("BTCUSDT", tfMap, reg,
			map[backtest.Timeframe]*feed.Store{backtest.TF15m: execStore, backtest.TF1m: quoteStore},
			0, ex, hist, dsl.NewEvaluator(setups), nil,
			engine.RiskConfig{}, nil, nil)

		_, err = eng.Run()
		Expect(err).NotTo(HaveOccurred())
		Expect(eng.LastRollup.MaxPrice1m).To(Equal(114.0))
		Expect(eng.LastRollup.MinPrice1m).To(Equal(99.0))
		Expect(eng.LastRollup.BarCount1m).To(Equal(15))
		Expect(eng.LastRollup.Volume1m).To(Equal(30.0))
	})
})
