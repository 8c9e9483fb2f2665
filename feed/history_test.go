// Copyright (c) 2024 Neomantra Corp

package feed_test

import (
	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/feed"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("History", func() {
	It("reports not ready until every window is full", func() {
		h := feed.NewHistory(feed.HistoryDepth{BarsExec: 3, FeaturesExec: 1, FeaturesHigh: 1, FeaturesMed: 1})
		Expect(h.Ready()).To(BeFalse())
		for i := 0; i < 3; i++ {
			h.UpdateExecBar(backtest.Bar{})
			h.UpdateExecFeatures(feed.FeatureSnapshot{})
			h.UpdateHighTFFeatures(feed.FeatureSnapshot{})
			h.UpdateMedTFFeatures(feed.FeatureSnapshot{})
		}
		Expect(h.Ready()).To(BeTrue())
	})

	It("retrieves bars by bars-ago offset with O(1) ring semantics", func() {
		h := feed.NewHistory(feed.HistoryDepth{BarsExec: 2, FeaturesExec: 1, FeaturesHigh: 1, FeaturesMed: 1})
		h.UpdateExecBar(backtest.Bar{Close: 1})
		h.UpdateExecBar(backtest.Bar{Close: 2})
		h.UpdateExecBar(backtest.Bar{Close: 3}) // overwrites the oldest
		b0, ok := h.BarAt(0)
		Expect(ok).To(BeTrue())
		Expect(b0.Close).To(Equal(3.0))
		b1, ok := h.BarAt(1)
		Expect(ok).To(BeTrue())
		Expect(b1.Close).To(Equal(2.0))
		_, ok = h.BarAt(2)
		Expect(ok).To(BeFalse())
	})

	It("supports a zero-capacity ring without panicking", func() {
		h := feed.NewHistory(feed.HistoryDepth{})
		h.UpdateExecBar(backtest.Bar{})
		_, ok := h.BarAt(0)
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("RollupBucket", func() {
	It("computes min/max/open/close/bars/volume across accumulated 1m bars", func() {
		b := feed.NewRollupBucket()
		highs := []float64{100, 101, 102, 103, 104}
		lows := []float64{99, 100, 101, 102, 103}
		for i := range highs {
			b.Accumulate(lows[i], highs[i], lows[i]+0.5, lows[i]+0.5, 1)
		}
		v := b.Freeze()
		Expect(v.MinPrice1m).To(Equal(99.0))
		Expect(v.MaxPrice1m).To(Equal(104.0))
		Expect(v.BarCount1m).To(Equal(5))
		Expect(v.Volume1m).To(Equal(5.0))
	})

	It("round-trips identically after freeze then reset", func() {
		b := feed.NewRollupBucket()
		b.Accumulate(99, 101, 100, 100.5, 2)
		first := b.Freeze()
		b.Reset()
		b.Accumulate(99, 101, 100, 100.5, 2)
		second := b.Freeze()
		Expect(second).To(Equal(first))
	})

	It("resets to an empty bucket", func() {
		b := feed.NewRollupBucket()
		b.Accumulate(99, 101, 100, 100.5, 2)
		b.Reset()
		v := b.Freeze()
		Expect(v.BarCount1m).To(Equal(0))
	})
})
