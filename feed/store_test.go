// Copyright (c) 2024 Neomantra Corp

package feed_test

import (
	"math"
	"time"

	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/feed"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func buildMinuteStore(n int) *feed.Store {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	s := feed.NewStore("BTCUSDT", backtest.TF1m)
	for i := 0; i < n; i++ {
		s.TsOpenMs = append(s.TsOpenMs, base+int64(i)*60_000)
		s.TsCloseMs = append(s.TsCloseMs, base+int64(i+1)*60_000)
		s.Open = append(s.Open, 100)
		s.High = append(s.High, 101)
		s.Low = append(s.Low, 99)
		s.Close = append(s.Close, 100)
		s.Volume = append(s.Volume, 1)
	}
	return s
}

var _ = Describe("Store", func() {
	It("builds a gap-free, sorted minute store", func() {
		s := buildMinuteStore(5)
		Expect(s.Build()).To(Succeed())
		Expect(s.Len()).To(Equal(5))
	})

	It("fails loud on a gap", func() {
		s := buildMinuteStore(5)
		s.TsOpenMs[3] += 60_000
		s.TsCloseMs[3] += 60_000
		Expect(s.Build()).To(HaveOccurred())
	})

	It("resolves GetIdxAtTsClose to the most recent closed index when no exact match exists", func() {
		s := buildMinuteStore(5)
		Expect(s.Build()).To(Succeed())
		idx, ok := s.GetIdxAtTsClose(s.TsCloseMs[2] + 30_000)
		Expect(ok).To(BeTrue())
		Expect(idx).To(Equal(2))
	})

	It("returns the inclusive 1m range for an exec bar", func() {
		s := buildMinuteStore(15)
		Expect(s.Build()).To(Succeed())
		lo, hi, ok := s.Get1mIndicesForExec(s.TsOpenMs[0], s.TsCloseMs[14])
		Expect(ok).To(BeTrue())
		Expect(lo).To(Equal(0))
		Expect(hi).To(Equal(14))
	})

	It("reports no 1m bars for a window with a quote-feed gap", func() {
		s := buildMinuteStore(5)
		Expect(s.Build()).To(Succeed())
		_, _, ok := s.Get1mIndicesForExec(s.TsCloseMs[4]+1_000, s.TsCloseMs[4]+30_000)
		Expect(ok).To(BeFalse())
	})

	It("finds the first bar where all required indicators are warm", func() {
		s := buildMinuteStore(5)
		s.Indicators["ema9"] = []float64{math.NaN(), math.NaN(), 1, 2, 3}
		Expect(s.Build()).To(Succeed())
		Expect(s.FindFirstValidBar([]string{"ema9"}, nil)).To(Equal(2))
	})

	It("treats mutually exclusive groups as satisfied when only one member is warm", func() {
		s := buildMinuteStore(5)
		s.Indicators["st_long"] = []float64{math.NaN(), 1, math.NaN(), 1, math.NaN()}
		s.Indicators["st_short"] = []float64{math.NaN(), math.NaN(), 1, math.NaN(), 1}
		Expect(s.Build()).To(Succeed())
		idx := s.FindFirstValidBar([]string{"st_long", "st_short"}, [][]string{{"st_long", "st_short"}})
		Expect(idx).To(Equal(1))
	})
})
