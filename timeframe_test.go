// Copyright (c) 2024 Neomantra Corp

package backtest_test

import (
	"github.com/tradeforge/perpbacktest"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Timeframe", func() {
	Context("canonical set", func() {
		It("resolves minutes for every canonical timeframe", func() {
			Expect(backtest.TF1m.Valid()).To(BeTrue())
			m, ok := backtest.TF4h.Minutes()
			Expect(ok).To(BeTrue())
			Expect(m).To(Equal(240))
		})
		It("rejects unknown timeframes", func() {
			Expect(backtest.Timeframe("7m").Valid()).To(BeFalse())
		})
	})

	Context("DividesEvenly", func() {
		It("accepts an exec tf that divides a higher tf", func() {
			ok, err := backtest.TF15m.DividesEvenly(backtest.TF1h)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})
		It("rejects a non-divisor", func() {
			ok, err := backtest.TF4h.DividesEvenly(backtest.TF15m)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Context("NormalizeTFMapping", func() {
		It("defaults med/high to exec when omitted", func() {
			m, err := backtest.NormalizeTFMapping(backtest.TF15m, "", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Med).To(Equal(backtest.TF15m))
			Expect(m.High).To(Equal(backtest.TF15m))
		})
		It("rejects a med tf that does not divide evenly from exec", func() {
			_, err := backtest.NormalizeTFMapping(backtest.TF1h, backtest.TF15m, "")
			Expect(err).To(HaveOccurred())
		})
		It("accepts a full htf/mtf/exec hierarchy", func() {
			m, err := backtest.NormalizeTFMapping(backtest.TF15m, backtest.TF1h, backtest.TF4h)
			Expect(err).NotTo(HaveOccurred())
			Expect(m.AsMap()).To(Equal(map[string]string{"exec": "15m", "mtf": "1h", "htf": "4h"}))
		})
	})
})
