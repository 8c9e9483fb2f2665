// Copyright (c) 2024 Neomantra Corp

package backtest_test

import (
	"errors"
	"time"

	"github.com/tradeforge/perpbacktest"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Bar", func() {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	It("validates a well-formed bar", func() {
		b := backtest.Bar{
			Symbol: "BTCUSDT", TF: backtest.TF1m,
			TsOpen: base, TsClose: base.Add(time.Minute),
			Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10,
		}
		Expect(b.Validate()).To(Succeed())
	})

	It("rejects a ts_close that drifts from ts_open+duration", func() {
		b := backtest.Bar{
			Symbol: "BTCUSDT", TF: backtest.TF1m,
			TsOpen: base, TsClose: base.Add(2 * time.Minute),
			Open: 100, High: 101, Low: 99, Close: 100, Volume: 1,
		}
		err := b.Validate()
		Expect(err).To(HaveOccurred())
		var riv *backtest.RuntimeInvariantViolation
		Expect(errors.As(err, &riv)).To(BeTrue())
	})

	It("rejects a high below the open/close envelope", func() {
		b := backtest.Bar{
			Symbol: "BTCUSDT", TF: backtest.TF1m,
			TsOpen: base, TsClose: base.Add(time.Minute),
			Open: 100, High: 100, Low: 99, Close: 102, Volume: 1,
		}
		Expect(b.Validate()).To(HaveOccurred())
	})

	It("rejects negative volume", func() {
		b := backtest.Bar{
			Symbol: "BTCUSDT", TF: backtest.TF1m,
			TsOpen: base, TsClose: base.Add(time.Minute),
			Open: 100, High: 101, Low: 99, Close: 100, Volume: -1,
		}
		Expect(b.Validate()).To(HaveOccurred())
	})
})

var _ = Describe("Symbol", func() {
	It("accepts a USDT-quoted perpetual", func() {
		Expect(backtest.Symbol("BTCUSDT").Validate()).To(Succeed())
	})
	It("rejects a non-USDT quote", func() {
		Expect(backtest.Symbol("BTCUSDC").Validate()).To(HaveOccurred())
	})
	It("rejects an empty symbol", func() {
		Expect(backtest.Symbol("").Validate()).To(HaveOccurred())
	})
})
