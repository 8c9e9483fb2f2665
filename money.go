// Copyright (c) 2024 Neomantra Corp

package backtest

// MoneyEpsilon is the tolerance used whenever two USDT quantities are
// compared for equality (ledger invariants, test assertions). All money
// quantities carry 8-decimal precision.
const MoneyEpsilon = 1e-6

// MoneyScale is the fixed-point denominator for 8-decimal USDT
// quote-currency precision.
const MoneyScale float64 = 100000000.0

// RoundMoney rounds a float64 USDT amount to 8-decimal precision so that
// repeated ledger arithmetic does not accumulate sub-satoshi drift.
func RoundMoney(v float64) float64 {
	scaled := v * MoneyScale
	if scaled >= 0 {
		scaled += 0.5
	} else {
		scaled -= 0.5
	}
	return float64(int64(scaled)) / MoneyScale
}

// ApproxEqual reports whether a and b are equal within MoneyEpsilon.
func ApproxEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= MoneyEpsilon
}
