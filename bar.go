// Copyright (c) 2024 Neomantra Corp

package backtest

import (
	"fmt"
	"time"
)

// Bar is a single OHLCV candle with explicit open/close timestamps. This is
// the canonical Bar type for the backtest runtime; every Feed Store, the
// History Manager, and the Rollup Bucket exchange Bar values through this
// type only.
type Bar struct {
	Symbol   string
	TF       Timeframe
	TsOpen   time.Time
	TsClose  time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Turnover float64 // optional; 0 when not supplied by the provider
}

// Validate enforces the Bar invariants: ts_close =
// ts_open + duration(tf); low <= min(open,close) <= max(open,close) <= high;
// volume >= 0.
func (b Bar) Validate() error {
	mins, ok := b.TF.Minutes()
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidTimeframe, b.TF)
	}
	wantClose := b.TsOpen.Add(time.Duration(mins) * time.Minute)
	if !b.TsClose.Equal(wantClose) {
		return &RuntimeInvariantViolation{
			Kind:    ErrSnapshotTsCloseDrift,
			Context: fmt.Sprintf("%s %s", b.Symbol, b.TF),
			Detail:  fmt.Sprintf("ts_close %s != ts_open+duration %s", b.TsClose, wantClose),
		}
	}
	lo := b.Open
	if b.Close < lo {
		lo = b.Close
	}
	hi := b.Open
	if b.Close > hi {
		hi = b.Close
	}
	if b.Low > lo || hi > b.High {
		return fmt.Errorf("bar ohlc invariant violated: low=%v open=%v close=%v high=%v", b.Low, b.Open, b.Close, b.High)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar volume must be >= 0, got %v", b.Volume)
	}
	return nil
}

// MarkSource records provenance for the 1m mark price used by intrabar
// resolution.
type MarkSource string

const (
	MarkSourceDedicated MarkSource = "mark_1m"               // a dedicated mark-price kline
	MarkSourceApprox    MarkSource = "approx_from_ohlcv_1m"  // approximated from the 1m OHLCV close
)
