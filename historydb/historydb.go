// Copyright (c) 2025 Neomantra Corp

// Package historydb provides the historical-data provider implementations
// the feed builder consumes: an embedded DuckDB candle store, a
// retrying HTTP kline client, and a deterministic synthetic generator for
// tests and dry runs. All of them return ordered, gap-free, tz-naive UTC
// OHLCV arrays or fail loudly.
package historydb

import (
	"fmt"
	"sort"
	"time"

	backtest "github.com/tradeforge/perpbacktest"
)

// FundingEvent is one scheduled funding rate, per the optional
// load_funding half of the provider contract.
type FundingEvent struct {
	TsMs int64
	Rate float64
}

// FundingLoader is the optional funding half of the §6.2 contract.
type FundingLoader interface {
	LoadFunding(symbol string, start, end time.Time) ([]FundingEvent, error)
}

// FundingSchedule adapts a loaded event list to the engine's per-tick
// FundingRateAt lookup.
type FundingSchedule struct {
	byTs map[int64]float64
}

// NewFundingSchedule indexes events by timestamp.
func NewFundingSchedule(events []FundingEvent) *FundingSchedule {
	s := &FundingSchedule{byTs: make(map[int64]float64, len(events))}
	for _, ev := range events {
		s.byTs[ev.TsMs] = ev.Rate
	}
	return s
}

// FundingRateAt implements engine.FundingProvider.
func (s *FundingSchedule) FundingRateAt(tsMs int64) (float64, bool) {
	rate, ok := s.byTs[tsMs]
	return rate, ok
}

// validateBars enforces the provider contract on a loaded window:
// monotonic ts_open, no gaps, per-bar OHLC sanity. Providers call it
// before handing bars to the feed builder so a bad store fails the run
// before the hot loop.
func validateBars(symbol string, tf backtest.Timeframe, bars []backtest.Bar) error {
	mins, ok := tf.Minutes()
	if !ok {
		return fmt.Errorf("%w: %q", backtest.ErrInvalidTimeframe, tf)
	}
	step := time.Duration(mins) * time.Minute
	for i, b := range bars {
		if err := b.Validate(); err != nil {
			return &backtest.DataError{Kind: backtest.ErrGappedOHLCV, Symbol: symbol, TF: string(tf), Detail: err.Error()}
		}
		if i > 0 {
			want := bars[i-1].TsOpen.Add(step)
			if !b.TsOpen.Equal(want) {
				return &backtest.DataError{
					Kind: backtest.ErrGappedOHLCV, Symbol: symbol, TF: string(tf),
					Detail: fmt.Sprintf("gap before bar %d: expected ts_open %s, got %s", i, want, b.TsOpen),
				}
			}
		}
	}
	return nil
}

// sortEvents orders funding events by timestamp; providers that read from
// unordered sources call it before returning.
func sortEvents(events []FundingEvent) {
	sort.Slice(events, func(i, j int) bool { return events[i].TsMs < events[j].TsMs })
}
