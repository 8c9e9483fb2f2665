// Copyright (c) 2025 Neomantra Corp

package historydb

import (
	"math"
	"time"

	backtest "github.com/tradeforge/perpbacktest"
)

// SyntheticProvider generates a deterministic price path: the same seed
// and window always yield bit-identical bars, across timeframes, so runs
// over synthetic data are exactly reproducible. Every
// timeframe aggregates from the same underlying 1m path, so higher-TF
// bars are exactly consistent with their 1m constituents.
type SyntheticProvider struct {
	Seed      uint64
	BasePrice float64 // price the path oscillates around; default 100
}

// NewSynthetic builds a provider for the given seed.
func NewSynthetic(seed uint64) *SyntheticProvider {
	return &SyntheticProvider{Seed: seed, BasePrice: 100}
}

// splitmix64 is a stateless pseudo-random hash: minute index -> noise,
// with no sequential state, so any window can be generated independently.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// noise returns a deterministic value in [-1, 1) for a minute index.
func (p *SyntheticProvider) noise(minute int64, stream uint64) float64 {
	h := splitmix64(uint64(minute)*0x100000001b3 ^ p.Seed ^ stream)
	return float64(h>>11)/float64(1<<52) - 1
}

// minuteClose is the closing price of 1m bar k (minutes since epoch).
func (p *SyntheticProvider) minuteClose(k int64) float64 {
	base := p.BasePrice
	if base == 0 {
		base = 100
	}
	trend := base * 0.05 * math.Sin(float64(k)/480)
	wave := base * 0.01 * math.Sin(float64(k)/37)
	jitter := base * 0.002 * p.noise(k, 1)
	return base + trend + wave + jitter
}

// LoadOHLCV implements feed.OHLCVProvider: bars whose ts_open falls in
// [start, end), aggregated from the deterministic 1m path.
func (p *SyntheticProvider) LoadOHLCV(symbol string, tf backtest.Timeframe, start, end time.Time) ([]backtest.Bar, error) {
	mins, ok := tf.Minutes()
	if !ok {
		return nil, backtest.ErrInvalidTimeframe
	}
	dur := time.Duration(mins) * time.Minute
	alignedStart := start.Truncate(dur)
	if alignedStart.Before(start) {
		alignedStart = alignedStart.Add(dur)
	}

	var bars []backtest.Bar
	for ts := alignedStart; ts.Before(end); ts = ts.Add(dur) {
		firstMinute := ts.Unix() / 60
		open := p.minuteClose(firstMinute - 1)
		closePx := p.minuteClose(firstMinute + int64(mins) - 1)
		high, low := open, open
		var volume float64
		for m := int64(0); m < int64(mins); m++ {
			c := p.minuteClose(firstMinute + m)
			if c > high {
				high = c
			}
			if c < low {
				low = c
			}
			volume += 10 + 5*(p.noise(firstMinute+m, 2)+1)
		}
		if closePx > high {
			high = closePx
		}
		if closePx < low {
			low = closePx
		}
		bars = append(bars, backtest.Bar{
			Symbol: symbol, TF: tf,
			TsOpen: ts.UTC(), TsClose: ts.Add(dur).UTC(),
			Open: open, High: high, Low: low, Close: closePx, Volume: volume,
		})
	}
	return bars, nil
}

// LoadFunding implements FundingLoader: a fixed small rate every 8 hours,
// aligned to midnight UTC.
func (p *SyntheticProvider) LoadFunding(symbol string, start, end time.Time) ([]FundingEvent, error) {
	const every = 8 * time.Hour
	aligned := start.Truncate(every)
	if aligned.Before(start) {
		aligned = aligned.Add(every)
	}
	var events []FundingEvent
	for ts := aligned; ts.Before(end); ts = ts.Add(every) {
		rate := 0.0001 * p.noise(ts.Unix()/60, 3)
		events = append(events, FundingEvent{TsMs: ts.UnixMilli(), Rate: rate})
	}
	return events, nil
}
