package feed

import "math"

// RollupBucket accumulates 1m bars within a single exec interval and
// freezes them into the six px.rollup.* keys at exec close. Reset after
// freeze.
type RollupBucket struct {
	minPrice  float64
	maxPrice  float64
	openPx    float64
	closePx   float64
	barCount  int
	volume    float64
	hasOpened bool
}

// NewRollupBucket returns an empty bucket.
func NewRollupBucket() *RollupBucket {
	b := &RollupBucket{}
	b.reset()
	return b
}

func (b *RollupBucket) reset() {
	b.minPrice = math.Inf(1)
	b.maxPrice = math.Inf(-1)
	b.openPx = 0
	b.closePx = 0
	b.barCount = 0
	b.volume = 0
	b.hasOpened = false
}

// Accumulate folds a single 1m bar's (low, high, open, close, volume) into
// the bucket.
func (b *RollupBucket) Accumulate(low, high, open, close, volume float64) {
	if low < b.minPrice {
		b.minPrice = low
	}
	if high > b.maxPrice {
		b.maxPrice = high
	}
	if !b.hasOpened {
		b.openPx = open
		b.hasOpened = true
	}
	b.closePx = close
	b.barCount++
	b.volume += volume
}

// RollupValues is the frozen snapshot emitted at exec close as the six
// px.rollup.* keys.
type RollupValues struct {
	MinPrice1m  float64
	MaxPrice1m  float64
	OpenPrice1m float64
	ClosePrice1m float64
	BarCount1m  int
	Volume1m    float64
}

// Freeze materializes the current accumulation into RollupValues without
// resetting the bucket. Call Reset separately per the spec's explicit
// freeze-then-reset sequencing.
func (b *RollupBucket) Freeze() RollupValues {
	minP, maxP := b.minPrice, b.maxPrice
	if b.barCount == 0 {
		minP, maxP = 0, 0
	}
	return RollupValues{
		MinPrice1m: minP, MaxPrice1m: maxP,
		OpenPrice1m: b.openPx, ClosePrice1m: b.closePx,
		BarCount1m: b.barCount, Volume1m: b.volume,
	}
}

// Reset clears the bucket back to its empty state: accumulate; freeze;
// reset; accumulate (same inputs); freeze yields identical frozen values
// both times.
func (b *RollupBucket) Reset() { b.reset() }

// AsFeatureKeys renders the frozen values under the px.rollup.* key names
// the Snapshot View exposes to the DSL.
func (v RollupValues) AsFeatureKeys() map[string]float64 {
	return map[string]float64{
		"px.rollup.min_1m":   v.MinPrice1m,
		"px.rollup.max_1m":   v.MaxPrice1m,
		"px.rollup.open_1m":  v.OpenPrice1m,
		"px.rollup.close_1m": v.ClosePrice1m,
		"px.rollup.bars_1m":  float64(v.BarCount1m),
		"px.rollup.volume_1m": v.Volume1m,
	}
}
