// Package feed implements the feed store and feed builder: immutable
// columnar arrays per timeframe, built once before the hot
// loop, plus the ring-buffer History Manager and 1m rollup bucket.
package feed

import (
	"math"
	"sort"
	"strconv"
	"time"

	backtest "github.com/tradeforge/perpbacktest"
)

// Store is the immutable, columnar Feed Store for one (symbol, timeframe)
// pair: parallel OHLCV arrays plus precomputed indicator columns, an
// ts_close lookup set, and an O(1) forward-fill index map. Lifetime is the
// entire backtest run; never mutated after Build returns.
type Store struct {
	Symbol string
	TF     backtest.Timeframe

	TsOpenMs  []int64
	TsCloseMs []int64
	Open      []float64
	High      []float64
	Low       []float64
	Close     []float64
	Volume    []float64

	// Indicator/structure output columns, keyed by the expanded output key
	// (registry.Feature.OutputKeyFor). NaN marks not-yet-warm.
	Indicators map[string][]float64

	closeSet map[int64]struct{}
	closeIdx map[int64]int
	built    bool
}

// NewStore constructs an empty, unbuilt Store for (symbol, tf).
func NewStore(symbol string, tf backtest.Timeframe) *Store {
	return &Store{Symbol: symbol, TF: tf, Indicators: make(map[string][]float64)}
}

// Build validates the loaded arrays (sortedness, gap-free, close-derived
// from open+duration) and finalizes the lookup structures. Must be called
// exactly once before any read operation.
func (s *Store) Build() error {
	n := len(s.TsOpenMs)
	if len(s.TsCloseMs) != n || len(s.Open) != n || len(s.High) != n || len(s.Low) != n ||
		len(s.Close) != n || len(s.Volume) != n {
		return &backtest.DataError{
			Kind: backtest.ErrGappedOHLCV, Symbol: s.Symbol, TF: string(s.TF),
			Detail: "parallel OHLCV arrays have mismatched lengths",
		}
	}
	for key, col := range s.Indicators {
		if len(col) != n {
			return &backtest.DataError{
				Kind: backtest.ErrGappedOHLCV, Symbol: s.Symbol, TF: string(s.TF),
				Detail: "indicator column " + key + " length mismatch",
			}
		}
	}
	mins, ok := s.TF.Minutes()
	if !ok {
		return &backtest.DataError{Kind: backtest.ErrGappedOHLCV, Symbol: s.Symbol, TF: string(s.TF), Detail: "unknown timeframe"}
	}
	durMs := int64(mins) * 60_000
	if !sort.SliceIsSorted(s.TsOpenMs, func(i, j int) bool { return s.TsOpenMs[i] < s.TsOpenMs[j] }) {
		return &backtest.DataError{Kind: backtest.ErrGappedOHLCV, Symbol: s.Symbol, TF: string(s.TF), Detail: "ts_open is not sorted"}
	}
	for i := 0; i < n; i++ {
		if s.TsCloseMs[i] != s.TsOpenMs[i]+durMs {
			return &backtest.DataError{
				Kind: backtest.ErrGappedOHLCV, Symbol: s.Symbol, TF: string(s.TF),
				Detail: "ts_close != ts_open + duration at index " + itoa(i),
			}
		}
		if i > 0 && s.TsOpenMs[i] != s.TsOpenMs[i-1]+durMs {
			return &backtest.DataError{
				Kind: backtest.ErrGappedOHLCV, Symbol: s.Symbol, TF: string(s.TF),
				Detail: "gap in ohlcv window at index " + itoa(i),
			}
		}
	}
	s.closeSet = make(map[int64]struct{}, n)
	s.closeIdx = make(map[int64]int, n)
	for i, ts := range s.TsCloseMs {
		s.closeSet[ts] = struct{}{}
		s.closeIdx[ts] = i
	}
	s.built = true
	return nil
}

// Len returns the number of bars in the store.
func (s *Store) Len() int { return len(s.TsOpenMs) }

// Bar materializes the Bar value at index i.
func (s *Store) Bar(i int) backtest.Bar {
	return backtest.Bar{
		Symbol:  s.Symbol,
		TF:      s.TF,
		TsOpen:  time.UnixMilli(s.TsOpenMs[i]).UTC(),
		TsClose: time.UnixMilli(s.TsCloseMs[i]).UTC(),
		Open:    s.Open[i], High: s.High[i], Low: s.Low[i], Close: s.Close[i],
		Volume: s.Volume[i],
	}
}

// IsCloseAt reports whether ts (epoch ms) is exactly a close of this TF,
// i.e. an O(1) membership test against close_ts_set.
func (s *Store) IsCloseAt(tsCloseMs int64) bool {
	_, ok := s.closeSet[tsCloseMs]
	return ok
}

// GetIdxAtTsClose returns the index whose ts_close == ts, else the most
// recent index whose ts_close <= ts, else (-1, false). Used for higher-TF
// forward-fill.
func (s *Store) GetIdxAtTsClose(tsCloseMs int64) (int, bool) {
	if idx, ok := s.closeIdx[tsCloseMs]; ok {
		return idx, true
	}
	// binary search for the last index with ts_close <= tsCloseMs.
	lo, hi := 0, len(s.TsCloseMs)-1
	best := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if s.TsCloseMs[mid] <= tsCloseMs {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best == -1 {
		return -1, false
	}
	return best, true
}

// Get1mIndicesForExec returns the inclusive 1m index range [lo, hi] whose
// closes fall inside the exec bar [ts_open(execIdx), ts_close(execIdx)].
// Only meaningful when called on a Store built at 1m. Returns ok=false if
// no 1m bars fall in that range (quote feed gap).
func (s *Store) Get1mIndicesForExec(execOpenMs, execCloseMs int64) (lo, hi int, ok bool) {
	// First index with ts_close > execOpenMs.
	n := len(s.TsCloseMs)
	lo = sort.Search(n, func(i int) bool { return s.TsCloseMs[i] > execOpenMs })
	hi = sort.Search(n, func(i int) bool { return s.TsCloseMs[i] > execCloseMs }) - 1
	if lo > hi || lo >= n || hi < 0 {
		return 0, 0, false
	}
	return lo, hi, true
}

// FindFirstValidBar returns the first index at which every key in
// indicatorKeys is non-NaN, honoring mutually-exclusive groups supplied via
// registry (groups where only one member need be valid at a time).
func (s *Store) FindFirstValidBar(indicatorKeys []string, exclusiveGroups [][]string) int {
	n := s.Len()
	grouped := make(map[string]int) // key -> group index
	for gi, g := range exclusiveGroups {
		for _, k := range g {
			grouped[k] = gi
		}
	}
	for i := 0; i < n; i++ {
		ok := true
		satisfiedGroup := make(map[int]bool)
		for _, key := range indicatorKeys {
			col, exists := s.Indicators[key]
			if !exists {
				ok = false
				break
			}
			valid := i < len(col) && !math.IsNaN(col[i])
			if gi, isGrouped := grouped[key]; isGrouped {
				if valid {
					satisfiedGroup[gi] = true
				}
				continue
			}
			if !valid {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for gi := range exclusiveGroups {
			if !satisfiedGroup[gi] {
				// check if the group even has any members in indicatorKeys
				relevant := false
				for _, k := range exclusiveGroups[gi] {
					if _, want := grouped[k]; want {
						for _, req := range indicatorKeys {
							if req == k {
								relevant = true
							}
						}
					}
				}
				if relevant {
					ok = false
				}
			}
		}
		if ok {
			return i
		}
	}
	return -1
}

func itoa(i int) string { return strconv.Itoa(i) }
