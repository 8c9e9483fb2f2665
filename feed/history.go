package feed

import backtest "github.com/tradeforge/perpbacktest"

// ring is a fixed-capacity circular buffer with O(1) append-with-overwrite
// and O(1) random access by "bars ago" offset.
type ring struct {
	buf  []any
	cap  int
	head int // index of the next write slot
	size int
}

func newRing(capacity int) *ring {
	if capacity < 0 {
		capacity = 0
	}
	return &ring{buf: make([]any, capacity), cap: capacity}
}

func (r *ring) push(v any) {
	if r.cap == 0 {
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % r.cap
	if r.size < r.cap {
		r.size++
	}
}

// at returns the value `offset` entries ago (0 = most recently pushed).
func (r *ring) at(offset int) (any, bool) {
	if offset < 0 || offset >= r.size || r.cap == 0 {
		return nil, false
	}
	idx := (r.head - 1 - offset + r.cap) % r.cap
	return r.buf[idx], true
}

func (r *ring) full() bool { return r.size == r.cap }
func (r *ring) len() int   { return r.size }

// FeatureSnapshot is a single bar's worth of feature field values, keyed by
// output key, captured into history for window-operator and offset
// evaluation.
type FeatureSnapshot map[string]float64

// HistoryDepth configures the bounded ring capacities of the history
// manager: bars_exec_count, features_exec_count, features_high_tf_count,
// features_med_tf_count.
type HistoryDepth struct {
	BarsExec     int
	FeaturesExec int
	FeaturesHigh int
	FeaturesMed  int
}

// History is the bounded ring-buffer History Manager. Declared capacity is
// a cap; there is no unbounded growth regardless of run length.
type History struct {
	depth HistoryDepth

	barsExec     *ring
	featuresExec *ring
	featuresHigh *ring
	featuresMed  *ring
}

// NewHistory constructs a History with the given ring capacities.
func NewHistory(depth HistoryDepth) *History {
	return &History{
		depth:        depth,
		barsExec:     newRing(depth.BarsExec),
		featuresExec: newRing(depth.FeaturesExec),
		featuresHigh: newRing(depth.FeaturesHigh),
		featuresMed:  newRing(depth.FeaturesMed),
	}
}

// UpdateExecBar appends the just-closed exec bar. Must run after strategy
// evaluation for that bar, never before, so crossover detectors see bar
// N-1 in history when evaluating bar N.
func (h *History) UpdateExecBar(b backtest.Bar) { h.barsExec.push(b) }

// UpdateExecFeatures appends the exec-TF feature snapshot for the just
// processed bar.
func (h *History) UpdateExecFeatures(s FeatureSnapshot) { h.featuresExec.push(s) }

// UpdateHighTFFeatures appends a high-TF feature snapshot, called only when
// a high-TF bar closed.
func (h *History) UpdateHighTFFeatures(s FeatureSnapshot) { h.featuresHigh.push(s) }

// UpdateMedTFFeatures appends a med-TF feature snapshot, called only when a
// med-TF bar closed.
func (h *History) UpdateMedTFFeatures(s FeatureSnapshot) { h.featuresMed.push(s) }

// BarAt returns the exec bar `offset` bars ago (0 = most recent).
func (h *History) BarAt(offset int) (backtest.Bar, bool) {
	v, ok := h.barsExec.at(offset)
	if !ok {
		return backtest.Bar{}, false
	}
	return v.(backtest.Bar), true
}

// ExecFeatureAt returns the exec-TF feature snapshot `offset` bars ago.
func (h *History) ExecFeatureAt(offset int) (FeatureSnapshot, bool) {
	return snapshotAt(h.featuresExec, offset)
}

// HighFeatureAt returns the high-TF feature snapshot `offset` closes ago.
func (h *History) HighFeatureAt(offset int) (FeatureSnapshot, bool) {
	return snapshotAt(h.featuresHigh, offset)
}

// MedFeatureAt returns the med-TF feature snapshot `offset` closes ago.
func (h *History) MedFeatureAt(offset int) (FeatureSnapshot, bool) {
	return snapshotAt(h.featuresMed, offset)
}

func snapshotAt(r *ring, offset int) (FeatureSnapshot, bool) {
	v, ok := r.at(offset)
	if !ok {
		return nil, false
	}
	return v.(FeatureSnapshot), true
}

// Ready reports whether every configured window is full.
func (h *History) Ready() bool {
	return h.barsExec.full() && h.featuresExec.full() && h.featuresHigh.full() && h.featuresMed.full()
}
