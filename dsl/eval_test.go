// Copyright (c) 2024 Neomantra Corp

package dsl_test

import (
	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/dsl"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeSnapshot serves fixed per-offset series for a small set of features,
// keyed "featureID" or "featureID.field", and treats every tick as an
// anchor close (tests that need otherwise override via anchorCloses).
type fakeSnapshot struct {
	series       map[string][]float64 // index 0 = current bar, 1 = one bar ago, ...
	anchorCloses map[backtest.Timeframe]bool
}

func newFakeSnapshot() *fakeSnapshot {
	return &fakeSnapshot{series: map[string][]float64{}, anchorCloses: map[backtest.Timeframe]bool{}}
}

func (f *fakeSnapshot) set(key string, values ...float64) { f.series[key] = values }

func (f *fakeSnapshot) FeatureValueAt(featureID, field string, offset int) (dsl.Value, bool) {
	key := featureID
	if field != "" {
		key = featureID + "." + field
	}
	series, ok := f.series[key]
	if !ok || offset < 0 || offset >= len(series) {
		return dsl.Value{}, false
	}
	return dsl.FloatValue(series[offset]), true
}

func (f *fakeSnapshot) IsAnchorClose(tf backtest.Timeframe) bool {
	if v, ok := f.anchorCloses[tf]; ok {
		return v
	}
	return true
}

var _ = Describe("Evaluator comparisons", func() {
	ev := dsl.NewEvaluator(nil)

	It("evaluates gt/lt/gte/lte", func() {
		snap := newFakeSnapshot()
		snap.set("rsi", 45.0)
		cond := dsl.Cond(dsl.FeatureRef("rsi", "", 0), dsl.CondGt, dsl.Scalar(dsl.FloatValue(40)), nil)
		r, err := ev.EvalBool(cond, snap, dsl.NewWindowState())
		Expect(err).NotTo(HaveOccurred())
		Expect(r).To(Equal(dsl.TriTrue))
	})

	It("returns indeterminate when a required value is missing", func() {
		snap := newFakeSnapshot() // no "rsi" series set
		cond := dsl.Cond(dsl.FeatureRef("rsi", "", 0), dsl.CondGt, dsl.Scalar(dsl.FloatValue(40)), nil)
		r, err := ev.EvalBool(cond, snap, dsl.NewWindowState())
		Expect(err).NotTo(HaveOccurred())
		Expect(r).To(Equal(dsl.TriUnknown))
	})

	It("detects a cross_above using offset-1 and offset-0 values", func() {
		snap := newFakeSnapshot()
		snap.set("fast", 10.5, 9.0) // now=10.5, prev=9.0
		snap.set("slow", 10.0, 10.0)
		cond := dsl.Cond(dsl.FeatureRef("fast", "", 0), dsl.CondCrossAbove, dsl.FeatureRef("slow", "", 0), nil)
		r, err := ev.EvalBool(cond, snap, dsl.NewWindowState())
		Expect(err).NotTo(HaveOccurred())
		Expect(r).To(Equal(dsl.TriTrue))
	})

	It("does not cross when prior values already above", func() {
		snap := newFakeSnapshot()
		snap.set("fast", 10.5, 11.0)
		snap.set("slow", 10.0, 10.0)
		cond := dsl.Cond(dsl.FeatureRef("fast", "", 0), dsl.CondCrossAbove, dsl.FeatureRef("slow", "", 0), nil)
		r, _ := ev.EvalBool(cond, snap, dsl.NewWindowState())
		Expect(r).To(Equal(dsl.TriFalse))
	})

	It("evaluates near_abs with absolute-distance semantics on signed values", func() {
		snap := newFakeSnapshot()
		snap.set("macd", -2.0)
		tol := dsl.FloatValue(0.5)
		cond := dsl.Cond(dsl.FeatureRef("macd", "", 0), dsl.CondNearAbs, dsl.Scalar(dsl.FloatValue(-2.2)), &tol)
		r, _ := ev.EvalBool(cond, snap, dsl.NewWindowState())
		Expect(r).To(Equal(dsl.TriTrue))
	})

	It("evaluates between and in", func() {
		snap := newFakeSnapshot()
		snap.set("rsi", 55.0)
		between := dsl.Cond(dsl.FeatureRef("rsi", "", 0), dsl.CondBetween, dsl.Range(dsl.FloatValue(50), dsl.FloatValue(60)), nil)
		r, _ := ev.EvalBool(between, snap, dsl.NewWindowState())
		Expect(r).To(Equal(dsl.TriTrue))
	})

	It("propagates indeterminate through All and Any", func() {
		snap := newFakeSnapshot()
		snap.set("a", 1.0)
		trueCond := dsl.Cond(dsl.FeatureRef("a", "", 0), dsl.CondGt, dsl.Scalar(dsl.FloatValue(0)), nil)
		unknownCond := dsl.Cond(dsl.FeatureRef("missing", "", 0), dsl.CondGt, dsl.Scalar(dsl.FloatValue(0)), nil)

		allResult, _ := ev.EvalBool(dsl.All(trueCond, unknownCond), snap, dsl.NewWindowState())
		Expect(allResult).To(Equal(dsl.TriUnknown)) // true AND unknown = unknown

		anyResult, _ := ev.EvalBool(dsl.Any(trueCond, unknownCond), snap, dsl.NewWindowState())
		Expect(anyResult).To(Equal(dsl.TriTrue)) // true OR unknown = true

		falseCond := dsl.Cond(dsl.FeatureRef("a", "", 0), dsl.CondLt, dsl.Scalar(dsl.FloatValue(0)), nil)
		allWithFalse, _ := ev.EvalBool(dsl.All(falseCond, unknownCond), snap, dsl.NewWindowState())
		Expect(allWithFalse).To(Equal(dsl.TriFalse)) // false AND unknown = false
	})
})

var _ = Describe("Window operators", func() {
	It("holds_for requires every bar in the window to be true", func() {
		ev := dsl.NewEvaluator(nil)
		ws := dsl.NewWindowState()
		rsiSeries := []float64{38, 39, 41}
		cond := dsl.Cond(dsl.FeatureRef("rsi", "", 0), dsl.CondLt, dsl.Scalar(dsl.FloatValue(40)), nil)
		expr := dsl.HoldsFor(3, cond, backtest.TF15m)
		dsl.Compile(expr, nil)

		var last dsl.TriBool
		for _, v := range rsiSeries {
			snap := newFakeSnapshot()
			snap.set("rsi", v)
			r, err := ev.EvalBool(expr, snap, ws)
			Expect(err).NotTo(HaveOccurred())
			last = r
		}
		Expect(last).To(Equal(dsl.TriFalse)) // the newest bar (offset 0) is 41 >= 40
	})

	It("holds_for is true when every bar in the window satisfies the condition", func() {
		ev := dsl.NewEvaluator(nil)
		ws := dsl.NewWindowState()
		rsiSeries := []float64{38, 39, 39}
		cond := dsl.Cond(dsl.FeatureRef("rsi", "", 0), dsl.CondLt, dsl.Scalar(dsl.FloatValue(40)), nil)
		expr := dsl.HoldsFor(3, cond, backtest.TF15m)
		dsl.Compile(expr, nil)

		var last dsl.TriBool
		for _, v := range rsiSeries {
			snap := newFakeSnapshot()
			snap.set("rsi", v)
			last, _ = ev.EvalBool(expr, snap, ws)
		}
		Expect(last).To(Equal(dsl.TriTrue))
	})

	It("is indeterminate until the window has filled", func() {
		ev := dsl.NewEvaluator(nil)
		ws := dsl.NewWindowState()
		cond := dsl.Cond(dsl.FeatureRef("rsi", "", 0), dsl.CondLt, dsl.Scalar(dsl.FloatValue(40)), nil)
		expr := dsl.HoldsFor(3, cond, backtest.TF15m)
		dsl.Compile(expr, nil)

		snap := newFakeSnapshot()
		snap.set("rsi", 10.0)
		r, _ := ev.EvalBool(expr, snap, ws)
		Expect(r).To(Equal(dsl.TriUnknown))
	})

	It("occurred_within is true if the condition fired at least once", func() {
		ev := dsl.NewEvaluator(nil)
		ws := dsl.NewWindowState()
		cond := dsl.Cond(dsl.FeatureRef("rsi", "", 0), dsl.CondLt, dsl.Scalar(dsl.FloatValue(40)), nil)
		expr := dsl.OccurredWithin(3, cond, backtest.TF15m)
		dsl.Compile(expr, nil)

		var last dsl.TriBool
		for _, v := range []float64{50, 50, 35} {
			snap := newFakeSnapshot()
			snap.set("rsi", v)
			last, _ = ev.EvalBool(expr, snap, ws)
		}
		Expect(last).To(Equal(dsl.TriTrue))
	})

	It("count_true requires at least min_true occurrences", func() {
		ev := dsl.NewEvaluator(nil)
		ws := dsl.NewWindowState()
		cond := dsl.Cond(dsl.FeatureRef("rsi", "", 0), dsl.CondLt, dsl.Scalar(dsl.FloatValue(40)), nil)
		expr := dsl.CountTrue(4, 2, cond, backtest.TF15m)
		dsl.Compile(expr, nil)

		var last dsl.TriBool
		for _, v := range []float64{35, 50, 35, 50} {
			snap := newFakeSnapshot()
			snap.set("rsi", v)
			last, _ = ev.EvalBool(expr, snap, ws)
		}
		Expect(last).To(Equal(dsl.TriTrue)) // exactly 2 true entries
	})
})

var _ = Describe("Block evaluation", func() {
	It("emits the first matching case's intents and stops", func() {
		ev := dsl.NewEvaluator(nil)
		ws := dsl.NewWindowState()
		snap := newFakeSnapshot()
		snap.set("rsi", 25.0)

		block := &dsl.Block{
			ID: "entries",
			Cases: []dsl.Case{
				{
					When: dsl.Cond(dsl.FeatureRef("rsi", "", 0), dsl.CondLt, dsl.Scalar(dsl.FloatValue(30)), nil),
					Emit: []dsl.IntentSpec{{Action: dsl.ActionEntryLong}},
				},
				{
					When: dsl.Cond(dsl.FeatureRef("rsi", "", 0), dsl.CondGt, dsl.Scalar(dsl.FloatValue(70)), nil),
					Emit: []dsl.IntentSpec{{Action: dsl.ActionEntryShort}},
				},
			},
		}
		intents, err := block.Evaluate(ev, snap, ws)
		Expect(err).NotTo(HaveOccurred())
		Expect(intents).To(HaveLen(1))
		Expect(intents[0].Action).To(Equal(dsl.ActionEntryLong))
	})

	It("falls through to else when no case matches", func() {
		ev := dsl.NewEvaluator(nil)
		ws := dsl.NewWindowState()
		snap := newFakeSnapshot()
		snap.set("rsi", 50.0)

		block := &dsl.Block{
			ID: "entries",
			Cases: []dsl.Case{
				{When: dsl.Cond(dsl.FeatureRef("rsi", "", 0), dsl.CondLt, dsl.Scalar(dsl.FloatValue(30)), nil),
					Emit: []dsl.IntentSpec{{Action: dsl.ActionEntryLong}}},
			},
			Else: []dsl.IntentSpec{{Action: dsl.ActionNoAction}},
		}
		intents, _ := block.Evaluate(ev, snap, ws)
		Expect(intents).To(HaveLen(1))
		Expect(intents[0].Action).To(Equal(dsl.ActionNoAction))
	})

	It("emits nothing when no case matches and there is no else", func() {
		ev := dsl.NewEvaluator(nil)
		ws := dsl.NewWindowState()
		snap := newFakeSnapshot()
		snap.set("rsi", 50.0)
		block := &dsl.Block{ID: "entries", Cases: []dsl.Case{
			{When: dsl.Cond(dsl.FeatureRef("rsi", "", 0), dsl.CondLt, dsl.Scalar(dsl.FloatValue(30)), nil),
				Emit: []dsl.IntentSpec{{Action: dsl.ActionEntryLong}}},
		}}
		intents, _ := block.Evaluate(ev, snap, ws)
		Expect(intents).To(BeEmpty())
	})

	It("a case whose when is indeterminate does not match", func() {
		ev := dsl.NewEvaluator(nil)
		ws := dsl.NewWindowState()
		snap := newFakeSnapshot() // "rsi" missing -> indeterminate
		block := &dsl.Block{ID: "entries", Cases: []dsl.Case{
			{When: dsl.Cond(dsl.FeatureRef("rsi", "", 0), dsl.CondLt, dsl.Scalar(dsl.FloatValue(30)), nil),
				Emit: []dsl.IntentSpec{{Action: dsl.ActionEntryLong}}},
		}, Else: []dsl.IntentSpec{{Action: dsl.ActionNoAction}}}
		intents, _ := block.Evaluate(ev, snap, ws)
		Expect(intents).To(HaveLen(1))
		Expect(intents[0].Action).To(Equal(dsl.ActionNoAction))
	})
})
