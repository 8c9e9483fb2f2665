// Copyright (c) 2024 Neomantra Corp

package registry_test

import (
	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/registry"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeNumeric struct{}

func (fakeNumeric) IsSupported(t string) bool { return t == "ema" || t == "supertrend" }
func (fakeNumeric) ValidateParams(t string, params map[string]any) error {
	if t == "ema" {
		if _, ok := params["length"]; !ok {
			return fakeErr("missing length")
		}
	}
	return nil
}
func (fakeNumeric) GetWarmupBars(t string, params map[string]any) (int, error) {
	if t == "ema" {
		return int(params["length"].(float64)), nil
	}
	return 10, nil
}
func (fakeNumeric) GetOutputSuffixes(t string) []string {
	if t == "supertrend" {
		return []string{"long", "short"}
	}
	return nil
}
func (fakeNumeric) GetExpandedKeys(t, baseKey string) []string { return []string{baseKey} }
func (fakeNumeric) GetMutuallyExclusiveGroups(keys []string) [][]string {
	if len(keys) == 2 {
		return [][]string{keys}
	}
	return nil
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

type fakeStructure struct{}

func (fakeStructure) IsSupported(t string) bool                { return t == "pivot" }
func (fakeStructure) ValidateParams(t string, p map[string]any) error { return nil }
func (fakeStructure) GetWarmup(t string, p map[string]any) (int, error) {
	left, right := p["left"].(int), p["right"].(int)
	return 5 * (left + right + 1), nil
}
func (fakeStructure) AllowedDependencyKinds(t string) []registry.FeatureKind {
	return []registry.FeatureKind{registry.KindIndicator, registry.KindStructure}
}
func (fakeStructure) GetOutputFields(t string) map[string]backtest.FeatureOutputType {
	return map[string]backtest.FeatureOutputType{"": backtest.OutputFloat}
}
func (fakeStructure) Compute(t string, inputs map[string][]float64, uses []string, deps map[string]map[string][]float64, p map[string]any) (map[string][]float64, error) {
	n := len(inputs["close"])
	return map[string][]float64{"": make([]float64, n)}, nil
}

var _ = Describe("Registry", func() {
	var r *registry.Registry

	BeforeEach(func() {
		r = registry.New(fakeNumeric{}, fakeStructure{})
	})

	It("rejects a duplicate feature id", func() {
		f := &registry.Feature{ID: "ema9", TF: backtest.TF15m, Kind: registry.KindIndicator,
			IndicatorType: "ema", Params: map[string]any{"length": 9.0}}
		Expect(r.Add(f)).To(Succeed())
		Expect(r.Add(f)).To(HaveOccurred())
	})

	It("validates unknown indicator types", func() {
		f := &registry.Feature{ID: "x", TF: backtest.TF15m, Kind: registry.KindIndicator, IndicatorType: "bogus"}
		Expect(r.Add(f)).To(Succeed())
		Expect(r.Validate()).To(HaveOccurred())
	})

	It("catches dangling structure dependencies", func() {
		f := &registry.Feature{ID: "piv", TF: backtest.TF15m, Kind: registry.KindStructure,
			StructureType: "pivot", Params: map[string]any{"left": 2, "right": 2}, Uses: []string{"missing"}}
		Expect(r.Add(f)).To(Succeed())
		Expect(r.Validate()).To(HaveOccurred())
	})

	It("expands multi-output indicators with mutually exclusive groups", func() {
		f := &registry.Feature{ID: "st", TF: backtest.TF1h, Kind: registry.KindIndicator,
			IndicatorType: "supertrend", Params: map[string]any{}}
		Expect(r.Add(f)).To(Succeed())
		Expect(r.Validate()).To(Succeed())
		Expect(r.ExpandIndicatorOutputs()).To(Succeed())
		Expect(f.OutputKeys).To(HaveKey("long"))
		Expect(f.OutputKeys).To(HaveKey("short"))
		Expect(f.MutuallyExclusiveGroups).To(HaveLen(1))
		// idempotent
		Expect(r.ExpandIndicatorOutputs()).To(Succeed())
	})

	It("expands structure output fields alongside indicators", func() {
		f := &registry.Feature{ID: "piv", TF: backtest.TF15m, Kind: registry.KindStructure,
			StructureType: "pivot", Params: map[string]any{"left": 2, "right": 2}}
		Expect(r.Add(f)).To(Succeed())
		Expect(r.Validate()).To(Succeed())
		Expect(r.ExpandIndicatorOutputs()).To(Succeed())
		Expect(f.OutputKeys).To(HaveKeyWithValue("", backtest.OutputFloat))
	})

	It("orders structures topologically by uses and rejects cycles", func() {
		a := &registry.Feature{ID: "a", TF: backtest.TF15m, Kind: registry.KindStructure,
			StructureType: "pivot", Params: map[string]any{"left": 2, "right": 2}, Uses: []string{"b"}}
		b := &registry.Feature{ID: "b", TF: backtest.TF15m, Kind: registry.KindStructure,
			StructureType: "pivot", Params: map[string]any{"left": 2, "right": 2}}
		Expect(r.Add(a)).To(Succeed())
		Expect(r.Add(b)).To(Succeed())
		Expect(r.Validate()).To(Succeed())

		ordered, err := r.StructuresInTopoOrder(backtest.TF15m)
		Expect(err).NotTo(HaveOccurred())
		Expect(ordered).To(HaveLen(2))
		Expect(ordered[0].ID).To(Equal("b")) // dependency first
		Expect(ordered[1].ID).To(Equal("a"))

		// Close the loop: b -> a -> b must fail validation.
		b.Uses = []string{"a"}
		Expect(r.Validate()).To(HaveOccurred())
	})

	It("computes warmup_for_tf as the max across features on that tf", func() {
		f1 := &registry.Feature{ID: "ema9", TF: backtest.TF15m, Kind: registry.KindIndicator,
			IndicatorType: "ema", Params: map[string]any{"length": 9.0}}
		f2 := &registry.Feature{ID: "ema21", TF: backtest.TF15m, Kind: registry.KindIndicator,
			IndicatorType: "ema", Params: map[string]any{"length": 21.0}}
		Expect(r.Add(f1)).To(Succeed())
		Expect(r.Add(f2)).To(Succeed())
		Expect(r.Validate()).To(Succeed())
		w, err := r.GetWarmupForTF(backtest.TF15m)
		Expect(err).NotTo(HaveOccurred())
		Expect(w).To(Equal(21))
	})

	It("propagates dependency warmup through structures", func() {
		base := &registry.Feature{ID: "ema9", TF: backtest.TF15m, Kind: registry.KindIndicator,
			IndicatorType: "ema", Params: map[string]any{"length": 9.0}}
		piv := &registry.Feature{ID: "piv", TF: backtest.TF15m, Kind: registry.KindStructure,
			StructureType: "pivot", Params: map[string]any{"left": 2, "right": 2}, Uses: []string{"ema9"}}
		Expect(r.Add(base)).To(Succeed())
		Expect(r.Add(piv)).To(Succeed())
		Expect(r.Validate()).To(Succeed())
		w, err := r.GetWarmupForTF(backtest.TF15m)
		Expect(err).NotTo(HaveOccurred())
		Expect(w).To(Equal(25)) // pivot warmup 5*(2+2+1)=25 dominates ema's 9
	})
})
