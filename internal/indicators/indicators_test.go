// Copyright (c) 2025 Neomantra Corp

package indicators

import (
	"math"
	"testing"
)

func TestSMA(t *testing.T) {
	src := []float64{1, 2, 3, 4, 5}
	out := sma(src, 3)
	if !math.IsNaN(out[0]) || !math.IsNaN(out[1]) {
		t.Errorf("sma should be NaN before warmup: %v", out[:2])
	}
	want := []float64{2, 3, 4}
	for i, w := range want {
		if out[i+2] != w {
			t.Errorf("sma[%d]: got %v, want %v", i+2, out[i+2], w)
		}
	}
}

func TestEMAWarmup(t *testing.T) {
	src := []float64{10, 10, 10, 10, 20}
	out := ema(src, 3)
	if !math.IsNaN(out[1]) {
		t.Errorf("ema defined before seed")
	}
	if out[2] != 10 {
		t.Errorf("ema seed: got %v, want 10", out[2])
	}
	// k = 0.5 at length 3: 20*0.5 + 10*0.5 = 15
	if out[4] != 15 {
		t.Errorf("ema[4]: got %v, want 15", out[4])
	}
}

func TestRSIExtremes(t *testing.T) {
	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = float64(i)
	}
	out := rsi(rising, 14)
	if out[19] != 100 {
		t.Errorf("monotonic rise should pin rsi at 100, got %v", out[19])
	}
	if !math.IsNaN(out[13]) {
		t.Errorf("rsi defined before warmup")
	}
}

func TestMACDShape(t *testing.T) {
	src := make([]float64, 60)
	for i := range src {
		src[i] = 100 + float64(i)
	}
	line, signal, hist := macd(src, 12, 26, 9)
	if !math.IsNaN(line[24]) {
		t.Errorf("macd line defined before slow warmup")
	}
	lastIdx := len(src) - 1
	if math.IsNaN(line[lastIdx]) || math.IsNaN(signal[lastIdx]) || math.IsNaN(hist[lastIdx]) {
		t.Errorf("macd outputs NaN after warmup")
	}
	if got := hist[lastIdx]; math.Abs(got-(line[lastIdx]-signal[lastIdx])) > 1e-12 {
		t.Errorf("hist != line - signal: %v", got)
	}
}

func TestSupertrendMutualExclusion(t *testing.T) {
	n := 80
	high := make([]float64, n)
	low := make([]float64, n)
	close := make([]float64, n)
	for i := 0; i < n; i++ {
		base := 100 + 5*math.Sin(float64(i)/7)
		high[i] = base + 1
		low[i] = base - 1
		close[i] = base
	}
	long, short := supertrend(high, low, close, 10, 3)
	for i := 12; i < n; i++ {
		longDefined := !math.IsNaN(long[i])
		shortDefined := !math.IsNaN(short[i])
		if longDefined == shortDefined {
			t.Fatalf("bar %d: exactly one of long/short must be defined (long=%v short=%v)", i, long[i], short[i])
		}
	}
}

func TestProviderContract(t *testing.T) {
	p := New()
	if !p.IsSupported("ema") || p.IsSupported("vwap") {
		t.Errorf("catalog membership wrong")
	}
	if err := p.ValidateParams("ema", map[string]any{"length": 9}); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
	if err := p.ValidateParams("ema", map[string]any{}); err == nil {
		t.Errorf("missing length accepted")
	}
	w, err := p.GetWarmupBars("rsi", map[string]any{"length": 14})
	if err != nil || w != 15 {
		t.Errorf("rsi warmup: got %d, %v", w, err)
	}
	if got := p.GetOutputSuffixes("macd"); len(got) != 3 {
		t.Errorf("macd suffixes: %v", got)
	}
	groups := p.GetMutuallyExclusiveGroups([]string{"st_long", "st_short", "ema_fast"})
	if len(groups) != 1 || len(groups[0]) != 2 {
		t.Errorf("exclusive groups: %v", groups)
	}
}

func TestComputeKeysBySuffix(t *testing.T) {
	p := New()
	src := make([]float64, 40)
	for i := range src {
		src[i] = float64(i)
	}
	out, err := p.Compute("ema", map[string][]float64{"input": src}, map[string]any{"length": 9})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if _, ok := out[""]; !ok {
		t.Errorf("single-output indicator must key by empty suffix: %v", out)
	}

	out, err = p.Compute("macd", map[string][]float64{"input": src}, map[string]any{"fast": 5, "slow": 10, "signal": 3})
	if err != nil {
		t.Fatalf("compute macd: %v", err)
	}
	for _, suffix := range []string{"macd", "signal", "hist"} {
		if len(out[suffix]) != len(src) {
			t.Errorf("macd output %q wrong length", suffix)
		}
	}
}

func TestStructuresContract(t *testing.T) {
	s := NewStructures()
	if !s.IsSupported("pivot_high") || s.IsSupported("channel") {
		t.Errorf("structure catalog wrong")
	}
	w, err := s.GetWarmup("pivot_high", map[string]any{"left": 3, "right": 3})
	if err != nil || w != 35 {
		t.Errorf("pivot warmup: got %d, want 35 (5*(3+3+1))", w)
	}
	if kinds := s.AllowedDependencyKinds("swing"); len(kinds) != 1 {
		t.Errorf("swing deps: %v", kinds)
	}
	if fields := s.GetOutputFields("pivot_high"); fields[""] != "FLOAT" {
		t.Errorf("pivot_high fields: %v", fields)
	}
	if fields := s.GetOutputFields("swing"); fields[""] != "INT" {
		t.Errorf("swing fields: %v", fields)
	}
}

func TestPivotLevels(t *testing.T) {
	highs := []float64{1, 2, 5, 2, 1, 3, 8, 3, 1}
	out := pivotLevels(highs, 2, 2, true)
	// The pivot at index 2 (value 5) confirms two bars later, at index 4;
	// the pivot at index 6 (value 8) confirms at index 8.
	for i := 0; i < 4; i++ {
		if !math.IsNaN(out[i]) {
			t.Errorf("out[%d] should be NaN before the first confirmation, got %v", i, out[i])
		}
	}
	for i := 4; i < 8; i++ {
		if out[i] != 5 {
			t.Errorf("out[%d]: got %v, want 5", i, out[i])
		}
	}
	if out[8] != 8 {
		t.Errorf("out[8]: got %v, want 8", out[8])
	}

	lows := []float64{5, 4, 1, 4, 5, 3, 0, 3, 5}
	outLow := pivotLevels(lows, 2, 2, false)
	if outLow[4] != 1 || outLow[8] != 0 {
		t.Errorf("pivot lows: %v", outLow)
	}

	// A flat series has no strict extreme, so the column stays NaN.
	flat := pivotLevels([]float64{3, 3, 3, 3, 3, 3}, 2, 2, true)
	for i, v := range flat {
		if !math.IsNaN(v) {
			t.Errorf("flat[%d] should be NaN, got %v", i, v)
		}
	}
}

func TestSwingDirection(t *testing.T) {
	highs := []float64{nan, nan, 5, 5, 9, 9}
	lows := []float64{nan, 1, 1, 1, 1, 2}
	out := swingDirection(highs, lows)
	want := []float64{nan, 1, -1, -1, -1, 1}
	for i := range want {
		if math.IsNaN(want[i]) {
			if !math.IsNaN(out[i]) {
				t.Errorf("out[%d]: got %v, want NaN", i, out[i])
			}
			continue
		}
		if out[i] != want[i] {
			t.Errorf("out[%d]: got %v, want %v", i, out[i], want[i])
		}
	}
}

func TestStructureComputeWithDeps(t *testing.T) {
	s := NewStructures()
	inputs := map[string][]float64{
		"open": make([]float64, 6), "close": make([]float64, 6), "volume": make([]float64, 6),
		"high": {1, 2, 5, 2, 1, 1},
		"low":  {0, 1, 4, 1, 0, 0},
	}
	phOut, err := s.Compute("pivot_high", inputs, nil, nil, map[string]any{"left": 2, "right": 2})
	if err != nil {
		t.Fatalf("pivot_high compute: %v", err)
	}
	plOut, err := s.Compute("pivot_low", inputs, nil, nil, map[string]any{"left": 2, "right": 2})
	if err != nil {
		t.Fatalf("pivot_low compute: %v", err)
	}

	deps := map[string]map[string][]float64{"ph": phOut, "pl": plOut}
	out, err := s.Compute("swing", inputs, []string{"ph", "pl"}, deps, map[string]any{"left": 2, "right": 2})
	if err != nil {
		t.Fatalf("swing compute: %v", err)
	}
	if len(out[""]) != 6 {
		t.Errorf("swing column wrong length: %d", len(out[""]))
	}
	// The high pivot at index 2 confirms at index 4: direction turns -1.
	if out[""][4] != -1 {
		t.Errorf("swing[4]: got %v, want -1", out[""][4])
	}

	if _, err := s.Compute("swing", inputs, []string{"ph"}, deps, map[string]any{"left": 2, "right": 2}); err == nil {
		t.Errorf("swing with a single dependency should be rejected")
	}
}
