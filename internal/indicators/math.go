// Copyright (c) 2025 Neomantra Corp

package indicators

import "math"

// sma is a simple moving average; NaN until `length` values are seen.
func sma(src []float64, length int) []float64 {
	out := nanSlice(len(src))
	var sum float64
	for i, v := range src {
		sum += v
		if i >= length {
			sum -= src[i-length]
		}
		if i >= length-1 {
			out[i] = sum / float64(length)
		}
	}
	return out
}

// ema is an exponential moving average seeded with the SMA of the first
// `length` values; NaN until seeded.
func ema(src []float64, length int) []float64 {
	out := nanSlice(len(src))
	if len(src) < length {
		return out
	}
	var sum float64
	for i := 0; i < length; i++ {
		sum += src[i]
	}
	out[length-1] = sum / float64(length)
	k := 2.0 / float64(length+1)
	for i := length; i < len(src); i++ {
		out[i] = src[i]*k + out[i-1]*(1-k)
	}
	return out
}

// rsi is Wilder's relative strength index.
func rsi(src []float64, length int) []float64 {
	out := nanSlice(len(src))
	if len(src) <= length {
		return out
	}
	var gain, loss float64
	for i := 1; i <= length; i++ {
		d := src[i] - src[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(length)
	avgLoss := loss / float64(length)
	out[length] = rsiValue(avgGain, avgLoss)
	for i := length + 1; i < len(src); i++ {
		d := src[i] - src[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(length-1) + g) / float64(length)
		avgLoss = (avgLoss*float64(length-1) + l) / float64(length)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// trueRange at i uses the previous close; index 0 falls back to high-low.
func trueRange(high, low, close []float64, i int) float64 {
	if i == 0 {
		return high[0] - low[0]
	}
	tr := high[i] - low[i]
	if d := math.Abs(high[i] - close[i-1]); d > tr {
		tr = d
	}
	if d := math.Abs(low[i] - close[i-1]); d > tr {
		tr = d
	}
	return tr
}

// atr is Wilder's average true range.
func atr(high, low, close []float64, length int) []float64 {
	out := nanSlice(len(close))
	if len(close) <= length {
		return out
	}
	var sum float64
	for i := 1; i <= length; i++ {
		sum += trueRange(high, low, close, i)
	}
	out[length] = sum / float64(length)
	for i := length + 1; i < len(close); i++ {
		out[i] = (out[i-1]*float64(length-1) + trueRange(high, low, close, i)) / float64(length)
	}
	return out
}

// macd returns the MACD line, its signal EMA, and the histogram.
func macd(src []float64, fast, slow, signalLen int) (line, signal, hist []float64) {
	fastEma := ema(src, fast)
	slowEma := ema(src, slow)
	line = nanSlice(len(src))
	for i := range src {
		if !math.IsNaN(fastEma[i]) && !math.IsNaN(slowEma[i]) {
			line[i] = fastEma[i] - slowEma[i]
		}
	}
	// Signal is an EMA over the defined portion of the MACD line.
	signal = nanSlice(len(src))
	hist = nanSlice(len(src))
	start := slow - 1
	if start >= len(src) {
		return line, signal, hist
	}
	defined := line[start:]
	sigDefined := ema(defined, signalLen)
	for i, v := range sigDefined {
		signal[start+i] = v
		if !math.IsNaN(v) && !math.IsNaN(line[start+i]) {
			hist[start+i] = line[start+i] - v
		}
	}
	return line, signal, hist
}

// supertrend returns the long and short stop lines. Exactly one of the two
// is non-NaN at every warmed bar, which is what makes the pair a mutually
// exclusive output group for warmup detection.
func supertrend(high, low, close []float64, length int, multiplier float64) (long, short []float64) {
	n := len(close)
	long = nanSlice(n)
	short = nanSlice(n)
	atrCol := atr(high, low, close, length)

	var upper, lower float64
	dirUp := true
	seeded := false
	for i := 0; i < n; i++ {
		if math.IsNaN(atrCol[i]) {
			continue
		}
		mid := (high[i] + low[i]) / 2
		basicUpper := mid + multiplier*atrCol[i]
		basicLower := mid - multiplier*atrCol[i]
		if !seeded {
			upper, lower = basicUpper, basicLower
			dirUp = close[i] >= mid
			seeded = true
		} else {
			if basicLower > lower || close[i-1] < lower {
				lower = basicLower
			}
			if basicUpper < upper || close[i-1] > upper {
				upper = basicUpper
			}
			if dirUp && close[i] < lower {
				dirUp = false
				upper = basicUpper
			} else if !dirUp && close[i] > upper {
				dirUp = true
				lower = basicLower
			}
		}
		if dirUp {
			long[i] = lower
		} else {
			short[i] = upper
		}
	}
	return long, short
}
