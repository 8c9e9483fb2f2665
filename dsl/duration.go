package dsl

import (
	"fmt"
	"strconv"
	"strings"

	backtest "github.com/tradeforge/perpbacktest"
)

// ParseDurationBars converts a duration string (`Nm | Nh | Nd`) to a bar
// count on anchorTF (bars = minutes / anchor_tf_minutes);
// rejects if the conversion is < 1 bar or exceeds WindowBarsCeiling.
func ParseDurationBars(duration string, anchorTF backtest.Timeframe) (int, error) {
	minutes, err := durationMinutes(duration)
	if err != nil {
		return 0, err
	}
	anchorMin, ok := anchorTF.Minutes()
	if !ok {
		return 0, &backtest.DslTypeError{Kind: backtest.ErrMalformedDuration, NodePath: duration, Detail: "unknown anchor timeframe"}
	}
	if minutes%anchorMin != 0 {
		return 0, &backtest.DslTypeError{
			Kind: backtest.ErrMalformedDuration, NodePath: duration,
			Detail: fmt.Sprintf("%dm does not divide evenly into anchor tf %s (%dm)", minutes, anchorTF, anchorMin),
		}
	}
	bars := minutes / anchorMin
	if bars < 1 || bars > backtest.WindowBarsCeiling {
		return 0, &backtest.DslTypeError{
			Kind: backtest.ErrWindowOutOfRange, NodePath: duration,
			Detail: fmt.Sprintf("resolves to %d bars, must be within [1, %d]", bars, backtest.WindowBarsCeiling),
		}
	}
	return bars, nil
}

func durationMinutes(duration string) (int, error) {
	if len(duration) < 2 {
		return 0, &backtest.DslTypeError{Kind: backtest.ErrMalformedDuration, NodePath: duration, Detail: "too short"}
	}
	unit := duration[len(duration)-1]
	numPart := duration[:len(duration)-1]
	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return 0, &backtest.DslTypeError{Kind: backtest.ErrMalformedDuration, NodePath: duration, Detail: "not a positive integer magnitude"}
	}
	switch strings.ToLower(string(unit)) {
	case "m":
		return n, nil
	case "h":
		return n * 60, nil
	case "d":
		return n * 1440, nil
	default:
		return 0, &backtest.DslTypeError{Kind: backtest.ErrMalformedDuration, NodePath: duration, Detail: "unit must be one of m, h, d"}
	}
}
