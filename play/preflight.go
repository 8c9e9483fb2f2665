// Copyright (c) 2025 Neomantra Corp

package play

import (
	"fmt"
	"strings"

	"github.com/valyala/fastjson"

	backtest "github.com/tradeforge/perpbacktest"
)

// Preflight runs a fast structural pass over a JSON-encoded Play before
// the full decode: required sections present, symbol/timeframe shape,
// positive account numbers. It exists to reject obviously malformed
// documents cheaply; Normalize remains the authority on validity.
func Preflight(data []byte) error {
	var parser fastjson.Parser
	v, err := parser.ParseBytes(data)
	if err != nil {
		return preflightErr("document", fmt.Sprintf("not valid JSON: %v", err))
	}

	for _, section := range []string{"name", "symbol", "tf", "account", "features", "actions", "risk"} {
		if !v.Exists(section) {
			return preflightErr(section, "required section is missing")
		}
	}

	symbol := string(v.GetStringBytes("symbol"))
	if !strings.HasSuffix(symbol, "USDT") || symbol == "USDT" {
		return preflightErr("symbol", fmt.Sprintf("%q is not USDT-quoted", symbol))
	}
	if tf := backtest.Timeframe(v.GetStringBytes("tf")); !tf.Valid() {
		return preflightErr("tf", fmt.Sprintf("%q is not a canonical timeframe", tf))
	}

	account := v.Get("account")
	for _, field := range []string{"starting_equity_usdt", "max_leverage", "max_drawdown_pct"} {
		if account.GetFloat64(field) <= 0 {
			return preflightErr("account."+field, "must be a positive number")
		}
	}
	if mode := account.GetStringBytes("margin_mode"); len(mode) > 0 && string(mode) != DefaultMarginMode {
		return preflightErr("account.margin_mode", fmt.Sprintf("got %q, only %q is accepted", mode, DefaultMarginMode))
	}

	risk := v.Get("risk")
	for _, field := range []string{"stop_loss_pct", "take_profit_pct", "max_position_pct"} {
		if risk.GetFloat64(field) <= 0 {
			return preflightErr("risk."+field, "must be a positive number")
		}
	}
	return nil
}

func preflightErr(path, detail string) error {
	return &backtest.ConfigurationError{Kind: backtest.ErrInvalidPlayField, ID: path, Detail: detail}
}
