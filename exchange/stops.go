package exchange

import backtest "github.com/tradeforge/perpbacktest"

// CheckStops evaluates the stop conditions in precedence order —
// LIQUIDATED, EQUITY_FLOOR_HIT, MAX_DRAWDOWN_HIT, STRATEGY_STARVED — at
// the given mark price, and applies the resulting state transition. Must
// run after fills, before signal evaluation. Returns the resulting
// StopReason (StopNone if nothing
// fired) and the Trade force-closed on a terminal stop, if any.
func (e *Exchange) CheckStops(mark float64, tsMs int64) (backtest.StopReason, *Trade) {
	if e.state == backtest.RunTerminallyStopped {
		return e.stopReason, nil
	}
	equity := e.Equity(mark)
	if equity > e.ledger.PeakEquity {
		e.ledger.PeakEquity = equity
	}

	if equity <= e.ledger.MaintenanceMargin && e.position != nil {
		return e.terminate(backtest.StopLiquidated, mark, tsMs)
	}
	if equity <= e.cfg.StopEquityUSDT {
		return e.terminate(backtest.StopEquityFloorHit, mark, tsMs)
	}
	if e.cfg.MaxDrawdownPct > 0 && e.ledger.PeakEquity > 0 {
		drawdown := (e.ledger.PeakEquity - equity) / e.ledger.PeakEquity
		if drawdown >= e.cfg.MaxDrawdownPct {
			return e.terminate(backtest.StopMaxDrawdownHit, mark, tsMs)
		}
	}

	// Starved once the available balance cannot cover the minimum trade
	// notional itself (plus its estimated close fee when the entry gate
	// reserves one).
	required := e.cfg.MinTradeNotional
	if e.cfg.IncludeEstCloseFeeInEntryGate {
		required += e.cfg.Fees.Fee(e.cfg.MinTradeNotional)
	}
	if e.ledger.AvailableBalance(equity) < required {
		if !e.entriesDisabled {
			e.entriesDisabled = true
			e.CancelPending()
			e.state = backtest.RunStarved
			e.logger.Info("strategy starved: entries disabled", "equity", equity, "available", e.ledger.AvailableBalance(equity))
		}
		return backtest.StopStrategyStarved, nil
	}
	return backtest.StopNone, nil
}

func (e *Exchange) terminate(reason backtest.StopReason, mark float64, tsMs int64) (backtest.StopReason, *Trade) {
	e.CancelPending()
	exitReason := ExitForcedStop
	if reason == backtest.StopLiquidated {
		exitReason = ExitForcedLiquidation
	}
	trade := e.CloseAll(mark, tsMs, exitReason)
	e.state = backtest.RunTerminallyStopped
	e.stopReason = reason
	e.logger.Info("terminal stop", "reason", reason, "equity", e.Equity(mark))
	return reason, trade
}
