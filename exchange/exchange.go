package exchange

import (
	"log/slog"

	backtest "github.com/tradeforge/perpbacktest"
)

// Exchange is the single-symbol simulated exchange. One instance is
// exclusively owned by a run.
type Exchange struct {
	cfg    Config
	logger *slog.Logger

	ledger   Ledger
	pending  *Order
	position *Position
	trades   []Trade
	rejects  []Order

	state          backtest.RunState
	stopReason     backtest.StopReason
	entriesDisabled bool
	lastMark       float64
}

// New constructs an Exchange with starting equity as cash, zero positions,
// running state.
func New(cfg Config, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Exchange{cfg: cfg, logger: logger, state: backtest.RunRunning}
	e.ledger.Cash = cfg.StartingEquity
	e.ledger.PeakEquity = cfg.StartingEquity
	return e
}

// Equity returns current equity at the given mark price.
func (e *Exchange) Equity(mark float64) float64 {
	return e.ledger.Equity(e.position.UnrealizedPnL(mark))
}

// Position returns the current open position, or nil.
func (e *Exchange) Position() *Position { return e.position }

// Pending returns the current pending order, or nil.
func (e *Exchange) Pending() *Order { return e.pending }

// State returns the exchange's coarse run state.
func (e *Exchange) State() backtest.RunState { return e.state }

// StopReason returns the terminal classification, or StopNone.
func (e *Exchange) StopReason() backtest.StopReason { return e.stopReason }

// Trades returns every closed trade so far, in close order.
func (e *Exchange) Trades() []Trade { return e.trades }

// LastMark returns the most recently observed mark price.
func (e *Exchange) LastMark() float64 { return e.lastMark }

// LedgerSnapshot returns a copy of the current ledger, for equity-curve
// recording and reporting.
func (e *Exchange) LedgerSnapshot() Ledger { return e.ledger }

// Rejections returns every rejected order submission so far.
func (e *Exchange) Rejections() []Order { return e.rejects }

// SubmitOrder attempts `None -> Pending`: rejected while a
// position or pending order already exists, or while entries are disabled
// (starvation), or on gating failures (balance, notional bounds). Recorded,
// not terminal. A stop-loss beyond liquidation is not checked here; the
// fill applies SLBeyondLiquidationPolicy to it.
func (e *Exchange) SubmitOrder(side backtest.Side, sizeUSDT float64, sl, tp *float64, tsMs int64) error {
	if e.state == backtest.RunTerminallyStopped {
		return nil
	}
	if e.entriesDisabled {
		e.reject(side, sizeUSDT, sl, tp, tsMs, backtest.ErrInsufficientBalance, "entries disabled: strategy starved")
		return nil
	}
	if e.position != nil || e.pending != nil {
		e.reject(side, sizeUSDT, sl, tp, tsMs, backtest.ErrMultiplePendingOrders, "a position or pending order already exists")
		return nil
	}
	if !e.sideAllowed(side) {
		e.reject(side, sizeUSDT, sl, tp, tsMs, backtest.ErrFlipNotAllowed, "side not allowed by position_policy")
		return nil
	}
	if e.cfg.MaxNotional > 0 && sizeUSDT > e.cfg.MaxNotional {
		e.reject(side, sizeUSDT, sl, tp, tsMs, backtest.ErrAboveMaxNotional, "above max_notional")
		return nil
	}
	if sizeUSDT < e.cfg.MinTradeNotional {
		e.reject(side, sizeUSDT, sl, tp, tsMs, backtest.ErrBelowMinNotional, "below min_trade_notional_usdt")
		return nil
	}
	requiredMargin := sizeUSDT * e.cfg.IMR
	gate := requiredMargin
	if e.cfg.IncludeEstCloseFeeInEntryGate {
		gate += e.cfg.Fees.Fee(sizeUSDT)
	}
	avail := e.ledger.AvailableBalance(e.ledger.Cash)
	if avail < gate {
		e.reject(side, sizeUSDT, sl, tp, tsMs, backtest.ErrInsufficientBalance, "available balance below required margin + gate")
		return nil
	}
	e.pending = &Order{Side: side, SizeUSDT: sizeUSDT, StopLoss: sl, TakeProfit: tp, CreatedTsMs: tsMs, Status: OrderPending}
	return nil
}

// SignalExitsAllowed reports whether the play's exit_mode lets strategy
// signals close positions. Under sl_tp_only the attached TP/SL (and
// terminal stops) are the only exit paths.
func (e *Exchange) SignalExitsAllowed() bool { return e.cfg.ExitMode != ExitSLTPOnly }

func (e *Exchange) sideAllowed(side backtest.Side) bool {
	switch e.cfg.PositionPolicy {
	case PolicyLongOnly:
		return side == backtest.SideLong
	case PolicyShortOnly:
		return side == backtest.SideShort
	default:
		return true
	}
}

func (e *Exchange) reject(side backtest.Side, size float64, sl, tp *float64, ts int64, kind error, detail string) {
	o := Order{Side: side, SizeUSDT: size, StopLoss: sl, TakeProfit: tp, CreatedTsMs: ts,
		Status: OrderRejected, RejectionKind: kind, RejectionNote: detail}
	e.rejects = append(e.rejects, o)
	e.logger.Debug("order rejected", "side", side, "size_usdt", size, "reason", detail)
}

// Step1m advances the exchange through exactly one 1m bar: fills any
// pending order at this bar's open, resolves TP/SL intrabar using this
// bar's high/low, and, when hasFunding is set, applies fundingRate. Returns
// the realized trade, if this tick closed one.
func (e *Exchange) Step1m(bar backtest.Bar, fundingRate float64, hasFunding bool) (*Trade, error) {
	e.lastMark = bar.Close

	if e.pending != nil && bar.TsOpen.UnixMilli() > e.pending.CreatedTsMs {
		e.fillPending(bar)
	}

	var realized *Trade
	if e.position != nil {
		if t := e.resolveIntrabar(bar); t != nil {
			realized = t
		}
	}

	if hasFunding && e.position != nil {
		e.applyFunding(fundingRate, bar.Close)
	}

	if e.position != nil {
		pnl := e.position.UnrealizedPnL(bar.Close)
		if -pnl > e.position.MAE {
			e.position.MAE = -pnl
		}
		if pnl > e.position.MFE {
			e.position.MFE = pnl
		}
		e.applyTrailingAndBreakEven(bar.Close)
	}
	return realized, nil
}

func (e *Exchange) fillPending(bar backtest.Bar) {
	o := e.pending
	slip := e.cfg.SlippageBps / 10000.0
	fillPx := bar.Open
	if o.Side == backtest.SideLong {
		fillPx *= 1 + slip
	} else {
		fillPx *= 1 - slip
	}
	if fillPx <= 0 {
		e.pending = nil
		return
	}
	qty := o.SizeUSDT / fillPx
	fee := e.cfg.Fees.Fee(o.SizeUSDT)
	e.ledger.Cash -= fee
	e.ledger.UsedMargin = o.SizeUSDT * e.cfg.IMR
	e.ledger.MaintenanceMargin = computeMM(o.SizeUSDT, e.cfg.MMR, e.cfg.MMDeduction)

	if o.StopLoss != nil {
		e.validateSLAgainstLiquidation(o, fillPx)
	}

	e.position = &Position{
		Side: o.Side, SizeUSDT: o.SizeUSDT, Qty: qty, EntryPrice: fillPx,
		EntryTsMs: bar.TsOpen.UnixMilli(), StopLoss: o.StopLoss, TakeProfit: o.TakeProfit,
		EntryFee: fee,
		Trailing: e.cfg.Trailing, BreakEven: e.cfg.BreakEven,
	}
	e.pending = nil
}

func computeMM(sizeUSDT, mmr, deduction float64) float64 {
	mm := sizeUSDT*mmr - deduction
	if mm < 0 {
		mm = 0
	}
	return mm
}

func (e *Exchange) validateSLAgainstLiquidation(o *Order, fillPx float64) {
	mm := computeMM(o.SizeUSDT, e.cfg.MMR, e.cfg.MMDeduction)
	qty := o.SizeUSDT / fillPx
	tempPos := &Position{Side: o.Side, EntryPrice: fillPx, Qty: qty}
	liqPx := tempPos.LiquidationPrice(mm, e.ledger.Cash)
	beyond := false
	if o.Side == backtest.SideLong {
		beyond = *o.StopLoss <= liqPx
	} else {
		beyond = *o.StopLoss >= liqPx
	}
	if !beyond {
		return
	}
	switch e.cfg.SLBeyondLiquidationPolicy {
	case SLPolicyAdjust:
		adj := liqPx
		o.StopLoss = &adj
	case SLPolicyWarn:
		e.logger.Warn("stop loss beyond liquidation price", "sl", *o.StopLoss, "liquidation_price", liqPx)
	default: // reject: drop the SL rather than the whole order, matching "adjust vs warn vs reject" policy enum
		o.StopLoss = nil
		e.logger.Warn("stop loss rejected: beyond liquidation price, dropped", "liquidation_price", liqPx)
	}
}

// resolveIntrabar applies the deterministic TP/SL tie-break rule to the
// current 1m bar's (high, low) range, and any armed
// trailing/break-even adjustment made on a prior tick. Returns the closed
// Trade if this tick closed the position.
func (e *Exchange) resolveIntrabar(bar backtest.Bar) *Trade {
	pos := e.position
	sl, tp := pos.StopLoss, pos.TakeProfit
	if sl == nil && tp == nil {
		return nil
	}

	slHit := sl != nil && priceHit(pos.Side, *sl, bar, true)
	tpHit := tp != nil && priceHit(pos.Side, *tp, bar, false)

	var exitPx float64
	var reason ExitReason
	switch {
	case slHit && tpHit:
		// Worst-case tie-break: SL wins.
		exitPx, reason = *sl, ExitSL
	case slHit:
		exitPx, reason = *sl, ExitSL
	case tpHit:
		exitPx, reason = *tp, ExitTP
	default:
		return nil
	}
	return e.closePosition(exitPx, bar.TsClose.UnixMilli(), reason)
}

// priceHit reports whether level lies inside bar's [low, high] range,
// which is sufficient for a limit-style fill at the exact level (no
// slippage).
func priceHit(side backtest.Side, level float64, bar backtest.Bar, isStop bool) bool {
	if side == backtest.SideLong {
		if isStop {
			return bar.Low <= level
		}
		return bar.High >= level
	}
	if isStop {
		return bar.High >= level
	}
	return bar.Low <= level
}

func (e *Exchange) closePosition(exitPx float64, exitTsMs int64, reason ExitReason) *Trade {
	pos := e.position
	notional := pos.Qty * exitPx
	fee := e.cfg.Fees.Fee(notional)
	pnl := pos.UnrealizedPnL(exitPx)
	e.ledger.Cash += pnl - fee
	e.ledger.UsedMargin = 0
	e.ledger.MaintenanceMargin = 0
	trade := Trade{
		Side: pos.Side, EntryTsMs: pos.EntryTsMs, ExitTsMs: exitTsMs,
		EntryPrice: pos.EntryPrice, ExitPrice: exitPx, Qty: pos.Qty,
		EntryFee: pos.EntryFee, ExitFee: fee, MAE: pos.MAE, MFE: pos.MFE,
		NetPnL: pnl - pos.EntryFee - fee, ExitReason: reason,
	}
	e.trades = append(e.trades, trade)
	e.position = nil
	return &e.trades[len(e.trades)-1]
}

// CloseAll force-closes any open position at the given mark price (e.g. an
// exit_all intent or a terminal stop), tagging the exit reason.
func (e *Exchange) CloseAll(mark float64, tsMs int64, reason ExitReason) *Trade {
	if e.position == nil {
		return nil
	}
	return e.closePosition(mark, tsMs, reason)
}

// CancelPending cancels any pending order without a fill, used on
// starvation and terminal stop.
func (e *Exchange) CancelPending() {
	if e.pending != nil {
		e.pending.Status = OrderCanceled
		e.pending = nil
	}
}

// applyFunding debits/credits cash for a long/short position at a funding
// event.
func (e *Exchange) applyFunding(rate, mark float64) {
	notional := e.position.Qty * mark
	payment := notional * rate
	if e.position.Side == backtest.SideLong {
		e.ledger.Cash -= payment
	} else {
		e.ledger.Cash += payment
	}
}

// applyTrailingAndBreakEven evaluates the position's trailing-stop and
// break-even configs against the current mark: both run during the 1m
// TP/SL intrabar step, before the
// TP/SL tie-break rule is applied on the *next* tick.
func (e *Exchange) applyTrailingAndBreakEven(mark float64) {
	pos := e.position
	rPnL := pos.UnrealizedPnL(mark)
	riskUSDT := pos.SizeUSDT * e.cfg.IMR // proxy for 1R in the absence of an explicit stop distance input
	rMultiple := 0.0
	if riskUSDT > 0 {
		rMultiple = rPnL / riskUSDT
	}

	if pos.BreakEven.Enabled && !pos.breakEvenArmed && rMultiple >= pos.BreakEven.ActivateAtR {
		be := pos.EntryPrice * (1 + signFor(pos.Side)*pos.BreakEven.BufferPct)
		pos.StopLoss = &be
		pos.breakEvenArmed = true
	}

	if pos.Trailing.Enabled && rMultiple >= pos.Trailing.ActivateAtR {
		if pos.Side == backtest.SideLong && mark > pos.peakFavorable {
			pos.peakFavorable = mark
		} else if pos.Side == backtest.SideShort && (pos.peakFavorable == 0 || mark < pos.peakFavorable) {
			pos.peakFavorable = mark
		}
		trail := pos.peakFavorable * (1 - signFor(pos.Side)*pos.Trailing.TrailOffsetPct)
		if pos.StopLoss == nil || (pos.Side == backtest.SideLong && trail > *pos.StopLoss) ||
			(pos.Side == backtest.SideShort && trail < *pos.StopLoss) {
			pos.StopLoss = &trail
		}
		pos.trailingArmed = true
	}
}

func signFor(side backtest.Side) float64 {
	if side == backtest.SideLong {
		return 1
	}
	return -1
}
