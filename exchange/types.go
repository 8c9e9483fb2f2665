// Package exchange implements the simulated exchange: an
// isolated-margin USDT linear-perpetual simulator with deterministic fill
// rules, 1m-granular intrabar TP/SL resolution, stop-condition precedence,
// and invariant-preserving ledger accounting.
package exchange

import backtest "github.com/tradeforge/perpbacktest"

// FeeModel is the taker/maker fee schedule from a Play's account config.
type FeeModel struct {
	TakerBps float64
	MakerBps float64
}

// Fee computes the fee on a given notional at the taker rate:
// fee = notional * taker_bps / 10000.
func (m FeeModel) Fee(notional float64) float64 {
	return notional * m.TakerBps / 10000.0
}

// SLBeyondLiquidationPolicy controls what a fill does with a configured
// stop-loss that would sit beyond the position's liquidation price.
type SLBeyondLiquidationPolicy string

const (
	SLPolicyReject SLBeyondLiquidationPolicy = "reject"
	SLPolicyAdjust SLBeyondLiquidationPolicy = "adjust"
	SLPolicyWarn   SLBeyondLiquidationPolicy = "warn"
)

// Config is the exchange's static configuration, sourced from a Play's
// `account` and `risk` sections.
type Config struct {
	StartingEquity   float64
	MaxLeverage      float64
	IMR              float64 // initial margin rate = 1/MaxLeverage unless overridden
	MMR              float64 // maintenance margin rate
	MMDeduction      float64 // per-position maintenance margin deduction
	Fees             FeeModel
	SlippageBps      float64
	MinTradeNotional float64
	MaxNotional      float64
	StopEquityUSDT   float64
	MaxDrawdownPct   float64

	// IncludeEstCloseFeeInEntryGate reserves an estimated close fee
	// against available balance when gating new entries.
	IncludeEstCloseFeeInEntryGate bool
	SLBeyondLiquidationPolicy     SLBeyondLiquidationPolicy

	PositionPolicy PositionPolicyMode
	ExitMode       ExitMode

	// Trailing/BreakEven are stamped onto every opened position and
	// re-evaluated at each 1m step before the TP/SL tie-break.
	Trailing  TrailingConfig
	BreakEven BreakEvenConfig
}

// PositionPolicyMode restricts which sides the strategy may open.
type PositionPolicyMode string

const (
	PolicyLongOnly  PositionPolicyMode = "long_only"
	PolicyShortOnly PositionPolicyMode = "short_only"
	PolicyLongShort PositionPolicyMode = "long_short"
)

// ExitMode controls which exit mechanisms are active.
type ExitMode string

const (
	ExitSLTPOnly ExitMode = "sl_tp_only"
	ExitSignal   ExitMode = "signal"
	ExitFirstHit ExitMode = "first_hit"
)

// TrailingConfig activates a trailing stop after a configured R-multiple of
// favorable excursion.
type TrailingConfig struct {
	Enabled       bool
	ActivateAtR   float64
	TrailOffsetPct float64
}

// BreakEvenConfig moves SL to entry (plus a buffer) once a configured
// R-multiple is reached.
type BreakEvenConfig struct {
	Enabled     bool
	ActivateAtR float64
	BufferPct   float64
}

// OrderStatus is the pending-order lifecycle state.
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderFilled   OrderStatus = "filled"
	OrderRejected OrderStatus = "rejected"
	OrderCanceled OrderStatus = "canceled"
)

// Order is a pending entry order, at most one per symbol.
type Order struct {
	Side           backtest.Side
	SizeUSDT       float64
	StopLoss       *float64
	TakeProfit     *float64
	CreatedTsMs    int64
	Status         OrderStatus
	RejectionKind  error
	RejectionNote  string
}

// Position is the single open position for a symbol.
type Position struct {
	Side       backtest.Side
	SizeUSDT   float64
	Qty        float64
	EntryPrice float64
	EntryTsMs  int64
	StopLoss   *float64
	TakeProfit *float64

	Trailing   TrailingConfig
	BreakEven  BreakEvenConfig
	trailingArmed  bool
	breakEvenArmed bool
	peakFavorable  float64 // best favorable excursion in price units, for trailing

	EntryFee float64
	MAE, MFE float64 // running max adverse/favorable excursion in USDT
}

// UnrealizedPnL computes (mark - entry) * qty for a long, negated for a
// short.
func (p *Position) UnrealizedPnL(mark float64) float64 {
	if p == nil {
		return 0
	}
	pnl := (mark - p.EntryPrice) * p.Qty
	if p.Side == backtest.SideShort {
		pnl = -pnl
	}
	return pnl
}

// LiquidationPrice returns the mark price at which equity == maintenance
// margin, holding cash fixed; used to validate SL-beyond-liquidation when
// a pending order fills.
func (p *Position) LiquidationPrice(maintenanceMargin float64, cash float64) float64 {
	// equity = cash + unrealizedPnL(mark) == maintenanceMargin
	// For a long: cash + (mark-entry)*qty == mm  =>  mark = entry + (mm-cash)/qty
	if p.Qty == 0 {
		return 0
	}
	if p.Side == backtest.SideLong {
		return p.EntryPrice + (maintenanceMargin-cash)/p.Qty
	}
	return p.EntryPrice - (maintenanceMargin-cash)/p.Qty
}

// Ledger is the USDT account ledger.
type Ledger struct {
	Cash              float64
	UsedMargin        float64
	MaintenanceMargin float64
	PeakEquity        float64
}

// Equity returns cash + unrealized PnL at mark, the core ledger
// invariant: equity == cash + unrealized_pnl_mark.
func (l *Ledger) Equity(unrealizedPnL float64) float64 { return l.Cash + unrealizedPnL }

// FreeMargin returns equity - used_margin.
func (l *Ledger) FreeMargin(equity float64) float64 { return equity - l.UsedMargin }

// AvailableBalance returns max(0, free_margin).
func (l *Ledger) AvailableBalance(equity float64) float64 {
	fm := l.FreeMargin(equity)
	if fm < 0 {
		return 0
	}
	return fm
}

// ExitReason classifies why a Trade closed.
type ExitReason string

const (
	ExitTP               ExitReason = "take_profit"
	ExitSL               ExitReason = "stop_loss"
	ExitSignalClose      ExitReason = "signal"
	ExitForcedLiquidation ExitReason = "liquidated"
	ExitForcedStop       ExitReason = "terminal_stop"
)

// Trade is a closed position record.
type Trade struct {
	Symbol      string
	Side        backtest.Side
	EntryTsMs   int64
	ExitTsMs    int64
	EntryPrice  float64
	ExitPrice   float64
	Qty         float64
	EntryFee    float64
	ExitFee     float64
	MAE, MFE    float64
	NetPnL      float64
	ExitReason  ExitReason
}
