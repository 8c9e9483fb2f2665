// Copyright (c) 2024 Neomantra Corp

package backtest

import "fmt"

// Sentinel errors for the semantic error kinds of the backtest core. Wrap
// these with fmt.Errorf("...: %w", Err...) so callers can still errors.Is
// against the kind while attaching the offending identifier.
var (
	// ConfigurationError kind (fails at Play normalization, before the hot loop).
	ErrDuplicateFeatureID         = fmt.Errorf("duplicate feature id")
	ErrUnknownIndicatorType       = fmt.Errorf("unknown indicator type")
	ErrInvalidIndicatorParams     = fmt.Errorf("invalid indicator params")
	ErrUnknownStructureType       = fmt.Errorf("unknown structure type")
	ErrDanglingDependency         = fmt.Errorf("dangling feature dependency")
	ErrIncompatibleDependencyKind = fmt.Errorf("incompatible structure dependency kind")
	ErrInvalidSymbol              = fmt.Errorf("symbol is not a USDT-quoted linear perpetual")
	ErrInvalidTimeframe           = fmt.Errorf("timeframe is not in the canonical set")
	ErrCircularSetupReference     = fmt.Errorf("circular setup reference")
	ErrUnknownSetupReference      = fmt.Errorf("unknown setup reference")
	ErrInvalidMarginMode          = fmt.Errorf("margin_mode must be isolated_usdt")
	ErrInvalidPlayField           = fmt.Errorf("missing or invalid play field")

	// DataError kind.
	ErrGappedOHLCV        = fmt.Errorf("gap in ohlcv window")
	ErrInsufficientWarmup = fmt.Errorf("insufficient warmup history")
	ErrNaNAtTradingStart  = fmt.Errorf("required indicator column is NaN at trading start")

	// DslTypeError kind (fails at parse/normalize time).
	ErrIncompatibleOperatorType = fmt.Errorf("operator applied to incompatible output type")
	ErrWindowOutOfRange         = fmt.Errorf("window bar count out of range")
	ErrMalformedDuration        = fmt.Errorf("malformed duration string")
	ErrOffsetExceedsHistory     = fmt.Errorf("offset exceeds configured history depth")

	// RuntimeInvariantViolation kind (crash-loud, should never happen).
	ErrSnapshotTsCloseDrift  = fmt.Errorf("snapshot ts_close drift")
	ErrArrayLengthMismatch   = fmt.Errorf("feed store array length mismatch")
	ErrImmutableFeedWrite    = fmt.Errorf("write attempted on an immutable feed store")
	ErrForwardFillRegressed  = fmt.Errorf("higher timeframe index moved backward")
	ErrMultiplePositions     = fmt.Errorf("more than one open position for symbol")
	ErrMultiplePendingOrders = fmt.Errorf("more than one pending order for symbol")

	// RejectedOrder kind (recoverable, recorded).
	ErrInsufficientBalance = fmt.Errorf("insufficient balance")
	ErrBelowMinNotional    = fmt.Errorf("order below minimum trade notional")
	ErrAboveMaxNotional    = fmt.Errorf("order above maximum notional")
	ErrSLBeyondLiquidation = fmt.Errorf("stop loss beyond liquidation price")
	ErrFlipNotAllowed      = fmt.Errorf("position flip not allowed by policy")
)

// ConfigurationError reports a Play normalization failure. It always names
// the offending identifier and the expected set so the caller can repair the
// Play without re-reading engine internals.
type ConfigurationError struct {
	Kind     error  // one of the Err* sentinels above
	ID       string // feature id, block id, or field path
	Expected string // the supported/expected set, human readable
	Detail   string
}

func (e *ConfigurationError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("configuration error: %s (%s): %s", e.Kind, e.ID, e.Detail)
	}
	return fmt.Sprintf("configuration error: %s (%s): %s (expected one of: %s)", e.Kind, e.ID, e.Detail, e.Expected)
}

func (e *ConfigurationError) Unwrap() error { return e.Kind }

// DataError reports a problem with the historical OHLCV/feature data feeding
// a run. DataErrors, like ConfigurationErrors, are raised before the hot loop
// starts.
type DataError struct {
	Kind   error
	Symbol string
	TF     string
	Detail string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("data error: %s (%s %s): %s", e.Kind, e.Symbol, e.TF, e.Detail)
}

func (e *DataError) Unwrap() error { return e.Kind }

// DslTypeError reports an operator/type mismatch or malformed window/duration
// caught during DSL parse or normalize, before any bar is processed.
type DslTypeError struct {
	Kind     error
	NodePath string // e.g. "blocks[entry].cases[0].when"
	Detail   string
}

func (e *DslTypeError) Error() string {
	return fmt.Sprintf("dsl type error: %s (%s): %s", e.Kind, e.NodePath, e.Detail)
}

func (e *DslTypeError) Unwrap() error { return e.Kind }

// RuntimeInvariantViolation signals a broken invariant inside the hot loop.
// It is always a programming error, never a normal outcome, and callers
// should treat it as a crash-loud panic-equivalent (the hot loop halts the
// run and surfaces this as a fatal error rather than a recoverable outcome).
type RuntimeInvariantViolation struct {
	Kind    error
	Context string
	Detail  string
}

func (e *RuntimeInvariantViolation) Error() string {
	return fmt.Sprintf("runtime invariant violation: %s (%s): %s", e.Kind, e.Context, e.Detail)
}

func (e *RuntimeInvariantViolation) Unwrap() error { return e.Kind }

// RejectedOrderDetail reports why the exchange rejected an order submission.
// Rejections are recoverable and recorded, not propagated as Go errors.
type RejectedOrderDetail struct {
	Kind   error
	Detail string
}

func (e *RejectedOrderDetail) Error() string {
	return fmt.Sprintf("order rejected: %s: %s", e.Kind, e.Detail)
}

func (e *RejectedOrderDetail) Unwrap() error { return e.Kind }

func unexpectedArrayLength(name string, got, want int) error {
	return &RuntimeInvariantViolation{
		Kind:    ErrArrayLengthMismatch,
		Context: name,
		Detail:  fmt.Sprintf("expected %d elements, got %d", want, got),
	}
}
