// Copyright (c) 2025 Neomantra Corp

// Package report emits the run artifacts: a trades table, an equity
// curve, a metrics summary, and a structured result document. Values are
// deterministic; the formats here (parquet tables, JSON documents,
// compressed sidecars) are one concrete choice.
package report

import (
	"fmt"

	"github.com/segmentio/encoding/json"

	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/engine"
	"github.com/tradeforge/perpbacktest/exchange"
)

// ResultDocument is the structured per-run result.
type ResultDocument struct {
	PlayName string `json:"play_name"`
	PlayHash string `json:"play_hash"`
	Symbol   string `json:"symbol"`
	ExecTF   string `json:"exec_tf"`

	StartTs int64 `json:"start_ts_ms"`
	EndTs   int64 `json:"end_ts_ms"`

	FinalState string `json:"final_state"`
	StopReason string `json:"stop_reason,omitempty"`

	Metrics Metrics `json:"metrics"`

	Trades      []TradeRecord `json:"trades"`
	EquityCurve []EquityRecord `json:"equity_curve,omitempty"`

	Rejections []RejectionRecord `json:"rejections,omitempty"`
}

// TradeRecord is one closed trade in the result document.
type TradeRecord struct {
	Side       string  `json:"side"`
	EntryTsMs  int64   `json:"entry_ts_ms"`
	ExitTsMs   int64   `json:"exit_ts_ms"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	Qty        float64 `json:"qty"`
	EntryFee   float64 `json:"entry_fee"`
	ExitFee    float64 `json:"exit_fee"`
	MAE        float64 `json:"mae"`
	MFE        float64 `json:"mfe"`
	NetPnL     float64 `json:"net_pnl"`
	ExitReason string  `json:"exit_reason"`
}

// EquityRecord is one bar-close account point.
type EquityRecord struct {
	TsMs              int64   `json:"ts_ms"`
	Equity            float64 `json:"equity"`
	Cash              float64 `json:"cash"`
	UsedMargin        float64 `json:"used_margin"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
}

// RejectionRecord is one recorded (non-terminal) order rejection.
type RejectionRecord struct {
	Side     string  `json:"side"`
	SizeUSDT float64 `json:"size_usdt"`
	TsMs     int64   `json:"ts_ms"`
	Reason   string  `json:"reason"`
}

// BuildResultDocument assembles the result document from a completed run.
// includeEquity controls whether the (potentially large) equity curve is
// embedded; when false the curve belongs in its own sidecar artifact.
func BuildResultDocument(playName, playHash, symbol string, execTF backtest.Timeframe, res *engine.Result, includeEquity bool) *ResultDocument {
	doc := &ResultDocument{
		PlayName:   playName,
		PlayHash:   playHash,
		Symbol:     symbol,
		ExecTF:     string(execTF),
		FinalState: string(res.FinalState),
		StopReason: string(res.StopReason),
		Metrics:    ComputeMetrics(res),
	}
	if n := len(res.EquityCurve); n > 0 {
		doc.StartTs = res.EquityCurve[0].TsMs
		doc.EndTs = res.EquityCurve[n-1].TsMs
	}
	doc.Trades = make([]TradeRecord, 0, len(res.Trades))
	for _, t := range res.Trades {
		doc.Trades = append(doc.Trades, TradeRecord{
			Side: string(t.Side), EntryTsMs: t.EntryTsMs, ExitTsMs: t.ExitTsMs,
			EntryPrice: t.EntryPrice, ExitPrice: t.ExitPrice, Qty: t.Qty,
			EntryFee: t.EntryFee, ExitFee: t.ExitFee, MAE: t.MAE, MFE: t.MFE,
			NetPnL: t.NetPnL, ExitReason: string(t.ExitReason),
		})
	}
	if includeEquity {
		doc.EquityCurve = equityRecords(res.EquityCurve)
	}
	for _, r := range res.Rejections {
		doc.Rejections = append(doc.Rejections, rejectionRecord(r))
	}
	return doc
}

func equityRecords(curve []engine.EquityPoint) []EquityRecord {
	out := make([]EquityRecord, 0, len(curve))
	for _, pt := range curve {
		out = append(out, EquityRecord{
			TsMs: pt.TsMs, Equity: pt.Equity, Cash: pt.Cash,
			UsedMargin: pt.UsedMargin, MaintenanceMargin: pt.MaintenanceMargin,
		})
	}
	return out
}

func rejectionRecord(o exchange.Order) RejectionRecord {
	reason := o.RejectionNote
	if o.RejectionKind != nil {
		reason = o.RejectionKind.Error() + ": " + o.RejectionNote
	}
	return RejectionRecord{
		Side: string(o.Side), SizeUSDT: o.SizeUSDT, TsMs: o.CreatedTsMs, Reason: reason,
	}
}

// WriteResultJSON writes the result document to destFile ("-" for stdout),
// compressed when the filename asks for it.
func WriteResultJSON(destFile string, doc *ResultDocument) error {
	writer, closer, err := MakeCompressedWriter(destFile, false)
	if err != nil {
		return fmt.Errorf("failed to create writer %w", err)
	}
	defer closer()

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

// WriteEquitySidecar writes the equity curve alone as a compressed JSON
// sidecar next to a result document that omitted it.
func WriteEquitySidecar(destFile string, curve []engine.EquityPoint) error {
	writer, closer, err := MakeCompressedWriter(destFile, false)
	if err != nil {
		return fmt.Errorf("failed to create writer %w", err)
	}
	defer closer()
	return json.NewEncoder(writer).Encode(equityRecords(curve))
}
