// Copyright (c) 2025 Neomantra Corp

package report

import (
	"github.com/tradeforge/perpbacktest/engine"
)

// Metrics is the per-run summary. All monetary fields are
// USDT; ratios are unitless.
type Metrics struct {
	TradeCount   int     `json:"trade_count"`
	WinCount     int     `json:"win_count"`
	LossCount    int     `json:"loss_count"`
	WinRate      float64 `json:"win_rate"`
	NetPnL       float64 `json:"net_pnl_usdt"`
	GrossProfit  float64 `json:"gross_profit_usdt"`
	GrossLoss    float64 `json:"gross_loss_usdt"`
	ProfitFactor float64 `json:"profit_factor"`
	TotalFees    float64 `json:"total_fees_usdt"`

	StartEquity    float64 `json:"start_equity_usdt"`
	FinalEquity    float64 `json:"final_equity_usdt"`
	PeakEquity     float64 `json:"peak_equity_usdt"`
	MaxDrawdown    float64 `json:"max_drawdown_usdt"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`

	AvgMAE float64 `json:"avg_mae_usdt"`
	AvgMFE float64 `json:"avg_mfe_usdt"`

	RejectionCount int `json:"rejection_count"`
	BarsProcessed  int `json:"bars_processed"`
}

// ComputeMetrics summarizes a completed run.
func ComputeMetrics(res *engine.Result) Metrics {
	var m Metrics
	m.TradeCount = len(res.Trades)
	m.RejectionCount = len(res.Rejections)
	m.BarsProcessed = res.BarsProcessed

	var maeSum, mfeSum float64
	for _, t := range res.Trades {
		m.NetPnL += t.NetPnL
		m.TotalFees += t.EntryFee + t.ExitFee
		if t.NetPnL > 0 {
			m.WinCount++
			m.GrossProfit += t.NetPnL
		} else {
			m.LossCount++
			m.GrossLoss -= t.NetPnL
		}
		maeSum += t.MAE
		mfeSum += t.MFE
	}
	if m.TradeCount > 0 {
		m.WinRate = float64(m.WinCount) / float64(m.TradeCount)
		m.AvgMAE = maeSum / float64(m.TradeCount)
		m.AvgMFE = mfeSum / float64(m.TradeCount)
	}
	if m.GrossLoss > 0 {
		m.ProfitFactor = m.GrossProfit / m.GrossLoss
	}

	if len(res.EquityCurve) > 0 {
		m.StartEquity = res.EquityCurve[0].Equity
		m.FinalEquity = res.EquityCurve[len(res.EquityCurve)-1].Equity
		peak := m.StartEquity
		for _, pt := range res.EquityCurve {
			if pt.Equity > peak {
				peak = pt.Equity
			}
			dd := peak - pt.Equity
			if dd > m.MaxDrawdown {
				m.MaxDrawdown = dd
				if peak > 0 {
					m.MaxDrawdownPct = dd / peak
				}
			}
		}
		m.PeakEquity = peak
	}
	return m
}
