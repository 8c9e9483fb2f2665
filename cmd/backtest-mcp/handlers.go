// Copyright (c) 2025 Neomantra Corp

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tradeforge/perpbacktest/engine"
	"github.com/tradeforge/perpbacktest/exchange"
	"github.com/tradeforge/perpbacktest/feed"
	"github.com/tradeforge/perpbacktest/historydb"
	"github.com/tradeforge/perpbacktest/internal/indicators"
	"github.com/tradeforge/perpbacktest/play"
	"github.com/tradeforge/perpbacktest/report"
)

///////////////////////////////////////////////////////////////////////////////

func validatePlayHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	playText, err := request.RequireString("play")
	if err != nil {
		return mcp.NewToolResultError("play must be set"), nil
	}

	p, compiled, err := compilePlay(playText)
	if err != nil {
		return mcp.NewToolResultErrorf("play validation failed: %s", err), nil
	}
	hash, err := p.Hash()
	if err != nil {
		return mcp.NewToolResultErrorf("failed to hash play: %s", err), nil
	}

	result := map[string]any{
		"name":     p.Doc.Name,
		"hash":     hash,
		"symbol":   p.Doc.Symbol,
		"exec_tf":  string(p.ExecTF),
		"features": compiled.Registry.IDs(),
		"blocks":   len(compiled.Blocks),
		"setups":   len(compiled.Setups),
	}
	jbytes, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultErrorf("failed to marshal results: %s", err), nil
	}

	logger.Info("validate_play", "name", p.Doc.Name, "hash", hash)
	return mcp.NewToolResultText(string(jbytes)), nil
}

func runBacktestHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	playText, err := request.RequireString("play")
	if err != nil {
		return mcp.NewToolResultError("play must be set"), nil
	}
	start, end, errResult := parseWindow(request)
	if errResult != nil {
		return errResult, nil
	}

	p, compiled, err := compilePlay(playText)
	if err != nil {
		return mcp.NewToolResultErrorf("play validation failed: %s", err), nil
	}

	seed := request.GetFloat("seed", 0)
	provider, funding, closeProvider, err := selectProvider(uint64(seed))
	if err != nil {
		return mcp.NewToolResultErrorf("no history source: %s", err), nil
	}
	defer closeProvider()

	builder := &feed.Builder{OHLCV: provider, Indicators: indicators.New(), Structures: indicators.NewStructures(), TailBuffer: 2}
	built, err := builder.Build(p.Doc.Symbol, p.ExecTF, compiled.Registry, start, end)
	if err != nil {
		return mcp.NewToolResultErrorf("feed build failed: %s", err), nil
	}
	if config.MaxBars > 0 {
		if n := built.Stores[p.ExecTF].Len(); n > config.MaxBars {
			return mcp.NewToolResultErrorf("window spans %d exec bars, server cap is %d", n, config.MaxBars), nil
		}
	}

	var fundingSched engine.FundingProvider
	if events, err := funding.LoadFunding(p.Doc.Symbol, start, end); err == nil {
		fundingSched = historydb.NewFundingSchedule(events)
	}

	ex := exchange.New(compiled.ExchangeConfig, logger)
	hist := feed.NewHistory(compiled.HistoryDepth)
	eng := engine.New(p.Doc.Symbol, p.TFMap, compiled.Registry, built.Stores, built.SimStartIdx,
		ex, hist, compiled.Evaluator, compiled.Blocks, compiled.Risk, fundingSched, logger)

	res, err := eng.Run()
	if err != nil {
		return mcp.NewToolResultErrorf("run failed: %s", err), nil
	}

	hash, _ := p.Hash()
	doc := report.BuildResultDocument(p.Doc.Name, hash, p.Doc.Symbol, p.ExecTF, res,
		request.GetBool("include_equity", false))
	jbytes, err := json.Marshal(doc)
	if err != nil {
		return mcp.NewToolResultErrorf("failed to marshal results: %s", err), nil
	}

	logger.Info("run_backtest", "name", p.Doc.Name, "bars", res.BarsProcessed,
		"trades", len(res.Trades), "stop", res.StopReason)
	return mcp.NewToolResultText(string(jbytes)), nil
}

///////////////////////////////////////////////////////////////////////////////

func compilePlay(playText string) (*play.Play, *play.Compiled, error) {
	doc, err := play.Parse([]byte(playText))
	if err != nil {
		return nil, nil, err
	}
	p, err := play.Normalize(doc)
	if err != nil {
		return nil, nil, err
	}
	compiled, err := p.Compile(indicators.New(), indicators.NewStructures())
	if err != nil {
		return nil, nil, err
	}
	return p, compiled, nil
}

func parseWindow(request mcp.CallToolRequest) (time.Time, time.Time, *mcp.CallToolResult) {
	startStr, err := request.RequireString("start")
	if err != nil {
		return time.Time{}, time.Time{}, mcp.NewToolResultError("start must be set")
	}
	endStr, err := request.RequireString("end")
	if err != nil {
		return time.Time{}, time.Time{}, mcp.NewToolResultError("end must be set")
	}
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, mcp.NewToolResultErrorf("failed to parse start as RFC 3339 time: %s", err)
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, mcp.NewToolResultErrorf("failed to parse end as RFC 3339 time: %s", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, mcp.NewToolResultError("end must be after start")
	}
	return start.UTC(), end.UTC(), nil
}

// selectProvider prefers the configured DuckDB store; a non-zero seed
// selects the deterministic synthetic path. With no store configured, seed
// 0 is an error.
func selectProvider(seed uint64) (feed.OHLCVProvider, historydb.FundingLoader, func(), error) {
	if config.DuckDBPath != "" && seed == 0 {
		store, err := historydb.OpenDuckDB(config.DuckDBPath)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() { store.Close() }, nil
	}
	if seed == 0 {
		return nil, nil, nil, fmt.Errorf("server has no candle store; pass a seed for a synthetic run")
	}
	p := historydb.NewSynthetic(seed)
	return p, p, func() {}, nil
}
