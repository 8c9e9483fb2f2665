// Copyright (c) 2025 Neomantra Corp

package main

import (
	"github.com/mark3labs/mcp-go/mcp"
	mcp_server "github.com/mark3labs/mcp-go/server"
)

///////////////////////////////////////////////////////////////////////////////

// registerTools registers all MCP tools with the server.
func registerTools(mcpServer *mcp_server.MCPServer) {
	// validate_play - pure validation, no data access
	mcpServer.AddTool(
		mcp.NewTool("validate_play",
			mcp.WithDescription("Normalizes and compiles a declarative Play document (YAML or JSON) without running it. Returns the canonical play hash, the declared features, and the compiled action blocks, or the first configuration error with its offending identifier. Use this to check a Play before spending time on run_backtest."),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithString("play",
				mcp.Required(),
				mcp.Description("The full Play document, YAML or JSON"),
			),
		),
		validatePlayHandler,
	)
	// run_backtest - deterministic run over stored or synthetic history
	mcpServer.AddTool(
		mcp.NewTool("run_backtest",
			mcp.WithDescription("Runs a Play through the deterministic backtest engine over [start, end) and returns the structured result document: metrics summary, trades, stop classification. History comes from the server's candle store when configured, otherwise from a deterministic synthetic price path selected by seed. Identical inputs always produce identical results."),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithString("play",
				mcp.Required(),
				mcp.Description("The full Play document, YAML or JSON"),
			),
			mcp.WithString("start",
				mcp.Required(),
				mcp.Description("Start of the trading window, RFC 3339 (e.g. 2024-01-01T00:00:00Z)"),
			),
			mcp.WithString("end",
				mcp.Required(),
				mcp.Description("End of the trading window, RFC 3339"),
			),
			mcp.WithNumber("seed",
				mcp.Description("Synthetic price path seed; used when the server has no candle store, or to force a synthetic run"),
			),
			mcp.WithBoolean("include_equity",
				mcp.Description("Embed the full equity curve in the result (default false; it can be large)"),
			),
		),
		runBacktestHandler,
	)
}
