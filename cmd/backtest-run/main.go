// Copyright (c) 2025 Neomantra Corp
//
// backtest-run drives a declarative Play through the deterministic
// backtest engine: load history, compile the Play, run the hot loop, and
// write the run artifacts.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	backtest "github.com/tradeforge/perpbacktest"
	"github.com/tradeforge/perpbacktest/engine"
	"github.com/tradeforge/perpbacktest/exchange"
	"github.com/tradeforge/perpbacktest/feed"
	"github.com/tradeforge/perpbacktest/historydb"
	"github.com/tradeforge/perpbacktest/internal/indicators"
	"github.com/tradeforge/perpbacktest/internal/tui"
	"github.com/tradeforge/perpbacktest/play"
	"github.com/tradeforge/perpbacktest/report"
)

///////////////////////////////////////////////////////////////////////////////

var (
	playFile string

	startTimeArg string
	endTimeArg   string

	duckdbPath    string
	httpBaseURL   string
	syntheticSeed uint64

	outputDir     string
	emitSidecar   bool
	includeEquity bool

	useTUI  bool
	verbose bool
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&playFile, "play", "p", "", "Play file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	runCmd.Flags().StringVarP(&startTimeArg, "start", "s", "", "Start of the trading window, RFC 3339 (e.g. 2024-01-01T00:00:00Z)")
	runCmd.Flags().StringVarP(&endTimeArg, "end", "e", "", "End of the trading window, RFC 3339")
	runCmd.Flags().StringVarP(&duckdbPath, "db", "d", "", "DuckDB candle store path")
	runCmd.Flags().StringVarP(&httpBaseURL, "http", "", "", "Kline REST endpoint base URL (e.g. https://fapi.binance.com)")
	runCmd.Flags().Uint64VarP(&syntheticSeed, "synthetic", "", 0, "Run against a deterministic synthetic price path with this seed")
	runCmd.Flags().StringVarP(&outputDir, "out", "o", "", "Directory for run artifacts (default: no artifacts, summary only)")
	runCmd.Flags().BoolVarP(&emitSidecar, "equity-sidecar", "", false, "Write the equity curve as a gzip JSON sidecar")
	runCmd.Flags().BoolVarP(&includeEquity, "include-equity", "", false, "Embed the full equity curve in the result document")
	runCmd.Flags().BoolVarP(&useTUI, "tui", "t", false, "Show the live run dashboard")
	rootCmd.AddCommand(runCmd)

	rootCmd.AddCommand(validatePlayCmd)

	docsCmd.PersistentFlags().StringVarP(&docsOutputDir, "output", "o", "./docs", "Output directory for generated docs")
	docsCmd.PersistentFlags().BoolVarP(&docsEnableAutoGenTag, "enableAutoGenTag", "", false, "Enable the auto-generation timestamp footer")
	docsCmd.PersistentFlags().BoolVarP(&docsHugo, "hugo", "", false, "Generate Hugo-compatible markdown")
	docsCmd.AddCommand(docsMarkdownCmd)
	docsCmd.AddCommand(docsManCmd)
	rootCmd.AddCommand(docsCmd)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

///////////////////////////////////////////////////////////////////////////////

var rootCmd = &cobra.Command{
	Use:   "backtest-run",
	Short: "backtest-run executes declarative Plays against historical perpetual-futures data",
	Long:  "backtest-run executes declarative Plays against historical perpetual-futures data",
}

var validatePlayCmd = &cobra.Command{
	Use:   "validate-play",
	Short: "Normalize and compile a Play, reporting every configuration error",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := requirePlay()
		if err != nil {
			return err
		}
		compiled, err := p.Compile(indicators.New(), indicators.NewStructures())
		if err != nil {
			return err
		}
		hash, err := p.Hash()
		if err != nil {
			return err
		}
		fmt.Printf("%s: ok\n", p.Doc.Name)
		fmt.Printf("  hash:     %s\n", hash)
		fmt.Printf("  symbol:   %s @ %s\n", p.Doc.Symbol, p.ExecTF)
		fmt.Printf("  features: %d\n", len(compiled.Registry.IDs()))
		fmt.Printf("  blocks:   %d (%d setups)\n", len(compiled.Blocks), len(compiled.Setups))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a Play over the requested window and emit artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := makeLogger()
		p, err := requirePlay()
		if err != nil {
			return err
		}
		compiled, err := p.Compile(indicators.New(), indicators.NewStructures())
		if err != nil {
			return err
		}
		start, end, err := requireWindow()
		if err != nil {
			return err
		}

		provider, funding, closeProvider, err := makeProvider(logger)
		if err != nil {
			return err
		}
		defer closeProvider()

		builder := &feed.Builder{OHLCV: provider, Indicators: indicators.New(), Structures: indicators.NewStructures(), TailBuffer: 2}
		built, err := builder.Build(p.Doc.Symbol, p.ExecTF, compiled.Registry, start, end)
		if err != nil {
			return err
		}

		var fundingSched engine.FundingProvider
		if funding != nil {
			events, err := funding.LoadFunding(p.Doc.Symbol, start, end)
			if err != nil {
				logger.Warn("funding history unavailable, running without funding", "error", err)
			} else {
				fundingSched = historydb.NewFundingSchedule(events)
			}
		}

		ex := exchange.New(compiled.ExchangeConfig, logger)
		hist := feed.NewHistory(compiled.HistoryDepth)
		eng := engine.New(p.Doc.Symbol, p.TFMap, compiled.Registry, built.Stores, built.SimStartIdx,
			ex, hist, compiled.Evaluator, compiled.Blocks, compiled.Risk, fundingSched, logger)

		res, err := runEngine(eng, p)
		if err != nil {
			return err
		}
		return emitArtifacts(p, res)
	},
}

// runEngine runs the hot loop, wrapped in the TUI dashboard when asked.
func runEngine(eng *engine.Engine, p *play.Play) (*engine.Result, error) {
	if !useTUI {
		return eng.Run()
	}
	events := make(chan engine.ProgressEvent, 64)
	feedFn, closeFn := tui.Feed(events)
	eng.Progress = feedFn

	var res *engine.Result
	var runErr error
	done := make(chan struct{})
	go func() {
		res, runErr = eng.Run()
		closeFn()
		close(done)
	}()
	if err := tui.Run(tui.Config{PlayName: p.Doc.Name, Symbol: p.Doc.Symbol, ExecTF: string(p.ExecTF)}, events); err != nil {
		return nil, err
	}
	<-done
	return res, runErr
}

// emitArtifacts writes the §6.4 run artifacts and prints a summary.
func emitArtifacts(p *play.Play, res *engine.Result) error {
	hash, err := p.Hash()
	if err != nil {
		return err
	}
	doc := report.BuildResultDocument(p.Doc.Name, hash, p.Doc.Symbol, p.ExecTF, res, includeEquity)

	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return err
		}
		if err := report.WriteResultJSON(filepath.Join(outputDir, "result.json"), doc); err != nil {
			return err
		}
		if err := report.WriteTradesParquet(filepath.Join(outputDir, "trades.parquet"), p.Doc.Symbol, res.Trades); err != nil {
			return err
		}
		if err := report.WriteEquityParquet(filepath.Join(outputDir, "equity.parquet"), res.EquityCurve); err != nil {
			return err
		}
		if emitSidecar {
			if err := report.WriteEquitySidecar(filepath.Join(outputDir, "equity.json.gz"), res.EquityCurve); err != nil {
				return err
			}
		}
	}

	m := doc.Metrics
	fmt.Printf("%s %s @ %s: %d bars, %d trades\n", p.Doc.Name, p.Doc.Symbol, p.ExecTF, m.BarsProcessed, m.TradeCount)
	fmt.Printf("  equity:   %s -> %s USDT\n",
		humanize.CommafWithDigits(m.StartEquity, 2), humanize.CommafWithDigits(m.FinalEquity, 2))
	fmt.Printf("  net pnl:  %s USDT (win rate %.1f%%, profit factor %.2f)\n",
		humanize.CommafWithDigits(m.NetPnL, 2), m.WinRate*100, m.ProfitFactor)
	fmt.Printf("  max dd:   %s USDT (%.2f%%)\n",
		humanize.CommafWithDigits(m.MaxDrawdown, 2), m.MaxDrawdownPct*100)
	if res.StopReason != backtest.StopNone {
		fmt.Printf("  stopped:  %s\n", res.StopReason)
	}
	if outputDir != "" {
		fmt.Printf("  artifacts: %s\n", outputDir)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////////

func requirePlay() (*play.Play, error) {
	if playFile == "" {
		return nil, fmt.Errorf("--play is required")
	}
	return play.Load(playFile)
}

func requireWindow() (time.Time, time.Time, error) {
	if startTimeArg == "" || endTimeArg == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--start and --end are required")
	}
	start, err := time.Parse(time.RFC3339, startTimeArg)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to parse --start as RFC 3339 time: %w", err)
	}
	end, err := time.Parse(time.RFC3339, endTimeArg)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to parse --end as RFC 3339 time: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--end must be after --start")
	}
	return start.UTC(), end.UTC(), nil
}

// makeProvider selects the history source: DuckDB store, HTTP endpoint, or
// the deterministic synthetic path. Exactly one must be chosen.
func makeProvider(logger *slog.Logger) (feed.OHLCVProvider, historydb.FundingLoader, func(), error) {
	chosen := 0
	for _, on := range []bool{duckdbPath != "", httpBaseURL != "", syntheticSeed != 0} {
		if on {
			chosen++
		}
	}
	if chosen != 1 {
		return nil, nil, nil, fmt.Errorf("exactly one of --db, --http, --synthetic must be set")
	}
	switch {
	case duckdbPath != "":
		store, err := historydb.OpenDuckDB(duckdbPath)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, func() { store.Close() }, nil
	case httpBaseURL != "":
		p := historydb.NewHTTPCandleProvider(httpBaseURL)
		return p, p, func() {}, nil
	default:
		p := historydb.NewSynthetic(syntheticSeed)
		logger.Info("using synthetic price path", "seed", syntheticSeed)
		return p, p, func() {}, nil
	}
}

func makeLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
