// Copyright (c) 2025 Neomantra Corp

package historydb

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	backtest "github.com/tradeforge/perpbacktest"
)

// DuckDBCandleStore is an in-process columnar OHLCV cache implementing the
// Historical Data Provider contract (feed.OHLCVProvider plus
// FundingLoader) on top of an embedded DuckDB database. Pass "" as the
// path for a purely in-memory store.
type DuckDBCandleStore struct {
	db *sql.DB
}

// sqlLiteral escapes a string for use as a SQL string literal, preventing
// injection via embedded single quotes.
func sqlLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// OpenDuckDB opens (or creates) the store and ensures its schema.
func OpenDuckDB(path string) (*DuckDBCandleStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			symbol VARCHAR NOT NULL,
			tf VARCHAR NOT NULL,
			ts_open BIGINT NOT NULL,
			open DOUBLE NOT NULL,
			high DOUBLE NOT NULL,
			low DOUBLE NOT NULL,
			close DOUBLE NOT NULL,
			volume DOUBLE NOT NULL,
			PRIMARY KEY (symbol, tf, ts_open)
		)`,
		`CREATE TABLE IF NOT EXISTS funding (
			symbol VARCHAR NOT NULL,
			ts BIGINT NOT NULL,
			rate DOUBLE NOT NULL,
			PRIMARY KEY (symbol, ts)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &DuckDBCandleStore{db: db}, nil
}

// Close releases the underlying database.
func (s *DuckDBCandleStore) Close() error { return s.db.Close() }

// InsertBars upserts a batch of candles for one symbol/timeframe.
func (s *DuckDBCandleStore) InsertBars(symbol string, tf backtest.Timeframe, bars []backtest.Bar) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO candles
		(symbol, tf, ts_open, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, b := range bars {
		if _, err := stmt.Exec(symbol, string(tf), b.TsOpen.UnixMilli(),
			b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// InsertFunding upserts funding events for a symbol.
func (s *DuckDBCandleStore) InsertFunding(symbol string, events []FundingEvent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO funding (symbol, ts, rate) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, ev := range events {
		if _, err := stmt.Exec(symbol, ev.TsMs, ev.Rate); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LoadOHLCV implements feed.OHLCVProvider: ordered bars whose ts_open
// falls inside [start, end), validated gap-free before returning.
func (s *DuckDBCandleStore) LoadOHLCV(symbol string, tf backtest.Timeframe, start, end time.Time) ([]backtest.Bar, error) {
	mins, ok := tf.Minutes()
	if !ok {
		return nil, fmt.Errorf("%w: %q", backtest.ErrInvalidTimeframe, tf)
	}
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT ts_open, open, high, low, close, volume FROM candles
		 WHERE symbol = %s AND tf = %s AND ts_open >= ? AND ts_open < ?
		 ORDER BY ts_open`, sqlLiteral(symbol), sqlLiteral(string(tf))),
		start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dur := time.Duration(mins) * time.Minute
	var bars []backtest.Bar
	for rows.Next() {
		var tsOpen int64
		var open, high, low, closePx, volume float64
		if err := rows.Scan(&tsOpen, &open, &high, &low, &closePx, &volume); err != nil {
			return nil, err
		}
		ts := time.UnixMilli(tsOpen).UTC()
		bars = append(bars, backtest.Bar{
			Symbol: symbol, TF: tf,
			TsOpen: ts, TsClose: ts.Add(dur),
			Open: open, High: high, Low: low, Close: closePx, Volume: volume,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, &backtest.DataError{
			Kind: backtest.ErrGappedOHLCV, Symbol: symbol, TF: string(tf),
			Detail: fmt.Sprintf("no candles in [%s, %s)", start, end),
		}
	}
	if err := validateBars(symbol, tf, bars); err != nil {
		return nil, err
	}
	return bars, nil
}

// LoadFunding implements FundingLoader.
func (s *DuckDBCandleStore) LoadFunding(symbol string, start, end time.Time) ([]FundingEvent, error) {
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT ts, rate FROM funding WHERE symbol = %s AND ts >= ? AND ts < ? ORDER BY ts`,
		sqlLiteral(symbol)), start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []FundingEvent
	for rows.Next() {
		var ev FundingEvent
		if err := rows.Scan(&ev.TsMs, &ev.Rate); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
