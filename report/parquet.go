// Copyright (c) 2025 Neomantra Corp

package report

import (
	"fmt"

	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	pqfile "github.com/apache/arrow-go/v18/parquet/file"
	pqschema "github.com/apache/arrow-go/v18/parquet/schema"

	"github.com/tradeforge/perpbacktest/engine"
	"github.com/tradeforge/perpbacktest/exchange"
)

// WriteTradesParquet writes the run's trades table to destFile (zstd'd if
// the filename asks for it).
func WriteTradesParquet(destFile string, symbol string, trades []exchange.Trade) error {
	outfile, outfileCloser, err := MakeCompressedWriter(destFile, false)
	if err != nil {
		return fmt.Errorf("failed to create writer %w", err)
	}
	defer outfileCloser()

	pwProperties := parquet.NewWriterProperties(
		parquet.WithVersion(parquet.V2_LATEST),
		parquet.WithCompression(compress.Codecs.Snappy))

	pw := pqfile.NewParquetWriter(outfile, parquetGroupNodeTrades(), pqfile.WithWriterProps(pwProperties))
	defer pw.Close()

	rgw := pw.AppendBufferedRowGroup()
	for i := range trades {
		if err := parquetWriteRowTrade(rgw, symbol, &trades[i]); err != nil {
			return err
		}
	}
	if err := rgw.Close(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// WriteEquityParquet writes the equity/account curve to destFile.
func WriteEquityParquet(destFile string, curve []engine.EquityPoint) error {
	outfile, outfileCloser, err := MakeCompressedWriter(destFile, false)
	if err != nil {
		return fmt.Errorf("failed to create writer %w", err)
	}
	defer outfileCloser()

	pwProperties := parquet.NewWriterProperties(
		parquet.WithVersion(parquet.V2_LATEST),
		parquet.WithCompression(compress.Codecs.Snappy))

	pw := pqfile.NewParquetWriter(outfile, parquetGroupNodeEquity(), pqfile.WithWriterProps(pwProperties))
	defer pw.Close()

	rgw := pw.AppendBufferedRowGroup()
	for i := range curve {
		if err := parquetWriteRowEquity(rgw, &curve[i]); err != nil {
			return err
		}
	}
	if err := rgw.Close(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////////

// parquetGroupNodeTrades returns the Parquet Schema's Group Node for the
// trades table.
//
// optional binary field_id=-1 symbol (String);
// optional binary field_id=-1 side (String);
// optional int64 field_id=-1 entry_ts (Timestamp(isAdjustedToUTC=true, timeUnit=milliseconds));
// optional int64 field_id=-1 exit_ts (Timestamp(isAdjustedToUTC=true, timeUnit=milliseconds));
// optional double field_id=-1 entry_price;
// optional double field_id=-1 exit_price;
// optional double field_id=-1 qty;
// optional double field_id=-1 entry_fee;
// optional double field_id=-1 exit_fee;
// optional double field_id=-1 mae;
// optional double field_id=-1 mfe;
// optional double field_id=-1 net_pnl;
// optional binary field_id=-1 exit_reason (String);
func parquetGroupNodeTrades() *pqschema.GroupNode {
	return pqschema.MustGroup(pqschema.NewGroupNode("schema", parquet.Repetitions.Required, pqschema.FieldList{
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("symbol", parquet.Repetitions.Optional, parquet.Types.ByteArray, pqschema.ConvertedTypes.UTF8, 0, 0, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("side", parquet.Repetitions.Optional, parquet.Types.ByteArray, pqschema.ConvertedTypes.UTF8, 0, 0, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("entry_ts", parquet.Repetitions.Optional, pqschema.NewTimestampLogicalType(true, pqschema.TimeUnitMillis), parquet.Types.Int64, 0, -1)),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("exit_ts", parquet.Repetitions.Optional, pqschema.NewTimestampLogicalType(true, pqschema.TimeUnitMillis), parquet.Types.Int64, 0, -1)),
		pqschema.NewFloat64Node("entry_price", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("exit_price", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("qty", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("entry_fee", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("exit_fee", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("mae", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("mfe", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("net_pnl", parquet.Repetitions.Optional, -1),
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeConverted("exit_reason", parquet.Repetitions.Optional, parquet.Types.ByteArray, pqschema.ConvertedTypes.UTF8, 0, 0, 0, -1)),
	}, -1))
}

func parquetWriteRowTrade(rgw pqfile.BufferedRowGroupWriter, symbol string, t *exchange.Trade) error {
	cw, _ := rgw.Column(0)
	cw.(*pqfile.ByteArrayColumnChunkWriter).WriteBatch([]parquet.ByteArray{parquet.ByteArray(symbol)}, []int16{1}, nil)
	cw, _ = rgw.Column(1)
	cw.(*pqfile.ByteArrayColumnChunkWriter).WriteBatch([]parquet.ByteArray{parquet.ByteArray(t.Side)}, []int16{1}, nil)
	cw, _ = rgw.Column(2)
	cw.(*pqfile.Int64ColumnChunkWriter).WriteBatch([]int64{t.EntryTsMs}, []int16{1}, nil)
	cw, _ = rgw.Column(3)
	cw.(*pqfile.Int64ColumnChunkWriter).WriteBatch([]int64{t.ExitTsMs}, []int16{1}, nil)
	cw, _ = rgw.Column(4)
	cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{t.EntryPrice}, []int16{1}, nil)
	cw, _ = rgw.Column(5)
	cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{t.ExitPrice}, []int16{1}, nil)
	cw, _ = rgw.Column(6)
	cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{t.Qty}, []int16{1}, nil)
	cw, _ = rgw.Column(7)
	cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{t.EntryFee}, []int16{1}, nil)
	cw, _ = rgw.Column(8)
	cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{t.ExitFee}, []int16{1}, nil)
	cw, _ = rgw.Column(9)
	cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{t.MAE}, []int16{1}, nil)
	cw, _ = rgw.Column(10)
	cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{t.MFE}, []int16{1}, nil)
	cw, _ = rgw.Column(11)
	cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{t.NetPnL}, []int16{1}, nil)
	cw, _ = rgw.Column(12)
	cw.(*pqfile.ByteArrayColumnChunkWriter).WriteBatch([]parquet.ByteArray{parquet.ByteArray(t.ExitReason)}, []int16{1}, nil)
	return nil
}

// parquetGroupNodeEquity returns the Parquet Schema's Group Node for the
// equity/account curve.
//
// optional int64 field_id=-1 ts (Timestamp(isAdjustedToUTC=true, timeUnit=milliseconds));
// optional double field_id=-1 equity;
// optional double field_id=-1 cash;
// optional double field_id=-1 used_margin;
// optional double field_id=-1 maintenance_margin;
func parquetGroupNodeEquity() *pqschema.GroupNode {
	return pqschema.MustGroup(pqschema.NewGroupNode("schema", parquet.Repetitions.Required, pqschema.FieldList{
		pqschema.MustPrimitive(pqschema.NewPrimitiveNodeLogical("ts", parquet.Repetitions.Optional, pqschema.NewTimestampLogicalType(true, pqschema.TimeUnitMillis), parquet.Types.Int64, 0, -1)),
		pqschema.NewFloat64Node("equity", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("cash", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("used_margin", parquet.Repetitions.Optional, -1),
		pqschema.NewFloat64Node("maintenance_margin", parquet.Repetitions.Optional, -1),
	}, -1))
}

func parquetWriteRowEquity(rgw pqfile.BufferedRowGroupWriter, pt *engine.EquityPoint) error {
	cw, _ := rgw.Column(0)
	cw.(*pqfile.Int64ColumnChunkWriter).WriteBatch([]int64{pt.TsMs}, []int16{1}, nil)
	cw, _ = rgw.Column(1)
	cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{pt.Equity}, []int16{1}, nil)
	cw, _ = rgw.Column(2)
	cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{pt.Cash}, []int16{1}, nil)
	cw, _ = rgw.Column(3)
	cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{pt.UsedMargin}, []int16{1}, nil)
	cw, _ = rgw.Column(4)
	cw.(*pqfile.Float64ColumnChunkWriter).WriteBatch([]float64{pt.MaintenanceMargin}, []int16{1}, nil)
	return nil
}
