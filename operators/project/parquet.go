package project

import (
	"context"
	"fmt"
	"io"

	"medquery-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/file"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
)

// ReadParquet loads a Parquet file holding the eight medical columns. Columns are matched
// by name; extra columns are ignored. Integer or float ages are cast to int64 and a
// fractional age fails the load. Large or dictionary encoded strings are cast to plain
// strings.
func ReadParquet(ctx context.Context, r parquet.ReaderAtSeeker, batchSize int, parallel bool) (*operators.RecordSet, error) {
	allocator := memory.NewGoAllocator()
	fileReader, err := file.NewParquetReader(r)
	if err != nil {
		return nil, &operators.MalformedRowError{Row: -1, Reason: "not a parquet file", Err: err}
	}
	defer fileReader.Close()

	arrowReader, err := pqarrow.NewFileReader(
		fileReader,
		pqarrow.ArrowReadProperties{Parallel: parallel, BatchSize: int64(max(batchSize, 1))},
		allocator,
	)
	if err != nil {
		return nil, err
	}
	tbl, err := arrowReader.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("read parquet table: %w", err)
	}
	defer tbl.Release()

	columns := make([]arrow.Array, 0, len(operators.Attributes()))
	defer func() { operators.ReleaseArrays(columns) }()
	for _, field := range operators.Schema().Fields() {
		idx := tbl.Schema().FieldIndices(field.Name)
		if len(idx) == 0 {
			return nil, &operators.MalformedRowError{Row: -1, Column: field.Name, Reason: "missing column"}
		}
		col, err := concatChunks(tbl.Column(idx[0]).Data().Chunks(), tbl.Column(idx[0]).DataType(), allocator)
		if err != nil {
			return nil, err
		}
		normalized, err := castColumn(ctx, col, field.Type)
		col.Release()
		if err != nil {
			return nil, &operators.MalformedRowError{Row: -1, Column: field.Name, Reason: "incompatible column type", Err: err}
		}
		columns = append(columns, normalized)
	}
	return operators.NewRecordSetFromColumns(columns)
}

// WriteParquet writes rs as one snappy compressed Parquet table. w is closed when it is
// an io.Closer.
func WriteParquet(w io.Writer, rs *operators.RecordSet, rowGroupRows int64) error {
	rec := array.NewRecord(rs.Schema(), rs.Batch().Columns, int64(rs.Len()))
	defer rec.Release()
	tbl := array.NewTableFromRecords(rs.Schema(), []arrow.Record{rec})
	defer tbl.Release()

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	if err := pqarrow.WriteTable(tbl, w, max(rowGroupRows, 1), props, pqarrow.DefaultWriterProps()); err != nil {
		return fmt.Errorf("write parquet: %w", err)
	}
	return nil
}

func concatChunks(chunks []arrow.Array, dt arrow.DataType, mem memory.Allocator) (arrow.Array, error) {
	switch len(chunks) {
	case 0:
		b := array.NewBuilder(mem, dt)
		defer b.Release()
		return b.NewArray(), nil
	case 1:
		chunks[0].Retain()
		return chunks[0], nil
	default:
		return array.Concatenate(chunks, mem)
	}
}

// castColumn converts col to want. The caller keeps ownership of col.
func castColumn(ctx context.Context, col arrow.Array, want arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(col.DataType(), want) {
		col.Retain()
		return col, nil
	}
	if dict, ok := col.(*array.Dictionary); ok {
		plain, err := compute.TakeArray(ctx, dict.Dictionary(), dict.Indices())
		if err != nil {
			return nil, err
		}
		defer plain.Release()
		return castColumn(ctx, plain, want)
	}
	return compute.CastArray(ctx, col, compute.SafeCastOptions(want))
}
