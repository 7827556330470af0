package operators

import (
	"fmt"
	"io"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

/*
Snapshot format

A snapshot is a plain Arrow IPC stream:

	schema message   (the fixed medical schema)
	record batch 0   (rows [0, chunk))
	record batch 1   (rows [chunk, 2*chunk))
	...
	end-of-stream

Any Arrow implementation can read it back. On read the schema is checked against the
in-memory medical schema before a single column is accepted, and the batches are
concatenated back into one RecordSet in stream order, so row order survives the round
trip.

The ingestion collaborator writes a snapshot once after a slow load (CSV parse, SQLite
scan, object-storage download) and later sessions start from it.
*/

// snapshotChunkRows bounds the size of each IPC record batch.
const snapshotChunkRows = 64 * 1024

type serializer struct {
	schema *arrow.Schema // schema is always attached to the serializer
	mem    memory.Allocator
}

func newSerializer() *serializer {
	return &serializer{
		schema: medicalSchema,
		mem:    memory.NewGoAllocator(),
	}
}

// WriteSnapshot streams rs to w in Arrow IPC format.
func WriteSnapshot(w io.Writer, rs *RecordSet) error {
	return newSerializer().write(w, rs)
}

// ReadSnapshot reads a RecordSet previously written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (*RecordSet, error) {
	return newSerializer().read(r)
}

func (ss *serializer) write(w io.Writer, rs *RecordSet) error {
	if !ss.schema.Equal(rs.Schema()) {
		return ErrInvalidSchema("serializer schema and record set schema are not aligned")
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(ss.schema), ipc.WithAllocator(ss.mem))
	for from := 0; from < rs.Len(); from += snapshotChunkRows {
		to := min(from+snapshotChunkRows, rs.Len())
		chunk := rs.Slice(from, to)
		rec := array.NewRecord(ss.schema, chunk.Batch().Columns, int64(to-from))
		err := writer.Write(rec)
		rec.Release()
		if err != nil {
			_ = writer.Close()
			return fmt.Errorf("write snapshot rows %d-%d: %w", from, to, err)
		}
	}
	return writer.Close()
}

func (ss *serializer) read(r io.Reader) (*RecordSet, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(ss.mem))
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer reader.Release()
	if !ss.schema.Equal(reader.Schema()) {
		return nil, ErrInvalidSchema(fmt.Sprintf("snapshot schema %s does not match %s", reader.Schema(), ss.schema))
	}

	chunks := make([][]arrow.Array, len(ss.schema.Fields()))
	for reader.Next() {
		rec := reader.Record()
		for i := range chunks {
			col := rec.Column(i)
			col.Retain()
			chunks[i] = append(chunks[i], col)
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	columns := make([]arrow.Array, len(chunks))
	for i, parts := range chunks {
		col, err := ss.concat(ss.schema.Field(i).Type, parts)
		ReleaseArrays(parts)
		if err != nil {
			return nil, err
		}
		columns[i] = col
	}
	rs, err := NewRecordSetFromColumns(columns)
	ReleaseArrays(columns)
	return rs, err
}

func (ss *serializer) concat(dt arrow.DataType, parts []arrow.Array) (arrow.Array, error) {
	if len(parts) == 0 {
		b := array.NewBuilder(ss.mem, dt)
		defer b.Release()
		return b.NewArray(), nil
	}
	return array.Concatenate(parts, ss.mem)
}
