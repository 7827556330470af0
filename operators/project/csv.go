package project

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"medquery-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	arrowcsv "github.com/apache/arrow/go/v17/arrow/csv"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

// ReadCSV loads a CSV file whose header names the eight medical columns, in any order.
// Extra columns are ignored. Cells equal to one of nullTokens are missing values. Ages
// may be written as floats ("34.0") but must be whole and non-negative.
func ReadCSV(r io.Reader, nullTokens []string, chunkRows int) (*operators.RecordSet, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	header, err := csv.NewReader(bytes.NewReader(raw)).Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &operators.MalformedRowError{Row: -1, Reason: "empty input"}
		}
		return nil, &operators.MalformedRowError{Row: -1, Err: err}
	}
	positions, err := headerPositions(header)
	if err != nil {
		return nil, err
	}

	// every column is read as text; age is converted afterwards so bad values can be
	// reported with their row
	sb := operators.NewRecordBatchBuilder().SchemaBuilder
	for _, name := range header {
		sb.WithField(name, arrow.BinaryTypes.String, true)
	}
	schema := sb.Build()

	mem := memory.NewGoAllocator()
	rdr := arrowcsv.NewReader(bytes.NewReader(raw), schema,
		arrowcsv.WithHeader(true),
		arrowcsv.WithNullReader(true, nullTokens...),
		arrowcsv.WithChunk(max(chunkRows, 1)),
		arrowcsv.WithAllocator(mem),
	)
	defer rdr.Release()

	attrs := operators.Attributes()
	parts := make([][]arrow.Array, len(attrs))
	defer func() {
		for _, p := range parts {
			operators.ReleaseArrays(p)
		}
	}()
	rows := 0
	for rdr.Next() {
		rec := rdr.Record()
		for _, a := range attrs {
			col := rec.Column(positions[a])
			col.Retain()
			parts[a] = append(parts[a], col)
		}
		rows += int(rec.NumRows())
	}
	if err := rdr.Err(); err != nil {
		return nil, &operators.MalformedRowError{Row: rows, Reason: "unreadable csv record", Err: err}
	}

	columns := make([]arrow.Array, len(attrs))
	defer operators.ReleaseArrays(columns)
	for _, a := range attrs {
		text, err := concatStrings(parts[a], mem)
		if err != nil {
			return nil, err
		}
		if !a.Numeric() {
			columns[a] = text
			continue
		}
		ages, err := parseAges(text.(*array.String), mem)
		text.Release()
		if err != nil {
			return nil, err
		}
		columns[a] = ages
	}
	return operators.NewRecordSetFromColumns(columns)
}

// headerPositions maps each attribute to its column index.
func headerPositions(header []string) (map[operators.Attribute]int, error) {
	positions := make(map[operators.Attribute]int, len(header))
	for i, name := range header {
		a, err := operators.ParseAttribute(name)
		if err != nil {
			continue
		}
		if _, dup := positions[a]; dup {
			return nil, &operators.MalformedRowError{Row: -1, Column: name, Reason: "duplicate column"}
		}
		positions[a] = i
	}
	var missing []string
	for _, a := range operators.Attributes() {
		if _, ok := positions[a]; !ok {
			missing = append(missing, a.String())
		}
	}
	if len(missing) > 0 {
		return nil, &operators.MalformedRowError{Row: -1, Reason: "missing columns " + strings.Join(missing, ", ")}
	}
	return positions, nil
}

func concatStrings(parts []arrow.Array, mem memory.Allocator) (arrow.Array, error) {
	if len(parts) == 0 {
		b := array.NewStringBuilder(mem)
		defer b.Release()
		return b.NewArray(), nil
	}
	return array.Concatenate(parts, mem)
}

func parseAges(text *array.String, mem memory.Allocator) (arrow.Array, error) {
	b := array.NewInt64Builder(mem)
	defer b.Release()
	b.Reserve(text.Len())
	for i := 0; i < text.Len(); i++ {
		if text.IsNull(i) {
			b.AppendNull()
			continue
		}
		cell := strings.TrimSpace(text.Value(i))
		if cell == "" {
			b.AppendNull()
			continue
		}
		age, err := parseAge(cell)
		if err != nil {
			return nil, &operators.MalformedRowError{Row: i, Column: operators.Age.String(), Value: cell, Reason: err.Error()}
		}
		b.Append(age)
	}
	return b.NewArray(), nil
}

func parseAge(cell string) (int64, error) {
	if v, err := strconv.ParseInt(cell, 10, 64); err == nil {
		if v < 0 {
			return 0, errors.New("age must be non-negative")
		}
		return v, nil
	}
	f, err := strconv.ParseFloat(cell, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("not a number")
	}
	if f != math.Trunc(f) {
		return 0, errors.New("age must be a whole number")
	}
	if f < 0 {
		return 0, errors.New("age must be non-negative")
	}
	return int64(f), nil
}
