package project

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"medquery-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/stretchr/testify/require"
)

func sampleRecords(t *testing.T) *operators.RecordSet {
	t.Helper()
	rs, err := operators.NewRecordSet([]operators.Record{
		{Age: operators.Ptr(int64(34)), Gender: operators.Ptr("F"), Reaction: operators.Ptr("NAUSEA"), ProdAI: operators.Ptr("IBUPROFEN"), EventSeriousness: operators.Ptr("SERIOUS")},
		{Gender: operators.Ptr("M"), Reaction: operators.Ptr("RASH"), ProdAI: operators.Ptr("ASPIRIN")},
		{Age: operators.Ptr(int64(70)), Indication: operators.Ptr("PAIN"), AdverseEvent: operators.Ptr("1"), RpsrCod: operators.Ptr("EXP")},
	})
	require.NoError(t, err)
	return rs
}

func TestParquetRoundTrip(t *testing.T) {
	rs := sampleRecords(t)
	var buf bytes.Buffer
	require.NoError(t, WriteParquet(&buf, rs, 2))

	for _, parallel := range []bool{false, true} {
		got, err := ReadParquet(context.Background(), bytes.NewReader(buf.Bytes()), 2, parallel)
		require.NoError(t, err)
		require.True(t, rs.Equal(got))
	}
}

func TestReadParquetRejectsGarbage(t *testing.T) {
	_, err := ReadParquet(context.Background(), bytes.NewReader([]byte("definitely not parquet")), 16, false)
	var malformed *operators.MalformedRowError
	require.True(t, errors.As(err, &malformed))
	require.Equal(t, -1, malformed.Row)
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, ":memory:", "medical_data", nil)
	require.NoError(t, err)
	defer store.Close()

	rs := sampleRecords(t)
	require.NoError(t, store.WriteTable(ctx, rs))
	got, err := store.ReadTable(ctx)
	require.NoError(t, err)
	require.Equal(t, rs.Records(), got.Records())

	// writing again replaces the table rather than appending
	require.NoError(t, store.WriteTable(ctx, rs.Slice(0, 1)))
	got, err = store.ReadTable(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, got.Len())
}

func TestSQLiteAcceptsRealAges(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, ":memory:", "medical_data", nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.db.ExecContext(ctx, "INSERT INTO medical_data (age, gender) VALUES (41.0, 'F')")
	require.NoError(t, err)
	got, err := store.ReadTable(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(41), *got.Record(0).Age)

	_, err = store.db.ExecContext(ctx, "INSERT INTO medical_data (age) VALUES (41.5)")
	require.NoError(t, err)
	_, err = store.ReadTable(ctx)
	var malformed *operators.MalformedRowError
	require.True(t, errors.As(err, &malformed))
	require.Equal(t, 1, malformed.Row)
}

func TestOpenSQLiteRejectsBadTableName(t *testing.T) {
	_, err := OpenSQLite(context.Background(), ":memory:", "medical; DROP TABLE x", nil)
	require.Error(t, err)
}

func TestFormatFromPath(t *testing.T) {
	for path, want := range map[string]Format{
		"medical.csv":         FormatCSV,
		"dir/MEDICAL.CSV":     FormatCSV,
		"medical.parquet":     FormatParquet,
		"snap.arrow":          FormatArrow,
		"/var/lib/medical.db": FormatSQLite,
		"medical.sqlite3":     FormatSQLite,
	} {
		got, err := FormatFromPath(path)
		require.NoError(t, err, path)
		require.Equal(t, want, got, path)
	}
	_, err := FormatFromPath("medical.xlsx")
	require.Error(t, err)

	f, err := ParseFormat(" Parquet ")
	require.NoError(t, err)
	require.Equal(t, FormatParquet, f)
	_, err = ParseFormat("xml")
	require.Error(t, err)
}

func TestLoaderLoadFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rs := sampleRecords(t)
	l := &Loader{NullTokens: testNullTokens, ChunkRows: 2}

	t.Run("csv", func(t *testing.T) {
		path := filepath.Join(dir, "medical.csv")
		in := header + "\n34,F,NAUSEA,NA,NA,SERIOUS,NA,IBUPROFEN\n"
		require.NoError(t, os.WriteFile(path, []byte(in), 0o644))
		got, err := l.LoadFile(ctx, path, "")
		require.NoError(t, err)
		require.Equal(t, 1, got.Len())
	})

	t.Run("parquet", func(t *testing.T) {
		path := filepath.Join(dir, "medical.parquet")
		fh, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, WriteParquet(fh, rs, 64))
		fh.Close()
		got, err := l.LoadFile(ctx, path, "")
		require.NoError(t, err)
		require.True(t, rs.Equal(got))
	})

	t.Run("arrow snapshot", func(t *testing.T) {
		path := filepath.Join(dir, "medical.bin")
		var buf bytes.Buffer
		require.NoError(t, operators.WriteSnapshot(&buf, rs))
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
		got, err := l.LoadFile(ctx, path, FormatArrow)
		require.NoError(t, err)
		require.True(t, rs.Equal(got))
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(dir, "medical.db")
		store, err := OpenSQLite(ctx, path, "medical_data", nil)
		require.NoError(t, err)
		require.NoError(t, store.WriteTable(ctx, rs))
		require.NoError(t, store.Close())

		got, err := l.LoadFile(ctx, path, "")
		require.NoError(t, err)
		require.Equal(t, rs.Records(), got.Records())
	})

	t.Run("missing sqlite file is not created", func(t *testing.T) {
		path := filepath.Join(dir, "absent.db")
		_, err := l.LoadFile(ctx, path, "")
		require.Error(t, err)
		_, statErr := os.Stat(path)
		require.True(t, os.IsNotExist(statErr))
	})
}

// memStore is an in-memory ObjectStore.
type memStore map[string][]byte

func (m memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b, ok := m[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m memStore) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m[key] = b
	return nil
}

func TestLoaderLoadObject(t *testing.T) {
	ctx := context.Background()
	store := memStore{}
	rs := sampleRecords(t)
	var buf bytes.Buffer
	require.NoError(t, operators.WriteSnapshot(&buf, rs))
	require.NoError(t, store.Put(ctx, "snapshots/medical.arrow", bytes.NewReader(buf.Bytes()), int64(buf.Len())))

	l := &Loader{}
	got, err := l.LoadObject(ctx, store, "snapshots/medical.arrow", "")
	require.NoError(t, err)
	require.True(t, rs.Equal(got))

	l.MaxBytes = 8
	_, err = l.LoadObject(ctx, store, "snapshots/medical.arrow", "")
	require.ErrorIs(t, err, ErrObjectTooLarge)

	_, err = l.LoadObject(ctx, store, "medical.db", "")
	require.Error(t, err)
}

func TestProject(t *testing.T) {
	rs := sampleRecords(t)
	batch, err := Project(rs, PreviewColumns...)
	require.NoError(t, err)
	require.Equal(t, uint64(3), batch.RowCount)
	names := make([]string, 0, len(batch.Schema.Fields()))
	for _, f := range batch.Schema.Fields() {
		names = append(names, f.Name)
	}
	require.Equal(t, "prod_ai,age,reaction,adverse_event", strings.Join(names, ","))
	require.Equal(t, arrow.PrimitiveTypes.Int64, batch.Columns[1].DataType())

	_, err = Project(rs)
	require.Error(t, err)
}
