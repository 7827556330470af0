package project

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"medquery-go/operators"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Format names an on-disk encoding of the medical table.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatArrow   Format = "arrow"
	FormatSQLite  Format = "sqlite"
)

// ParseFormat accepts the format names used in config files.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatParquet, FormatArrow, FormatSQLite:
		return f, nil
	default:
		return "", fmt.Errorf("unknown data format %q", s)
	}
}

// FormatFromPath guesses the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".parquet", ".pq":
		return FormatParquet, nil
	case ".arrow", ".arrows", ".ipc":
		return FormatArrow, nil
	case ".db", ".sqlite", ".sqlite3":
		return FormatSQLite, nil
	default:
		return "", fmt.Errorf("cannot tell the format of %q, set data.format", path)
	}
}

// Loader turns a source file into a RecordSet. The zero value reads with no null
// tokens and default batch sizes.
type Loader struct {
	NullTokens []string
	ChunkRows  int
	Parallel   bool
	// Table is read from sqlite sources.
	Table string
	// MaxBytes caps object downloads; <= 0 means no cap.
	MaxBytes int64
	Logger   log.Logger
}

func (l *Loader) logger() log.Logger {
	if l.Logger == nil {
		return log.NewNopLogger()
	}
	return l.Logger
}

// LoadFile reads a local file. An empty format is derived from the path.
func (l *Loader) LoadFile(ctx context.Context, path string, format Format) (*operators.RecordSet, error) {
	if format == "" {
		f, err := FormatFromPath(path)
		if err != nil {
			return nil, err
		}
		format = f
	}
	start := time.Now()
	var (
		rs  *operators.RecordSet
		err error
	)
	if format == FormatSQLite {
		rs, err = l.loadSQLite(ctx, path)
	} else {
		var fh *os.File
		fh, err = os.Open(path)
		if err != nil {
			return nil, err
		}
		defer fh.Close()
		rs, err = l.read(ctx, fh, format)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	level.Info(l.logger()).Log("msg", "loaded records", "source", path, "format", format, "rows", rs.Len(), "took", time.Since(start))
	return rs, nil
}

// LoadObject downloads key from store and decodes it. SQLite sources cannot be read
// from object storage.
func (l *Loader) LoadObject(ctx context.Context, store ObjectStore, key string, format Format) (*operators.RecordSet, error) {
	if format == "" {
		f, err := FormatFromPath(key)
		if err != nil {
			return nil, err
		}
		format = f
	}
	if format == FormatSQLite {
		return nil, fmt.Errorf("load %s: sqlite sources must be local files", key)
	}
	start := time.Now()
	content, err := DownloadLimited(ctx, store, key, l.MaxBytes)
	if err != nil {
		return nil, err
	}
	level.Debug(l.logger()).Log("msg", "downloaded object", "key", key, "bytes", len(content))
	rs, err := l.Read(ctx, bytes.NewReader(content), format)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	level.Info(l.logger()).Log("msg", "loaded records", "source", key, "format", format, "rows", rs.Len(), "took", time.Since(start))
	return rs, nil
}

// Read decodes an in-memory source.
func (l *Loader) Read(ctx context.Context, r *bytes.Reader, format Format) (*operators.RecordSet, error) {
	if format == FormatSQLite {
		return nil, fmt.Errorf("sqlite sources must be opened by path")
	}
	return l.read(ctx, r, format)
}

type readSeekerAt interface {
	io.Reader
	io.ReaderAt
	io.Seeker
}

func (l *Loader) read(ctx context.Context, r readSeekerAt, format Format) (*operators.RecordSet, error) {
	switch format {
	case FormatCSV:
		return ReadCSV(r, l.NullTokens, l.ChunkRows)
	case FormatParquet:
		return ReadParquet(ctx, r, l.ChunkRows, l.Parallel)
	case FormatArrow:
		return operators.ReadSnapshot(r)
	default:
		return nil, fmt.Errorf("unknown data format %q", format)
	}
}

func (l *Loader) loadSQLite(ctx context.Context, path string) (*operators.RecordSet, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	table := l.Table
	if table == "" {
		table = "medical_data"
	}
	store, err := OpenSQLite(ctx, path, table, l.logger())
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.ReadTable(ctx)
}
