package project

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"strings"

	"medquery-go/operators"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	_ "github.com/mattn/go-sqlite3"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteStore keeps a RecordSet in one sqlite table laid out like the medical schema.
type SQLiteStore struct {
	db     *sql.DB
	table  string
	logger log.Logger
}

// OpenSQLite opens (creating if needed) the database at dsn. ":memory:" gives a private
// in-memory database.
func OpenSQLite(ctx context.Context, dsn, table string, logger log.Logger) (*SQLiteStore, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		// every connection to :memory: is a different database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &SQLiteStore{db: db, table: table, logger: log.With(logger, "component", "sqlite", "table", table)}
	if err := s.ensureTable(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) ensureTable(ctx context.Context, db execer) error {
	defs := make([]string, 0, len(operators.Attributes()))
	for _, a := range operators.Attributes() {
		typ := "TEXT"
		if a.Numeric() {
			typ = "INTEGER"
		}
		defs = append(defs, a.String()+" "+typ)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.table, strings.Join(defs, ", "))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func columnList() string {
	names := make([]string, 0, len(operators.Attributes()))
	for _, a := range operators.Attributes() {
		names = append(names, a.String())
	}
	return strings.Join(names, ", ")
}

// WriteTable replaces the table contents with rs, in one transaction.
func (s *SQLiteStore) WriteTable(ctx context.Context, rs *operators.RecordSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+s.table); err != nil {
		return fmt.Errorf("clear %s: %w", s.table, err)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(operators.Attributes())), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.table, columnList(), placeholders))
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := make([]any, len(operators.Attributes()))
	for i := 0; i < rs.Len(); i++ {
		for _, a := range operators.Attributes() {
			v, ok := rs.Value(i, a)
			switch {
			case !ok:
				args[a] = nil
			case a.Numeric():
				args[a] = rs.Ages().Value(i)
			default:
				args[a] = v
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	level.Info(s.logger).Log("msg", "wrote table", "rows", rs.Len())
	return nil
}

// ReadTable loads the whole table in insertion order. A REAL age column, as written by
// tools that store missing integers as floats, is accepted when every value is whole.
func (s *SQLiteStore) ReadTable(ctx context.Context) (*operators.RecordSet, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", columnList(), s.table))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	defer rows.Close()

	var records []operators.Record
	for row := 0; rows.Next(); row++ {
		var age sql.NullFloat64
		cats := make([]sql.NullString, len(operators.CategoricalAttributes()))
		dest := []any{&age}
		for i := range cats {
			dest = append(dest, &cats[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, &operators.MalformedRowError{Row: row, Err: err}
		}
		var rec operators.Record
		if age.Valid {
			if age.Float64 != math.Trunc(age.Float64) {
				return nil, &operators.MalformedRowError{Row: row, Column: operators.Age.String(), Value: fmt.Sprint(age.Float64), Reason: "age must be a whole number"}
			}
			rec.Age = operators.Ptr(int64(age.Float64))
		}
		for i, a := range operators.CategoricalAttributes() {
			if cats[i].Valid {
				rec.Set(a, operators.Ptr(cats[i].String))
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rs, err := operators.NewRecordSet(records)
	if err != nil {
		return nil, err
	}
	level.Info(s.logger).Log("msg", "read table", "rows", rs.Len())
	return rs, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
