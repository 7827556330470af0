package filter

import (
	"context"
	"errors"
	"fmt"

	"medquery-go/Expr"
	"medquery-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
)

// Apply returns the records of rs that satisfy every predicate in ps, in their original
// order. rs is never modified. With no constraining predicate the result holds every
// record of rs.
func (ps PredicateSet) Apply(ctx context.Context, rs *operators.RecordSet) (*operators.RecordSet, error) {
	if err := ps.Validate(); err != nil {
		return nil, err
	}
	// the filter kernels index into the value buffers and cannot take zero-row columns
	if rs.Len() == 0 {
		return rs.Slice(0, 0), nil
	}
	pred := ps.Expression()
	if pred == nil {
		return rs.Slice(0, rs.Len()), nil
	}
	if !validPredicates(pred, rs.Schema()) {
		return nil, fmt.Errorf("predicate %s is invalid for the record schema", pred)
	}

	booleanMask, err := Expr.EvalExpression(ctx, pred, rs.Batch())
	if err != nil {
		return nil, err
	}
	defer booleanMask.Release()
	boolArr, ok := booleanMask.(*array.Boolean) // impossible for this to not be a boolean array, assuming validPredicates works as it should
	if !ok {
		return nil, errors.New("predicate did not evaluate to boolean array")
	}

	filteredCol := make([]arrow.Array, len(rs.Batch().Columns))
	defer operators.ReleaseArrays(filteredCol)
	for i, col := range rs.Batch().Columns {
		filteredCol[i], err = ApplyBooleanMask(ctx, col, boolArr)
		if err != nil {
			return nil, err
		}
	}
	return operators.NewRecordSetFromColumns(filteredCol)
}

// Apply filters rs by ps.
func Apply(ctx context.Context, rs *operators.RecordSet, ps PredicateSet) (*operators.RecordSet, error) {
	return ps.Apply(ctx, rs)
}

// ApplyBooleanMask keeps the rows of col where mask is true. Null mask entries drop the
// row.
func ApplyBooleanMask(ctx context.Context, col arrow.Array, mask *array.Boolean) (arrow.Array, error) {
	datum, err := compute.Filter(
		ctx,
		compute.NewDatum(col),
		compute.NewDatum(mask),
		*compute.DefaultFilterOptions(),
	)
	if err != nil {
		return nil, err
	}
	defer datum.Release()

	arr := datum.(*compute.ArrayDatum).MakeArray()
	return arr, nil
}

func validPredicates(pred Expr.Expression, schema *arrow.Schema) bool {
	switch p := pred.(type) {
	case *Expr.ColumnResolve:
		idx := schema.FieldIndices(p.Name)
		return len(idx) != 0

	case *Expr.BinaryExpr:
		// these return boolean arrays
		switch p.Op {
		case Expr.Equal, Expr.NotEqual,
			Expr.GreaterThan, Expr.GreaterThanOrEqual,
			Expr.LessThan, Expr.LessThanOrEqual,
			Expr.And, Expr.Or:
		default:
			return false
		}
		dt1, err := Expr.ExprDataType(p.Left, schema)
		if err != nil {
			return false
		}
		dt2, err := Expr.ExprDataType(p.Right, schema)
		if err != nil {
			return false
		}
		if !arrow.TypeEqual(dt1, dt2) {
			return false
		}
		return validPredicates(p.Left, schema) &&
			validPredicates(p.Right, schema)

	case *Expr.LiteralResolve:
		return true

	case *Expr.NullCheckExpr:
		return validPredicates(p.Expr, schema)
	default:
		return false
	}
}
