package Expr

import (
	"context"
	"testing"

	"medquery-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/stretchr/testify/require"
)

// generateTestColumns returns a batch in the medical schema:
//
//	age   reaction
//	34    nausea
//	null  rash
//	71    null
//	18    nausea
func generateTestColumns(t *testing.T) *operators.RecordBatch {
	t.Helper()
	rs, err := operators.NewRecordSet([]operators.Record{
		{Age: operators.Ptr[int64](34), Reaction: operators.Ptr("nausea")},
		{Reaction: operators.Ptr("rash")},
		{Age: operators.Ptr[int64](71)},
		{Age: operators.Ptr[int64](18), Reaction: operators.Ptr("nausea")},
	})
	require.NoError(t, err)
	return rs.Batch()
}

// maskValues renders a boolean mask with nulls as nil.
func maskValues(t *testing.T, arr arrow.Array) []any {
	t.Helper()
	b, ok := arr.(*array.Boolean)
	require.True(t, ok, "expected boolean array, got %s", arr.DataType())
	out := make([]any, b.Len())
	for i := range out {
		if b.IsNull(i) {
			continue
		}
		out[i] = b.Value(i)
	}
	return out
}

func TestColumnResolve(t *testing.T) {
	rc := generateTestColumns(t)
	t.Run("known column", func(t *testing.T) {
		arr, err := EvalExpression(context.Background(), NewColumnResolve("reaction"), rc)
		require.NoError(t, err)
		defer arr.Release()
		require.Equal(t, 4, arr.Len())
		require.Equal(t, "rash", arr.(*array.String).Value(1))
	})
	t.Run("unknown column", func(t *testing.T) {
		_, err := EvalExpression(context.Background(), NewColumnResolve("weight"), rc)
		require.Error(t, err)
	})
}

func TestLiteralResolve(t *testing.T) {
	rc := generateTestColumns(t)
	cases := []struct {
		name string
		lit  *LiteralResolve
		typ  arrow.DataType
	}{
		{"int", NewLiteralResolve(arrow.PrimitiveTypes.Int64, 5), arrow.PrimitiveTypes.Int64},
		{"float", NewLiteralResolve(arrow.PrimitiveTypes.Float64, int64(5)), arrow.PrimitiveTypes.Float64},
		{"string", NewLiteralResolve(arrow.BinaryTypes.String, "x"), arrow.BinaryTypes.String},
		{"bool", NewLiteralResolve(arrow.FixedWidthTypes.Boolean, true), arrow.FixedWidthTypes.Boolean},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			arr, err := EvalExpression(context.Background(), tc.lit, rc)
			require.NoError(t, err)
			defer arr.Release()
			require.Equal(t, 4, arr.Len())
			require.True(t, arrow.TypeEqual(tc.typ, arr.DataType()))
		})
	}

	t.Run("mismatched value", func(t *testing.T) {
		_, err := EvalExpression(context.Background(), &LiteralResolve{Type: arrow.PrimitiveTypes.Int64, Value: "x"}, rc)
		require.Error(t, err)
	})
}

func TestBinaryComparisons(t *testing.T) {
	rc := generateTestColumns(t)
	age := NewColumnResolve("age")
	lit := func(v int) Expression { return NewLiteralResolve(arrow.PrimitiveTypes.Int64, v) }

	cases := []struct {
		name string
		expr Expression
		want []any
	}{
		{"age >= 30", NewBinaryExpr(age, GreaterThanOrEqual, lit(30)), []any{true, nil, true, false}},
		{"age <= 34", NewBinaryExpr(age, LessThanOrEqual, lit(34)), []any{true, nil, false, true}},
		{"age < 34", NewBinaryExpr(age, LessThan, lit(34)), []any{false, nil, false, true}},
		{"age > 34", NewBinaryExpr(age, GreaterThan, lit(34)), []any{false, nil, true, false}},
		{"age != 71", NewBinaryExpr(age, NotEqual, lit(71)), []any{true, nil, false, true}},
		{
			"reaction = nausea",
			NewBinaryExpr(NewColumnResolve("reaction"), Equal, NewLiteralResolve(arrow.BinaryTypes.String, "nausea")),
			[]any{true, false, nil, true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			arr, err := EvalExpression(context.Background(), tc.expr, rc)
			require.NoError(t, err)
			defer arr.Release()
			require.Equal(t, tc.want, maskValues(t, arr))
		})
	}
}

func TestBinaryTypeMismatch(t *testing.T) {
	rc := generateTestColumns(t)
	expr := NewBinaryExpr(NewColumnResolve("age"), Equal, NewLiteralResolve(arrow.BinaryTypes.String, "34"))
	_, err := EvalExpression(context.Background(), expr, rc)
	require.Error(t, err)
}

func TestConjunctionDisjunction(t *testing.T) {
	rc := generateTestColumns(t)
	age := NewColumnResolve("age")
	reaction := NewColumnResolve("reaction")
	str := func(s string) Expression { return NewLiteralResolve(arrow.BinaryTypes.String, s) }

	t.Run("range", func(t *testing.T) {
		expr := Conjunction(
			NewBinaryExpr(age, GreaterThanOrEqual, NewLiteralResolve(arrow.PrimitiveTypes.Int64, 18)),
			NewBinaryExpr(age, LessThanOrEqual, NewLiteralResolve(arrow.PrimitiveTypes.Int64, 40)),
		)
		arr, err := EvalExpression(context.Background(), expr, rc)
		require.NoError(t, err)
		defer arr.Release()
		require.Equal(t, []any{true, nil, false, true}, maskValues(t, arr))
	})

	t.Run("membership", func(t *testing.T) {
		expr := Disjunction(
			NewBinaryExpr(reaction, Equal, str("rash")),
			NewBinaryExpr(reaction, Equal, str("headache")),
		)
		arr, err := EvalExpression(context.Background(), expr, rc)
		require.NoError(t, err)
		defer arr.Release()
		require.Equal(t, []any{false, true, nil, false}, maskValues(t, arr))
	})

	t.Run("empty", func(t *testing.T) {
		require.Nil(t, Conjunction())
		require.Nil(t, Disjunction())
	})

	t.Run("single", func(t *testing.T) {
		e := NewNullCheckExpr(age)
		require.Equal(t, Expression(e), Conjunction(e))
	})
}

func TestNullCheck(t *testing.T) {
	rc := generateTestColumns(t)
	arr, err := EvalExpression(context.Background(), NewNullCheckExpr(NewColumnResolve("reaction")), rc)
	require.NoError(t, err)
	defer arr.Release()
	require.Equal(t, []any{true, true, false, true}, maskValues(t, arr))
	require.Equal(t, 0, arr.NullN())
}

func TestNullCheckGuardsComparisons(t *testing.T) {
	rc := generateTestColumns(t)
	age := NewColumnResolve("age")
	reaction := NewColumnResolve("reaction")
	cases := []struct {
		name string
		expr Expression
		want []any
	}{
		{
			"age >= 18",
			Conjunction(NewNullCheckExpr(age), NewBinaryExpr(age, GreaterThanOrEqual, NewLiteralResolve(arrow.PrimitiveTypes.Int64, 18))),
			[]any{true, false, true, true},
		},
		{
			"reaction in {rash}",
			Conjunction(NewNullCheckExpr(reaction), Disjunction(NewBinaryExpr(reaction, Equal, NewLiteralResolve(arrow.BinaryTypes.String, "rash")))),
			[]any{false, true, false, false},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			arr, err := EvalExpression(context.Background(), tc.expr, rc)
			require.NoError(t, err)
			defer arr.Release()
			require.Equal(t, tc.want, maskValues(t, arr))
			require.Equal(t, 0, arr.NullN())
		})
	}
}

func TestExprDataType(t *testing.T) {
	schema := operators.Schema()
	cases := []struct {
		expr Expression
		want arrow.DataType
	}{
		{NewColumnResolve("age"), arrow.PrimitiveTypes.Int64},
		{NewColumnResolve("gender"), arrow.BinaryTypes.String},
		{NewBinaryExpr(NewColumnResolve("age"), Equal, NewLiteralResolve(arrow.PrimitiveTypes.Int64, 1)), arrow.FixedWidthTypes.Boolean},
		{NewNullCheckExpr(NewColumnResolve("age")), arrow.FixedWidthTypes.Boolean},
	}
	for _, tc := range cases {
		t.Run(tc.expr.String(), func(t *testing.T) {
			got, err := ExprDataType(tc.expr, schema)
			require.NoError(t, err)
			require.True(t, arrow.TypeEqual(tc.want, got))
		})
	}

	_, err := ExprDataType(NewColumnResolve("weight"), schema)
	require.Error(t, err)
}

func TestExpressionString(t *testing.T) {
	expr := NewBinaryExpr(NewColumnResolve("age"), GreaterThanOrEqual, NewLiteralResolve(arrow.PrimitiveTypes.Int64, 18))
	require.Equal(t, "BinaryExpr(Column(age) >= Literal(18))", expr.String())
	require.Equal(t, `Literal("x")`, NewLiteralResolve(arrow.BinaryTypes.String, "x").String())
}
