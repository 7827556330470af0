package Expr

import (
	"context"
	"fmt"

	"medquery-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	ErrUnsupportedExpression = func(info string) error {
		return fmt.Errorf("unsupported expression passed to EvalExpression: %s", info)
	}
	ErrCantCompareDifferentTypes = func(leftType, rightType arrow.DataType) error {
		return fmt.Errorf("cannot compare different data types: %s and %s", leftType, rightType)
	}
)

type binaryOperator int

const (
	// comparison
	Equal              binaryOperator = 6
	NotEqual           binaryOperator = 7
	LessThan           binaryOperator = 8
	LessThanOrEqual    binaryOperator = 9
	GreaterThan        binaryOperator = 10
	GreaterThanOrEqual binaryOperator = 11
	// logical
	And binaryOperator = 12
	Or  binaryOperator = 13
)

// AND and OR follow Kleene logic: false AND null is false, true OR null is true.
var computeFunctions = map[binaryOperator]string{
	Equal:              "equal",
	NotEqual:           "not_equal",
	LessThan:           "less",
	LessThanOrEqual:    "less_equal",
	GreaterThan:        "greater",
	GreaterThanOrEqual: "greater_equal",
	And:                "and_kleene",
	Or:                 "or_kleene",
}

var opSymbols = map[binaryOperator]string{
	Equal:              "=",
	NotEqual:           "!=",
	LessThan:           "<",
	LessThanOrEqual:    "<=",
	GreaterThan:        ">",
	GreaterThanOrEqual: ">=",
	And:                "AND",
	Or:                 "OR",
}

var (
	_ = (Expression)(&ColumnResolve{})
	_ = (Expression)(&LiteralResolve{})
	_ = (Expression)(&BinaryExpr{})
	_ = (Expression)(&NullCheckExpr{})
)

/*
Eval(expr):

	match expr:
	    Literal(x) -> column of x, one per row
	    Column(name) -> array of that column
	    BinaryExpr(left >= right) -> eval left, eval right, apply the compute kernel
	    NullCheck(expr) -> true where expr is not null

Comparisons propagate nulls: a null operand yields a null mask entry, and a null mask entry
never selects a row. Predicates AND a NullCheck in front so their masks hold no nulls.
*/
type Expression interface {
	// empty method, only for the sake of polymorphism
	ExprNode()
	fmt.Stringer
}

// EvalExpression evaluates expr against batch. The caller owns (and must release) the
// returned array.
func EvalExpression(ctx context.Context, expr Expression, batch *operators.RecordBatch) (arrow.Array, error) {
	switch e := expr.(type) {
	case *ColumnResolve:
		return EvalColumn(e, batch)
	case *LiteralResolve:
		return EvalLiteral(e, batch)
	case *BinaryExpr:
		return EvalBinary(ctx, e, batch)
	case *NullCheckExpr:
		return EvalNullCheckMask(ctx, e.Expr, batch)
	default:
		return nil, ErrUnsupportedExpression(expr.String())
	}
}

// ExprDataType reports the type expr evaluates to over inputSchema without evaluating it.
func ExprDataType(e Expression, inputSchema *arrow.Schema) (arrow.DataType, error) {
	switch ex := e.(type) {
	case *LiteralResolve:
		return ex.Type, nil
	case *ColumnResolve:
		idx := inputSchema.FieldIndices(ex.Name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("exprDataType: unknown column %q", ex.Name)
		}
		return inputSchema.Field(idx[0]).Type, nil
	case *BinaryExpr:
		if _, err := ExprDataType(ex.Left, inputSchema); err != nil {
			return nil, err
		}
		if _, err := ExprDataType(ex.Right, inputSchema); err != nil {
			return nil, err
		}
		return arrow.FixedWidthTypes.Boolean, nil
	case *NullCheckExpr:
		return arrow.FixedWidthTypes.Boolean, nil
	default:
		return nil, ErrUnsupportedExpression(ex.String())
	}
}

// resolves the arrow array corresponding to name passed in
type ColumnResolve struct {
	Name string
}

func NewColumnResolve(name string) *ColumnResolve {
	return &ColumnResolve{Name: name}
}

func EvalColumn(c *ColumnResolve, batch *operators.RecordBatch) (arrow.Array, error) {
	// schema and columns are always aligned
	for i, f := range batch.Schema.Fields() {
		if f.Name == c.Name {
			col := batch.Columns[i]
			col.Retain()
			return col, nil
		}
	}
	return nil, fmt.Errorf("column %s not found", c.Name)
}
func (c *ColumnResolve) ExprNode() {}
func (c *ColumnResolve) String() string {
	return fmt.Sprintf("Column(%s)", c.Name)
}

// Evaluates to a column of length = batch-size, filled with this literal.
type LiteralResolve struct {
	Type  arrow.DataType
	Value any
}

// NewLiteralResolve stores value converted to the Go type matching dtype. Only the types
// a predicate can compare against are supported.
func NewLiteralResolve(dtype arrow.DataType, value any) *LiteralResolve {
	castVal := value
	switch v := value.(type) {
	case int:
		if dtype.ID() == arrow.INT64 {
			castVal = int64(v)
		}
	case int64:
		if dtype.ID() == arrow.FLOAT64 {
			castVal = float64(v)
		}
	}
	return &LiteralResolve{Type: dtype, Value: castVal}
}

func EvalLiteral(l *LiteralResolve, batch *operators.RecordBatch) (arrow.Array, error) {
	n := int(batch.RowCount)
	mem := memory.NewGoAllocator()

	switch l.Type.ID() {
	case arrow.BOOL:
		v, ok := l.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("literal %v is not a bool", l.Value)
		}
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		b.Reserve(n)
		for i := 0; i < n; i++ {
			b.UnsafeAppend(v)
		}
		return b.NewArray(), nil
	case arrow.INT64:
		v, ok := l.Value.(int64)
		if !ok {
			return nil, fmt.Errorf("literal %v is not an int64", l.Value)
		}
		b := array.NewInt64Builder(mem)
		defer b.Release()
		b.Reserve(n)
		for i := 0; i < n; i++ {
			b.UnsafeAppend(v)
		}
		return b.NewArray(), nil
	case arrow.FLOAT64:
		v, ok := l.Value.(float64)
		if !ok {
			return nil, fmt.Errorf("literal %v is not a float64", l.Value)
		}
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		b.Reserve(n)
		for i := 0; i < n; i++ {
			b.UnsafeAppend(v)
		}
		return b.NewArray(), nil
	case arrow.STRING:
		v, ok := l.Value.(string)
		if !ok {
			return nil, fmt.Errorf("literal %v is not a string", l.Value)
		}
		b := array.NewStringBuilder(mem)
		defer b.Release()
		b.Reserve(n)
		for i := 0; i < n; i++ {
			b.Append(v)
		}
		return b.NewArray(), nil
	default:
		return nil, fmt.Errorf("literal type %s not supported", l.Type)
	}
}

func (l *LiteralResolve) ExprNode() {}
func (l *LiteralResolve) String() string {
	if s, ok := l.Value.(string); ok {
		return fmt.Sprintf("Literal(%q)", s)
	}
	return fmt.Sprintf("Literal(%v)", l.Value)
}

type BinaryExpr struct {
	Left  Expression
	Op    binaryOperator
	Right Expression
}

func NewBinaryExpr(left Expression, op binaryOperator, right Expression) *BinaryExpr {
	return &BinaryExpr{
		Left:  left,
		Op:    op,
		Right: right,
	}
}

func EvalBinary(ctx context.Context, b *BinaryExpr, batch *operators.RecordBatch) (arrow.Array, error) {
	fn, ok := computeFunctions[b.Op]
	if !ok {
		return nil, fmt.Errorf("binary operator %d not supported", b.Op)
	}
	leftArr, err := EvalExpression(ctx, b.Left, batch)
	if err != nil {
		return nil, err
	}
	defer leftArr.Release()
	rightArr, err := EvalExpression(ctx, b.Right, batch)
	if err != nil {
		return nil, err
	}
	defer rightArr.Release()

	if !arrow.TypeEqual(leftArr.DataType(), rightArr.DataType()) {
		return nil, ErrCantCompareDifferentTypes(leftArr.DataType(), rightArr.DataType())
	}
	// comparison and logical kernels take no options
	datum, err := compute.CallFunction(ctx, fn, nil, compute.NewDatum(leftArr), compute.NewDatum(rightArr))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b, err)
	}
	defer datum.Release()
	return unpackDatum(datum)
}
func (b *BinaryExpr) ExprNode() {}
func (b *BinaryExpr) String() string {
	return fmt.Sprintf("BinaryExpr(%s %s %s)", b.Left, opSymbols[b.Op], b.Right)
}

func unpackDatum(d compute.Datum) (arrow.Array, error) {
	array, ok := d.(*compute.ArrayDatum)
	if !ok {
		return nil, fmt.Errorf("datum %v is not of type array", d)
	}
	return array.MakeArray(), nil
}

type NullCheckExpr struct {
	Expr Expression
}

func NewNullCheckExpr(expr Expression) *NullCheckExpr {
	return &NullCheckExpr{Expr: expr}
}
func (n *NullCheckExpr) ExprNode() {}
func (n *NullCheckExpr) String() string {
	return fmt.Sprintf("NullCheck(%s)", n.Expr.String())
}

// EvalNullCheckMask is true where expr is present. The mask itself has no nulls.
func EvalNullCheckMask(ctx context.Context, expr Expression, batch *operators.RecordBatch) (arrow.Array, error) {
	arr, err := EvalExpression(ctx, expr, batch)
	if err != nil {
		return nil, err
	}
	defer arr.Release()

	length := arr.Len()
	builder := array.NewBooleanBuilder(memory.NewGoAllocator())
	defer builder.Release()
	builder.Reserve(length)
	for i := 0; i < length; i++ {
		builder.UnsafeAppend(arr.IsValid(i))
	}
	return builder.NewArray(), nil
}

// Conjunction folds exprs with AND. It returns nil for no expressions.
func Conjunction(exprs ...Expression) Expression {
	return fold(And, exprs)
}

// Disjunction folds exprs with OR. It returns nil for no expressions.
func Disjunction(exprs ...Expression) Expression {
	return fold(Or, exprs)
}

func fold(op binaryOperator, exprs []Expression) Expression {
	if len(exprs) == 0 {
		return nil
	}
	out := exprs[0]
	for _, e := range exprs[1:] {
		out = NewBinaryExpr(out, op, e)
	}
	return out
}
