package operators

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
	"github.com/apache/arrow/go/v17/arrow/memory"
)

var (
	ErrInvalidSchema = func(info string) error {
		return fmt.Errorf("invalid schema was provided. context: %s", info)
	}
)

// Attribute names one column of an adverse-event report.
type Attribute int

const (
	Age Attribute = iota
	Gender
	Reaction
	Indication
	AdverseEvent
	EventSeriousness
	RpsrCod
	ProdAI
)

var attributeNames = [...]string{
	Age:              "age",
	Gender:           "gender",
	Reaction:         "reaction",
	Indication:       "indication",
	AdverseEvent:     "adverse_event",
	EventSeriousness: "event_seriousness",
	RpsrCod:          "rpsr_cod",
	ProdAI:           "prod_ai",
}

func (a Attribute) String() string {
	if !a.valid() {
		return "attribute(" + strconv.Itoa(int(a)) + ")"
	}
	return attributeNames[a]
}

func (a Attribute) valid() bool { return a >= Age && a <= ProdAI }

// Numeric reports whether the attribute holds integers rather than categories.
func (a Attribute) Numeric() bool { return a == Age }

func (a Attribute) MarshalText() ([]byte, error) {
	if !a.valid() {
		return nil, &UnknownAttributeError{Name: a.String()}
	}
	return []byte(a.String()), nil
}

func (a *Attribute) UnmarshalText(text []byte) error {
	parsed, err := ParseAttribute(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAttribute resolves a column name to its Attribute.
func ParseAttribute(name string) (Attribute, error) {
	cleaned := strings.ToLower(strings.TrimSpace(name))
	for i, n := range attributeNames {
		if n == cleaned {
			return Attribute(i), nil
		}
	}
	return 0, &UnknownAttributeError{Name: name}
}

// Attributes returns every attribute in schema order.
func Attributes() []Attribute {
	out := make([]Attribute, 0, len(attributeNames))
	for i := range attributeNames {
		out = append(out, Attribute(i))
	}
	return out
}

// CategoricalAttributes returns the string-valued attributes in schema order.
func CategoricalAttributes() []Attribute {
	out := make([]Attribute, 0, len(attributeNames)-1)
	for _, a := range Attributes() {
		if !a.Numeric() {
			out = append(out, a)
		}
	}
	return out
}

// Record is one adverse-event report. A nil field is a missing value.
type Record struct {
	Age              *int64  `json:"age"`
	Gender           *string `json:"gender"`
	Reaction         *string `json:"reaction"`
	Indication       *string `json:"indication"`
	AdverseEvent     *string `json:"adverse_event"`
	EventSeriousness *string `json:"event_seriousness"`
	RpsrCod          *string `json:"rpsr_cod"`
	ProdAI           *string `json:"prod_ai"`
}

func (r *Record) category(a Attribute) **string {
	switch a {
	case Gender:
		return &r.Gender
	case Reaction:
		return &r.Reaction
	case Indication:
		return &r.Indication
	case AdverseEvent:
		return &r.AdverseEvent
	case EventSeriousness:
		return &r.EventSeriousness
	case RpsrCod:
		return &r.RpsrCod
	case ProdAI:
		return &r.ProdAI
	default:
		return nil
	}
}

// Value returns the attribute rendered as a string and whether it is present.
func (r Record) Value(a Attribute) (string, bool) {
	if a == Age {
		if r.Age == nil {
			return "", false
		}
		return strconv.FormatInt(*r.Age, 10), true
	}
	field := r.category(a)
	if field == nil || *field == nil {
		return "", false
	}
	return **field, true
}

// Set stores a categorical value on the record; nil clears it.
func (r *Record) Set(a Attribute, v *string) {
	if field := r.category(a); field != nil {
		*field = v
	}
}

// Schema is the fixed arrow layout every RecordSet carries.
func Schema() *arrow.Schema {
	return medicalSchema
}

var medicalSchema = func() *arrow.Schema {
	sb := NewRecordBatchBuilder().SchemaBuilder
	for _, a := range Attributes() {
		if a.Numeric() {
			sb.WithField(a.String(), arrow.PrimitiveTypes.Int64, true)
			continue
		}
		sb.WithField(a.String(), arrow.BinaryTypes.String, true)
	}
	return sb.Build()
}()

// RecordSet is an ordered, immutable collection of records sharing the medical schema.
// Columns are never modified after construction, so a RecordSet can be read from many
// goroutines without locking.
type RecordSet struct {
	batch *RecordBatch
}

// NewRecordSet builds a RecordSet from typed records, keeping their order.
func NewRecordSet(records []Record) (*RecordSet, error) {
	mem := memory.NewGoAllocator()
	ages := array.NewInt64Builder(mem)
	defer ages.Release()
	strs := make(map[Attribute]*array.StringBuilder, len(attributeNames)-1)
	for _, a := range CategoricalAttributes() {
		strs[a] = array.NewStringBuilder(mem)
		defer strs[a].Release()
	}
	for i, r := range records {
		if r.Age == nil {
			ages.AppendNull()
		} else {
			if *r.Age < 0 {
				return nil, &MalformedRowError{Row: i, Column: Age.String(), Value: strconv.FormatInt(*r.Age, 10), Reason: "age must be non-negative"}
			}
			ages.Append(*r.Age)
		}
		for _, a := range CategoricalAttributes() {
			v, ok := r.Value(a)
			if !ok {
				strs[a].AppendNull()
				continue
			}
			strs[a].Append(v)
		}
	}
	columns := make([]arrow.Array, 0, len(attributeNames))
	for _, a := range Attributes() {
		if a.Numeric() {
			columns = append(columns, ages.NewArray())
			continue
		}
		columns = append(columns, strs[a].NewArray())
	}
	return newRecordSet(columns), nil
}

// NewRecordSetFromColumns wraps arrow columns laid out in Schema() order. Ingestion
// sources use it after normalising their input.
func NewRecordSetFromColumns(columns []arrow.Array) (*RecordSet, error) {
	if _, err := NewRecordBatchBuilder().NewRecordBatch(medicalSchema, columns); err != nil {
		return nil, err
	}
	rows := columns[0].Len()
	for i, col := range columns {
		if col.Len() != rows {
			return nil, ErrInvalidSchema(fmt.Sprintf("column %s has %d rows, expected %d", medicalSchema.Field(i).Name, col.Len(), rows))
		}
	}
	ages := columns[Age].(*array.Int64)
	for i := 0; i < ages.Len(); i++ {
		if ages.IsValid(i) && ages.Value(i) < 0 {
			return nil, &MalformedRowError{Row: i, Column: Age.String(), Value: strconv.FormatInt(ages.Value(i), 10), Reason: "age must be non-negative"}
		}
	}
	for _, col := range columns {
		col.Retain()
	}
	return newRecordSet(columns), nil
}

func newRecordSet(columns []arrow.Array) *RecordSet {
	var rows uint64
	if len(columns) > 0 {
		rows = uint64(columns[0].Len())
	}
	return &RecordSet{batch: &RecordBatch{
		Schema:   medicalSchema,
		Columns:  columns,
		RowCount: rows,
	}}
}

// Len is the number of records.
func (rs *RecordSet) Len() int { return int(rs.batch.RowCount) }

func (rs *RecordSet) Schema() *arrow.Schema { return rs.batch.Schema }

// Batch exposes the underlying columns. Callers must not mutate them.
func (rs *RecordSet) Batch() *RecordBatch { return rs.batch }

// Column returns the arrow column for an attribute.
func (rs *RecordSet) Column(a Attribute) arrow.Array { return rs.batch.Columns[a] }

// Ages returns the age column.
func (rs *RecordSet) Ages() *array.Int64 { return rs.batch.Columns[Age].(*array.Int64) }

// Strings returns a categorical column. It panics for the numeric attribute.
func (rs *RecordSet) Strings(a Attribute) *array.String {
	if a.Numeric() {
		panic(fmt.Sprintf("attribute %s is numeric", a))
	}
	return rs.batch.Columns[a].(*array.String)
}

// Value returns row i of attribute a as a string and whether it is present.
func (rs *RecordSet) Value(i int, a Attribute) (string, bool) {
	col := rs.batch.Columns[a]
	if col.IsNull(i) {
		return "", false
	}
	switch c := col.(type) {
	case *array.Int64:
		return strconv.FormatInt(c.Value(i), 10), true
	case *array.String:
		return c.Value(i), true
	default:
		return col.ValueStr(i), true
	}
}

// Record materialises row i.
func (rs *RecordSet) Record(i int) Record {
	var r Record
	ages := rs.Ages()
	if ages.IsValid(i) {
		v := ages.Value(i)
		r.Age = &v
	}
	for _, a := range CategoricalAttributes() {
		col := rs.Strings(a)
		if col.IsNull(i) {
			continue
		}
		v := col.Value(i)
		r.Set(a, &v)
	}
	return r
}

// Records materialises every row in order.
func (rs *RecordSet) Records() []Record {
	out := make([]Record, rs.Len())
	for i := range out {
		out[i] = rs.Record(i)
	}
	return out
}

// Equal reports whether both sets hold the same records in the same order.
func (rs *RecordSet) Equal(other *RecordSet) bool {
	if other == nil {
		return false
	}
	return rs.batch.DeepEqual(other.batch)
}

// Take returns a new RecordSet with the rows at indices, in the order given.
func (rs *RecordSet) Take(ctx context.Context, indices []int) (*RecordSet, error) {
	if len(indices) == 0 {
		return rs.Slice(0, 0), nil
	}
	mem := memory.NewGoAllocator()
	idx := idxToArrowArray(indices, mem)
	defer idx.Release()
	columns := make([]arrow.Array, len(rs.batch.Columns))
	for i, col := range rs.batch.Columns {
		arr, err := compute.TakeArray(ctx, col, idx)
		if err != nil {
			return nil, fmt.Errorf("take column %s: %w", medicalSchema.Field(i).Name, err)
		}
		columns[i] = arr
	}
	return newRecordSet(columns), nil
}

// Slice returns rows [from, to) as a new RecordSet sharing the underlying buffers.
func (rs *RecordSet) Slice(from, to int) *RecordSet {
	columns := make([]arrow.Array, len(rs.batch.Columns))
	for i, col := range rs.batch.Columns {
		columns[i] = array.NewSlice(col, int64(from), int64(to))
	}
	return newRecordSet(columns)
}

// MarshalJSON renders the set as an array of records.
func (rs *RecordSet) MarshalJSON() ([]byte, error) {
	return jsonAPI.Marshal(rs.Records())
}

func idxToArrowArray(v []int, mem memory.Allocator) arrow.Array {
	b := array.NewUint64Builder(mem)
	defer b.Release()
	for _, val := range v {
		b.Append(uint64(val))
	}
	return b.NewArray()
}

// =====================
// Result batches
// =====================

// RecordBatch is a set of equally long arrow columns with their schema. It carries
// result tables to the presentation layer and backs every RecordSet.
type RecordBatch struct {
	Schema   *arrow.Schema
	Columns  []arrow.Array
	RowCount uint64
}

type SchemaBuilder struct {
	fields []arrow.Field
}

type RecordBatchBuilder struct {
	SchemaBuilder *SchemaBuilder
}

func NewRecordBatchBuilder() *RecordBatchBuilder {
	return &RecordBatchBuilder{
		SchemaBuilder: &SchemaBuilder{
			fields: make([]arrow.Field, 0, 10),
		},
	}
}

func (sb *SchemaBuilder) WithField(name string, dtype arrow.DataType, nullable bool) *SchemaBuilder {
	sb.fields = append(sb.fields, arrow.Field{
		Name:     name,
		Type:     dtype,
		Nullable: nullable,
	})
	return sb
}

func (sb *SchemaBuilder) Build() *arrow.Schema {
	return arrow.NewSchema(sb.fields, nil)
}

// schema is always right in case of type mismatches
func (rbb *RecordBatchBuilder) validate(schema *arrow.Schema, columns []arrow.Array) error {
	if len(schema.Fields()) != len(columns) {
		return ErrInvalidSchema("schema fields and column count do not match")
	}
	var errors []string
	for i := 0; i < len(columns); i++ {
		field := schema.Field(i)
		colType := columns[i].DataType()

		if !arrow.TypeEqual(colType, field.Type) {
			errors = append(errors,
				fmt.Sprintf("Type mismatch at position %d: column '%s' has type '%s', but schema expects '%s'.",
					i, field.Name, colType, field.Type))
		}
	}
	if len(errors) > 0 {
		return ErrInvalidSchema(strings.Join(errors, " "))
	}
	return nil
}

func (rbb *RecordBatchBuilder) NewRecordBatch(schema *arrow.Schema, columns []arrow.Array) (*RecordBatch, error) {
	if err := rbb.validate(schema, columns); err != nil {
		return nil, err
	}
	var rows uint64
	if len(columns) > 0 {
		rows = uint64(columns[0].Len())
	}
	return &RecordBatch{
		Schema:   schema,
		Columns:  columns,
		RowCount: rows,
	}, nil
}

func (rb *RecordBatch) DeepEqual(other *RecordBatch) bool {
	if !rb.Schema.Equal(other.Schema) {
		return false
	}
	if len(rb.Columns) != len(other.Columns) {
		return false
	}
	for i := 0; i < len(rb.Columns); i++ {
		if !array.Equal(rb.Columns[i], other.Columns[i]) {
			return false
		}
	}
	return true
}

// ColumnByName looks a column up by its schema name.
func (rb *RecordBatch) ColumnByName(name string) (arrow.Array, error) {
	idx := rb.Schema.FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("column %s not found", name)
	}
	return rb.Columns[idx[0]], nil
}

// Rows renders the batch row by row, nulls as nil. Used for JSON output.
func (rb *RecordBatch) Rows() []map[string]any {
	out := make([]map[string]any, rb.RowCount)
	for i := range out {
		row := make(map[string]any, len(rb.Columns))
		for c, col := range rb.Columns {
			name := rb.Schema.Field(c).Name
			if col.IsNull(i) {
				row[name] = nil
				continue
			}
			switch arr := col.(type) {
			case *array.Int64:
				row[name] = arr.Value(i)
			case *array.Float64:
				row[name] = arr.Value(i)
			case *array.String:
				row[name] = arr.Value(i)
			default:
				row[name] = col.ValueStr(i)
			}
		}
		out[i] = row
	}
	return out
}

func (rbb *RecordBatchBuilder) GenInt64Array(values ...int64) arrow.Array {
	mem := memory.NewGoAllocator()
	builder := array.NewInt64Builder(mem)
	defer builder.Release()
	for _, v := range values {
		builder.Append(v)
	}
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenFloatArray(values ...float64) arrow.Array {
	mem := memory.NewGoAllocator()
	builder := array.NewFloat64Builder(mem)
	defer builder.Release()
	for _, v := range values {
		builder.Append(v)
	}
	return builder.NewArray()
}

func (rbb *RecordBatchBuilder) GenStringArray(values ...string) arrow.Array {
	mem := memory.NewGoAllocator()
	builder := array.NewStringBuilder(mem)
	defer builder.Release()
	for _, v := range values {
		builder.Append(v)
	}
	return builder.NewArray()
}

func ReleaseArrays(arrs []arrow.Array) {
	for _, a := range arrs {
		if a != nil {
			a.Release()
		}
	}
}

// Ptr returns a pointer to v. Handy for building Records by hand.
func Ptr[T any](v T) *T { return &v }
