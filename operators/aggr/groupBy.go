package aggr

import (
	"strconv"

	"medquery-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
)

/*
rules for grouping by one attribute:
1. every non-null value of the attribute forms one group
2. nulls form no group and are not counted anywhere
3. groups come out by descending count; equal counts keep the order in which their
   values were first seen in the record set
*/

// Entry is one row of a ResultTable.
type Entry[V int64 | float64] struct {
	Value string `json:"value"`
	Count V      `json:"count"`
}

// ResultTable is an ordered list of (value, count) pairs with unique values.
type ResultTable[V int64 | float64] struct {
	Attribute operators.Attribute `json:"attribute"`
	Entries   []Entry[V]          `json:"entries"`
}

// CountTable holds frequencies.
type CountTable = ResultTable[int64]

// ProportionTable holds frequencies divided by the non-null total.
type ProportionTable = ResultTable[float64]

func (t ResultTable[V]) Len() int { return len(t.Entries) }

// Total sums every entry.
func (t ResultTable[V]) Total() V {
	var total V
	for _, e := range t.Entries {
		total += e.Count
	}
	return total
}

// Values lists the keys in table order.
func (t ResultTable[V]) Values() []string {
	out := make([]string, len(t.Entries))
	for i, e := range t.Entries {
		out[i] = e.Value
	}
	return out
}

// Get looks up the entry for value.
func (t ResultTable[V]) Get(value string) (V, bool) {
	for _, e := range t.Entries {
		if e.Value == value {
			return e.Count, true
		}
	}
	var zero V
	return zero, false
}

// ResultSchema is the layout handed to the presentation layer: a string "value" column
// and a "count" column of countType.
func ResultSchema(countType arrow.DataType) *arrow.Schema {
	return operators.NewRecordBatchBuilder().SchemaBuilder.
		WithField("value", arrow.BinaryTypes.String, false).
		WithField("count", countType, false).
		Build()
}

// ToRecordBatch renders the table as value/count arrow columns.
func (t ResultTable[V]) ToRecordBatch() (*operators.RecordBatch, error) {
	rbb := operators.NewRecordBatchBuilder()
	counts := make([]V, len(t.Entries))
	for i, e := range t.Entries {
		counts[i] = e.Count
	}
	var countCol arrow.Array
	switch c := any(counts).(type) {
	case []int64:
		countCol = rbb.GenInt64Array(c...)
	case []float64:
		countCol = rbb.GenFloatArray(c...)
	}
	valueCol := rbb.GenStringArray(t.Values()...)
	return rbb.NewRecordBatch(ResultSchema(countCol.DataType()), []arrow.Array{valueCol, countCol})
}

// ValueCounts counts the non-null values of attr, most frequent first.
func ValueCounts(rs *operators.RecordSet, attr operators.Attribute) (CountTable, error) {
	if err := checkAttribute(attr); err != nil {
		return CountTable{}, err
	}
	entries, _ := groupCounts(rs, attr)
	return CountTable{Attribute: attr, Entries: entries}, nil
}

// ValueProportions is ValueCounts divided by the number of non-null values of attr.
func ValueProportions(rs *operators.RecordSet, attr operators.Attribute) (ProportionTable, error) {
	if err := checkAttribute(attr); err != nil {
		return ProportionTable{}, err
	}
	entries, total := groupCounts(rs, attr)
	if total == 0 {
		return ProportionTable{}, &operators.EmptyInputError{Operation: "valueProportions", Attribute: attr}
	}
	out := make([]Entry[float64], len(entries))
	for i, e := range entries {
		out[i] = Entry[float64]{Value: e.Value, Count: float64(e.Count) / float64(total)}
	}
	return ProportionTable{Attribute: attr, Entries: out}, nil
}

// TopK is the first k entries of ValueCounts, or all of them when fewer exist.
func TopK(rs *operators.RecordSet, attr operators.Attribute, k int) (CountTable, error) {
	counts, err := ValueCounts(rs, attr)
	if err != nil {
		return CountTable{}, err
	}
	k = max(k, 0)
	if k < len(counts.Entries) {
		counts.Entries = counts.Entries[:k]
	}
	return counts, nil
}

// Distinct lists the non-null values of attr in first-seen order.
func Distinct(rs *operators.RecordSet, attr operators.Attribute) ([]string, error) {
	if err := checkAttribute(attr); err != nil {
		return nil, err
	}
	var out []string
	seen := make(map[string]struct{})
	eachValue(rs, attr, func(v string) {
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	})
	return out, nil
}

// groupCounts returns the groups of attr ordered by count and the number of non-null
// values.
func groupCounts(rs *operators.RecordSet, attr operators.Attribute) ([]Entry[int64], int64) {
	var (
		entries []Entry[int64]
		total   int64
	)
	index := make(map[string]int)
	eachValue(rs, attr, func(v string) {
		total++
		if i, ok := index[v]; ok {
			entries[i].Count++
			return
		}
		index[v] = len(entries)
		entries = append(entries, Entry[int64]{Value: v, Count: 1})
	})
	sortEntriesByCount(entries)
	return entries, total
}

// eachValue calls fn with every non-null value of attr, in record order.
func eachValue(rs *operators.RecordSet, attr operators.Attribute, fn func(string)) {
	if attr.Numeric() {
		ages := rs.Ages()
		for i := 0; i < ages.Len(); i++ {
			if ages.IsValid(i) {
				fn(strconv.FormatInt(ages.Value(i), 10))
			}
		}
		return
	}
	col := rs.Strings(attr)
	for i := 0; i < col.Len(); i++ {
		if col.IsValid(i) {
			fn(col.Value(i))
		}
	}
}

func checkAttribute(attr operators.Attribute) error {
	_, err := operators.ParseAttribute(attr.String())
	return err
}

func requireNumeric(attr operators.Attribute) error {
	if err := checkAttribute(attr); err != nil {
		return err
	}
	if !attr.Numeric() {
		return &operators.UnknownAttributeError{Name: attr.String(), Reason: "not a numeric attribute"}
	}
	return nil
}

func requireCategorical(attr operators.Attribute) error {
	if err := checkAttribute(attr); err != nil {
		return err
	}
	if attr.Numeric() {
		return &operators.UnknownAttributeError{Name: attr.String(), Reason: "not a categorical attribute"}
	}
	return nil
}
