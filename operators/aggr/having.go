package aggr

import (
	"context"

	"medquery-go/operators"
	"medquery-go/operators/filter"
)

// CountsWhere narrows rs by ps and then counts attr over what is left. It is a filter
// applied on top of an already filtered set, the way HAVING narrows after WHERE.
func CountsWhere(ctx context.Context, rs *operators.RecordSet, ps filter.PredicateSet, attr operators.Attribute) (CountTable, error) {
	if err := checkAttribute(attr); err != nil {
		return CountTable{}, err
	}
	narrowed, err := ps.Apply(ctx, rs)
	if err != nil {
		return CountTable{}, err
	}
	return ValueCounts(narrowed, attr)
}

// SeriousnessAtAge counts event_seriousness among the records of exactly the given age.
func SeriousnessAtAge(ctx context.Context, rs *operators.RecordSet, age int64) (CountTable, error) {
	ps := filter.NewPredicateSet().WithRange(operators.Age, age, age)
	return CountsWhere(ctx, rs, ps, operators.EventSeriousness)
}
