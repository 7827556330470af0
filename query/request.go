package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"maps"
	"math/rand/v2"
	"slices"

	"medquery-go/operators"
	"medquery-go/operators/aggr"
	"medquery-go/operators/filter"
	"medquery-go/operators/project"
)

// Kind selects the aggregation an Aggregation runs.
type Kind string

const (
	Counts      Kind = "counts"
	Proportions Kind = "proportions"
	TopK        Kind = "top_k"
	Correlation Kind = "correlation"
	Sample      Kind = "sample"
	Summary     Kind = "summary"
	// DrillDown counts Attribute among the filtered records of a single age.
	DrillDown Kind = "drill_down"
	// Preview is the first N filtered rows of the product columns.
	Preview Kind = "preview"
)

var (
	ErrUnknownKind     = errors.New("unknown aggregation kind")
	ErrDuplicateName   = errors.New("duplicate aggregation name")
	ErrDuplicateFilter = errors.New("attribute filtered more than once")
)

// Aggregation is one requested computation over the filtered records. Attributes are
// given by column name, as the presentation layer sends them.
type Aggregation struct {
	// Name keys the output in Result. Defaults to "<kind>:<attribute>".
	Name      string `json:"name,omitempty" yaml:"name"`
	Kind      Kind   `json:"kind" yaml:"kind"`
	Attribute string `json:"attribute,omitempty" yaml:"attribute"`
	// With is the categorical side of a correlation.
	With string `json:"with,omitempty" yaml:"with"`
	K    int    `json:"k,omitempty" yaml:"k"`
	// N is the sample size or the number of preview rows.
	N int `json:"n,omitempty" yaml:"n"`
	// Age picks the drill-down age; nil means the first age seen in the filtered records.
	Age *int64 `json:"age,omitempty" yaml:"age"`
}

// Request carries raw filter values plus the aggregations to run on the matching
// records. A missing age_min means 0 and a missing age_max means no upper bound; with
// both missing, age is not constrained at all.
type Request struct {
	AgeMin       *int64              `json:"age_min,omitempty"`
	AgeMax       *int64              `json:"age_max,omitempty"`
	Membership   map[string][]string `json:"membership,omitempty"`
	Aggregations []Aggregation       `json:"aggregations"`
	// Seed makes sampling reproducible; 0 draws a fresh seed per query.
	Seed uint64 `json:"seed,omitempty"`
}

// task is a validated aggregation ready to run against the filtered records.
type task struct {
	name string
	kind Kind
	run  func(ctx context.Context, rs *operators.RecordSet) (any, error)
}

type plan struct {
	predicates filter.PredicateSet
	tasks      []task
}

// compile validates every part of the request before anything is evaluated.
func (r Request) compile() (plan, error) {
	ps, err := r.predicates()
	if err != nil {
		return plan{}, err
	}
	seed := r.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	tasks := make([]task, 0, len(r.Aggregations))
	names := make(map[string]struct{}, len(r.Aggregations))
	for i, a := range r.Aggregations {
		t, err := a.compile(seed, uint64(i))
		if err != nil {
			return plan{}, err
		}
		if _, dup := names[t.name]; dup {
			return plan{}, fmt.Errorf("%w: %s", ErrDuplicateName, t.name)
		}
		names[t.name] = struct{}{}
		tasks = append(tasks, t)
	}
	return plan{predicates: ps, tasks: tasks}, nil
}

func (r Request) predicates() (filter.PredicateSet, error) {
	ps := filter.NewPredicateSet()
	if r.AgeMin != nil || r.AgeMax != nil {
		lo, hi := int64(0), int64(math.MaxInt64)
		if r.AgeMin != nil {
			lo = *r.AgeMin
		}
		if r.AgeMax != nil {
			hi = *r.AgeMax
		}
		ps = ps.WithRange(operators.Age, lo, hi)
	}
	// sorted so the same request always fails on the same key
	seen := make(map[operators.Attribute]string, len(r.Membership))
	for _, name := range slices.Sorted(maps.Keys(r.Membership)) {
		attr, err := operators.ParseAttribute(name)
		if err != nil {
			return filter.PredicateSet{}, err
		}
		if prev, dup := seen[attr]; dup {
			return filter.PredicateSet{}, fmt.Errorf("%w: %q and %q both name %s", ErrDuplicateFilter, prev, name, attr)
		}
		seen[attr] = name
		ps = ps.WithMembership(attr, r.Membership[name]...)
	}
	if err := ps.Validate(); err != nil {
		return filter.PredicateSet{}, err
	}
	return ps, nil
}

func (a Aggregation) compile(seed, stream uint64) (task, error) {
	attr, err := a.attribute()
	if err != nil {
		return task{}, err
	}
	t := task{name: a.Name, kind: a.Kind}
	if t.name == "" {
		t.name = string(a.Kind)
		if a.Kind != Sample && a.Kind != Preview {
			t.name += ":" + attr.String()
		}
	}

	switch a.Kind {
	case Counts:
		t.run = func(_ context.Context, rs *operators.RecordSet) (any, error) {
			return aggr.ValueCounts(rs, attr)
		}
	case Proportions:
		t.run = func(_ context.Context, rs *operators.RecordSet) (any, error) {
			return aggr.ValueProportions(rs, attr)
		}
	case TopK:
		k := a.K
		t.run = func(_ context.Context, rs *operators.RecordSet) (any, error) {
			return aggr.TopK(rs, attr, k)
		}
	case Correlation:
		if !attr.Numeric() {
			return task{}, &operators.UnknownAttributeError{Name: attr.String(), Reason: "correlation needs a numeric attribute"}
		}
		with, err := operators.ParseAttribute(a.With)
		if err != nil {
			return task{}, err
		}
		if with.Numeric() {
			return task{}, &operators.UnknownAttributeError{Name: with.String(), Reason: "correlation needs a categorical attribute to one-hot expand"}
		}
		if a.Name == "" {
			t.name += ":" + with.String()
		}
		t.run = func(_ context.Context, rs *operators.RecordSet) (any, error) {
			return aggr.Correlation(rs, attr, with)
		}
	case Sample:
		if a.N < 0 {
			return task{}, &operators.SamplingSizeError{Requested: a.N}
		}
		n := a.N
		t.run = func(ctx context.Context, rs *operators.RecordSet) (any, error) {
			// one source per task, never shared between goroutines
			return aggr.Sample(ctx, rs, n, rand.New(rand.NewPCG(seed, stream)))
		}
	case Summary:
		if !attr.Numeric() {
			return task{}, &operators.UnknownAttributeError{Name: attr.String(), Reason: "summary needs a numeric attribute"}
		}
		t.run = func(_ context.Context, rs *operators.RecordSet) (any, error) {
			return aggr.Summarize(rs, attr)
		}
	case DrillDown:
		if attr.Numeric() {
			return task{}, &operators.UnknownAttributeError{Name: attr.String(), Reason: "drill-down counts a categorical attribute"}
		}
		age := a.Age
		t.run = func(ctx context.Context, rs *operators.RecordSet) (any, error) {
			return drillDown(ctx, rs, attr, age)
		}
	case Preview:
		if a.N < 0 {
			return task{}, fmt.Errorf("preview rows must be non-negative, got %d", a.N)
		}
		n := a.N
		t.run = func(_ context.Context, rs *operators.RecordSet) (any, error) {
			batch, err := project.Project(filter.Limit(rs, n), project.PreviewColumns...)
			if err != nil {
				return nil, err
			}
			return batch.Rows(), nil
		}
	default:
		return task{}, fmt.Errorf("%w: %q", ErrUnknownKind, a.Kind)
	}
	return t, nil
}

// attribute resolves Attribute, filling in the natural default for kinds that have one.
func (a Aggregation) attribute() (operators.Attribute, error) {
	name := a.Attribute
	if name == "" {
		switch a.Kind {
		case Correlation, Summary, Sample, Preview:
			return operators.Age, nil
		case DrillDown:
			return operators.EventSeriousness, nil
		}
	}
	return operators.ParseAttribute(name)
}

// DrillDownResult is the count table for one age. Age is nil when no filtered record
// has an age.
type DrillDownResult struct {
	Age    *int64          `json:"age"`
	Counts aggr.CountTable `json:"counts"`
}

func drillDown(ctx context.Context, rs *operators.RecordSet, attr operators.Attribute, age *int64) (DrillDownResult, error) {
	if age == nil {
		ages := rs.Ages()
		for i := 0; i < ages.Len(); i++ {
			if ages.IsValid(i) {
				age = operators.Ptr(ages.Value(i))
				break
			}
		}
	}
	if age == nil {
		return DrillDownResult{Counts: aggr.CountTable{Attribute: attr}}, nil
	}
	var (
		counts aggr.CountTable
		err    error
	)
	if attr == operators.EventSeriousness {
		counts, err = aggr.SeriousnessAtAge(ctx, rs, *age)
	} else {
		counts, err = aggr.CountsWhere(ctx, rs, filter.NewPredicateSet().WithRange(operators.Age, *age, *age), attr)
	}
	if err != nil {
		return DrillDownResult{}, err
	}
	return DrillDownResult{Age: age, Counts: counts}, nil
}
