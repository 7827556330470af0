package filter

import (
	"fmt"
	"slices"
	"strings"

	"medquery-go/Expr"
	"medquery-go/operators"

	"github.com/apache/arrow/go/v17/arrow"
)

var (
	_ = (Predicate)(RangePredicate{})
	_ = (Predicate)(MembershipPredicate{})
)

// Predicate constrains a single attribute. A record is selected when it satisfies every
// predicate of a PredicateSet.
type Predicate interface {
	Attribute() operators.Attribute
	Validate() error
	// Matches evaluates the predicate on one materialised record.
	Matches(r operators.Record) bool
	// Expression compiles the predicate to a boolean mask expression that is false, never
	// null, for missing values. A nil expression means the predicate does not constrain
	// anything.
	Expression() Expr.Expression
	fmt.Stringer
}

// RangePredicate accepts numeric values in [Min, Max], both ends inclusive. Missing values
// never match.
type RangePredicate struct {
	Attr     operators.Attribute
	Min, Max int64
}

func (p RangePredicate) Attribute() operators.Attribute { return p.Attr }

func (p RangePredicate) Validate() error {
	if err := checkAttribute(p.Attr); err != nil {
		return err
	}
	if !p.Attr.Numeric() {
		return &operators.UnknownAttributeError{Name: p.Attr.String(), Reason: "range predicates apply to numeric attributes only"}
	}
	if p.Min > p.Max {
		return &operators.InvalidRangeError{Attribute: p.Attr, Min: p.Min, Max: p.Max}
	}
	return nil
}

func (p RangePredicate) Matches(r operators.Record) bool {
	if p.Attr != operators.Age || r.Age == nil {
		return false
	}
	return *r.Age >= p.Min && *r.Age <= p.Max
}

func (p RangePredicate) Expression() Expr.Expression {
	col := Expr.NewColumnResolve(p.Attr.String())
	return Expr.Conjunction(
		Expr.NewNullCheckExpr(col),
		Expr.NewBinaryExpr(col, Expr.GreaterThanOrEqual, Expr.NewLiteralResolve(arrow.PrimitiveTypes.Int64, p.Min)),
		Expr.NewBinaryExpr(col, Expr.LessThanOrEqual, Expr.NewLiteralResolve(arrow.PrimitiveTypes.Int64, p.Max)),
	)
}

func (p RangePredicate) String() string {
	return fmt.Sprintf("%s in [%d,%d]", p.Attr, p.Min, p.Max)
}

// MembershipPredicate accepts categorical values found in Accepted. An empty Accepted set
// places no restriction on the attribute, missing values included.
type MembershipPredicate struct {
	Attr     operators.Attribute
	Accepted []string
}

// NewMembershipPredicate de-duplicates values, keeping their first occurrence.
func NewMembershipPredicate(attr operators.Attribute, values ...string) MembershipPredicate {
	accepted := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		accepted = append(accepted, v)
	}
	return MembershipPredicate{Attr: attr, Accepted: accepted}
}

func (p MembershipPredicate) Attribute() operators.Attribute { return p.Attr }

// Unconstrained reports whether the predicate accepts every record.
func (p MembershipPredicate) Unconstrained() bool { return len(p.Accepted) == 0 }

func (p MembershipPredicate) Validate() error {
	if err := checkAttribute(p.Attr); err != nil {
		return err
	}
	if p.Attr.Numeric() {
		return &operators.UnknownAttributeError{Name: p.Attr.String(), Reason: "membership predicates apply to categorical attributes only"}
	}
	return nil
}

func (p MembershipPredicate) Matches(r operators.Record) bool {
	if p.Unconstrained() {
		return true
	}
	v, ok := r.Value(p.Attr)
	if !ok {
		return false
	}
	return slices.Contains(p.Accepted, v)
}

func (p MembershipPredicate) Expression() Expr.Expression {
	if p.Unconstrained() {
		return nil
	}
	col := Expr.NewColumnResolve(p.Attr.String())
	equals := make([]Expr.Expression, len(p.Accepted))
	for i, v := range p.Accepted {
		equals[i] = Expr.NewBinaryExpr(col, Expr.Equal, Expr.NewLiteralResolve(arrow.BinaryTypes.String, v))
	}
	return Expr.Conjunction(Expr.NewNullCheckExpr(col), Expr.Disjunction(equals...))
}

func (p MembershipPredicate) String() string {
	if p.Unconstrained() {
		return fmt.Sprintf("%s unconstrained", p.Attr)
	}
	return fmt.Sprintf("%s in {%s}", p.Attr, strings.Join(p.Accepted, ","))
}

func checkAttribute(a operators.Attribute) error {
	if _, err := operators.ParseAttribute(a.String()); err != nil {
		return err
	}
	return nil
}

// PredicateSet is the conjunction of at most one predicate per attribute. It is an
// immutable value: the With methods return a modified copy and leave the receiver alone,
// so a set built for one request can never leak into another.
type PredicateSet struct {
	preds map[operators.Attribute]Predicate
}

// NewPredicateSet builds a set from preds. A later predicate on the same attribute
// replaces an earlier one.
func NewPredicateSet(preds ...Predicate) PredicateSet {
	ps := PredicateSet{preds: make(map[operators.Attribute]Predicate, len(preds))}
	for _, p := range preds {
		ps.preds[p.Attribute()] = p
	}
	return ps
}

func (ps PredicateSet) with(p Predicate) PredicateSet {
	next := make(map[operators.Attribute]Predicate, len(ps.preds)+1)
	for k, v := range ps.preds {
		next[k] = v
	}
	next[p.Attribute()] = p
	return PredicateSet{preds: next}
}

// WithRange returns a copy of ps with an inclusive range on attr.
func (ps PredicateSet) WithRange(attr operators.Attribute, lo, hi int64) PredicateSet {
	return ps.with(RangePredicate{Attr: attr, Min: lo, Max: hi})
}

// WithMembership returns a copy of ps accepting only values for attr. No values means
// attr is unconstrained.
func (ps PredicateSet) WithMembership(attr operators.Attribute, values ...string) PredicateSet {
	return ps.with(NewMembershipPredicate(attr, values...))
}

// Predicates returns the predicates in schema order.
func (ps PredicateSet) Predicates() []Predicate {
	out := make([]Predicate, 0, len(ps.preds))
	for _, a := range operators.Attributes() {
		if p, ok := ps.preds[a]; ok {
			out = append(out, p)
		}
	}
	// attributes outside the schema still get validated (and rejected)
	for a, p := range ps.preds {
		if _, err := operators.ParseAttribute(a.String()); err != nil {
			out = append(out, p)
		}
	}
	return out
}

// Get returns the predicate on attr, if any.
func (ps PredicateSet) Get(attr operators.Attribute) (Predicate, bool) {
	p, ok := ps.preds[attr]
	return p, ok
}

// Len is the number of predicates, unconstrained ones included.
func (ps PredicateSet) Len() int { return len(ps.preds) }

// Validate returns the first error among the predicates in schema order.
func (ps PredicateSet) Validate() error {
	for _, p := range ps.Predicates() {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether r satisfies every predicate.
func (ps PredicateSet) Matches(r operators.Record) bool {
	for _, p := range ps.preds {
		if !p.Matches(r) {
			return false
		}
	}
	return true
}

// Expression compiles the set into one boolean expression, nil when nothing constrains
// the selection.
func (ps PredicateSet) Expression() Expr.Expression {
	var parts []Expr.Expression
	for _, p := range ps.Predicates() {
		if e := p.Expression(); e != nil {
			parts = append(parts, e)
		}
	}
	return Expr.Conjunction(parts...)
}

func (ps PredicateSet) String() string {
	preds := ps.Predicates()
	if len(preds) == 0 {
		return "all"
	}
	parts := make([]string, len(preds))
	for i, p := range preds {
		parts[i] = p.String()
	}
	return strings.Join(parts, " AND ")
}
