package aggr

import (
	"fmt"

	"medquery-go/operators"
)

var (
	ErrUnsupportedAggrFunc = func(aggr int) error {
		return fmt.Errorf("%d is an unsupported aggregate function", aggr)
	}
)

// AggrFunc represents the type of aggregation function to be performed.
type AggrFunc int

const (
	Min AggrFunc = iota
	Max
	Count
	Sum
	Avg
)

var (
	_ = (accumulator)(&MinAggrAccumulator{})
	_ = (accumulator)(&MaxAggrAccumulator{})
	_ = (accumulator)(&CountAggrAccumulator{})
	_ = (accumulator)(&SumAggrAccumulator{})
	_ = (accumulator)(&AvgAggrAccumulator{})
)

type accumulator interface {
	Update(value float64)
	Finalize() float64
}

func newAccumulator(fn AggrFunc) (accumulator, error) {
	switch fn {
	case Min:
		return newMinAggr(), nil
	case Max:
		return newMaxAggr(), nil
	case Count:
		return NewCountAggr(), nil
	case Sum:
		return NewSumAggr(), nil
	case Avg:
		return newAvgAggr(), nil
	default:
		return nil, ErrUnsupportedAggrFunc(int(fn))
	}
}

func newMinAggr() accumulator {
	return &MinAggrAccumulator{}
}

type MinAggrAccumulator struct {
	minV       float64
	firstValue bool
}

func (m *MinAggrAccumulator) Update(value float64) {
	if !m.firstValue {
		m.minV = value
		m.firstValue = true
		return
	}
	m.minV = min(m.minV, value)

}
func (m *MinAggrAccumulator) Finalize() float64 { return m.minV }
func newMaxAggr() accumulator {
	return &MaxAggrAccumulator{}
}

type MaxAggrAccumulator struct {
	maxV       float64
	firstValue bool
}

func (m *MaxAggrAccumulator) Update(value float64) {
	if !m.firstValue {
		m.maxV = value
		m.firstValue = true
		return
	}
	m.maxV = max(m.maxV, value)
}
func (m *MaxAggrAccumulator) Finalize() float64 { return m.maxV }

func NewCountAggr() accumulator {
	return &CountAggrAccumulator{}
}

type CountAggrAccumulator struct {
	count float64
}

func (c *CountAggrAccumulator) Update(_ float64) {
	c.count++
}
func (c *CountAggrAccumulator) Finalize() float64 { return c.count }

func NewSumAggr() accumulator {
	return &SumAggrAccumulator{}
}

type SumAggrAccumulator struct {
	summation float64
}

func (s *SumAggrAccumulator) Update(value float64) {
	s.summation += value
}
func (s *SumAggrAccumulator) Finalize() float64 { return s.summation }
func newAvgAggr() accumulator {
	return &AvgAggrAccumulator{}
}

type AvgAggrAccumulator struct {
	used   bool
	values float64
	count  float64
}

func (a *AvgAggrAccumulator) Update(value float64) {
	a.used = true
	a.values += value
	a.count++
}
func (a *AvgAggrAccumulator) Finalize() float64 {
	// handles divide by zero
	if !a.used {
		return 0.0
	}
	return a.values / a.count
}

// NumericSummary describes the non-null values of a numeric attribute. With Count == 0
// the other fields are zero.
type NumericSummary struct {
	Attribute operators.Attribute `json:"attribute"`
	Count     int64               `json:"count"`
	Min       float64             `json:"min"`
	Max       float64             `json:"max"`
	Mean      float64             `json:"mean"`
}

// Summarize runs count/min/max/avg over the non-null values of attr in one pass.
func Summarize(rs *operators.RecordSet, attr operators.Attribute) (NumericSummary, error) {
	if err := requireNumeric(attr); err != nil {
		return NumericSummary{}, err
	}
	funcs := []AggrFunc{Count, Min, Max, Avg}
	accs := make([]accumulator, len(funcs))
	for i, fn := range funcs {
		acc, err := newAccumulator(fn)
		if err != nil {
			return NumericSummary{}, err
		}
		accs[i] = acc
	}
	ages := rs.Ages()
	for i := 0; i < ages.Len(); i++ {
		if ages.IsNull(i) {
			continue
		}
		v := float64(ages.Value(i))
		for _, acc := range accs {
			acc.Update(v)
		}
	}
	return NumericSummary{
		Attribute: attr,
		Count:     int64(accs[0].Finalize()),
		Min:       accs[1].Finalize(),
		Max:       accs[2].Finalize(),
		Mean:      accs[3].Finalize(),
	}, nil
}

// AgeBounds returns the smallest and largest age present. ok is false when every age is
// missing.
func AgeBounds(rs *operators.RecordSet) (lo, hi int64, ok bool) {
	s, err := Summarize(rs, operators.Age)
	if err != nil || s.Count == 0 {
		return 0, 0, false
	}
	return int64(s.Min), int64(s.Max), true
}

func aggrToString(t int) string {
	switch AggrFunc(t) {
	case Min:
		return "MIN"
	case Max:
		return "MAX"
	case Count:
		return "COUNT"
	case Sum:
		return "SUM"
	case Avg:
		return "AVG"
	default:
		return "UNKNOWN_AGGREGATE_FUNCTION"
	}
}

func (f AggrFunc) String() string { return aggrToString(int(f)) }
