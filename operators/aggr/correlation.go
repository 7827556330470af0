package aggr

import (
	"math"

	"medquery-go/operators"
)

// Correlation one-hot expands categorical, sums the indicator columns of each record and
// returns the Pearson coefficient between that sum and numeric, over the records where
// numeric is present.
//
// A record carries at most one category, so its indicator sum is 1 when categorical is
// present and 0 when it is missing. The result is clamped to [-1, 1]. When either side
// has zero variance the coefficient is undefined and 0 is returned instead.
func Correlation(rs *operators.RecordSet, numeric, categorical operators.Attribute) (float64, error) {
	if err := requireNumeric(numeric); err != nil {
		return 0, err
	}
	if err := requireCategorical(categorical); err != nil {
		return 0, err
	}

	ages := rs.Ages()
	cats := rs.Strings(categorical)
	xs := make([]float64, 0, ages.Len())
	ys := make([]float64, 0, ages.Len())
	for i := 0; i < ages.Len(); i++ {
		if ages.IsNull(i) {
			continue
		}
		xs = append(xs, float64(ages.Value(i)))
		if cats.IsValid(i) {
			ys = append(ys, 1)
		} else {
			ys = append(ys, 0)
		}
	}
	if len(xs) == 0 {
		return 0, &operators.EmptyInputError{Operation: "correlation", Attribute: numeric}
	}
	return pearson(xs, ys), nil
}

// pearson expects len(xs) == len(ys) > 0.
func pearson(xs, ys []float64) float64 {
	mx, my := newAvgAggr(), newAvgAggr()
	for i := range xs {
		mx.Update(xs[i])
		my.Update(ys[i])
	}
	meanX, meanY := mx.Finalize(), my.Finalize()

	sxx, syy, sxy := NewSumAggr(), NewSumAggr(), NewSumAggr()
	for i := range xs {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		sxx.Update(dx * dx)
		syy.Update(dy * dy)
		sxy.Update(dx * dy)
	}
	vx, vy := sxx.Finalize(), syy.Finalize()
	if vx == 0 || vy == 0 {
		return 0
	}
	r := sxy.Finalize() / math.Sqrt(vx*vy)
	if math.IsNaN(r) {
		return 0
	}
	return math.Max(-1, math.Min(1, r))
}
