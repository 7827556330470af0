package aggr

import (
	"context"
	"errors"
	"math/rand/v2"

	"medquery-go/operators"
)

var ErrNilRandomSource = errors.New("sample requires a random source")

// Sample draws min(n, rs.Len()) distinct records uniformly at random. All randomness
// comes from r; concurrent callers must each bring their own source.
func Sample(ctx context.Context, rs *operators.RecordSet, n int, r *rand.Rand) (*operators.RecordSet, error) {
	if n < 0 {
		return nil, &operators.SamplingSizeError{Requested: n}
	}
	if r == nil {
		return nil, ErrNilRandomSource
	}
	return rs.Take(ctx, sampleIndices(rs.Len(), n, r))
}

// sampleIndices is a partial Fisher-Yates shuffle: the first k slots end up holding a
// uniform k-subset of [0, size) in random order.
func sampleIndices(size, n int, r *rand.Rand) []int {
	k := min(n, size)
	idx := make([]int, size)
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + r.IntN(size-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx[:k]
}
