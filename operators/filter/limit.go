package filter

import (
	"medquery-go/operators"
)

// Limit returns the first count records of rs, or all of them when rs is shorter.
// The result shares rs's buffers.
func Limit(rs *operators.RecordSet, count int) *operators.RecordSet {
	switch {
	case count <= 0:
		return rs.Slice(0, 0)
	case count >= rs.Len():
		return rs.Slice(0, rs.Len())
	default:
		return rs.Slice(0, count)
	}
}
