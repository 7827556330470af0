package operators

import (
	"fmt"
)

// InvalidRangeError is returned when a range predicate has min > max.
type InvalidRangeError struct {
	Attribute Attribute
	Min, Max  int64
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range for %s: min %d is greater than max %d", e.Attribute, e.Min, e.Max)
}

// UnknownAttributeError is returned for a name outside the schema, or an attribute used
// where its kind does not fit (a range over a categorical column, for instance).
type UnknownAttributeError struct {
	Name   string
	Reason string
}

func (e *UnknownAttributeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("attribute %q: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("unknown attribute %q", e.Name)
}

// EmptyInputError is returned when an aggregation has no eligible records.
type EmptyInputError struct {
	Operation string
	Attribute Attribute
}

func (e *EmptyInputError) Error() string {
	return fmt.Sprintf("%s over %s: no non-null records", e.Operation, e.Attribute)
}

// SamplingSizeError is returned for a negative sample size.
type SamplingSizeError struct {
	Requested int
}

func (e *SamplingSizeError) Error() string {
	return fmt.Sprintf("sample size must be non-negative, got %d", e.Requested)
}

// MalformedRowError rejects input at the ingestion boundary. Row is zero-based over data
// rows; -1 means the header.
type MalformedRowError struct {
	Row    int
	Column string
	Value  string
	Reason string
	Err    error
}

func (e *MalformedRowError) Error() string {
	msg := fmt.Sprintf("malformed row %d", e.Row)
	if e.Row < 0 {
		msg = "malformed header"
	}
	if e.Column != "" {
		msg += fmt.Sprintf(" column %s", e.Column)
	}
	if e.Value != "" {
		msg += fmt.Sprintf(" value %q", e.Value)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedRowError) Unwrap() error { return e.Err }
