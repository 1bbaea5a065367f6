package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for validation failures.
var (
	ErrEmptyQuery      = errors.New("query is required")
	ErrQueryTooLong    = errors.New("query too long")
	ErrInvalidTopK     = errors.New("top_k must be at least 1")
	ErrUnknownField    = errors.New("unknown filter field")
	ErrFieldNotFilter  = errors.New("field is not filterable")
	ErrFilterOperator  = errors.New("unsupported filter operator")
	ErrFilterValue     = errors.New("invalid filter value")
	ErrEmptyDataset    = errors.New("dataset is empty")
	ErrMissingRecordID = errors.New("record id is missing")
)

// ValidationError is a rejected request field. Err is one of the sentinels
// above; Value is the offending input, possibly truncated.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v: %q", e.Field, e.Err, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError returns a ValidationError for field.
func NewValidationError(field, value string, err error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Err: err}
}
