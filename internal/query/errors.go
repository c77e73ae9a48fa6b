package query

import "fmt"

// QueryError reports a malformed query argument.
type QueryError struct {
	Field  string
	Value  string
	Reason string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *QueryError) Unwrap() error { return e.Err }
