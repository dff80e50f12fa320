package opportunity

import (
	"fmt"
)

// ExtractionError reports a transient provider failure (unavailable, timed
// out, rate limited). The email is marked failed and retried on the next run.
type ExtractionError struct {
	SourceKey string
	Err       error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for %s: %v", e.SourceKey, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Temporary is always true; provider failures are retried on the next run.
func (e *ExtractionError) Temporary() bool { return true }

// ParseError reports model output that failed schema validation. It is
// non-fatal and the email is treated as carrying no candidate.
type ParseError struct {
	SourceKey string
	Excerpt   string // leading part of the raw output
	Err       error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed model output for %s: %v", e.SourceKey, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FilterError means the deterministic matcher hit an impossible state. It is
// a programming error.
type FilterError struct {
	SourceKey string
	Err       error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter failed for %s: %v", e.SourceKey, e.Err)
}

func (e *FilterError) Unwrap() error { return e.Err }

// StoreError wraps a failure of the external store. The email is marked
// failed; already stored data is never lost.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// excerpt trims raw model output for inclusion in errors and logs.
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// NewParseError builds a ParseError carrying a short excerpt of raw.
func NewParseError(sourceKey, raw string, err error) *ParseError {
	return &ParseError{SourceKey: sourceKey, Excerpt: excerpt(raw, 200), Err: err}
}
