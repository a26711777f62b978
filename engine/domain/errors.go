package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by the engine packages.
var (
	ErrMissingField    = errors.New("missing required field")
	ErrNotNumeric      = errors.New("not numeric")
	ErrMalformedRow    = errors.New("malformed row")
	ErrInvalidTyreSize = errors.New("invalid tyre size")
	ErrInvalidQuery    = errors.New("invalid query")
	ErrInvalidPhone    = errors.New("invalid phone number")
	ErrUnknownTier     = errors.New("unknown budget tier")
	ErrQueryTooShort   = errors.New("query too short")
	ErrQueryInjection  = errors.New("query contains suspicious content")
	ErrQueryProfanity  = errors.New("query contains profanity")

	ErrSchemaMismatch       = errors.New("schema mismatch")
	ErrArtifactMissing      = errors.New("artifact missing")
	ErrArtifactCorrupt      = errors.New("artifact corrupt")
	ErrEstimatorUnavailable = errors.New("estimator unavailable")
	ErrIndexFinalized       = errors.New("index already finalized")
	ErrNoIndex              = errors.New("no index published")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// Reason returns a stable "field/kind" label for counting rejections.
func (e *ValidationError) Reason() string {
	kind := "invalid"
	switch {
	case errors.Is(e.Wrapped, ErrMissingField):
		kind = "missing"
	case errors.Is(e.Wrapped, ErrNotNumeric):
		kind = "not_numeric"
	case errors.Is(e.Wrapped, ErrInvalidTyreSize):
		kind = "bad_size"
	case errors.Is(e.Wrapped, ErrMalformedRow):
		return "row/malformed"
	}
	return e.Field + "/" + kind
}

// SchemaError reports a structural mismatch between a source (a CSV header or
// an artifact codec) and the fields the engine requires.
type SchemaError struct {
	Source  string
	Missing []string
	Detail  string
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema mismatch in %s", e.Source)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing %s", strings.Join(e.Missing, ", "))
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	return b.String()
}

func (e *SchemaError) Unwrap() error { return ErrSchemaMismatch }

// ArtifactError names the estimator whose artifact could not be used.
type ArtifactError struct {
	Kind    string
	Path    string
	Wrapped error
}

func (e *ArtifactError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("artifact %s (%s): %v", e.Kind, e.Path, e.Wrapped)
	}
	return fmt.Sprintf("artifact %s: %v", e.Kind, e.Wrapped)
}

func (e *ArtifactError) Unwrap() error { return e.Wrapped }
