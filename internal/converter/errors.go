package converter

import (
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-snapshot-converter/internal/storage"
)

// Kind classifies a failed conversion.
type Kind string

const (
	KindSchemaNotFound Kind = "SchemaNotFound"
	KindSourceRead     Kind = "SourceRead"
	KindHeaderMismatch Kind = "HeaderMismatch"
	KindWrite          Kind = "Write"
	KindUpload         Kind = "Upload"
)

// Retryable reports whether a new invocation with the same request may
// succeed. Nothing is retried inside a run.
func (k Kind) Retryable() bool {
	return k == KindSourceRead || k == KindUpload
}

// ErrInvalidRequest is returned when a request is missing required fields.
var ErrInvalidRequest = errors.New("invalid conversion request")

// Error is returned by Convert for every failure after request validation.
type Error struct {
	Kind    Kind
	Dataset string
	Field   string            // missing column for KindHeaderMismatch
	Ref     storage.ObjectRef // object involved, if any
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindSchemaNotFound:
		return fmt.Sprintf("%s: dataset %q: %v", e.Kind, e.Dataset, e.Err)
	case KindHeaderMismatch:
		return fmt.Sprintf("%s: dataset %q: column %q missing from header of %s", e.Kind, e.Dataset, e.Field, e.Ref)
	default:
		if e.Ref.Bucket != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Ref, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure kind is transient.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// KindOf extracts the failure kind from err.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// IsKind reports whether err is a conversion error of kind k.
func IsKind(err error, k Kind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}

// IsRetryable reports whether err is a conversion error of a transient kind.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind.Retryable()
}
