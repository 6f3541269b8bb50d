package media

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is a cache miss.
	ErrNotFound = errors.New("media: not found")
	// ErrTimeout means an upload attempt exceeded its time budget.
	ErrTimeout = errors.New("media: transfer timed out")
	// ErrTransferFailed is a transport-level failure.
	ErrTransferFailed = errors.New("media: transfer failed")
	// ErrCompressionFailed is returned when the compression service rejects the input.
	ErrCompressionFailed = errors.New("media: compression failed")
	// ErrValidationFailed marks input that can never succeed, such as an oversize file.
	ErrValidationFailed = errors.New("media: validation failed")
	// ErrIO is a local filesystem failure.
	ErrIO = errors.New("media: io failure")
	// ErrCancelled means the caller abandoned the operation.
	ErrCancelled = errors.New("media: cancelled")
)

// ErrorKind is a coarse classification of errors for logs and metrics.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindNotFound    ErrorKind = "not_found"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindTransfer    ErrorKind = "transfer_failed"
	ErrorKindCompression ErrorKind = "compression_failed"
	ErrorKindValidation  ErrorKind = "validation_failed"
	ErrorKindIO          ErrorKind = "io_failed"
	ErrorKindCancelled   ErrorKind = "cancelled"
	ErrorKindUnknown     ErrorKind = "unknown"
)

// KindOf maps err onto its ErrorKind. Context errors that were not wrapped
// by the pipeline are classified as cancellation or timeout respectively.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrCancelled):
		return ErrorKindCancelled
	case errors.Is(err, ErrTimeout):
		return ErrorKindTimeout
	case errors.Is(err, ErrValidationFailed):
		return ErrorKindValidation
	case errors.Is(err, ErrCompressionFailed):
		return ErrorKindCompression
	case errors.Is(err, ErrNotFound):
		return ErrorKindNotFound
	case errors.Is(err, ErrIO):
		return ErrorKindIO
	case errors.Is(err, ErrTransferFailed):
		return ErrorKindTransfer
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	default:
		return ErrorKindUnknown
	}
}

// PermanentError wraps a transfer error that retrying cannot fix, such as an
// authorization failure reported by the remote store.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e PermanentError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error.
func (e PermanentError) Unwrap() error { return e.Err }

// Permanent marks this error as terminal for the retry loop.
func (PermanentError) Permanent() bool { return true }

// IsPermanent reports whether any error in err's chain declares itself permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	type permanent interface {
		Permanent() bool
	}
	var p permanent
	return errors.As(err, &p) && p.Permanent()
}
