package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/valandreev/mediasync/pkg/media"
)

// MapStatus turns a failed remote call into a media error. status is the HTTP
// status reported by the SDK, or 0 when none is known.
//
// Authorization and bad request failures are permanent. Missing objects map to
// ErrNotFound. Everything else is a retryable transfer failure.
func MapStatus(op string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %w", media.ErrCancelled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", media.ErrTimeout, op, err)
	}

	switch status {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s: %w", media.ErrNotFound, op, err)
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusMethodNotAllowed, http.StatusRequestEntityTooLarge:
		return media.PermanentError{Err: fmt.Errorf("%w: %s: status %d: %w", media.ErrTransferFailed, op, status, err)}
	}
	return fmt.Errorf("%w: %s: %w", media.ErrTransferFailed, op, err)
}
