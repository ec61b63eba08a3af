package errcode

import (
	"context"
	"errors"

	appErr "github.com/xxxsen/scrapeindex/internal/pkg/errors"
)

const (
	ErrUnknown = 10000000 + iota
	ErrNotFound
	ErrInvalid
	ErrConflict
	ErrInternal
	ErrExtraction
	ErrRateLimited
	ErrBackendUnavailable
	ErrUnsupported
	ErrConfiguration
	ErrCanceled
	ErrMethodNotFound
)

// FromError maps a pipeline error to the code and message surfaced to rpc callers.
func FromError(err error) (int, string) {
	switch {
	case err == nil:
		return 0, ""
	case errors.Is(err, appErr.ErrNotFound):
		return ErrNotFound, "not found"
	case errors.Is(err, appErr.ErrInvalid):
		return ErrInvalid, err.Error()
	case errors.Is(err, appErr.ErrConflict):
		return ErrConflict, "conflict"
	case errors.Is(err, appErr.ErrExtraction):
		var ee *appErr.ExtractionError
		if errors.As(err, &ee) {
			return ErrExtraction, "extraction failed: " + ee.Reason
		}
		return ErrExtraction, "extraction failed"
	case errors.Is(err, appErr.ErrRateLimitExceeded):
		return ErrRateLimited, "provider rate limit exceeded"
	case errors.Is(err, appErr.ErrBackendUnavailable):
		return ErrBackendUnavailable, "backend unavailable"
	case errors.Is(err, appErr.ErrUnsupportedOperation):
		return ErrUnsupported, "unsupported operation"
	case errors.Is(err, appErr.ErrConfiguration):
		return ErrConfiguration, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrCanceled, "request canceled"
	default:
		return ErrInternal, "internal error"
	}
}
