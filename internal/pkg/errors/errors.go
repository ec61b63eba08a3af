package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid")
	ErrConflict = errors.New("conflict")
	ErrInternal = errors.New("internal")

	ErrExtraction           = errors.New("extraction failed")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrConfiguration        = errors.New("configuration error")
)

// ExtractionError reports why a url could not be turned into a document.
type ExtractionError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.URL, e.Reason)
}

func (e *ExtractionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExtraction}
	}
	return []error{ErrExtraction, e.Err}
}

func NewExtractionError(url, reason string, err error) error {
	return &ExtractionError{URL: url, Reason: reason, Err: err}
}

func Configurationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsRateLimit(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded)
}
