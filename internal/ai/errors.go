package ai

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// StatusError is a non 2xx reply from a provider http api.
type StatusError struct {
	Provider   string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request failed: %s: %s", e.Provider, e.Status, e.Body)
}

// ThrottleError marks a provider specific throttling signal that did not come
// as an http 429, e.g. an error event inside a stream.
type ThrottleError struct {
	Provider string
	Message  string
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("%s throttled: %s", e.Provider, e.Message)
}

// IsThrottle reports whether err is a rate limit signal worth retrying.
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}
	var te *ThrottleError
	if errors.As(err, &te) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		// 529 is anthropic's "overloaded"
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode == 529
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return isGenaiThrottle(apiErr)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return isGenaiThrottle(*apiErrPtr)
	}
	return false
}

func isGenaiThrottle(e genai.APIError) bool {
	return e.Code == http.StatusTooManyRequests || strings.EqualFold(e.Status, "RESOURCE_EXHAUSTED")
}

func truncateBody(body []byte) string {
	const max = 512
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
