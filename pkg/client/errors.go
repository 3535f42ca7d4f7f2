package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTimeout        = errors.New("job status timeout")
	ErrNetwork        = errors.New("network error")
	ErrJobNotFound    = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrNoCredential   = errors.New("no credential available")
	ErrRateLimited    = errors.New("rate limited")
	ErrInvalidRequest = errors.New("invalid request")
	ErrPushRejected   = errors.New("push channel error")
)

// APIError is a non-2xx answer from the broker.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("broker returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("broker returned %d (%s)", e.StatusCode, e.Code)
}

// Unwrap maps status codes onto the package sentinels so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrJobNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		return ErrForbidden
	case http.StatusServiceUnavailable:
		if e.Code == "no_credential_available" {
			return ErrNoCredential
		}
		return ErrNetwork
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusBadRequest, http.StatusConflict:
		return ErrInvalidRequest
	}
	if e.StatusCode >= 500 {
		return ErrNetwork
	}
	return nil
}

// fatal reports whether retrying err cannot succeed.
func fatal(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrInvalidRequest)
}
