package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrValidation marks requests whose instance identity could not be resolved.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a missing identity field after defaults and
// overrides were applied.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	if e.Field == "project" {
		return "project is not configured"
	}
	return fmt.Sprintf("query param '%s' is required", e.Field)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ProviderError is a rejection or failure reported by the compute API.
type ProviderError struct {
	// Status is the HTTP status the relay answers with.
	Status  int
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.Status)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// KindOf maps an error onto the kind reported to callers.
func KindOf(err error) ErrorKind {
	if errors.Is(err, ErrValidation) {
		return ErrorKindValidation
	}
	return ErrorKindProvider
}

// HTTPStatus picks the response status for a failed request.
func HTTPStatus(err error) int {
	var perr *ProviderError
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.As(err, &perr) && perr.Status > 0:
		return perr.Status
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
