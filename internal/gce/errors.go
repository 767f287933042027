package gce

import (
	"context"
	"errors"
	"net/http"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"

	"github.com/JakeFAU/gce-vm-relay/internal/relay"
)

// classify wraps err in a relay.ProviderError whose Status reflects what
// the provider said. Caller-facing client errors pass through; the rest and
// unclassified failures become 502.
func classify(err error) error {
	perr := &relay.ProviderError{Status: http.StatusBadGateway, Message: err.Error(), Err: err}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		perr.Status = passthrough(gerr.Code)
		if gerr.Message != "" {
			perr.Message = gerr.Message
		}
	} else if aerr, ok := apierror.FromError(err); ok {
		if code := aerr.HTTPCode(); code > 0 {
			perr.Status = passthrough(code)
		} else if st := aerr.GRPCStatus(); st != nil {
			perr.Status = fromGRPC(st.Code())
			if msg := st.Message(); msg != "" {
				perr.Message = msg
			}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		perr.Status = http.StatusGatewayTimeout
	}
	return perr
}

// passthrough keeps provider statuses that describe the caller's request.
// Anything else, including 4xx codes about the relay's own call, is a bad gateway.
func passthrough(code int) int {
	switch code {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusTooManyRequests:
		return code
	default:
		return http.StatusBadGateway
	}
}

func fromGRPC(code codes.Code) int {
	switch code {
	case codes.InvalidArgument, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted, codes.FailedPrecondition:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
