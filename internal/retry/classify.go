package retry

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var retryableKeywords = []string{
	"throttl",
	"rate limit",
	"too many requests",
	"service unavailable",
	"internal server error",
	"timeout",
	"connection reset",
	"network",
}

// NamedError is an error carrying a provider error name such as
// "ThrottlingException".
type NamedError struct {
	Name string
	Msg  string
}

// NewNamedError creates a NamedError.
func NewNamedError(name, msg string) *NamedError {
	return &NamedError{Name: name, Msg: msg}
}

func (e *NamedError) Error() string { return e.Name + ": " + e.Msg }

// ErrorName returns the provider error name.
func (e *NamedError) ErrorName() string { return e.Name }

// IsRetryable reports whether err should be retried.
func (e *Engine) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if e.classify != nil {
		return e.classify(err)
	}
	if name := ErrorName(err); name != "" && e.names[name] {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range retryableKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// ErrorName derives a provider-style error name from err, or "".
func ErrorName(err error) string {
	var named interface{ ErrorName() string }
	if errors.As(err, &named) {
		return named.ErrorName()
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return httpStatusName(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return httpStatusName(reqErr.HTTPStatusCode)
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return httpStatusName(gErr.Code)
	}

	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.ResourceExhausted:
			return "ThrottlingException"
		case codes.Unavailable:
			return "ServiceUnavailable"
		case codes.Internal:
			return "InternalServerError"
		case codes.InvalidArgument:
			return "ValidationException"
		}
	}
	return ""
}

func httpStatusName(code int) string {
	switch code {
	case http.StatusTooManyRequests:
		return "TooManyRequestsException"
	case http.StatusInternalServerError:
		return "InternalServerError"
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return "ServiceUnavailable"
	}
	return ""
}
