// Package apierror defines the provider-independent error taxonomy.
package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failure independently of the provider that raised it.
type Kind int

const (
	KindInternalServer Kind = iota
	KindAuthentication
	KindPermissionDenied
	KindRateLimit
	KindBadRequest
	KindConnection
	KindTimeout
	KindAbort
	KindUnknownProvider
	KindConfiguration
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrInternalServer   = errors.New("internal server error")
	ErrAuthentication   = errors.New("authentication error")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRateLimit        = errors.New("rate limit exceeded")
	ErrBadRequest       = errors.New("bad request")
	ErrConnection       = errors.New("connection error")
	ErrTimeout          = errors.New("request timed out")
	ErrAbort            = errors.New("request aborted")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrConfiguration    = errors.New("invalid configuration")
)

var sentinels = map[Kind]error{
	KindInternalServer:   ErrInternalServer,
	KindAuthentication:   ErrAuthentication,
	KindPermissionDenied: ErrPermissionDenied,
	KindRateLimit:        ErrRateLimit,
	KindBadRequest:       ErrBadRequest,
	KindConnection:       ErrConnection,
	KindTimeout:          ErrTimeout,
	KindAbort:            ErrAbort,
	KindUnknownProvider:  ErrUnknownProvider,
	KindConfiguration:    ErrConfiguration,
}

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication_error"
	case KindPermissionDenied:
		return "permission_denied"
	case KindRateLimit:
		return "rate_limit_error"
	case KindBadRequest:
		return "invalid_request_error"
	case KindConnection:
		return "connection_error"
	case KindTimeout:
		return "timeout_error"
	case KindAbort:
		return "aborted"
	case KindUnknownProvider:
		return "unknown_provider"
	case KindConfiguration:
		return "configuration_error"
	default:
		return "internal_server_error"
	}
}

// HTTPStatus is the status a gateway front-end should answer with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindBadRequest, KindUnknownProvider:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindAbort:
		return 499
	case KindConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	// Status is the upstream HTTP status, zero when none was received.
	Status int
	// Code is the provider's own error code, verbatim.
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// New builds a classified error.
func New(kind Kind, provider, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// FromStatus classifies a non-2xx HTTP response.
func FromStatus(provider string, status int, code, message string) *Error {
	return &Error{
		Kind:     KindForStatus(status),
		Provider: provider,
		Status:   status,
		Code:     code,
		Message:  message,
	}
}

// KindForStatus maps an HTTP status to a kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindPermissionDenied
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 400 && status < 500:
		return KindBadRequest
	default:
		return KindInternalServer
	}
}

// KindOf returns the kind of err, or KindInternalServer for unclassified errors.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindAbort
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternalServer
}

// IsRetryable reports whether a caller-side retry could plausibly succeed.
// The gateway itself never retries.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindInternalServer, KindConnection, KindTimeout:
		return err != nil
	}
	return false
}
