// ABOUTME: Typed authentication, authorization and validation errors
// ABOUTME: Maps error kinds onto HTTP status codes and gRPC codes

package auth

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an Error.
type Kind int

const (
	KindAuthentication Kind = iota + 1 // missing, invalid, expired or revoked credential
	KindAuthorization                  // valid identity, insufficient privilege
	KindValidation                     // malformed input
	KindConflict                       // uniqueness violation
	KindCryptoFailure                  // stored secret could not be decrypted
	KindSSRFRejected                   // outbound target denied
	KindNotFound                       // referenced resource does not exist
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindCryptoFailure:
		return "crypto_failure"
	case KindSSRFRejected:
		return "ssrf_rejected"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrAuthentication = &Error{Kind: KindAuthentication, Message: "authentication required"}
	ErrAuthorization  = &Error{Kind: KindAuthorization, Message: "insufficient privilege"}
	ErrValidation     = &Error{Kind: KindValidation, Message: "invalid input"}
	ErrConflict       = &Error{Kind: KindConflict, Message: "already exists"}
	ErrCryptoFailure  = &Error{Kind: KindCryptoFailure, Message: "secret unavailable"}
	ErrSSRFRejected   = &Error{Kind: KindSSRFRejected, Message: "destination not allowed"}
	ErrNotFound       = &Error{Kind: KindNotFound, Message: "not found"}
)

// Error is a classified error whose Message is safe to show to the caller.
type Error struct {
	Kind    Kind
	Message string
	Err     error // internal cause, never shown to callers
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError creates a classified error.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Unauthenticated returns an authentication error with a caller-safe message.
func Unauthenticated(message string) *Error {
	return &Error{Kind: KindAuthentication, Message: message}
}

// Forbidden returns an authorization error with a caller-safe message.
func Forbidden(message string) *Error {
	return &Error{Kind: KindAuthorization, Message: message}
}

// Invalid returns a validation error with a caller-safe message.
func Invalid(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// Conflict returns a conflict error with a caller-safe message.
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// NotFound returns a not-found error with a caller-safe message.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// KindOf returns the kind of err, or 0 if it is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// PublicMessage returns the caller-safe message of err.
// Unclassified errors get a generic message.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation, KindSSRFRejected:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindCryptoFailure:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// GRPCStatus maps err onto a gRPC status error.
func GRPCStatus(err error) error {
	var code codes.Code
	switch KindOf(err) {
	case KindAuthentication:
		code = codes.Unauthenticated
	case KindAuthorization:
		code = codes.PermissionDenied
	case KindValidation, KindSSRFRejected:
		code = codes.InvalidArgument
	case KindConflict:
		code = codes.AlreadyExists
	case KindCryptoFailure:
		code = codes.FailedPrecondition
	case KindNotFound:
		code = codes.NotFound
	default:
		code = codes.Internal
	}
	return status.Error(code, PublicMessage(err))
}
