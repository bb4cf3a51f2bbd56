package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error carrying a stable code. Realtime handlers map the
// code onto an in-band frame; HTTP handlers render it through pkg/response.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches on the error code so wrapped copies compare equal to their sentinel.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Realtime taxonomy.
var (
	// ErrAuthExpired marks a session that exists but is past its expiry.
	ErrAuthExpired = &AppError{
		Code:       "AUTH_EXPIRED",
		Message:    "Session expired",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrTargetUnreachable marks an addressed user without an open, valid connection.
	ErrTargetUnreachable = &AppError{
		Code:       "TARGET_UNREACHABLE",
		Message:    "User is not reachable",
		StatusCode: http.StatusNotFound,
	}

	// ErrPersistenceFailure wraps store read/write failures.
	ErrPersistenceFailure = &AppError{
		Code:       "PERSISTENCE_FAILURE",
		Message:    "Storage operation failed",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrMalformedMessage marks an inbound frame that could not be decoded.
	ErrMalformedMessage = &AppError{
		Code:       "MALFORMED_MESSAGE",
		Message:    "Malformed message",
		StatusCode: http.StatusBadRequest,
	}
)

// HTTP errors.
var (
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHENTICATED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       "FORBIDDEN",
		Message:    "Permission denied",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// Persistence wraps a store error as a PERSISTENCE_FAILURE. Nil stays nil.
func Persistence(err error) error {
	if err == nil {
		return nil
	}
	return ErrPersistenceFailure.WithInternal(err)
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}
