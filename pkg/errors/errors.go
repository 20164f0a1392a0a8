package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Human readable failure reasons surfaced alongside error codes.
const (
	ReasonHostOffline      = "host_offline"
	ReasonTimeout          = "timeout"
	ReasonRejected         = "rejected"
	ReasonPoolExhausted    = "pool_exhausted"
	ReasonRelayUnavailable = "relay_unavailable"
	ReasonHeartbeatLost    = "heartbeat_lost"
	ReasonMaxDuration      = "max_duration"
	ReasonInvalidState     = "invalid_state"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Reason     string `json:"reason,omitempty"`
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

// Is reports whether target is an AppError with the same code, so decorated
// copies still match their sentinel.
func (e *AppError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*AppError)
	if !ok || t == nil {
		return false
	}
	return e.Code == t.Code
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

// WithReason returns a copy of the AppError carrying a human readable reason.
func (e *AppError) WithReason(reason string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Reason = reason
	return &cpy
}

// WithMessage returns a copy of the AppError with a replacement message.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = message
	return &cpy
}

// Error kinds exposed to the rest of the application.
var (
	ErrUnauthenticated = &AppError{
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

	ErrConflict = &AppError{
		Code:       "CONFLICT",
		Message:    "Request conflicts with current state",
		StatusCode: http.StatusConflict,
	}

	ErrTimeout = &AppError{
		Code:       "TIMEOUT",
		Message:    "Deadline exceeded",
		Reason:     ReasonTimeout,
		StatusCode: http.StatusGatewayTimeout,
	}

	ErrUpstreamUnavailable = &AppError{
		Code:       "UPSTREAM_UNAVAILABLE",
		Message:    "Upstream peer is unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternal = &AppError{
		Code:       "INTERNAL",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrRateLimit = &AppError{
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "Too many requests, please slow down",
		StatusCode: http.StatusTooManyRequests,
	}

	ErrPoolExhausted = &AppError{
		Code:       ErrConflict.Code,
		Message:    "No overlay addresses available",
		Reason:     ReasonPoolExhausted,
		StatusCode: http.StatusConflict,
	}

	ErrHostOffline = &AppError{
		Code:       ErrUpstreamUnavailable.Code,
		Message:    "Host is offline",
		Reason:     ReasonHostOffline,
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrInvalidTransition = &AppError{
		Code:       ErrConflict.Code,
		Message:    "Session state transition not allowed",
		Reason:     ReasonInvalidState,
		StatusCode: http.StatusConflict,
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

// Wrap turns any error into an internal AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       ErrInternal.Code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternal.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternal.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}

// ReasonOf extracts the human readable reason of err, if any.
func ReasonOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Reason
	}
	return ""
}
