// Package errors provides custom error types for the Agentdeck application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeValidationError = "VALIDATION_ERROR"

	// Deployment error taxonomy
	ErrCodeConfigInvalid = "CONFIG_INVALID"
	ErrCodeExhausted     = "PORT_EXHAUSTED"
	ErrCodeLaunchFailed  = "LAUNCH_FAILED"
	ErrCodeNotReady      = "NOT_READY"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ConfigInvalid creates an error for an agent configuration that cannot be
// deployed. Nothing is leased or spawned when this is returned.
func ConfigInvalid(agentID string, problems []string) *AppError {
	return &AppError{
		Code:       ErrCodeConfigInvalid,
		Message:    fmt.Sprintf("agent '%s' has invalid tool environment configuration: %s", agentID, strings.Join(problems, ", ")),
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// Exhausted creates an error for a port range with no free ports.
func Exhausted(role string) *AppError {
	return &AppError{
		Code:       ErrCodeExhausted,
		Message:    fmt.Sprintf("no free port in the '%s' range", role),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// LaunchFailed creates an error for a process that could not start.
func LaunchFailed(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeLaunchFailed,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NotReady creates an error for an A2A registration attempted before both
// deployments are running.
func NotReady(message string) *AppError {
	return &AppError{
		Code:       ErrCodeNotReady,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// hasCode checks whether err carries the given application error code.
func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsConfigInvalid checks if the error is a configuration validation failure.
func IsConfigInvalid(err error) bool {
	return hasCode(err, ErrCodeConfigInvalid)
}

// IsExhausted checks if the error is a port exhaustion failure.
func IsExhausted(err error) bool {
	return hasCode(err, ErrCodeExhausted)
}

// IsLaunchFailed checks if the error is a process launch failure.
func IsLaunchFailed(err error) bool {
	return hasCode(err, ErrCodeLaunchFailed)
}

// IsNotReady checks if the error is an A2A registration readiness failure.
func IsNotReady(err error) bool {
	return hasCode(err, ErrCodeNotReady)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
