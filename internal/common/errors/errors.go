// Package errors provides the application's error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants.
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeValidationError     = "VALIDATION_ERROR"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeCycleDetected       = "CYCLE_DETECTED"
	ErrCodeStoreUnavailable    = "STORE_UNAVAILABLE"
	ErrCodeInvalidRecord       = "INVALID_RECORD"
	ErrCodeProtocolError       = "PROTOCOL_ERROR"
	ErrCodePeerClosed          = "PEER_CLOSED"
	ErrCodeRequestTimeout      = "REQUEST_TIMEOUT"
	ErrCodeSendFailed          = "SEND_FAILED"
	ErrCodeNotInitialized      = "NOT_INITIALIZED"
	ErrCodeAgentUnavailable    = "AGENT_UNAVAILABLE"
	ErrCodeTaskFailed          = "TASK_FAILED"
	ErrCodeInterventionExpired = "INTERVENTION_EXPIRED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`

	// Path carries structured data for errors that need it, e.g. the
	// offending dependency cycle for CycleDetected.
	Path []string `json:"path,omitempty"`
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

// NewNotFound creates a not-found error for a resource.
func NewNotFound(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id %q not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// NewBadRequest creates an input-invalid error.
func NewBadRequest(message string) *AppError {
	return &AppError{Code: ErrCodeBadRequest, Message: message, HTTPStatus: http.StatusBadRequest}
}

// NewConflict creates a conflict error.
func NewConflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// NewValidation creates a validation error for a specific field.
func NewValidation(field, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field %q: %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInternal wraps an underlying error as an internal server error.
func NewInternal(message string, err error) *AppError {
	return &AppError{Code: ErrCodeInternalError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// NewCycleDetected reports a dependency cycle, carrying the offending path.
func NewCycleDetected(path []string) *AppError {
	return &AppError{
		Code:       ErrCodeCycleDetected,
		Message:    fmt.Sprintf("dependency cycle detected: %v", path),
		HTTPStatus: http.StatusUnprocessableEntity,
		Path:       path,
	}
}

// NewStoreUnavailable reports a retryable memory store infrastructure fault.
func NewStoreUnavailable(message string, err error) *AppError {
	return &AppError{Code: ErrCodeStoreUnavailable, Message: message, HTTPStatus: http.StatusServiceUnavailable, Err: err}
}

// NewInvalidRecord reports a fatal, non-retryable memory record validation fault.
func NewInvalidRecord(message string) *AppError {
	return &AppError{Code: ErrCodeInvalidRecord, Message: message, HTTPStatus: http.StatusBadRequest}
}

// NewProtocolError reports a malformed ACP payload; the connection stays open.
func NewProtocolError(message string, err error) *AppError {
	return &AppError{Code: ErrCodeProtocolError, Message: message, HTTPStatus: http.StatusBadGateway, Err: err}
}

// NewPeerClosed reports that the agent's stdio stream closed mid-request.
func NewPeerClosed(message string) *AppError {
	return &AppError{Code: ErrCodePeerClosed, Message: message, HTTPStatus: http.StatusBadGateway}
}

// NewRequestTimeout reports an ACP request that exceeded its deadline.
func NewRequestTimeout(method string) *AppError {
	return &AppError{Code: ErrCodeRequestTimeout, Message: fmt.Sprintf("request timed out: %s", method), HTTPStatus: http.StatusGatewayTimeout}
}

// NewSendFailed reports a failed write to an agent's stdin.
func NewSendFailed(message string, err error) *AppError {
	return &AppError{Code: ErrCodeSendFailed, Message: message, HTTPStatus: http.StatusBadGateway, Err: err}
}

// NewNotInitialized reports an outbound call attempted before the ACP handshake completed.
func NewNotInitialized() *AppError {
	return &AppError{Code: ErrCodeNotInitialized, Message: "protocol adapter has not completed handshake", HTTPStatus: http.StatusConflict}
}

// NewAgentUnavailable reports no idle agent for a role.
func NewAgentUnavailable(role string) *AppError {
	return &AppError{Code: ErrCodeAgentUnavailable, Message: fmt.Sprintf("no idle agent available for role %q", role), HTTPStatus: http.StatusServiceUnavailable}
}

// NewTaskFailed reports a task that exhausted its retries.
func NewTaskFailed(taskID, cause string) *AppError {
	return &AppError{Code: ErrCodeTaskFailed, Message: fmt.Sprintf("task %s failed: %s", taskID, cause), HTTPStatus: http.StatusUnprocessableEntity}
}

// NewInterventionExpired reports a gate that expired before resolution.
func NewInterventionExpired(interventionID string) *AppError {
	return &AppError{Code: ErrCodeInterventionExpired, Message: fmt.Sprintf("intervention %s expired", interventionID), HTTPStatus: http.StatusRequestTimeout}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
			Path:       appErr.Path,
		}
	}

	return &AppError{Code: ErrCodeInternalError, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// IsNotFound checks if the error is a not-found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == ErrCodeNotFound
}

// IsBadRequest checks if the error is a bad-request/validation error.
func IsBadRequest(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeBadRequest || appErr.Code == ErrCodeValidationError
	}
	return false
}

// IsRetryable reports whether err is one of the infrastructure faults this
// system retries with exponential backoff rather than surfacing immediately.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case ErrCodeStoreUnavailable, ErrCodeProtocolError, ErrCodePeerClosed, ErrCodeRequestTimeout, ErrCodeSendFailed:
		return true
	default:
		return false
	}
}

// GetHTTPStatus returns the HTTP status code for an error, defaulting to 500.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
