// Package errors defines the error classes of the streaming engine and the
// HTTP service, and renders them as JSON.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType classifies an AppError.
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeInternal     ErrorType = "INTERNAL_ERROR"
	ErrorTypeTimeout      ErrorType = "TIMEOUT"
	ErrorTypeServiceDown  ErrorType = "SERVICE_DOWN"
	ErrorTypeInvalidState ErrorType = "INVALID_STATE"

	// Engine error classes. Only configuration and manifest errors reach
	// callers of the engine; the others are absorbed and surface in logs
	// and telemetry.
	ErrorTypeConfiguration    ErrorType = "CONFIGURATION_ERROR"
	ErrorTypeManifestFetch    ErrorType = "MANIFEST_FETCH_ERROR"
	ErrorTypeSegmentFetch     ErrorType = "SEGMENT_FETCH_ERROR"
	ErrorTypeBufferStarvation ErrorType = "BUFFER_STARVATION"
)

// AppError carries a type, a client-safe message and the HTTP status the
// API answers with.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetails attaches structured details rendered in the API response.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// WithCode sets a machine-readable code.
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

func New(errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{Type: errType, Message: message, HTTPStatus: httpStatus}
}

func Wrap(err error, errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{Type: errType, Message: message, HTTPStatus: httpStatus, Err: err}
}

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewInternalError(message string) *AppError {
	return New(ErrorTypeInternal, message, http.StatusInternalServerError)
}

func WrapInternalError(err error, message string) *AppError {
	return Wrap(err, ErrorTypeInternal, message, http.StatusInternalServerError)
}

// NewTimeoutError reports an upstream fetch or check that ran out of time.
func NewTimeoutError(message string) *AppError {
	return New(ErrorTypeTimeout, message, http.StatusGatewayTimeout)
}

// NewServiceDownError reports a dependency such as the session registry
// being unreachable.
func NewServiceDownError(service string) *AppError {
	return New(ErrorTypeServiceDown, fmt.Sprintf("%s service is currently unavailable", service), http.StatusServiceUnavailable)
}

// NewInvalidStateError reports an operation that is not allowed in the
// current session state.
func NewInvalidStateError(op, state string) *AppError {
	return New(ErrorTypeInvalidState, fmt.Sprintf("cannot %s while %s", op, state), http.StatusConflict)
}

// NewConfigurationError creates a configuration error. These are returned
// synchronously from constructors and never defaulted away.
func NewConfigurationError(format string, args ...interface{}) *AppError {
	return New(ErrorTypeConfiguration, fmt.Sprintf(format, args...), http.StatusBadRequest)
}

// NewManifestFetchError wraps a manifest network or parse failure.
func NewManifestFetchError(err error, url string) *AppError {
	return Wrap(err, ErrorTypeManifestFetch, fmt.Sprintf("failed to fetch manifest %s", url), http.StatusBadGateway).
		WithDetails(map[string]interface{}{"url": url})
}

// NewSegmentFetchError wraps a segment download failure for a tile.
func NewSegmentFetchError(err error, tileID, index int) *AppError {
	return Wrap(err, ErrorTypeSegmentFetch, fmt.Sprintf("segment %d of tile %d failed", index, tileID), http.StatusBadGateway).
		WithDetails(map[string]interface{}{"tile_id": tileID, "index": index})
}

// NewBufferStarvationError reports a playable horizon below the minimum.
func NewBufferStarvationError(buffered, minimum time.Duration) *AppError {
	return New(ErrorTypeBufferStarvation, fmt.Sprintf("buffered %s below minimum %s", buffered, minimum), http.StatusServiceUnavailable).
		WithDetails(map[string]interface{}{"buffered_ms": buffered.Milliseconds(), "min_ms": minimum.Milliseconds()})
}

// GetAppError extracts AppError from an error chain.
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType reports whether any AppError in err's chain has the given type.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		appErr, ok := GetAppError(err)
		if !ok {
			return false
		}
		if appErr.Type == errType {
			return true
		}
		err = appErr.Err
	}
	return false
}
