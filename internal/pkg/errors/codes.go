package errors

import (
	"fmt"
	"net/http"
)

// Error codes are stable and machine readable. Messages are English and
// intended for logs and operators.

// Dispatch error codes.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeUnknownCategory  = "UNKNOWN_CATEGORY"
)

// Read surface error codes.
const (
	CodeNotificationNotFound = "NOTIFICATION_NOT_FOUND"
	CodeInvalidCursor        = "INVALID_CURSOR"
	CodeRecipientRequired    = "RECIPIENT_REQUIRED"
)

// Preference error codes.
const (
	CodeInvalidPreference = "INVALID_PREFERENCE"
)

// ErrValidationf creates a non-retryable validation error for a dispatch or
// preference request.
func ErrValidationf(format string, args ...interface{}) *AppError {
	return &AppError{
		Code:       CodeValidationFailed,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: http.StatusBadRequest,
	}
}

// ErrStoreUnavailable wraps a persistence failure. Callers retry the whole
// operation with backoff.
func ErrStoreUnavailable(op string, err error) *AppError {
	return &AppError{
		Code:       CodeStoreUnavailable,
		Message:    "notification store unavailable during " + op,
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// ErrNotificationNotFoundf creates a 404 for a record the caller cannot see.
func ErrNotificationNotFoundf(recordID string) *AppError {
	return &AppError{
		Code:       CodeNotificationNotFound,
		Message:    "notification not found",
		HTTPStatus: http.StatusNotFound,
		Params:     map[string]interface{}{"id": recordID},
	}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return HasCode(err, CodeValidationFailed)
}

// IsStoreUnavailable reports whether err is a retryable store failure.
func IsStoreUnavailable(err error) bool {
	return HasCode(err, CodeStoreUnavailable)
}
