package apikey

import (
	"errors"
	"net/http"
)

// Machine-readable error codes returned to API consumers.
const (
	CodeMissingAPIKey           = "MISSING_API_KEY"
	CodeInvalidAPIKey           = "INVALID_API_KEY"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	CodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	CodeInternalError           = "INTERNAL_ERROR"
)

// ErrInvalidInput is returned when a key cannot be created from the given fields.
var ErrInvalidInput = errors.New("apikey: invalid input")

// Error is a gate rejection carrying the HTTP status and code to surface.
type Error struct {
	Status     int
	Code       string
	Message    string
	RetryAfter int
}

func (e *Error) Error() string {
	return e.Message
}

var (
	errMissingKey = &Error{Status: http.StatusUnauthorized, Code: CodeMissingAPIKey, Message: "API key required."}
	errInvalidKey = &Error{Status: http.StatusUnauthorized, Code: CodeInvalidAPIKey, Message: "Invalid or expired API key."}
	errForbidden  = &Error{Status: http.StatusForbidden, Code: CodeInsufficientPermissions, Message: "Insufficient permissions."}
)

// AsError extracts a gate Error from err.
func AsError(err error) (*Error, bool) {
	var gateErr *Error
	if errors.As(err, &gateErr) {
		return gateErr, true
	}
	return nil, false
}
