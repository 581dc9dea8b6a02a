// Package errors defines the error taxonomy shared across Gafaelfawr.
//
// Every failure that can cross a component boundary is classified with one
// of the types below; the HTTP edge maps types to status codes and the
// standard {"detail": [...]} body.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error types
const (
	// ErrInvalidCredentials is returned when a credential is missing, unknown, or revoked
	ErrInvalidCredentials = "invalid_credentials"

	// ErrTokenExpired is returned when a presented token is past its expiration
	ErrTokenExpired = "token_expired"

	// ErrInsufficientScope is returned when a token lacks a required scope
	ErrInsufficientScope = "insufficient_scope"

	// ErrForbidden is returned when the caller is authenticated but not allowed
	ErrForbidden = "forbidden"

	// ErrNotFound is returned when the requested resource does not exist
	ErrNotFound = "not_found"

	// ErrDuplicateTokenName is returned when a user token name collides with a live token
	ErrDuplicateTokenName = "duplicate_token_name"

	// ErrMalformedToken is returned when a token does not parse as gt-<key>.<secret>
	ErrMalformedToken = "malformed_token"

	// ErrValidation is returned when request parameters fail validation
	ErrValidation = "validation"

	// ErrProvider is returned when the upstream identity provider misbehaves
	ErrProvider = "provider_error"

	// ErrStorageUnavailable is returned when SQL or the cache stays unreachable after retries
	ErrStorageUnavailable = "storage_unavailable"

	// ErrConfig is returned for configuration problems; fatal at startup
	ErrConfig = "config_error"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// isType reports whether err or any error in its chain is an *Error of the
// given type.
func isType(err error, errorType string) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Type == errorType
}

// TypeOf returns the taxonomy type of err, or ErrInternal when err carries
// no classification.
func TypeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// NewInvalidCredentialsError creates a new invalid credentials error
func NewInvalidCredentialsError(message string, cause error) *Error {
	return NewError(ErrInvalidCredentials, message, cause)
}

// NewTokenExpiredError creates a new token expired error
func NewTokenExpiredError(message string, cause error) *Error {
	return NewError(ErrTokenExpired, message, cause)
}

// NewInsufficientScopeError creates a new insufficient scope error
func NewInsufficientScopeError(message string, cause error) *Error {
	return NewError(ErrInsufficientScope, message, cause)
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(message string, cause error) *Error {
	return NewError(ErrForbidden, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewDuplicateTokenNameError creates a new duplicate token name error
func NewDuplicateTokenNameError(message string, cause error) *Error {
	return NewError(ErrDuplicateTokenName, message, cause)
}

// NewMalformedTokenError creates a new malformed token error
func NewMalformedTokenError(message string, cause error) *Error {
	return NewError(ErrMalformedToken, message, cause)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewProviderError creates a new provider error
func NewProviderError(message string, cause error) *Error {
	return NewError(ErrProvider, message, cause)
}

// NewStorageUnavailableError creates a new storage unavailable error
func NewStorageUnavailableError(message string, cause error) *Error {
	return NewError(ErrStorageUnavailable, message, cause)
}

// NewConfigError creates a new config error
func NewConfigError(message string, cause error) *Error {
	return NewError(ErrConfig, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// IsInvalidCredentials checks if the error is an invalid credentials error
func IsInvalidCredentials(err error) bool {
	return isType(err, ErrInvalidCredentials)
}

// IsTokenExpired checks if the error is a token expired error
func IsTokenExpired(err error) bool {
	return isType(err, ErrTokenExpired)
}

// IsInsufficientScope checks if the error is an insufficient scope error
func IsInsufficientScope(err error) bool {
	return isType(err, ErrInsufficientScope)
}

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool {
	return isType(err, ErrForbidden)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsDuplicateTokenName checks if the error is a duplicate token name error
func IsDuplicateTokenName(err error) bool {
	return isType(err, ErrDuplicateTokenName)
}

// IsMalformedToken checks if the error is a malformed token error
func IsMalformedToken(err error) bool {
	return isType(err, ErrMalformedToken)
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return isType(err, ErrValidation)
}

// IsProvider checks if the error is a provider error
func IsProvider(err error) bool {
	return isType(err, ErrProvider)
}

// IsStorageUnavailable checks if the error is a storage unavailable error
func IsStorageUnavailable(err error) bool {
	return isType(err, ErrStorageUnavailable)
}

// IsConfig checks if the error is a config error
func IsConfig(err error) bool {
	return isType(err, ErrConfig)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}
