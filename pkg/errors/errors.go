// Package errors defines the stable error taxonomy shared by every
// component of the identity authority. Codes are part of the public API
// surface: they appear verbatim in HTTP error envelopes and in sync job
// records, so they must never be renamed.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrInvalidArgument is returned when an invalid argument is provided
	ErrInvalidArgument = "invalid_argument"

	// ErrInvalidFormat is returned when a handle or other formatted field
	// does not match its required shape
	ErrInvalidFormat = "invalid_format"

	// ErrTaken is returned when a handle is already held by an active identity
	ErrTaken = "taken"

	// ErrReserved is returned when a handle is on the reserved list
	ErrReserved = "reserved"

	// ErrSimilarToProtected is returned when a handle scores at or above the
	// similarity threshold against a protected entity
	ErrSimilarToProtected = "similar_to_protected"

	// ErrInappropriate is returned when a handle contains a disallowed word
	ErrInappropriate = "inappropriate"

	// ErrClaimRequired is returned when a handle is reserved for a verified
	// owner and may only be obtained through the claim workflow
	ErrClaimRequired = "claim_required"

	// ErrTransferExpired is returned when a handle transfer is confirmed
	// after its window closed
	ErrTransferExpired = "transfer_expired"

	// ErrTransferConflict is returned when a handle transfer cannot proceed
	// because the handle is not in a transferable state
	ErrTransferConflict = "transfer_conflict"

	// ErrUnauthenticated is returned when a request carries no usable identity
	ErrUnauthenticated = "unauthenticated"

	// ErrInvalidCredentials is returned when an email/password pair does not match
	ErrInvalidCredentials = "invalid_credentials"

	// ErrAccountLocked is returned when an account is temporarily locked out
	ErrAccountLocked = "account_locked"

	// ErrAccountInactive is returned when an account is suspended, deactivated
	// or pending deletion
	ErrAccountInactive = "account_inactive"

	// ErrMFARequired is returned when policy demands a second factor before
	// the operation may proceed
	ErrMFARequired = "mfa_required"

	// ErrMFAFailed is returned when a second-factor proof does not verify
	ErrMFAFailed = "mfa_failed"

	// ErrInvalidToken is returned when a token is unknown, expired, revoked
	// or used beyond its budget
	ErrInvalidToken = "invalid_token"

	// ErrInvalidGrant is returned when an OAuth grant cannot be redeemed
	ErrInvalidGrant = "invalid_grant"

	// ErrInvalidClient is returned when OAuth client authentication fails
	ErrInvalidClient = "invalid_client"

	// ErrInvalidScope is returned when requested scopes exceed what the
	// client is allowed
	ErrInvalidScope = "invalid_scope"

	// ErrReuseDetected is returned when an already-rotated refresh token is
	// presented again; the whole token family is revoked as a side effect
	ErrReuseDetected = "reuse_detected"

	// ErrConflict is returned when an optimistic version check fails or a
	// uniqueness constraint is violated
	ErrConflict = "conflict"

	// ErrNotFound is returned when an entity does not exist
	ErrNotFound = "not_found"

	// ErrRateLimited is returned when a caller exceeds a rate limit
	ErrRateLimited = "rate_limited"

	// ErrTransient is returned for failures that are expected to succeed on
	// retry (downstream timeouts, lease contention)
	ErrTransient = "transient_error"

	// ErrPermanent is returned for downstream failures that will not succeed
	// on retry
	ErrPermanent = "permanent_error"

	// ErrCrypto is returned on KDF mismatch, AEAD tag failure or unknown key id
	ErrCrypto = "crypto_error"

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

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewInvalidFormatError creates a new invalid format error
func NewInvalidFormatError(message string, cause error) *Error {
	return NewError(ErrInvalidFormat, message, cause)
}

// NewTakenError creates a new handle taken error
func NewTakenError(message string, cause error) *Error {
	return NewError(ErrTaken, message, cause)
}

// NewReservedError creates a new reserved handle error
func NewReservedError(message string, cause error) *Error {
	return NewError(ErrReserved, message, cause)
}

// NewSimilarToProtectedError creates a new protected-similarity error
func NewSimilarToProtectedError(message string, cause error) *Error {
	return NewError(ErrSimilarToProtected, message, cause)
}

// NewInappropriateError creates a new inappropriate handle error
func NewInappropriateError(message string, cause error) *Error {
	return NewError(ErrInappropriate, message, cause)
}

// NewClaimRequiredError creates a new claim required error
func NewClaimRequiredError(message string, cause error) *Error {
	return NewError(ErrClaimRequired, message, cause)
}

// NewTransferExpiredError creates a new transfer expired error
func NewTransferExpiredError(message string, cause error) *Error {
	return NewError(ErrTransferExpired, message, cause)
}

// NewTransferConflictError creates a new transfer conflict error
func NewTransferConflictError(message string, cause error) *Error {
	return NewError(ErrTransferConflict, message, cause)
}

// NewUnauthenticatedError creates a new unauthenticated error
func NewUnauthenticatedError(message string, cause error) *Error {
	return NewError(ErrUnauthenticated, message, cause)
}

// NewInvalidCredentialsError creates a new invalid credentials error
func NewInvalidCredentialsError(message string, cause error) *Error {
	return NewError(ErrInvalidCredentials, message, cause)
}

// NewAccountLockedError creates a new account locked error
func NewAccountLockedError(message string, cause error) *Error {
	return NewError(ErrAccountLocked, message, cause)
}

// NewAccountInactiveError creates a new account inactive error
func NewAccountInactiveError(message string, cause error) *Error {
	return NewError(ErrAccountInactive, message, cause)
}

// NewMFARequiredError creates a new MFA required error
func NewMFARequiredError(message string, cause error) *Error {
	return NewError(ErrMFARequired, message, cause)
}

// NewMFAFailedError creates a new MFA failed error
func NewMFAFailedError(message string, cause error) *Error {
	return NewError(ErrMFAFailed, message, cause)
}

// NewInvalidTokenError creates a new invalid token error
func NewInvalidTokenError(message string, cause error) *Error {
	return NewError(ErrInvalidToken, message, cause)
}

// NewInvalidGrantError creates a new invalid grant error
func NewInvalidGrantError(message string, cause error) *Error {
	return NewError(ErrInvalidGrant, message, cause)
}

// NewInvalidClientError creates a new invalid client error
func NewInvalidClientError(message string, cause error) *Error {
	return NewError(ErrInvalidClient, message, cause)
}

// NewInvalidScopeError creates a new invalid scope error
func NewInvalidScopeError(message string, cause error) *Error {
	return NewError(ErrInvalidScope, message, cause)
}

// NewReuseDetectedError creates a new token reuse error
func NewReuseDetectedError(message string, cause error) *Error {
	return NewError(ErrReuseDetected, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string, cause error) *Error {
	return NewError(ErrRateLimited, message, cause)
}

// NewTransientError creates a new transient error
func NewTransientError(message string, cause error) *Error {
	return NewError(ErrTransient, message, cause)
}

// NewPermanentError creates a new permanent error
func NewPermanentError(message string, cause error) *Error {
	return NewError(ErrPermanent, message, cause)
}

// NewCryptoError creates a new crypto error
func NewCryptoError(message string, cause error) *Error {
	return NewError(ErrCrypto, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// is reports whether err is (or wraps) a taxonomy error of the given type.
func is(err error, errorType string) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Type == errorType
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return is(err, ErrInvalidArgument)
}

// IsInvalidFormat checks if the error is an invalid format error
func IsInvalidFormat(err error) bool {
	return is(err, ErrInvalidFormat)
}

// IsTaken checks if the error is a handle taken error
func IsTaken(err error) bool {
	return is(err, ErrTaken)
}

// IsReserved checks if the error is a reserved handle error
func IsReserved(err error) bool {
	return is(err, ErrReserved)
}

// IsSimilarToProtected checks if the error is a protected-similarity error
func IsSimilarToProtected(err error) bool {
	return is(err, ErrSimilarToProtected)
}

// IsInappropriate checks if the error is an inappropriate handle error
func IsInappropriate(err error) bool {
	return is(err, ErrInappropriate)
}

// IsClaimRequired checks if the error is a claim required error
func IsClaimRequired(err error) bool {
	return is(err, ErrClaimRequired)
}

// IsTransferExpired checks if the error is a transfer expired error
func IsTransferExpired(err error) bool {
	return is(err, ErrTransferExpired)
}

// IsTransferConflict checks if the error is a transfer conflict error
func IsTransferConflict(err error) bool {
	return is(err, ErrTransferConflict)
}

// IsUnauthenticated checks if the error is an unauthenticated error
func IsUnauthenticated(err error) bool {
	return is(err, ErrUnauthenticated)
}

// IsInvalidCredentials checks if the error is an invalid credentials error
func IsInvalidCredentials(err error) bool {
	return is(err, ErrInvalidCredentials)
}

// IsAccountLocked checks if the error is an account locked error
func IsAccountLocked(err error) bool {
	return is(err, ErrAccountLocked)
}

// IsAccountInactive checks if the error is an account inactive error
func IsAccountInactive(err error) bool {
	return is(err, ErrAccountInactive)
}

// IsMFARequired checks if the error is an MFA required error
func IsMFARequired(err error) bool {
	return is(err, ErrMFARequired)
}

// IsMFAFailed checks if the error is an MFA failed error
func IsMFAFailed(err error) bool {
	return is(err, ErrMFAFailed)
}

// IsInvalidToken checks if the error is an invalid token error
func IsInvalidToken(err error) bool {
	return is(err, ErrInvalidToken)
}

// IsInvalidGrant checks if the error is an invalid grant error
func IsInvalidGrant(err error) bool {
	return is(err, ErrInvalidGrant)
}

// IsInvalidClient checks if the error is an invalid client error
func IsInvalidClient(err error) bool {
	return is(err, ErrInvalidClient)
}

// IsInvalidScope checks if the error is an invalid scope error
func IsInvalidScope(err error) bool {
	return is(err, ErrInvalidScope)
}

// IsReuseDetected checks if the error is a token reuse error
func IsReuseDetected(err error) bool {
	return is(err, ErrReuseDetected)
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	return is(err, ErrConflict)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return is(err, ErrNotFound)
}

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool {
	return is(err, ErrRateLimited)
}

// IsTransient checks if the error is a transient error
func IsTransient(err error) bool {
	return is(err, ErrTransient)
}

// IsPermanent checks if the error is a permanent error
func IsPermanent(err error) bool {
	return is(err, ErrPermanent)
}

// IsCrypto checks if the error is a crypto error
func IsCrypto(err error) bool {
	return is(err, ErrCrypto)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return is(err, ErrInternal)
}

// TypeOf returns the taxonomy type of err, or ErrInternal when err does not
// carry one.
func TypeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// MessageOf returns the user-safe message of err. Errors outside the
// taxonomy collapse to a generic message so internal detail never leaks.
func MessageOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a taxonomy error to the HTTP status the API surface uses.
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case ErrInvalidArgument, ErrInvalidFormat, ErrInappropriate,
		ErrInvalidGrant, ErrInvalidClient, ErrInvalidScope, ErrReuseDetected:
		return http.StatusBadRequest
	case ErrUnauthenticated, ErrInvalidCredentials, ErrInvalidToken, ErrMFARequired, ErrMFAFailed:
		return http.StatusUnauthorized
	case ErrAccountInactive:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict, ErrTaken, ErrReserved, ErrSimilarToProtected, ErrClaimRequired,
		ErrTransferExpired, ErrTransferConflict:
		return http.StatusConflict
	case ErrAccountLocked:
		return http.StatusLocked
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrTransient:
		return http.StatusServiceUnavailable
	case ErrPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
