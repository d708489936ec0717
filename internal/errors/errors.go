// Package errors provides standardized error handling for the marketplace daemon.
// Every failure that crosses a package boundary is an *Error carrying a code; the code
// determines both the error kind surfaced to users and the HTTP status.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the marketplace daemon.
type ErrorCode string

const (
	// Validation errors
	MKT_VALIDATION       ErrorCode = "MKT_VALIDATION"       // General validation error
	MKT_BAD_REQUEST      ErrorCode = "MKT_BAD_REQUEST"      // Malformed request
	MKT_FILE_MISSING     ErrorCode = "MKT_FILE_MISSING"     // No file provided
	MKT_FILE_TOO_SMALL   ErrorCode = "MKT_FILE_TOO_SMALL"   // File below the minimum size
	MKT_FILE_TOO_LARGE   ErrorCode = "MKT_FILE_TOO_LARGE"   // File above the maximum size
	MKT_FILE_TYPE        ErrorCode = "MKT_FILE_TYPE"        // File type not allowed
	MKT_METADATA_INVALID ErrorCode = "MKT_METADATA_INVALID" // Dataset metadata rejected
	MKT_USERNAME_INVALID ErrorCode = "MKT_USERNAME_INVALID" // Username malformed
	MKT_CURSOR_INVALID   ErrorCode = "MKT_CURSOR_INVALID"   // Invalid pagination cursor

	// Authentication/Authorization errors
	MKT_AUTHN            ErrorCode = "MKT_AUTHN"            // Authentication failed
	MKT_JWT_INVALID      ErrorCode = "MKT_JWT_INVALID"      // Invalid JWT
	MKT_JWT_EXPIRED      ErrorCode = "MKT_JWT_EXPIRED"      // Expired JWT
	MKT_JWT_MALFORMED    ErrorCode = "MKT_JWT_MALFORMED"    // Malformed JWT
	MKT_WALLET_REQUIRED  ErrorCode = "MKT_WALLET_REQUIRED"  // No wallet connected for the caller
	MKT_ACCESS_DENIED    ErrorCode = "MKT_ACCESS_DENIED"    // Caller holds no access capability
	MKT_NOT_OWNER        ErrorCode = "MKT_NOT_OWNER"        // Caller does not own the object

	// Resource errors
	MKT_NOT_FOUND        ErrorCode = "MKT_NOT_FOUND"        // Ledger record not found
	MKT_BLOB_NOT_FOUND   ErrorCode = "MKT_BLOB_NOT_FOUND"   // Content store blob not found
	MKT_CONFLICT         ErrorCode = "MKT_CONFLICT"         // Resource conflict
	MKT_SCHEMA_MISMATCH  ErrorCode = "MKT_SCHEMA_MISMATCH"  // Ledger/store record has unexpected shape
	MKT_INTEGRITY        ErrorCode = "MKT_INTEGRITY"        // Downloaded bytes do not match the verification hash

	// Network errors
	MKT_NETWORK           ErrorCode = "MKT_NETWORK"           // Ledger unreachable
	MKT_STORE_UNAVAILABLE ErrorCode = "MKT_STORE_UNAVAILABLE" // Content store unreachable
	MKT_QUOTA_EXCEEDED    ErrorCode = "MKT_QUOTA_EXCEEDED"    // Content store refused the upload size
	MKT_RATE_LIMIT        ErrorCode = "MKT_RATE_LIMIT"        // Rate limit exceeded

	// Execution errors
	MKT_EXECUTION            ErrorCode = "MKT_EXECUTION"            // Ledger rejected the transaction
	MKT_USER_REJECTED        ErrorCode = "MKT_USER_REJECTED"        // Signer declined to sign
	MKT_INSUFFICIENT_GAS     ErrorCode = "MKT_INSUFFICIENT_GAS"     // Gas budget too low
	MKT_INSUFFICIENT_BALANCE ErrorCode = "MKT_INSUFFICIENT_BALANCE" // Buyer cannot cover the total cost

	// Server errors
	MKT_INTERNAL        ErrorCode = "MKT_INTERNAL"        // Internal server error
	MKT_UNAVAILABLE     ErrorCode = "MKT_UNAVAILABLE"     // Service unavailable
	MKT_NOT_IMPLEMENTED ErrorCode = "MKT_NOT_IMPLEMENTED" // Not implemented
)

// Kind groups error codes into the categories users see.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNetwork       Kind = "network"
	KindNotFound      Kind = "not_found"
	KindAuthorization Kind = "authorization"
	KindExecution     Kind = "execution"
	KindInternal      Kind = "internal"
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
	Cause         error       `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates a new Error that keeps cause reachable through errors.Is / errors.As.
func Wrap(code ErrorCode, cause error, message string) *Error {
	e := New(code, message, "")
	e.Cause = cause
	return e
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...), "")
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != nil {
		msg = fmt.Sprintf("%s (details: %v)", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// WithCorrelationID returns a copy of e stamped with the given correlation id.
func (e *Error) WithCorrelationID(id string) *Error {
	c := *e
	c.CorrelationID = id
	return &c
}

// Kind reports the user-facing category of the error.
func (e *Error) Kind() Kind { return kindForCode(e.Code) }

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether any *Error in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// KindOf classifies an arbitrary error. Errors without a code are internal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind()
	}
	return KindInternal
}

// Message returns the message shown to users: the coded message when available,
// the raw error text otherwise.
func Message(err error) string {
	if e, ok := As(err); ok {
		return e.Message
	}
	return err.Error()
}

func kindForCode(code ErrorCode) Kind {
	switch code {
	case MKT_VALIDATION, MKT_BAD_REQUEST, MKT_FILE_MISSING, MKT_FILE_TOO_SMALL, MKT_FILE_TOO_LARGE,
		MKT_FILE_TYPE, MKT_METADATA_INVALID, MKT_USERNAME_INVALID, MKT_CURSOR_INVALID:
		return KindValidation
	case MKT_AUTHN, MKT_JWT_INVALID, MKT_JWT_EXPIRED, MKT_JWT_MALFORMED, MKT_WALLET_REQUIRED,
		MKT_ACCESS_DENIED, MKT_NOT_OWNER:
		return KindAuthorization
	case MKT_NOT_FOUND, MKT_BLOB_NOT_FOUND, MKT_INTEGRITY, MKT_SCHEMA_MISMATCH:
		return KindNotFound
	case MKT_NETWORK, MKT_STORE_UNAVAILABLE, MKT_QUOTA_EXCEEDED, MKT_RATE_LIMIT, MKT_UNAVAILABLE:
		return KindNetwork
	case MKT_EXECUTION, MKT_USER_REJECTED, MKT_INSUFFICIENT_GAS, MKT_INSUFFICIENT_BALANCE, MKT_CONFLICT:
		return KindExecution
	default:
		return KindInternal
	}
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case MKT_VALIDATION, MKT_BAD_REQUEST, MKT_FILE_MISSING, MKT_FILE_TOO_SMALL, MKT_FILE_TYPE,
		MKT_METADATA_INVALID, MKT_USERNAME_INVALID, MKT_CURSOR_INVALID:
		return http.StatusBadRequest
	case MKT_FILE_TOO_LARGE, MKT_QUOTA_EXCEEDED:
		return http.StatusRequestEntityTooLarge
	case MKT_AUTHN, MKT_JWT_INVALID, MKT_JWT_EXPIRED, MKT_JWT_MALFORMED:
		return http.StatusUnauthorized
	case MKT_WALLET_REQUIRED, MKT_ACCESS_DENIED, MKT_NOT_OWNER:
		return http.StatusForbidden
	case MKT_NOT_FOUND, MKT_BLOB_NOT_FOUND:
		return http.StatusNotFound
	case MKT_CONFLICT:
		return http.StatusConflict
	case MKT_EXECUTION, MKT_USER_REJECTED, MKT_INSUFFICIENT_GAS, MKT_INSUFFICIENT_BALANCE:
		return http.StatusUnprocessableEntity
	case MKT_SCHEMA_MISMATCH, MKT_INTEGRITY:
		return http.StatusBadGateway
	case MKT_RATE_LIMIT:
		return http.StatusTooManyRequests
	case MKT_NETWORK, MKT_STORE_UNAVAILABLE, MKT_UNAVAILABLE:
		return http.StatusServiceUnavailable
	case MKT_NOT_IMPLEMENTED:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
