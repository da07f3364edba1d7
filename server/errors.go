package server

import (
	"errors"
	"fmt"
	"strings"
)

// OAuth error codes used in field errors (RFC 6749 Section 5.2, RFC 8707).
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeInvalidGrant   = "invalid_grant"
	ErrorCodeInvalidScope   = "invalid_scope"
	ErrorCodeInvalidTarget  = "invalid_target"
	ErrorCodeInvalidClient  = "invalid_client"
	ErrorCodeServerError    = "server_error"

	// Client registration codes (RFC 7591 Section 3.2.2).
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
)

var (
	// ErrInvalidGrant matches every *InvalidGrantError.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrClientNotFound matches every *ClientNotFoundError.
	ErrClientNotFound = errors.New("client not found")
)

// InvalidGrantError is returned when an authorization code or refresh token
// cannot be used. Reason is for logs; clients only ever see invalid_grant.
type InvalidGrantError struct {
	Reason string
}

func (e *InvalidGrantError) Error() string {
	if e.Reason == "" {
		return "invalid grant"
	}
	return "invalid grant: " + e.Reason
}

// Is makes errors.Is(err, ErrInvalidGrant) hold.
func (e *InvalidGrantError) Is(target error) bool { return target == ErrInvalidGrant }

func invalidGrant(format string, args ...any) error {
	return &InvalidGrantError{Reason: fmt.Sprintf(format, args...)}
}

// IntegrityError signals that stored state contradicts itself, for example a
// session looked up by refresh JTI whose JTI differs from the presented one.
type IntegrityError struct {
	Op     string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("server integrity error in %s: %s", e.Op, e.Detail)
}

// RevokedSessionError is returned when a refresh token is replayed or
// presented by the wrong client. Both the presented session and the grant's
// active session have been revoked by the time it is returned.
type RevokedSessionError struct {
	ClientID string
	// RefreshedSessionID is the session whose refresh token was presented.
	RefreshedSessionID string
	// RevokedSessionID is the grant's active session that was revoked as a
	// consequence. Equal to RefreshedSessionID when there was none.
	RevokedSessionID string
	UserID           string
}

func (e *RevokedSessionError) Error() string {
	return fmt.Sprintf("refresh token reuse detected for session %s: revoked session %s", e.RefreshedSessionID, e.RevokedSessionID)
}

// Is makes a revoked session read as an invalid grant to callers that only
// distinguish error kinds.
func (e *RevokedSessionError) Is(target error) bool { return target == ErrInvalidGrant }

// ClientNotFoundError is returned for every client resolution failure: an
// unknown registered client, a blocked or invalid metadata URL, a failed fetch,
// or a document that violates policy. The cause is kept for logging and is
// deliberately not exposed through Unwrap.
type ClientNotFoundError struct {
	ClientID string
	cause    error
}

func (e *ClientNotFoundError) Error() string {
	return "client not found: " + e.ClientID
}

// Is makes errors.Is(err, ErrClientNotFound) hold.
func (e *ClientNotFoundError) Is(target error) bool { return target == ErrClientNotFound }

// Cause returns the underlying resolution failure.
func (e *ClientNotFoundError) Cause() error { return e.cause }

func clientNotFound(clientID string, cause error) *ClientNotFoundError {
	return &ClientNotFoundError{ClientID: clientID, cause: cause}
}

// FieldError is one rejected request parameter.
type FieldError struct {
	Field       string
	Code        string
	Description string
}

// ValidationError aggregates every field error found while validating a request.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", fe.Field, fe.Description, fe.Code))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Code returns the OAuth error code of the first field error.
func (e *ValidationError) Code() string {
	if len(e.Errors) == 0 {
		return ErrorCodeInvalidRequest
	}
	return e.Errors[0].Code
}

// Has reports whether a field error with the given field and code exists.
func (e *ValidationError) Has(field, code string) bool {
	for _, fe := range e.Errors {
		if fe.Field == field && fe.Code == code {
			return true
		}
	}
	return false
}

// Validation accumulates field errors. The zero value is ready to use.
type Validation struct {
	errs []FieldError
}

// Add records a field error.
func (v *Validation) Add(field, code, format string, args ...any) {
	v.errs = append(v.errs, FieldError{Field: field, Code: code, Description: fmt.Sprintf(format, args...)})
}

// Merge appends the errors of another validation error.
func (v *Validation) Merge(err *ValidationError) {
	if err != nil {
		v.errs = append(v.errs, err.Errors...)
	}
}

// OK reports whether no errors were recorded.
func (v *Validation) OK() bool { return len(v.errs) == 0 }

// Err returns the accumulated errors, or nil when there are none.
func (v *Validation) Err() *ValidationError {
	if len(v.errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: append([]FieldError(nil), v.errs...)}
}
