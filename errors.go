package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/mcp-oauth-core/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidGrant          = "invalid_grant"
	ErrorCodeInvalidClient         = "invalid_client"
	ErrorCodeInvalidScope          = "invalid_scope"
	ErrorCodeInvalidTarget         = "invalid_target"
	ErrorCodeUnauthorizedClient    = "unauthorized_client"
	ErrorCodeUnsupportedGrantType  = "unsupported_grant_type"
	ErrorCodeServerError           = "server_error"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
)

// Error represents an OAuth 2.0 error response
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Response returns the JSON body for the error (RFC 6749 Section 5.2).
func (e *Error) Response() ErrorResponse {
	return ErrorResponse{Error: e.Code, ErrorDescription: e.Description}
}

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrUnauthorizedClient indicates the client may not act on the presented token
	ErrUnauthorizedClient = func(desc string) *Error {
		return NewError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// FromError maps an error returned by the server package to the OAuth error
// a token endpoint sends. Details that would help an attacker (why a grant
// was rejected, why a client could not be resolved) are not copied into the
// description. Returns nil for a nil error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}

	var verr *server.ValidationError
	if errors.As(err, &verr) {
		desc := ""
		if len(verr.Errors) > 0 {
			desc = verr.Errors[0].Description
		}
		status := http.StatusBadRequest
		if verr.Code() == ErrorCodeInvalidClient {
			status = http.StatusUnauthorized
		}
		return NewError(verr.Code(), desc, status)
	}

	var ie *server.IntegrityError
	switch {
	case errors.As(err, &ie):
		return ErrServerError("internal server error")
	case errors.Is(err, server.ErrInvalidGrant):
		return ErrInvalidGrant("the provided authorization grant is invalid, expired, or revoked")
	case errors.Is(err, server.ErrClientNotFound):
		return ErrInvalidClient("client authentication failed")
	case errors.Is(err, server.ErrUnauthorizedClient):
		return ErrUnauthorizedClient("the token was not issued to this client")
	default:
		return ErrServerError("internal server error")
	}
}
