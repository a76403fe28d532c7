package server

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth 2.1 error codes (RFC 6749 §5.2, RFC 7591 §3.2.2).
const (
	ErrCodeInvalidRequest          = "invalid_request"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidGrant            = "invalid_grant"
	ErrCodeUnauthorizedClient      = "unauthorized_client"
	ErrCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeInvalidScope            = "invalid_scope"
	ErrCodeAccessDenied            = "access_denied"
	ErrCodeServerError             = "server_error"
	ErrCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrCodeInvalidClientMetadata   = "invalid_client_metadata"
)

// Error is an OAuth protocol error. Description is safe to show to clients;
// internal detail stays in the wrapped error and the logs.
type Error struct {
	Code        string
	Description string

	// HTTPStatus is the status the transport should use. Zero means 400.
	HTTPStatus int

	// redirectURI is set once the request's redirect URI has been validated,
	// meaning the error may be delivered by redirect per RFC 6749 §4.1.2.1.
	redirectURI string
	state       string

	wrapped error
}

// RedirectURL returns the URL to deliver this error to, or "" when the
// error must be answered directly because no redirect URI was validated.
func (e *Error) RedirectURL() string {
	if e.redirectURI == "" {
		return ""
	}
	return errorRedirect(e.redirectURI, e.Code, e.Description, e.state)
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// Status returns the HTTP status code for this error.
func (e *Error) Status() int {
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return http.StatusBadRequest
}

// newError builds a protocol error with a client-safe description.
func newError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// wrapError attaches an internal cause that must not reach the client.
func wrapError(code, description string, cause error) *Error {
	return &Error{Code: code, Description: description, wrapped: cause}
}

// invalidGrant is the deliberately generic token endpoint failure. Expired,
// unknown, replayed, and mismatched grants all collapse into this one answer
// so callers cannot probe which case they hit.
func invalidGrant(cause error) *Error {
	return &Error{
		Code:        ErrCodeInvalidGrant,
		Description: "the provided grant is invalid, expired, or revoked",
		wrapped:     cause,
	}
}

// invalidClient is the generic client authentication failure, served with 401
// per RFC 6749 §5.2.
func invalidClient(cause error) *Error {
	return &Error{
		Code:        ErrCodeInvalidClient,
		Description: "client authentication failed",
		HTTPStatus:  http.StatusUnauthorized,
		wrapped:     cause,
	}
}

// serverError hides internal failures behind a constant message.
func serverError(cause error) *Error {
	return &Error{
		Code:        ErrCodeServerError,
		Description: "an internal error occurred",
		HTTPStatus:  http.StatusInternalServerError,
		wrapped:     cause,
	}
}

// AsError extracts a protocol error, or wraps err as a server_error so the
// transport always has something renderable.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return serverError(err)
}
