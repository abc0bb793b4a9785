package server

import (
	"net/http"
	"net/url"
)

// ErrorKind is the OAuth2/OIDC error code surfaced to callers.
type ErrorKind string

const (
	ErrInvalidRequest             ErrorKind = "invalid_request"
	ErrInvalidGrant               ErrorKind = "invalid_grant"
	ErrInvalidGrantAndSession     ErrorKind = "invalid_grant_and_session"
	ErrUnauthorizedClient         ErrorKind = "unauthorized_client"
	ErrInvalidScope               ErrorKind = "invalid_scope"
	ErrInvalidBindingMessage      ErrorKind = "invalid_binding_message"
	ErrInvalidUserCode            ErrorKind = "invalid_user_code"
	ErrInvalidClient              ErrorKind = "invalid_client"
	ErrAuthorizationPending       ErrorKind = "authorization_pending"
	ErrExpiredToken               ErrorKind = "expired_token"
	ErrPostLogoutURINotAssociated ErrorKind = "post_logout_uri_not_associated_with_client"
)

// AuthError is the structured error the services hand back to the boundary
// layer. It carries enough to render either a redirect with error query
// parameters or a JSON {error, error_description} body; the boundary never
// does both.
type AuthError struct {
	Kind        ErrorKind
	Description string
	RedirectURI string // when set, render as a 302 to this URI with error params
	Status      int    // HTTP status for the JSON rendering, defaults to 400
}

func (e *AuthError) Error() string {
	if e.Description == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Description
}

func newAuthError(kind ErrorKind, desc string) *AuthError {
	return &AuthError{Kind: kind, Description: desc, Status: http.StatusBadRequest}
}

func (e *AuthError) withStatus(status int) *AuthError {
	e.Status = status
	return e
}

func (e *AuthError) withRedirect(uri string) *AuthError {
	e.RedirectURI = uri
	return e
}

// errorRedirectURI builds the redirect target carrying the error pair,
// appending to an existing query string when present.
func (e *AuthError) errorRedirectURI() string {
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		return e.RedirectURI
	}
	q := u.Query()
	q.Set("error", string(e.Kind))
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
