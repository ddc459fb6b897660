package google

import (
	"errors"
	"fmt"
	"net/http"
)

// Stage names one hop of the delegated token exchange.
type Stage string

const (
	// StageAmbient is the lookup and refresh of the process credential.
	StageAmbient Stage = "ambient"
	// StageSignJWT is the IAM credentials signJwt call.
	StageSignJWT Stage = "sign_jwt"
	// StageTokenExchange is the jwt-bearer grant at the token endpoint.
	StageTokenExchange Stage = "token_exchange"
)

// ErrNotAuthorized matches any AuthorizationError with errors.Is.
var ErrNotAuthorized = errors.New("delegation not authorized")

// AuthError reports a failed token exchange and the stage that failed.
type AuthError struct {
	Stage Stage
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token exchange failed at %s: %v", e.Stage, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// AuthorizationError is an AuthError where Google refused the request: the
// service account may not sign tokens or is not allowed domain-wide
// delegation for the requested scopes. Payload is the provider's error body
// as received.
type AuthorizationError struct {
	AuthError
	StatusCode int
	Payload    string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s at %s (HTTP %d): %s", ErrNotAuthorized, e.Stage, e.StatusCode, e.Payload)
}

// Unwrap exposes the embedded AuthError so errors.As(err, **AuthError) holds.
func (e *AuthorizationError) Unwrap() error {
	return &e.AuthError
}

func (e *AuthorizationError) Is(target error) bool {
	return target == ErrNotAuthorized
}

// OAuth error codes that mean the delegation itself is refused.
var refusedGrantErrors = map[string]bool{
	"unauthorized_client": true,
	"access_denied":       true,
	"invalid_grant":       true,
}

func isAuthorizationFailure(statusCode int, oauthError string) bool {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return true
	}
	return refusedGrantErrors[oauthError]
}
