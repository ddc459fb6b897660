package google

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenExchanger hands out bearer tokens for a Workspace user.
// Implementations must not cache tokens across calls.
type TokenExchanger interface {
	// Exchange returns an access token acting as subject with the given
	// scopes, or DefaultDelegatedScopes when none are given.
	Exchange(ctx context.Context, subject string, scopes ...string) (*oauth2.Token, error)
}

// TokenExchangerFunc adapts a function to TokenExchanger.
type TokenExchangerFunc func(ctx context.Context, subject string, scopes ...string) (*oauth2.Token, error)

// Exchange calls f.
func (f TokenExchangerFunc) Exchange(ctx context.Context, subject string, scopes ...string) (*oauth2.Token, error) {
	return f(ctx, subject, scopes...)
}

var _ TokenExchanger = (*Exchanger)(nil)
