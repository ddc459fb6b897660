package google

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	testServiceAccount = "sender@project.iam.gserviceaccount.com"
	testSubject        = "jane@example.com"
)

// fakeGoogle stands in for both the IAM credentials API and the token
// endpoint.
type fakeGoogle struct {
	t *testing.T

	signStatus  int
	signBody    string
	tokenStatus int
	tokenBody   string

	// stall holds the named hop until the client gives up.
	stall string

	signCalls  atomic.Int32
	tokenCalls atomic.Int32
	claims     assertionClaims
	authHeader string
	assertion  string
}

func (f *fakeGoogle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, ":signJwt"):
		f.signCalls.Add(1)
		if f.stall == "sign" {
			<-r.Context().Done()
			return
		}
		f.authHeader = r.Header.Get("Authorization")
		assert.Contains(f.t, r.URL.Path, "/v1/projects/-/serviceAccounts/"+testServiceAccount)

		var req struct {
			Payload string `json:"payload"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		require.NoError(f.t, json.Unmarshal([]byte(req.Payload), &f.claims))

		w.Header().Set("Content-Type", "application/json")
		if f.signStatus != 0 {
			w.WriteHeader(f.signStatus)
			_, _ = io.WriteString(w, f.signBody)
			return
		}
		_, _ = io.WriteString(w, `{"keyId":"k1","signedJwt":"signed.jwt.value"}`)

	case r.URL.Path == "/token":
		f.tokenCalls.Add(1)
		if f.stall == "token" {
			<-r.Context().Done()
			return
		}
		require.NoError(f.t, r.ParseForm())
		assert.Equal(f.t, jwtBearerGrantType, r.PostForm.Get("grant_type"))
		f.assertion = r.PostForm.Get("assertion")

		w.Header().Set("Content-Type", "application/json")
		if f.tokenStatus != 0 {
			w.WriteHeader(f.tokenStatus)
			_, _ = io.WriteString(w, f.tokenBody)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"ya29.delegated","token_type":"Bearer","expires_in":3599,"scope":"https://mail.google.com/"}`)

	default:
		http.NotFound(w, r)
	}
}

func newTestExchanger(t *testing.T, f *fakeGoogle, opts ...Option) *Exchanger {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	base := []Option{
		WithTokenURL(srv.URL + "/token"),
		WithIAMEndpoint(srv.URL + "/"),
		WithHTTPClient(srv.Client()),
		WithAmbientTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "ambient-token"})),
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }),
	}
	return NewExchanger(testServiceAccount, append(base, opts...)...)
}

func TestExchange_Success(t *testing.T) {
	f := &fakeGoogle{}
	ex := newTestExchanger(t, f)

	tok, err := ex.Exchange(context.Background(), testSubject)
	require.NoError(t, err)

	assert.Equal(t, "ya29.delegated", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, time.Unix(1_700_000_000+3599, 0), tok.Expiry)
	assert.Equal(t, "https://mail.google.com/", tok.Extra("scope"))

	assert.Equal(t, "Bearer ambient-token", f.authHeader, "signJwt is called with the ambient credential")
	assert.Equal(t, "signed.jwt.value", f.assertion, "the signed JWT is redeemed unchanged")

	assert.Equal(t, testServiceAccount, f.claims.Issuer)
	assert.Equal(t, testSubject, f.claims.Subject)
	assert.Equal(t, "https://mail.google.com/", f.claims.Scope)
	assert.True(t, strings.HasSuffix(f.claims.Audience, "/token"))
	assert.Equal(t, int64(1_700_000_000), f.claims.IssuedAt)
	assert.Equal(t, int64(1_700_000_000+3600), f.claims.Expiry)
}

func TestExchange_CustomScopes(t *testing.T) {
	f := &fakeGoogle{}
	ex := newTestExchanger(t, f)

	_, err := ex.Exchange(context.Background(), testSubject,
		"https://www.googleapis.com/auth/gmail.send", "https://www.googleapis.com/auth/gmail.compose")
	require.NoError(t, err)
	assert.Equal(t, "https://www.googleapis.com/auth/gmail.send https://www.googleapis.com/auth/gmail.compose", f.claims.Scope)
}

func TestExchange_NoCaching(t *testing.T) {
	f := &fakeGoogle{}
	ex := newTestExchanger(t, f)

	for i := 0; i < 3; i++ {
		_, err := ex.Exchange(context.Background(), testSubject)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, f.signCalls.Load())
	assert.EqualValues(t, 3, f.tokenCalls.Load())
}

func TestExchange_Failures(t *testing.T) {
	tests := []struct {
		name           string
		fake           *fakeGoogle
		ambientErr     bool
		wantStage      Stage
		wantAuthorized bool
		wantStatus     int
		wantPayload    string
		wantTokenCalls int32
	}{
		{
			name:       "ambient credential unavailable",
			fake:       &fakeGoogle{},
			ambientErr: true,
			wantStage:  StageAmbient,
		},
		{
			name:           "service account lacks token creator",
			fake:           &fakeGoogle{signStatus: http.StatusForbidden, signBody: `{"error":{"code":403,"message":"Permission 'iam.serviceAccounts.signJwt' denied","status":"PERMISSION_DENIED"}}`},
			wantStage:      StageSignJWT,
			wantAuthorized: true,
			wantStatus:     http.StatusForbidden,
			wantPayload:    "iam.serviceAccounts.signJwt",
		},
		{
			name:      "IAM outage",
			fake:      &fakeGoogle{signStatus: http.StatusServiceUnavailable, signBody: `{"error":{"code":503,"message":"unavailable"}}`},
			wantStage: StageSignJWT,
		},
		{
			name:           "delegation not configured",
			fake:           &fakeGoogle{tokenStatus: http.StatusBadRequest, tokenBody: `{"error":"unauthorized_client","error_description":"Client is unauthorized to retrieve access tokens using this method"}`},
			wantStage:      StageTokenExchange,
			wantAuthorized: true,
			wantStatus:     http.StatusBadRequest,
			wantPayload:    `"error":"unauthorized_client"`,
			wantTokenCalls: 1,
		},
		{
			name:           "invalid grant",
			fake:           &fakeGoogle{tokenStatus: http.StatusBadRequest, tokenBody: `{"error":"invalid_grant","error_description":"Invalid email or User ID"}`},
			wantStage:      StageTokenExchange,
			wantAuthorized: true,
			wantStatus:     http.StatusBadRequest,
			wantPayload:    "Invalid email or User ID",
			wantTokenCalls: 1,
		},
		{
			name:           "token endpoint error",
			fake:           &fakeGoogle{tokenStatus: http.StatusInternalServerError, tokenBody: `oops`},
			wantStage:      StageTokenExchange,
			wantTokenCalls: 1,
		},
		{
			name:           "empty access token",
			fake:           &fakeGoogle{tokenStatus: http.StatusOK, tokenBody: `{"token_type":"Bearer"}`},
			wantStage:      StageTokenExchange,
			wantTokenCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.ambientErr {
				opts = append(opts, WithAmbientTokenSource(failingTokenSource{}))
			}
			ex := newTestExchanger(t, tt.fake, opts...)

			tok, err := ex.Exchange(context.Background(), testSubject)
			require.Error(t, err)
			assert.Nil(t, tok)

			var authErr *AuthError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, tt.wantStage, authErr.Stage)

			var authzErr *AuthorizationError
			assert.Equal(t, tt.wantAuthorized, errors.As(err, &authzErr))
			assert.Equal(t, tt.wantAuthorized, errors.Is(err, ErrNotAuthorized))
			if tt.wantAuthorized {
				assert.Equal(t, tt.wantStatus, authzErr.StatusCode)
				assert.Contains(t, authzErr.Payload, tt.wantPayload)
			}
			assert.Equal(t, tt.wantTokenCalls, tt.fake.tokenCalls.Load())
		})
	}
}

func TestExchange_MissingSubject(t *testing.T) {
	f := &fakeGoogle{}
	ex := newTestExchanger(t, f)

	_, err := ex.Exchange(context.Background(), "")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.EqualValues(t, 0, f.signCalls.Load())
}

func TestExchange_ContextCanceled(t *testing.T) {
	f := &fakeGoogle{}
	ex := newTestExchanger(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ex.Exchange(ctx, testSubject)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewExchanger_DefaultClientHasTimeout(t *testing.T) {
	ex := NewExchanger(testServiceAccount)
	require.NotNil(t, ex.httpClient)
	assert.NotSame(t, http.DefaultClient, ex.httpClient)
	assert.Equal(t, defaultHTTPTimeout, ex.httpClient.Timeout)
}

func TestExchange_ClientTimeout(t *testing.T) {
	tests := []struct {
		stall string
		stage Stage
	}{
		{stall: "sign", stage: StageSignJWT},
		{stall: "token", stage: StageTokenExchange},
	}

	for _, tt := range tests {
		t.Run(tt.stall, func(t *testing.T) {
			f := &fakeGoogle{stall: tt.stall}
			ex := newTestExchanger(t, f, WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))

			start := time.Now()
			_, err := ex.Exchange(context.Background(), testSubject)
			require.Error(t, err)
			assert.Less(t, time.Since(start), 5*time.Second)

			var authErr *AuthError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, tt.stage, authErr.Stage)
		})
	}
}

func TestAuthErrorMessages(t *testing.T) {
	err := &AuthorizationError{
		AuthError:  AuthError{Stage: StageTokenExchange, Err: errors.New("boom")},
		StatusCode: 400,
		Payload:    `{"error":"access_denied"}`,
	}
	assert.Equal(t, `delegation not authorized at token_exchange (HTTP 400): {"error":"access_denied"}`, err.Error())
	assert.Equal(t, "token exchange failed at sign_jwt: boom", (&AuthError{Stage: StageSignJWT, Err: errors.New("boom")}).Error())
}

func TestIsAuthorizationFailure(t *testing.T) {
	assert.True(t, isAuthorizationFailure(401, ""))
	assert.True(t, isAuthorizationFailure(403, ""))
	assert.True(t, isAuthorizationFailure(400, "access_denied"))
	assert.False(t, isAuthorizationFailure(400, "invalid_request"))
	assert.False(t, isAuthorizationFailure(500, ""))
}

func TestTokenExchangerFunc(t *testing.T) {
	var got string
	var ex TokenExchanger = TokenExchangerFunc(func(_ context.Context, subject string, _ ...string) (*oauth2.Token, error) {
		got = subject
		return &oauth2.Token{AccessToken: "t"}, nil
	})
	tok, err := ex.Exchange(context.Background(), testSubject)
	require.NoError(t, err)
	assert.Equal(t, "t", tok.AccessToken)
	assert.Equal(t, testSubject, got)
}

type failingTokenSource struct{}

func (failingTokenSource) Token() (*oauth2.Token, error) {
	return nil, &url.Error{Op: "Get", URL: "http://metadata.google.internal", Err: errors.New("no metadata server")}
}
