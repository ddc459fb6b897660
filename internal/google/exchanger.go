package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	iamcredentials "google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"

	"github.com/teemow/draftsender/internal/instrumentation"
	"github.com/teemow/draftsender/internal/logging"
)

const (
	jwtBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionLifetime  = time.Hour
	maxTokenBodyBytes  = 1 << 20

	// defaultHTTPTimeout bounds each hop when no client is supplied.
	defaultHTTPTimeout = 30 * time.Second
)

// Exchanger implements the three-hop delegated token exchange for one
// service account.
type Exchanger struct {
	serviceAccount string
	tokenURL       string
	iamEndpoint    string
	httpClient     *http.Client
	metrics        *instrumentation.Metrics
	logger         *slog.Logger
	now            func() time.Time

	mu      sync.Mutex
	ambient oauth2.TokenSource
}

// Option configures an Exchanger.
type Option func(*Exchanger)

// WithTokenURL overrides the OAuth token endpoint.
func WithTokenURL(u string) Option {
	return func(e *Exchanger) {
		if u != "" {
			e.tokenURL = u
		}
	}
}

// WithIAMEndpoint overrides the IAM credentials API base URL.
func WithIAMEndpoint(u string) Option {
	return func(e *Exchanger) { e.iamEndpoint = u }
}

// WithHTTPClient sets the client used for all three hops.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Exchanger) { e.httpClient = c }
}

// WithAmbientTokenSource replaces the application default credential lookup.
func WithAmbientTokenSource(ts oauth2.TokenSource) Option {
	return func(e *Exchanger) { e.ambient = ts }
}

// WithMetrics records exchanges and Google API calls on m.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(e *Exchanger) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exchanger) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the time source for assertion claims.
func WithClock(now func() time.Time) Option {
	return func(e *Exchanger) { e.now = now }
}

// NewExchanger creates an Exchanger that signs as serviceAccount.
func NewExchanger(serviceAccount string, opts ...Option) *Exchanger {
	e := &Exchanger{
		serviceAccount: serviceAccount,
		tokenURL:       TokenURL,
		httpClient:     &http.Client{Timeout: defaultHTTPTimeout},
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.WithComponent(e.logger, "token_exchanger")
	return e
}

// ServiceAccount returns the signing service account.
func (e *Exchanger) ServiceAccount() string {
	return e.serviceAccount
}

// Exchange runs the full exchange for subject. A fresh token is acquired on
// every call.
func (e *Exchanger) Exchange(ctx context.Context, subject string, scopes ...string) (*oauth2.Token, error) {
	if len(scopes) == 0 {
		scopes = DefaultDelegatedScopes
	}

	tok, err := e.exchange(ctx, subject, scopes)

	stage, status := "complete", instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
		var authErr *AuthError
		if errors.As(err, &authErr) {
			stage = string(authErr.Stage)
		}
		e.logger.WarnContext(ctx, "token exchange failed",
			logging.UserHash(subject), logging.Domain(subject),
			slog.String("stage", stage), logging.Err(err))
	} else {
		e.logger.DebugContext(ctx, "token exchanged",
			logging.UserHash(subject),
			slog.String("token", logging.SanitizeToken(tok.AccessToken)),
			slog.Time("expiry", tok.Expiry))
	}
	e.metrics.RecordTokenExchange(ctx, stage, status)

	return tok, err
}

func (e *Exchanger) exchange(ctx context.Context, subject string, scopes []string) (*oauth2.Token, error) {
	if subject == "" {
		return nil, &AuthError{Stage: StageSignJWT, Err: errors.New("subject is required")}
	}
	if e.serviceAccount == "" {
		return nil, &AuthError{Stage: StageSignJWT, Err: errors.New("service account is not configured")}
	}

	ambient, err := e.ambientToken(ctx)
	if err != nil {
		return nil, &AuthError{Stage: StageAmbient, Err: err}
	}

	assertion, err := e.signJWT(ctx, ambient, subject, scopes)
	if err != nil {
		return nil, err
	}

	return e.redeem(ctx, assertion)
}

func (e *Exchanger) ambientToken(ctx context.Context) (*oauth2.Token, error) {
	e.mu.Lock()
	ts := e.ambient
	e.mu.Unlock()

	if ts == nil {
		creds, err := googleoauth.FindDefaultCredentials(ctx, CloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("failed to find default credentials: %w", err)
		}
		ts = creds.TokenSource

		e.mu.Lock()
		if e.ambient == nil {
			e.ambient = ts
		}
		e.mu.Unlock()
	}

	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh ambient credential: %w", err)
	}
	return tok, nil
}

type assertionClaims struct {
	Issuer   string `json:"iss"`
	Subject  string `json:"sub"`
	Scope    string `json:"scope"`
	Audience string `json:"aud"`
	IssuedAt int64  `json:"iat"`
	Expiry   int64  `json:"exp"`
}

func (e *Exchanger) signJWT(ctx context.Context, ambient *oauth2.Token, subject string, scopes []string) (string, error) {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.ServiceIAM, instrumentation.OperationSignJWT)
	start := time.Now()

	signed, err := e.doSignJWT(ctx, ambient, subject, scopes)

	instrumentation.EndSpan(span, err)
	e.metrics.RecordGoogleAPIOperation(ctx, instrumentation.ServiceIAM, instrumentation.OperationSignJWT, statusOf(err), time.Since(start))
	return signed, err
}

func (e *Exchanger) doSignJWT(ctx context.Context, ambient *oauth2.Token, subject string, scopes []string) (string, error) {
	now := e.now()
	payload, err := json.Marshal(assertionClaims{
		Issuer:   e.serviceAccount,
		Subject:  subject,
		Scope:    strings.Join(scopes, " "),
		Audience: e.tokenURL,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(assertionLifetime).Unix(),
	})
	if err != nil {
		return "", &AuthError{Stage: StageSignJWT, Err: fmt.Errorf("failed to encode claims: %w", err)}
	}

	clientCtx := context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	client := oauth2.NewClient(clientCtx, oauth2.StaticTokenSource(ambient))
	client.Timeout = e.httpClient.Timeout
	opts := []option.ClientOption{
		option.WithHTTPClient(client),
	}
	if e.iamEndpoint != "" {
		opts = append(opts, option.WithEndpoint(e.iamEndpoint))
	}

	svc, err := iamcredentials.NewService(ctx, opts...)
	if err != nil {
		return "", &AuthError{Stage: StageSignJWT, Err: fmt.Errorf("failed to create IAM credentials client: %w", err)}
	}

	name := "projects/-/serviceAccounts/" + e.serviceAccount
	resp, err := svc.Projects.ServiceAccounts.SignJwt(name, &iamcredentials.SignJwtRequest{
		Payload: string(payload),
	}).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && isAuthorizationFailure(gerr.Code, "") {
			return "", &AuthorizationError{
				AuthError:  AuthError{Stage: StageSignJWT, Err: err},
				StatusCode: gerr.Code,
				Payload:    gerr.Body,
			}
		}
		return "", &AuthError{Stage: StageSignJWT, Err: err}
	}
	if resp.SignedJwt == "" {
		return "", &AuthError{Stage: StageSignJWT, Err: errors.New("signJwt returned an empty assertion")}
	}
	return resp.SignedJwt, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e *Exchanger) redeem(ctx context.Context, assertion string) (*oauth2.Token, error) {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.ServiceOAuth, instrumentation.OperationTokenExchange)
	start := time.Now()

	tok, err := e.doRedeem(ctx, assertion)

	instrumentation.EndSpan(span, err)
	e.metrics.RecordGoogleAPIOperation(ctx, instrumentation.ServiceOAuth, instrumentation.OperationTokenExchange, statusOf(err), time.Since(start))
	return tok, err
}

// doRedeem posts the jwt-bearer grant. x/oauth2 only offers this grant for
// assertions it signs itself, so the request is built by hand.
func (e *Exchanger) doRedeem(ctx context.Context, assertion string) (*oauth2.Token, error) {
	form := url.Values{
		"grant_type": {jwtBearerGrantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &AuthError{Stage: StageTokenExchange, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &AuthError{Stage: StageTokenExchange, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBodyBytes))
	if err != nil {
		return nil, &AuthError{Stage: StageTokenExchange, Err: fmt.Errorf("failed to read token response: %w", err)}
	}

	var tr tokenResponse
	decodeErr := json.Unmarshal(body, &tr)

	if resp.StatusCode != http.StatusOK || tr.AccessToken == "" {
		cause := fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if isAuthorizationFailure(resp.StatusCode, tr.Error) {
			return nil, &AuthorizationError{
				AuthError:  AuthError{Stage: StageTokenExchange, Err: cause},
				StatusCode: resp.StatusCode,
				Payload:    string(body),
			}
		}
		if decodeErr != nil && resp.StatusCode == http.StatusOK {
			cause = fmt.Errorf("failed to decode token response: %w", decodeErr)
		}
		return nil, &AuthError{Stage: StageTokenExchange, Err: cause}
	}

	tok := &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = e.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok.WithExtra(map[string]any{"scope": tr.Scope}), nil
}

func statusOf(err error) string {
	if err != nil {
		return instrumentation.StatusError
	}
	return instrumentation.StatusSuccess
}
