package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/teemow/draftsender/internal/instrumentation"
	"github.com/teemow/draftsender/internal/logging"
)

// me addresses the user the access token was issued for.
const me = "me"

// ClientConfig configures a Client. The zero value talks to the public Gmail
// API with default breaker settings.
type ClientConfig struct {
	// Endpoint overrides the Gmail API base URL.
	Endpoint string
	// HTTPClient is the base client underneath the bearer token transport.
	HTTPClient *http.Client

	// BreakerFailures is the number of consecutive failures that opens the
	// circuit (default 5).
	BreakerFailures uint32
	// BreakerTimeout is how long the circuit stays open (default 30s).
	BreakerTimeout time.Duration

	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
}

// Client sends and drafts messages through the Gmail API. Every call takes
// the access token to use, so one Client serves any delegated user.
//
// A circuit breaker shared by all calls fails fast while Gmail is returning
// server errors. The client never retries.
type Client struct {
	endpoint   string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	metrics    *instrumentation.Metrics
	logger     *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		endpoint:   cfg.Endpoint,
		httpClient: cfg.HTTPClient,
		metrics:    cfg.Metrics,
		logger:     logging.WithComponent(cfg.Logger, "gmail"),
	}

	failures := cfg.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			c.metrics.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
		},
	})

	return c
}

// State returns the breaker state, for readiness reporting.
func (c *Client) State() string {
	return c.breaker.State().String()
}

func (c *Client) service(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	if token == nil || token.AccessToken == "" {
		return nil, errors.New("access token is required")
	}

	hc := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), oauth2.StaticTokenSource(token))
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// call runs fn through the breaker with tracing and metrics. Any failure is
// returned as *SendError.
func (c *Client) call(ctx context.Context, op string, token *oauth2.Token, fn func(context.Context, *gmail.UsersService) error) error {
	ctx, span := instrumentation.StartGoogleAPISpan(ctx, instrumentation.ServiceGmail, op)
	start := time.Now()

	var err error
	svc, svcErr := c.service(ctx, token)
	if svcErr != nil {
		err = localSendError(op, svcErr)
	} else {
		_, execErr := c.breaker.Execute(func() (interface{}, error) {
			return nil, fn(ctx, svc.Users)
		})
		if execErr != nil {
			err = newSendError(op, execErr)
		}
	}

	instrumentation.EndSpan(span, err)
	status := instrumentation.StatusSuccess
	if err != nil {
		status = instrumentation.StatusError
		c.logger.WarnContext(ctx, "gmail call failed", logging.Operation(op), logging.Err(err))
	}
	c.metrics.RecordGoogleAPIOperation(ctx, instrumentation.ServiceGmail, op, status, time.Since(start))
	return err
}

// Send submits msg for delivery.
func (c *Client) Send(ctx context.Context, token *oauth2.Token, msg *Message) (*SendResult, error) {
	if msg == nil || len(msg.Raw) == 0 {
		return nil, localSendError(instrumentation.OperationSend, errors.New("message is empty"))
	}

	var result *SendResult
	err := c.call(ctx, instrumentation.OperationSend, token, func(ctx context.Context, users *gmail.UsersService) error {
		sent, err := users.Messages.Send(me, &gmail.Message{
			Raw:      base64.URLEncoding.EncodeToString(msg.Raw),
			ThreadId: msg.ThreadID,
		}).Context(ctx).Do()
		if err != nil {
			return err
		}
		if sent.Id == "" {
			return errors.New("gmail accepted the message without an id")
		}
		result = &SendResult{ID: sent.Id, ThreadID: sent.ThreadId}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CreateDraft stores msg as a draft in the mailbox and returns the draft id.
func (c *Client) CreateDraft(ctx context.Context, token *oauth2.Token, msg *Message) (string, error) {
	if msg == nil || len(msg.Raw) == 0 {
		return "", localSendError(instrumentation.OperationCreateDraft, errors.New("message is empty"))
	}

	var draftID string
	err := c.call(ctx, instrumentation.OperationCreateDraft, token, func(ctx context.Context, users *gmail.UsersService) error {
		draft, err := users.Drafts.Create(me, &gmail.Draft{
			Message: &gmail.Message{
				Raw:      base64.URLEncoding.EncodeToString(msg.Raw),
				ThreadId: msg.ThreadID,
			},
		}).Context(ctx).Do()
		if err != nil {
			return err
		}
		draftID = draft.Id
		return nil
	})
	return draftID, err
}

// MessageHeader returns the value of header on the Gmail message with the
// given id, or "" if the message has no such header.
func (c *Client) MessageHeader(ctx context.Context, token *oauth2.Token, messageID, header string) (string, error) {
	var value string
	err := c.call(ctx, instrumentation.OperationGetHeaders, token, func(ctx context.Context, users *gmail.UsersService) error {
		msg, err := users.Messages.Get(me, messageID).
			Format("metadata").
			MetadataHeaders(header).
			Context(ctx).Do()
		if err != nil {
			return err
		}
		value = headerValue(msg, header)
		return nil
	})
	return value, err
}

// Signature returns the HTML signature of the sendAs address. An empty
// address selects the primary sendAs identity.
func (c *Client) Signature(ctx context.Context, token *oauth2.Token, sendAs string) (string, error) {
	var signature string
	err := c.call(ctx, instrumentation.OperationGetSignature, token, func(ctx context.Context, users *gmail.UsersService) error {
		if sendAs != "" {
			s, err := users.Settings.SendAs.Get(me, sendAs).Context(ctx).Do()
			if err != nil {
				return err
			}
			signature = s.Signature
			return nil
		}

		list, err := users.Settings.SendAs.List(me).Context(ctx).Do()
		if err != nil {
			return err
		}
		for _, s := range list.SendAs {
			if s.IsPrimary {
				signature = s.Signature
				break
			}
		}
		return nil
	})
	return signature, err
}

// headerValue finds a header by case-insensitive name.
func headerValue(msg *gmail.Message, name string) string {
	if msg == nil || msg.Payload == nil {
		return ""
	}
	for _, h := range msg.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
