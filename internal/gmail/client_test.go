package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

var testToken = &oauth2.Token{AccessToken: "ya29.delegated", TokenType: "Bearer"}

type fakeGmail struct {
	t *testing.T

	status int
	body   string

	calls    atomic.Int32
	lastAuth string
	lastRaw  []byte
	lastTID  string
	lastPath string
	lastQS   string
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	f.lastAuth = r.Header.Get("Authorization")
	f.lastPath = r.URL.Path
	f.lastQS = r.URL.RawQuery
	w.Header().Set("Content-Type", "application/json")

	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, f.body)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/gmail/v1/users/me/messages/send":
		var msg struct {
			Raw      string `json:"raw"`
			ThreadID string `json:"threadId"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&msg))
		raw, err := base64.URLEncoding.DecodeString(msg.Raw)
		require.NoError(f.t, err)
		f.lastRaw, f.lastTID = raw, msg.ThreadID
		threadID := msg.ThreadID
		if threadID == "" {
			threadID = "thread-new"
		}
		_, _ = io.WriteString(w, `{"id":"msg123","threadId":"`+threadID+`"}`)

	case r.Method == http.MethodPost && r.URL.Path == "/gmail/v1/users/me/drafts":
		var d struct {
			Message struct {
				Raw string `json:"raw"`
			} `json:"message"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&d))
		raw, err := base64.URLEncoding.DecodeString(d.Message.Raw)
		require.NoError(f.t, err)
		f.lastRaw = raw
		_, _ = io.WriteString(w, `{"id":"r-42","message":{"id":"m-42"}}`)

	case r.Method == http.MethodGet && r.URL.Path == "/gmail/v1/users/me/messages/msg-parent":
		_, _ = io.WriteString(w, `{"id":"msg-parent","payload":{"headers":[{"name":"Subject","value":"Hello"},{"name":"Message-Id","value":"<CAF123@mail.gmail.com>"}]}}`)

	case r.Method == http.MethodGet && r.URL.Path == "/gmail/v1/users/me/settings/sendAs/jane@example.com":
		_, _ = io.WriteString(w, `{"sendAsEmail":"jane@example.com","signature":"<b>Jane</b>"}`)

	case r.Method == http.MethodGet && r.URL.Path == "/gmail/v1/users/me/settings/sendAs":
		_, _ = io.WriteString(w, `{"sendAs":[{"sendAsEmail":"alias@example.com","signature":"alias"},{"sendAsEmail":"jane@example.com","isPrimary":true,"signature":"<i>primary</i>"}]}`)

	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
	}
}

func newTestClient(t *testing.T, f *fakeGmail, cfg ClientConfig) *Client {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	cfg.Endpoint = srv.URL + "/"
	cfg.HTTPClient = srv.Client()
	return NewClient(cfg)
}

func TestSend(t *testing.T) {
	f := &fakeGmail{}
	c := newTestClient(t, f, ClientConfig{})

	raw := []byte("From: jane@example.com\r\nTo: bob@example.com\r\nSubject: Hi\r\n\r\nbody")
	res, err := c.Send(context.Background(), testToken, &Message{Raw: raw})
	require.NoError(t, err)

	assert.Equal(t, "msg123", res.ID)
	assert.Equal(t, "thread-new", res.ThreadID)
	assert.Equal(t, "Bearer ya29.delegated", f.lastAuth)
	assert.Equal(t, raw, f.lastRaw)
	assert.Empty(t, f.lastTID)
}

func TestSend_InThread(t *testing.T) {
	f := &fakeGmail{}
	c := newTestClient(t, f, ClientConfig{})

	res, err := c.Send(context.Background(), testToken, &Message{Raw: []byte("x"), ThreadID: "thread-1"})
	require.NoError(t, err)
	assert.Equal(t, "thread-1", f.lastTID)
	assert.Equal(t, "thread-1", res.ThreadID)
}

func TestSend_Rejected(t *testing.T) {
	f := &fakeGmail{status: http.StatusBadRequest, body: `{"error":{"code":400,"message":"Invalid To header","status":"INVALID_ARGUMENT"}}`}
	c := newTestClient(t, f, ClientConfig{})

	_, err := c.Send(context.Background(), testToken, &Message{Raw: []byte("x")})
	require.Error(t, err)

	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "send", se.Op)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Contains(t, se.Body, "Invalid To header")
	assert.False(t, se.CircuitOpen())
	assert.True(t, se.Rejected())
	assert.EqualValues(t, 1, f.calls.Load(), "no retry")
}

func TestSend_Validation(t *testing.T) {
	f := &fakeGmail{}
	c := newTestClient(t, f, ClientConfig{})

	_, err := c.Send(context.Background(), testToken, &Message{})
	var se *SendError
	require.ErrorAs(t, err, &se)

	_, err = c.Send(context.Background(), nil, &Message{Raw: []byte("x")})
	require.ErrorAs(t, err, &se)
	assert.Zero(t, se.StatusCode)
	assert.True(t, se.Rejected(), "nothing was sent")

	assert.EqualValues(t, 0, f.calls.Load())
}

func TestCreateDraft(t *testing.T) {
	f := &fakeGmail{}
	c := newTestClient(t, f, ClientConfig{})

	id, err := c.CreateDraft(context.Background(), testToken, &Message{Raw: []byte("draft body")})
	require.NoError(t, err)
	assert.Equal(t, "r-42", id)
	assert.Equal(t, []byte("draft body"), f.lastRaw)
}

func TestMessageHeader(t *testing.T) {
	f := &fakeGmail{}
	c := newTestClient(t, f, ClientConfig{})

	v, err := c.MessageHeader(context.Background(), testToken, "msg-parent", "Message-ID")
	require.NoError(t, err)
	assert.Equal(t, "<CAF123@mail.gmail.com>", v)
	assert.Contains(t, f.lastQS, "format=metadata")
	assert.Contains(t, f.lastQS, "metadataHeaders=Message-ID")

	v, err = c.MessageHeader(context.Background(), testToken, "msg-parent", "References")
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = c.MessageHeader(context.Background(), testToken, "msg-missing", "Message-ID")
	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestSignature(t *testing.T) {
	f := &fakeGmail{}
	c := newTestClient(t, f, ClientConfig{})

	sig, err := c.Signature(context.Background(), testToken, "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, "<b>Jane</b>", sig)

	sig, err = c.Signature(context.Background(), testToken, "")
	require.NoError(t, err)
	assert.Equal(t, "<i>primary</i>", sig)
}

func TestBreaker_OpensOnServerErrors(t *testing.T) {
	f := &fakeGmail{status: http.StatusInternalServerError, body: `{"error":{"code":500,"message":"backend error"}}`}
	c := newTestClient(t, f, ClientConfig{BreakerFailures: 2, BreakerTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := c.Send(context.Background(), testToken, &Message{Raw: []byte("x")})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen.String(), c.State())

	_, err := c.Send(context.Background(), testToken, &Message{Raw: []byte("x")})
	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.CircuitOpen())
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.EqualValues(t, 2, f.calls.Load(), "open circuit makes no request")
}

func TestBreaker_IgnoresClientErrors(t *testing.T) {
	f := &fakeGmail{status: http.StatusBadRequest, body: `{"error":{"code":400,"message":"bad"}}`}
	c := newTestClient(t, f, ClientConfig{BreakerFailures: 2})

	for i := 0; i < 4; i++ {
		_, _ = c.Send(context.Background(), testToken, &Message{Raw: []byte("x")})
	}
	assert.Equal(t, gobreaker.StateClosed.String(), c.State())
	assert.EqualValues(t, 4, f.calls.Load())
}

func TestCountsAsFailure(t *testing.T) {
	assert.False(t, countsAsFailure(nil))
	assert.False(t, countsAsFailure(context.Canceled))
	assert.True(t, countsAsFailure(errors.New("connection reset")))
}

func TestSendError_Error(t *testing.T) {
	assert.Equal(t, "gmail send failed (HTTP 403): denied", (&SendError{Op: "send", StatusCode: 403, Body: "denied"}).Error())
	assert.True(t, strings.HasPrefix((&SendError{Op: "send", Err: errors.New("eof")}).Error(), "gmail send failed: eof"))
}

func TestSend_ServerErrorIsNotRejected(t *testing.T) {
	f := &fakeGmail{status: http.StatusBadGateway, body: `{"error":{"code":502,"message":"upstream"}}`}
	c := newTestClient(t, f, ClientConfig{BreakerFailures: 10})

	_, err := c.Send(context.Background(), testToken, &Message{Raw: []byte("x")})
	var se *SendError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.False(t, se.Rejected(), "gmail may have accepted the message")
}

func TestSendError_Rejected(t *testing.T) {
	tests := []struct {
		name string
		err  *SendError
		want bool
	}{
		{name: "bad request", err: newSendError("send", &googleapi.Error{Code: 400}), want: true},
		{name: "quota", err: newSendError("send", &googleapi.Error{Code: 429}), want: true},
		{name: "server error", err: newSendError("send", &googleapi.Error{Code: 500}), want: false},
		{name: "timeout", err: newSendError("send", context.DeadlineExceeded), want: false},
		{name: "connection reset", err: newSendError("send", errors.New("read: connection reset by peer")), want: false},
		{name: "circuit open", err: newSendError("send", gobreaker.ErrOpenState), want: true},
		{name: "never sent", err: localSendError("send", errors.New("message is empty")), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Rejected())
		})
	}
}
