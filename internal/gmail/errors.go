package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"
	"google.golang.org/api/googleapi"
)

// SendError reports a Gmail API call that did not succeed. StatusCode is zero
// when no HTTP response was received.
type SendError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error

	// unsent is set when the request never left the process.
	unsent bool
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gmail %s failed (HTTP %d): %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("gmail %s failed: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// CircuitOpen reports whether the call was refused locally because Gmail
// has been failing.
func (e *SendError) CircuitOpen() bool {
	return errors.Is(e.Err, gobreaker.ErrOpenState) || errors.Is(e.Err, gobreaker.ErrTooManyRequests)
}

// Rejected reports whether Gmail definitely did not accept the message. That
// holds for a 4xx answer and for calls that never reached Gmail. A timeout or
// a 5xx leaves the outcome unknown.
func (e *SendError) Rejected() bool {
	if e.unsent || e.CircuitOpen() {
		return true
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// localSendError reports a failure detected before any request was made.
func localSendError(op string, err error) *SendError {
	se := newSendError(op, err)
	se.unsent = true
	return se
}

func newSendError(op string, err error) *SendError {
	se := &SendError{Op: op, Err: err}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		se.StatusCode = gerr.Code
		se.Body = gerr.Body
		if se.Body == "" {
			se.Body = gerr.Message
		}
	}
	if se.CircuitOpen() {
		se.StatusCode = http.StatusServiceUnavailable
		se.Body = err.Error()
	}
	return se
}

// countsAsFailure reports whether err says something about Gmail's health.
// Rejections of the request itself do not open the circuit.
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code >= 500 || gerr.Code == http.StatusTooManyRequests
	}
	return true
}
