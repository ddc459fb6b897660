package delivery

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/teemow/draftsender/internal/gmail"
	"github.com/teemow/draftsender/internal/google"
	"github.com/teemow/draftsender/internal/instrumentation"
	"github.com/teemow/draftsender/internal/model"
)

// Error codes returned to API callers.
const (
	CodeInternal           = "ERR_1000"
	CodeValidation         = "ERR_1001"
	CodeConflict           = "ERR_1003"
	CodeGmailAuth          = "ERR_2000"
	CodeGmailSend          = "ERR_2001"
	CodeGmailQuota         = "ERR_2002"
	CodeInvalidRecipient   = "ERR_2003"
	CodeThreadNotFound     = "ERR_2004"
	CodeStoreRead          = "ERR_3001"
	CodeStoreWrite         = "ERR_3002"
	CodeDraftNotFound      = "ERR_3003"
	CodeFollowupNotFound   = "ERR_3004"
	CodeServiceUnavailable = "ERR_4002"
)

// Record kinds used in error messages and error context.
const (
	KindDraft    = "draft"
	KindFollowup = "followup"
)

// NotFoundError is returned when a referenced record does not exist.
type NotFoundError struct {
	Kind string
	ID   string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// Code returns the API error code.
func (e *NotFoundError) Code() string {
	if e.Kind == KindFollowup {
		return CodeFollowupNotFound
	}
	return CodeDraftNotFound
}

// InvalidStateError is returned when a record is not in a state the
// operation accepts. No message was sent.
type InvalidStateError struct {
	Kind   string
	ID     string
	Status model.Status
	Want   model.Status
}

func (e *InvalidStateError) Error() string {
	status := string(e.Status)
	if status == "" {
		status = "without status"
	}
	return fmt.Sprintf("%s %s is %s, expected %s", e.Kind, e.ID, status, e.Want)
}

// Code returns the API error code.
func (e *InvalidStateError) Code() string { return CodeConflict }

// ConflictError is returned to the caller that lost the race to send a
// record. No message was sent by this caller.
type ConflictError struct {
	Kind string
	ID   string
	Err  error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s already processed", e.Kind, e.ID)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Code returns the API error code.
func (e *ConflictError) Code() string { return CodeConflict }

// ValidationError reports an invalid request or an unusable record field.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Field == "" {
		return msg
	}
	return e.Field + ": " + msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Code returns the API error code.
func (e *ValidationError) Code() string { return CodeValidation }

// Store operations reported by StoreError.
const (
	StoreRead  = "read"
	StoreWrite = "write"
)

// StoreError wraps a repository failure that is neither a missing document
// nor a lost compare-and-set.
type StoreError struct {
	Op         string
	Collection string
	ID         string
	Err        error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s/%s: %v", e.Op, e.Collection, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Code returns the API error code.
func (e *StoreError) Code() string {
	if e.Op == StoreRead {
		return CodeStoreRead
	}
	return CodeStoreWrite
}

// PartialSuccessError is returned when Gmail accepted the message but the
// bookkeeping that follows failed. The message is delivered; the record needs
// manual reconciliation and must not be sent again.
type PartialSuccessError struct {
	MessageID string
	ThreadID  string
	PixelID   string
	Err       error
}

func (e *PartialSuccessError) Error() string {
	return fmt.Sprintf("message %s sent but not recorded: %v", e.MessageID, e.Err)
}

func (e *PartialSuccessError) Unwrap() error { return e.Err }

// Code returns the API error code.
func (e *PartialSuccessError) Code() string { return CodeStoreWrite }

// UnconfirmedError is returned when the send request failed without a
// definite answer from Gmail, such as a timeout. The message
// may have been delivered, so the record keeps its claim and is not sent
// again until it has been reconciled by hand.
type UnconfirmedError struct {
	Kind    string
	ID      string
	PixelID string
	Err     error
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("%s %s may have been sent: %v", e.Kind, e.ID, e.Err)
}

func (e *UnconfirmedError) Unwrap() error { return e.Err }

// Code returns the API error code.
func (e *UnconfirmedError) Code() string { return CodeGmailSend }

// coder is implemented by the errors of this package.
type coder interface {
	Code() string
}

// Code returns the API error code for any error returned by a Service.
func Code(err error) string {
	if err == nil {
		return ""
	}

	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}

	var authErr *google.AuthError
	if errors.As(err, &authErr) {
		return CodeGmailAuth
	}

	var sendErr *gmail.SendError
	if errors.As(err, &sendErr) {
		return sendErrorCode(sendErr)
	}

	return CodeInternal
}

func sendErrorCode(e *gmail.SendError) string {
	switch {
	case e.CircuitOpen():
		return CodeServiceUnavailable
	case e.StatusCode == http.StatusTooManyRequests:
		return CodeGmailQuota
	case e.StatusCode == http.StatusNotFound && e.Op == instrumentation.OperationGetHeaders:
		return CodeThreadNotFound
	case e.StatusCode == http.StatusBadRequest && mentionsRecipient(e.Body):
		return CodeInvalidRecipient
	}
	return CodeGmailSend
}

func mentionsRecipient(body string) bool {
	body = strings.ToLower(body)
	return strings.Contains(body, "invalid to header") || strings.Contains(body, "recipient")
}

// outcome classifies the result of an operation for metrics and the audit
// log.
func outcome(op string, res *Result, err error) string {
	if err == nil {
		switch {
		case op == OperationCreateDraft:
			return instrumentation.OutcomeDrafted
		case res != nil && res.TestMode:
			return instrumentation.OutcomeTestSent
		}
		return instrumentation.OutcomeSent
	}

	var (
		partial  *PartialSuccessError
		unknown  *UnconfirmedError
		conflict *ConflictError
		invalid  *InvalidStateError
		notFound *NotFoundError
		badInput *ValidationError
	)
	switch {
	case errors.As(err, &partial):
		return instrumentation.OutcomePartial
	case errors.As(err, &unknown):
		return instrumentation.OutcomeUnconfirmed
	case errors.As(err, &conflict):
		return instrumentation.OutcomeConflict
	case errors.As(err, &invalid), errors.As(err, &notFound), errors.As(err, &badInput):
		return instrumentation.OutcomeRejected
	}
	return instrumentation.OutcomeFailed
}
