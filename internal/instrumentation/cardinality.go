package instrumentation

import "strings"

// ExtractUserDomain returns the domain of an email address for low-cardinality
// labels.
//
//	ExtractUserDomain("jane@example.com")  // "example.com"
//	ExtractUserDomain("invalid")           // "unknown"
//	ExtractUserDomain("")                  // "unknown"
func ExtractUserDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "unknown"
	}
	return strings.ToLower(email[at+1:])
}

// Operations on Google APIs.
const (
	OperationSignJWT       = "sign_jwt"
	OperationTokenExchange = "token"
	OperationSend          = "send"
	OperationCreateDraft   = "create_draft"
	OperationGetHeaders    = "get_headers"
	OperationGetSignature  = "get_signature"
)

// Delivery outcomes.
const (
	OutcomeSent        = "sent"
	OutcomeTestSent    = "test_sent"
	OutcomeDrafted     = "drafted"
	OutcomeRejected    = "rejected"
	OutcomeConflict    = "conflict"
	OutcomeFailed      = "failed"
	OutcomePartial     = "partial"
	OutcomeUnconfirmed = "unconfirmed"
)
