// Package gmail is the transport to the Gmail API for delegated senders.
//
// The Client does not hold credentials. Each call is made with the access
// token passed in, which the caller acquires per send:
//
//	tok, err := exchanger.Exchange(ctx, "jane@example.com")
//	if err != nil {
//	    return err
//	}
//	res, err := client.Send(ctx, tok, &gmail.Message{Raw: raw})
//
// Failures come back as *SendError with the HTTP status and the body Gmail
// returned. Calls are not retried; a circuit breaker rejects calls locally
// while Gmail keeps failing with server errors.
package gmail
