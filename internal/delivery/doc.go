// Package delivery orchestrates the send operations: send-draft,
// send-followup, resend-to-another and create-draft.
//
// A send moves a record from pending to sent exactly once:
//
//  1. claim: a compare-and-set on status=pending with an empty send_claim
//     writes a fresh claim id. A caller that loses gets ConflictError.
//  2. exchange a token for the sender and compose the message.
//  3. send through Gmail. A failure before the request or a definite
//     rejection releases the claim. A timeout or a 5xx may still have
//     delivered the message: the claim stays and the caller gets
//     UnconfirmedError.
//  4. commit: a compare-and-set on the own claim sets status=sent with the
//     message and pixel ids, and creates the tracking pixel in the same
//     transaction. A failure here is a PartialSuccessError: the message is
//     out and the claim stays so the record is never sent twice.
//
// Test mode skips the claim and the commit and delivers to the test address.
package delivery
