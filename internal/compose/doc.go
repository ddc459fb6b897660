// Package compose turns Draft and Followup records into MIME messages.
//
// A built message is multipart/alternative with a text/plain part derived
// from the rendered HTML. The HTML part is the Markdown body, then the
// tracking pixel when tracking is on, then the signature.
package compose
