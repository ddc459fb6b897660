// Package server exposes the delivery service over HTTP.
//
// The API server routes four POST operations onto a delivery.Service:
//
//	POST /send-draft         {"draft_id", "test_mode", "test_email"}
//	POST /send-followup      {"followup_id", "test_mode", "test_email"}
//	POST /resend-to-another  {"draft_id", "new_recipient_email", "new_recipient_name"}
//	POST /create-draft       {"draft_id"}
//
// Failures are answered with a JSON error body carrying a stable code from
// the delivery package and an operation context. A send that reached Gmail
// but could not be recorded is answered with 207 and the provider message id.
//
// GET /health describes the service, /healthz reports liveness and /readyz
// runs the registered readiness checks. Prometheus metrics are served by a
// separate MetricsServer on its own port.
package server
