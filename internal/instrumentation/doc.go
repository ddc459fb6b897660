// Package instrumentation provides OpenTelemetry metrics, tracing and the
// delivery audit log for draftsender.
//
// # Metrics
//
// HTTP:
//   - http_requests_total: requests by method, route and status
//   - http_request_duration_seconds: request durations
//
// Google APIs:
//   - google_api_operations_total: calls by service (gmail, iam, oauth), operation and status
//   - google_api_operation_duration_seconds: call durations
//   - token_exchanges_total: impersonated token exchanges by failing stage
//   - circuit_breaker_transitions_total: Gmail breaker state changes
//
// Delivery:
//   - deliveries_total: orchestrator operations by outcome (sent, test_sent,
//     conflict, rejected, failed, partial)
//   - delivery_duration_seconds: end-to-end durations
//
// # Tracing
//
// Each orchestrator operation opens a delivery.<operation> span; every Google
// call below it opens google.<service>.<operation>, so one trace shows the
// full three-hop token exchange and the Gmail call.
//
// # Configuration
//
//   - INSTRUMENTATION_ENABLED (default: true)
//   - METRICS_EXPORTER: prometheus, otlp or stdout (default: prometheus)
//   - TRACING_EXPORTER: otlp, stdout or none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_INSECURE
//   - OTEL_TRACES_SAMPLER_ARG (default: 0.1)
//   - AUDIT_LOGGING_ENABLED, AUDIT_LOGGING_INCLUDE_PII
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	provider.Metrics().RecordDelivery(ctx, "send_draft", instrumentation.OutcomeSent, "", time.Since(start))
package instrumentation
